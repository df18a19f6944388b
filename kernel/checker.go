// Copyright 2025 The Ember OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/emberos/ember/tbf"
)

// CheckerMachine walks the loaded-process list exactly once, in slot order,
// submitting each process's footer credentials to the checking policy until
// one produces a verdict. Checks are single-flight: while one is
// outstanding the machine is parked and only the policy's CheckDone can
// advance it. Approved processes are made runnable on the spot; rejected
// ones stay visible for diagnostics but are never scheduled.
//
// There is no way to cancel an in-flight check; a policy that never
// completes stalls boot. That is a documented property of the design, not a
// recoverable condition.
type CheckerMachine struct {
	processes []Process
	checker   CredentialsChecker
	approval  ProcessApprovalCapability

	mu       sync.Mutex
	process  int
	footer   int
	checking bool
	finished bool
	done     chan struct{}
}

// footerStatus reports what became of one attempt to submit a footer
// credential.
type footerStatus uint8

const (
	// footerChecking: a check was started, park until CheckDone.
	footerChecking footerStatus = iota
	// footerNotCheckable: this footer produced no check, try the next one.
	footerNotCheckable
	// footerPastLast: the footer region is exhausted.
	footerPastLast
	// footerBad: the footer region is malformed, give up on this process.
	footerBad
)

// NewCheckerMachine returns a machine over the given slot array. The
// processes slice must not be mutated once checking starts.
func NewCheckerMachine(k *Kernel, processes []Process, checker CredentialsChecker) *CheckerMachine {
	return &CheckerMachine{
		processes: processes,
		checker:   checker,
		approval:  k.ProcessApprovalCapability(),
		done:      make(chan struct{}),
	}
}

// Start registers the machine with the policy and begins checking at slot 0.
func (m *CheckerMachine) Start() error {
	if m.checker == nil {
		return fmt.Errorf("%w: checker machine started without a policy", ErrInternal)
	}
	m.checker.SetClient(m)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next()
	return nil
}

// Done is closed once every process has reached a terminal state.
func (m *CheckerMachine) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until checking has finished.
func (m *CheckerMachine) Wait() {
	<-m.done
}

// next advances the machine until it either starts an asynchronous check or
// runs out of processes. Callers must hold m.mu.
func (m *CheckerMachine) next() {
	for {
		if m.checking || m.finished {
			return
		}

		// Slots are filled front to back, but don't trust that: skip any
		// empty slot.
		for m.process < len(m.processes) && m.processes[m.process] == nil {
			m.process++
			m.footer = 0
		}
		if m.process >= len(m.processes) {
			m.finished = true
			close(m.done)
			klog.V(1).Infof("checking: all processes checked")
			return
		}

		p := m.processes[m.process]
		status := m.submitFooter(p)
		klog.V(2).Infof("checking: process %d footer %d: %v", m.process, m.footer, status)

		switch status {
		case footerChecking:
			m.checking = true
			return
		case footerNotCheckable:
			m.footer++
		case footerPastLast:
			// All footers seen without a verdict: the policy's
			// RequireCredentials answer decides.
			if m.checker.RequireCredentials() {
				klog.V(1).Infof("checking: credentials required, none accepted, not running %s", p.ProcessName())
				p.MarkCredentialsFail(ErrCredentialsNoAccept, m.approval)
			} else {
				klog.V(1).Infof("checking: credentials not required, running %s", p.ProcessName())
				m.approve(p, nil, LocallyUniqueID())
			}
			m.advance()
		case footerBad:
			// A malformed footer region leaves the process Unchecked: it
			// is never runnable, but the fault is recorded for diagnosis.
			klog.Warningf("checking: bad footer region in %s", p.ProcessName())
			m.advance()
		}
	}
}

// submitFooter walks the current process's footer region to the credential
// at index m.footer and submits it to the policy. Callers must hold m.mu.
func (m *CheckerMachine) submitFooter(p Process) footerStatus {
	footers := p.FlashFooters()
	binary := p.FlashBinary()

	for index := 0; ; index++ {
		credentials, n, err := tbf.ParseFooter(footers)
		if err != nil {
			if errors.Is(err, tbf.ErrNotEnoughBytes) {
				return footerPastLast
			}
			return footerBad
		}
		if index == m.footer {
			if credentials.Format == tbf.CredentialsReserved {
				// Footer padding, nothing to check.
				return footerNotCheckable
			}
			switch err := m.checker.CheckCredentials(credentials, binary); {
			case err == nil:
				return footerChecking
			case errors.Is(err, ErrCredentialsNotSupported):
				return footerNotCheckable
			default:
				klog.Warningf("checking: submitting %v credentials of %s: %v", credentials.Format, p.ProcessName(), err)
				return footerNotCheckable
			}
		}
		footers = footers[n:]
	}
}

// CheckDone receives the policy's verdict. It implements CheckerClient and
// is the only way a parked machine resumes.
func (m *CheckerMachine) CheckDone(err error, result CheckResult, credentials *tbf.Credentials, binary []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.checking {
		klog.Errorf("checking: unexpected CheckDone with no check in flight")
		return
	}
	m.checking = false

	if m.process >= len(m.processes) || m.processes[m.process] == nil {
		klog.Errorf("checking: CheckDone for missing process %d", m.process)
		m.advance()
		m.next()
		return
	}
	p := m.processes[m.process]

	switch {
	case err != nil:
		// The check itself failed (e.g. accelerator fault). The credential
		// produced no verdict; try the next one.
		klog.Warningf("checking: checking %s footer %d: %v", p.ProcessName(), m.footer, err)
		m.footer++
	case result == CheckResultAccept:
		id := m.shortID(credentials, binary)
		klog.V(1).Infof("checking: %s approved, shortid %s", p.ProcessName(), id)
		m.approve(p, credentials, id)
		m.advance()
	case result == CheckResultPass:
		m.footer++
	case result == CheckResultReject:
		klog.V(1).Infof("checking: %s rejected on footer %d", p.ProcessName(), m.footer)
		p.MarkCredentialsFail(&CredentialsRejectError{Index: m.footer}, m.approval)
		m.advance()
	default:
		klog.Errorf("checking: unknown check result %v for %s", result, p.ProcessName())
		m.footer++
	}

	m.next()
}

// approve marks the process approved and makes it runnable. Callers must
// hold m.mu.
func (m *CheckerMachine) approve(p Process, credentials *tbf.Credentials, id ShortID) {
	if err := p.MarkCredentialsPass(credentials, id, m.approval); err != nil {
		klog.Errorf("checking: approving %s: %v", p.ProcessName(), err)
		return
	}
	if err := p.EnqueueInitTask(); err != nil {
		klog.Errorf("checking: starting %s: %v", p.ProcessName(), err)
	}
}

// advance moves the cursor to the next slot. Callers must hold m.mu.
func (m *CheckerMachine) advance() {
	m.process++
	m.footer = 0
}

// shortID derives the identity for a process approved through credentials.
func (m *CheckerMachine) shortID(credentials *tbf.Credentials, binary []byte) ShortID {
	if credentials == nil {
		return LocallyUniqueID()
	}
	if c, ok := m.checker.(ShortIDCompressor); ok {
		return c.ToShortID(credentials, binary)
	}
	return DeriveShortID(credentials, binary)
}
