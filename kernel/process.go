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
	"fmt"

	"github.com/emberos/ember/tbf"
)

// State is the credential-approval state of a loaded process. Every process
// starts Unchecked; Approved and Rejected are terminal for the boot cycle.
type State uint8

const (
	StateUnchecked State = iota
	StateApproved
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnchecked:
		return "Unchecked"
	case StateApproved:
		return "Approved"
	case StateRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ShortID is the compact identity of an approved process. The zero value is
// only locally unique: valid for this boot instance, with no meaning across
// boots or devices. A fixed ShortID is derived from the accepted credential
// and is stable for a given flash image.
type ShortID struct {
	id uint32
}

// LocallyUniqueID returns the boot-instance-only identity.
func LocallyUniqueID() ShortID {
	return ShortID{}
}

// NewFixedShortID returns a fixed identity. The id must be non-zero.
func NewFixedShortID(id uint32) (ShortID, error) {
	if id == 0 {
		return ShortID{}, fmt.Errorf("fixed ShortID must be non-zero")
	}
	return ShortID{id: id}, nil
}

// LocallyUnique reports whether the identity is only valid for this boot.
func (s ShortID) LocallyUnique() bool {
	return s.id == 0
}

// Fixed returns the fixed identity value, if there is one.
func (s ShortID) Fixed() (uint32, bool) {
	if s.id == 0 {
		return 0, false
	}
	return s.id, true
}

func (s ShortID) String() string {
	if s.id == 0 {
		return "LocallyUnique"
	}
	return fmt.Sprintf("%#08x", s.id)
}

// Frame is the initial stack frame enqueued for an approved process, the
// hand-off point to the architecture-specific context switch.
type Frame struct {
	// PC is the process entry point in flash.
	PC uint32
	// SP is the initial stack pointer, the end of the process's RAM
	// partition.
	SP uint32
}

// FaultAction tells the kernel what to do with a faulting process.
type FaultAction uint8

const (
	FaultStop FaultAction = iota
	FaultRestart
	FaultPanic
)

// FaultPolicy decides the FaultAction for a faulted process. A policy is
// attached to every process at load time; this subsystem never invokes it.
type FaultPolicy interface {
	Action(p Process) FaultAction
}

// StopFaultPolicy stops a faulting process and leaves it stopped.
type StopFaultPolicy struct{}

func (StopFaultPolicy) Action(Process) FaultAction { return FaultStop }

// PanicFaultPolicy panics the kernel on any process fault, for debugging.
type PanicFaultPolicy struct{}

func (PanicFaultPolicy) Action(Process) FaultAction { return FaultPanic }

// Process is one loaded, memory-isolated application binary. The loader
// creates processes; the checker machine approves or rejects them; the
// scheduler runs the approved ones. Processes are never destroyed short of
// a system reset.
type Process interface {
	// ProcessName returns the package name from the entry header.
	ProcessName() string

	// State returns the credential-approval state.
	State() State

	// ShortAppID returns the identity assigned at approval time. Before
	// approval it is the locally-unique zero identity.
	ShortAppID() ShortID

	// FlashStart, FlashEnd delimit the process's entry in flash, header and
	// footers included. FlashIntegrityEnd is where footer credentials
	// begin.
	FlashStart() uint32
	FlashEnd() uint32
	FlashIntegrityEnd() uint32

	// FlashBinary returns the integrity region, the bytes credentials
	// attest to. FlashFooters returns the credential footer region, which
	// may be empty. Both alias the flash image and must not be modified.
	FlashBinary() []byte
	FlashFooters() []byte

	// MemoryStart, MemoryEnd delimit the RAM partition owned exclusively by
	// this process.
	MemoryStart() uint32
	MemoryEnd() uint32

	// EntryPoint is the address of the first instruction.
	EntryPoint() uint32

	// InitFrame returns the enqueued initial frame, once the process has
	// been approved and made runnable.
	InitFrame() (Frame, bool)

	// Runnable reports whether the scheduler may pick this process.
	Runnable() bool

	// CheckError returns why the process was rejected, or nil.
	CheckError() error

	// MarkCredentialsPass transitions Unchecked -> Approved with the
	// credential (nil when approved without one) and identity. Callers must
	// hold a ProcessApprovalCapability.
	MarkCredentialsPass(credentials *tbf.Credentials, id ShortID, approval ProcessApprovalCapability) error

	// MarkCredentialsFail transitions Unchecked -> Rejected.
	MarkCredentialsFail(reason error, approval ProcessApprovalCapability)

	// EnqueueInitTask records the initial frame so the scheduler can start
	// the process. Only approved processes can be enqueued.
	EnqueueInitTask() error
}
