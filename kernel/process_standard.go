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

	"github.com/emberos/ember/mpu"
	"github.com/emberos/ember/tbf"
)

// standardProcess is the one concrete Process implementation. Alternate
// implementations (e.g. kernel-internal fixed processes) satisfy the same
// interface.
type standardProcess struct {
	index  int
	name   string
	header *tbf.Header

	// flash is this process's entry, header and footers included. The
	// slice aliases the board flash image and is never written.
	flash        FlashRegion
	integrityEnd uint32

	// mem is the RAM partition owned exclusively by this process.
	mem mpu.Region

	entryPoint uint32
	fault      FaultPolicy

	mu         sync.Mutex
	state      State
	shortID    ShortID
	credential *tbf.Credentials
	checkErr   error
	initFrame  *Frame
}

// newStandardProcess validates one entry against the MPU and the RAM pool
// and, on success, returns the process together with the shrunken pool. On
// failure the pool is returned unchanged; nothing is consumed.
func newStandardProcess(k *Kernel, unit mpu.Unit, entry FlashRegion, header *tbf.Header, pool RAMRegion, fault FaultPolicy, index int) (*standardProcess, RAMRegion, error) {
	name := header.PackageName

	// Kernel version compatibility comes first: it is a pure header check.
	if header.KernelVersion == nil {
		if k.requireKernelVersion {
			return nil, pool, &IncompatibleKernelVersionError{Running: k.version.String()}
		}
	} else if !k.compatibleKernelVersion(*header.KernelVersion) {
		return nil, pool, &IncompatibleKernelVersionError{
			Required: header.KernelVersion,
			Running:  k.version.String(),
		}
	}

	// A position-dependent binary must have landed exactly where it was
	// linked for. The binary begins after the header.
	if expected, ok := header.FixedAddresses.FlashAddress(); ok {
		actual := entry.Start + uint32(header.HeaderSize)
		if actual != expected {
			return nil, pool, &IncorrectFlashAddressError{Actual: actual, Expected: expected}
		}
	}

	// The MPU must be able to protect the entry's flash as-is.
	if _, err := unit.AllocateRegion(entry.Start, uint32(len(entry.Data)), mpu.ReadExecuteOnly); err != nil {
		return nil, pool, fmt.Errorf("%w: %v", ErrMpuInvalidFlashLength, err)
	}

	// A fixed RAM address farther into the pool is honored by skipping the
	// gap; an address behind the pool front can never be satisfied.
	placementPool := pool
	if expected, ok := header.FixedAddresses.RAMAddress(); ok {
		switch {
		case expected == pool.Start:
			// Already where the process wants it.
		case expected > pool.Start && expected-pool.Start <= pool.Size:
			gap := expected - pool.Start
			placementPool = RAMRegion{Start: expected, Size: pool.Size - gap}
		default:
			return nil, pool, &MemoryAddressMismatchError{Actual: pool.Start, Expected: expected}
		}
	}

	minRAM := header.MinimumRAM
	if minRAM == 0 {
		minRAM = 1
	}
	alloc, err := unit.AllocateMemoryRegion(placementPool.Start, placementPool.Size, minRAM, mpu.ReadWriteOnly)
	if err != nil {
		if errors.Is(err, mpu.ErrNotEnoughMemory) {
			return nil, pool, ErrNotEnoughMemory
		}
		return nil, pool, fmt.Errorf("%w: %v", ErrMpuConfiguration, err)
	}

	// The MPU may have moved the partition for alignment; a fixed RAM
	// address must survive that.
	if expected, ok := header.FixedAddresses.RAMAddress(); ok && alloc.Start != expected {
		return nil, pool, &MemoryAddressMismatchError{Actual: alloc.Start, Expected: expected}
	}

	p := &standardProcess{
		index:        index,
		name:         name,
		header:       header,
		flash:        entry,
		integrityEnd: entry.Start + header.IntegrityEnd(),
		mem:          alloc,
		entryPoint:   entry.Start + header.InitOffset,
		fault:        fault,
		state:        StateUnchecked,
	}

	remaining := RAMRegion{Start: alloc.End(), Size: pool.End() - alloc.End()}

	klog.V(2).Infof("loading: %s [%d] flash=%s ram=%s entry=%#x", name, index, p.flash, p.mem, p.entryPoint)

	return p, remaining, nil
}

func (p *standardProcess) ProcessName() string { return p.name }

func (p *standardProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *standardProcess) ShortAppID() ShortID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shortID
}

func (p *standardProcess) FlashStart() uint32 { return p.flash.Start }

func (p *standardProcess) FlashEnd() uint32 { return p.flash.End() }

func (p *standardProcess) FlashIntegrityEnd() uint32 { return p.integrityEnd }

func (p *standardProcess) FlashBinary() []byte {
	return p.flash.Data[:p.integrityEnd-p.flash.Start]
}

func (p *standardProcess) FlashFooters() []byte {
	return p.flash.Data[p.integrityEnd-p.flash.Start:]
}

func (p *standardProcess) MemoryStart() uint32 { return p.mem.Start }

func (p *standardProcess) MemoryEnd() uint32 { return p.mem.End() }

func (p *standardProcess) EntryPoint() uint32 { return p.entryPoint }

func (p *standardProcess) InitFrame() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initFrame == nil {
		return Frame{}, false
	}
	return *p.initFrame, true
}

func (p *standardProcess) Runnable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateApproved && p.initFrame != nil
}

func (p *standardProcess) CheckError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkErr
}

func (p *standardProcess) MarkCredentialsPass(credentials *tbf.Credentials, id ShortID, _ ProcessApprovalCapability) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateUnchecked {
		return fmt.Errorf("%w: approving process %q in state %s", ErrInternal, p.name, p.state)
	}
	p.state = StateApproved
	p.shortID = id
	p.credential = credentials
	return nil
}

func (p *standardProcess) MarkCredentialsFail(reason error, _ ProcessApprovalCapability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateUnchecked {
		klog.Errorf("rejecting process %q in state %s", p.name, p.state)
		return
	}
	p.state = StateRejected
	p.checkErr = reason
}

func (p *standardProcess) EnqueueInitTask() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateApproved {
		return fmt.Errorf("%w: enqueueing init task for process %q in state %s", ErrInternal, p.name, p.state)
	}
	if p.initFrame == nil {
		p.initFrame = &Frame{PC: p.entryPoint, SP: p.mem.End()}
	}
	return nil
}
