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

	"k8s.io/klog/v2"

	"github.com/emberos/ember/mpu"
	"github.com/emberos/ember/tbf"
)

// errScanDone signals the expected end of the entry list: erased flash, or
// too few bytes left to test for another entry. It never escapes the loader.
var errScanDone = errors.New("no more process entries")

// LoadProcesses discovers process entries in flash, gives each a RAM
// partition out of appMemory, and stores the created processes in procs in
// discovery order. No credentials are checked: every loaded process is
// approved with a locally-unique identity and made runnable. Boards with
// tight code-size budgets use this entry point to avoid linking the checker
// machine.
//
// Individual malformed entries are reported and skipped; they never abort
// loading. The scan ends at the first unrecognizable header, at the end of
// the flash region, or once procs is full.
func LoadProcesses(k *Kernel, unit mpu.Unit, flash FlashRegion, appMemory RAMRegion, procs []Process, fault FaultPolicy, _ ProcessManagementCapability) error {
	if err := loadEntries(k, unit, flash, appMemory, procs, fault); err != nil {
		return err
	}

	approval := k.ProcessApprovalCapability()
	for _, p := range procs {
		if p == nil {
			continue
		}
		if err := p.MarkCredentialsPass(nil, LocallyUniqueID(), approval); err != nil {
			return err
		}
		if err := p.EnqueueInitTask(); err != nil {
			return err
		}
		klog.V(1).Infof("running %s", p.ProcessName())
	}
	return nil
}

// LoadAndCheckProcesses loads processes like LoadProcesses and then runs the
// credential checker machine over them with the given policy, blocking until
// every loaded process is Approved or Rejected. A nil checker behaves like
// LoadProcesses.
func LoadAndCheckProcesses(k *Kernel, unit mpu.Unit, flash FlashRegion, appMemory RAMRegion, procs []Process, fault FaultPolicy, checker CredentialsChecker, capability ProcessManagementCapability) error {
	if checker == nil {
		return LoadProcesses(k, unit, flash, appMemory, procs, fault, capability)
	}

	if err := loadEntries(k, unit, flash, appMemory, procs, fault); err != nil {
		return err
	}

	machine := NewCheckerMachine(k, procs, checker)
	if err := machine.Start(); err != nil {
		return err
	}
	machine.Wait()
	return nil
}

// loadEntries walks the flash region and fills procs front to back.
func loadEntries(k *Kernel, unit mpu.Unit, flash FlashRegion, appMemory RAMRegion, procs []Process, fault FaultPolicy) error {
	if uint64(flash.Start)+uint64(len(flash.Data)) > 1<<32 || appMemory.Start+appMemory.Size < appMemory.Start {
		return fmt.Errorf("%w: region bounds overflow", ErrInternal)
	}

	klog.V(1).Infof("loading processes from flash=%s into ram=%s", flash, appMemory)

	remainingFlash := flash
	remainingMemory := appMemory
	index := 0
	for index < len(procs) {
		newFlash, newMemory, proc, err := loadEntry(k, unit, remainingFlash, remainingMemory, fault, index)
		remainingFlash, remainingMemory = newFlash, newMemory
		switch {
		case errors.Is(err, errScanDone):
			klog.V(2).Infof("loading: no more entries at %#010x", remainingFlash.Start)
			return nil
		case err != nil:
			// A bad entry costs its flash but no RAM and no slot.
			klog.Warningf("loading: skipping entry: %v", err)
		case proc != nil:
			procs[index] = proc
			klog.V(1).Infof("loaded process %s", proc.ProcessName())
			index++
		default:
			// Padding entry, keep scanning.
		}
	}
	return nil
}

// loadEntry examines the entry at the front of flash. It returns the
// remaining flash and RAM pool, and the created process if the entry held a
// viable one. A nil process with a nil error is a padding entry. errScanDone
// reports the end of the entry list; any other error is a per-entry failure
// that consumed the entry's flash but no RAM.
func loadEntry(k *Kernel, unit mpu.Unit, flash FlashRegion, pool RAMRegion, fault FaultPolicy, index int) (FlashRegion, RAMRegion, *standardProcess, error) {
	if len(flash.Data) < tbf.LengthsSize {
		// Not enough flash to test for another entry: end of the list.
		return flash, pool, nil, errScanDone
	}

	version, headerSize, entryLength, err := tbf.ParseHeaderLengths(flash.Data[:tbf.LengthsSize])
	var invalid *tbf.InvalidHeaderError
	switch {
	case errors.Is(err, tbf.ErrUnableToParse):
		// Entries form a linked list; an unrecognizable header is the
		// expected end-of-list marker, not an error.
		return flash, pool, nil, errScanDone
	case errors.As(err, &invalid):
		// Malformed header with a usable length: skip over it and keep
		// scanning, there may be a valid entry behind it.
		headerSize = 0
		entryLength = invalid.EntryLength
	case err != nil:
		return flash, pool, nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if entryLength < tbf.LengthsSize {
		// A length this small cannot hold an entry and cannot be skipped
		// without re-reading the same bytes forever.
		return flash, pool, nil, errScanDone
	}
	if entryLength > uint32(len(flash.Data)) {
		// The sole backstop against a corrupted entry length: never slice
		// past the declared flash region.
		end := FlashRegion{Start: flash.End()}
		return end, pool, nil, fmt.Errorf("%w: entry at %#010x declares %d bytes, %d remain",
			ErrNotEnoughFlash, flash.Start, entryLength, len(flash.Data))
	}

	entry := FlashRegion{Start: flash.Start, Data: flash.Data[:entryLength]}
	remaining := FlashRegion{Start: flash.Start + entryLength, Data: flash.Data[entryLength:]}

	if headerSize == 0 {
		// Explicit padding, nothing to load here.
		return remaining, pool, nil, nil
	}

	header, err := tbf.ParseHeader(entry.Data[:headerSize], version)
	if err != nil {
		return remaining, pool, nil, fmt.Errorf("parsing entry header: %w", err)
	}
	if header.IsPadding() {
		return remaining, pool, nil, nil
	}
	if !header.Enabled() {
		klog.V(2).Infof("loading: %s at %#010x is not enabled", header.PackageName, entry.Start)
		return remaining, pool, nil, nil
	}

	proc, newPool, err := newStandardProcess(k, unit, entry, header, pool, fault, index)
	if err != nil {
		return remaining, pool, nil, fmt.Errorf("process %q: %w", header.PackageName, err)
	}
	return remaining, newPool, proc, nil
}
