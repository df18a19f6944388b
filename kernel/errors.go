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

	"github.com/emberos/ember/tbf"
)

// Errors that can occur when trying to load and create processes. All of
// them are per-entry conditions: the loader reports the error, leaves the
// slot empty and moves on to the next entry in flash.
var (
	// ErrNotEnoughFlash means an entry declared a length that runs past the
	// end of the flash region. This is the only defense against a corrupted
	// entry length, so it ends the scan.
	ErrNotEnoughFlash = errors.New("not enough flash remaining for declared entry length")

	// ErrNotEnoughMemory means the RAM pool cannot satisfy the amount
	// requested by a process. Request less memory, flash fewer processes,
	// or grow the region the board reserves for process memory.
	ErrNotEnoughMemory = errors.New("not able to provide RAM requested by process")

	// ErrMpuInvalidFlashLength means the MPU cannot protect a flash region
	// of the entry's length at the address it landed.
	ErrMpuInvalidFlashLength = errors.New("process flash region not supported by MPU")

	// ErrMpuConfiguration covers any other MPU failure while placing the
	// process's regions.
	ErrMpuConfiguration = errors.New("configuring the MPU failed")

	// ErrProcessDisabled means the entry's enabled flag is cleared.
	ErrProcessDisabled = errors.New("process is not enabled")

	// ErrCredentialsNoAccept means the checking policy requires credentials
	// and no footer credential was accepted (including the case of an entry
	// with no credentials at all).
	ErrCredentialsNoAccept = errors.New("no credentials accepted")

	// ErrInternal marks an invariant violation in the kernel itself, as
	// opposed to bad application content. Please open a bug report.
	ErrInternal = errors.New("kernel internal error, likely a bug")
)

// MemoryAddressMismatchError reports a process that needs its RAM at a fixed
// address the pool could not provide.
type MemoryAddressMismatchError struct {
	Actual   uint32
	Expected uint32
}

func (e *MemoryAddressMismatchError) Error() string {
	return fmt.Sprintf("process memory does not match requested address, actual:%#x expected:%#x", e.Actual, e.Expected)
}

// IncorrectFlashAddressError reports a process whose binary must start at a
// fixed flash address other than where the entry landed.
type IncorrectFlashAddressError struct {
	Actual   uint32
	Expected uint32
}

func (e *IncorrectFlashAddressError) Error() string {
	return fmt.Sprintf("process flash does not match requested address, actual:%#x expected:%#x", e.Actual, e.Expected)
}

// IncompatibleKernelVersionError reports a process requiring a kernel
// version this kernel does not satisfy. Required is nil when the process did
// not declare a kernel version and the board requires one.
type IncompatibleKernelVersionError struct {
	Required *tbf.KernelVersion
	Running  string
}

func (e *IncompatibleKernelVersionError) Error() string {
	if e.Required == nil {
		return "process did not declare a required kernel version"
	}
	return fmt.Sprintf("process is incompatible with the kernel, running:%s required:%s", e.Running, e.Required)
}

// CredentialsRejectError reports which footer credential the checking policy
// explicitly rejected. The first credential after the process binary is
// index 0.
type CredentialsRejectError struct {
	Index int
}

func (e *CredentialsRejectError) Error() string {
	return fmt.Sprintf("credentials at index %d rejected", e.Index)
}
