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

// Package mpu abstracts the memory protection unit the kernel asks to
// validate and place the memory regions of each process. Hardware drivers
// implement Unit; Software models the granularity constraints of a typical
// MPU for hosts and tests.
package mpu

import (
	"errors"
	"fmt"
)

// Permissions a process is granted on a region.
type Permissions uint8

const (
	ReadExecuteOnly Permissions = iota
	ReadWriteOnly
	ReadOnly
)

func (p Permissions) String() string {
	switch p {
	case ReadExecuteOnly:
		return "r-x"
	case ReadWriteOnly:
		return "rw-"
	case ReadOnly:
		return "r--"
	default:
		return "???"
	}
}

// Region is a placed protection region.
type Region struct {
	Start uint32
	Size  uint32
}

// End returns the first address past the region.
func (r Region) End() uint32 {
	return r.Start + r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("%#010x-%#010x", r.Start, r.End())
}

// ErrRegionNotSupported is returned when a fixed region cannot be protected
// as given, typically because its start or length violates the unit's
// granularity.
var ErrRegionNotSupported = errors.New("mpu: region not supported")

// ErrNotEnoughMemory is returned when no placement of the requested size
// fits in the available range.
var ErrNotEnoughMemory = errors.New("mpu: not enough memory for region")

// Unit is the protection capability the loader consumes.
type Unit interface {
	// AllocateRegion validates that the fixed region [start, start+size)
	// can be protected with the given permissions. Used for process flash,
	// whose placement is dictated by the image.
	AllocateRegion(start, size uint32, perms Permissions) (Region, error)

	// AllocateMemoryRegion places a region of at least minSize bytes inside
	// [start, start+size), honoring the unit's alignment rules. Used to
	// carve a process's RAM partition from the remaining pool.
	AllocateMemoryRegion(start, size, minSize uint32, perms Permissions) (Region, error)
}

// Software models an MPU whose regions must start and end on a fixed power
// of two granule. It performs no enforcement; it exists so region placement
// on hosts and in tests obeys the same rules a hardware driver would apply.
type Software struct {
	granule uint32
}

// DefaultGranule matches the smallest region alignment of common Cortex-M
// parts.
const DefaultGranule = 32

// NewSoftware returns a Software unit with the given granule, which must be
// a power of two. A granule of 0 selects DefaultGranule.
func NewSoftware(granule uint32) (*Software, error) {
	if granule == 0 {
		granule = DefaultGranule
	}
	if granule&(granule-1) != 0 {
		return nil, fmt.Errorf("granule %d is not a power of two", granule)
	}
	return &Software{granule: granule}, nil
}

// Granule returns the unit's region granularity in bytes.
func (s *Software) Granule() uint32 {
	return s.granule
}

func (s *Software) AllocateRegion(start, size uint32, _ Permissions) (Region, error) {
	if size == 0 || start%s.granule != 0 || size%s.granule != 0 {
		return Region{}, ErrRegionNotSupported
	}
	return Region{Start: start, Size: size}, nil
}

func (s *Software) AllocateMemoryRegion(start, size, minSize uint32, _ Permissions) (Region, error) {
	if minSize == 0 {
		return Region{}, ErrRegionNotSupported
	}
	// Rounding is done in uint64: minSize comes straight from header bytes,
	// and a value near 2^32 must fail the fit check rather than wrap to a
	// zero-byte region.
	placed := roundUp(uint64(start), uint64(s.granule))
	rounded := roundUp(uint64(minSize), uint64(s.granule))
	if placed-uint64(start)+rounded > uint64(size) {
		return Region{}, ErrNotEnoughMemory
	}
	return Region{Start: uint32(placed), Size: uint32(rounded)}, nil
}

func roundUp(v, granule uint64) uint64 {
	return (v + granule - 1) &^ (granule - 1)
}
