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

import "fmt"

// FlashRegion is a read-only flash range holding zero or more process
// entries packed back-to-back. Start is the address the first byte of Data
// occupies on the device; the loader never writes to Data.
type FlashRegion struct {
	Start uint32
	Data  []byte
}

// End returns the first address past the region.
func (f FlashRegion) End() uint32 {
	return f.Start + uint32(len(f.Data))
}

func (f FlashRegion) String() string {
	return fmt.Sprintf("%#010x-%#010x", f.Start, f.End())
}

// RAMRegion is the pool of process memory still available to the loader.
// It is consumed front to back: each created process takes a prefix and the
// remainder is passed on to the next loading attempt.
type RAMRegion struct {
	Start uint32
	Size  uint32
}

// End returns the first address past the pool.
func (r RAMRegion) End() uint32 {
	return r.Start + r.Size
}

func (r RAMRegion) String() string {
	return fmt.Sprintf("%#010x-%#010x", r.Start, r.End())
}
