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
	"bytes"
	"fmt"
)

// Status is a point-in-time snapshot of the kernel and its process slots,
// suitable for a boot banner or a debug console.
type Status struct {
	Version   string
	BootID    string
	Processes []ProcessStatus
}

// ProcessStatus is the loader-visible state of one process slot.
type ProcessStatus struct {
	Name       string
	State      State
	ShortID    ShortID
	FlashStart uint32
	FlashEnd   uint32
	RAMStart   uint32
	RAMEnd     uint32
	CheckError error
}

// Status snapshots the kernel and the given slot array. Empty slots are
// omitted.
func (k *Kernel) Status(procs []Process) Status {
	s := Status{
		Version: k.version.String(),
		BootID:  k.bootID.String(),
	}
	for _, p := range procs {
		if p == nil {
			continue
		}
		s.Processes = append(s.Processes, ProcessStatus{
			Name:       p.ProcessName(),
			State:      p.State(),
			ShortID:    p.ShortAppID(),
			FlashStart: p.FlashStart(),
			FlashEnd:   p.FlashEnd(),
			RAMStart:   p.MemoryStart(),
			RAMEnd:     p.MemoryEnd(),
			CheckError: p.CheckError(),
		})
	}
	return s
}

// Print returns the kernel status in textual format.
func (s Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------------- Ember OS ----\n")
	status.WriteString(fmt.Sprintf("Kernel version .........: %s\n", s.Version))
	status.WriteString(fmt.Sprintf("Boot ID ................: %s\n", s.BootID))
	status.WriteString(fmt.Sprintf("Processes ..............: %d", len(s.Processes)))

	for i, p := range s.Processes {
		status.WriteString(fmt.Sprintf("\n---------------------------------------------------------- Process %02d ----\n", i))
		status.WriteString(fmt.Sprintf("Name ...................: %s\n", p.Name))
		status.WriteString(fmt.Sprintf("State ..................: %s\n", p.State))
		status.WriteString(fmt.Sprintf("Short ID ...............: %s\n", p.ShortID))
		status.WriteString(fmt.Sprintf("Flash ..................: %#010x-%#010x\n", p.FlashStart, p.FlashEnd))
		status.WriteString(fmt.Sprintf("RAM ....................: %#010x-%#010x", p.RAMStart, p.RAMEnd))
		if p.CheckError != nil {
			status.WriteString(fmt.Sprintf("\nCheck error ............: %v", p.CheckError))
		}
	}

	return status.String()
}
