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
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/emberos/ember/mpu"
	"github.com/emberos/ember/tbf"
)

const (
	testFlashStart = 0x40000
	testRAMStart   = 0x20000000
	testRAMSize    = 1 << 16
	testGranule    = 32
)

// alignedApp pads the app's entry length to the test MPU granule, the way
// elf2tab aligns entries for real boards.
func alignedApp(t *testing.T, app tbf.App) tbf.App {
	t.Helper()
	var b tbf.Builder
	if err := b.AddApp(app); err != nil {
		t.Fatalf("Failed to build entry: %v", err)
	}
	n := uint32(len(b.Image()))
	total := (n + testGranule - 1) &^ uint32(testGranule-1)
	if total > n && total-n < 8 {
		total += testGranule
	}
	app.TotalSize = total
	return app
}

func buildImage(t *testing.T, apps ...tbf.App) []byte {
	t.Helper()
	var b tbf.Builder
	for _, app := range apps {
		if err := b.AddApp(alignedApp(t, app)); err != nil {
			t.Fatalf("Failed to build entry: %v", err)
		}
	}
	return b.Image()
}

func testKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := New(Config{Version: "2.1.0"})
	if err != nil {
		t.Fatalf("Failed to create kernel: %v", err)
	}
	return k
}

func loadForTest(t *testing.T, k *Kernel, img []byte, slots int) []Process {
	t.Helper()
	unit, err := mpu.NewSoftware(testGranule)
	if err != nil {
		t.Fatalf("Failed to create MPU: %v", err)
	}
	procs := make([]Process, slots)
	err = LoadProcesses(k, unit,
		FlashRegion{Start: testFlashStart, Data: img},
		RAMRegion{Start: testRAMStart, Size: testRAMSize},
		procs, StopFaultPolicy{}, k.ProcessManagementCapability())
	if err != nil {
		t.Fatalf("Failed to load processes: %v", err)
	}
	return procs
}

func loadedNames(procs []Process) []string {
	var names []string
	for _, p := range procs {
		if p != nil {
			names = append(names, p.ProcessName())
		}
	}
	return names
}

func TestLoadProcesses(t *testing.T) {
	img := buildImage(t,
		tbf.App{Name: "alpha", MinimumRAM: 2048, Binary: make([]byte, 128)},
		tbf.App{Name: "beta", MinimumRAM: 1000, Binary: make([]byte, 96)},
	)
	k := testKernel(t)
	procs := loadForTest(t, k, img, 4)

	if diff := cmp.Diff(loadedNames(procs), []string{"alpha", "beta"}); diff != "" {
		t.Fatalf("Got name diff: %s", diff)
	}

	alpha, beta := procs[0], procs[1]

	// RAM is carved front to back: alpha gets [pool, pool+2048), beta gets
	// the next granule-rounded partition.
	if alpha.MemoryStart() != testRAMStart || alpha.MemoryEnd() != testRAMStart+2048 {
		t.Fatalf("Got alpha RAM %#x-%#x, want %#x-%#x",
			alpha.MemoryStart(), alpha.MemoryEnd(), uint32(testRAMStart), uint32(testRAMStart+2048))
	}
	if beta.MemoryStart() != testRAMStart+2048 || beta.MemoryEnd() != testRAMStart+2048+1024 {
		t.Fatalf("Got beta RAM %#x-%#x, want %#x-%#x",
			beta.MemoryStart(), beta.MemoryEnd(), uint32(testRAMStart+2048), uint32(testRAMStart+3072))
	}

	// Flash entries are back to back, starting at the region base.
	if alpha.FlashStart() != testFlashStart {
		t.Fatalf("Got alpha flash start %#x, want %#x", alpha.FlashStart(), uint32(testFlashStart))
	}
	if beta.FlashStart() != alpha.FlashEnd() {
		t.Fatalf("Got beta flash start %#x, want %#x", beta.FlashStart(), alpha.FlashEnd())
	}

	for _, p := range []Process{alpha, beta} {
		if p.State() != StateApproved {
			t.Fatalf("Got %s state %s, want Approved", p.ProcessName(), p.State())
		}
		if !p.Runnable() {
			t.Fatalf("Got %s not runnable", p.ProcessName())
		}
		if !p.ShortAppID().LocallyUnique() {
			t.Fatalf("Got %s ShortID %s, want LocallyUnique", p.ProcessName(), p.ShortAppID())
		}
		frame, ok := p.InitFrame()
		if !ok {
			t.Fatalf("Got %s without init frame", p.ProcessName())
		}
		if frame.PC != p.EntryPoint() || frame.SP != p.MemoryEnd() {
			t.Fatalf("Got %s frame %+v, want PC=%#x SP=%#x", p.ProcessName(), frame, p.EntryPoint(), p.MemoryEnd())
		}
	}
}

func TestLoadProcessesSkipsCorruptEntry(t *testing.T) {
	good := buildImage(t, tbf.App{Name: "alpha", MinimumRAM: 64, Binary: make([]byte, 32)})
	tail := buildImage(t, tbf.App{Name: "beta", MinimumRAM: 64, Binary: make([]byte, 32)})

	// A recognizably-framed entry with a garbage header body. The scanner
	// must skip exactly its declared length and find beta behind it.
	corrupt := make([]byte, 64)
	binary.LittleEndian.PutUint16(corrupt[0:2], 2)
	binary.LittleEndian.PutUint16(corrupt[2:4], 48)
	binary.LittleEndian.PutUint32(corrupt[4:8], 64)
	for i := 8; i < 48; i++ {
		corrupt[i] = 0xA5
	}

	var b tbf.Builder
	b.AddRaw(good)
	b.AddRaw(corrupt)
	b.AddRaw(tail)

	k := testKernel(t)
	procs := loadForTest(t, k, b.Image(), 4)
	if diff := cmp.Diff(loadedNames(procs), []string{"alpha", "beta"}); diff != "" {
		t.Fatalf("Got name diff: %s", diff)
	}
}

func TestLoadProcessesStopsAtErasedFlash(t *testing.T) {
	img := buildImage(t, tbf.App{Name: "alpha", MinimumRAM: 64, Binary: make([]byte, 32)})
	img = append(img, bytes.Repeat([]byte{0xFF}, 512)...)

	k := testKernel(t)
	procs := loadForTest(t, k, img, 4)
	if diff := cmp.Diff(loadedNames(procs), []string{"alpha"}); diff != "" {
		t.Fatalf("Got name diff: %s", diff)
	}
}

func TestLoadProcessesSlotCapacity(t *testing.T) {
	img := buildImage(t,
		tbf.App{Name: "a", MinimumRAM: 64, Binary: make([]byte, 32)},
		tbf.App{Name: "b", MinimumRAM: 64, Binary: make([]byte, 32)},
		tbf.App{Name: "c", MinimumRAM: 64, Binary: make([]byte, 32)},
	)
	k := testKernel(t)
	procs := loadForTest(t, k, img, 2)
	if diff := cmp.Diff(loadedNames(procs), []string{"a", "b"}); diff != "" {
		t.Fatalf("Got name diff: %s", diff)
	}
}

func TestLoadProcessesSkipsPaddingAndDisabled(t *testing.T) {
	var b tbf.Builder
	b.AddRaw(buildImage(t, tbf.App{Name: "alpha", MinimumRAM: 64, Binary: make([]byte, 32)}))
	if err := b.AddPadding(96); err != nil {
		t.Fatalf("Failed to build padding: %v", err)
	}
	b.AddRaw(buildImage(t, tbf.App{Name: "off", MinimumRAM: 64, Binary: make([]byte, 32), Disabled: true}))
	b.AddRaw(buildImage(t, tbf.App{Name: "beta", MinimumRAM: 64, Binary: make([]byte, 32)}))

	k := testKernel(t)
	procs := loadForTest(t, k, b.Image(), 4)
	if diff := cmp.Diff(loadedNames(procs), []string{"alpha", "beta"}); diff != "" {
		t.Fatalf("Got name diff: %s", diff)
	}
}

func TestLoadProcessesEntryLengthPastFlash(t *testing.T) {
	// One good entry followed by an entry whose declared length runs past
	// the end of the flash region. The bad entry must consume the remaining
	// flash without taking a slot, and must not panic the scanner.
	img := buildImage(t, tbf.App{Name: "alpha", MinimumRAM: 64, Binary: make([]byte, 32)})
	img = append(img, lengthsPrefixForTest(2, 16, 1<<20)...)
	img = append(img, make([]byte, 64)...)

	k := testKernel(t)
	procs := loadForTest(t, k, img, 4)
	if diff := cmp.Diff(loadedNames(procs), []string{"alpha"}); diff != "" {
		t.Fatalf("Got name diff: %s", diff)
	}
}

func lengthsPrefixForTest(version, headerSize uint16, totalSize uint32) []byte {
	b := make([]byte, tbf.LengthsSize)
	binary.LittleEndian.PutUint16(b[0:2], version)
	binary.LittleEndian.PutUint16(b[2:4], headerSize)
	binary.LittleEndian.PutUint32(b[4:8], totalSize)
	return b
}

func TestLoadProcessesKernelVersion(t *testing.T) {
	for _, test := range []struct {
		name      string
		required  *tbf.KernelVersion
		require   bool
		wantNames []string
	}{
		{
			name:      "compatible",
			required:  &tbf.KernelVersion{Major: 2, Minor: 0},
			wantNames: []string{"app"},
		}, {
			name:     "newer minor required",
			required: &tbf.KernelVersion{Major: 2, Minor: 5},
		}, {
			name:     "different major",
			required: &tbf.KernelVersion{Major: 1, Minor: 0},
		}, {
			name:      "undeclared allowed",
			required:  nil,
			wantNames: []string{"app"},
		}, {
			name:     "undeclared rejected when required",
			required: nil,
			require:  true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			img := buildImage(t, tbf.App{
				Name:          "app",
				MinimumRAM:    64,
				Binary:        make([]byte, 32),
				KernelVersion: test.required,
			})
			k, err := New(Config{Version: "2.1.0", RequireKernelVersion: test.require})
			if err != nil {
				t.Fatalf("Failed to create kernel: %v", err)
			}
			procs := loadForTest(t, k, img, 4)
			if diff := cmp.Diff(loadedNames(procs), test.wantNames); diff != "" {
				t.Fatalf("Got name diff: %s", diff)
			}
		})
	}
}

func TestLoadProcessesFixedAddresses(t *testing.T) {
	entryHeaderSize := func(app tbf.App) uint32 {
		var b tbf.Builder
		if err := b.AddApp(alignedApp(t, app)); err != nil {
			t.Fatalf("Failed to build entry: %v", err)
		}
		img := b.Image()
		_, hs, _, err := tbf.ParseHeaderLengths(img[:tbf.LengthsSize])
		if err != nil {
			t.Fatalf("Failed to parse entry: %v", err)
		}
		return uint32(hs)
	}

	t.Run("fixed flash honored", func(t *testing.T) {
		// Measure the header size with the fixed-addresses element in
		// place, then point the flash address at the binary's actual spot.
		app := tbf.App{Name: "app", MinimumRAM: 64, Binary: make([]byte, 32)}
		app.FixedAddresses = &tbf.FixedAddresses{
			RAM:   tbf.FixedAddressUnset,
			Flash: tbf.FixedAddressUnset,
		}
		app.FixedAddresses.Flash = testFlashStart + entryHeaderSize(app)
		k := testKernel(t)
		procs := loadForTest(t, k, buildImage(t, app), 4)
		if diff := cmp.Diff(loadedNames(procs), []string{"app"}); diff != "" {
			t.Fatalf("Got name diff: %s", diff)
		}
	})

	t.Run("fixed flash mismatch", func(t *testing.T) {
		app := tbf.App{Name: "app", MinimumRAM: 64, Binary: make([]byte, 32)}
		app.FixedAddresses = &tbf.FixedAddresses{
			RAM:   tbf.FixedAddressUnset,
			Flash: 0x80000,
		}
		k := testKernel(t)
		procs := loadForTest(t, k, buildImage(t, app), 4)
		if len(loadedNames(procs)) != 0 {
			t.Fatalf("Got processes %v, want none", loadedNames(procs))
		}
	})

	t.Run("fixed RAM skips a gap", func(t *testing.T) {
		app := tbf.App{Name: "app", MinimumRAM: 64, Binary: make([]byte, 32)}
		app.FixedAddresses = &tbf.FixedAddresses{
			RAM:   testRAMStart + 4096,
			Flash: tbf.FixedAddressUnset,
		}
		k := testKernel(t)
		procs := loadForTest(t, k, buildImage(t, app), 4)
		if diff := cmp.Diff(loadedNames(procs), []string{"app"}); diff != "" {
			t.Fatalf("Got name diff: %s", diff)
		}
		if got := procs[0].MemoryStart(); got != testRAMStart+4096 {
			t.Fatalf("Got RAM start %#x, want %#x", got, uint32(testRAMStart+4096))
		}
	})

	t.Run("fixed RAM behind the pool", func(t *testing.T) {
		app := tbf.App{Name: "app", MinimumRAM: 64, Binary: make([]byte, 32)}
		app.FixedAddresses = &tbf.FixedAddresses{
			RAM:   testRAMStart - 4096,
			Flash: tbf.FixedAddressUnset,
		}
		k := testKernel(t)
		procs := loadForTest(t, k, buildImage(t, app), 4)
		if len(loadedNames(procs)) != 0 {
			t.Fatalf("Got processes %v, want none", loadedNames(procs))
		}
	})
}

func TestLoadProcessesNotEnoughMemory(t *testing.T) {
	// The first process asks for more RAM than the pool holds; the second is
	// modest. The first must be skipped without consuming RAM.
	img := buildImage(t,
		tbf.App{Name: "greedy", MinimumRAM: testRAMSize * 2, Binary: make([]byte, 32)},
		tbf.App{Name: "modest", MinimumRAM: 64, Binary: make([]byte, 32)},
	)
	k := testKernel(t)
	procs := loadForTest(t, k, img, 4)
	if diff := cmp.Diff(loadedNames(procs), []string{"modest"}); diff != "" {
		t.Fatalf("Got name diff: %s", diff)
	}
	if got := procs[0].MemoryStart(); got != testRAMStart {
		t.Fatalf("Got RAM start %#x, want the untouched pool front %#x", got, uint32(testRAMStart))
	}
}

func TestLoadProcessesMinimumRAMNearWraparound(t *testing.T) {
	// A header can declare any 32-bit MinimumRAM. Values near 2^32 used to
	// wrap during granule rounding and load with a zero-byte RAM partition;
	// they must be skipped like any other unsatisfiable request.
	img := buildImage(t,
		tbf.App{Name: "bloated", MinimumRAM: 0xFFFFFFFF, Binary: make([]byte, 32)},
		tbf.App{Name: "modest", MinimumRAM: 64, Binary: make([]byte, 32)},
	)
	k := testKernel(t)
	procs := loadForTest(t, k, img, 4)
	if diff := cmp.Diff(loadedNames(procs), []string{"modest"}); diff != "" {
		t.Fatalf("Got name diff: %s", diff)
	}
	p := procs[0]
	if p.MemoryEnd() <= p.MemoryStart() {
		t.Fatalf("Got empty RAM partition %#x-%#x", p.MemoryStart(), p.MemoryEnd())
	}
	if got := p.MemoryStart(); got != testRAMStart {
		t.Fatalf("Got RAM start %#x, want the untouched pool front %#x", got, uint32(testRAMStart))
	}
}

func TestStatusPrint(t *testing.T) {
	img := buildImage(t, tbf.App{Name: "alpha", MinimumRAM: 64, Binary: make([]byte, 32)})
	k := testKernel(t)
	procs := loadForTest(t, k, img, 4)

	s := k.Status(procs)
	if len(s.Processes) != 1 {
		t.Fatalf("Got %d process statuses, want 1", len(s.Processes))
	}
	out := s.Print()
	for _, want := range []string{"Ember OS", "alpha", "Approved", k.BootID().String()} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("Status output missing %q:\n%s", want, out)
		}
	}
}
