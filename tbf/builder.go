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

package tbf

import (
	"encoding/binary"
	"fmt"
)

// App describes one process entry for Builder.
type App struct {
	Name       string
	MinimumRAM uint32

	// Binary is the process binary placed immediately after the header.
	Binary []byte

	// InitOffset is the entry point offset within Binary.
	InitOffset uint32

	KernelVersion  *KernelVersion
	FixedAddresses *FixedAddresses
	Credentials    []Credentials

	// Disabled clears the enabled flag so the loader skips the entry.
	Disabled bool

	// TotalSize, when non-zero, pads the entry's footer region out to the
	// given entry length with a reserved credentials element.
	TotalSize uint32
}

// Builder assembles a flash image of back-to-back TBF v2 entries, the same
// layout elf2tab produces on real boards. It exists for tests and for the
// simulator; the kernel itself only ever reads images.
type Builder struct {
	entries [][]byte
}

// AddApp appends a process entry.
func (b *Builder) AddApp(app App) error {
	e, err := buildApp(app)
	if err != nil {
		return err
	}
	b.entries = append(b.entries, e)
	return nil
}

// AddPadding appends a padding entry of the given total length. Padding
// entries carry only the 16 base header bytes and are skipped by the loader.
func (b *Builder) AddPadding(totalSize uint32) error {
	if totalSize < BaseSize {
		return fmt.Errorf("padding entry of %d bytes is smaller than a v2 header base", totalSize)
	}
	h := make([]byte, BaseSize)
	binary.LittleEndian.PutUint16(h[0:2], 2)
	binary.LittleEndian.PutUint16(h[2:4], BaseSize)
	binary.LittleEndian.PutUint32(h[4:8], totalSize)
	finishHeader(h)

	e := make([]byte, totalSize)
	copy(e, h)
	b.entries = append(b.entries, e)
	return nil
}

// AddRaw appends arbitrary bytes as an entry, for crafting corrupt images.
func (b *Builder) AddRaw(raw []byte) {
	b.entries = append(b.entries, raw)
}

// Image returns the assembled flash image.
func (b *Builder) Image() []byte {
	var img []byte
	for _, e := range b.entries {
		img = append(img, e...)
	}
	return img
}

func buildApp(app App) ([]byte, error) {
	headerSize := BaseSize +
		4 + 20 + // Program
		4 + len(app.Name)
	if app.KernelVersion != nil {
		headerSize += 4 + 4
	}
	if app.FixedAddresses != nil {
		headerSize += 4 + 8
	}
	if headerSize > 0xFFFF {
		return nil, fmt.Errorf("header of %d bytes does not fit in a v2 length field", headerSize)
	}

	binaryEnd := uint32(headerSize) + uint32(len(app.Binary))

	footerSize := 0
	for _, c := range app.Credentials {
		footerSize += 4 + 4 + len(c.Data)
	}

	totalSize := binaryEnd + uint32(footerSize)
	if app.TotalSize != 0 {
		if app.TotalSize < totalSize {
			return nil, fmt.Errorf("entry needs %d bytes, TotalSize is %d", totalSize, app.TotalSize)
		}
		if pad := app.TotalSize - totalSize; pad > 0 && pad < 8 {
			return nil, fmt.Errorf("cannot pad footer region by %d bytes, minimum is 8", pad)
		}
		totalSize = app.TotalSize
	}

	flags := flagEnabled
	if app.Disabled {
		flags = 0
	}

	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(h[0:2], 2)
	binary.LittleEndian.PutUint16(h[2:4], uint16(headerSize))
	binary.LittleEndian.PutUint32(h[4:8], totalSize)
	binary.LittleEndian.PutUint32(h[8:12], flags)

	off := BaseSize
	off = putTLV(h, off, TLVProgram, func(p []byte) {
		binary.LittleEndian.PutUint32(p[0:4], uint32(headerSize)+app.InitOffset)
		binary.LittleEndian.PutUint32(p[4:8], 0) // protected trailer
		binary.LittleEndian.PutUint32(p[8:12], app.MinimumRAM)
		binary.LittleEndian.PutUint32(p[12:16], binaryEnd)
		binary.LittleEndian.PutUint32(p[16:20], 0) // binary version
	}, 20)
	off = putTLV(h, off, TLVPackageName, func(p []byte) {
		copy(p, app.Name)
	}, len(app.Name))
	if app.KernelVersion != nil {
		off = putTLV(h, off, TLVKernelVersion, func(p []byte) {
			binary.LittleEndian.PutUint16(p[0:2], app.KernelVersion.Major)
			binary.LittleEndian.PutUint16(p[2:4], app.KernelVersion.Minor)
		}, 4)
	}
	if app.FixedAddresses != nil {
		putTLV(h, off, TLVFixedAddresses, func(p []byte) {
			binary.LittleEndian.PutUint32(p[0:4], app.FixedAddresses.RAM)
			binary.LittleEndian.PutUint32(p[4:8], app.FixedAddresses.Flash)
		}, 8)
	}
	finishHeader(h)

	e := make([]byte, totalSize)
	copy(e, h)
	copy(e[headerSize:], app.Binary)

	foff := binaryEnd
	for _, c := range app.Credentials {
		binary.LittleEndian.PutUint16(e[foff:foff+2], uint16(TLVCredentials))
		binary.LittleEndian.PutUint16(e[foff+2:foff+4], uint16(4+len(c.Data)))
		binary.LittleEndian.PutUint32(e[foff+4:foff+8], uint32(c.Format))
		copy(e[foff+8:], c.Data)
		foff += uint32(8 + len(c.Data))
	}
	// Fill any remaining footer space with a reserved credentials element so
	// footer walks see a well-formed region end to end.
	if pad := totalSize - foff; pad > 0 {
		binary.LittleEndian.PutUint16(e[foff:foff+2], uint16(TLVCredentials))
		binary.LittleEndian.PutUint16(e[foff+2:foff+4], uint16(pad-4))
		binary.LittleEndian.PutUint32(e[foff+4:foff+8], uint32(CredentialsReserved))
	}

	return e, nil
}

func putTLV(h []byte, off int, t TLVType, fill func([]byte), size int) int {
	binary.LittleEndian.PutUint16(h[off:off+2], uint16(t))
	binary.LittleEndian.PutUint16(h[off+2:off+4], uint16(size))
	fill(h[off+4 : off+4+size])
	return off + 4 + size
}

// finishHeader computes and stores the header checksum.
func finishHeader(h []byte) {
	var sum uint32
	for i := 0; i+4 <= len(h); i += 4 {
		if i == 12 {
			continue
		}
		sum ^= binary.LittleEndian.Uint32(h[i : i+4])
	}
	binary.LittleEndian.PutUint32(h[12:16], sum)
}
