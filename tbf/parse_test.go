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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// lengthsPrefix builds the 8-byte entry prefix by hand.
func lengthsPrefix(version, headerSize uint16, totalSize uint32) []byte {
	b := make([]byte, LengthsSize)
	binary.LittleEndian.PutUint16(b[0:2], version)
	binary.LittleEndian.PutUint16(b[2:4], headerSize)
	binary.LittleEndian.PutUint32(b[4:8], totalSize)
	return b
}

func TestParseHeaderLengths(t *testing.T) {
	for _, test := range []struct {
		name           string
		b              []byte
		wantHeaderSize uint16
		wantTotalSize  uint32
		wantErr        error
		wantSkip       uint32
	}{
		{
			name:           "valid",
			b:              lengthsPrefix(2, 16, 1024),
			wantHeaderSize: 16,
			wantTotalSize:  1024,
		}, {
			name:    "too short",
			b:       []byte{2, 0, 16},
			wantErr: ErrNotEnoughBytes,
		}, {
			name:    "erased flash ones",
			b:       bytes.Repeat([]byte{0xFF}, LengthsSize),
			wantErr: ErrUnableToParse,
		}, {
			name:    "erased flash zeros",
			b:       make([]byte, LengthsSize),
			wantErr: ErrUnableToParse,
		}, {
			name:    "unknown version",
			b:       lengthsPrefix(3, 16, 1024),
			wantErr: ErrUnableToParse,
		}, {
			name:     "header larger than entry",
			b:        lengthsPrefix(2, 200, 100),
			wantSkip: 100,
		}, {
			name:     "header below base size",
			b:        lengthsPrefix(2, 8, 1024),
			wantSkip: 1024,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, headerSize, totalSize, err := ParseHeaderLengths(test.b)
			if test.wantSkip != 0 {
				var invalid *InvalidHeaderError
				if !errors.As(err, &invalid) {
					t.Fatalf("Got err %v, want InvalidHeaderError", err)
				}
				if invalid.EntryLength != test.wantSkip {
					t.Fatalf("Got skip length %d, want %d", invalid.EntryLength, test.wantSkip)
				}
				return
			}
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got err %v, want %v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if headerSize != test.wantHeaderSize || totalSize != test.wantTotalSize {
				t.Fatalf("Got (%d, %d), want (%d, %d)", headerSize, totalSize, test.wantHeaderSize, test.wantTotalSize)
			}
		})
	}
}

func TestParseHeaderRoundTrip(t *testing.T) {
	app := App{
		Name:           "hello",
		MinimumRAM:     4096,
		Binary:         bytes.Repeat([]byte{0xAA}, 128),
		InitOffset:     4,
		KernelVersion:  &KernelVersion{Major: 2, Minor: 1},
		FixedAddresses: &FixedAddresses{RAM: 0x20000000, Flash: FixedAddressUnset},
	}
	var b Builder
	if err := b.AddApp(app); err != nil {
		t.Fatalf("Failed to build entry: %v", err)
	}
	img := b.Image()

	version, headerSize, totalSize, err := ParseHeaderLengths(img[:LengthsSize])
	if err != nil {
		t.Fatalf("Failed to parse lengths: %v", err)
	}
	if totalSize != uint32(len(img)) {
		t.Fatalf("Got total size %d, image is %d bytes", totalSize, len(img))
	}

	h, err := ParseHeader(img[:headerSize], version)
	if err != nil {
		t.Fatalf("Failed to parse header: %v", err)
	}

	if h.IsPadding() {
		t.Fatal("Got padding header for a process entry")
	}
	if !h.Enabled() {
		t.Fatal("Got disabled header, want enabled")
	}
	if h.PackageName != app.Name {
		t.Fatalf("Got name %q, want %q", h.PackageName, app.Name)
	}
	if h.MinimumRAM != app.MinimumRAM {
		t.Fatalf("Got minimum RAM %d, want %d", h.MinimumRAM, app.MinimumRAM)
	}
	if want := uint32(headerSize) + app.InitOffset; h.InitOffset != want {
		t.Fatalf("Got init offset %d, want %d", h.InitOffset, want)
	}
	if want := uint32(headerSize) + uint32(len(app.Binary)); h.IntegrityEnd() != want {
		t.Fatalf("Got integrity end %d, want %d", h.IntegrityEnd(), want)
	}
	if diff := cmp.Diff(h.KernelVersion, app.KernelVersion); diff != "" {
		t.Fatalf("Got kernel version diff: %s", diff)
	}
	if diff := cmp.Diff(h.FixedAddresses, app.FixedAddresses); diff != "" {
		t.Fatalf("Got fixed addresses diff: %s", diff)
	}
	if _, ok := h.FixedAddresses.FlashAddress(); ok {
		t.Fatal("Got a fixed flash address, want unset")
	}
	if ram, ok := h.FixedAddresses.RAMAddress(); !ok || ram != 0x20000000 {
		t.Fatalf("Got fixed RAM (%#x, %v), want (0x20000000, true)", ram, ok)
	}
}

func TestParseHeaderChecksum(t *testing.T) {
	var b Builder
	if err := b.AddApp(App{Name: "x", MinimumRAM: 1, Binary: make([]byte, 16)}); err != nil {
		t.Fatalf("Failed to build entry: %v", err)
	}
	img := b.Image()
	_, headerSize, _, err := ParseHeaderLengths(img[:LengthsSize])
	if err != nil {
		t.Fatalf("Failed to parse lengths: %v", err)
	}

	// Flip a flag bit so ParseHeaderLengths still succeeds but the stored
	// checksum no longer matches.
	img[8] ^= 0x02

	var sumErr *ChecksumError
	if _, err := ParseHeader(img[:headerSize], 2); !errors.As(err, &sumErr) {
		t.Fatalf("Got err %v, want ChecksumError", err)
	}
}

func TestParsePadding(t *testing.T) {
	var b Builder
	if err := b.AddPadding(256); err != nil {
		t.Fatalf("Failed to build padding: %v", err)
	}
	img := b.Image()
	if len(img) != 256 {
		t.Fatalf("Got %d byte entry, want 256", len(img))
	}

	version, headerSize, _, err := ParseHeaderLengths(img[:LengthsSize])
	if err != nil {
		t.Fatalf("Failed to parse lengths: %v", err)
	}
	h, err := ParseHeader(img[:headerSize], version)
	if err != nil {
		t.Fatalf("Failed to parse header: %v", err)
	}
	if !h.IsPadding() {
		t.Fatal("Got process header, want padding")
	}
}

func TestParseDisabled(t *testing.T) {
	var b Builder
	if err := b.AddApp(App{Name: "off", MinimumRAM: 1, Binary: make([]byte, 16), Disabled: true}); err != nil {
		t.Fatalf("Failed to build entry: %v", err)
	}
	img := b.Image()
	version, headerSize, _, err := ParseHeaderLengths(img[:LengthsSize])
	if err != nil {
		t.Fatalf("Failed to parse lengths: %v", err)
	}
	h, err := ParseHeader(img[:headerSize], version)
	if err != nil {
		t.Fatalf("Failed to parse header: %v", err)
	}
	if h.Enabled() {
		t.Fatal("Got enabled header, want disabled")
	}
}

func TestParseFooter(t *testing.T) {
	digest := bytes.Repeat([]byte{0x42}, 32)
	var b Builder
	if err := b.AddApp(App{
		Name:       "signed",
		MinimumRAM: 1,
		Binary:     make([]byte, 64),
		Credentials: []Credentials{
			{Format: CredentialsSHA256, Data: digest},
		},
		TotalSize: 256,
	}); err != nil {
		t.Fatalf("Failed to build entry: %v", err)
	}
	img := b.Image()

	version, headerSize, _, err := ParseHeaderLengths(img[:LengthsSize])
	if err != nil {
		t.Fatalf("Failed to parse lengths: %v", err)
	}
	h, err := ParseHeader(img[:headerSize], version)
	if err != nil {
		t.Fatalf("Failed to parse header: %v", err)
	}

	footers := img[h.IntegrityEnd():]

	c, n, err := ParseFooter(footers)
	if err != nil {
		t.Fatalf("Failed to parse first footer: %v", err)
	}
	if c.Format != CredentialsSHA256 {
		t.Fatalf("Got format %v, want SHA256", c.Format)
	}
	if !bytes.Equal(c.Data, digest) {
		t.Fatalf("Got data %x, want %x", c.Data, digest)
	}
	footers = footers[n:]

	// The builder pads the remaining footer space with a reserved element.
	c, n, err = ParseFooter(footers)
	if err != nil {
		t.Fatalf("Failed to parse padding footer: %v", err)
	}
	if c.Format != CredentialsReserved {
		t.Fatalf("Got format %v, want Reserved", c.Format)
	}
	footers = footers[n:]

	if _, _, err := ParseFooter(footers); !errors.Is(err, ErrNotEnoughBytes) {
		t.Fatalf("Got err %v at end of footers, want ErrNotEnoughBytes", err)
	}
}

func TestParseFooterRejectsNonCredentials(t *testing.T) {
	footer := make([]byte, 8)
	binary.LittleEndian.PutUint16(footer[0:2], uint16(TLVPackageName))
	binary.LittleEndian.PutUint16(footer[2:4], 4)

	var bad *BadTLVError
	if _, _, err := ParseFooter(footer); !errors.As(err, &bad) {
		t.Fatalf("Got err %v, want BadTLVError", err)
	}
}

func TestParseFooterShortRegionIsExhaustion(t *testing.T) {
	for _, test := range []struct {
		name   string
		footer []byte
	}{
		{
			name:   "length runs past region end",
			footer: credentialsTLV(100, CredentialsSignedNote, make([]byte, 20)),
		}, {
			name:   "declared length below format word",
			footer: credentialsTLV(2, CredentialsSignedNote, make([]byte, 20)),
		}, {
			name:   "region shorter than a TLV header",
			footer: []byte{byte(TLVCredentials), 0},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, _, err := ParseFooter(test.footer); !errors.Is(err, ErrNotEnoughBytes) {
				t.Fatalf("Got err %v, want ErrNotEnoughBytes", err)
			}
		})
	}
}

// credentialsTLV builds a credentials element with an arbitrary declared
// length, for crafting short or overlong footers.
func credentialsTLV(declaredLen uint16, format CredentialsType, data []byte) []byte {
	b := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint16(b[0:2], uint16(TLVCredentials))
	binary.LittleEndian.PutUint16(b[2:4], declaredLen)
	binary.LittleEndian.PutUint32(b[4:8], uint32(format))
	copy(b[8:], data)
	return b
}

func TestParseFooterTruncatedCredential(t *testing.T) {
	// A SHA256 credential must carry 32 bytes of digest; give it 8.
	footer := make([]byte, 16)
	binary.LittleEndian.PutUint16(footer[0:2], uint16(TLVCredentials))
	binary.LittleEndian.PutUint16(footer[2:4], 12)
	binary.LittleEndian.PutUint32(footer[4:8], uint32(CredentialsSHA256))

	var bad *BadTLVError
	if _, _, err := ParseFooter(footer); !errors.As(err, &bad) {
		t.Fatalf("Got err %v, want BadTLVError", err)
	}
}
