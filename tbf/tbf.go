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

// Package tbf parses the Tock Binary Format, the self-describing container
// for process binaries packed back-to-back in flash.
//
// A TBF entry is a header, the process binary, and an optional footer region
// holding integrity credentials. The first 8 bytes of the header carry the
// format version and the two lengths (header, whole entry) needed to walk the
// flash linked list without understanding the rest of the header.
package tbf

import (
	"errors"
	"fmt"
)

const (
	// LengthsSize is the number of bytes needed to read the format version
	// and the header/entry lengths of a candidate entry.
	LengthsSize = 8

	// BaseSize is the size of the fixed portion of a v2 header.
	BaseSize = 16

	// minHeaderSize is the smallest header a v2 entry may declare. A header
	// of exactly this size carries no TLV elements and denotes padding.
	minHeaderSize = BaseSize
)

// FixedAddressUnset marks an unused slot in a FixedAddresses element.
const FixedAddressUnset = 0xFFFFFFFF

// Header flags.
const (
	flagEnabled uint32 = 1 << 0
	flagSticky  uint32 = 1 << 1
)

// TLVType identifies an optional element in a v2 header or footer.
type TLVType uint16

const (
	TLVMain                   TLVType = 1
	TLVWriteableFlashRegions  TLVType = 2
	TLVPackageName            TLVType = 3
	TLVFixedAddresses         TLVType = 5
	TLVPermissions            TLVType = 6
	TLVStoragePermissions     TLVType = 7
	TLVKernelVersion          TLVType = 8
	TLVProgram                TLVType = 9
	TLVShortID                TLVType = 10
	TLVCredentials            TLVType = 128
)

// CredentialsType identifies the format of a credentials footer.
type CredentialsType uint32

const (
	CredentialsReserved      CredentialsType = 0
	CredentialsRsa3072Key    CredentialsType = 1
	CredentialsRsa4096Key    CredentialsType = 2
	CredentialsSHA256        CredentialsType = 3
	CredentialsSHA384        CredentialsType = 4
	CredentialsSHA512        CredentialsType = 5
	CredentialsEcdsaNistP256 CredentialsType = 6
	// CredentialsSignedNote is a signed note (golang.org/x/mod/sumdb/note)
	// over the entry's integrity region.
	CredentialsSignedNote CredentialsType = 7
)

// credentialsDataSize returns the payload size for fixed-length credential
// formats, or -1 for variable-length ones.
func credentialsDataSize(t CredentialsType) int {
	switch t {
	case CredentialsReserved:
		return 0
	case CredentialsRsa3072Key:
		return 768
	case CredentialsRsa4096Key:
		return 1024
	case CredentialsSHA256:
		return 32
	case CredentialsSHA384:
		return 48
	case CredentialsSHA512:
		return 64
	case CredentialsEcdsaNistP256:
		return 64
	case CredentialsSignedNote:
		return -1
	default:
		return -1
	}
}

func (t CredentialsType) String() string {
	switch t {
	case CredentialsReserved:
		return "Reserved"
	case CredentialsRsa3072Key:
		return "Rsa3072Key"
	case CredentialsRsa4096Key:
		return "Rsa4096Key"
	case CredentialsSHA256:
		return "SHA256"
	case CredentialsSHA384:
		return "SHA384"
	case CredentialsSHA512:
		return "SHA512"
	case CredentialsEcdsaNistP256:
		return "EcdsaNistP256"
	case CredentialsSignedNote:
		return "SignedNote"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
}

// Credentials is one integrity credential from an entry's footer region.
type Credentials struct {
	Format CredentialsType
	Data   []byte
}

// KernelVersion is the kernel compatibility requirement an entry may declare.
// Compatibility is ^major.minor: the running kernel must have the same major
// version and a minor version of at least Minor.
type KernelVersion struct {
	Major uint16
	Minor uint16
}

func (v KernelVersion) String() string {
	return fmt.Sprintf("^%d.%d", v.Major, v.Minor)
}

// FixedAddresses carries the absolute flash/RAM addresses an entry was
// linked for, when it is not position independent.
type FixedAddresses struct {
	RAM   uint32
	Flash uint32
}

// RAMAddress returns the fixed RAM start address, if one is set.
func (f *FixedAddresses) RAMAddress() (uint32, bool) {
	if f == nil || f.RAM == FixedAddressUnset {
		return 0, false
	}
	return f.RAM, true
}

// FlashAddress returns the fixed flash start address, if one is set.
func (f *FixedAddresses) FlashAddress() (uint32, bool) {
	if f == nil || f.Flash == FixedAddressUnset {
		return 0, false
	}
	return f.Flash, true
}

// WriteableFlashRegion is a region of the entry's flash the process may
// write, relative to the start of the entry.
type WriteableFlashRegion struct {
	Offset uint32
	Size   uint32
}

// Header is a fully parsed v2 header.
type Header struct {
	Version    uint16
	HeaderSize uint16
	TotalSize  uint32

	flags uint32

	// From the Main or Program element. A header with neither is padding.
	hasMain    bool
	hasProgram bool

	// InitOffset is the offset of the process entry point from the start of
	// the entry.
	InitOffset       uint32
	ProtectedTrailer uint32
	MinimumRAM       uint32

	// BinaryEndOffset is the end of the integrity region, relative to the
	// start of the entry. Only Program headers carry it; for Main headers
	// the integrity region extends to the end of the entry.
	BinaryEndOffset uint32
	BinaryVersion   uint32

	PackageName      string
	FixedAddresses   *FixedAddresses
	KernelVersion    *KernelVersion
	WriteableRegions []WriteableFlashRegion
}

// Enabled reports whether the entry is marked runnable.
func (h *Header) Enabled() bool {
	return h.flags&flagEnabled != 0
}

// IsPadding reports whether this header describes a padding entry rather
// than a process.
func (h *Header) IsPadding() bool {
	return !h.hasMain && !h.hasProgram
}

// IntegrityEnd returns the end of the integrity region relative to the start
// of the entry. Credentials footers, if any, live between this offset and
// TotalSize. Only entries with a Program element can carry footers.
func (h *Header) IntegrityEnd() uint32 {
	if h.hasProgram {
		return h.BinaryEndOffset
	}
	return h.TotalSize
}

// ErrUnableToParse is returned when the candidate bytes do not look like a
// TBF header at all, typically erased flash. It signals the end of the
// process list rather than a malformed entry.
var ErrUnableToParse = errors.New("tbf: not a TBF header")

// ErrNotEnoughBytes is returned when a slice is too short for the structure
// being parsed from it.
var ErrNotEnoughBytes = errors.New("tbf: not enough bytes")

// InvalidHeaderError reports a header whose 8-byte prefix parsed well enough
// to recover the entry length but is otherwise malformed. The scanner should
// skip EntryLength bytes and continue.
type InvalidHeaderError struct {
	EntryLength uint32
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("tbf: invalid header (entry length %d)", e.EntryLength)
}

// ChecksumError reports a v2 header whose stored checksum does not match the
// XOR of its words.
type ChecksumError struct {
	Stored   uint32
	Computed uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("tbf: header checksum mismatch: stored %#08x, computed %#08x", e.Stored, e.Computed)
}

// BadTLVError reports a TLV element with an inconsistent length or an
// unusable payload.
type BadTLVError struct {
	Type TLVType
}

func (e *BadTLVError) Error() string {
	return fmt.Sprintf("tbf: bad TLV entry of type %d", e.Type)
}

// UnsupportedVersionError reports a header version this parser does not
// understand.
type UnsupportedVersionError struct {
	Version uint16
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("tbf: unsupported header version %d", e.Version)
}
