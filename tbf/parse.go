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
	"strings"
)

// ParseHeaderLengths reads the 8-byte prefix of a candidate entry and returns
// the format version, the header length and the total entry length.
//
// A nil error means the prefix belongs to a recognized header and the lengths
// are trustworthy for slicing the entry out of flash.
//
// ErrUnableToParse means the bytes do not look like a header at all; the
// caller should stop scanning, this is the expected end-of-list marker.
//
// An *InvalidHeaderError carries the entry length of a recognizably-framed
// but malformed header; the caller should skip that many bytes and continue.
func ParseHeaderLengths(b []byte) (version uint16, headerSize uint16, totalSize uint32, err error) {
	if len(b) < LengthsSize {
		return 0, 0, 0, ErrNotEnoughBytes
	}

	version = binary.LittleEndian.Uint16(b[0:2])

	switch version {
	case 2:
		headerSize = binary.LittleEndian.Uint16(b[2:4])
		totalSize = binary.LittleEndian.Uint32(b[4:8])

		// The header must fit in the entry and must at least hold the v2
		// base fields. Anything else is a skippable malformed entry, as
		// long as the total length lets us advance past it.
		if uint32(headerSize) > totalSize || headerSize < minHeaderSize {
			return 0, 0, 0, &InvalidHeaderError{EntryLength: totalSize}
		}
		return version, headerSize, totalSize, nil
	default:
		// An unknown version is how the end of the entry list is marked
		// (erased flash is all zeros or all ones).
		return 0, 0, 0, ErrUnableToParse
	}
}

// ParseHeader parses a complete v2 header. The slice must contain exactly the
// header, as sized by ParseHeaderLengths.
func ParseHeader(header []byte, version uint16) (*Header, error) {
	if version != 2 {
		return nil, &UnsupportedVersionError{Version: version}
	}
	if len(header) < BaseSize {
		return nil, ErrNotEnoughBytes
	}

	h := &Header{
		Version:    version,
		HeaderSize: binary.LittleEndian.Uint16(header[2:4]),
		TotalSize:  binary.LittleEndian.Uint32(header[4:8]),
		flags:      binary.LittleEndian.Uint32(header[8:12]),
	}
	stored := binary.LittleEndian.Uint32(header[12:16])

	// The checksum is the XOR of every complete 4-byte word of the header,
	// skipping the checksum word itself.
	var computed uint32
	for i := 0; i+4 <= len(header); i += 4 {
		if i == 12 {
			continue
		}
		computed ^= binary.LittleEndian.Uint32(header[i : i+4])
	}
	if computed != stored {
		return nil, &ChecksumError{Stored: stored, Computed: computed}
	}

	// A header with only the base fields is padding between entries.
	remaining := header[BaseSize:]
	if len(remaining) == 0 {
		return h, nil
	}

	for len(remaining) > 0 {
		if len(remaining) < 4 {
			return nil, ErrNotEnoughBytes
		}
		tlvType := TLVType(binary.LittleEndian.Uint16(remaining[0:2]))
		tlvLen := int(binary.LittleEndian.Uint16(remaining[2:4]))
		remaining = remaining[4:]
		if tlvLen > len(remaining) {
			return nil, &BadTLVError{Type: tlvType}
		}
		payload := remaining[:tlvLen]

		switch tlvType {
		case TLVMain:
			// A second Main, or a Main after a Program, is ignored.
			if !h.hasMain && !h.hasProgram {
				if tlvLen != 12 {
					return nil, &BadTLVError{Type: tlvType}
				}
				h.hasMain = true
				h.InitOffset = binary.LittleEndian.Uint32(payload[0:4])
				h.ProtectedTrailer = binary.LittleEndian.Uint32(payload[4:8])
				h.MinimumRAM = binary.LittleEndian.Uint32(payload[8:12])
			}

		case TLVProgram:
			if !h.hasProgram {
				if tlvLen != 20 {
					return nil, &BadTLVError{Type: tlvType}
				}
				h.hasProgram = true
				h.InitOffset = binary.LittleEndian.Uint32(payload[0:4])
				h.ProtectedTrailer = binary.LittleEndian.Uint32(payload[4:8])
				h.MinimumRAM = binary.LittleEndian.Uint32(payload[8:12])
				h.BinaryEndOffset = binary.LittleEndian.Uint32(payload[12:16])
				h.BinaryVersion = binary.LittleEndian.Uint32(payload[16:20])
				if h.BinaryEndOffset > h.TotalSize {
					return nil, &BadTLVError{Type: tlvType}
				}
			}

		case TLVPackageName:
			h.PackageName = strings.TrimRight(string(payload), "\x00")

		case TLVFixedAddresses:
			if tlvLen != 8 {
				return nil, &BadTLVError{Type: tlvType}
			}
			h.FixedAddresses = &FixedAddresses{
				RAM:   binary.LittleEndian.Uint32(payload[0:4]),
				Flash: binary.LittleEndian.Uint32(payload[4:8]),
			}

		case TLVKernelVersion:
			if tlvLen != 4 {
				return nil, &BadTLVError{Type: tlvType}
			}
			h.KernelVersion = &KernelVersion{
				Major: binary.LittleEndian.Uint16(payload[0:2]),
				Minor: binary.LittleEndian.Uint16(payload[2:4]),
			}

		case TLVWriteableFlashRegions:
			if tlvLen%8 != 0 {
				return nil, &BadTLVError{Type: tlvType}
			}
			for i := 0; i < tlvLen; i += 8 {
				h.WriteableRegions = append(h.WriteableRegions, WriteableFlashRegion{
					Offset: binary.LittleEndian.Uint32(payload[i : i+4]),
					Size:   binary.LittleEndian.Uint32(payload[i+4 : i+8]),
				})
			}

		default:
			// TLV elements we do not understand are sized, so skip them.
		}

		remaining = remaining[tlvLen:]
	}

	return h, nil
}

// ParseFooter parses the first credentials element of a footer region and
// returns it together with the number of footer bytes it occupies.
//
// ErrNotEnoughBytes means the footer region is exhausted. A credentials
// element whose declared length is short or runs past the region end is
// reported the same way: footer walks treat it as the end of the credential
// list, not as a malformed entry. A *BadTLVError means the region holds
// something other than a credentials element.
func ParseFooter(footers []byte) (*Credentials, int, error) {
	if len(footers) < 4 {
		return nil, 0, ErrNotEnoughBytes
	}
	tlvType := TLVType(binary.LittleEndian.Uint16(footers[0:2]))
	tlvLen := int(binary.LittleEndian.Uint16(footers[2:4]))
	if tlvType != TLVCredentials {
		return nil, 0, &BadTLVError{Type: tlvType}
	}
	if tlvLen < 4 || 4+tlvLen > len(footers) {
		return nil, 0, ErrNotEnoughBytes
	}
	payload := footers[4 : 4+tlvLen]

	format := CredentialsType(binary.LittleEndian.Uint32(payload[0:4]))
	data := payload[4:]
	if want := credentialsDataSize(format); want >= 0 && len(data) < want {
		return nil, 0, &BadTLVError{Type: TLVCredentials}
	}

	return &Credentials{Format: format, Data: data}, 4 + tlvLen, nil
}
