// Copyright 2025 The Ember OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The tbfscan tool walks a flash image and dumps every process entry it
// finds: headers, footer credentials, and anything malformed along the way.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/emberos/ember/tbf"
)

var (
	imageFile  = flag.String("image", "", "Flash image to scan.")
	flashStart = flag.Uint("flash_start", 0, "Address the image occupies in flash.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *imageFile == "" {
		klog.Exit("Required: -image")
	}
	img, err := os.ReadFile(*imageFile)
	if err != nil {
		klog.Exitf("Failed to read image %q: %v", *imageFile, err)
	}

	addr := uint32(*flashStart)
	for index := 0; len(img) >= tbf.LengthsSize; index++ {
		version, headerSize, entryLength, err := tbf.ParseHeaderLengths(img[:tbf.LengthsSize])
		var invalid *tbf.InvalidHeaderError
		switch {
		case errors.Is(err, tbf.ErrUnableToParse):
			fmt.Printf("%#010x: end of entry list\n", addr)
			return
		case errors.As(err, &invalid):
			fmt.Printf("%#010x: invalid header, skipping %d bytes\n", addr, invalid.EntryLength)
			headerSize = 0
			entryLength = invalid.EntryLength
		case err != nil:
			klog.Exitf("Failed to parse entry at %#010x: %v", addr, err)
		}

		if entryLength < tbf.LengthsSize {
			fmt.Printf("%#010x: entry length %d too small, stopping\n", addr, entryLength)
			return
		}
		if entryLength > uint32(len(img)) {
			fmt.Printf("%#010x: entry declares %d bytes, %d remain\n", addr, entryLength, len(img))
			return
		}
		entry := img[:entryLength]
		img = img[entryLength:]

		if headerSize != 0 {
			dumpEntry(index, addr, entry, headerSize, version)
		}
		addr += entryLength
	}
	fmt.Printf("%#010x: end of image\n", addr)
}

func dumpEntry(index int, addr uint32, entry []byte, headerSize uint16, version uint16) {
	header, err := tbf.ParseHeader(entry[:headerSize], version)
	if err != nil {
		fmt.Printf("%#010x: unparseable entry: %v\n", addr, err)
		return
	}
	if header.IsPadding() {
		fmt.Printf("%#010x: padding, %d bytes\n", addr, header.TotalSize)
		return
	}

	fmt.Printf("%#010x: entry %d\n", addr, index)
	fmt.Printf("  name ............: %s\n", header.PackageName)
	fmt.Printf("  enabled .........: %v\n", header.Enabled())
	fmt.Printf("  total size ......: %d\n", header.TotalSize)
	fmt.Printf("  header size .....: %d\n", header.HeaderSize)
	fmt.Printf("  minimum RAM .....: %d\n", header.MinimumRAM)
	fmt.Printf("  init offset .....: %#x\n", header.InitOffset)
	if header.KernelVersion != nil {
		fmt.Printf("  kernel version ..: %s\n", header.KernelVersion)
	}
	if ram, ok := header.FixedAddresses.RAMAddress(); ok {
		fmt.Printf("  fixed RAM .......: %#010x\n", ram)
	}
	if fl, ok := header.FixedAddresses.FlashAddress(); ok {
		fmt.Printf("  fixed flash .....: %#010x\n", fl)
	}

	footers := entry[header.IntegrityEnd():]
	for i := 0; len(footers) > 0; i++ {
		c, n, err := tbf.ParseFooter(footers)
		if err != nil {
			if errors.Is(err, tbf.ErrNotEnoughBytes) {
				break
			}
			fmt.Printf("  footer %d ........: unparseable: %v\n", i, err)
			break
		}
		fmt.Printf("  footer %d ........: %s, %d bytes\n", i, c.Format, len(c.Data))
		footers = footers[n:]
	}
}
