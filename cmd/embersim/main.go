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
// The embersim tool runs the process loading pipeline against a flash image
// on the host, either one read from disk or a small generated demo image.
// It prints the resulting kernel status, which makes it useful both for
// eyeballing loader behavior and for checking an image before flashing it.
package main

import (
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/emberos/ember/credentials"
	"github.com/emberos/ember/kernel"
	"github.com/emberos/ember/mpu"
	"github.com/emberos/ember/tbf"
)

var (
	imageFile     = flag.String("image", "", "Flash image to load. Empty generates a demo image.")
	flashStart    = flag.Uint("flash_start", 0x40000, "Address the image occupies in flash.")
	ramStart      = flag.Uint("ram_start", 0x20000000, "Start of the process RAM pool.")
	ramSize       = flag.Uint("ram_size", 1<<16, "Size of the process RAM pool in bytes.")
	slots         = flag.Int("slots", 4, "Number of process slots.")
	kernelVersion = flag.String("kernel_version", "2.1.0", "Running kernel version.")
	policy        = flag.String("policy", "sha256", "Checking policy: none, simulated, sha256 or note.")
	require       = flag.Bool("require_credentials", false, "Reject processes without an accepted credential.")
	verifierFile  = flag.String("note_verifier_file", "", "File containing a note verifier string, for -policy=note.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var img []byte
	if *imageFile != "" {
		b, err := os.ReadFile(*imageFile)
		if err != nil {
			klog.Exitf("Failed to read image %q: %v", *imageFile, err)
		}
		img = b
	} else {
		img = demoImage()
	}

	k, err := kernel.New(kernel.Config{Version: *kernelVersion})
	if err != nil {
		klog.Exitf("Failed to create kernel: %v", err)
	}

	unit, err := mpu.NewSoftware(mpu.DefaultGranule)
	if err != nil {
		klog.Exitf("Failed to create MPU: %v", err)
	}

	flash := kernel.FlashRegion{Start: uint32(*flashStart), Data: img}
	ram := kernel.RAMRegion{Start: uint32(*ramStart), Size: uint32(*ramSize)}
	procs := make([]kernel.Process, *slots)

	checker, err := checkerPolicy()
	if err != nil {
		klog.Exitf("Failed to create checking policy: %v", err)
	}

	if err := kernel.LoadAndCheckProcesses(k, unit, flash, ram, procs, kernel.StopFaultPolicy{}, checker, k.ProcessManagementCapability()); err != nil {
		klog.Exitf("Failed to load processes: %v", err)
	}

	fmt.Println(k.Status(procs).Print())
}

func checkerPolicy() (kernel.CredentialsChecker, error) {
	switch *policy {
	case "none":
		return nil, nil
	case "simulated":
		return credentials.NewSimulated(), nil
	case "sha256":
		return &credentials.Sha256{Require: *require}, nil
	case "note":
		if *verifierFile == "" {
			return nil, fmt.Errorf("-policy=note needs -note_verifier_file")
		}
		v, err := os.ReadFile(*verifierFile)
		if err != nil {
			return nil, err
		}
		return credentials.NewNotes(*require, string(v))
	default:
		return nil, fmt.Errorf("unknown policy %q", *policy)
	}
}

// demoImage builds a two-process image: one process carrying a SHA256
// credential and one carrying a signed note from a throwaway key, separated
// by a padding entry.
//
// Credentials cover the entry's header, and the header's checksum covers the
// entry length including the footer region. Each demo entry is therefore
// built twice: once with a placeholder credential of the final length to fix
// the covered bytes, and once with the real credential.
func demoImage() []byte {
	blink := make([]byte, 512)
	for i := range blink {
		blink[i] = byte(i)
	}
	blinkApp := tbf.App{
		Name:          "blink",
		MinimumRAM:    2048,
		Binary:        blink,
		KernelVersion: &tbf.KernelVersion{Major: 2, Minor: 0},
		Credentials: []tbf.Credentials{
			{Format: tbf.CredentialsSHA256, Data: make([]byte, sha256.Size)},
		},
	}
	blinkApp.TotalSize = alignedTotalSize(blinkApp)
	digest := sha256.Sum256(coveredBytes(blinkApp))
	blinkApp.Credentials[0].Data = digest[:]

	skey, vkey, err := note.GenerateKey(rand.Reader, "embersim-demo")
	if err != nil {
		klog.Exitf("Failed to generate demo note key: %v", err)
	}
	klog.V(1).Infof("demo note verifier: %s", vkey)

	// Ed25519 note signatures have a fixed length for a given key name and
	// text length, so a probe signature pins the credential size.
	probe, err := credentials.SignBinary(skey, []byte("probe"))
	if err != nil {
		klog.Exitf("Failed to sign probe: %v", err)
	}
	sensorApp := tbf.App{
		Name:          "sensor",
		MinimumRAM:    1024,
		Binary:        make([]byte, 256),
		KernelVersion: &tbf.KernelVersion{Major: 2, Minor: 1},
		Credentials: []tbf.Credentials{
			{Format: tbf.CredentialsSignedNote, Data: make([]byte, len(probe))},
		},
	}
	sensorApp.TotalSize = alignedTotalSize(sensorApp)
	signed, err := credentials.SignBinary(skey, coveredBytes(sensorApp))
	if err != nil {
		klog.Exitf("Failed to sign demo binary: %v", err)
	}
	if len(signed) != len(probe) {
		klog.Exitf("Demo note signature length changed: %d != %d", len(signed), len(probe))
	}
	sensorApp.Credentials[0].Data = signed

	var b tbf.Builder
	if err := b.AddApp(blinkApp); err != nil {
		klog.Exitf("Failed to build demo entry: %v", err)
	}
	if err := b.AddPadding(64); err != nil {
		klog.Exitf("Failed to build padding entry: %v", err)
	}
	if err := b.AddApp(sensorApp); err != nil {
		klog.Exitf("Failed to build demo entry: %v", err)
	}
	return b.Image()
}

// alignedTotalSize returns the entry length padded out to the default MPU
// granule, the way elf2tab aligns entries for real boards. The footer pad
// element needs at least 8 bytes when any padding is added.
func alignedTotalSize(app tbf.App) uint32 {
	var b tbf.Builder
	if err := b.AddApp(app); err != nil {
		klog.Exitf("Failed to build demo entry: %v", err)
	}
	n := uint32(len(b.Image()))
	t := (n + mpu.DefaultGranule - 1) &^ uint32(mpu.DefaultGranule-1)
	if t > n && t-n < 8 {
		t += mpu.DefaultGranule
	}
	return t
}

// coveredBytes returns the byte range of a built entry that credentials
// attest to: the header plus the process binary, footers excluded.
func coveredBytes(app tbf.App) []byte {
	var b tbf.Builder
	if err := b.AddApp(app); err != nil {
		klog.Exitf("Failed to build demo entry: %v", err)
	}
	img := b.Image()
	_, headerSize, _, err := tbf.ParseHeaderLengths(img[:tbf.LengthsSize])
	if err != nil {
		klog.Exitf("Failed to parse demo entry: %v", err)
	}
	return img[:int(headerSize)+len(app.Binary)]
}
