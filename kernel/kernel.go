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

// Package kernel implements the process loading and credential checking
// pipeline of Ember OS: discovery of TBF process entries in a flash region,
// carving of each process's RAM partition from a shared pool, and the
// sequential state machine that validates footer credentials against a
// pluggable policy before a process may be scheduled.
package kernel

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"

	"github.com/emberos/ember/tbf"
)

// Config carries the board-level knobs for a kernel instance.
type Config struct {
	// Version is the running kernel version, e.g. "2.1.0". Process entries
	// declaring a KernelVersion requirement are checked against it.
	Version string

	// RequireKernelVersion rejects entries that do not declare a kernel
	// version requirement at all.
	RequireKernelVersion bool
}

// Kernel holds the identity and policy state shared by the loading
// pipeline. It is created once by the board's composition root, which is
// also the only place capability tokens can be minted.
type Kernel struct {
	version              semver.Version
	bootID               uuid.UUID
	requireKernelVersion bool
}

// New returns a kernel for the given configuration.
func New(cfg Config) (*Kernel, error) {
	v, err := semver.NewVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("parsing kernel version %q: %v", cfg.Version, err)
	}
	return &Kernel{
		version:              *v,
		bootID:               uuid.New(),
		requireKernelVersion: cfg.RequireKernelVersion,
	}, nil
}

// Version returns the running kernel version.
func (k *Kernel) Version() semver.Version {
	return k.version
}

// BootID returns the identifier of this boot instance, used to correlate
// diagnostics. It has no role in process identity.
func (k *Kernel) BootID() uuid.UUID {
	return k.bootID
}

// compatibleKernelVersion applies the ^major.minor rule: same major version,
// and a running minor of at least the required minor.
func (k *Kernel) compatibleKernelVersion(required tbf.KernelVersion) bool {
	if k.version.Major != int64(required.Major) {
		return false
	}
	return k.version.Minor >= int64(required.Minor)
}

// ProcessManagementCapability gates the loading entry points: loading
// processes out of raw flash and memory ranges is fundamentally unsafe, so
// only code handed a token by the composition root may call them.
type ProcessManagementCapability interface {
	isProcessManagement()
}

// ProcessApprovalCapability gates the approval-state transitions on a
// Process.
type ProcessApprovalCapability interface {
	isProcessApproval()
}

type processManagementCapability struct{}

func (processManagementCapability) isProcessManagement() {}

type processApprovalCapability struct{}

func (processApprovalCapability) isProcessApproval() {}

// ProcessManagementCapability mints a management token. Only callers
// holding the Kernel can obtain one.
func (k *Kernel) ProcessManagementCapability() ProcessManagementCapability {
	return processManagementCapability{}
}

// ProcessApprovalCapability mints an approval token.
func (k *Kernel) ProcessApprovalCapability() ProcessApprovalCapability {
	return processApprovalCapability{}
}
