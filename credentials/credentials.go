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

// Package credentials provides checking policies for the kernel's credential
// checker machine. A board picks one policy and hands it to
// kernel.LoadAndCheckProcesses; the policy decides which processes run and
// under which identities.
package credentials

import (
	"github.com/emberos/ember/kernel"
	"github.com/emberos/ember/tbf"
)

// Simulated approves everything. It expresses no opinion on any credential
// and does not require one, so every loaded process ends up Approved with a
// locally-unique identity. It exists for bring-up and for tests; production
// boards want Sha256 or Notes.
type Simulated struct {
	client kernel.CheckerClient
}

// NewSimulated returns a policy that approves every process.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// RequireCredentials implements kernel.CredentialsChecker.
func (s *Simulated) RequireCredentials() bool { return false }

// SetClient implements kernel.CredentialsChecker.
func (s *Simulated) SetClient(client kernel.CheckerClient) { s.client = client }

// CheckCredentials implements kernel.CredentialsChecker. Every credential
// passes without a verdict.
func (s *Simulated) CheckCredentials(credentials *tbf.Credentials, binary []byte) error {
	client := s.client
	go func() {
		client.CheckDone(nil, kernel.CheckResultPass, credentials, binary)
	}()
	return nil
}
