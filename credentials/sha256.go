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

package credentials

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	"github.com/emberos/ember/kernel"
	"github.com/emberos/ember/tbf"
)

// Sha256 accepts a process whose SHA256 credential matches the digest of its
// binary, and rejects one whose credential does not. Credentials in any
// other format are not checkable by this policy.
//
// A digest proves integrity, not provenance. Use Notes when the credential
// must also prove who signed the binary.
type Sha256 struct {
	// Require rejects processes carrying no checkable credential.
	Require bool

	client kernel.CheckerClient
}

// RequireCredentials implements kernel.CredentialsChecker.
func (c *Sha256) RequireCredentials() bool { return c.Require }

// SetClient implements kernel.CredentialsChecker.
func (c *Sha256) SetClient(client kernel.CheckerClient) { c.client = client }

// CheckCredentials implements kernel.CredentialsChecker.
func (c *Sha256) CheckCredentials(credentials *tbf.Credentials, binary []byte) error {
	if credentials.Format != tbf.CredentialsSHA256 {
		return kernel.ErrCredentialsNotSupported
	}
	client := c.client
	go func() {
		digest := sha256.Sum256(binary)
		result := kernel.CheckResultReject
		if subtle.ConstantTimeCompare(digest[:], credentials.Data) == 1 {
			result = kernel.CheckResultAccept
		}
		client.CheckDone(nil, result, credentials, binary)
	}()
	return nil
}

// ToShortID implements kernel.ShortIDCompressor: the identity of a
// digest-approved process is the leading word of its binary digest. Two
// processes with the same binary get the same identity, which is the point
// of content-addressed credentials.
func (c *Sha256) ToShortID(credentials *tbf.Credentials, b []byte) kernel.ShortID {
	digest := sha256.Sum256(b)
	id := binary.LittleEndian.Uint32(digest[:4])
	if id == 0 {
		id = 1
	}
	s, _ := kernel.NewFixedShortID(id)
	return s
}
