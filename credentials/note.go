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
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"

	"github.com/emberos/ember/kernel"
	"github.com/emberos/ember/tbf"
)

// noteHeader is the first line of a process credential note. The second
// line is the hex SHA256 digest of the process binary the note attests to.
const noteHeader = "EmberOS process credential v1"

// Notes accepts a process whose signed-note credential carries a valid
// signature from one of the trusted verifiers over the digest of the
// process binary. A note signed by an unknown key passes without a verdict,
// so policies with disjoint key sets can be layered in the footer region; a
// note from a trusted key over the wrong digest is rejected.
type Notes struct {
	// Verifiers holds the trusted signing identities.
	Verifiers note.Verifiers

	// Require rejects processes carrying no checkable credential.
	Require bool

	client kernel.CheckerClient
}

// NewNotes returns a policy trusting the given verifier key strings, in the
// format produced by note.GenerateKey.
func NewNotes(require bool, verifierKeys ...string) (*Notes, error) {
	vs := make([]note.Verifier, 0, len(verifierKeys))
	for _, k := range verifierKeys {
		v, err := note.NewVerifier(k)
		if err != nil {
			return nil, fmt.Errorf("invalid note verifier string %q: %v", k, err)
		}
		vs = append(vs, v)
	}
	return &Notes{Verifiers: note.VerifierList(vs...), Require: require}, nil
}

// RequireCredentials implements kernel.CredentialsChecker.
func (c *Notes) RequireCredentials() bool { return c.Require }

// SetClient implements kernel.CredentialsChecker.
func (c *Notes) SetClient(client kernel.CheckerClient) { c.client = client }

// CheckCredentials implements kernel.CredentialsChecker.
func (c *Notes) CheckCredentials(credentials *tbf.Credentials, binary []byte) error {
	if credentials.Format != tbf.CredentialsSignedNote {
		return kernel.ErrCredentialsNotSupported
	}
	client := c.client
	verifiers := c.Verifiers
	go func() {
		client.CheckDone(nil, verifyNote(verifiers, credentials.Data, binary), credentials, binary)
	}()
	return nil
}

func verifyNote(verifiers note.Verifiers, data, binary []byte) kernel.CheckResult {
	n, err := note.Open(data, verifiers)
	if err != nil {
		if _, unknown := err.(*note.UnverifiedNoteError); unknown {
			// Signed by somebody we don't trust; another policy may.
			return kernel.CheckResultPass
		}
		// Malformed or forged under a trusted key name.
		return kernel.CheckResultReject
	}

	lines := strings.Split(strings.TrimSuffix(n.Text, "\n"), "\n")
	if len(lines) != 2 || lines[0] != noteHeader {
		return kernel.CheckResultReject
	}
	digest := sha256.Sum256(binary)
	if lines[1] != hex.EncodeToString(digest[:]) {
		return kernel.CheckResultReject
	}
	return kernel.CheckResultAccept
}

// SignBinary produces the credential payload for a process binary: a note
// over the binary's digest, signed with the given key string. Embed the
// result in the entry's footer as a CredentialsSignedNote credential.
func SignBinary(signerKey string, binary []byte) ([]byte, error) {
	signer, err := note.NewSigner(signerKey)
	if err != nil {
		return nil, fmt.Errorf("invalid note signer string: %v", err)
	}
	digest := sha256.Sum256(binary)
	n := &note.Note{
		Text: fmt.Sprintf("%s\n%s\n", noteHeader, hex.EncodeToString(digest[:])),
	}
	return note.Sign(n, signer)
}
