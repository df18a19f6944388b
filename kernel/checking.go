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

package kernel

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/emberos/ember/tbf"
)

// CheckResult is a checking policy's verdict on one credential.
type CheckResult uint8

const (
	// CheckResultAccept approves the process on the strength of this
	// credential.
	CheckResultAccept CheckResult = iota

	// CheckResultPass expresses no opinion; the machine tries the next
	// credential. A process whose credentials all pass is approved or
	// rejected by the policy's RequireCredentials answer.
	CheckResultPass

	// CheckResultReject rejects the process outright; no further
	// credentials are consulted.
	CheckResultReject
)

func (r CheckResult) String() string {
	switch r {
	case CheckResultAccept:
		return "Accept"
	case CheckResultPass:
		return "Pass"
	case CheckResultReject:
		return "Reject"
	default:
		return fmt.Sprintf("CheckResult(%d)", uint8(r))
	}
}

// ErrCredentialsNotSupported is returned by CheckCredentials when the policy
// cannot evaluate a credential's format. The machine moves on to the
// process's next credential.
var ErrCredentialsNotSupported = errors.New("credentials format not supported by policy")

// CheckerClient receives the completion callback of an asynchronous
// credential check.
type CheckerClient interface {
	// CheckDone delivers the policy's verdict for the credential most
	// recently submitted via CheckCredentials. A non-nil err means the
	// check itself failed; result is then meaningless.
	CheckDone(err error, result CheckResult, credentials *tbf.Credentials, binary []byte)
}

// CredentialsChecker is a pluggable credential checking policy. Checks are
// asynchronous: CheckCredentials starts a check and the verdict arrives via
// the client's CheckDone, possibly from another goroutine (a hardware
// accelerator's completion interrupt on real boards).
//
// CheckDone must not be invoked from within CheckCredentials; complete from
// a separate goroutine instead. At most one check is in flight at a time.
type CredentialsChecker interface {
	// RequireCredentials decides the fate of a process none of whose
	// credentials produced a verdict: true rejects it, false approves it
	// with a locally-unique identity.
	RequireCredentials() bool

	// CheckCredentials starts a check of one credential against the
	// process binary it is attached to. ErrCredentialsNotSupported means
	// this credential cannot be evaluated and no check was started.
	CheckCredentials(credentials *tbf.Credentials, binary []byte) error

	// SetClient registers the callback target for check completions.
	SetClient(client CheckerClient)
}

// ShortIDCompressor is optionally implemented by checking policies that
// derive process identities themselves. Policies without it get DeriveShortID.
type ShortIDCompressor interface {
	ToShortID(credentials *tbf.Credentials, binary []byte) ShortID
}

// DeriveShortID computes the default fixed identity for a process approved
// through a credential: an HKDF expansion of the credential over the digest
// of the binary it attests to. The derivation is deterministic, so a given
// flash image yields the same identities on every boot.
func DeriveShortID(credentials *tbf.Credentials, binary []byte) ShortID {
	salt := sha256.Sum256(binary)
	r := hkdf.New(sha256.New, credentials.Data, salt[:], []byte("EmberOS-ShortID-v1"))
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return LocallyUniqueID()
	}
	id := binary32(buf)
	if id == 0 {
		id = 1
	}
	s, _ := NewFixedShortID(id)
	return s
}

func binary32(b [4]byte) uint32 {
	return binary.LittleEndian.Uint32(b[:])
}
