/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"
)

// MethodKind identifies an authentication method; the set is closed
// but the verification machinery is method-driven so further kinds
// slot in without touching the session layer.
type MethodKind int

const (
	MethodKindNone MethodKind = iota
	MethodKindPassword
)

func (k MethodKind) String() string {
	switch k {
	case MethodKindNone:
		return `none`
	case MethodKindPassword:
		return `password`
	}
	return `unknown`
}

// Method is one offered credential.
type Method interface {
	Kind() MethodKind
}

// None probes the server without credentials; it never succeeds for
// file-backed accounts but lets a client learn the supported methods.
type None struct{}

func (None) Kind() MethodKind {
	return MethodKindNone
}

// Password carries a plaintext password offered by the client.
type Password struct {
	Password string
}

func (Password) Kind() MethodKind {
	return MethodKindPassword
}

// MethodsOnlyNone reports whether the offered list is a bare probe.
func MethodsOnlyNone(methods []Method) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m.Kind() != MethodKindNone {
			return false
		}
	}
	return true
}

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

// PasswordHash is a stored password verifier.  Iterations of zero
// marks the legacy unsalted SHA-512 form; a successful match against
// it is opportunistically upgraded to the salted form.
type PasswordHash struct {
	Salt       []byte
	Hash       []byte
	Iterations int
}

// NewPasswordHash derives the modern salted verifier.
func NewPasswordHash(password string) (PasswordHash, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return PasswordHash{}, err
	}
	return PasswordHash{
		Salt:       salt,
		Hash:       pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New),
		Iterations: pbkdf2Iterations,
	}, nil
}

// Legacy reports whether the verifier still uses the old unsalted
// form.
func (ph PasswordHash) Legacy() bool {
	return ph.Iterations == 0
}

// Verify checks password against the stored verifier.
func (ph PasswordHash) Verify(password string) bool {
	if ph.Legacy() {
		sum := sha512.Sum512([]byte(password))
		return subtle.ConstantTimeCompare(sum[:], ph.Hash) == 1
	}
	derived := pbkdf2.Key([]byte(password), ph.Salt, ph.Iterations, len(ph.Hash), sha256.New)
	return subtle.ConstantTimeCompare(derived, ph.Hash) == 1
}
