/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package auth

import (
	"crypto/sha512"
	"testing"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	ph, err := NewPasswordHash(`s3cret`)
	if err != nil {
		t.Fatal(err)
	}
	if ph.Legacy() {
		t.Fatal("fresh hash is legacy")
	}
	if !ph.Verify(`s3cret`) {
		t.Fatal("correct password refused")
	}
	if ph.Verify(`wrong`) {
		t.Fatal("wrong password accepted")
	}
	if ph.Verify(``) {
		t.Fatal("empty password accepted")
	}
}

func TestLegacyHashVerify(t *testing.T) {
	sum := sha512.Sum512([]byte(`oldpass`))
	ph := PasswordHash{Hash: sum[:]}
	if !ph.Legacy() {
		t.Fatal("unsalted hash not flagged legacy")
	}
	if !ph.Verify(`oldpass`) {
		t.Fatal("legacy verification failed")
	}
	if ph.Verify(`other`) {
		t.Fatal("legacy verification accepted wrong password")
	}
}

func TestMethodsOnlyNone(t *testing.T) {
	if !MethodsOnlyNone(nil) {
		t.Fatal("empty list is a probe")
	}
	if !MethodsOnlyNone([]Method{None{}}) {
		t.Fatal("bare none is a probe")
	}
	if MethodsOnlyNone([]Method{None{}, Password{Password: `x`}}) {
		t.Fatal("password list flagged as probe")
	}
}
