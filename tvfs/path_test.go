/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tvfs

import (
	"strings"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		cwd, in, out string
	}{
		{`/`, `/a/b/c`, `/a/b/c`},
		{`/a/b`, `c`, `/a/b/c`},
		{`/a/b`, `../c`, `/a/c`},
		{`/a/b`, `.`, `/a/b`},
		{`/`, `/./../.`, `/`},
		{`/`, `..`, `/`},
		{`/`, `../../..`, `/`},
		{`/a`, `//b///c`, `/b/c`},
		{`/deep/down`, `../../../../x`, `/x`},
	}
	for _, tc := range tests {
		elems, ok := Canonicalize(tc.cwd, tc.in)
		if !ok {
			t.Fatalf("rejected %q against %q", tc.in, tc.cwd)
		}
		if got := Join(elems); got != tc.out {
			t.Fatalf("canonicalize(%q, %q) = %q, wanted %q", tc.cwd, tc.in, got, tc.out)
		}
	}
	if _, ok := Canonicalize(`/`, "a\x00b"); ok {
		t.Fatal("accepted NUL in path")
	}
}

func TestParentIsPrefix(t *testing.T) {
	paths := []string{`/a/b/c`, `/a`, `/`, `/x/y`}
	for _, p := range paths {
		elems, ok := Canonicalize(`/`, p)
		if !ok {
			t.Fatal("rejected", p)
		}
		full := Join(elems)
		parent := Parent(full)
		if parent != `/` && !strings.HasPrefix(full, parent+`/`) {
			t.Fatalf("parent %q is not a prefix of %q", parent, full)
		}
	}
	if Parent(`/`) != `/` {
		t.Fatal("parent of root is not root")
	}
	if Parent(`/a`) != `/` {
		t.Fatal("bad parent of /a")
	}
	if BaseName(`/a/b`) != `b` || BaseName(`/`) != `` {
		t.Fatal("bad base names")
	}
}
