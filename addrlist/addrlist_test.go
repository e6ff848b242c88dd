/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package addrlist

import (
	"bytes"
	"testing"

	"github.com/gravwell/ftpd/hostaddress"
)

func mustHost(t *testing.T, s string) hostaddress.Host {
	t.Helper()
	h, err := hostaddress.Parse(s, hostaddress.FormatIPvX)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestAddContainsIdempotent(t *testing.T) {
	l := New(0, 0)
	ip := mustHost(t, `10.0.0.1`)
	if !l.Add(ip) {
		t.Fatal("first add rejected")
	}
	if !l.Contains(ip) {
		t.Fatal("added address not contained")
	}
	//adding a contained address is a no-op and returns false
	if l.Add(ip) {
		t.Fatal("second add accepted")
	}
	if l.Size() != 1 {
		t.Fatal("bad size", l.Size())
	}
}

func TestAddRemoveRestores(t *testing.T) {
	l := New(0, 0)
	if err := l.Parse(`10.0.0.0/24`); err != nil {
		t.Fatal(err)
	}
	before := l.String()
	ip := mustHost(t, `172.16.0.9`)
	if !l.Add(ip) {
		t.Fatal("add failed")
	}
	if !l.Remove(ip) {
		t.Fatal("remove failed")
	}
	if l.String() != before {
		t.Fatalf("remove(add(ip)) changed the set: %q vs %q", l.String(), before)
	}
}

func TestThresholdCoalescing(t *testing.T) {
	l := New(10, 0)
	l.Add(mustHost(t, `1.2.3.4`))
	//within threshold of the existing range, so the range extends
	l.Add(mustHost(t, `1.2.3.8`))
	if l.Size() != 1 {
		t.Fatal("ranges did not coalesce", l.Size())
	}
	if !l.Contains(mustHost(t, `1.2.3.6`)) {
		t.Fatal("gap not covered after extension")
	}
	//far away, so a fresh range appears
	l.Add(mustHost(t, `1.2.4.200`))
	if l.Size() != 2 {
		t.Fatal("distant address merged", l.Size())
	}
}

func TestAdjacentMerge(t *testing.T) {
	l := New(5, 0)
	l.Add(mustHost(t, `1.1.1.1`))
	l.Add(mustHost(t, `1.1.1.5`))
	if l.Size() != 1 {
		t.Fatal("expected single range", l.Size())
	}
	l.Add(mustHost(t, `1.1.1.9`))
	if l.Size() != 1 {
		t.Fatal("expected single range after second extension", l.Size())
	}
	if !l.Contains(mustHost(t, `1.1.1.7`)) {
		t.Fatal("extension hole")
	}
}

func TestRemoveSplits(t *testing.T) {
	l := New(0, 0)
	if err := l.Parse(`10.0.0.0/24`); err != nil {
		t.Fatal(err)
	}
	if !l.Remove(mustHost(t, `10.0.0.128`)) {
		t.Fatal("remove failed")
	}
	if l.Size() != 2 {
		t.Fatal("range did not split", l.Size())
	}
	if l.Contains(mustHost(t, `10.0.0.128`)) {
		t.Fatal("removed address still contained")
	}
	if !l.Contains(mustHost(t, `10.0.0.127`)) || !l.Contains(mustHost(t, `10.0.0.129`)) {
		t.Fatal("split lost neighbours")
	}
	//removing an absent address reports false
	if l.Remove(mustHost(t, `11.0.0.1`)) {
		t.Fatal("removed absent address")
	}
}

func TestTextRoundTrip(t *testing.T) {
	l := New(0, 0)
	input := `10.0.0.0/8;192.168.1.1, 1.2.3.4-1.2.3.20 fe80::/64 ::1`
	if err := l.Parse(input); err != nil {
		t.Fatal(err)
	}
	rendered := l.String()
	l2 := New(0, 0)
	if err := l2.Parse(rendered); err != nil {
		t.Fatal(err)
	}
	if !l.Equal(l2) {
		t.Fatalf("round trip mismatch: %q vs %q", rendered, l2.String())
	}
}

func TestStarToken(t *testing.T) {
	l := New(0, 0)
	if err := l.Parse(`*`); err != nil {
		t.Fatal(err)
	}
	if !l.Contains(mustHost(t, `8.8.8.8`)) || !l.Contains(mustHost(t, `2001:db8::1`)) {
		t.Fatal("star does not cover everything")
	}
	if l.Size() != 2 {
		t.Fatal("star should produce one range per family", l.Size())
	}
}

func TestBadTokens(t *testing.T) {
	for _, bad := range []string{`10.0.0.0/33`, `fe80::/129`, `1.2.3.4-fe80::1`, `banana`, `1.2.3.4/x`} {
		l := New(0, 0)
		if err := l.Parse(bad); err == nil {
			t.Fatal("accepted bad token", bad)
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	l := New(16, 8)
	if err := l.Parse(`10.0.0.0/8 192.168.0.0-192.168.0.77 fe80::/10 ::1`); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := l.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	l2 := New(0, 0)
	if err := l2.Decode(&buf); err != nil {
		t.Fatal(err)
	}
	if !l.Equal(l2) {
		t.Fatalf("binary round trip mismatch: %q vs %q", l.String(), l2.String())
	}
	//corrupt header must be refused
	if err := New(0, 0).Decode(bytes.NewReader([]byte(`garbage garbage garbage garbage`))); err == nil {
		t.Fatal("accepted garbage")
	}
}
