/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package hostaddress

import (
	"testing"
)

func TestParseIPv4(t *testing.T) {
	h, err := Parse(`192.168.1.20`, FormatIPv4)
	if err != nil {
		t.Fatal(err)
	}
	a, ok := h.IPv4()
	if !ok {
		t.Fatal("not ipv4")
	}
	if a != (IPv4{192, 168, 1, 20}) {
		t.Fatal("bad address", a)
	}
	for _, bad := range []string{`1.2.3`, `1.2.3.4.5`, `256.1.1.1`, `a.b.c.d`, ``, `1..2.3`} {
		if _, err = Parse(bad, FormatIPv4); err == nil {
			t.Fatal("accepted bad address", bad)
		}
	}
}

func TestParseIPv6(t *testing.T) {
	tests := []struct {
		in  string
		out string
	}{
		{`::`, `::`},
		{`::1`, `::1`},
		{`fe80::1`, `fe80::1`},
		{`[fe80::1]`, `fe80::1`},
		{`2001:db8:0:0:0:0:2:1`, `2001:db8::2:1`},
		{`1:0:0:2:0:0:0:3`, `1:0:0:2::3`},
		{`1:2:3:4:5:6:7:8`, `1:2:3:4:5:6:7:8`},
	}
	for _, tc := range tests {
		h, err := Parse(tc.in, FormatIPv6)
		if err != nil {
			t.Fatalf("failed to parse %s: %v", tc.in, err)
		}
		if h.String() != tc.out {
			t.Fatalf("%s rendered as %s, wanted %s", tc.in, h.String(), tc.out)
		}
	}
	//a fully elided address is all zeros
	h, err := Parse(`::`, FormatIPv6)
	if err != nil {
		t.Fatal(err)
	}
	if a, _ := h.IPv6(); a != (IPv6{}) {
		t.Fatal("elided address is not zero", a)
	}
	for _, bad := range []string{`:::`, `1::2::3`, `12345::`, `1:2:3:4:5:6:7:8:9`, `1:2:3:4:5:6:7`} {
		if _, err = Parse(bad, FormatIPv6); err == nil {
			t.Fatal("accepted bad address", bad)
		}
	}
}

func TestParsePortCmd(t *testing.T) {
	h, err := Parse(`10,0,0,1,19,137`, FormatPortCmd)
	if err != nil {
		t.Fatal(err)
	}
	if h.String() != `10.0.0.1` {
		t.Fatal("bad host", h.String())
	}
	if h.Port() != 19*256+137 {
		t.Fatal("bad port", h.Port())
	}
	s, ok := h.PortCmdString()
	if !ok || s != `10,0,0,1,19,137` {
		t.Fatal("bad round trip", s)
	}
	if _, err = Parse(`10,0,0,1,19`, FormatPortCmd); err == nil {
		t.Fatal("accepted short PORT form")
	}
	if _, err = Parse(`10,0,0,1,19,300`, FormatPortCmd); err == nil {
		t.Fatal("accepted octet > 255")
	}
}

func TestParseEPRT(t *testing.T) {
	h, err := Parse(`|1|132.235.1.2|6275|`, FormatEPRT)
	if err != nil {
		t.Fatal(err)
	}
	if h.String() != `132.235.1.2` || h.Port() != 6275 {
		t.Fatal("bad eprt parse", h.String(), h.Port())
	}
	h, err = Parse(`|2|1080::8:800:200C:417A|5282|`, FormatEPRT)
	if err != nil {
		t.Fatal(err)
	}
	if h.Family() != FamilyIPv6 || h.Port() != 5282 {
		t.Fatal("bad eprt v6 parse")
	}
	//any separator character is allowed
	if _, err = Parse(`!1!10.0.0.1!21!`, FormatEPRT); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{`|3|1.2.3.4|21|`, `|1|1.2.3.4|21`, `|1|1.2.3.4|x|`, ``} {
		if _, err = Parse(bad, FormatEPRT); err == nil {
			t.Fatal("accepted bad EPRT", bad)
		}
	}
}

func TestPrefixMath(t *testing.T) {
	var a IPv4 = IPv4{10, 1, 2, 3}
	from, to := a.ApplyPrefix(16)
	if from != (IPv4{10, 1, 0, 0}) || to != (IPv4{10, 1, 255, 255}) {
		t.Fatal("bad cidr expansion", from, to)
	}
	if p := from.PrefixTo(to); p != 16 {
		t.Fatal("bad prefix recovery", p)
	}
	//a non-block interval has no prefix
	if p := (IPv4{10, 0, 0, 1}).PrefixTo(IPv4{10, 0, 0, 5}); p != -1 {
		t.Fatal("recovered prefix from non-block", p)
	}
	var v6 IPv6 = IPv6{0x2001, 0xdb8, 0, 0, 0, 0, 0, 0xffff}
	f6, t6 := v6.ApplyPrefix(64)
	if f6 != (IPv6{0x2001, 0xdb8, 0, 0, 0, 0, 0, 0}) {
		t.Fatal("bad v6 from", f6)
	}
	if p := f6.PrefixTo(t6); p != 64 {
		t.Fatal("bad v6 prefix recovery", p)
	}
}

func TestNextPrevDistance(t *testing.T) {
	a := IPv4{10, 0, 0, 255}
	if a.Next() != (IPv4{10, 0, 1, 0}) {
		t.Fatal("bad next")
	}
	if a.Next().Prev() != a {
		t.Fatal("bad prev")
	}
	if d := (IPv4{10, 0, 0, 1}).DistanceOver(IPv4{10, 0, 0, 9}, 100); d != 8 {
		t.Fatal("bad distance", d)
	}
	if d := (IPv4{10, 0, 0, 1}).DistanceOver(IPv4{10, 0, 4, 9}, 100); d != 101 {
		t.Fatal("distance did not saturate", d)
	}
	v := IPv6{0, 0, 0, 0, 0xffff, 0xffff, 0xffff, 0xffff}
	if v.Next() != (IPv6{0, 0, 0, 1, 0, 0, 0, 0}) {
		t.Fatal("bad v6 carry")
	}
}

func TestEquivalent(t *testing.T) {
	a, _ := Parse(`10.0.0.1`, FormatIPvX)
	b, _ := Parse(`10.0.0.1`, FormatIPvX)
	c, _ := Parse(`10.0.0.2`, FormatIPvX)
	if !a.Equivalent(b, false) {
		t.Fatal("equal addresses not equivalent")
	}
	if a.Equivalent(c, false) {
		t.Fatal("different addresses equivalent")
	}
	zero, _ := Parse(`0.0.0.0`, FormatIPvX)
	if !zero.Equivalent(a, true) {
		t.Fatal("any should match when allowed")
	}
	if zero.Equivalent(a, false) {
		t.Fatal("any matched when not allowed")
	}
}
