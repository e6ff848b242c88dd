/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package auth

import (
	"testing"
	"time"

	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/hostaddress"
)

func testHost(t *testing.T, s string) hostaddress.Host {
	t.Helper()
	h, err := hostaddress.Parse(s, hostaddress.FormatIPvX)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestBanThreshold(t *testing.T) {
	b := NewAutobanner(ftplog.NewDiscardLogger(), BanOptions{
		MaxFailures: 3,
		Window:      time.Minute,
		BanDuration: time.Hour,
	})
	defer b.Close()
	var events []BannedEvent
	b.Subscribe(func(ev BannedEvent) {
		events = append(events, ev)
	})
	attacker := testHost(t, `10.0.0.1`)
	bystander := testHost(t, `10.0.0.2`)
	b.RecordFailure(attacker)
	b.RecordFailure(attacker)
	if b.IsBanned(attacker) {
		t.Fatal("banned before the threshold")
	}
	b.RecordFailure(attacker)
	if !b.IsBanned(attacker) {
		t.Fatal("not banned after threshold failures")
	}
	if b.IsBanned(bystander) {
		t.Fatal("unrelated source banned")
	}
	if len(events) != 1 {
		t.Fatal("bad event count", len(events))
	}
	if events[0].Family != hostaddress.FamilyIPv4 {
		t.Fatal("bad event family")
	}
	if a, _ := events[0].Host.IPv4(); a.String() != `10.0.0.1` {
		t.Fatal("bad event host")
	}
	if b.BannedCount() != 1 {
		t.Fatal("bad banned count", b.BannedCount())
	}
}

func TestBanExpiry(t *testing.T) {
	b := NewAutobanner(ftplog.NewDiscardLogger(), BanOptions{
		MaxFailures: 1,
		Window:      time.Minute,
		BanDuration: 50 * time.Millisecond,
	})
	defer b.Close()
	h := testHost(t, `172.16.0.1`)
	b.RecordFailure(h)
	if !b.IsBanned(h) {
		t.Fatal("not banned")
	}
	time.Sleep(80 * time.Millisecond)
	if b.IsBanned(h) {
		t.Fatal("ban did not expire")
	}
}

func TestBanCoversV6Prefix(t *testing.T) {
	b := NewAutobanner(ftplog.NewDiscardLogger(), BanOptions{
		MaxFailures: 2,
		Window:      time.Minute,
		BanDuration: time.Hour,
	})
	defer b.Close()
	//two addresses within one /64 accumulate on the same counter
	b.RecordFailure(testHost(t, `2001:db8:1:2::aaaa`))
	b.RecordFailure(testHost(t, `2001:db8:1:2::bbbb`))
	if !b.IsBanned(testHost(t, `2001:db8:1:2::cccc`)) {
		t.Fatal("v6 prefix not banned")
	}
	if b.IsBanned(testHost(t, `2001:db8:1:3::1`)) {
		t.Fatal("neighbouring prefix banned")
	}
}

func TestDisabledBanner(t *testing.T) {
	b := NewAutobanner(ftplog.NewDiscardLogger(), BanOptions{})
	defer b.Close()
	h := testHost(t, `10.9.9.9`)
	for i := 0; i < 100; i++ {
		b.RecordFailure(h)
	}
	if b.IsBanned(h) {
		t.Fatal("disabled banner banned someone")
	}
}
