/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/asergeyev/nradix"
	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/hostaddress"
)

// BanOptions tune the automatic banning of abusive sources.
type BanOptions struct {
	MaxFailures int           //failures within the window that trigger a ban
	Window      time.Duration //sliding failure window
	BanDuration time.Duration //how long a ban lasts
}

func DefaultBanOptions() BanOptions {
	return BanOptions{
		MaxFailures: 10,
		Window:      time.Minute,
		BanDuration: time.Hour,
	}
}

// Enabled reports whether banning is active at all.
func (o BanOptions) Enabled() bool {
	return o.MaxFailures > 0 && o.Window > 0 && o.BanDuration > 0
}

// BannedEvent is emitted once per newly banned source.
type BannedEvent struct {
	Host   hostaddress.Host
	Family hostaddress.Family
	Until  time.Time
}

// Autobanner counts authentication failures per IPv4 address and per
// IPv6 /64 prefix in a sliding window; a source that crosses the
// threshold is refused before the greeting for the ban duration.
type Autobanner struct {
	mtx    sync.Mutex
	lgr    *ftplog.Logger
	opts   BanOptions
	v4     map[uint32][]time.Time
	v6     map[uint64][]time.Time
	tree   *nradix.Tree           //prefix lookup for the banned set
	banned map[string]bannedEntry //mirror for expiry walks, keyed by CIDR
	subs   []func(BannedEvent)
	gc     *time.Timer
	closed bool
}

type bannedEntry struct {
	until time.Time
	host  hostaddress.Host
}

func NewAutobanner(lgr *ftplog.Logger, opts BanOptions) *Autobanner {
	return &Autobanner{
		lgr:    lgr,
		opts:   opts,
		v4:     make(map[uint32][]time.Time),
		v6:     make(map[uint64][]time.Time),
		tree:   nradix.NewTree(0),
		banned: make(map[string]bannedEntry),
	}
}

// Subscribe registers a banned-event callback.
func (b *Autobanner) Subscribe(fn func(BannedEvent)) {
	b.mtx.Lock()
	b.subs = append(b.subs, fn)
	b.mtx.Unlock()
}

// cidrOf maps a host to the prefix granularity bans operate at.
func cidrOf(h hostaddress.Host) (string, bool) {
	if a, ok := h.IPv4(); ok {
		return a.String() + "/32", true
	}
	if a, ok := h.IPv6(); ok {
		//bans cover the whole /64, singling out one address of a
		//customer prefix is pointless
		prefix, _ := a.ApplyPrefix(64)
		return prefix.String() + "/64", true
	}
	return ``, false
}

// IsBanned consults the banned set; expired entries are dropped
// lazily in addition to the periodic sweep.
func (b *Autobanner) IsBanned(h hostaddress.Host) bool {
	cidr, ok := cidrOf(h)
	if !ok {
		return false
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	v, err := b.tree.FindCIDR(cidr)
	if err != nil || v == nil {
		return false
	}
	ent, ok := v.(bannedEntry)
	if !ok {
		return false
	}
	if time.Now().After(ent.until) {
		key, _ := cidrOf(ent.host)
		b.tree.DeleteCIDR(key)
		delete(b.banned, key)
		return false
	}
	return true
}

// RecordFailure counts one authentication failure from the source and
// bans it once the threshold is crossed within the window.
func (b *Autobanner) RecordFailure(h hostaddress.Host) {
	if !b.opts.Enabled() {
		return
	}
	now := time.Now()
	var count int
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return
	}
	if a, ok := h.IPv4(); ok {
		key := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
		b.v4[key] = appendWindowed(b.v4[key], now, b.opts.Window)
		count = len(b.v4[key])
		if count >= b.opts.MaxFailures {
			delete(b.v4, key)
		}
	} else if a, ok := h.IPv6(); ok {
		key := a.Prefix64()
		b.v6[key] = appendWindowed(b.v6[key], now, b.opts.Window)
		count = len(b.v6[key])
		if count >= b.opts.MaxFailures {
			delete(b.v6, key)
		}
	} else {
		b.mtx.Unlock()
		return
	}
	if b.gc == nil {
		b.gc = time.AfterFunc(b.opts.Window, b.sweep)
	}
	if count < b.opts.MaxFailures {
		b.mtx.Unlock()
		return
	}
	//threshold crossed, ban the source
	until := now.Add(b.opts.BanDuration)
	cidr, _ := cidrOf(h)
	ent := bannedEntry{until: until, host: h}
	if _, err := b.tree.FindCIDR(cidr); err == nil {
		b.tree.DeleteCIDR(cidr)
	}
	if err := b.tree.AddCIDR(cidr, ent); err != nil {
		b.mtx.Unlock()
		b.lgr.Error("failed to insert ban entry", ftplog.KV(`cidr`, cidr), ftplog.KV(`error`, err.Error()))
		return
	}
	b.banned[cidr] = ent
	subs := append([]func(BannedEvent){}, b.subs...)
	b.mtx.Unlock()
	b.lgr.Warn("source banned for repeated authentication failures",
		ftplog.KV(`source`, cidr),
		ftplog.KV(`until`, until.UTC().Format(time.RFC3339)))
	ev := BannedEvent{Host: h, Family: h.Family(), Until: until}
	for _, fn := range subs {
		fn(ev)
	}
}

func appendWindowed(tps []time.Time, now time.Time, window time.Duration) []time.Time {
	oldest := now.Add(-window)
	i := 0
	for i < len(tps) && tps[i].Before(oldest) {
		i++
	}
	tps = append(tps[:0], tps[i:]...)
	return append(tps, now)
}

// sweep garbage-collects expired failure records and bans.
func (b *Autobanner) sweep() {
	now := time.Now()
	oldest := now.Add(-b.opts.Window)
	b.mtx.Lock()
	for k, tps := range b.v4 {
		if len(tps) == 0 || tps[len(tps)-1].Before(oldest) {
			delete(b.v4, k)
		}
	}
	for k, tps := range b.v6 {
		if len(tps) == 0 || tps[len(tps)-1].Before(oldest) {
			delete(b.v6, k)
		}
	}
	for cidr, ent := range b.banned {
		if now.After(ent.until) {
			b.tree.DeleteCIDR(cidr)
			delete(b.banned, cidr)
		}
	}
	if !b.closed && (len(b.v4) > 0 || len(b.v6) > 0 || len(b.banned) > 0) {
		b.gc = time.AfterFunc(b.opts.Window, b.sweep)
	} else {
		b.gc = nil
	}
	b.mtx.Unlock()
}

// BannedCount reports the number of active ban entries.
func (b *Autobanner) BannedCount() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.banned)
}

// BannedList renders the active bans in the textual address-list
// form, for the admin surface and for persistence.
func (b *Autobanner) BannedList() string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := ``
	for cidr := range b.banned {
		if out != `` {
			out += ` `
		}
		out += cidr
	}
	return out
}

func (b *Autobanner) Close() {
	b.mtx.Lock()
	b.closed = true
	if b.gc != nil {
		b.gc.Stop()
		b.gc = nil
	}
	b.mtx.Unlock()
}

// String implements fmt.Stringer for diagnostics.
func (b *Autobanner) String() string {
	return fmt.Sprintf("autobanner(%d banned)", b.BannedCount())
}
