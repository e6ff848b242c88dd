/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package addrlist implements coalesced sets of IPv4/IPv6 address
// ranges with binary-search membership.  Inserting an address that
// lands within a per-family threshold of an existing range extends the
// range instead of creating a new one; removing a covered address
// splits its range.  The sets serialize to a compact binary form and
// to a textual token list.
package addrlist

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gravwell/ftpd/hostaddress"
)

var (
	ErrBadToken = errors.New("invalid address list token")
)

// Range is the closed interval [From, To].
type Range[T hostaddress.Addr[T]] struct {
	From T
	To   T
}

func (r Range[T]) Contains(a T) bool {
	return r.From.Compare(a) <= 0 && a.Compare(r.To) <= 0
}

func (r Range[T]) String() string {
	if r.From == r.To {
		return r.From.String()
	}
	if p := r.From.PrefixTo(r.To); p >= 0 && p < r.From.Bits() {
		return r.From.String() + "/" + strconv.Itoa(p)
	}
	return r.From.String() + "-" + r.To.String()
}

// searchGE returns the index of the first range whose To is >= a.
func searchGE[T hostaddress.Addr[T]](list []Range[T], a T) int {
	return sort.Search(len(list), func(i int) bool {
		return list[i].To.Compare(a) >= 0
	})
}

func containsIn[T hostaddress.Addr[T]](list []Range[T], a T) bool {
	i := searchGE(list, a)
	return i < len(list) && list[i].From.Compare(a) <= 0
}

// insertOrMerge adds a single address, extending the nearer neighbour
// when it lies within threshold, and collapsing the two neighbours
// when the extension makes them adjacent.
func insertOrMerge[T hostaddress.Addr[T]](list []Range[T], a T, threshold uint64) ([]Range[T], bool) {
	right := searchGE(list, a)

	distL := threshold
	distR := threshold

	if right < len(list) {
		//if the address falls within the found range there is nothing to do
		if list[right].From.Compare(a) <= 0 {
			return list, false
		}
		distR = a.DistanceOver(list[right].From, threshold)
	}
	if right > 0 {
		distL = list[right-1].To.DistanceOver(a, threshold)
	}

	if distL < threshold && distL <= distR {
		list[right-1].To = a
		//if left and right now differ by one unit, merge them
		if right < len(list) && a.Next() == list[right].From {
			list[right-1].To = list[right].To
			list = append(list[:right], list[right+1:]...)
		}
		return list, true
	}
	if distR < threshold && distR <= distL {
		list[right].From = a
		return list, true
	}

	list = append(list, Range[T]{})
	copy(list[right+1:], list[right:])
	list[right] = Range[T]{From: a, To: a}
	return list, true
}

// removeSplit removes a single covered address, splitting its range in
// two even if the halves end up within the coalescing threshold.
func removeSplit[T hostaddress.Addr[T]](list []Range[T], a T) ([]Range[T], bool) {
	i := searchGE(list, a)
	if i >= len(list) || list[i].From.Compare(a) > 0 {
		return list, false
	}
	if list[i].From == list[i].To {
		return append(list[:i], list[i+1:]...), true
	}
	if list[i].From == a {
		list[i].From = a.Next()
		return list, true
	}
	if list[i].To == a {
		list[i].To = a.Prev()
		return list, true
	}
	left := Range[T]{From: list[i].From, To: a.Prev()}
	list[i].From = a.Next()
	list = append(list, Range[T]{})
	copy(list[i+1:], list[i:])
	list[i] = left
	return list, true
}

// addRange inserts an explicit range, merging with every range it
// overlaps or is exactly adjacent to.
func addRange[T hostaddress.Addr[T]](list []Range[T], r Range[T]) []Range[T] {
	if r.From.Compare(r.To) > 0 {
		r.From, r.To = r.To, r.From
	}
	lo := searchGE(list, r.From)
	//pull the left neighbour in when it is adjacent
	if lo > 0 && list[lo-1].To.Next() == r.From {
		lo--
	}
	hi := lo
	for hi < len(list) && list[hi].From.Compare(r.To) <= 0 {
		hi++
	}
	//absorb an exactly adjacent right neighbour
	if hi < len(list) && r.To.Next() == list[hi].From {
		hi++
	}
	if lo < hi {
		if list[lo].From.Compare(r.From) < 0 {
			r.From = list[lo].From
		}
		if list[hi-1].To.Compare(r.To) > 0 {
			r.To = list[hi-1].To
		}
		list = append(list[:lo], list[hi:]...)
	}
	list = append(list, Range[T]{})
	copy(list[lo+1:], list[lo:])
	list[lo] = r
	return list
}

// List is a pair of coalesced per-family range vectors.  All methods
// are safe for concurrent use.
type List struct {
	mtx         sync.Mutex
	v4          []Range[hostaddress.IPv4]
	v6          []Range[hostaddress.IPv6]
	v4Threshold uint64
	v6Threshold uint64
}

// New creates an empty list with the given per-family coalescing
// thresholds.  A zero threshold disables coalescing for that family.
func New(v4Threshold, v6Threshold uint64) *List {
	return &List{
		v4Threshold: v4Threshold,
		v6Threshold: v6Threshold,
	}
}

func (l *List) Contains(h hostaddress.Host) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if a, ok := h.IPv4(); ok {
		return containsIn(l.v4, a)
	}
	if a, ok := h.IPv6(); ok {
		return containsIn(l.v6, a)
	}
	return false
}

// Add inserts the host address, returning true if it was newly
// accepted and false if it was already covered.
func (l *List) Add(h hostaddress.Host) (added bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if a, ok := h.IPv4(); ok {
		l.v4, added = insertOrMerge(l.v4, a, l.v4Threshold)
	} else if a, ok := h.IPv6(); ok {
		l.v6, added = insertOrMerge(l.v6, a, l.v6Threshold)
	}
	return
}

// Remove drops the host address, splitting the containing range.
func (l *List) Remove(h hostaddress.Host) (removed bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if a, ok := h.IPv4(); ok {
		l.v4, removed = removeSplit(l.v4, a)
	} else if a, ok := h.IPv6(); ok {
		l.v6, removed = removeSplit(l.v6, a)
	}
	return
}

// Size returns the total number of ranges across both families.
func (l *List) Size() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.v4) + len(l.v6)
}

func (l *List) Empty() bool {
	return l.Size() == 0
}

// Clear drops every range.
func (l *List) Clear() {
	l.mtx.Lock()
	l.v4 = nil
	l.v6 = nil
	l.mtx.Unlock()
}

// String renders the list as space separated tokens, each a single
// address, a CIDR block, or a from-to interval.
func (l *List) String() string {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	toks := make([]string, 0, len(l.v4)+len(l.v6))
	for _, r := range l.v4 {
		toks = append(toks, r.String())
	}
	for _, r := range l.v6 {
		toks = append(toks, r.String())
	}
	return strings.Join(toks, " ")
}

// Parse replaces the list contents from a textual token list.  Tokens
// are separated by whitespace, semicolons or commas; each is an
// address, a CIDR block a/p, an interval a-b, or * for everything.
func (l *List) Parse(s string) error {
	var v4 []Range[hostaddress.IPv4]
	var v6 []Range[hostaddress.IPv6]
	toks := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';' || r == ','
	})
	for _, tok := range toks {
		if tok == `*` {
			var a4 hostaddress.IPv4
			var a6 hostaddress.IPv6
			f4, t4 := a4.ApplyPrefix(0)
			f6, t6 := a6.ApplyPrefix(0)
			v4 = addRange(v4, Range[hostaddress.IPv4]{From: f4, To: t4})
			v6 = addRange(v6, Range[hostaddress.IPv6]{From: f6, To: t6})
			continue
		}
		r4, r6, err := parseToken(tok)
		if err != nil {
			return err
		}
		if r4 != nil {
			v4 = addRange(v4, *r4)
		} else {
			v6 = addRange(v6, *r6)
		}
	}
	l.mtx.Lock()
	l.v4 = v4
	l.v6 = v6
	l.mtx.Unlock()
	return nil
}

func parseToken(tok string) (*Range[hostaddress.IPv4], *Range[hostaddress.IPv6], error) {
	//CIDR form
	if i := strings.IndexByte(tok, '/'); i >= 0 {
		prefix, err := strconv.Atoi(tok[i+1:])
		if err != nil || prefix < 0 {
			return nil, nil, ErrBadToken
		}
		h, err := hostaddress.Parse(tok[:i], hostaddress.FormatIPvX)
		if err != nil {
			return nil, nil, ErrBadToken
		}
		if a, ok := h.IPv4(); ok {
			if prefix > a.Bits() {
				return nil, nil, ErrBadToken
			}
			from, to := a.ApplyPrefix(prefix)
			return &Range[hostaddress.IPv4]{From: from, To: to}, nil, nil
		}
		a, _ := h.IPv6()
		if prefix > a.Bits() {
			return nil, nil, ErrBadToken
		}
		from, to := a.ApplyPrefix(prefix)
		return nil, &Range[hostaddress.IPv6]{From: from, To: to}, nil
	}
	//interval form; IPv6 literals contain no dashes so a single split is safe
	if i := strings.IndexByte(tok, '-'); i >= 0 {
		fh, err := hostaddress.Parse(tok[:i], hostaddress.FormatIPvX)
		if err != nil {
			return nil, nil, ErrBadToken
		}
		th, err := hostaddress.Parse(tok[i+1:], hostaddress.FormatIPvX)
		if err != nil || th.Family() != fh.Family() {
			return nil, nil, ErrBadToken
		}
		if f, ok := fh.IPv4(); ok {
			t, _ := th.IPv4()
			return &Range[hostaddress.IPv4]{From: f, To: t}, nil, nil
		}
		f, _ := fh.IPv6()
		t, _ := th.IPv6()
		return nil, &Range[hostaddress.IPv6]{From: f, To: t}, nil
	}
	h, err := hostaddress.Parse(tok, hostaddress.FormatIPvX)
	if err != nil {
		return nil, nil, ErrBadToken
	}
	if a, ok := h.IPv4(); ok {
		return &Range[hostaddress.IPv4]{From: a, To: a}, nil, nil
	}
	a, _ := h.IPv6()
	return nil, &Range[hostaddress.IPv6]{From: a, To: a}, nil
}

// Equal reports whether two lists hold exactly the same ranges.
func (l *List) Equal(o *List) bool {
	if l == o {
		return true
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if len(l.v4) != len(o.v4) || len(l.v6) != len(o.v6) {
		return false
	}
	for i := range l.v4 {
		if l.v4[i] != o.v4[i] {
			return false
		}
	}
	for i := range l.v6 {
		if l.v6[i] != o.v6[i] {
			return false
		}
	}
	return true
}
