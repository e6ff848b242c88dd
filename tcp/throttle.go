/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBurstMultiplier = 1
	minChunk               = 1024
)

// NewLimiter builds a shared token bucket for bps bytes per second.  A
// non-positive rate means unlimited and yields a nil limiter, which
// every consumer treats as a no-op.
func NewLimiter(bps int64, burstMult int) *rate.Limiter {
	if bps <= 0 {
		return nil
	}
	if burstMult <= 0 {
		burstMult = defaultBurstMultiplier
	}
	return rate.NewLimiter(rate.Limit(bps), int(bps)*burstMult)
}

// CompoundConn is a net.Conn whose reads and writes are shaped by a
// set of shared limiters: typically the session's own, the user's, and
// one per group the user belongs to.  The limiter set can be swapped
// while the connection is live.
type CompoundConn struct {
	net.Conn
	mtx     sync.Mutex
	lms     []*rate.Limiter
	chunk   int
	readTO  time.Duration
	writeTO time.Duration
	ctx     context.Context
	cncl    func()
}

func NewCompoundConn(c net.Conn, lms ...*rate.Limiter) *CompoundConn {
	ctx, cancel := context.WithCancel(context.Background())
	cc := &CompoundConn{
		Conn: c,
		ctx:  ctx,
		cncl: cancel,
	}
	cc.SetLimiters(lms...)
	return cc
}

// SetLimiters replaces the limiter set.  Nil entries and duplicates
// are dropped; if the resulting set is unchanged nothing is rewired.
func (cc *CompoundConn) SetLimiters(lms ...*rate.Limiter) {
	seen := make(map[*rate.Limiter]bool, len(lms))
	var set []*rate.Limiter
	for _, lm := range lms {
		if lm == nil || seen[lm] {
			continue
		}
		seen[lm] = true
		set = append(set, lm)
	}
	cc.mtx.Lock()
	defer cc.mtx.Unlock()
	if limiterSetsEqual(cc.lms, set) {
		return
	}
	cc.lms = set
	//chunk IO by the smallest burst so a single wait never exceeds a bucket
	chunk := 0
	for _, lm := range set {
		if b := lm.Burst(); chunk == 0 || b < chunk {
			chunk = b
		}
	}
	if chunk < minChunk {
		chunk = minChunk
	}
	cc.chunk = chunk
}

func limiterSetsEqual(a, b []*rate.Limiter) bool {
	if len(a) != len(b) {
		return false
	}
	m := make(map[*rate.Limiter]bool, len(a))
	for _, lm := range a {
		m[lm] = true
	}
	for _, lm := range b {
		if !m[lm] {
			return false
		}
	}
	return true
}

func (cc *CompoundConn) limiters() ([]*rate.Limiter, int) {
	cc.mtx.Lock()
	defer cc.mtx.Unlock()
	return cc.lms, cc.chunk
}

func (cc *CompoundConn) Close() error {
	if cc.cncl != nil {
		cc.cncl()
	}
	return cc.Conn.Close()
}

func (cc *CompoundConn) SetReadTimeout(to time.Duration) error {
	cc.readTO = to
	return cc.Conn.SetReadDeadline(time.Now().Add(to))
}

func (cc *CompoundConn) ClearReadTimeout() error {
	cc.readTO = 0
	return cc.Conn.SetReadDeadline(time.Time{})
}

func (cc *CompoundConn) SetWriteTimeout(to time.Duration) error {
	cc.writeTO = to
	return cc.Conn.SetWriteDeadline(time.Now().Add(to))
}

func (cc *CompoundConn) ClearWriteTimeout() error {
	cc.writeTO = 0
	return cc.Conn.SetWriteDeadline(time.Time{})
}

func (cc *CompoundConn) Read(b []byte) (n int, err error) {
	lms, chunk := cc.limiters()
	if len(lms) == 0 {
		return cc.Conn.Read(b)
	}
	if len(b) > chunk {
		b = b[:chunk]
	}
	ctx := cc.ctx
	if cc.readTO > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(cc.ctx, cc.readTO)
		defer cancel()
	}
	if n, err = cc.Conn.Read(b); err != nil {
		return
	}
	for _, lm := range lms {
		if err = waitN(ctx, lm, n); err != nil {
			return
		}
	}
	return
}

func (cc *CompoundConn) Write(b []byte) (n int, err error) {
	lms, chunk := cc.limiters()
	if len(lms) == 0 {
		return cc.Conn.Write(b)
	}
	ctx := cc.ctx
	if cc.writeTO > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(cc.ctx, cc.writeTO)
		defer cancel()
	}
	var r int
	for n < len(b) {
		sz := len(b) - n
		if sz > chunk {
			sz = chunk
		}
		if r, err = cc.Conn.Write(b[n : n+sz]); err != nil {
			return
		}
		for _, lm := range lms {
			if err = waitN(ctx, lm, r); err != nil {
				return
			}
		}
		n += r
	}
	return
}

func waitN(ctx context.Context, lm *rate.Limiter, n int) error {
	if n > lm.Burst() {
		n = lm.Burst()
	}
	return lm.WaitN(ctx, n)
}

type fullSpeed struct {
	net.Conn
}

func (fs fullSpeed) SetReadTimeout(to time.Duration) error {
	return fs.Conn.SetReadDeadline(time.Now().Add(to))
}

func (fs fullSpeed) ClearReadTimeout() error {
	return fs.Conn.SetReadDeadline(time.Time{})
}

func (fs fullSpeed) SetWriteTimeout(to time.Duration) error {
	return fs.Conn.SetWriteDeadline(time.Now().Add(to))
}

func (fs fullSpeed) ClearWriteTimeout() error {
	return fs.Conn.SetWriteDeadline(time.Time{})
}

// NewUnthrottledConn wraps a conn with the timeout helpers but no
// shaping at all.
func NewUnthrottledConn(c net.Conn) fullSpeed {
	return fullSpeed{
		Conn: c,
	}
}
