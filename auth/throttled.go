/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package auth

import (
	"sync"
	"time"

	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/hostaddress"
	"github.com/gravwell/ftpd/receiver"
)

// ThrottleOptions tune the login backoff: each delayed failure pushes
// the next allowed attempt out by a fixed Delay.
type ThrottleOptions struct {
	Delay       time.Duration //added per excess failure
	Cap         time.Duration //upper bound on accumulated delay
	MaxFailures int           //failure count inside the window at which delays start
	Window      time.Duration //sliding failure window
}

func DefaultThrottleOptions() ThrottleOptions {
	return ThrottleOptions{
		Delay:       2 * time.Second,
		Cap:         60 * time.Second,
		MaxFailures: 3,
		Window:      5 * time.Minute,
	}
}

// failures tracks recent failure timepoints and the earliest moment
// the next attempt may run.
type failures struct {
	timepoints []time.Time
	nextTry    time.Time
}

func (f *failures) purgeOld(now time.Time, window time.Duration) bool {
	oldest := now.Add(-window)
	i := 0
	for i < len(f.timepoints) && f.timepoints[i].Before(oldest) {
		i++
	}
	if i > 0 {
		f.timepoints = append(f.timepoints[:0], f.timepoints[i:]...)
	}
	return len(f.timepoints) == 0 && !f.nextTry.After(now)
}

func (f *failures) add(now time.Time, opts ThrottleOptions) bool {
	f.purgeOld(now, opts.Window)
	f.timepoints = append(f.timepoints, now)
	if len(f.timepoints) < opts.MaxFailures {
		return false
	}
	base := f.nextTry
	if base.Before(now) {
		base = now
	}
	next := base.Add(opts.Delay)
	if cap := now.Add(opts.Cap); next.After(cap) {
		next = cap
	}
	f.nextTry = next
	return true
}

// Throttled wraps a concrete authenticator with per-user, per-IPv4
// address and per-IPv6 /64 prefix attempt delays.
type Throttled struct {
	mtx       sync.Mutex
	lgr       *ftplog.Logger
	inner     Authenticator
	opts      ThrottleOptions
	byUser    map[string]*failures
	byV4      map[uint32]*failures
	byV6      map[uint64]*failures
	workers   map[*thWorker]bool
	loop      *receiver.Loop
	purger    *time.Timer
	onFailure func(hostaddress.Host) //feeds the autobanner
	closed    bool
}

func NewThrottled(lgr *ftplog.Logger, inner Authenticator, opts ThrottleOptions) *Throttled {
	if opts.MaxFailures <= 0 {
		opts = DefaultThrottleOptions()
	}
	return &Throttled{
		lgr:     lgr,
		inner:   inner,
		opts:    opts,
		byUser:  make(map[string]*failures),
		byV4:    make(map[uint32]*failures),
		byV6:    make(map[uint64]*failures),
		workers: make(map[*thWorker]bool),
		loop:    receiver.NewLoop(),
	}
}

// SetFailureCallback routes every genuinely recorded failure (not
// throttle delays) to the autobanner.
func (t *Throttled) SetFailureCallback(fn func(hostaddress.Host)) {
	t.mtx.Lock()
	t.onFailure = fn
	t.mtx.Unlock()
}

type addrKeys struct {
	name  string
	v4    uint32
	hasV4 bool
	v6    uint64
	hasV6 bool
	host  hostaddress.Host
}

func keysOf(name, ip string) (k addrKeys) {
	k.name = name
	h, err := hostaddress.Parse(ip, hostaddress.FormatIPvX)
	if err != nil {
		return
	}
	k.host = h
	if a, ok := h.IPv4(); ok {
		k.v4 = uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
		k.hasV4 = true
	} else if a, ok := h.IPv6(); ok {
		k.v6 = a.Prefix64()
		k.hasV6 = true
	}
	return
}

// delayFor returns how long the next attempt for these keys must wait.
func (t *Throttled) delayFor(k addrKeys, now time.Time) (d time.Duration) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	consider := func(f *failures) {
		if f == nil {
			return
		}
		if w := f.nextTry.Sub(now); w > d {
			d = w
		}
	}
	consider(t.byUser[k.name])
	if k.hasV4 {
		consider(t.byV4[k.v4])
	}
	if k.hasV6 {
		consider(t.byV6[k.v6])
	}
	return
}

// recordFailure appends a failure for every applicable key and arms
// the purge timer.
func (t *Throttled) recordFailure(k addrKeys) {
	now := time.Now()
	t.mtx.Lock()
	fu := t.byUser[k.name]
	if fu == nil {
		fu = &failures{}
		t.byUser[k.name] = fu
	}
	delayed := fu.add(now, t.opts)
	if k.hasV4 {
		f := t.byV4[k.v4]
		if f == nil {
			f = &failures{}
			t.byV4[k.v4] = f
		}
		if f.add(now, t.opts) {
			delayed = true
		}
	}
	if k.hasV6 {
		f := t.byV6[k.v6]
		if f == nil {
			f = &failures{}
			t.byV6[k.v6] = f
		}
		if f.add(now, t.opts) {
			delayed = true
		}
	}
	if t.purger == nil && !t.closed {
		t.purger = time.AfterFunc(t.opts.Window, t.purge)
	}
	onFailure := t.onFailure
	t.mtx.Unlock()
	if delayed {
		t.lgr.Warn("login failed too many times, next attempt will be delayed",
			ftplog.KV(`user`, k.name), ftplog.KV(`ip`, k.host.String()))
	}
	if onFailure != nil && !k.host.Unknown() {
		onFailure(k.host)
	}
}

// purge expunges stale entries at window granularity.
func (t *Throttled) purge() {
	now := time.Now()
	t.mtx.Lock()
	for name, f := range t.byUser {
		if f.purgeOld(now, t.opts.Window) {
			delete(t.byUser, name)
		}
	}
	for k, f := range t.byV4 {
		if f.purgeOld(now, t.opts.Window) {
			delete(t.byV4, k)
		}
	}
	for k, f := range t.byV6 {
		if f.purgeOld(now, t.opts.Window) {
			delete(t.byV6, k)
		}
	}
	if !t.closed && (len(t.byUser) > 0 || len(t.byV4) > 0 || len(t.byV6) > 0) {
		t.purger = time.AfterFunc(t.opts.Window, t.purge)
	} else {
		t.purger = nil
	}
	t.mtx.Unlock()
}

// thWorker drives one throttled authentication.
type thWorker struct {
	owner   *Throttled
	keys    addrKeys
	family  hostaddress.Family
	target  *receiver.Handler
	fn      func(Operation)
	handler *receiver.Handler //receives inner results on the owner loop

	mtx                 sync.Mutex
	canceled            bool
	authenticating      bool
	lastMethodsWereNone bool
	noneHeld            bool //a failed bare probe waiting to be confirmed
	realAttempted       bool
	timer               *time.Timer
}

func (t *Throttled) Authenticate(name string, family hostaddress.Family, ip string, h *receiver.Handler, fn func(Operation)) bool {
	t.mtx.Lock()
	if t.closed {
		t.mtx.Unlock()
		return false
	}
	w := &thWorker{
		owner:   t,
		keys:    keysOf(name, ip),
		family:  family,
		target:  h,
		fn:      fn,
		handler: receiver.NewHandler(t.loop),
	}
	t.workers[w] = true
	t.mtx.Unlock()
	//method discovery carries no credentials and is never delayed
	return t.inner.Authenticate(name, family, ip, w.handler, func(op Operation) {
		w.onInnerResult(op)
	})
}

func (t *Throttled) StopOngoingAuthentications(h *receiver.Handler) {
	t.mtx.Lock()
	var victims []*thWorker
	for w := range t.workers {
		if w.target == h {
			victims = append(victims, w)
			delete(t.workers, w)
		}
	}
	t.mtx.Unlock()
	for _, w := range victims {
		w.destroy()
	}
}

func (t *Throttled) Close() {
	t.mtx.Lock()
	t.closed = true
	var victims []*thWorker
	for w := range t.workers {
		victims = append(victims, w)
	}
	t.workers = make(map[*thWorker]bool)
	if t.purger != nil {
		t.purger.Stop()
		t.purger = nil
	}
	t.mtx.Unlock()
	for _, w := range victims {
		w.destroy()
	}
	t.inner.Close()
	t.loop.Close()
}

// onInnerResult intercepts every inner delivery, applies the failure
// accounting, and re-presents the operation to the caller.
func (w *thWorker) onInnerResult(inner Operation) {
	w.mtx.Lock()
	wasAuthenticating := w.authenticating
	w.authenticating = false
	canceled := w.canceled
	w.mtx.Unlock()
	if canceled {
		inner.Stop()
		return
	}
	if wasAuthenticating {
		if err := inner.GetError(); !err.Ok() {
			w.recordAttemptFailure()
		} else if inner.GetUser() != nil {
			w.finish()
		}
	}
	ha := receiver.NewHandle(w.target, w.fn)
	ha.Deliver(Operation(&thOperation{w: w, inner: inner}))
}

// recordAttemptFailure implements the probe-holding rule: the first
// failed bare-probe attempt is held and only counted if no real
// attempt follows, or when a second probe fails.
func (w *thWorker) recordAttemptFailure() {
	w.mtx.Lock()
	lastWasNone := w.lastMethodsWereNone
	record := true
	if lastWasNone {
		if !w.noneHeld && !w.realAttempted {
			w.noneHeld = true
			record = false
		} else {
			//a second failed probe counts, and the hold is spent
			w.noneHeld = false
		}
	} else {
		w.realAttempted = true
		w.noneHeld = false
	}
	w.mtx.Unlock()
	if record {
		w.owner.recordFailure(w.keys)
	}
}

func (w *thWorker) finish() {
	w.mtx.Lock()
	w.noneHeld = false
	w.mtx.Unlock()
	w.owner.mtx.Lock()
	delete(w.owner.workers, w)
	w.owner.mtx.Unlock()
	w.handler.StopReceiving()
}

// destroy tears the worker down, recording a held probe failure and
// mitigating a possible DoS when an authentication was still in
// flight.
func (w *thWorker) destroy() {
	w.mtx.Lock()
	if w.canceled {
		w.mtx.Unlock()
		return
	}
	w.canceled = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	recordNone := w.noneHeld
	recordInflight := w.authenticating
	w.mtx.Unlock()
	w.handler.StopReceiving()
	w.owner.inner.StopOngoingAuthentications(w.handler)
	if recordNone {
		w.owner.lgr.Debug("no other auth method was attempted, recording the held probe failure")
		w.owner.recordFailure(w.keys)
	} else if recordInflight {
		w.owner.lgr.Debug("destroying worker while auth still in progress, recording failure")
		w.owner.recordFailure(w.keys)
	}
}

// thOperation is the throttling wrapper around the inner operation.
type thOperation struct {
	w     *thWorker
	inner Operation
	mtx   sync.Mutex
	used  bool
}

func (op *thOperation) GetUser() *SharedUser {
	return op.inner.GetUser()
}

func (op *thOperation) GetMethods() []MethodKind {
	return op.inner.GetMethods()
}

func (op *thOperation) GetError() Error {
	return op.inner.GetError()
}

// Next schedules the attempt no earlier than the accumulated delay
// for the user and source address allows.
func (op *thOperation) Next(methods []Method) bool {
	op.mtx.Lock()
	if op.used {
		op.mtx.Unlock()
		return false
	}
	op.used = true
	op.mtx.Unlock()
	w := op.w
	w.mtx.Lock()
	if w.canceled {
		w.mtx.Unlock()
		return false
	}
	w.authenticating = true
	w.lastMethodsWereNone = MethodsOnlyNone(methods)
	if !w.lastMethodsWereNone {
		w.realAttempted = true
		w.noneHeld = false
	}
	w.mtx.Unlock()
	now := time.Now()
	wait := w.owner.delayFor(w.keys, now)
	if wait <= 0 {
		return op.inner.Next(methods)
	}
	w.owner.lgr.Warn("authentication will be delayed",
		ftplog.KV(`user`, w.keys.name),
		ftplog.KV(`ip`, w.keys.host.String()),
		ftplog.KV(`delay`, wait.String()))
	w.mtx.Lock()
	if w.canceled {
		w.mtx.Unlock()
		return false
	}
	w.timer = time.AfterFunc(wait, func() {
		w.mtx.Lock()
		canceled := w.canceled
		w.timer = nil
		w.mtx.Unlock()
		if !canceled {
			op.inner.Next(methods)
		}
	})
	w.mtx.Unlock()
	return true
}

func (op *thOperation) Stop() {
	w := op.w
	w.owner.mtx.Lock()
	delete(w.owner.workers, w)
	w.owner.mtx.Unlock()
	op.inner.Stop()
	w.destroy()
}
