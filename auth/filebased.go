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

	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/hostaddress"
	"github.com/gravwell/ftpd/impersonate"
	"github.com/gravwell/ftpd/receiver"
	"github.com/gravwell/ftpd/tvfs"
	"golang.org/x/time/rate"
)

// Operation is the caller's view of one in-flight authentication.  The
// caller drives it by calling Next with the methods it can offer until
// a user is produced or an error is final; every step completes by
// delivering the operation back on the caller's handler loop.
type Operation interface {
	GetUser() *SharedUser
	//GetMethods lists the methods still acceptable for this account
	GetMethods() []MethodKind
	GetError() Error
	Next(methods []Method) bool
	Stop()
}

// Authenticator is the layered authentication entry point.
type Authenticator interface {
	Authenticate(name string, family hostaddress.Family, ip string, h *receiver.Handler, fn func(Operation)) bool
	StopOngoingAuthentications(h *receiver.Handler)
	Close()
}

// SystemVerifier checks credentials against the operating system for
// the reserved system-user account and yields the impersonation token
// of the OS account.  Nil disables system-user logins.
type SystemVerifier func(username, password string) (*impersonate.Token, error)

type groupLimiters struct {
	dl *rate.Limiter
	ul *rate.Limiter
}

// FileBacked authenticates against the loaded user/group set and owns
// the shared-user cache.
type FileBacked struct {
	mtx          sync.Mutex
	lgr          *ftplog.Logger
	users        map[string]*User
	groups       map[string]*Group
	shared       map[string]*SharedUser
	groupLims    map[string]*groupLimiters
	workers      map[*fbWorker]bool
	workerPath   string
	systemVerify SystemVerifier
	saveHook     func()
}

// NewFileBacked builds the authenticator; workerPath locates the
// impersonation worker binary, saveHook is invoked whenever a legacy
// password verifier was upgraded and the store should persist.
func NewFileBacked(lgr *ftplog.Logger, workerPath string, systemVerify SystemVerifier, saveHook func()) *FileBacked {
	return &FileBacked{
		lgr:          lgr,
		users:        make(map[string]*User),
		groups:       make(map[string]*Group),
		shared:       make(map[string]*SharedUser),
		groupLims:    make(map[string]*groupLimiters),
		workers:      make(map[*fbWorker]bool),
		workerPath:   workerPath,
		systemVerify: systemVerify,
		saveHook:     saveHook,
	}
}

// UpdateConfig swaps the account set.  Shared users whose backing
// account disappeared, was disabled, or changed impersonation are
// invalidated; the rest are updated in place so live sessions follow
// group and rate-limit edits.
func (fb *FileBacked) UpdateConfig(users []*User, groups []*Group) {
	fb.mtx.Lock()
	fb.users = make(map[string]*User, len(users))
	for _, u := range users {
		fb.users[u.Name] = u
	}
	fb.groups = make(map[string]*Group, len(groups))
	for _, g := range groups {
		fb.groups[g.Name] = g
	}
	//group limiters update in place so compound conns stay wired
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		seen[g.Name] = true
		gl := fb.groupLims[g.Name]
		if gl == nil {
			gl = &groupLimiters{}
			fb.groupLims[g.Name] = gl
		}
		gl.dl = adjustLimiter(gl.dl, g.Limits.DownloadBps)
		gl.ul = adjustLimiter(gl.ul, g.Limits.UploadBps)
	}
	for name := range fb.groupLims {
		if !seen[name] {
			delete(fb.groupLims, name)
		}
	}
	var invalidate []*SharedUser
	for name, su := range fb.shared {
		u := fb.users[name]
		switch {
		case u == nil, !u.Enabled:
			invalidate = append(invalidate, su)
			delete(fb.shared, name)
		case !tokensEqual(su.Token(), u.Impersonation):
			invalidate = append(invalidate, su)
			delete(fb.shared, name)
		default:
			extraDl, extraUl := fb.lockedGroupLimiters(u)
			su.updateLimits(u.Limits, extraDl, extraUl)
			if tree, err := fb.lockedBuildTree(u); err == nil {
				su.updateTree(tree)
			}
		}
	}
	fb.mtx.Unlock()
	//notify outside the lock, subscribers may call back in
	for _, su := range invalidate {
		su.Invalidate()
	}
}

func tokensEqual(a, b *impersonate.Token) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (fb *FileBacked) lockedGroupLimiters(u *User) (dl, ul []*rate.Limiter) {
	for _, gname := range u.Groups {
		if gl := fb.groupLims[gname]; gl != nil {
			if gl.dl != nil {
				dl = append(dl, gl.dl)
			}
			if gl.ul != nil {
				ul = append(ul, gl.ul)
			}
		}
	}
	return
}

// lockedBuildTree composes the namespace: group mounts first from the
// lowest-priority group up, the user's own mounts last so they win.
func (fb *FileBacked) lockedBuildTree(u *User) (*tvfs.MountTree, error) {
	var mounts []tvfs.MountPoint
	for i := len(u.Groups) - 1; i >= 0; i-- {
		if g := fb.groups[u.Groups[i]]; g != nil {
			mounts = append(mounts, g.Mounts...)
		}
	}
	mounts = append(mounts, u.Mounts...)
	return tvfs.NewMountTree(mounts)
}

// fbWorker is one in-flight authentication.  It lives on the
// authenticator's worker list; the Operation handed to the caller is a
// non-owning handle over it.
type fbWorker struct {
	fb       *FileBacked
	name     string
	family   hostaddress.Family
	ip       string
	target   *receiver.Handler
	fn       func(Operation)
	mtx      sync.Mutex
	canceled bool
	done     bool
	user     *SharedUser
	err      Error
	methods  []MethodKind
}

func (fb *FileBacked) Authenticate(name string, family hostaddress.Family, ip string, h *receiver.Handler, fn func(Operation)) bool {
	w := &fbWorker{
		fb:      fb,
		name:    name,
		family:  family,
		ip:      ip,
		target:  h,
		fn:      fn,
		methods: []MethodKind{MethodKindPassword},
	}
	fb.mtx.Lock()
	fb.workers[w] = true
	fb.mtx.Unlock()
	//the first event just presents the remaining methods
	return w.deliver()
}

func (fb *FileBacked) StopOngoingAuthentications(h *receiver.Handler) {
	fb.mtx.Lock()
	for w := range fb.workers {
		if w.target == h {
			w.cancel()
			delete(fb.workers, w)
		}
	}
	fb.mtx.Unlock()
}

func (fb *FileBacked) Close() {
	fb.mtx.Lock()
	workers := fb.workers
	fb.workers = make(map[*fbWorker]bool)
	shared := fb.shared
	fb.shared = make(map[string]*SharedUser)
	fb.mtx.Unlock()
	for w := range workers {
		w.cancel()
	}
	for _, su := range shared {
		su.Invalidate()
	}
}

func (w *fbWorker) cancel() {
	w.mtx.Lock()
	w.canceled = true
	w.mtx.Unlock()
}

func (w *fbWorker) remove() {
	w.fb.mtx.Lock()
	delete(w.fb.workers, w)
	w.fb.mtx.Unlock()
}

func (w *fbWorker) deliver() bool {
	w.mtx.Lock()
	canceled := w.canceled
	w.mtx.Unlock()
	if canceled {
		return false
	}
	ha := receiver.NewHandle(w.target, func(op Operation) {
		w.fn(op)
	})
	return ha.Deliver(&fbOperation{w: w})
}

// run performs the actual verification for one Next call.
func (w *fbWorker) run(methods []Method) {
	user, aerr := w.fb.verify(w.name, w.family, w.ip, methods)
	w.mtx.Lock()
	w.user = user
	w.err = aerr
	finished := aerr.Ok() && user != nil
	if finished {
		w.done = true
		w.methods = nil
	}
	w.mtx.Unlock()
	if finished || !aerr.Ok() {
		w.remove()
	}
	w.deliver()
}

// fbOperation is the non-owning caller handle.
type fbOperation struct {
	w *fbWorker
}

func (op *fbOperation) GetUser() *SharedUser {
	op.w.mtx.Lock()
	defer op.w.mtx.Unlock()
	return op.w.user
}

func (op *fbOperation) GetMethods() []MethodKind {
	op.w.mtx.Lock()
	defer op.w.mtx.Unlock()
	return op.w.methods
}

func (op *fbOperation) GetError() Error {
	op.w.mtx.Lock()
	defer op.w.mtx.Unlock()
	return op.w.err
}

func (op *fbOperation) Next(methods []Method) bool {
	op.w.mtx.Lock()
	if op.w.canceled || op.w.done {
		op.w.mtx.Unlock()
		return false
	}
	op.w.mtx.Unlock()
	go op.w.run(methods)
	return true
}

func (op *fbOperation) Stop() {
	op.w.cancel()
	op.w.remove()
}

// verify runs the full account check: existence (with system-user
// fallback), enabled flag, IP policy, then each offered method.
func (fb *FileBacked) verify(name string, family hostaddress.Family, ip string, methods []Method) (*SharedUser, Error) {
	fb.mtx.Lock()
	u := fb.users[name]
	sysu := fb.users[SystemUserName]
	fb.mtx.Unlock()
	system := false
	if u == nil {
		if sysu == nil || fb.systemVerify == nil {
			return nil, ErrorUserNonexisting
		}
		u = sysu
		system = true
	}
	if !u.Enabled {
		return nil, ErrorUserDisabled
	}
	if !fb.ipAllowed(u, ip) {
		return nil, ErrorIPDisallowed
	}
	if MethodsOnlyNone(methods) {
		//a probe is never sufficient for a file-backed account
		return nil, ErrorInvalidCredentials
	}
	for _, m := range methods {
		pw, okm := m.(Password)
		if !okm {
			return nil, ErrorAuthMethodNotSupported
		}
		var token *impersonate.Token
		if system {
			tok, err := fb.systemVerify(name, pw.Password)
			if err != nil || tok == nil {
				return nil, ErrorInvalidCredentials
			}
			token = tok
		} else {
			ph, has := u.Credentials[MethodKindPassword]
			if !has {
				return nil, ErrorAuthMethodNotSupported
			}
			if !ph.Verify(pw.Password) {
				return nil, ErrorInvalidCredentials
			}
			if ph.Legacy() {
				fb.upgradePassword(u, pw.Password)
			}
			token = u.Impersonation
		}
		return fb.sharedUserFor(name, u, token)
	}
	return nil, ErrorAuthMethodNotSupported
}

// ipAllowed evaluates the layered IP policy: an explicit allow
// overrides a disallow, user policy overlays group policy.
func (fb *FileBacked) ipAllowed(u *User, ip string) bool {
	h, err := hostaddress.Parse(ip, hostaddress.FormatIPvX)
	if err != nil {
		return false
	}
	if u.AllowedIPs != nil && u.AllowedIPs.Contains(h) {
		return true
	}
	if u.DisallowedIPs != nil && u.DisallowedIPs.Contains(h) {
		return false
	}
	fb.mtx.Lock()
	defer fb.mtx.Unlock()
	for _, gname := range u.Groups {
		g := fb.groups[gname]
		if g == nil {
			continue
		}
		if g.AllowedIPs != nil && g.AllowedIPs.Contains(h) {
			return true
		}
		if g.DisallowedIPs != nil && g.DisallowedIPs.Contains(h) {
			return false
		}
	}
	return true
}

// upgradePassword replaces a matched legacy verifier with the salted
// form and schedules a config save.
func (fb *FileBacked) upgradePassword(u *User, password string) {
	ph, err := NewPasswordHash(password)
	if err != nil {
		return
	}
	fb.mtx.Lock()
	u.Credentials[MethodKindPassword] = ph
	hook := fb.saveHook
	fb.mtx.Unlock()
	fb.lgr.Info("upgraded legacy password verifier", ftplog.KV(`user`, u.Name))
	if hook != nil {
		hook()
	}
}

// sharedUserFor returns the cached shared user for the account,
// replacing it when the impersonation token changed.
func (fb *FileBacked) sharedUserFor(name string, u *User, token *impersonate.Token) (*SharedUser, Error) {
	fb.mtx.Lock()
	su := fb.shared[name]
	if su != nil && tokensEqual(su.Token(), token) {
		fb.mtx.Unlock()
		return su.Acquire(), ErrorNone
	}
	if su != nil {
		delete(fb.shared, name)
	}
	tree, err := fb.lockedBuildTree(u)
	if err != nil {
		fb.mtx.Unlock()
		return nil, ErrorInternal
	}
	extraDl, extraUl := fb.lockedGroupLimiters(u)
	workerPath := fb.workerPath
	fb.mtx.Unlock()
	if su != nil {
		//the old handle keeps its sessions alive until they log out
		su.Invalidate()
	}
	var backend tvfs.Backend
	if token != nil {
		cl, cerr := impersonate.NewClient(workerPath, *token)
		if cerr != nil {
			fb.lgr.Error("failed to spawn impersonation worker",
				ftplog.KV(`user`, name), ftplog.KV(`error`, cerr.Error()))
			return nil, ErrorInternal
		}
		backend = cl
	} else {
		backend = tvfs.NewLocalBackend()
	}
	nsu := newSharedUser(name, tree, backend, token, u.Limits, extraDl, extraUl)
	fb.mtx.Lock()
	fb.shared[name] = nsu
	fb.mtx.Unlock()
	return nsu.Acquire(), ErrorNone
}
