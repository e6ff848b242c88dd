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

	"github.com/gravwell/ftpd/addrlist"
	"github.com/gravwell/ftpd/impersonate"
	"github.com/gravwell/ftpd/tcp"
	"github.com/gravwell/ftpd/tvfs"
	"golang.org/x/time/rate"
)

// SystemUserName is the reserved account that impersonates arbitrary
// OS users; its credentials are checked against the operating system
// rather than stored verifiers.
const SystemUserName = `<system user>`

// RateLimits are bytes per second; zero means unlimited.
type RateLimits struct {
	DownloadBps int64
	UploadBps   int64
}

// User is one configured account.
type User struct {
	Name          string
	Enabled       bool
	Credentials   map[MethodKind]PasswordHash
	AllowedIPs    *addrlist.List
	DisallowedIPs *addrlist.List
	Mounts        []tvfs.MountPoint
	Limits        RateLimits
	//Groups overlay right to left: earlier entries win
	Groups        []string
	Impersonation *impersonate.Token
}

// Group carries everything a user does minus credentials and nested
// groups.
type Group struct {
	Name          string
	AllowedIPs    *addrlist.List
	DisallowedIPs *addrlist.List
	Mounts        []tvfs.MountPoint
	Limits        RateLimits
}

// SharedUser is the reference-counted view of a logged-in account that
// every live session of that account holds.  Invalidation is a
// cooperative signal: the name is cleared, subscribers are notified,
// and sessions log themselves out.
type SharedUser struct {
	mtx     sync.Mutex
	name    string
	tree    *tvfs.MountTree
	backend tvfs.Backend
	token   *impersonate.Token
	dl, ul  *rate.Limiter
	//extra limiters come from the user's groups, already deduplicated
	extraDl, extraUl []*rate.Limiter
	subs             map[uint64]func()
	nextSub          uint64
	refs             int
	invalidated      bool
}

func newSharedUser(name string, tree *tvfs.MountTree, backend tvfs.Backend, token *impersonate.Token, limits RateLimits, extraDl, extraUl []*rate.Limiter) *SharedUser {
	return &SharedUser{
		name:    name,
		tree:    tree,
		backend: backend,
		token:   token,
		dl:      tcp.NewLimiter(limits.DownloadBps, 0),
		ul:      tcp.NewLimiter(limits.UploadBps, 0),
		extraDl: extraDl,
		extraUl: extraUl,
		subs:    make(map[uint64]func()),
	}
}

// Name returns the account name, or the empty string once the user
// has been invalidated.
func (su *SharedUser) Name() string {
	su.mtx.Lock()
	defer su.mtx.Unlock()
	return su.name
}

func (su *SharedUser) Invalidated() bool {
	su.mtx.Lock()
	defer su.mtx.Unlock()
	return su.invalidated
}

func (su *SharedUser) MountTree() *tvfs.MountTree {
	su.mtx.Lock()
	defer su.mtx.Unlock()
	return su.tree
}

func (su *SharedUser) Backend() tvfs.Backend {
	su.mtx.Lock()
	defer su.mtx.Unlock()
	return su.backend
}

// Token returns the impersonation token; it is immutable for the
// lifetime of the handle, a change always produces a new shared user.
func (su *SharedUser) Token() *impersonate.Token {
	return su.token
}

// DownloadLimiters returns the user limiter plus all group limiters
// applicable to server-to-client transfers.
func (su *SharedUser) DownloadLimiters() []*rate.Limiter {
	su.mtx.Lock()
	defer su.mtx.Unlock()
	out := make([]*rate.Limiter, 0, 1+len(su.extraDl))
	if su.dl != nil {
		out = append(out, su.dl)
	}
	return append(out, su.extraDl...)
}

// UploadLimiters is the client-to-server counterpart.
func (su *SharedUser) UploadLimiters() []*rate.Limiter {
	su.mtx.Lock()
	defer su.mtx.Unlock()
	out := make([]*rate.Limiter, 0, 1+len(su.extraUl))
	if su.ul != nil {
		out = append(out, su.ul)
	}
	return append(out, su.extraUl...)
}

// Subscribe registers an invalidation callback and returns the token
// to unsubscribe with.  Subscribers unsubscribe in their own teardown.
func (su *SharedUser) Subscribe(fn func()) uint64 {
	su.mtx.Lock()
	defer su.mtx.Unlock()
	id := su.nextSub
	su.nextSub++
	su.subs[id] = fn
	return id
}

func (su *SharedUser) Unsubscribe(id uint64) {
	su.mtx.Lock()
	delete(su.subs, id)
	su.mtx.Unlock()
}

// Acquire bumps the reference count.
func (su *SharedUser) Acquire() *SharedUser {
	su.mtx.Lock()
	su.refs++
	su.mtx.Unlock()
	return su
}

// Release drops a reference; once an invalidated user loses its last
// reference the backend is shut down.
func (su *SharedUser) Release() {
	su.mtx.Lock()
	su.refs--
	shutdown := su.refs <= 0 && su.invalidated && su.backend != nil
	var backend tvfs.Backend
	if shutdown {
		backend = su.backend
		su.backend = nil
	}
	su.mtx.Unlock()
	if shutdown {
		backend.Close()
	}
}

// Invalidate clears the name and notifies every subscriber before
// returning, so ongoing sessions observe the signal before the memory
// can go away.
func (su *SharedUser) Invalidate() {
	su.mtx.Lock()
	if su.invalidated {
		su.mtx.Unlock()
		return
	}
	su.invalidated = true
	su.name = ``
	subs := make([]func(), 0, len(su.subs))
	for _, fn := range su.subs {
		subs = append(subs, fn)
	}
	noRefs := su.refs <= 0
	var backend tvfs.Backend
	if noRefs {
		backend = su.backend
		su.backend = nil
	}
	su.mtx.Unlock()
	for _, fn := range subs {
		fn()
	}
	if backend != nil {
		backend.Close()
	}
}

// updateLimits adjusts the user limiters in place so live sessions
// see the change without rewiring.
func (su *SharedUser) updateLimits(limits RateLimits, extraDl, extraUl []*rate.Limiter) {
	su.mtx.Lock()
	defer su.mtx.Unlock()
	su.dl = adjustLimiter(su.dl, limits.DownloadBps)
	su.ul = adjustLimiter(su.ul, limits.UploadBps)
	su.extraDl = extraDl
	su.extraUl = extraUl
}

func adjustLimiter(lm *rate.Limiter, bps int64) *rate.Limiter {
	if bps <= 0 {
		return nil
	}
	if lm == nil {
		return tcp.NewLimiter(bps, 0)
	}
	lm.SetLimit(rate.Limit(bps))
	lm.SetBurst(int(bps))
	return lm
}

// updateTree swaps the mount tree; sessions pick it up on their next
// TVFS engine refresh.
func (su *SharedUser) updateTree(tree *tvfs.MountTree) {
	su.mtx.Lock()
	su.tree = tree
	su.mtx.Unlock()
}
