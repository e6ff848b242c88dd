/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package auth

import (
	"crypto/sha512"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravwell/ftpd/addrlist"
	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/hostaddress"
	"github.com/gravwell/ftpd/receiver"
	"github.com/gravwell/ftpd/tvfs"
)

func testUser(t *testing.T, name, password string) *User {
	t.Helper()
	ph, err := NewPasswordHash(password)
	if err != nil {
		t.Fatal(err)
	}
	return &User{
		Name:        name,
		Enabled:     true,
		Credentials: map[MethodKind]PasswordHash{MethodKindPassword: ph},
		Mounts: []tvfs.MountPoint{{
			TVFSPath:   `/`,
			NativePath: t.TempDir(),
			Access:     tvfs.AccessReadWrite,
			Recursive:  tvfs.RecurseWithStructureMods,
		}},
	}
}

type fbHarness struct {
	fb      *FileBacked
	h       *receiver.Handler
	results chan Operation
	saves   *int32
}

func newFBHarness(t *testing.T, users []*User, groups []*Group) *fbHarness {
	t.Helper()
	var saves int32
	fb := NewFileBacked(ftplog.NewDiscardLogger(), ``, nil, func() {
		atomic.AddInt32(&saves, 1)
	})
	fb.UpdateConfig(users, groups)
	t.Cleanup(fb.Close)
	loop := receiver.NewLoop()
	t.Cleanup(loop.Close)
	return &fbHarness{
		fb:      fb,
		h:       receiver.NewHandler(loop),
		results: make(chan Operation, 8),
		saves:   &saves,
	}
}

func (fh *fbHarness) login(t *testing.T, name, ip, password string) Operation {
	t.Helper()
	if !fh.fb.Authenticate(name, hostaddress.FamilyIPv4, ip, fh.h, func(op Operation) {
		fh.results <- op
	}) {
		t.Fatal("authenticate refused")
	}
	var first Operation
	select {
	case first = <-fh.results:
	case <-time.After(time.Second):
		t.Fatal("no initial operation")
	}
	if first.GetUser() != nil || !first.GetError().Ok() {
		t.Fatal("initial operation carries a verdict already")
	}
	if !first.Next([]Method{Password{Password: password}}) {
		t.Fatal("next refused")
	}
	select {
	case op := <-fh.results:
		return op
	case <-time.After(2 * time.Second):
		t.Fatal("no verification result")
	}
	return nil
}

func TestFileBackedLogin(t *testing.T) {
	fh := newFBHarness(t, []*User{testUser(t, `alice`, `s3cret`)}, nil)
	op := fh.login(t, `alice`, `10.0.0.1`, `s3cret`)
	su := op.GetUser()
	if su == nil {
		t.Fatal("login failed:", op.GetError())
	}
	defer su.Release()
	if su.Name() != `alice` {
		t.Fatal("bad user name", su.Name())
	}
	if su.MountTree() == nil || su.Backend() == nil {
		t.Fatal("shared user missing namespace or backend")
	}
	//wrong password
	op = fh.login(t, `alice`, `10.0.0.1`, `wrong`)
	if op.GetUser() != nil || op.GetError() != ErrorInvalidCredentials {
		t.Fatal("wrong password accepted", op.GetError())
	}
	//unknown user
	op = fh.login(t, `mallory`, `10.0.0.1`, `x`)
	if op.GetError() != ErrorUserNonexisting {
		t.Fatal("unknown user", op.GetError())
	}
}

func TestFileBackedDisabled(t *testing.T) {
	u := testUser(t, `bob`, `pw`)
	u.Enabled = false
	fh := newFBHarness(t, []*User{u}, nil)
	if op := fh.login(t, `bob`, `10.0.0.1`, `pw`); op.GetError() != ErrorUserDisabled {
		t.Fatal("disabled user accepted", op.GetError())
	}
}

func TestFileBackedIPPolicy(t *testing.T) {
	u := testUser(t, `carol`, `pw`)
	u.DisallowedIPs = mustList(t, `10.0.0.0/8`)
	u.AllowedIPs = mustList(t, `10.1.1.1`)
	fh := newFBHarness(t, []*User{u}, nil)
	//denied by the disallow list
	if op := fh.login(t, `carol`, `10.9.9.9`, `pw`); op.GetError() != ErrorIPDisallowed {
		t.Fatal("disallowed IP accepted", op.GetError())
	}
	//the explicit allow overrides the disallow
	op := fh.login(t, `carol`, `10.1.1.1`, `pw`)
	if su := op.GetUser(); su == nil {
		t.Fatal("explicit allow did not override", op.GetError())
	} else {
		su.Release()
	}
}

func TestLegacyPasswordUpgrade(t *testing.T) {
	sum := sha512.Sum512([]byte(`oldpass`))
	u := testUser(t, `dave`, `ignored`)
	u.Credentials[MethodKindPassword] = PasswordHash{Hash: sum[:]}
	fh := newFBHarness(t, []*User{u}, nil)
	op := fh.login(t, `dave`, `10.0.0.1`, `oldpass`)
	su := op.GetUser()
	if su == nil {
		t.Fatal("legacy login failed", op.GetError())
	}
	defer su.Release()
	//the verifier was upgraded in place and a save was scheduled
	ph := u.Credentials[MethodKindPassword]
	if ph.Legacy() {
		t.Fatal("legacy verifier not upgraded")
	}
	if !ph.Verify(`oldpass`) {
		t.Fatal("upgraded verifier refuses the password")
	}
	if atomic.LoadInt32(fh.saves) == 0 {
		t.Fatal("no save scheduled after upgrade")
	}
}

func TestSharedUserCacheAndInvalidation(t *testing.T) {
	u := testUser(t, `erin`, `pw`)
	fh := newFBHarness(t, []*User{u}, nil)
	op := fh.login(t, `erin`, `10.0.0.1`, `pw`)
	su1 := op.GetUser()
	if su1 == nil {
		t.Fatal("login failed")
	}
	op = fh.login(t, `erin`, `10.0.0.1`, `pw`)
	su2 := op.GetUser()
	if su1 != su2 {
		t.Fatal("second login produced a different shared user")
	}
	notified := make(chan bool, 1)
	id := su1.Subscribe(func() {
		notified <- true
	})
	defer su1.Unsubscribe(id)
	//deleting the backing user invalidates the shared handle
	fh.fb.UpdateConfig(nil, nil)
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("invalidation not signalled")
	}
	if su1.Name() != `` {
		t.Fatal("invalidated user kept its name")
	}
	if !su1.Invalidated() {
		t.Fatal("invalidated flag not set")
	}
	su1.Release()
	su2.Release()
}

func mustList(t *testing.T, s string) *addrlist.List {
	t.Helper()
	l := addrlist.New(0, 0)
	if err := l.Parse(s); err != nil {
		t.Fatal(err)
	}
	return l
}
