/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftpconf

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/gravwell/ftpd/auth"
	"github.com/gravwell/ftpd/ftplog"
)

// saves are batched behind a short dispatch delay so a burst of
// administrator edits lands in one write
const saveDispatchDelay = 2 * time.Second

var (
	ErrStoreLocked = errors.New("configuration root is locked by another process")
	ErrStoreClosed = errors.New("configuration store is closed")
)

// Store owns the XML documents under the config root: loading,
// batched atomic saving, and change watching.  The root directory is
// held under an advisory lock for the lifetime of the store.
type Store struct {
	mtx      sync.Mutex
	lgr      *ftplog.Logger
	paths    Paths
	lock     *flock.Flock
	users    []*auth.User
	groups   []*auth.Group
	settings *Settings
	dirty    map[string]bool
	saveTmr  *time.Timer
	watcher  *fsnotify.Watcher
	onReload func()
	closed   bool
}

// OpenStore locks the root, loads every document and starts the
// change watcher.
func OpenStore(lgr *ftplog.Logger, root string) (*Store, error) {
	paths := Paths{Root: root}
	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	lock := flock.New(paths.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrStoreLocked
	}
	st := &Store{
		lgr:   lgr,
		paths: paths,
		lock:  lock,
		dirty: make(map[string]bool),
	}
	if err = st.loadAll(); err != nil {
		lock.Unlock()
		return nil, err
	}
	if st.watcher, err = fsnotify.NewWatcher(); err == nil {
		if werr := st.watcher.Add(root); werr == nil {
			go st.watch()
		} else {
			st.watcher.Close()
			st.watcher = nil
		}
	}
	return st, nil
}

func (st *Store) loadAll() error {
	users, err := loadUsersFile(st.paths.UsersFile())
	if err != nil {
		return err
	}
	groups, err := loadGroupsFile(st.paths.GroupsFile())
	if err != nil {
		return err
	}
	settings, err := LoadSettings(st.paths.SettingsFile())
	if err != nil {
		return err
	}
	st.mtx.Lock()
	st.users = users
	st.groups = groups
	st.settings = settings
	st.mtx.Unlock()
	return nil
}

func loadUsersFile(path string) ([]*auth.User, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return UnmarshalUsers(b)
}

func loadGroupsFile(path string) ([]*auth.Group, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return UnmarshalGroups(b)
}

// Users returns the loaded user set.
func (st *Store) Users() []*auth.User {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	return st.users
}

func (st *Store) Groups() []*auth.Group {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	return st.groups
}

func (st *Store) Settings() *Settings {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	return st.settings
}

// SetOnReload registers the callback fired when an external edit to
// the config root was picked up.
func (st *Store) SetOnReload(fn func()) {
	st.mtx.Lock()
	st.onReload = fn
	st.mtx.Unlock()
}

// UpdateUsers replaces the user set and schedules a batched save.
func (st *Store) UpdateUsers(users []*auth.User) {
	st.mtx.Lock()
	st.users = users
	st.mtx.Unlock()
	st.ScheduleSave(`users`)
}

func (st *Store) UpdateGroups(groups []*auth.Group) {
	st.mtx.Lock()
	st.groups = groups
	st.mtx.Unlock()
	st.ScheduleSave(`groups`)
}

func (st *Store) UpdateSettings(s *Settings) {
	st.mtx.Lock()
	st.settings = s
	st.mtx.Unlock()
	st.ScheduleSave(`settings`)
}

// ScheduleSave marks a document dirty and arms the dispatch timer;
// consecutive calls inside the delay window collapse into one write.
func (st *Store) ScheduleSave(what string) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if st.closed {
		return
	}
	st.dirty[what] = true
	if st.saveTmr == nil {
		st.saveTmr = time.AfterFunc(saveDispatchDelay, st.flush)
	}
}

func (st *Store) flush() {
	st.mtx.Lock()
	dirty := st.dirty
	st.dirty = make(map[string]bool)
	st.saveTmr = nil
	users := st.users
	groups := st.groups
	settings := st.settings
	closed := st.closed
	st.mtx.Unlock()
	if closed {
		return
	}
	if dirty[`users`] {
		if b, err := MarshalUsers(users); err == nil {
			st.write(st.paths.UsersFile(), b)
		}
	}
	if dirty[`groups`] {
		if b, err := MarshalGroups(groups); err == nil {
			st.write(st.paths.GroupsFile(), b)
		}
	}
	if dirty[`settings`] {
		if b, err := MarshalSettings(settings); err == nil {
			st.write(st.paths.SettingsFile(), b)
		}
	}
}

func (st *Store) write(path string, b []byte) {
	if err := renameio.WriteFile(path, b, 0640); err != nil {
		st.lgr.Error("failed to persist configuration",
			ftplog.KV(`path`, path), ftplog.KV(`error`, err.Error()))
		return
	}
	st.lgr.Debug("configuration saved", ftplog.KV(`path`, path))
}

// watch reloads the documents when something outside the process
// rewrites them.
func (st *Store) watch() {
	var pending *time.Timer
	for ev := range st.watcher.Events {
		if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
			continue
		}
		switch ev.Name {
		case st.paths.UsersFile(), st.paths.GroupsFile(), st.paths.SettingsFile():
		default:
			continue
		}
		//debounce, editors and atomic renames fire several events
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(time.Second, func() {
			if err := st.loadAll(); err != nil {
				st.lgr.Error("configuration reload failed", ftplog.KV(`error`, err.Error()))
				return
			}
			st.mtx.Lock()
			fn := st.onReload
			st.mtx.Unlock()
			st.lgr.Info("configuration reloaded")
			if fn != nil {
				fn()
			}
		})
	}
}

// Close flushes pending writes and releases the root lock.
func (st *Store) Close() error {
	st.mtx.Lock()
	if st.closed {
		st.mtx.Unlock()
		return ErrStoreClosed
	}
	if st.saveTmr != nil {
		st.saveTmr.Stop()
		st.saveTmr = nil
	}
	//force a final synchronous flush of anything dirty
	dirty := len(st.dirty) > 0
	st.mtx.Unlock()
	if dirty {
		st.flush()
	}
	st.mtx.Lock()
	st.closed = true
	st.mtx.Unlock()
	if st.watcher != nil {
		st.watcher.Close()
	}
	return st.lock.Unlock()
}
