/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tvfs

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

const osSeparator = string(filepath.Separator)

// Engine evaluates TVFS operations for one session: it owns the
// current directory and routes resolved native paths to the backend.
type Engine struct {
	mtx     sync.Mutex
	tree    *MountTree
	backend Backend
	cwd     string
}

func NewEngine(tree *MountTree, backend Backend) *Engine {
	return &Engine{
		tree:    tree,
		backend: backend,
		cwd:     "/",
	}
}

// SetMountTree swaps the namespace in place; the current directory is
// reset to the root since it may no longer resolve.
func (e *Engine) SetMountTree(tree *MountTree) {
	e.mtx.Lock()
	e.tree = tree
	e.cwd = "/"
	e.mtx.Unlock()
}

func (e *Engine) Backend() Backend {
	return e.backend
}

// CurrentDirectory is always a canonical absolute unix path.
func (e *Engine) CurrentDirectory() string {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.cwd
}

func (e *Engine) resolve(path string) (Resolved, Result) {
	e.mtx.Lock()
	tree, cwd := e.tree, e.cwd
	e.mtx.Unlock()
	return tree.Resolve(cwd, path)
}

// OpenFile resolves and opens a file.  With a nonzero rest offset the
// file is positioned (and, when writing, truncated) at that offset.
func (e *Engine) OpenFile(path string, mode OpenMode, rest int64) (*os.File, Result) {
	r, res := e.resolve(path)
	if !res.OK() {
		return nil, res
	}
	switch mode {
	case OpenReading:
		if !r.Perms.Has(PermRead) {
			return nil, noperm()
		}
	case OpenWriting, OpenAppending:
		if !r.Perms.Has(PermWrite) {
			return nil, noperm()
		}
	default:
		return nil, invalid()
	}
	if r.IsNode() || r.NativePath == `` {
		//a mount-tree node is a directory, never a file
		return nil, invalid()
	}
	return e.backend.OpenFile(r.NativePath, mode, rest)
}

// GetEntry stats a single path.  Mount-tree holes are reported as
// directories even though nothing backs them.
func (e *Engine) GetEntry(path string) (Entry, Result) {
	r, res := e.resolve(path)
	if !res.OK() {
		return Entry{}, res
	}
	if r.Perms&(PermRead|PermListMounts) == 0 {
		return Entry{}, noperm()
	}
	name := BaseName(r.TVFSPath)
	if name == `` {
		name = "/"
	}
	if r.NativePath == `` {
		if !r.IsNode() {
			return Entry{}, nofile()
		}
		return Entry{TVFSName: name, Type: EntryDir, Perms: r.Perms, Mode: os.ModeDir | 0755}, ok()
	}
	nfo, res := e.backend.Info(r.NativePath, false)
	if !res.OK() {
		if r.IsNode() {
			//the mount target may be missing, the virtual node still exists
			return Entry{TVFSName: name, Type: EntryDir, Perms: r.Perms, Mode: os.ModeDir | 0755}, ok()
		}
		return Entry{}, res
	}
	return Entry{
		TVFSName:   name,
		NativeName: filepath.Base(r.NativePath),
		Type:       nfo.Type,
		Size:       nfo.Size,
		MTime:      nfo.MTime,
		Perms:      r.Perms,
		Mode:       nfo.Mode,
	}, ok()
}

// GetEntries enumerates path according to mode; pattern, when not
// empty, filters entry names with glob semantics.
func (e *Engine) GetEntries(path string, mode TraversalMode, pattern string) (*EntryIterator, Result) {
	var g glob.Glob
	if pattern != `` {
		var err error
		if g, err = glob.Compile(pattern); err != nil {
			return nil, invalid()
		}
	}
	r, res := e.resolve(path)
	if !res.OK() {
		return nil, res
	}
	if mode == TraversalAutodetect {
		mode = TraversalNoChildren
		if r.IsNode() {
			mode = TraversalOnlyChildren
		} else if r.NativePath != `` && r.Perms&(PermRead|PermListMounts) != 0 {
			if nfo, ires := e.backend.Info(r.NativePath, true); ires.OK() && nfo.Type == EntryDir {
				mode = TraversalOnlyChildren
			}
		}
	}
	if mode == TraversalNoChildren {
		ent, res := e.GetEntry(path)
		if !res.OK() {
			return nil, res
		}
		if g != nil && !g.Match(ent.TVFSName) {
			return &EntryIterator{}, ok()
		}
		return &EntryIterator{entries: []Entry{ent}}, ok()
	}
	if !r.IsNode() {
		//real directory below a mount
		if r.Perms&(PermRead|PermListMounts) == 0 {
			return nil, noperm()
		}
		if r.NativePath == `` {
			return nil, nodir()
		}
		if nfo, ires := e.backend.Info(r.NativePath, true); !ires.OK() || nfo.Type != EntryDir {
			return nil, nodir()
		}
	}
	ents, res := e.buildChildren(r, g)
	if !res.OK() {
		return nil, res
	}
	return &EntryIterator{entries: ents}, ok()
}

// MakeDirectory creates a directory at the resolved native path.
func (e *Engine) MakeDirectory(path string) Result {
	r, res := e.resolve(path)
	if !res.OK() {
		return res
	}
	if r.IsNode() {
		//already part of the virtual namespace
		return noperm()
	}
	if !r.Perms.Has(PermWrite | PermAllowStructureModification) {
		return noperm()
	}
	if r.NativePath == `` {
		return noperm()
	}
	return e.backend.Mkdir(r.NativePath, false, 0775)
}

// SetMtime updates the modification time and returns the refreshed
// entry.
func (e *Engine) SetMtime(path string, t time.Time) (Entry, Result) {
	r, res := e.resolve(path)
	if !res.OK() {
		return Entry{}, res
	}
	if r.IsNode() {
		return Entry{}, noperm()
	}
	if !r.Perms.Has(PermWrite) || r.NativePath == `` {
		return Entry{}, noperm()
	}
	if res = e.backend.SetMtime(r.NativePath, t); !res.OK() {
		return Entry{}, res
	}
	return e.GetEntry(path)
}

// RemoveFile unlinks a file; directories are refused.
func (e *Engine) RemoveFile(path string) Result {
	r, res := e.resolve(path)
	if !res.OK() {
		return res
	}
	if r.IsNode() {
		return noperm()
	}
	if !r.Perms.Has(PermRemove) || r.NativePath == `` {
		return noperm()
	}
	return e.backend.RemoveFile(r.NativePath)
}

// RemoveDirectory removes an empty directory; mount points cannot be
// removed through the TVFS.
func (e *Engine) RemoveDirectory(path string) Result {
	r, res := e.resolve(path)
	if !res.OK() {
		return res
	}
	if r.IsNode() {
		return noperm()
	}
	if !r.Perms.Has(PermRemove|PermAllowStructureModification) || r.NativePath == `` {
		return noperm()
	}
	return e.backend.RemoveDirectory(r.NativePath)
}

// RemoveEntry stats the target and dispatches to the appropriate
// removal.
func (e *Engine) RemoveEntry(path string) Result {
	ent, res := e.GetEntry(path)
	if !res.OK() {
		return res
	}
	if ent.Type == EntryDir {
		return e.RemoveDirectory(path)
	}
	return e.RemoveFile(path)
}

// Rename moves an entry.  Neither endpoint may be a mount-tree node,
// and directory moves additionally require structure modification
// rights on both sides.
func (e *Engine) Rename(from, to string) Result {
	rf, res := e.resolve(from)
	if !res.OK() {
		return res
	}
	rt, res := e.resolve(to)
	if !res.OK() {
		return res
	}
	if rf.IsNode() || rt.IsNode() {
		return noperm()
	}
	if !rf.Perms.Has(PermRename) || rf.NativePath == `` {
		return noperm()
	}
	if !rt.Perms.Has(PermWrite) || rt.NativePath == `` {
		return noperm()
	}
	nfo, ires := e.backend.Info(rf.NativePath, false)
	if !ires.OK() {
		return ires
	}
	if nfo.Type == EntryDir {
		if !rf.Perms.Has(PermAllowStructureModification) || !rt.Perms.Has(PermAllowStructureModification) {
			return noperm()
		}
	}
	return e.backend.Rename(rf.NativePath, rt.NativePath)
}

// SetCurrentDirectory changes the working directory iff the target is
// a listable directory; the stored form is canonical and absolute.
func (e *Engine) SetCurrentDirectory(path string) (string, Result) {
	r, res := e.resolve(path)
	if !res.OK() {
		return ``, res
	}
	if r.Perms&(PermRead|PermListMounts) == 0 {
		return ``, noperm()
	}
	if !r.IsNode() {
		if r.NativePath == `` {
			return ``, nodir()
		}
		nfo, ires := e.backend.Info(r.NativePath, true)
		if !ires.OK() {
			return ``, nodir()
		}
		if nfo.Type != EntryDir {
			return ``, nodir()
		}
	}
	e.mtx.Lock()
	e.cwd = r.TVFSPath
	e.mtx.Unlock()
	return r.TVFSPath, ok()
}
