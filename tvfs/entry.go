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
	"sort"
	"time"

	"github.com/gobwas/glob"
)

// Entry is one element of a directory enumeration or a single stat
// result.
type Entry struct {
	TVFSName   string
	NativeName string
	Type       EntryType
	Size       int64
	MTime      time.Time
	Perms      Perms
	Mode       os.FileMode
}

// EntryIterator walks a fixed snapshot of entries.
type EntryIterator struct {
	entries []Entry
	i       int
}

func (it *EntryIterator) Next() (Entry, bool) {
	if it == nil || it.i >= len(it.entries) {
		return Entry{}, false
	}
	e := it.entries[it.i]
	it.i++
	return e, true
}

func (it *EntryIterator) Len() int {
	if it == nil {
		return 0
	}
	return len(it.entries)
}

type TraversalMode int

const (
	// TraversalAutodetect stats the target and picks per type.
	TraversalAutodetect TraversalMode = iota
	// TraversalNoChildren produces just the target entry.
	TraversalNoChildren
	// TraversalOnlyChildren enumerates the contents of a directory.
	TraversalOnlyChildren
)

// buildChildren unions the real directory contents with the mount-tree
// children at the resolved path.  A mount child shadowing a real child
// of the same name wins and the real child is suppressed.  With no
// listing permission but list_mounts present, only mount children are
// produced.
func (e *Engine) buildChildren(r Resolved, pattern glob.Glob) ([]Entry, Result) {
	canList := r.Perms.Has(PermRead)
	canListMounts := r.Perms&PermListMounts != 0
	if !canList && !canListMounts {
		return nil, noperm()
	}
	var out []Entry
	seen := make(map[string]bool)
	//mount children first, they shadow real entries
	if r.node != nil {
		for _, c := range r.node.children {
			if pattern != nil && !pattern.Match(c.name) {
				continue
			}
			ent := Entry{
				TVFSName: c.name,
				Type:     EntryDir,
				Perms:    c.perms,
				Mode:     os.ModeDir | 0755,
			}
			if c.target != `` {
				if nfo, res := e.backend.Info(c.target, true); res.OK() {
					ent.Size = nfo.Size
					ent.MTime = nfo.MTime
				}
			}
			seen[c.name] = true
			out = append(out, ent)
		}
	}
	if canList && r.NativePath != `` {
		d, res := e.backend.OpenDirectory(r.NativePath)
		if !res.OK() {
			if r.node != nil {
				//a hole has no native form, mount children are all there is
				return out, ok()
			}
			return nil, res
		}
		names, err := d.Readdirnames(-1)
		d.Close()
		if err != nil {
			return nil, mapOSError(err)
		}
		sort.Strings(names)
		for _, name := range names {
			if seen[name] {
				continue
			}
			if pattern != nil && !pattern.Match(name) {
				continue
			}
			nfo, res := e.backend.Info(r.NativePath+osSeparator+name, false)
			if !res.OK() {
				continue //raced away, skip it
			}
			out = append(out, Entry{
				TVFSName:   name,
				NativeName: name,
				Type:       nfo.Type,
				Size:       nfo.Size,
				MTime:      nfo.MTime,
				Perms:      childPerms(r),
				Mode:       nfo.Mode,
			})
		}
	}
	return out, ok()
}

// childPerms computes the permissions a real child inherits from its
// resolved parent.
func childPerms(r Resolved) Perms {
	if r.node != nil && !r.node.perms.Has(PermApplyRecursively) && r.node.target != `` {
		//children of a non-recursive mount carry no permissions
		return 0
	}
	return r.Perms
}
