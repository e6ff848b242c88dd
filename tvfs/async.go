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
	"time"

	"github.com/gravwell/ftpd/receiver"
)

// The asynchronous surface: every operation completes by delivering a
// result event onto the caller's handler loop.  A handler that stops
// receiving (or aborts a pending transfer) turns the continuation into
// a no-op, which is how ABOR cancels an outstanding TVFS call.

type OpenFileResult struct {
	File *os.File
	Res  Result
}

type EntriesResult struct {
	Iter *EntryIterator
	Res  Result
}

type EntryResult struct {
	Entry Entry
	Res   Result
}

type OpResult struct {
	Res Result
}

type PathResult struct {
	Path string
	Res  Result
}

func (e *Engine) AsyncOpenFile(h *receiver.Handler, path string, mode OpenMode, rest int64, fn func(OpenFileResult)) *receiver.Handle[OpenFileResult] {
	ha := receiver.NewHandle(h, fn)
	go func() {
		f, res := e.OpenFile(path, mode, rest)
		if !ha.Deliver(OpenFileResult{File: f, Res: res}) && f != nil {
			//nobody is listening anymore, the handle is ours to close
			f.Close()
		}
	}()
	return ha
}

func (e *Engine) AsyncGetEntries(h *receiver.Handler, path string, mode TraversalMode, pattern string, fn func(EntriesResult)) *receiver.Handle[EntriesResult] {
	ha := receiver.NewHandle(h, fn)
	go func() {
		it, res := e.GetEntries(path, mode, pattern)
		ha.Deliver(EntriesResult{Iter: it, Res: res})
	}()
	return ha
}

func (e *Engine) AsyncGetEntry(h *receiver.Handler, path string, fn func(EntryResult)) *receiver.Handle[EntryResult] {
	ha := receiver.NewHandle(h, fn)
	go func() {
		ent, res := e.GetEntry(path)
		ha.Deliver(EntryResult{Entry: ent, Res: res})
	}()
	return ha
}

func (e *Engine) AsyncMakeDirectory(h *receiver.Handler, path string, fn func(OpResult)) *receiver.Handle[OpResult] {
	ha := receiver.NewHandle(h, fn)
	go func() {
		ha.Deliver(OpResult{Res: e.MakeDirectory(path)})
	}()
	return ha
}

func (e *Engine) AsyncSetMtime(h *receiver.Handler, path string, t time.Time, fn func(EntryResult)) *receiver.Handle[EntryResult] {
	ha := receiver.NewHandle(h, fn)
	go func() {
		ent, res := e.SetMtime(path, t)
		ha.Deliver(EntryResult{Entry: ent, Res: res})
	}()
	return ha
}

func (e *Engine) AsyncRemoveEntry(h *receiver.Handler, path string, fn func(OpResult)) *receiver.Handle[OpResult] {
	ha := receiver.NewHandle(h, fn)
	go func() {
		ha.Deliver(OpResult{Res: e.RemoveEntry(path)})
	}()
	return ha
}

func (e *Engine) AsyncRename(h *receiver.Handler, from, to string, fn func(OpResult)) *receiver.Handle[OpResult] {
	ha := receiver.NewHandle(h, fn)
	go func() {
		ha.Deliver(OpResult{Res: e.Rename(from, to)})
	}()
	return ha
}

func (e *Engine) AsyncSetCurrentDirectory(h *receiver.Handler, path string, fn func(PathResult)) *receiver.Handle[PathResult] {
	ha := receiver.NewHandle(h, fn)
	go func() {
		p, res := e.SetCurrentDirectory(path)
		ha.Deliver(PathResult{Path: p, Res: res})
	}()
	return ha
}
