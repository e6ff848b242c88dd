/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build !windows

package impersonate

import (
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/gravwell/ftpd/tvfs"
)

// RunWorker is the worker-process entry point.  args is the raw argv
// tail: sentinel plus the two channel descriptor numbers.  The return
// value is the process exit code: 0 for an orderly shutdown initiated
// by the parent, nonzero for anything fatal.
func RunWorker(args []string) int {
	if len(args) != 3 || args[0] != ArgvMagic {
		//refuse accidental invocation
		return 2
	}
	inFD, err := strconv.Atoi(args[1])
	if err != nil {
		return 2
	}
	outFD, err := strconv.Atoi(args[2])
	if err != nil {
		return 2
	}
	//refuse tracers before anything sensitive happens
	if err = hardenWorker(); err != nil {
		return 3
	}
	in := os.NewFile(uintptr(inFD), `impersonate-in`)
	out := os.NewFile(uintptr(outFD), `impersonate-out`)
	if in == nil || out == nil {
		return 2
	}
	srv := &worker{
		in:      in,
		out:     out,
		backend: tvfs.NewLocalBackend(),
	}
	return srv.run()
}

type worker struct {
	in      *os.File
	out     *os.File
	backend *tvfs.LocalBackend
}

func (w *worker) run() int {
	for {
		frame, err := readFrame(w.in)
		if err != nil {
			if err == ErrNoData {
				//parent closed the channel, shut down cleanly
				return 0
			}
			return 1
		}
		op, args, err := unpackRequest(frame)
		if err != nil {
			return 1
		}
		if err = w.dispatch(op, args); err != nil {
			return 1
		}
	}
}

func (w *worker) respond(res tvfs.Result, f *os.File, args ...string) error {
	var flags uint8
	if f != nil {
		flags |= respFlagHasFD
	}
	if err := sendStatus(w.out, f); err != nil {
		return err
	}
	if f != nil {
		//the descriptor is duplicated into the parent by the kernel,
		//the local copy is done
		f.Close()
	}
	return writeFrame(w.out, packResponse(errnoOfResult(res), flags, args...))
}

func (w *worker) dispatch(op opCode, args []string) error {
	switch op {
	case opOpenFile:
		if len(args) != 3 {
			return w.respond(tvfs.MapOSError(syscall.EINVAL), nil)
		}
		mode, _ := strconv.Atoi(args[1])
		rest, _ := strconv.ParseInt(args[2], 10, 64)
		f, res := w.backend.OpenFile(args[0], tvfs.OpenMode(mode), rest)
		return w.respond(res, f)
	case opOpenDirectory:
		if len(args) != 1 {
			return w.respond(tvfs.MapOSError(syscall.EINVAL), nil)
		}
		f, res := w.backend.OpenDirectory(args[0])
		return w.respond(res, f)
	case opRename:
		if len(args) != 2 {
			return w.respond(tvfs.MapOSError(syscall.EINVAL), nil)
		}
		return w.respond(w.backend.Rename(args[0], args[1]), nil)
	case opRemoveFile:
		if len(args) != 1 {
			return w.respond(tvfs.MapOSError(syscall.EINVAL), nil)
		}
		return w.respond(w.backend.RemoveFile(args[0]), nil)
	case opRemoveDirectory:
		if len(args) != 1 {
			return w.respond(tvfs.MapOSError(syscall.EINVAL), nil)
		}
		return w.respond(w.backend.RemoveDirectory(args[0]), nil)
	case opInfo:
		if len(args) != 2 {
			return w.respond(tvfs.MapOSError(syscall.EINVAL), nil)
		}
		nfo, res := w.backend.Info(args[0], args[1] == `1`)
		if !res.OK() {
			return w.respond(res, nil)
		}
		return w.respond(res, nil,
			strconv.Itoa(int(nfo.Type)),
			strconv.FormatInt(nfo.Size, 10),
			strconv.FormatInt(nfo.MTime.UnixMilli(), 10),
			strconv.FormatUint(uint64(nfo.Mode), 8),
		)
	case opMkdir:
		if len(args) != 3 {
			return w.respond(tvfs.MapOSError(syscall.EINVAL), nil)
		}
		perm, _ := strconv.ParseUint(args[2], 8, 32)
		return w.respond(w.backend.Mkdir(args[0], args[1] == `1`, os.FileMode(perm)), nil)
	case opSetMtime:
		if len(args) != 2 {
			return w.respond(tvfs.MapOSError(syscall.EINVAL), nil)
		}
		ms, _ := strconv.ParseInt(args[1], 10, 64)
		return w.respond(w.backend.SetMtime(args[0], time.UnixMilli(ms).UTC()), nil)
	}
	//unknown operation
	return w.respond(tvfs.MapOSError(syscall.ENOSYS), nil)
}

// errnoOfResult folds a tvfs result back into a wire errno.  Results
// produced by policy checks carry no raw error, so the kind maps to a
// representative errno.
func errnoOfResult(res tvfs.Result) int32 {
	if res.OK() {
		return 0
	}
	if res.Err != nil {
		if code := errnoOf(res.Err); code != 0 {
			return code
		}
	}
	switch res.Kind {
	case tvfs.KindInvalid:
		return int32(syscall.EINVAL)
	case tvfs.KindNoPerm:
		return int32(syscall.EACCES)
	case tvfs.KindNoFile:
		return int32(syscall.ENOENT)
	case tvfs.KindNoDir:
		return int32(syscall.ENOTDIR)
	case tvfs.KindNoSpace:
		return int32(syscall.ENOSPC)
	}
	return int32(syscall.EIO)
}
