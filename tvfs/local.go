/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tvfs

import (
	"io"
	"os"
	"time"
)

// LocalBackend performs file IO directly, with the privileges of the
// server process.
type LocalBackend struct{}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

func (lb *LocalBackend) OpenFile(path string, mode OpenMode, rest int64) (*os.File, Result) {
	var flags int
	switch mode {
	case OpenReading:
		flags = os.O_RDONLY
	case OpenWriting:
		flags = os.O_WRONLY | os.O_CREATE
		if rest == 0 {
			flags |= os.O_TRUNC
		}
	case OpenAppending:
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		return nil, invalid()
	}
	f, err := os.OpenFile(path, flags, 0664)
	if err != nil {
		return nil, mapOSError(err)
	}
	if rest > 0 && mode != OpenAppending {
		if mode == OpenReading {
			fi, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, mapOSError(err)
			}
			if fi.Size() < rest {
				f.Close()
				return nil, invalid()
			}
		}
		if _, err = f.Seek(rest, io.SeekStart); err != nil {
			f.Close()
			return nil, mapOSError(err)
		}
		if mode == OpenWriting {
			if err = f.Truncate(rest); err != nil {
				f.Close()
				return nil, mapOSError(err)
			}
		}
	}
	return f, ok()
}

func (lb *LocalBackend) OpenDirectory(path string) (*os.File, Result) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mapOSError(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapOSError(err)
	}
	if !fi.IsDir() {
		f.Close()
		return nil, nodir()
	}
	return f, ok()
}

func (lb *LocalBackend) Rename(from, to string) Result {
	if err := os.Rename(from, to); err != nil {
		return mapOSError(err)
	}
	return ok()
}

func (lb *LocalBackend) RemoveFile(path string) Result {
	fi, err := os.Lstat(path)
	if err != nil {
		return mapOSError(err)
	}
	if fi.IsDir() {
		return invalid()
	}
	if err = os.Remove(path); err != nil {
		return mapOSError(err)
	}
	return ok()
}

func (lb *LocalBackend) RemoveDirectory(path string) Result {
	fi, err := os.Lstat(path)
	if err != nil {
		return mapOSError(err)
	}
	if !fi.IsDir() {
		return Result{Kind: KindNoDir}
	}
	//only empty directories may be removed
	if err = os.Remove(path); err != nil {
		return mapOSError(err)
	}
	return ok()
}

func (lb *LocalBackend) Info(path string, followLinks bool) (Info, Result) {
	var fi os.FileInfo
	var err error
	if followLinks {
		fi, err = os.Stat(path)
	} else {
		fi, err = os.Lstat(path)
	}
	if err != nil {
		return Info{}, mapOSError(err)
	}
	return infoFromFileInfo(fi), ok()
}

func (lb *LocalBackend) Mkdir(path string, recurse bool, perm os.FileMode) Result {
	var err error
	if recurse {
		err = os.MkdirAll(path, perm)
	} else {
		err = os.Mkdir(path, perm)
	}
	if err != nil {
		return mapOSError(err)
	}
	return ok()
}

func (lb *LocalBackend) SetMtime(path string, t time.Time) Result {
	if err := os.Chtimes(path, time.Time{}, t); err != nil {
		return mapOSError(err)
	}
	return ok()
}

func (lb *LocalBackend) Close() error {
	return nil
}
