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
)

type OpenMode int

const (
	OpenReading OpenMode = iota
	OpenWriting
	OpenAppending
)

func (m OpenMode) String() string {
	switch m {
	case OpenReading:
		return `reading`
	case OpenWriting:
		return `writing`
	case OpenAppending:
		return `appending`
	}
	return `unknown`
}

type EntryType int

const (
	EntryUnknown EntryType = iota
	EntryFile
	EntryDir
	EntryLink
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return `file`
	case EntryDir:
		return `dir`
	case EntryLink:
		return `link`
	}
	return `unknown`
}

// Info is the stat surface the engine needs from a backend.
type Info struct {
	Type  EntryType
	Size  int64
	MTime time.Time //utc, millisecond resolution
	Mode  os.FileMode
}

// Backend is the minimal POSIX surface file IO goes through.  The
// local implementation issues direct syscalls; the impersonator client
// forwards each call to a subprocess running as another OS user.  Open
// calls hand back an owning *os.File whose lifetime ends with an
// explicit Close by the single consumer.
type Backend interface {
	OpenFile(path string, mode OpenMode, rest int64) (*os.File, Result)
	OpenDirectory(path string) (*os.File, Result)
	Rename(from, to string) Result
	RemoveFile(path string) Result
	RemoveDirectory(path string) Result
	Info(path string, followLinks bool) (Info, Result)
	Mkdir(path string, recurse bool, perm os.FileMode) Result
	SetMtime(path string, t time.Time) Result
	Close() error
}

func infoFromFileInfo(fi os.FileInfo) Info {
	nfo := Info{
		Size:  fi.Size(),
		MTime: fi.ModTime().UTC().Truncate(time.Millisecond),
		Mode:  fi.Mode(),
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		nfo.Type = EntryLink
	case fi.IsDir():
		nfo.Type = EntryDir
	case fi.Mode().IsRegular():
		nfo.Type = EntryFile
	default:
		nfo.Type = EntryUnknown
	}
	return nfo
}
