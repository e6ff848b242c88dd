/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftp

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gravwell/ftpd/tvfs"
)

func TestModeString(t *testing.T) {
	if s := modeString(os.ModeDir|0755, tvfs.EntryDir); s != `drwxr-xr-x` {
		t.Fatal("bad dir mode string", s)
	}
	if s := modeString(0644, tvfs.EntryFile); s != `-rw-r--r--` {
		t.Fatal("bad file mode string", s)
	}
	if s := modeString(0777, tvfs.EntryLink); s != `lrwxrwxrwx` {
		t.Fatal("bad link mode string", s)
	}
}

func TestLongLine(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ent := tvfs.Entry{
		TVFSName: `report.txt`,
		Type:     tvfs.EntryFile,
		Size:     1234,
		MTime:    now.Add(-24 * time.Hour),
		Mode:     0644,
	}
	line := longLine(ent, now)
	if !strings.HasPrefix(line, `-rw-r--r--`) {
		t.Fatal("bad mode prefix", line)
	}
	if !strings.HasSuffix(line, ` report.txt`) {
		t.Fatal("name not last", line)
	}
	if !strings.Contains(line, `1234`) {
		t.Fatal("size missing", line)
	}
	//recent files show the clock, old ones the year
	if !strings.Contains(line, `:`) {
		t.Fatal("recent file lost its clock time", line)
	}
	ent.MTime = now.Add(-365 * 24 * time.Hour)
	line = longLine(ent, now)
	if !strings.Contains(line, `2023`) {
		t.Fatal("old file lost its year", line)
	}
}

func TestMlstLine(t *testing.T) {
	facts := map[string]bool{`type`: true, `size`: true, `modify`: true, `perm`: true, `unix.mode`: true}
	ent := tvfs.Entry{
		TVFSName: `data.bin`,
		Type:     tvfs.EntryFile,
		Size:     99,
		MTime:    time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC),
		Perms:    tvfs.PermRead | tvfs.PermWrite | tvfs.PermRemove,
		Mode:     0640,
	}
	line := mlstLine(ent, facts, false)
	if !strings.Contains(line, `type=file;`) {
		t.Fatal("type fact missing", line)
	}
	if !strings.Contains(line, `size=99;`) {
		t.Fatal("size fact missing", line)
	}
	if !strings.Contains(line, `modify=20240304050607;`) {
		t.Fatal("modify fact missing", line)
	}
	if !strings.HasSuffix(line, ` data.bin`) {
		t.Fatal("name not last", line)
	}
	//readable writable removable file
	if !strings.Contains(line, `perm=`) {
		t.Fatal("perm fact missing", line)
	}
	pf := permFact(ent)
	for _, want := range []string{`r`, `w`, `a`, `d`} {
		if !strings.Contains(pf, want) {
			t.Fatalf("perm fact %q missing %q", pf, want)
		}
	}
	//directories advertise list and cwd rights
	dir := tvfs.Entry{
		TVFSName: `sub`,
		Type:     tvfs.EntryDir,
		Perms:    tvfs.PermRead | tvfs.PermListMounts,
	}
	pf = permFact(dir)
	if !strings.Contains(pf, `e`) || !strings.Contains(pf, `l`) {
		t.Fatal("dir perm fact incomplete", pf)
	}
	//restricted facts stay silent
	line = mlstLine(ent, map[string]bool{`type`: true}, false)
	if strings.Contains(line, `size=`) {
		t.Fatal("disabled fact leaked", line)
	}
}
