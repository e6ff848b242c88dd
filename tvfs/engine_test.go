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
	"path/filepath"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, mounts []MountPoint) *Engine {
	t.Helper()
	tree, err := NewMountTree(mounts)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(tree, NewLocalBackend())
}

func collect(it *EntryIterator) (names []string) {
	for {
		ent, ok := it.Next()
		if !ok {
			return
		}
		names = append(names, ent.TVFSName)
	}
}

func TestMountHoleListing(t *testing.T) {
	native := t.TempDir()
	e := newTestEngine(t, []MountPoint{rwMount(`/foo/bar`, native)})
	//the root lists exactly one entry: foo
	it, res := e.GetEntries(`/`, TraversalOnlyChildren, ``)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if names := collect(it); len(names) != 1 || names[0] != `foo` {
		t.Fatal("bad root listing", names)
	}
	//the hole lists exactly one entry: bar
	it, res = e.GetEntries(`/foo`, TraversalOnlyChildren, ``)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if names := collect(it); len(names) != 1 || names[0] != `bar` {
		t.Fatal("bad hole listing", names)
	}
	//mkdir inside the hole is refused
	if res = e.MakeDirectory(`/foo/qux`); res.Kind != KindNoPerm {
		t.Fatal("mkdir in hole not refused", res.Kind)
	}
	//mkdir inside the mount succeeds
	if res = e.MakeDirectory(`/foo/bar/qux`); !res.OK() {
		t.Fatal("mkdir in mount failed", res.Kind)
	}
	if fi, err := os.Stat(filepath.Join(native, `qux`)); err != nil || !fi.IsDir() {
		t.Fatal("directory not created natively")
	}
}

func TestOpenFileModesAndRest(t *testing.T) {
	native := t.TempDir()
	e := newTestEngine(t, []MountPoint{rwMount(`/`, native)})
	f, res := e.OpenFile(`/hello.txt`, OpenWriting, 0)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if _, err := f.WriteString(`0123456789`); err != nil {
		t.Fatal(err)
	}
	f.Close()
	//REST offset applies to reads
	f, res = e.OpenFile(`/hello.txt`, OpenReading, 4)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	b, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `456789` {
		t.Fatal("rest offset ignored", string(b))
	}
	//REST beyond EOF is refused
	if _, res = e.OpenFile(`/hello.txt`, OpenReading, 100); res.OK() {
		t.Fatal("accepted rest past EOF")
	}
	//writing with REST truncates at the offset
	f, res = e.OpenFile(`/hello.txt`, OpenWriting, 4)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	f.WriteString(`XY`)
	f.Close()
	b, _ = os.ReadFile(filepath.Join(native, `hello.txt`))
	if string(b) != `0123XY` {
		t.Fatal("bad rest-write content", string(b))
	}
}

func TestReadOnlyMountRefusesWrites(t *testing.T) {
	native := t.TempDir()
	os.WriteFile(filepath.Join(native, `f`), []byte(`x`), 0644)
	e := newTestEngine(t, []MountPoint{{
		TVFSPath:   `/ro`,
		NativePath: native,
		Access:     AccessReadOnly,
		Recursive:  Recurse,
	}})
	if _, res := e.OpenFile(`/ro/f`, OpenReading, 0); !res.OK() {
		t.Fatal("read refused on read-only mount", res.Kind)
	}
	if _, res := e.OpenFile(`/ro/f`, OpenWriting, 0); res.Kind != KindNoPerm {
		t.Fatal("write accepted on read-only mount")
	}
	if res := e.RemoveFile(`/ro/f`); res.Kind != KindNoPerm {
		t.Fatal("remove accepted on read-only mount")
	}
}

func TestEnumerationDedup(t *testing.T) {
	rootNative := t.TempDir()
	subNative := t.TempDir()
	//a real directory shadowed by a mount child of the same name
	os.Mkdir(filepath.Join(rootNative, `sub`), 0755)
	os.WriteFile(filepath.Join(rootNative, `plain`), []byte(`x`), 0644)
	os.WriteFile(filepath.Join(subNative, `inner`), []byte(`y`), 0644)
	e := newTestEngine(t, []MountPoint{
		rwMount(`/`, rootNative),
		rwMount(`/sub`, subNative),
	})
	it, res := e.GetEntries(`/`, TraversalOnlyChildren, ``)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	names := collect(it)
	subCount := 0
	for _, n := range names {
		if n == `sub` {
			subCount++
		}
	}
	if subCount != 1 {
		t.Fatal("duplicate suppressed entry", names)
	}
	//the mount child wins: listing /sub shows the mounted content
	it, res = e.GetEntries(`/sub`, TraversalOnlyChildren, ``)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if names = collect(it); len(names) != 1 || names[0] != `inner` {
		t.Fatal("mount child did not win", names)
	}
}

func TestGlobFilter(t *testing.T) {
	native := t.TempDir()
	for _, n := range []string{`a.txt`, `b.txt`, `c.log`} {
		os.WriteFile(filepath.Join(native, n), []byte(`x`), 0644)
	}
	e := newTestEngine(t, []MountPoint{rwMount(`/`, native)})
	it, res := e.GetEntries(`/`, TraversalOnlyChildren, `*.txt`)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if names := collect(it); len(names) != 2 {
		t.Fatal("glob filter failed", names)
	}
}

func TestRenamePolicy(t *testing.T) {
	aNative := t.TempDir()
	bNative := t.TempDir()
	os.WriteFile(filepath.Join(aNative, `f`), []byte(`data`), 0644)
	e := newTestEngine(t, []MountPoint{
		rwMount(`/a`, aNative),
		rwMount(`/b`, bNative),
	})
	//renames across mounts work on the native level
	if res := e.Rename(`/a/f`, `/b/g`); !res.OK() {
		t.Fatal("cross-mount rename failed", res.Kind)
	}
	if _, err := os.Stat(filepath.Join(bNative, `g`)); err != nil {
		t.Fatal("renamed file missing natively")
	}
	//a mount root can never be renamed
	if res := e.Rename(`/a`, `/c`); res.Kind != KindNoPerm {
		t.Fatal("mount root rename not refused", res.Kind)
	}
	if res := e.Rename(`/b/g`, `/a`); res.Kind != KindNoPerm {
		t.Fatal("rename onto mount root not refused", res.Kind)
	}
}

func TestRemovePolicy(t *testing.T) {
	native := t.TempDir()
	os.Mkdir(filepath.Join(native, `d`), 0755)
	os.WriteFile(filepath.Join(native, `d`, `f`), []byte(`x`), 0644)
	e := newTestEngine(t, []MountPoint{rwMount(`/`, native)})
	//remove_file refuses directories
	if res := e.RemoveFile(`/d`); res.OK() {
		t.Fatal("removed a directory as a file")
	}
	//non-empty directories stay
	if res := e.RemoveDirectory(`/d`); res.OK() {
		t.Fatal("removed a non-empty directory")
	}
	if res := e.RemoveFile(`/d/f`); !res.OK() {
		t.Fatal("failed to remove file", res.Kind)
	}
	if res := e.RemoveDirectory(`/d`); !res.OK() {
		t.Fatal("failed to remove empty directory", res.Kind)
	}
	//the mount point itself cannot be removed
	if res := e.RemoveDirectory(`/`); res.Kind != KindNoPerm {
		t.Fatal("mount root removal not refused", res.Kind)
	}
}

func TestSetMtimeRoundTrip(t *testing.T) {
	native := t.TempDir()
	os.WriteFile(filepath.Join(native, `f`), []byte(`x`), 0644)
	e := newTestEngine(t, []MountPoint{rwMount(`/`, native)})
	when := time.Date(2020, 6, 15, 12, 30, 45, 0, time.UTC)
	ent, res := e.SetMtime(`/f`, when)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if !ent.MTime.Equal(when) {
		t.Fatal("returned entry does not reflect the new time", ent.MTime)
	}
	//a later stat agrees
	ent, res = e.GetEntry(`/f`)
	if !res.OK() || !ent.MTime.Equal(when) {
		t.Fatal("stat does not agree with set_mtime", ent.MTime)
	}
}

func TestCurrentDirectory(t *testing.T) {
	native := t.TempDir()
	os.Mkdir(filepath.Join(native, `pub`), 0755)
	e := newTestEngine(t, []MountPoint{rwMount(`/`, native)})
	if e.CurrentDirectory() != `/` {
		t.Fatal("fresh engine not at root")
	}
	p, res := e.SetCurrentDirectory(`pub`)
	if !res.OK() || p != `/pub` {
		t.Fatal("cwd change failed", p, res.Kind)
	}
	//files are not directories
	os.WriteFile(filepath.Join(native, `pub`, `f`), []byte(`x`), 0644)
	if _, res = e.SetCurrentDirectory(`f`); res.Kind != KindNoDir {
		t.Fatal("cd into file accepted", res.Kind)
	}
	//missing targets are rejected and cwd is unchanged
	if _, res = e.SetCurrentDirectory(`/missing`); res.OK() {
		t.Fatal("cd into missing dir accepted")
	}
	if e.CurrentDirectory() != `/pub` {
		t.Fatal("cwd changed on failure")
	}
}
