/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tvfs

import (
	"path/filepath"
	"testing"
)

func rwMount(tvfsPath, native string) MountPoint {
	return MountPoint{
		TVFSPath:   tvfsPath,
		NativePath: native,
		Access:     AccessReadWrite,
		Recursive:  RecurseWithStructureMods,
	}
}

func TestMountTreeHole(t *testing.T) {
	tree, err := NewMountTree([]MountPoint{rwMount(`/foo/bar`, `/tmp/x`)})
	if err != nil {
		t.Fatal(err)
	}
	//the root exposes exactly the hole leading to the mount
	r, res := tree.Resolve(`/`, `/`)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if !r.IsNode() {
		t.Fatal("root is not a node")
	}
	if names := r.MountChildNames(); len(names) != 1 || names[0] != `foo` {
		t.Fatal("bad root children", names)
	}
	//the hole itself carries list_mounts only
	r, res = tree.Resolve(`/`, `/foo`)
	if !res.OK() || !r.IsNode() {
		t.Fatal("hole did not resolve to a node")
	}
	if r.Perms != PermListMounts {
		t.Fatal("hole carries unexpected permissions", r.Perms)
	}
	if r.IsMountPoint() {
		t.Fatal("hole claims to be a mount point")
	}
	//below the hole nothing exists and nothing is permitted
	r, res = tree.Resolve(`/`, `/foo/qux`)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if r.Perms != 0 || r.NativePath != `` {
		t.Fatal("below-hole path got perms or a native path")
	}
	//the mount point proper
	r, res = tree.Resolve(`/`, `/foo/bar`)
	if !res.OK() || !r.IsMountPoint() {
		t.Fatal("mount point did not resolve")
	}
	if r.NativePath != `/tmp/x` {
		t.Fatal("bad native path", r.NativePath)
	}
	//below the mount, native paths compose
	r, res = tree.Resolve(`/`, `/foo/bar/sub/file`)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	want := filepath.Join(`/tmp/x`, `sub`, `file`)
	if r.NativePath != want {
		t.Fatalf("bad composed path %q, wanted %q", r.NativePath, want)
	}
	if !r.Perms.Has(PermRead | PermWrite) {
		t.Fatal("recursive mount did not propagate permissions")
	}
}

func TestNonRecursiveMountClearsPerms(t *testing.T) {
	tree, err := NewMountTree([]MountPoint{{
		TVFSPath:   `/data`,
		NativePath: `/srv/data`,
		Access:     AccessReadWrite,
		Recursive:  RecursiveNone,
	}})
	if err != nil {
		t.Fatal(err)
	}
	r, res := tree.Resolve(`/`, `/data`)
	if !res.OK() || !r.Perms.Has(PermRead) {
		t.Fatal("mount itself should be readable")
	}
	r, res = tree.Resolve(`/`, `/data/below`)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if r.Perms != 0 {
		t.Fatal("permissions leaked below a non-recursive mount", r.Perms)
	}
}

func TestIntermediateBelowRecursiveMount(t *testing.T) {
	tree, err := NewMountTree([]MountPoint{
		rwMount(`/a`, `/native/a`),
		rwMount(`/a/b/c`, `/native/c`),
	})
	if err != nil {
		t.Fatal(err)
	}
	//the intermediate /a/b inherits /a's permissions and target
	r, res := tree.Resolve(`/`, `/a/b`)
	if !res.OK() || !r.IsNode() {
		t.Fatal("intermediate did not resolve to a node")
	}
	if !r.Perms.Has(PermRead | PermWrite) {
		t.Fatal("intermediate below recursive mount lost permissions", r.Perms)
	}
	if r.NativePath != filepath.Join(`/native/a`, `b`) {
		t.Fatal("intermediate target not derived", r.NativePath)
	}
	//the deeper mount wins at its own path
	r, res = tree.Resolve(`/`, `/a/b/c`)
	if !res.OK() || !r.IsMountPoint() || r.NativePath != `/native/c` {
		t.Fatal("deep mount did not win")
	}
}

func TestRelativeResolution(t *testing.T) {
	tree, err := NewMountTree([]MountPoint{rwMount(`/`, `/srv/root`)})
	if err != nil {
		t.Fatal(err)
	}
	r, res := tree.Resolve(`/pub`, `file.txt`)
	if !res.OK() {
		t.Fatal(res.Kind)
	}
	if r.TVFSPath != `/pub/file.txt` {
		t.Fatal("bad composed tvfs path", r.TVFSPath)
	}
	if r.NativePath != filepath.Join(`/srv/root`, `pub`, `file.txt`) {
		t.Fatal("bad composed native path", r.NativePath)
	}
}
