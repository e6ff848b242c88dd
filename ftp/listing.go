/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftp

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gravwell/ftpd/tvfs"
)

// Three serializers run over an entry iterator: machine-readable MLSD
// facts, a unix-like long listing, and bare names for NLST.

var mlstDefaultFacts = []string{`type`, `size`, `modify`, `perm`, `UNIX.mode`}

// mlstLine renders one RFC 3659 fact line.  facts selects which facts
// are emitted; cdir marks the listed directory itself.
func mlstLine(ent tvfs.Entry, facts map[string]bool, cdir bool) string {
	var sb strings.Builder
	emit := func(name, val string) {
		if facts[strings.ToLower(name)] {
			sb.WriteString(name)
			sb.WriteByte('=')
			sb.WriteString(val)
			sb.WriteByte(';')
		}
	}
	switch {
	case cdir:
		emit(`type`, `cdir`)
	case ent.Type == tvfs.EntryDir:
		emit(`type`, `dir`)
	case ent.Type == tvfs.EntryLink:
		emit(`type`, `OS.unix=symlink`)
	default:
		emit(`type`, `file`)
	}
	if ent.Type == tvfs.EntryFile {
		emit(`size`, fmt.Sprintf("%d", ent.Size))
	}
	if !ent.MTime.IsZero() {
		emit(`modify`, ent.MTime.UTC().Format(`20060102150405`))
	}
	emit(`perm`, permFact(ent))
	if ent.Mode != 0 {
		emit(`UNIX.mode`, fmt.Sprintf("0%o", ent.Mode.Perm()))
	}
	sb.WriteByte(' ')
	sb.WriteString(ent.TVFSName)
	return sb.String()
}

// permFact derives the RFC 3659 perm fact letters from the evaluated
// TVFS permissions.
func permFact(ent tvfs.Entry) string {
	var sb strings.Builder
	dir := ent.Type == tvfs.EntryDir
	p := ent.Perms
	if !dir && p.Has(tvfs.PermWrite) {
		sb.WriteByte('a') //APPE
	}
	if dir && p.Has(tvfs.PermWrite) {
		sb.WriteByte('c') //files may be created here
	}
	if p.Has(tvfs.PermRemove) {
		sb.WriteByte('d')
	}
	if dir && p&(tvfs.PermRead|tvfs.PermListMounts) != 0 {
		sb.WriteByte('e') //may CWD in
		sb.WriteByte('l') //may be listed
	}
	if p.Has(tvfs.PermRename) {
		sb.WriteByte('f')
	}
	if dir && p.Has(tvfs.PermWrite|tvfs.PermAllowStructureModification) {
		sb.WriteByte('m') //MKD
	}
	if !dir && p.Has(tvfs.PermRead) {
		sb.WriteByte('r')
	}
	if !dir && p.Has(tvfs.PermWrite) {
		sb.WriteByte('w')
	}
	return sb.String()
}

// longLine renders one unix-style LIST line.
func longLine(ent tvfs.Entry, now time.Time) string {
	mode := ent.Mode
	if mode == 0 && ent.Type == tvfs.EntryDir {
		mode = os.ModeDir | 0755
	}
	ts := `Jan  1  1970`
	if !ent.MTime.IsZero() {
		//recent files show the clock time, older ones the year
		if now.Sub(ent.MTime) < 182*24*time.Hour && ent.MTime.Before(now.Add(24*time.Hour)) {
			ts = ent.MTime.UTC().Format(`Jan _2 15:04`)
		} else {
			ts = ent.MTime.UTC().Format(`Jan _2  2006`)
		}
	}
	return fmt.Sprintf("%s %3d %-8s %-8s %12d %s %s",
		modeString(mode, ent.Type), 1, `ftp`, `ftp`, ent.Size, ts, ent.TVFSName)
}

func modeString(mode os.FileMode, typ tvfs.EntryType) string {
	b := []byte(`----------`)
	switch typ {
	case tvfs.EntryDir:
		b[0] = 'd'
	case tvfs.EntryLink:
		b[0] = 'l'
	}
	perm := mode.Perm()
	syms := []byte(`rwxrwxrwx`)
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			b[i+1] = syms[i]
		}
	}
	return string(b)
}
