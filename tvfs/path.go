/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tvfs

import (
	"runtime"
	"strings"
)

// TVFS paths are unix style: '/' separated, absolute once composed
// with the current directory, canonical after '.' and '..' folding.

// Canonicalize composes cwd and p, validates the result and returns
// its path elements.  '.' components are dropped and '..' pops with a
// floor at the root, so a path made only of dot components resolves to
// the root.  cwd must already be canonical and absolute.
func Canonicalize(cwd, p string) ([]string, bool) {
	if strings.IndexByte(p, 0) >= 0 {
		return nil, false
	}
	if !strings.HasPrefix(p, "/") {
		p = cwd + "/" + p
	}
	var elems []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case ``, `.`:
			//fold
		case `..`:
			if len(elems) > 0 {
				elems = elems[:len(elems)-1]
			}
		default:
			if !validComponent(seg) {
				return nil, false
			}
			elems = append(elems, seg)
		}
	}
	return elems, true
}

// Join renders canonical elements back into an absolute unix path.
func Join(elems []string) string {
	if len(elems) == 0 {
		return "/"
	}
	return "/" + strings.Join(elems, "/")
}

// Parent returns the canonical parent of a canonical path.
func Parent(p string) string {
	if p == "/" || p == "" {
		return "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// BaseName returns the last element of a canonical path.
func BaseName(p string) string {
	if p == "/" || p == "" {
		return ""
	}
	return p[strings.LastIndexByte(p, '/')+1:]
}

func validComponent(seg string) bool {
	if seg == `` || seg == `.` || seg == `..` {
		return false
	}
	if strings.IndexByte(seg, 0) >= 0 {
		return false
	}
	if runtime.GOOS == `windows` {
		if strings.ContainsAny(seg, `<>:"|?*\`) {
			return false
		}
		//windows rejects components ending in a dot or a space
		if strings.HasSuffix(seg, `.`) || strings.HasSuffix(seg, ` `) {
			return false
		}
	}
	return true
}
