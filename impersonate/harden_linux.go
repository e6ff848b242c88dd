/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package impersonate

import (
	"golang.org/x/sys/unix"
)

// hardenWorker makes the worker unattachable by a different-EUID
// tracer before any credential material is touched.
func hardenWorker() error {
	return unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0)
}
