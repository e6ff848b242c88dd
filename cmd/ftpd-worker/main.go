/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// ftpd-worker is the impersonation subprocess: it is spawned by ftpd
// under a different OS identity and performs file IO on its behalf.
// It refuses to run unless handed the magic argv sentinel and the two
// channel descriptors.
package main

import (
	"os"

	"github.com/gravwell/ftpd/impersonate"
)

func main() {
	os.Exit(impersonate.RunWorker(os.Args[1:]))
}
