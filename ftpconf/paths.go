/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ftpconf loads and persists the server configuration: a small
// gcfg bootstrap file for the process itself, and XML documents for
// users, groups and settings under the config root.
package ftpconf

import (
	"os"
	"path/filepath"
)

// Paths derives the well-known layout under the config root.  All
// directories are created on demand.
type Paths struct {
	Root string
}

func (p Paths) UsersFile() string {
	return filepath.Join(p.Root, `users.xml`)
}

func (p Paths) GroupsFile() string {
	return filepath.Join(p.Root, `groups.xml`)
}

func (p Paths) SettingsFile() string {
	return filepath.Join(p.Root, `settings.xml`)
}

func (p Paths) ACMEDir() string {
	return filepath.Join(p.Root, `acme`)
}

func (p Paths) LogsDir() string {
	return filepath.Join(p.Root, `logs`)
}

func (p Paths) BanListFile() string {
	return filepath.Join(p.Root, `banned.list`)
}

func (p Paths) LockFile() string {
	return filepath.Join(p.Root, `.ftpd.lock`)
}

// Ensure creates the directory layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Root, p.ACMEDir(), p.LogsDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	return nil
}
