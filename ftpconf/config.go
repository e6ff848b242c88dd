/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftpconf

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gravwell/gcfg"
)

const (
	defaultLogLevel = `INFO`

	envConfigRoot = `FTPD_CONFIG_ROOT`
	envLogLevel   = `FTPD_LOG_LEVEL`
)

// BootstrapConfig is the gcfg file handed to the process: where the
// config root lives, how to log, and the certificate material for the
// admin-provisioned (non-ACME) case.
//
// A minimal file looks like:
//
//	[global]
//	Config-Root=/var/lib/ftpd
//	Log-Level=INFO
//	Log-File=/var/log/ftpd/ftpd.log
type BootstrapConfig struct {
	Global struct {
		Config_Root      string
		Log_Level        string
		Log_File         string
		Worker_Path      string
		TLS_Cert_File    string
		TLS_Key_File     string
		ACME_Account     string
		ACME_Hostnames   []string
		Max_Connections  int
	}
}

// LoadBootstrap reads and verifies the bootstrap config, applying
// environment overrides.
func LoadBootstrap(path string) (*BootstrapConfig, error) {
	var bc BootstrapConfig
	if err := gcfg.ReadFileInto(&bc, path); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if v := os.Getenv(envConfigRoot); v != `` {
		bc.Global.Config_Root = v
	}
	if v := os.Getenv(envLogLevel); v != `` {
		bc.Global.Log_Level = v
	}
	if err := bc.Verify(); err != nil {
		return nil, err
	}
	return &bc, nil
}

func (bc *BootstrapConfig) Verify() error {
	if bc.Global.Config_Root == `` {
		return errors.New("Config-Root is required")
	}
	if bc.Global.Log_Level == `` {
		bc.Global.Log_Level = defaultLogLevel
	}
	bc.Global.Log_Level = strings.ToUpper(bc.Global.Log_Level)
	if (bc.Global.TLS_Cert_File == ``) != (bc.Global.TLS_Key_File == ``) {
		return errors.New("TLS-Cert-File and TLS-Key-File must be set together")
	}
	return nil
}
