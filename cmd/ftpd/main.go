/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravwell/ftpd/acmed"
	"github.com/gravwell/ftpd/auth"
	"github.com/gravwell/ftpd/ftp"
	"github.com/gravwell/ftpd/ftpconf"
	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/sysinfo"
	"github.com/gravwell/ftpd/tcp"
)

var (
	confLoc = flag.String("config-file", `/etc/ftpd/ftpd.conf`, "Location of the bootstrap configuration file")
	stderr  = flag.Bool("stderr", false, "Log to stderr instead of the configured log file")
	ver     = flag.Bool("version", false, "Print the version and exit")
)

const version = `1.0.0`

func main() {
	flag.Parse()
	if *ver {
		fmt.Printf("ftpd %s\n", version)
		return
	}
	bc, err := ftpconf.LoadBootstrap(*confLoc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(-1)
	}
	var lgr *ftplog.Logger
	if *stderr || bc.Global.Log_File == `` {
		lgr = ftplog.New(os.Stderr)
		lgr.EnableRawMode()
	} else if lgr, err = ftplog.NewFile(bc.Global.Log_File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(-1)
	}
	if err = lgr.SetLevelString(bc.Global.Log_Level); err != nil {
		lgr.Fatalf("invalid log level %s", bc.Global.Log_Level)
	}
	sysinfo.LogStartupReport(lgr)

	store, err := ftpconf.OpenStore(lgr, bc.Global.Config_Root)
	if err != nil {
		lgr.Fatalf("failed to open configuration store: %v", err)
	}
	defer store.Close()
	settings := store.Settings()

	//authentication stack: file-backed core, throttling layer,
	//autobanner fed by genuine failures
	banOpts := auth.DefaultBanOptions()
	if settings.Ban != nil {
		banOpts = auth.BanOptions{
			MaxFailures: settings.Ban.MaxFailures,
			Window:      settings.Ban.Window.Duration(),
			BanDuration: settings.Ban.Duration.Duration(),
		}
	}
	banner := auth.NewAutobanner(lgr, banOpts)
	defer banner.Close()

	workerPath := bc.Global.Worker_Path
	if workerPath == `` {
		if exe, lerr := os.Executable(); lerr == nil {
			workerPath = exe + `-worker`
		}
	}
	fb := auth.NewFileBacked(lgr, workerPath, nil, func() {
		store.ScheduleSave(`users`)
	})
	fb.UpdateConfig(store.Users(), store.Groups())

	thOpts := auth.DefaultThrottleOptions()
	if settings.Throttle != nil {
		thOpts = auth.ThrottleOptions{
			Delay:       settings.Throttle.Delay.Duration(),
			Cap:         settings.Throttle.Cap.Duration(),
			MaxFailures: settings.Throttle.MaxFailures,
			Window:      settings.Throttle.Window.Duration(),
		}
	}
	authenticator := auth.NewThrottled(lgr, fb, thOpts)
	authenticator.SetFailureCallback(banner.RecordFailure)
	defer authenticator.Close()

	//certificate material: provisioned files, or the ACME store
	var tlsCfg *tls.Config
	acmeStore := acmed.Store{Root: bc.Global.Config_Root}
	if bc.Global.TLS_Cert_File != `` {
		cert, lerr := tls.LoadX509KeyPair(bc.Global.TLS_Cert_File, bc.Global.TLS_Key_File)
		if lerr != nil {
			lgr.Fatalf("failed to load TLS keypair: %v", lerr)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else if bc.Global.ACME_Account != `` && len(bc.Global.ACME_Hostnames) > 0 {
		ci := acmed.CertInfo{AccountID: bc.Global.ACME_Account, Hostnames: bc.Global.ACME_Hostnames}
		cert, lerr := tls.LoadX509KeyPair(acmeStore.CertPath(ci), acmeStore.KeyPath(ci))
		if lerr != nil {
			lgr.Fatalf("failed to load ACME certificate: %v", lerr)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	//the renewal daemon runs whenever an ACME certificate is in use
	var daemon *acmed.Daemon
	if bc.Global.ACME_Account != `` && len(bc.Global.ACME_Hostnames) > 0 {
		daemon = acmed.NewDaemon(lgr, nil)
		daemon.SetClient(acmed.NewProtoClient(daemon, nil))
		daemon.SetRootPath(bc.Global.Config_Root)
		daemon.SetCertificateUsedStatus(acmed.CertInfo{
			AccountID: bc.Global.ACME_Account,
			Hostnames: bc.Global.ACME_Hostnames,
		}, true)
		defer daemon.Close()
	}

	opts := ftp.Options{
		TLSConfig:             tlsCfg,
		Greeting:              settings.Greeting,
		PassivePortMin:        settings.PassivePortMin,
		PassivePortMax:        settings.PassivePortMax,
		NATHost:               settings.NATHost,
		SkipNATForLocal:       settings.SkipNATForLocal,
		LoginTimeout:          settings.LoginTimeout.Duration(),
		ActivityTimeout:       settings.ActivityTimeout.Duration(),
		RequireDataResumption: true,
		MaxConns:              bc.Global.Max_Connections,
	}
	if settings.SessionLimits != nil {
		opts.SessionDownloadBps = int64(settings.SessionLimits.Download)
		opts.SessionUploadBps = int64(settings.SessionLimits.Upload)
	}
	for _, l := range settings.Listeners {
		mode, merr := tcp.ParseTLSMode(l.TLSMode)
		if merr != nil {
			lgr.Fatalf("listener %s: %v", l.Address, merr)
		}
		opts.Binds = append(opts.Binds, tcp.BindSpec{Addr: l.Address, Mode: mode})
	}
	if len(opts.Binds) == 0 {
		opts.Binds = []tcp.BindSpec{{Addr: `:21`, Mode: tcp.TLSModeAllow}}
	}

	srv := ftp.NewServer(lgr, opts, authenticator, banner)
	store.SetOnReload(func() {
		fb.UpdateConfig(store.Users(), store.Groups())
	})
	if err = srv.Start(); err != nil {
		lgr.Fatalf("failed to start FTP service: %v", err)
	}
	lgr.Infof("ftpd %s started", version)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	lgr.Infof("shutting down")
	srv.Close()
}
