/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sysinfo logs a one-shot report about the host at startup.
package sysinfo

import (
	"fmt"
	"runtime"

	"github.com/crewjam/rfc5424"
	"github.com/gravwell/ftpd/ftplog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// LogStartupReport emits the host, OS, CPU and memory summary once.
func LogStartupReport(lgr *ftplog.Logger) {
	sds := []rfc5424.SDParam{
		ftplog.KV(`go`, runtime.Version()),
		ftplog.KV(`arch`, runtime.GOARCH),
	}
	if hi, err := host.Info(); err == nil {
		sds = append(sds,
			ftplog.KV(`os`, fmt.Sprintf("%s %s", hi.Platform, hi.PlatformVersion)),
			ftplog.KV(`kernel`, hi.KernelVersion),
			ftplog.KV(`hostname`, hi.Hostname),
		)
	}
	if n, err := cpu.Counts(true); err == nil {
		sds = append(sds, ftplog.KV(`cpus`, fmt.Sprintf("%d", n)))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sds = append(sds, ftplog.KV(`memory`, fmt.Sprintf("%d MiB", vm.Total/(1024*1024))))
	}
	lgr.Info(`system report`, sds...)
}
