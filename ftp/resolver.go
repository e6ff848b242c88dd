/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftp

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// The NAT-traversal override hostname for passive mode is resolved on
// the caller's goroutine, so a slow resolver delays the PASV reply by up
// to the query timeout; results are cached briefly since PASV tends to
// arrive in bursts.

const (
	resolveTimeout  = 5 * time.Second
	resolveCacheTTL = time.Minute
)

var errNoAddress = errors.New("hostname resolved to no usable address")

type natResolver struct {
	mtx     sync.Mutex
	cached  string
	name    string
	expires time.Time
}

// Resolve returns the IPv4 literal for name.  It prefers a direct DNS
// query and falls back to the system resolver.
func (nr *natResolver) Resolve(name string) (string, error) {
	//an IP literal needs no resolution
	if ip := net.ParseIP(name); ip != nil {
		return name, nil
	}
	now := time.Now()
	nr.mtx.Lock()
	if nr.name == name && now.Before(nr.expires) {
		addr := nr.cached
		nr.mtx.Unlock()
		return addr, nil
	}
	nr.mtx.Unlock()
	addr, err := queryA(name)
	if err != nil {
		addr, err = lookupFallback(name)
		if err != nil {
			return ``, err
		}
	}
	nr.mtx.Lock()
	nr.name = name
	nr.cached = addr
	nr.expires = now.Add(resolveCacheTTL)
	nr.mtx.Unlock()
	return addr, nil
}

func queryA(name string) (string, error) {
	conf, err := dns.ClientConfigFromFile(`/etc/resolv.conf`)
	if err != nil || len(conf.Servers) == 0 {
		return ``, errNoAddress
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	cl := &dns.Client{Timeout: resolveTimeout}
	for _, server := range conf.Servers {
		in, _, qerr := cl.Exchange(m, net.JoinHostPort(server, conf.Port))
		if qerr != nil || in == nil {
			continue
		}
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A.String(), nil
			}
		}
	}
	return ``, errNoAddress
}

func lookupFallback(name string) (string, error) {
	ips, err := net.LookupIP(name)
	if err != nil {
		return ``, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return ``, errNoAddress
}

// isLocalPeer reports whether the peer address is on the loopback or a
// private LAN range, where the NAT override would misroute the data
// connection.
func isLocalPeer(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
