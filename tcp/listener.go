/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tcp

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/hostaddress"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

type TLSMode int

const (
	TLSModeNone TLSMode = iota
	TLSModeAllow
	TLSModeRequire
	TLSModeImplicit
)

func (m TLSMode) String() string {
	switch m {
	case TLSModeNone:
		return `none`
	case TLSModeAllow:
		return `allow_tls`
	case TLSModeRequire:
		return `require_tls`
	case TLSModeImplicit:
		return `implicit_tls`
	}
	return `unknown`
}

func ParseTLSMode(s string) (TLSMode, error) {
	switch s {
	case ``, `none`:
		return TLSModeNone, nil
	case `allow_tls`, `allow`:
		return TLSModeAllow, nil
	case `require_tls`, `require`:
		return TLSModeRequire, nil
	case `implicit_tls`, `implicit`:
		return TLSModeImplicit, nil
	}
	return TLSModeNone, errors.New("unknown TLS mode " + s)
}

// BindSpec is one listening endpoint.
type BindSpec struct {
	Addr string //host:port
	Mode TLSMode
}

// ConnHandler receives every accepted (and, for implicit TLS, already
// wrapped) connection.  It runs on its own goroutine.
type ConnHandler func(c net.Conn, bind BindSpec)

// RefuseFunc is consulted before any byte is written to a freshly
// accepted connection; returning true drops it on the floor.  The
// autobanner plugs in here.
type RefuseFunc func(peer hostaddress.Host) bool

// Server owns a set of listening sockets and fans accepted
// connections out to the handler.
type Server struct {
	mtx      sync.Mutex
	lgr      *ftplog.Logger
	binds    []BindSpec
	handler  ConnHandler
	refuse   RefuseFunc
	tlsCfg   *tls.Config
	maxConns int
	lns      []net.Listener
	eg       errgroup.Group
	running  bool
}

func NewServer(lgr *ftplog.Logger, binds []BindSpec, handler ConnHandler) *Server {
	return &Server{
		lgr:     lgr,
		binds:   binds,
		handler: handler,
	}
}

// SetTLSConfig arms TLS for implicit binds and for later AUTH TLS
// upgrades performed by the handler.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.mtx.Lock()
	s.tlsCfg = cfg
	s.mtx.Unlock()
}

func (s *Server) SetRefuseFunc(f RefuseFunc) {
	s.mtx.Lock()
	s.refuse = f
	s.mtx.Unlock()
}

// SetMaxConns caps concurrently accepted connections per bind.
func (s *Server) SetMaxConns(n int) {
	s.mtx.Lock()
	s.maxConns = n
	s.mtx.Unlock()
}

func (s *Server) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running {
		return errors.New("already running")
	}
	for _, bind := range s.binds {
		ln, err := net.Listen(`tcp`, bind.Addr)
		if err != nil {
			for _, l := range s.lns {
				l.Close()
			}
			s.lns = nil
			return err
		}
		if s.maxConns > 0 {
			ln = netutil.LimitListener(ln, s.maxConns)
		}
		s.lns = append(s.lns, ln)
		b := bind
		l := ln
		s.eg.Go(func() error {
			return s.acceptLoop(l, b)
		})
		s.lgr.Info("listening", ftplog.KV(`address`, bind.Addr), ftplog.KV(`tls`, bind.Mode.String()))
	}
	s.running = true
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, bind BindSpec) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mtx.Lock()
		refuse := s.refuse
		tlsCfg := s.tlsCfg
		s.mtx.Unlock()
		if refuse != nil && refuse(hostaddress.FromNetAddr(c.RemoteAddr())) {
			//banned source, close before the greeting goes out
			c.Close()
			continue
		}
		if bind.Mode == TLSModeImplicit {
			if tlsCfg == nil {
				s.lgr.Error("implicit TLS bind without a TLS config", ftplog.KV(`address`, bind.Addr))
				c.Close()
				continue
			}
			c = tls.Server(c, tlsCfg)
		}
		go s.handler(c, bind)
	}
}

// Close shuts down all listeners and waits for the accept loops.
// Connections already handed to the handler are not touched.
func (s *Server) Close() error {
	s.mtx.Lock()
	lns := s.lns
	s.lns = nil
	s.running = false
	s.mtx.Unlock()
	for _, ln := range lns {
		ln.Close()
	}
	return s.eg.Wait()
}
