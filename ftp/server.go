/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftp

import (
	"net"
	"sync"

	"github.com/gravwell/ftpd/auth"
	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/hostaddress"
	"github.com/gravwell/ftpd/tcp"
)

// Server ties the listeners, the authentication stack, and the live
// session registry together.
type Server struct {
	mtx      sync.Mutex
	lgr      *ftplog.Logger
	opts     Options
	auth     auth.Authenticator
	banner   *auth.Autobanner
	tcpSrv   *tcp.Server
	sessions map[string]*Session
	resolver natResolver
}

func NewServer(lgr *ftplog.Logger, opts Options, authenticator auth.Authenticator, banner *auth.Autobanner) *Server {
	opts.withDefaults()
	s := &Server{
		lgr:      lgr,
		opts:     opts,
		auth:     authenticator,
		banner:   banner,
		sessions: make(map[string]*Session),
	}
	s.tcpSrv = tcp.NewServer(lgr, opts.Binds, s.handleConn)
	if opts.TLSConfig != nil {
		s.tcpSrv.SetTLSConfig(opts.TLSConfig)
	}
	if opts.MaxConns > 0 {
		s.tcpSrv.SetMaxConns(opts.MaxConns)
	}
	if banner != nil {
		//banned sources are dropped before the greeting
		s.tcpSrv.SetRefuseFunc(func(peer hostaddress.Host) bool {
			return banner.IsBanned(peer)
		})
	}
	return s
}

func (s *Server) Start() error {
	return s.tcpSrv.Start()
}

func (s *Server) handleConn(conn net.Conn, bind tcp.BindSpec) {
	sess := newSession(s, conn, bind)
	s.mtx.Lock()
	s.sessions[sess.ID()] = sess
	s.mtx.Unlock()
	s.lgr.Info("session started",
		ftplog.KV(`session`, sess.ID()),
		ftplog.KV(`remote`, sess.Peer().String()))
	newCommander(sess).Run()
	s.lgr.Info("session finished", ftplog.KV(`session`, sess.ID()))
}

func (s *Server) dropSession(sess *Session) {
	s.mtx.Lock()
	delete(s.sessions, sess.ID())
	s.mtx.Unlock()
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.sessions)
}

// SessionInfo is the admin-facing view of one live session.
type SessionInfo struct {
	ID     string
	Remote string
	User   string
	Secure bool
}

// Sessions enumerates live sessions for the administrative surface.
func (s *Server) Sessions() []SessionInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		si := SessionInfo{
			ID:     sess.ID(),
			Remote: sess.Peer().String(),
			Secure: sess.IsSecure(),
		}
		if u := sess.User(); u != nil {
			si.User = u.Name()
		}
		out = append(out, si)
	}
	return out
}

// KickSession force-closes one session by id.
func (s *Server) KickSession(id string) bool {
	s.mtx.Lock()
	sess := s.sessions[id]
	s.mtx.Unlock()
	if sess == nil {
		return false
	}
	sess.Quit()
	return true
}

// Close stops the listeners and tears every session down.
func (s *Server) Close() error {
	err := s.tcpSrv.Close()
	s.mtx.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mtx.Unlock()
	for _, sess := range sessions {
		sess.Quit()
	}
	return err
}
