/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftp

import (
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravwell/ftpd/auth"
	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/hostaddress"
	"github.com/gravwell/ftpd/receiver"
	"github.com/gravwell/ftpd/tcp"
	"github.com/gravwell/ftpd/tvfs"
	"golang.org/x/time/rate"
)

const (
	passiveBindAttempts = 15
	dataAcceptTimeout   = 30 * time.Second
	dataDialTimeout     = 30 * time.Second
	tlsHandshakeTimeout = 30 * time.Second
)

var (
	ErrPeerMismatch  = errors.New("data connection peer does not match control peer")
	ErrNoDataChannel = errors.New("no data channel prepared")
	ErrNotResumed    = errors.New("data connection did not resume the control TLS session")
	ErrSessionClosed = errors.New("session is closed")
)

// Options configure the FTP service.
type Options struct {
	Binds                 []tcp.BindSpec
	TLSConfig             *tls.Config
	PassivePortMin        int
	PassivePortMax        int
	NATHost               string
	SkipNATForLocal       bool
	LoginTimeout          time.Duration
	ActivityTimeout       time.Duration
	RequireTLSBeforeUser  bool
	RequireDataResumption bool
	SessionDownloadBps    int64
	SessionUploadBps      int64
	RepeatReplyCode       bool
	Greeting              string
	MaxConns              int
}

func (o *Options) withDefaults() {
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = time.Minute
	}
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = 15 * time.Minute
	}
	if o.Greeting == `` {
		o.Greeting = `ftpd ready`
	}
}

type transferDir int

const (
	transferDownload transferDir = iota //server to client
	transferUpload
)

// Session owns the socket pair of one client: the control channel, the
// per-transfer data channel, the rate limiter wiring, and the TLS
// state shared between the two.
type Session struct {
	id   uuid.UUID
	srv  *Server
	lgr  *ftplog.Logger
	opts *Options
	bind tcp.BindSpec

	mtx     sync.Mutex
	cc      *tcp.CompoundConn
	conn    net.Conn //control conn as seen by the commander (tls or plain)
	secured bool
	peer    hostaddress.Host
	localIP net.IP

	user   *auth.SharedUser
	subID  uint64
	engine *tvfs.Engine

	loop    *receiver.Loop
	handler *receiver.Handler

	sessDl *rate.Limiter
	sessUl *rate.Limiter

	dataLn   net.Listener
	dataConn net.Conn
	active   *hostaddress.Host
	prot     byte //C or P
	closed   bool
}

func newSession(srv *Server, raw net.Conn, bind tcp.BindSpec) *Session {
	cc := tcp.NewCompoundConn(raw)
	s := &Session{
		id:     uuid.New(),
		srv:    srv,
		lgr:    srv.lgr,
		opts:   &srv.opts,
		bind:   bind,
		cc:     cc,
		conn:   cc,
		peer:   hostaddress.FromNetAddr(raw.RemoteAddr()),
		loop:   receiver.NewLoop(),
		sessDl: tcp.NewLimiter(srv.opts.SessionDownloadBps, 0),
		sessUl: tcp.NewLimiter(srv.opts.SessionUploadBps, 0),
		prot:   'C',
	}
	s.handler = receiver.NewHandler(s.loop)
	if ta, ok := raw.LocalAddr().(*net.TCPAddr); ok {
		s.localIP = ta.IP
	}
	if _, ok := raw.(*tls.Conn); ok {
		//implicit TLS arrives already wrapped by the listener
		s.secured = true
	}
	return s
}

func (s *Session) ID() string {
	return s.id.String()
}

func (s *Session) Peer() hostaddress.Host {
	return s.peer
}

// IsSecure reports whether the control channel runs under TLS.
func (s *Session) IsSecure() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.secured
}

// SecureControl upgrades the control channel after AUTH TLS; the reply
// must already be on the wire when this runs.
func (s *Session) SecureControl() error {
	s.mtx.Lock()
	if s.secured {
		s.mtx.Unlock()
		return errors.New("control channel already secured")
	}
	cfg := s.opts.TLSConfig
	under := s.conn
	s.mtx.Unlock()
	if cfg == nil {
		return errors.New("no TLS configuration")
	}
	tc := tls.Server(under, cfg)
	tc.SetDeadline(time.Now().Add(tlsHandshakeTimeout))
	if err := tc.Handshake(); err != nil {
		return err
	}
	tc.SetDeadline(time.Time{})
	s.mtx.Lock()
	s.conn = tc
	s.secured = true
	s.mtx.Unlock()
	return nil
}

// Conn returns the current control connection.
func (s *Session) Conn() net.Conn {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.conn
}

// SetProt arms ('P') or disarms ('C') data channel protection.
func (s *Session) SetProt(p byte) {
	s.mtx.Lock()
	s.prot = p
	s.mtx.Unlock()
}

func (s *Session) Prot() byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.prot
}

// AttachUser installs the authenticated shared user: the TVFS engine
// is built over its namespace and backend, and the session subscribes
// to the invalidation signal so it quits when the account goes away.
func (s *Session) AttachUser(su *auth.SharedUser) {
	s.mtx.Lock()
	s.user = su
	s.engine = tvfs.NewEngine(su.MountTree(), su.Backend())
	s.mtx.Unlock()
	s.subID = su.Subscribe(func() {
		s.lgr.Info("shared user invalidated, closing session", ftplog.KV(`session`, s.ID()))
		s.Quit()
	})
}

func (s *Session) User() *auth.SharedUser {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.user
}

func (s *Session) Engine() *tvfs.Engine {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.engine
}

// IsAuthenticated reports whether a live user is attached.
func (s *Session) IsAuthenticated() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.user != nil && !s.user.Invalidated()
}

// HasDataChannel reports whether a data socket or listener exists.
func (s *Session) HasDataChannel() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.dataLn != nil || s.dataConn != nil
}

// PreparePassive binds a listening socket for the next transfer and
// returns the advertised address.  A configured port range is leased
// at random positions; the NAT override hostname substitutes the
// advertised IP unless the peer is local.
func (s *Session) PreparePassive() (hostaddress.Host, error) {
	s.CloseData()
	var ln net.Listener
	var err error
	bindIP := ``
	if s.localIP != nil {
		bindIP = s.localIP.String()
	}
	if s.opts.PassivePortMin > 0 && s.opts.PassivePortMax >= s.opts.PassivePortMin {
		span := s.opts.PassivePortMax - s.opts.PassivePortMin + 1
		for i := 0; i < passiveBindAttempts; i++ {
			port := s.opts.PassivePortMin + rand.Intn(span)
			ln, err = net.Listen(`tcp`, net.JoinHostPort(bindIP, strconv.Itoa(port)))
			if err == nil {
				break
			}
		}
		if ln == nil {
			return hostaddress.Host{}, err
		}
	} else {
		if ln, err = net.Listen(`tcp`, net.JoinHostPort(bindIP, `0`)); err != nil {
			return hostaddress.Host{}, err
		}
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	s.mtx.Lock()
	s.dataLn = ln
	s.active = nil
	s.mtx.Unlock()

	advertised := s.localIP
	if s.opts.NATHost != `` {
		skip := false
		if s.opts.SkipNATForLocal {
			if a, ok := s.peer.IPv4(); ok {
				skip = isLocalPeer(net.IPv4(a[0], a[1], a[2], a[3]))
			}
		}
		if !skip {
			if resolved, rerr := s.srv.resolver.Resolve(s.opts.NATHost); rerr == nil {
				if ip := net.ParseIP(resolved); ip != nil {
					advertised = ip
				}
			} else {
				s.lgr.Warn("failed to resolve passive-mode hostname",
					ftplog.KV(`host`, s.opts.NATHost), ftplog.KV(`error`, rerr.Error()))
			}
		}
	}
	return hostaddress.FromNetIP(advertised, port), nil
}

// PrepareActive stores the PORT/EPRT target for the next transfer.
func (s *Session) PrepareActive(target hostaddress.Host) {
	s.CloseData()
	s.mtx.Lock()
	s.active = &target
	s.mtx.Unlock()
}

// OpenDataConn establishes the data connection for one transfer:
// accept (passive) or dial (active), peer verification, optional TLS
// with required session resumption, and the limiter stack for the
// transfer direction.
func (s *Session) OpenDataConn(dir transferDir) (net.Conn, error) {
	s.mtx.Lock()
	ln := s.dataLn
	active := s.active
	prot := s.prot
	secured := s.secured
	s.mtx.Unlock()
	var conn net.Conn
	var err error
	switch {
	case ln != nil:
		type deadliner interface {
			SetDeadline(time.Time) error
		}
		if d, ok := ln.(deadliner); ok {
			d.SetDeadline(time.Now().Add(dataAcceptTimeout))
		}
		conn, err = ln.Accept()
		ln.Close()
		s.mtx.Lock()
		s.dataLn = nil
		s.mtx.Unlock()
		if err != nil {
			return nil, err
		}
		//the data peer must be the control peer, anything else is an
		//injection attempt
		if !hostaddress.FromNetAddr(conn.RemoteAddr()).Equivalent(s.peer, false) {
			conn.Close()
			return nil, ErrPeerMismatch
		}
	case active != nil:
		dialer := net.Dialer{Timeout: dataDialTimeout}
		conn, err = dialer.Dial(`tcp`, net.JoinHostPort(active.String(), strconv.Itoa(int(active.Port()))))
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoDataChannel
	}

	//shape before securing so the handshake is shaped too
	cc := tcp.NewCompoundConn(conn)
	s.applyLimiters(cc, dir)
	conn = cc

	if prot == 'P' {
		cfg := s.opts.TLSConfig
		if cfg == nil {
			conn.Close()
			return nil, errors.New("no TLS configuration for protected data channel")
		}
		tc := tls.Server(conn, cfg)
		tc.SetDeadline(time.Now().Add(tlsHandshakeTimeout))
		if err = tc.Handshake(); err != nil {
			tc.Close()
			return nil, err
		}
		tc.SetDeadline(time.Time{})
		if secured && s.opts.RequireDataResumption && !tc.ConnectionState().DidResume {
			tc.Close()
			return nil, ErrNotResumed
		}
		conn = tc
	}
	s.mtx.Lock()
	s.dataConn = conn
	s.mtx.Unlock()
	return conn, nil
}

// applyLimiters wires the session limiter plus the user's and all
// group limiters onto a data connection.
func (s *Session) applyLimiters(cc *tcp.CompoundConn, dir transferDir) {
	var lms []*rate.Limiter
	s.mtx.Lock()
	user := s.user
	s.mtx.Unlock()
	if dir == transferDownload {
		lms = append(lms, s.sessDl)
		if user != nil {
			lms = append(lms, user.DownloadLimiters()...)
		}
	} else {
		lms = append(lms, s.sessUl)
		if user != nil {
			lms = append(lms, user.UploadLimiters()...)
		}
	}
	cc.SetLimiters(lms...)
}

// RefreshLimiters rewires a live data connection after group or limit
// changes.
func (s *Session) RefreshLimiters(dir transferDir) {
	s.mtx.Lock()
	conn := s.dataConn
	s.mtx.Unlock()
	if cc, ok := conn.(*tcp.CompoundConn); ok {
		s.applyLimiters(cc, dir)
	}
}

// CloseData tears down the data listener and socket.
func (s *Session) CloseData() {
	s.mtx.Lock()
	ln := s.dataLn
	conn := s.dataConn
	s.dataLn = nil
	s.dataConn = nil
	s.mtx.Unlock()
	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// AbortData closes the live data socket, failing an in-flight
// transfer.
func (s *Session) AbortData() bool {
	s.mtx.Lock()
	conn := s.dataConn
	s.dataConn = nil
	s.mtx.Unlock()
	if conn != nil {
		conn.Close()
		return true
	}
	return false
}

// Quit closes everything; the command loop notices the dead control
// socket and unwinds.
func (s *Session) Quit() {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mtx.Unlock()
	s.CloseData()
	if conn != nil {
		conn.Close()
	}
}

// teardown releases the user reference and the event plumbing; runs
// once, after the command loop returns.
func (s *Session) teardown() {
	s.Quit()
	s.mtx.Lock()
	user := s.user
	subID := s.subID
	s.user = nil
	s.mtx.Unlock()
	if user != nil {
		user.Unsubscribe(subID)
		user.Release()
	}
	s.srv.auth.StopOngoingAuthentications(s.handler)
	s.handler.StopReceiving()
	s.loop.Close()
	s.srv.dropSession(s)
}

// idleEOFExpected reports whether a read error on the control socket
// is just a client hanging up: idle, authenticated, no data channel.
// Those downgrade to debug logging.
func (s *Session) idleEOFExpected() bool {
	return s.IsAuthenticated() && !s.HasDataChannel()
}
