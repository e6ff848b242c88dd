/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gravwell/ftpd/auth"
	"github.com/gravwell/ftpd/ftplog"
	"github.com/gravwell/ftpd/hostaddress"
	"github.com/gravwell/ftpd/tcp"
	"github.com/gravwell/ftpd/tvfs"
)

const (
	maxLineSize = 4096

	//consecutive permanent failures tolerated before login
	maxPreLoginStrikes = 5

	authStartTimeout  = 30 * time.Second
	authResultTimeout = 5 * time.Minute

	transferPollInterval = 200 * time.Millisecond
)

type cmdFlags uint16

const (
	needsArg cmdFlags = 1 << iota
	needsAuth
	needsSecurity
	trimArg
	mustBeLastInQueue
)

type command struct {
	handler func(*Commander, string)
	flags   cmdFlags
}

var commands map[string]command

func init() {
	commands = map[string]command{
		`USER`: {(*Commander).cmdUSER, needsArg | trimArg | mustBeLastInQueue},
		`PASS`: {(*Commander).cmdPASS, mustBeLastInQueue},
		`QUIT`: {(*Commander).cmdQUIT, 0},
		`NOOP`: {(*Commander).cmdNOOP, 0},
		`SYST`: {(*Commander).cmdSYST, 0},
		`FEAT`: {(*Commander).cmdFEAT, 0},
		`OPTS`: {(*Commander).cmdOPTS, needsArg},
		`CLNT`: {(*Commander).cmdCLNT, needsArg | trimArg},
		`HELP`: {(*Commander).cmdHELP, 0},
		`AUTH`: {(*Commander).cmdAUTH, needsArg | trimArg | mustBeLastInQueue},
		`PBSZ`: {(*Commander).cmdPBSZ, needsArg | trimArg | needsSecurity},
		`PROT`: {(*Commander).cmdPROT, needsArg | trimArg},
		`ADAT`: {(*Commander).cmdADAT, 0},
		`PWD`:  {(*Commander).cmdPWD, needsAuth},
		`CWD`:  {(*Commander).cmdCWD, needsAuth | needsArg | trimArg},
		`CDUP`: {(*Commander).cmdCDUP, needsAuth},
		`TYPE`: {(*Commander).cmdTYPE, needsArg | trimArg},
		`MODE`: {(*Commander).cmdMODE, needsArg | trimArg},
		`STRU`: {(*Commander).cmdSTRU, needsArg | trimArg},
		`PASV`: {(*Commander).cmdPASV, needsAuth},
		`EPSV`: {(*Commander).cmdEPSV, needsAuth},
		`PORT`: {(*Commander).cmdPORT, needsAuth | needsArg | trimArg},
		`EPRT`: {(*Commander).cmdEPRT, needsAuth | needsArg | trimArg},
		`LIST`: {(*Commander).cmdLIST, needsAuth | mustBeLastInQueue},
		`NLST`: {(*Commander).cmdNLST, needsAuth | mustBeLastInQueue},
		`MLSD`: {(*Commander).cmdMLSD, needsAuth | mustBeLastInQueue},
		`MLST`: {(*Commander).cmdMLST, needsAuth},
		`STAT`: {(*Commander).cmdSTAT, 0},
		`RETR`: {(*Commander).cmdRETR, needsAuth | needsArg | mustBeLastInQueue},
		`STOR`: {(*Commander).cmdSTOR, needsAuth | needsArg | mustBeLastInQueue},
		`APPE`: {(*Commander).cmdAPPE, needsAuth | needsArg | mustBeLastInQueue},
		`DELE`: {(*Commander).cmdDELE, needsAuth | needsArg},
		`RMD`:  {(*Commander).cmdRMD, needsAuth | needsArg},
		`MKD`:  {(*Commander).cmdMKD, needsAuth | needsArg},
		`RNFR`: {(*Commander).cmdRNFR, needsAuth | needsArg},
		`RNTO`: {(*Commander).cmdRNTO, needsAuth | needsArg},
		`SIZE`: {(*Commander).cmdSIZE, needsAuth | needsArg | trimArg},
		`MDTM`: {(*Commander).cmdMDTM, needsAuth | needsArg | trimArg},
		`MFMT`: {(*Commander).cmdMFMT, needsAuth | needsArg},
		`REST`: {(*Commander).cmdREST, needsArg | trimArg},
		`ABOR`: {(*Commander).cmdABOR, 0},
		`ALLO`: {(*Commander).cmdALLO, 0},
	}
}

// Commander owns one control channel: it frames commands, enforces the
// dispatch policy, and drives the session's data channel.
type Commander struct {
	s   *Session
	lgr *ftplog.Logger
	rd  *bufio.Reader

	authOp      auth.Operation
	authName    string
	authResults chan auth.Operation

	renameFrom  string
	haveRename  bool
	rest        int64
	epsvAll     bool
	strikes     int
	lastCode    int
	typ         byte
	utf8        bool
	pbszDone    bool
	mlstFacts   map[string]bool
	queue       []string
	partial     []byte
	moreQueued  bool
	aborted     bool
	quitting    bool
	loginAt     time.Time
	timedOut    bool
	lineTooLong bool
}

func newCommander(s *Session) *Commander {
	facts := make(map[string]bool, len(mlstDefaultFacts))
	for _, f := range mlstDefaultFacts {
		facts[strings.ToLower(f)] = true
	}
	return &Commander{
		s:           s,
		lgr:         s.lgr,
		rd:          bufio.NewReaderSize(s.Conn(), maxLineSize),
		authResults: make(chan auth.Operation, 4),
		typ:         'I',
		mlstFacts:   facts,
		loginAt:     time.Now(),
	}
}

func (c *Commander) reply(code int, text string) {
	r := newResponder(c.s.Conn(), c.lgr, c.s.ID(), c.s.opts.RepeatReplyCode)
	r.Start(code, text)
	r.Flush()
	c.lastCode = code
}

func (c *Commander) multi(code int, first string) *Responder {
	c.lastCode = code
	return newResponder(c.s.Conn(), c.lgr, c.s.ID(), c.s.opts.RepeatReplyCode).Start(code, first)
}

// Run processes the control channel until it dies.
func (c *Commander) Run() {
	defer c.s.teardown()
	c.reply(220, c.s.opts.Greeting)
	for {
		line, err := c.readLine(false)
		if err != nil {
			c.handleReadError(err)
			return
		}
		if !c.handleLine(line) {
			return
		}
		//drain anything that was queued during a transfer
		for len(c.queue) > 0 {
			q := c.queue[0]
			c.queue = c.queue[1:]
			c.moreQueued = len(c.queue) > 0
			ok := c.handleLine(q)
			c.moreQueued = false
			if !ok {
				return
			}
		}
	}
}

// readLine frames one CRLF-terminated command.  During transfers it is
// called with polling deadlines so ABOR can be noticed; otherwise the
// deadline implements the login and activity timeouts.  The login
// deadline runs from connection start and is never extended; the
// activity deadline is set afresh for each command line and is not
// extended by partial-line progress.
func (c *Commander) readLine(polling bool) (string, error) {
	conn := c.s.Conn()
	if polling {
		conn.SetReadDeadline(time.Now().Add(transferPollInterval))
	} else if !c.s.IsAuthenticated() {
		conn.SetReadDeadline(c.loginAt.Add(c.s.opts.LoginTimeout))
	} else {
		conn.SetReadDeadline(time.Now().Add(c.s.opts.ActivityTimeout))
	}
	line, err := c.rd.ReadSlice('\n')
	//a timed-out read hands back whatever it consumed, keep it for
	//the next call so polling cannot drop command fragments
	if len(line) > 0 {
		c.partial = append(c.partial, line...)
	}
	if err == bufio.ErrBufferFull || len(c.partial) > maxLineSize {
		c.lineTooLong = true
		if err == nil {
			err = bufio.ErrBufferFull
		}
		return ``, err
	}
	if err != nil {
		return ``, err
	}
	conn.SetReadDeadline(time.Time{})
	full := c.partial
	c.partial = nil
	return strings.TrimRight(string(full), "\r\n"), nil
}

func (c *Commander) handleReadError(err error) {
	if c.quitting {
		return
	}
	if c.lineTooLong {
		//oversized command lines reject the whole connection
		c.reply(500, `Command line too long.`)
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.timedOut = true
		c.reply(421, `Timeout.`)
		return
	}
	if err == io.EOF && c.s.idleEOFExpected() {
		c.lgr.Debug("client disconnected", ftplog.KV(`session`, c.s.ID()))
		return
	}
	c.lgr.Error("control channel error",
		ftplog.KV(`session`, c.s.ID()), ftplog.KV(`error`, err.Error()))
}

// handleLine parses and dispatches one command line; false closes the
// session.
func (c *Commander) handleLine(line string) bool {
	verb := line
	arg := ``
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb = line[:i]
		arg = line[i+1:]
	}
	verb = strings.ToUpper(verb)
	cmd, known := commands[verb]
	if !known {
		c.reply(500, `Command not recognized.`)
		return c.strike()
	}
	if cmd.flags&needsArg != 0 && arg == `` {
		c.reply(501, `Missing argument.`)
		return c.strike()
	}
	if cmd.flags&needsAuth != 0 && !c.s.IsAuthenticated() {
		c.reply(530, `Please log in first.`)
		return c.strike()
	}
	if cmd.flags&needsSecurity != 0 && !c.s.IsSecure() {
		c.reply(503, `Secure the control channel first.`)
		return c.strike()
	}
	if cmd.flags&mustBeLastInQueue != 0 && c.moreQueued {
		c.reply(503, `Bad sequence of commands.`)
		return c.strike()
	}
	if cmd.flags&trimArg != 0 {
		arg = strings.TrimSpace(arg)
	}
	cmd.handler(c, arg)
	if c.quitting {
		return false
	}
	return c.strike()
}

// strike implements the pre-login failure disconnect: five permanent
// failures in a row and the connection goes away.
func (c *Commander) strike() bool {
	if c.s.IsAuthenticated() {
		return true
	}
	if c.lastCode >= 500 {
		c.strikes++
		if c.strikes >= maxPreLoginStrikes {
			c.lgr.Warn("too many failed commands before login, disconnecting",
				ftplog.KV(`session`, c.s.ID()))
			return false
		}
	} else {
		c.strikes = 0
	}
	return true
}

func quotePath(p string) string {
	return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
}

// replyForResult maps a TVFS result kind onto the reply wire.
func (c *Commander) replyForResult(res tvfs.Result, action string) {
	switch res.Kind {
	case tvfs.KindNoPerm:
		c.reply(550, action+`: permission denied.`)
	case tvfs.KindNoFile:
		c.reply(550, action+`: no such file or directory.`)
	case tvfs.KindNoDir:
		c.reply(550, action+`: not a directory.`)
	case tvfs.KindNoSpace:
		c.reply(452, action+`: insufficient storage space.`)
	case tvfs.KindInvalid:
		c.reply(550, action+`: invalid path or operation.`)
	default:
		c.reply(550, action+`: failed.`)
	}
	if res.Err != nil {
		c.lgr.Debug("filesystem error",
			ftplog.KV(`session`, c.s.ID()),
			ftplog.KV(`action`, action),
			ftplog.KV(`error`, res.Err.Error()))
	}
}

func (c *Commander) cmdNOOP(arg string) {
	c.reply(200, `Zzz...`)
}

func (c *Commander) cmdQUIT(arg string) {
	c.reply(221, `Goodbye.`)
	c.quitting = true
}

func (c *Commander) cmdSYST(arg string) {
	c.reply(215, `UNIX Type: L8`)
}

func (c *Commander) cmdCLNT(arg string) {
	c.reply(200, `Noted.`)
}

func (c *Commander) cmdALLO(arg string) {
	c.reply(202, `No storage allocation necessary.`)
}

func (c *Commander) cmdADAT(arg string) {
	c.reply(502, `ADAT not implemented.`)
}

func (c *Commander) cmdHELP(arg string) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	r := c.multi(214, `The following commands are recognized.`)
	for i := 0; i < len(names); i += 8 {
		end := i + 8
		if end > len(names) {
			end = len(names)
		}
		r.Line(` ` + strings.Join(names[i:end], ` `))
	}
	r.Line(`Help ok.`)
	r.Flush()
}

func (c *Commander) cmdFEAT(arg string) {
	r := c.multi(211, `Features:`)
	r.Line(` AUTH TLS`)
	r.Line(` PBSZ`)
	r.Line(` PROT`)
	r.Line(` UTF8`)
	r.Line(` EPSV`)
	r.Line(` EPRT`)
	r.Line(` MDTM`)
	r.Line(` MFMT`)
	r.Line(` SIZE`)
	r.Line(` REST STREAM`)
	r.Line(` MODE Z`)
	r.Line(` TVFS`)
	r.Line(` MLST type*;size*;modify*;perm*;UNIX.mode*;`)
	r.Line(`End`)
	r.Flush()
}

func (c *Commander) cmdOPTS(arg string) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		c.reply(501, `Missing argument.`)
		return
	}
	switch strings.ToUpper(fields[0]) {
	case `UTF8`:
		if len(fields) == 2 && strings.EqualFold(fields[1], `ON`) {
			c.utf8 = true
			c.reply(200, `UTF8 mode enabled.`)
			return
		}
		//switching UTF-8 off is not supported
		c.reply(504, `UTF8 mode cannot be disabled.`)
	case `MLST`:
		enabled := make(map[string]bool)
		if len(fields) == 2 {
			for _, f := range strings.Split(fields[1], `;`) {
				f = strings.ToLower(strings.TrimSpace(f))
				if f == `` {
					continue
				}
				for _, known := range mlstDefaultFacts {
					if strings.ToLower(known) == f {
						enabled[f] = true
					}
				}
			}
		}
		c.mlstFacts = enabled
		var sb strings.Builder
		for _, known := range mlstDefaultFacts {
			if enabled[strings.ToLower(known)] {
				sb.WriteString(known)
				sb.WriteByte(';')
			}
		}
		c.reply(200, `MLST OPTS `+sb.String())
	default:
		c.reply(501, `Option not understood.`)
	}
}

func (c *Commander) cmdAUTH(arg string) {
	mech := strings.ToUpper(arg)
	if mech != `TLS` && mech != `SSL` {
		c.reply(504, `Unknown security mechanism.`)
		return
	}
	if c.s.IsSecure() {
		c.reply(534, `Control channel is already secure.`)
		return
	}
	if c.s.opts.TLSConfig == nil {
		c.reply(502, `TLS is not configured.`)
		return
	}
	//the reply must be on the wire before the handshake starts
	c.reply(234, `Using authentication type TLS.`)
	if err := c.s.SecureControl(); err != nil {
		c.lgr.Error("TLS handshake failed",
			ftplog.KV(`session`, c.s.ID()), ftplog.KV(`error`, err.Error()))
		c.quitting = true
		return
	}
	//the channel changed underneath, reframe
	c.rd = bufio.NewReaderSize(c.s.Conn(), maxLineSize)
	c.partial = nil
}

func (c *Commander) cmdPBSZ(arg string) {
	if arg != `0` {
		c.reply(501, `PBSZ=0 is the only accepted value.`)
		return
	}
	c.pbszDone = true
	c.reply(200, `PBSZ=0`)
}

func (c *Commander) cmdPROT(arg string) {
	level := strings.ToUpper(arg)
	secure := c.s.IsSecure()
	if !secure {
		c.reply(502, `Secure the control channel first.`)
		return
	}
	if !c.pbszDone {
		c.reply(503, `PBSZ must precede PROT.`)
		return
	}
	switch level {
	case `P`:
		c.s.SetProt('P')
		c.reply(200, `Protection level set to P.`)
	case `C`:
		//refusing to send plaintext data for a secured session
		c.reply(534, `Clear data connections are refused on a secure session.`)
	case `S`, `E`:
		c.reply(536, `Protection level not supported.`)
	default:
		c.reply(504, `Unknown protection level.`)
	}
}

func (c *Commander) cmdUSER(arg string) {
	if c.s.IsAuthenticated() {
		c.reply(503, `Already logged in.`)
		return
	}
	if c.s.opts.RequireTLSBeforeUser && !c.s.IsSecure() {
		c.reply(530, `TLS required before USER.`)
		return
	}
	if c.s.bind.Mode == tcp.TLSModeRequire && !c.s.IsSecure() {
		c.reply(530, `TLS required before USER.`)
		return
	}
	//a fresh USER supersedes any authentication in progress
	c.s.srv.auth.StopOngoingAuthentications(c.s.handler)
	c.drainAuthResults()
	c.authOp = nil
	c.authName = arg
	started := c.s.srv.auth.Authenticate(arg, c.s.peer.Family(), c.s.peer.String(), c.s.handler, func(op auth.Operation) {
		select {
		case c.authResults <- op:
		default:
		}
	})
	if !started {
		c.reply(421, `Service not available.`)
		c.quitting = true
		return
	}
	op, okw := c.waitAuthResult(authStartTimeout)
	if !okw {
		c.reply(421, `Authentication service timeout.`)
		c.quitting = true
		return
	}
	c.authOp = op
	c.reply(331, fmt.Sprintf("Password required for %s.", arg))
}

func (c *Commander) cmdPASS(arg string) {
	if c.s.IsAuthenticated() {
		c.reply(503, `Already logged in.`)
		return
	}
	if c.authOp == nil {
		c.reply(503, `Login with USER first.`)
		return
	}
	op := c.authOp
	if !op.Next([]auth.Method{auth.Password{Password: arg}}) {
		c.authOp = nil
		c.reply(530, `Login incorrect.`)
		return
	}
	res, okw := c.waitAuthResult(authResultTimeout)
	if !okw {
		c.reply(421, `Authentication service timeout.`)
		c.quitting = true
		return
	}
	if aerr := res.GetError(); !aerr.Ok() {
		c.authOp = nil
		switch aerr {
		case auth.ErrorInternal:
			c.reply(530, `Internal error.`)
		default:
			c.reply(530, `Login incorrect.`)
		}
		c.lgr.Info("login failed",
			ftplog.KV(`session`, c.s.ID()),
			ftplog.KV(`user`, c.authName),
			ftplog.KV(`reason`, aerr.String()))
		return
	}
	su := res.GetUser()
	if su == nil {
		//more methods demanded than we can offer
		c.authOp = res
		c.reply(530, `Authentication method not supported.`)
		return
	}
	c.authOp = nil
	c.s.AttachUser(su)
	c.lgr.Info("login ok",
		ftplog.KV(`session`, c.s.ID()), ftplog.KV(`user`, su.Name()))
	c.reply(230, fmt.Sprintf("Logged on as %s.", su.Name()))
}

func (c *Commander) drainAuthResults() {
	for {
		select {
		case <-c.authResults:
		default:
			return
		}
	}
}

func (c *Commander) waitAuthResult(timeout time.Duration) (auth.Operation, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case op := <-c.authResults:
		return op, true
	case <-t.C:
		return nil, false
	}
}

func (c *Commander) cmdPWD(arg string) {
	c.reply(257, quotePath(c.s.Engine().CurrentDirectory())+` is current directory.`)
}

func (c *Commander) cmdCWD(arg string) {
	p, res := c.s.Engine().SetCurrentDirectory(arg)
	if !res.OK() {
		c.replyForResult(res, `CWD`)
		return
	}
	c.reply(250, `CWD successful. `+quotePath(p)+` is current directory.`)
}

func (c *Commander) cmdCDUP(arg string) {
	p, res := c.s.Engine().SetCurrentDirectory(`..`)
	if !res.OK() {
		c.replyForResult(res, `CDUP`)
		return
	}
	c.reply(250, `CDUP successful. `+quotePath(p)+` is current directory.`)
}

func (c *Commander) cmdTYPE(arg string) {
	switch strings.ToUpper(arg) {
	case `A`, `A N`:
		c.typ = 'A'
		c.reply(200, `Type set to A.`)
	case `I`, `L 8`:
		c.typ = 'I'
		c.reply(200, `Type set to I.`)
	default:
		c.reply(504, `Type not supported.`)
	}
}

func (c *Commander) cmdMODE(arg string) {
	switch strings.ToUpper(arg) {
	case `S`:
		c.reply(200, `Mode set to S.`)
	case `Z`:
		//advertised but not enabled
		c.reply(504, `MODE Z is not enabled.`)
	case `B`, `C`:
		c.reply(504, `Mode not supported.`)
	default:
		c.reply(501, `Unknown mode.`)
	}
}

func (c *Commander) cmdSTRU(arg string) {
	if strings.EqualFold(arg, `F`) {
		c.reply(200, `Structure set to F.`)
		return
	}
	c.reply(504, `Structure not supported.`)
}

func (c *Commander) cmdREST(arg string) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n < 0 {
		c.reply(501, `Bad restart offset.`)
		return
	}
	c.rest = n
	c.reply(350, fmt.Sprintf("Restarting at %d. Send STOR or RETR to resume the transfer.", n))
}

func (c *Commander) takeRest() int64 {
	r := c.rest
	c.rest = 0
	return r
}

func (c *Commander) cmdPASV(arg string) {
	if c.epsvAll {
		c.reply(500, `PASV is disabled after EPSV ALL.`)
		return
	}
	h, err := c.s.PreparePassive()
	if err != nil {
		c.reply(425, `Can't open data connection.`)
		return
	}
	pasv, okh := h.PortCmdString()
	if !okh {
		//an IPv6 endpoint cannot be described by PASV
		c.s.CloseData()
		c.reply(425, `Use EPSV.`)
		return
	}
	c.reply(227, `Entering Passive Mode (`+pasv+`)`)
}

func (c *Commander) cmdEPSV(arg string) {
	if strings.EqualFold(arg, `ALL`) {
		c.epsvAll = true
		c.reply(200, `EPSV ALL ok.`)
		return
	}
	if arg != `` && arg != `1` && arg != `2` {
		c.reply(522, `Network protocol not supported, use (1,2).`)
		return
	}
	h, err := c.s.PreparePassive()
	if err != nil {
		c.reply(425, `Can't open data connection.`)
		return
	}
	c.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", h.Port()))
}

func (c *Commander) cmdPORT(arg string) {
	if c.epsvAll {
		c.reply(500, `PORT is disabled after EPSV ALL.`)
		return
	}
	h, err := hostaddress.Parse(arg, hostaddress.FormatPortCmd)
	if err != nil {
		c.reply(501, `Bad PORT argument.`)
		return
	}
	c.s.PrepareActive(h)
	c.reply(200, `PORT command successful.`)
}

func (c *Commander) cmdEPRT(arg string) {
	if c.epsvAll {
		c.reply(500, `EPRT is disabled after EPSV ALL.`)
		return
	}
	h, err := hostaddress.Parse(arg, hostaddress.FormatEPRT)
	if err != nil {
		if len(arg) > 1 && strings.ContainsAny(arg[1:2], `03456789`) {
			c.reply(522, `Network protocol not supported, use (1,2).`)
			return
		}
		c.reply(501, `Bad EPRT argument.`)
		return
	}
	c.s.PrepareActive(h)
	c.reply(200, `EPRT command successful.`)
}

func (c *Commander) cmdABOR(arg string) {
	if c.s.AbortData() {
		c.reply(426, `Transfer aborted.`)
	}
	c.s.CloseData()
	c.reply(226, `ABOR command successful.`)
}

func (c *Commander) cmdMKD(arg string) {
	if res := c.s.Engine().MakeDirectory(arg); !res.OK() {
		c.replyForResult(res, `MKD`)
		return
	}
	c.reply(257, quotePath(arg)+` created.`)
}

func (c *Commander) cmdRMD(arg string) {
	if res := c.s.Engine().RemoveDirectory(arg); !res.OK() {
		c.replyForResult(res, `RMD`)
		return
	}
	c.reply(250, `Directory removed.`)
}

func (c *Commander) cmdDELE(arg string) {
	if res := c.s.Engine().RemoveFile(arg); !res.OK() {
		c.replyForResult(res, `DELE`)
		return
	}
	c.reply(250, `File removed.`)
}

func (c *Commander) cmdRNFR(arg string) {
	if _, res := c.s.Engine().GetEntry(arg); !res.OK() {
		c.replyForResult(res, `RNFR`)
		return
	}
	c.renameFrom = arg
	c.haveRename = true
	c.reply(350, `Ready for RNTO.`)
}

func (c *Commander) cmdRNTO(arg string) {
	if !c.haveRename {
		c.reply(503, `RNFR must precede RNTO.`)
		return
	}
	from := c.renameFrom
	c.haveRename = false
	c.renameFrom = ``
	if res := c.s.Engine().Rename(from, arg); !res.OK() {
		c.replyForResult(res, `RNTO`)
		return
	}
	c.reply(250, `Rename successful.`)
}

func (c *Commander) cmdSIZE(arg string) {
	ent, res := c.s.Engine().GetEntry(arg)
	if !res.OK() {
		c.replyForResult(res, `SIZE`)
		return
	}
	if ent.Type != tvfs.EntryFile {
		c.reply(550, `SIZE: not a regular file.`)
		return
	}
	c.reply(213, strconv.FormatInt(ent.Size, 10))
}

const mdtmLayout = `20060102150405`

func (c *Commander) cmdMDTM(arg string) {
	ent, res := c.s.Engine().GetEntry(arg)
	if !res.OK() {
		c.replyForResult(res, `MDTM`)
		return
	}
	if ent.MTime.IsZero() {
		c.reply(550, `MDTM: no modification time available.`)
		return
	}
	c.reply(213, ent.MTime.UTC().Format(mdtmLayout))
}

func (c *Commander) cmdMFMT(arg string) {
	i := strings.IndexByte(arg, ' ')
	if i <= 0 || i == len(arg)-1 {
		c.reply(501, `MFMT needs a timestamp and a path.`)
		return
	}
	ts, path := arg[:i], arg[i+1:]
	when, err := time.ParseInLocation(mdtmLayout, ts, time.UTC)
	if err != nil {
		c.reply(501, `Bad timestamp.`)
		return
	}
	ent, res := c.s.Engine().SetMtime(path, when)
	if !res.OK() {
		c.replyForResult(res, `MFMT`)
		return
	}
	c.reply(213, `Modify=`+ent.MTime.UTC().Format(mdtmLayout)+`; `+path)
}

func (c *Commander) cmdMLST(arg string) {
	path := arg
	if path == `` {
		path = c.s.Engine().CurrentDirectory()
	}
	ent, res := c.s.Engine().GetEntry(path)
	if !res.OK() {
		c.replyForResult(res, `MLST`)
		return
	}
	elems, _ := tvfs.Canonicalize(c.s.Engine().CurrentDirectory(), path)
	full := tvfs.Join(elems)
	shown := ent
	shown.TVFSName = full
	r := c.multi(250, `Listing `+full)
	r.Line(` ` + mlstLine(shown, c.mlstFacts, false))
	r.Line(`End`)
	r.Flush()
}

// splitListArg strips option flags and separates a trailing wildcard
// component into a filter pattern.
func (c *Commander) splitListArg(arg string) (path, pattern string) {
	var parts []string
	for _, f := range strings.Fields(arg) {
		if strings.HasPrefix(f, `-`) {
			continue //ls-style flags are accepted and ignored
		}
		parts = append(parts, f)
	}
	path = strings.Join(parts, ` `)
	if path == `` {
		return ``, ``
	}
	base := path[strings.LastIndexByte(path, '/')+1:]
	if strings.ContainsAny(base, `*?[`) {
		pattern = base
		path = strings.TrimSuffix(path, base)
		if path == `` {
			path = `.`
		}
	}
	return
}

func (c *Commander) listEntries(arg string, mode tvfs.TraversalMode) (*tvfs.EntryIterator, bool) {
	path, pattern := c.splitListArg(arg)
	if path == `` {
		path = c.s.Engine().CurrentDirectory()
	}
	it, res := c.s.Engine().GetEntries(path, mode, pattern)
	if !res.OK() {
		c.replyForResult(res, `LIST`)
		return nil, false
	}
	return it, true
}

func (c *Commander) cmdLIST(arg string) {
	it, okl := c.listEntries(arg, tvfs.TraversalAutodetect)
	if !okl {
		return
	}
	now := time.Now()
	c.doTransfer(transferDownload, func(conn net.Conn) error {
		for {
			ent, more := it.Next()
			if !more {
				return nil
			}
			if _, err := io.WriteString(conn, longLine(ent, now)+"\r\n"); err != nil {
				return err
			}
		}
	})
}

func (c *Commander) cmdNLST(arg string) {
	it, okl := c.listEntries(arg, tvfs.TraversalOnlyChildren)
	if !okl {
		return
	}
	c.doTransfer(transferDownload, func(conn net.Conn) error {
		for {
			ent, more := it.Next()
			if !more {
				return nil
			}
			if _, err := io.WriteString(conn, ent.TVFSName+"\r\n"); err != nil {
				return err
			}
		}
	})
}

func (c *Commander) cmdMLSD(arg string) {
	path, _ := c.splitListArg(arg)
	if path == `` {
		path = c.s.Engine().CurrentDirectory()
	}
	it, res := c.s.Engine().GetEntries(path, tvfs.TraversalOnlyChildren, ``)
	if !res.OK() {
		c.replyForResult(res, `MLSD`)
		return
	}
	c.doTransfer(transferDownload, func(conn net.Conn) error {
		for {
			ent, more := it.Next()
			if !more {
				return nil
			}
			if _, err := io.WriteString(conn, mlstLine(ent, c.mlstFacts, false)+"\r\n"); err != nil {
				return err
			}
		}
	})
}

func (c *Commander) cmdSTAT(arg string) {
	if arg == `` {
		r := c.multi(211, `Server status:`)
		r.Line(` Connected from ` + c.s.peer.String())
		if c.s.IsAuthenticated() {
			r.Line(` Logged in as ` + c.s.User().Name())
		} else {
			r.Line(` Not logged in`)
		}
		r.Line(`End of status`)
		r.Flush()
		return
	}
	if !c.s.IsAuthenticated() {
		c.reply(530, `Please log in first.`)
		return
	}
	it, okl := c.listEntries(arg, tvfs.TraversalAutodetect)
	if !okl {
		return
	}
	now := time.Now()
	r := c.multi(213, `Status follows:`)
	for {
		ent, more := it.Next()
		if !more {
			break
		}
		r.Line(` ` + longLine(ent, now))
	}
	r.Line(`End of status`)
	r.Flush()
}

func (c *Commander) cmdRETR(arg string) {
	f, res := c.s.Engine().OpenFile(arg, tvfs.OpenReading, c.takeRest())
	if !res.OK() {
		c.replyForResult(res, `RETR`)
		return
	}
	c.doTransfer(transferDownload, func(conn net.Conn) error {
		defer f.Close()
		_, err := io.Copy(conn, f)
		return err
	})
}

func (c *Commander) cmdSTOR(arg string) {
	c.store(arg, tvfs.OpenWriting)
}

func (c *Commander) cmdAPPE(arg string) {
	c.store(arg, tvfs.OpenAppending)
}

func (c *Commander) store(arg string, mode tvfs.OpenMode) {
	f, res := c.s.Engine().OpenFile(arg, mode, c.takeRest())
	if !res.OK() {
		c.replyForResult(res, `STOR`)
		return
	}
	c.doTransfer(transferUpload, func(conn net.Conn) error {
		defer f.Close()
		_, err := io.Copy(f, conn)
		return err
	})
}

// doTransfer runs one data transfer: 150, connection establishment,
// streaming on its own goroutine while the control channel keeps
// accepting (and queueing) commands, ABOR excepted, then the final
// reply.
func (c *Commander) doTransfer(dir transferDir, stream func(conn net.Conn) error) {
	c.reply(150, `Starting data transfer.`)
	conn, err := c.s.OpenDataConn(dir)
	if err != nil {
		c.s.CloseData()
		c.lgr.Warn("data connection failed",
			ftplog.KV(`session`, c.s.ID()), ftplog.KV(`error`, err.Error()))
		c.reply(425, `Can't open data connection.`)
		return
	}
	c.aborted = false
	done := make(chan error, 1)
	go func() {
		serr := stream(conn)
		if serr == nil {
			//a failed close is reported like a failed stream
			serr = conn.Close()
		} else {
			conn.Close()
		}
		done <- serr
	}()
	err = c.superviseTransfer(done)
	c.s.CloseData()
	switch {
	case c.aborted:
		c.reply(426, `Transfer aborted.`)
		c.reply(226, `ABOR command successful.`)
	case err != nil:
		c.lgr.Warn("transfer failed",
			ftplog.KV(`session`, c.s.ID()), ftplog.KV(`error`, err.Error()))
		c.reply(426, `Transfer failed.`)
	default:
		c.reply(226, `Transfer complete.`)
	}
}

// superviseTransfer keeps the control channel live during a transfer:
// ABOR aborts it, everything else is queued until the transfer ends.
func (c *Commander) superviseTransfer(done chan error) error {
	for {
		select {
		case err := <-done:
			c.s.Conn().SetReadDeadline(time.Time{})
			return err
		default:
		}
		line, err := c.readLine(true)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			//control channel died, the transfer dies with it
			c.s.AbortData()
			return <-done
		}
		verb := strings.ToUpper(strings.TrimSpace(line))
		if verb == `ABOR` {
			c.aborted = true
			c.s.AbortData()
			<-done
			c.s.Conn().SetReadDeadline(time.Time{})
			return nil
		}
		c.queue = append(c.queue, line)
	}
}
