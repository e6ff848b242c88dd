/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gravwell/ftpd/ftplog"
)

// Responder accumulates one reply and flushes it as a single write, so
// a multi-line reply can never interleave with another.  The actual
// emit (and the log line) happens on Flush.
type Responder struct {
	w          io.Writer
	lgr        *ftplog.Logger
	sessionID  string
	buf        bytes.Buffer
	code       int
	lines      []string
	repeatCode bool //clients exist that want the code on every line
}

func newResponder(w io.Writer, lgr *ftplog.Logger, sessionID string, repeatCode bool) *Responder {
	return &Responder{
		w:          w,
		lgr:        lgr,
		sessionID:  sessionID,
		repeatCode: repeatCode,
	}
}

// Start begins a reply with the given code; subsequent Line calls add
// continuation lines sharing the same first three digits.
func (r *Responder) Start(code int, text string) *Responder {
	r.code = code
	r.lines = r.lines[:0]
	r.lines = append(r.lines, text)
	return r
}

func (r *Responder) Line(text string) *Responder {
	r.lines = append(r.lines, text)
	return r
}

// Flush renders and writes the reply atomically.
func (r *Responder) Flush() error {
	r.buf.Reset()
	for i, ln := range r.lines {
		last := i == len(r.lines)-1
		switch {
		case last:
			fmt.Fprintf(&r.buf, "%03d %s\r\n", r.code, ln)
		case r.repeatCode || i == 0:
			fmt.Fprintf(&r.buf, "%03d-%s\r\n", r.code, ln)
		default:
			fmt.Fprintf(&r.buf, " %s\r\n", ln)
		}
	}
	_, err := r.w.Write(r.buf.Bytes())
	r.lgr.Debug("reply", ftplog.KV(`session`, r.sessionID),
		ftplog.KV(`code`, fmt.Sprintf("%03d", r.code)),
		ftplog.KV(`text`, r.lines[len(r.lines)-1]))
	return err
}
