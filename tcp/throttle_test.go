/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tcp

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewLimiter(t *testing.T) {
	if NewLimiter(0, 1) != nil {
		t.Fatal("zero rate should be unlimited")
	}
	if NewLimiter(-5, 1) != nil {
		t.Fatal("negative rate should be unlimited")
	}
	lm := NewLimiter(1024, 4)
	if lm == nil {
		t.Fatal("no limiter")
	}
	if lm.Burst() != 4096 {
		t.Fatal("bad burst", lm.Burst())
	}
}

func TestCompoundConnPassthrough(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	cc := NewCompoundConn(a)
	payload := []byte(`hello compound`)
	go func() {
		cc.Write(payload)
	}()
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("payload mangled")
	}
}

func TestCompoundConnShaping(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	//1KiB/s with a tiny burst guarantees a measurable wait for 3KiB
	lm := rate.NewLimiter(1024, 1024)
	cc := NewCompoundConn(a, lm)
	done := make(chan bool, 1)
	go func() {
		buf := make([]byte, 4096)
		var total int
		for total < 3*1024 {
			n, err := b.Read(buf)
			if err != nil {
				return
			}
			total += n
		}
		done <- true
	}()
	start := time.Now()
	if _, err := cc.Write(make([]byte, 3*1024)); err != nil {
		t.Fatal(err)
	}
	<-done
	//the first burst is free, the remaining 2KiB must take ~2s
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatal("write was not shaped", elapsed)
	}
}

func TestSetLimitersDedup(t *testing.T) {
	a, _ := net.Pipe()
	defer a.Close()
	cc := NewCompoundConn(a)
	lm1 := rate.NewLimiter(1024, 1024)
	lm2 := rate.NewLimiter(2048, 2048)
	cc.SetLimiters(lm1, lm2, lm1, nil)
	lms, chunk := cc.limiters()
	if len(lms) != 2 {
		t.Fatal("dedup failed", len(lms))
	}
	if chunk != 1024 {
		t.Fatal("chunk should follow the smallest burst", chunk)
	}
	//an unchanged set does not rewire
	cc.SetLimiters(lm2, lm1)
	lms2, _ := cc.limiters()
	if len(lms2) != 2 {
		t.Fatal("rewire changed the set")
	}
}

func TestParseTLSMode(t *testing.T) {
	for in, want := range map[string]TLSMode{
		``:             TLSModeNone,
		`none`:         TLSModeNone,
		`allow_tls`:    TLSModeAllow,
		`require_tls`:  TLSModeRequire,
		`implicit_tls`: TLSModeImplicit,
	} {
		got, err := ParseTLSMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseTLSMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseTLSMode(`sometimes`); err == nil {
		t.Fatal("accepted bogus mode")
	}
}
