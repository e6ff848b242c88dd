/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build !windows

package impersonate

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gravwell/ftpd/tvfs"
)

// Token is the OS credential the worker runs under.
type Token struct {
	Uid      uint32
	Gid      uint32
	Username string
}

// Tokens compare by identity: a changed token means a different
// worker, never a mutated one.
func (t Token) Equal(o Token) bool {
	return t.Uid == o.Uid && t.Gid == o.Gid && t.Username == o.Username
}

var (
	ErrClientClosed = errors.New("impersonation client is closed")
	ErrProtocol     = errors.New("impersonation protocol violation")
)

// Client spawns the worker subprocess under tok and forwards every
// backend call to it.  It satisfies tvfs.Backend, so a TVFS engine can
// sit on top of it transparently.
type Client struct {
	mtx  sync.Mutex
	cmd  *exec.Cmd
	req  *os.File //requests flow parent -> worker
	resp *os.File //responses (and descriptors) flow back
	tok  Token
	dead bool
}

// NewClient launches workerPath as tok and performs no further
// privilege checks: the spawn fails unless the calling process may
// switch to that credential.
func NewClient(workerPath string, tok Token) (*Client, error) {
	reqParent, reqChild, err := socketPair()
	if err != nil {
		return nil, err
	}
	respParent, respChild, err := socketPair()
	if err != nil {
		reqParent.Close()
		reqChild.Close()
		return nil, err
	}
	//the worker sees its channel ends as fds 3 and 4
	cmd := exec.Command(workerPath, ArgvMagic, `3`, `4`)
	cmd.ExtraFiles = []*os.File{reqChild, respChild}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: tok.Uid,
			Gid: tok.Gid,
		},
	}
	if err = cmd.Start(); err != nil {
		reqParent.Close()
		reqChild.Close()
		respParent.Close()
		respChild.Close()
		return nil, err
	}
	reqChild.Close()
	respChild.Close()
	return &Client{
		cmd:  cmd,
		req:  reqParent,
		resp: respParent,
		tok:  tok,
	}, nil
}

func (c *Client) Token() Token {
	return c.tok
}

// call performs one request/response exchange.  The protocol is
// strictly serial, a mutex is all the scheduling needed.
func (c *Client) call(op opCode, args ...string) (code int32, rargs []string, f *os.File, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.dead {
		err = ErrClientClosed
		return
	}
	if err = writeFrame(c.req, packRequest(op, args...)); err != nil {
		return
	}
	if f, err = recvStatus(c.resp, `impersonated`); err != nil {
		return
	}
	var frame []byte
	if frame, err = readFrame(c.resp); err != nil {
		if f != nil {
			f.Close()
		}
		return
	}
	var flags uint8
	if code, flags, rargs, err = unpackResponse(frame); err != nil {
		if f != nil {
			f.Close()
		}
		return
	}
	if (flags&respFlagHasFD != 0) != (f != nil) {
		if f != nil {
			f.Close()
		}
		err = ErrProtocol
	}
	return
}

func (c *Client) resultOf(code int32, err error) tvfs.Result {
	if err != nil {
		return tvfs.MapOSError(err)
	}
	if code == 0 {
		return tvfs.Result{}
	}
	return tvfs.MapOSError(syscall.Errno(code))
}

func (c *Client) OpenFile(path string, mode tvfs.OpenMode, rest int64) (*os.File, tvfs.Result) {
	code, _, f, err := c.call(opOpenFile, path, strconv.Itoa(int(mode)), strconv.FormatInt(rest, 10))
	if res := c.resultOf(code, err); !res.OK() {
		if f != nil {
			f.Close()
		}
		return nil, res
	}
	if f == nil {
		return nil, tvfs.MapOSError(syscall.EIO)
	}
	return f, tvfs.Result{}
}

func (c *Client) OpenDirectory(path string) (*os.File, tvfs.Result) {
	code, _, f, err := c.call(opOpenDirectory, path)
	if res := c.resultOf(code, err); !res.OK() {
		if f != nil {
			f.Close()
		}
		return nil, res
	}
	if f == nil {
		return nil, tvfs.MapOSError(syscall.EIO)
	}
	return f, tvfs.Result{}
}

func (c *Client) Rename(from, to string) tvfs.Result {
	code, _, _, err := c.call(opRename, from, to)
	return c.resultOf(code, err)
}

func (c *Client) RemoveFile(path string) tvfs.Result {
	code, _, _, err := c.call(opRemoveFile, path)
	return c.resultOf(code, err)
}

func (c *Client) RemoveDirectory(path string) tvfs.Result {
	code, _, _, err := c.call(opRemoveDirectory, path)
	return c.resultOf(code, err)
}

func (c *Client) Info(path string, followLinks bool) (tvfs.Info, tvfs.Result) {
	follow := `0`
	if followLinks {
		follow = `1`
	}
	code, rargs, _, err := c.call(opInfo, path, follow)
	if res := c.resultOf(code, err); !res.OK() {
		return tvfs.Info{}, res
	}
	if len(rargs) != 4 {
		return tvfs.Info{}, tvfs.MapOSError(syscall.EIO)
	}
	typ, _ := strconv.Atoi(rargs[0])
	size, _ := strconv.ParseInt(rargs[1], 10, 64)
	ms, _ := strconv.ParseInt(rargs[2], 10, 64)
	mode, _ := strconv.ParseUint(rargs[3], 8, 32)
	return tvfs.Info{
		Type:  tvfs.EntryType(typ),
		Size:  size,
		MTime: time.UnixMilli(ms).UTC(),
		Mode:  os.FileMode(mode),
	}, tvfs.Result{}
}

func (c *Client) Mkdir(path string, recurse bool, perm os.FileMode) tvfs.Result {
	r := `0`
	if recurse {
		r = `1`
	}
	code, _, _, err := c.call(opMkdir, path, r, strconv.FormatUint(uint64(perm), 8))
	return c.resultOf(code, err)
}

func (c *Client) SetMtime(path string, t time.Time) tvfs.Result {
	code, _, _, err := c.call(opSetMtime, path, strconv.FormatInt(t.UnixMilli(), 10))
	return c.resultOf(code, err)
}

// Close shuts the channels down; the worker sees EOF and exits
// cleanly.
func (c *Client) Close() error {
	c.mtx.Lock()
	if c.dead {
		c.mtx.Unlock()
		return nil
	}
	c.dead = true
	c.req.Close()
	c.resp.Close()
	cmd := c.cmd
	c.mtx.Unlock()
	return cmd.Wait()
}
