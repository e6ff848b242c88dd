/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package impersonate runs file IO as another OS user: a client side
// that spawns a worker subprocess under the target identity, and the
// worker loop itself.  The two sides speak a length-prefixed,
// self-describing message protocol over a pair of inherited channels;
// open file handles travel out-of-band through the OS descriptor
// passing facility.
package impersonate

import (
	"encoding/binary"
	"errors"
	"io"
	"syscall"
)

// ArgvMagic is the sentinel the worker demands as its first argument,
// so an accidental invocation dies immediately.
const ArgvMagic = `MAGIC_VALUE!`

const (
	//maximum size of any single message in either direction
	maxMessageSize = 1 << 20
)

type opCode uint8

const (
	opOpenFile opCode = iota + 1
	opOpenDirectory
	opRename
	opRemoveFile
	opRemoveDirectory
	opInfo
	opMkdir
	opSetMtime
)

const (
	respFlagHasFD = 1 << iota
)

var (
	ErrTooBig   = errors.New("message payload too large")          //EFBIG on the wire
	ErrNoData   = errors.New("peer performed an orderly shutdown") //ENODATA
	ErrBadFrame = errors.New("malformed message frame")
)

// result codes on the wire are raw errno values; 0 is success
func errnoOf(err error) int32 {
	if err == nil {
		return 0
	}
	var en syscall.Errno
	if errors.As(err, &en) {
		return int32(en)
	}
	return int32(syscall.EIO)
}

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > maxMessageSize {
		return ErrTooBig
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			//clean close between messages
			return nil, ErrNoData
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxMessageSize {
		return nil, ErrTooBig
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// packArgs encodes native strings as u16-length-prefixed fields.
func packArgs(args ...string) []byte {
	sz := 0
	for _, a := range args {
		sz += 2 + len(a)
	}
	b := make([]byte, 0, sz)
	for _, a := range args {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(a)))
		b = append(b, l[:]...)
		b = append(b, a...)
	}
	return b
}

func unpackArgs(b []byte) (args []string, err error) {
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrBadFrame
		}
		n := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) < n {
			return nil, ErrBadFrame
		}
		args = append(args, string(b[:n]))
		b = b[n:]
	}
	return
}

func packRequest(op opCode, args ...string) []byte {
	return append([]byte{byte(op)}, packArgs(args...)...)
}

func unpackRequest(b []byte) (opCode, []string, error) {
	if len(b) < 1 {
		return 0, nil, ErrBadFrame
	}
	args, err := unpackArgs(b[1:])
	return opCode(b[0]), args, err
}

func packResponse(code int32, flags uint8, args ...string) []byte {
	b := make([]byte, 5, 5+len(args)*8)
	binary.BigEndian.PutUint32(b, uint32(code))
	b[4] = flags
	return append(b, packArgs(args...)...)
}

func unpackResponse(b []byte) (code int32, flags uint8, args []string, err error) {
	if len(b) < 5 {
		err = ErrBadFrame
		return
	}
	code = int32(binary.BigEndian.Uint32(b))
	flags = b[4]
	args, err = unpackArgs(b[5:])
	return
}
