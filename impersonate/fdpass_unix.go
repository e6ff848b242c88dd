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

	"golang.org/x/sys/unix"
)

// descriptor passing rides SCM_RIGHTS on the response channel; a
// single placeholder byte carries the control message

var errNoFDReceived = errors.New("no file descriptor in control message")

// sendStatus precedes every response frame.  When f is non-nil the
// status byte carries the descriptor as SCM_RIGHTS.
func sendStatus(sock *os.File, f *os.File) error {
	if f == nil {
		return unix.Sendmsg(int(sock.Fd()), []byte{0}, nil, nil, 0)
	}
	rights := unix.UnixRights(int(f.Fd()))
	return unix.Sendmsg(int(sock.Fd()), []byte{1}, rights, nil, 0)
}

// recvStatus reads the status byte and collects the descriptor when
// one rides along.
func recvStatus(sock *os.File, name string) (*os.File, error) {
	buff := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(int(sock.Fd()), buff, oob, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoData
	}
	if buff[0] == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil || len(fds) == 0 {
			continue
		}
		unix.CloseOnExec(fds[0])
		return os.NewFile(uintptr(fds[0]), name), nil
	}
	return nil, errNoFDReceived
}

// socketPair builds one direction of the parent/worker channel.  Both
// ends are stream sockets so SCM_RIGHTS can travel on them.
func socketPair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), `impersonate-parent`), os.NewFile(uintptr(fds[1]), `impersonate-child`), nil
}
