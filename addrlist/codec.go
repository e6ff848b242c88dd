/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package addrlist

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/gravwell/ftpd/hostaddress"
)

const maxEncodedRanges = 0x100000 //sanity bound on decode

var (
	ErrBadHeader    = errors.New("invalid address list header")
	ErrCorruptList  = errors.New("corrupt address list encoding")
	encodeV1Header  = []byte{0x46, 0x54, 0x50, 0x41, 0x44, 0x52, 0x4c, 0x31} //FTPADRL1
)

// Encode writes the compact binary form: magic header, per-family
// thresholds, then each family's ranges as raw big-endian addresses.
func (l *List) Encode(w io.Writer) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if _, err := w.Write(encodeV1Header); err != nil {
		return err
	}
	hdr := make([]byte, 8+8+4+4)
	binary.BigEndian.PutUint64(hdr[0:], l.v4Threshold)
	binary.BigEndian.PutUint64(hdr[8:], l.v6Threshold)
	binary.BigEndian.PutUint32(hdr[16:], uint32(len(l.v4)))
	binary.BigEndian.PutUint32(hdr[20:], uint32(len(l.v6)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, r := range l.v4 {
		if _, err := w.Write(r.From[:]); err != nil {
			return err
		}
		if _, err := w.Write(r.To[:]); err != nil {
			return err
		}
	}
	buff := make([]byte, 16)
	for _, r := range l.v6 {
		putIPv6(buff, r.From)
		if _, err := w.Write(buff); err != nil {
			return err
		}
		putIPv6(buff, r.To)
		if _, err := w.Write(buff); err != nil {
			return err
		}
	}
	return nil
}

// Decode replaces the list contents from the binary form.
func (l *List) Decode(r io.Reader) error {
	hdr := make([]byte, 8+8+8+4+4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	for i := range encodeV1Header {
		if hdr[i] != encodeV1Header[i] {
			return ErrBadHeader
		}
	}
	v4Threshold := binary.BigEndian.Uint64(hdr[8:])
	v6Threshold := binary.BigEndian.Uint64(hdr[16:])
	n4 := binary.BigEndian.Uint32(hdr[24:])
	n6 := binary.BigEndian.Uint32(hdr[28:])
	if n4 > maxEncodedRanges || n6 > maxEncodedRanges {
		return ErrCorruptList
	}
	v4 := make([]Range[hostaddress.IPv4], 0, n4)
	buff := make([]byte, 8)
	var prev4 *Range[hostaddress.IPv4]
	for i := uint32(0); i < n4; i++ {
		if _, err := io.ReadFull(r, buff); err != nil {
			return err
		}
		rng := Range[hostaddress.IPv4]{
			From: hostaddress.IPv4{buff[0], buff[1], buff[2], buff[3]},
			To:   hostaddress.IPv4{buff[4], buff[5], buff[6], buff[7]},
		}
		if rng.From.Compare(rng.To) > 0 {
			return ErrCorruptList
		}
		if prev4 != nil && prev4.To.Compare(rng.From) >= 0 {
			return ErrCorruptList //ranges must be sorted and disjoint
		}
		v4 = append(v4, rng)
		prev4 = &v4[len(v4)-1]
	}
	v6 := make([]Range[hostaddress.IPv6], 0, n6)
	buff = make([]byte, 32)
	var prev6 *Range[hostaddress.IPv6]
	for i := uint32(0); i < n6; i++ {
		if _, err := io.ReadFull(r, buff); err != nil {
			return err
		}
		rng := Range[hostaddress.IPv6]{
			From: getIPv6(buff[:16]),
			To:   getIPv6(buff[16:]),
		}
		if rng.From.Compare(rng.To) > 0 {
			return ErrCorruptList
		}
		if prev6 != nil && prev6.To.Compare(rng.From) >= 0 {
			return ErrCorruptList
		}
		v6 = append(v6, rng)
		prev6 = &v6[len(v6)-1]
	}
	l.mtx.Lock()
	l.v4Threshold = v4Threshold
	l.v6Threshold = v6Threshold
	l.v4 = v4
	l.v6 = v6
	l.mtx.Unlock()
	return nil
}

func putIPv6(b []byte, a hostaddress.IPv6) {
	for i := 0; i < 8; i++ {
		binary.BigEndian.PutUint16(b[2*i:], a[i])
	}
}

func getIPv6(b []byte) (a hostaddress.IPv6) {
	for i := 0; i < 8; i++ {
		a[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return
}
