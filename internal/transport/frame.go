// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	magic1 = 0x94
	magic2 = 0xc3

	// maxFrameSize bounds a single protobuf frame. The real device caps
	// its MTU well below this; it exists here purely to keep a
	// desynchronized stream from growing an unbounded buffer.
	maxFrameSize = 1<<16 - 1
)

// ErrFrameTooLarge is returned by ReadFrame when a frame's declared
// length exceeds maxFrameSize, almost always a sign the stream has lost
// sync with the device.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

// FramedConn wraps a net.Conn with the Meshtastic stream API's framing:
// two magic bytes, a two-byte big-endian length, then that many bytes
// of protobuf payload. Devices may interleave plain-text debug log
// lines with frames; ReadFrame resynchronizes on the magic bytes and
// discards anything before them.
type FramedConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewFramedConn wraps conn for frame-oriented reads and writes.
func NewFramedConn(conn net.Conn) *FramedConn {
	return &FramedConn{conn: conn, r: bufio.NewReader(conn)}
}

// Close closes the underlying connection.
func (f *FramedConn) Close() error { return f.conn.Close() }

// ReadFrame blocks until one full frame has arrived and returns its
// payload, resynchronizing past any stray bytes that precede the next
// magic header.
func (f *FramedConn) ReadFrame() ([]byte, error) {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != magic1 {
			continue
		}
		b2, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b2 != magic2 {
			continue
		}
		var lenBuf [2]byte
		if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		if int(n) > maxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

// WriteFrame sends payload as one frame. A short write or any I/O error
// is returned as-is; the caller treats it as a broken connection.
func (f *FramedConn) WriteFrame(payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	header := [4]byte{magic1, magic2}
	binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
	if _, err := f.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := f.conn.Write(payload)
	return err
}

// SetReadDeadline forwards to the underlying connection, letting
// CommandBot enforce an inactivity timeout on the read loop.
func (f *FramedConn) SetReadDeadline(t time.Time) error {
	return f.conn.SetReadDeadline(t)
}
