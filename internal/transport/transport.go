// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the TCP link CommandBot uses to talk to a
// physical mesh radio over the Meshtastic stream API: a length-prefixed
// protobuf frame stream with a two-byte magic header.
package transport

import (
	"context"
	"net"
	"time"
)

// Dialer opens the TCP connection to a mesh radio. Abstracted so tests
// can substitute an in-memory pipe instead of a real socket.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// Compile-time interface check.
var _ Dialer = (*TCPDialer)(nil)

// TCPDialer opens a plain TCP connection to a radio's stream API port
// (Meshtastic's default is 4403).
type TCPDialer struct {
	// Timeout bounds how long DialContext waits for the TCP handshake.
	// Zero means only the context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
