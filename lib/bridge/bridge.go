// Infisical PAM Broker
// Copyright (C) 2025 Infisical, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package bridge exposes a gateway tunnel stream as a loopback TCP
// listener so standard database drivers can dial it like a regular
// server.
package bridge

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/gravitational/trace"

	"github.com/infisical/pam-broker/lib/utils"
)

// Config holds the bridge settings.
type Config struct {
	// Conn is the tunnel stream the first accepted connection is
	// spliced with.
	Conn net.Conn
	// Log emits bridge lifecycle events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("missing parameter Conn")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Bridge is a single-use loopback listener that forwards exactly one
// client connection into the tunnel stream.
type Bridge struct {
	cfg       Config
	listener  net.Listener
	port      int
	closeOnce sync.Once
}

// New binds an ephemeral loopback port for the bridge to serve on.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bridge{
		cfg:      cfg,
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
	}, nil
}

// Port returns the loopback port the bridge listens on.
func (b *Bridge) Port() int {
	return b.port
}

// Serve accepts connections until the bridge is closed. The first
// connection is spliced with the tunnel stream, every later connection
// is closed right away.
func (b *Bridge) Serve(ctx context.Context) error {
	var spliced bool
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if utils.IsOKNetworkError(err) {
				return nil
			}
			return trace.Wrap(err)
		}

		if spliced {
			b.cfg.Log.DebugContext(ctx, "Closing extra bridge connection.",
				"remote_addr", conn.RemoteAddr())
			if err := conn.Close(); err != nil && !utils.IsOKNetworkError(err) {
				b.cfg.Log.DebugContext(ctx, "Failed to close extra bridge connection.", "error", err)
			}
			continue
		}

		spliced = true
		go b.splice(ctx, conn)
	}
}

// splice pumps bytes between the accepted connection and the tunnel
// stream. ProxyConn closes both sides when either direction finishes.
func (b *Bridge) splice(ctx context.Context, downstream net.Conn) {
	b.cfg.Log.DebugContext(ctx, "Splicing bridge connection with the tunnel stream.",
		"remote_addr", downstream.RemoteAddr())
	if err := utils.ProxyConn(ctx, downstream, b.cfg.Conn); err != nil {
		b.cfg.Log.DebugContext(ctx, "Bridge splice finished with error.", "error", err)
	}
}

// Close releases the bridge listener. Safe to call more than once.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.listener.Close()
	})
	if err != nil && !utils.IsOKNetworkError(err) {
		return trace.Wrap(err)
	}
	return nil
}
