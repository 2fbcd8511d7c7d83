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

// Package tunnel builds and tracks the nested TLS streams that carry
// queries to database gateways: an mTLS leg to the gateway relay with a
// second, ALPN-negotiated TLS leg to the gateway inside it.
package tunnel

import (
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/infisical/pam-broker/lib/utils"
)

// Tunnel is a live two-hop stream to a database gateway.
type Tunnel struct {
	// ID uniquely identifies this tunnel instance.
	ID string
	// SessionID is the PAM session the tunnel serves.
	SessionID string

	// outer is the mTLS stream to the relay, inner the TLS stream to the
	// gateway nested inside it.
	outer net.Conn
	inner net.Conn
	log   *slog.Logger

	mu     sync.Mutex
	closed bool
	active bool
}

func newTunnel(sessionID string, outer, inner net.Conn, log *slog.Logger) *Tunnel {
	return &Tunnel{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		outer:     outer,
		inner:     inner,
		log:       log,
		active:    true,
	}
}

// Conn returns the inner stream, the end-to-end channel to the gateway.
func (t *Tunnel) Conn() net.Conn {
	return t.inner
}

// Active reports whether the tunnel is still live.
func (t *Tunnel) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && !t.closed
}

// setInactive marks the tunnel as scheduled for teardown.
func (t *Tunnel) setInactive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
}

// Close tears the tunnel down, inner stream first so the gateway sees an
// orderly TLS shutdown before the relay transport goes away. Safe to call
// multiple times, benign network errors are swallowed.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.active = false
	t.mu.Unlock()

	var errors []error
	if err := t.inner.Close(); err != nil && !utils.IsOKNetworkError(err) {
		errors = append(errors, err)
	}
	// Closing the inner TLS stream usually takes the relay transport
	// with it, in which case this is a filtered no-op.
	if err := t.outer.Close(); err != nil && !utils.IsOKNetworkError(err) {
		errors = append(errors, err)
	}
	return trace.NewAggregate(errors...)
}
