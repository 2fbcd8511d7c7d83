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

// Package defaults holds broker-wide default constants.
package defaults

import "time"

const (
	// GatewayALPNProtocol is the application protocol the PAM gateway
	// expects on the inner TLS leg of a tunnel. The gateway multiplexes
	// several protocols on one listener and uses ALPN to tell them apart.
	GatewayALPNProtocol = "infisical-pam-proxy"

	// GatewaySNI is the server name sent on the inner TLS leg. The
	// gateway identifies itself with mTLS and ALPN rather than a
	// verifiable hostname.
	GatewaySNI = "localhost"

	// RelayPort is the relay port assumed when the relay host string
	// carries no port of its own.
	RelayPort = 8443
)

const (
	// TLSHandshakeTimeout bounds each of the two TLS handshakes
	// performed while building a tunnel.
	TLSHandshakeTimeout = 10 * time.Second

	// DatabaseConnectTimeout bounds a driver-level database connect,
	// both through a bridge and on the direct path.
	DatabaseConnectTimeout = 10 * time.Second

	// PoolMaxIdle is how long a pooled direct connection may remain
	// unused before the sweeper evicts it.
	PoolMaxIdle = 5 * time.Minute

	// PoolSweepInterval is how often the pool sweeper looks for idle
	// connections.
	PoolSweepInterval = 30 * time.Second

	// ShutdownTimeout bounds the HTTP server drain on shutdown.
	ShutdownTimeout = 30 * time.Second
)

const (
	// MaxQueryLength is the longest SQL statement the query endpoint
	// accepts, in bytes.
	MaxQueryLength = 100000

	// MaxHTTPRequestSize caps the size of JSON request bodies read by
	// the API server.
	MaxHTTPRequestSize = 1024 * 1024

	// HTTPListenAddr is the default listen address of the API server.
	HTTPListenAddr = ":8080"

	// DiagListenAddr is the default listen address of the diagnostics
	// server.
	DiagListenAddr = "127.0.0.1:3000"
)
