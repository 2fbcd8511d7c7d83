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

package common

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// Conn is a single driver-level database connection.
type Conn interface {
	// Execute runs one SQL statement and returns its normalized result.
	// Parameters, when present, are forwarded to the driver's
	// parameterized execution facility and never interpolated into the
	// statement text.
	Execute(ctx context.Context, sql string, params ...any) (*Result, error)
	// Ping verifies the connection is usable by issuing a trivial query.
	Ping(ctx context.Context) error
	// Close terminates the connection.
	Close(ctx context.Context) error
}

// ConnectFunc opens a driver-level connection for one database kind.
type ConnectFunc func(ctx context.Context, config ConnectConfig) (Conn, error)

var (
	// connectorsMu protects connectors.
	connectorsMu sync.RWMutex
	// connectors is a global registry of driver connectors.
	connectors map[Kind]ConnectFunc
)

// RegisterConnector registers a driver connector for the given kinds.
func RegisterConnector(fn ConnectFunc, kinds ...Kind) {
	connectorsMu.Lock()
	defer connectorsMu.Unlock()
	if connectors == nil {
		connectors = make(map[Kind]ConnectFunc)
	}
	for _, kind := range kinds {
		connectors[kind] = fn
	}
}

// GetConnector returns the connector registered for the given kind.
func GetConnector(kind Kind) (ConnectFunc, error) {
	connectorsMu.RLock()
	defer connectorsMu.RUnlock()
	fn, ok := connectors[kind]
	if !ok {
		return nil, trace.NotFound("database connector %q is not registered", kind)
	}
	return fn, nil
}
