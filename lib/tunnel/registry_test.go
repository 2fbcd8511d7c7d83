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

package tunnel

import (
	"fmt"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newPipeTunnel(t *testing.T, sessionID string) *Tunnel {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return newTunnel(sessionID, server, client, slog.Default())
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(slog.Default())

	first := newPipeTunnel(t, "session-1")
	registry.Register("session-1", first)
	second := newPipeTunnel(t, "session-2")
	registry.Register("session-2", second)
	require.Equal(t, 2, registry.Len())

	statuses := registry.List()
	require.Len(t, statuses, 2)
	require.Equal(t, "session-1", statuses[0].SessionID)
	require.Equal(t, first.ID, statuses[0].TunnelID)
	require.True(t, statuses[0].Active)
	require.Equal(t, "session-2", statuses[1].SessionID)

	// Registering again for a session supersedes and closes the previous
	// tunnel.
	replacement := newPipeTunnel(t, "session-1")
	registry.Register("session-1", replacement)
	require.Equal(t, 2, registry.Len())
	require.False(t, first.Active())
	require.True(t, replacement.Active())

	registry.CloseOne("session-1")
	require.Equal(t, 1, registry.Len())
	require.False(t, replacement.Active())
	// Absent sessions are a no-op.
	registry.CloseOne("session-1")
	require.Equal(t, 1, registry.Len())

	require.NoError(t, registry.CloseAll())
	require.Zero(t, registry.Len())
	require.False(t, second.Active())
	require.Empty(t, registry.List())
	// Repeat close-all is a no-op.
	require.NoError(t, registry.CloseAll())
}

func TestRegistryConcurrentCloseAll(t *testing.T) {
	registry := NewRegistry(slog.Default())
	for i := range 10 {
		sessionID := fmt.Sprintf("session-%v", i)
		registry.Register(sessionID, newPipeTunnel(t, sessionID))
	}
	var group errgroup.Group
	for range 4 {
		group.Go(registry.CloseAll)
	}
	require.NoError(t, group.Wait())
	require.Zero(t, registry.Len())
}
