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

package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestBridgeConfig(t *testing.T) {
	_, err := New(Config{})
	require.True(t, trace.IsBadParameter(err))
}

func TestBridgeSplice(t *testing.T) {
	b, tunnelConn, serveErr := startTestBridge(t)

	conn := dialBridge(t, b)

	// The spliced connection reaches the tunnel stream in both
	// directions.
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	// Closing the client releases the tunnel stream as well.
	require.NoError(t, conn.Close())
	_, err = tunnelConn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, b.Close())
	require.NoError(t, waitForServe(t, serveErr))
}

func TestBridgeSecondAccept(t *testing.T) {
	b, _, _ := startTestBridge(t)

	first := dialBridge(t, b)

	_, err := first.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)

	// Everything after the first connection is closed right away.
	second := dialBridge(t, b)
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	// The spliced connection is unaffected.
	_, err = first.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))
}

func TestBridgeClose(t *testing.T) {
	b, _, serveErr := startTestBridge(t)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	// Closing before the first accept shuts the serve loop down
	// cleanly.
	require.NoError(t, waitForServe(t, serveErr))

	_, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%v", b.Port()))
	require.Error(t, err)
}

// startTestBridge runs a bridge over one end of an in-memory pipe and
// echoes everything arriving on the other end back into the tunnel.
func startTestBridge(t *testing.T) (*Bridge, net.Conn, chan error) {
	t.Helper()

	tunnelConn, bridgeConn := net.Pipe()
	t.Cleanup(func() { tunnelConn.Close() })
	t.Cleanup(func() { bridgeConn.Close() })

	b, err := New(Config{Conn: bridgeConn})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- b.Serve(context.Background())
	}()
	go func() {
		_, _ = io.Copy(tunnelConn, tunnelConn)
	}()

	return b, tunnelConn, serveErr
}

func dialBridge(t *testing.T, b *Bridge) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%v", b.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForServe(t *testing.T, serveErr chan error) error {
	t.Helper()
	select {
	case err := <-serveErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the serve loop to stop")
		return nil
	}
}
