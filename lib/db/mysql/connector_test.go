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

package mysql

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/infisical/pam-broker/lib/db/common"
)

func TestConnector(t *testing.T) {
	server := startTestServer(t, TestServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Connect(ctx, common.ConnectConfig{
		Kind:     common.KindMySQL,
		Host:     "localhost",
		Port:     testServerPort(t, server),
		Database: "test",
		Username: "alice",
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(ctx) })

	t.Run("text query", func(t *testing.T) {
		result, err := conn.Execute(ctx, "SELECT 1")
		require.NoError(t, err)
		require.Equal(t, &common.Result{
			Fields:   []common.Field{{Name: "1", DataType: "8"}},
			Rows:     [][]any{{"1"}},
			RowCount: 1,
		}, result)
		require.Equal(t, "SELECT 1", server.LastQuery())
	})

	t.Run("prepared query", func(t *testing.T) {
		result, err := conn.Execute(ctx, "UPDATE t SET a = ? WHERE b = ?", "hello", nil)
		require.NoError(t, err)
		require.Equal(t, &common.Result{RowCount: 1}, result)
		require.Equal(t, []any{[]byte("hello"), nil}, server.LastArgs())
	})

	t.Run("ping", func(t *testing.T) {
		before := server.QueryCount()
		require.NoError(t, conn.Ping(ctx))
		require.Equal(t, before+1, server.QueryCount())
	})
}

func TestConnectorAuth(t *testing.T) {
	server := startTestServer(t, TestServerConfig{
		Username: "alice",
		Password: "secret",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	config := common.ConnectConfig{
		Kind:     common.KindMySQL,
		Host:     "localhost",
		Port:     testServerPort(t, server),
		Database: "test",
		Username: "alice",
		Password: "wrong",
	}
	_, err := Connect(ctx, config)
	require.True(t, trace.IsAccessDenied(err), "expected access denied, got %v", err)

	config.Password = "secret"
	conn, err := Connect(ctx, config)
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))
}

func startTestServer(t *testing.T, config TestServerConfig) *TestServer {
	server, err := NewTestServer(config)
	require.NoError(t, err)
	go server.Serve()
	t.Cleanup(func() { server.Close() })
	return server
}

func testServerPort(t *testing.T, server *TestServer) int {
	port, err := strconv.Atoi(server.Port())
	require.NoError(t, err)
	return port
}
