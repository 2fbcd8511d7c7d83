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
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/server"
	"github.com/gravitational/trace"

	"github.com/infisical/pam-broker/lib/utils"
)

// testServerVersion is the version the test MySQL server reports.
const testServerVersion = "8.0.25"

// TestServerConfig combines parameters for a test MySQL server.
type TestServerConfig struct {
	// Listener is the network listener to use. Defaults to a random
	// loopback port.
	Listener net.Listener
	// Username and Password, when set, are the only accepted credentials.
	// By default any username with an empty password is accepted.
	Username string
	Password string
	// Log is the logger to use.
	Log *slog.Logger
}

// TestServer is a mock MySQL server that answers every query with a canned
// single-row result set.
type TestServer struct {
	cfg      TestServerConfig
	listener net.Listener
	log      *slog.Logger
	handler  *testHandler
}

// NewTestServer returns a new instance of a test MySQL server.
func NewTestServer(config TestServerConfig) (*TestServer, error) {
	listener := config.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", "localhost:0")
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("server", "mysql", "listen_addr", listener.Addr().String())
	return &TestServer{
		cfg:      config,
		listener: listener,
		log:      log,
		handler:  &testHandler{log: log},
	}, nil
}

// Serve starts serving client connections.
func (s *TestServer) Serve() error {
	ctx := context.Background()
	s.log.DebugContext(ctx, "Starting test MySQL server.")
	defer s.log.DebugContext(ctx, "Test MySQL server stopped.")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if utils.IsOKNetworkError(err) {
				return nil
			}
			s.log.ErrorContext(ctx, "Failed to accept connection.", "error", err)
			continue
		}
		s.log.DebugContext(ctx, "Accepted connection.")
		go func() {
			defer s.log.DebugContext(ctx, "Connection done.")
			defer conn.Close()
			if err := s.handleConnection(conn); err != nil && !utils.IsOKNetworkError(err) {
				s.log.ErrorContext(ctx, "Failed to handle connection.", "error", err)
			}
		}()
	}
}

func (s *TestServer) handleConnection(conn net.Conn) error {
	var creds server.CredentialProvider = &credentialProvider{}
	if s.cfg.Password != "" {
		creds = &testCredentialProvider{
			credentials: map[string]string{
				s.cfg.Username: s.cfg.Password,
			},
		}
	}
	serverConn, err := server.NewCustomizedConn(
		conn,
		server.NewServer(
			testServerVersion,
			mysql.DEFAULT_COLLATION_ID,
			mysql.AUTH_NATIVE_PASSWORD,
			nil,
			nil),
		creds,
		s.handler)
	if err != nil {
		return trace.Wrap(err)
	}
	for {
		if serverConn.Closed() {
			return nil
		}
		if err := serverConn.HandleCommand(); err != nil {
			return trace.Wrap(err)
		}
	}
}

// Port returns the port the server is listening on.
func (s *TestServer) Port() string {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	return port
}

// QueryCount returns the number of queries the server has received.
func (s *TestServer) QueryCount() uint32 {
	return s.handler.queryCount.Load()
}

// LastQuery returns the text of the most recently received query.
func (s *TestServer) LastQuery() string {
	s.handler.mu.Lock()
	defer s.handler.mu.Unlock()
	return s.handler.lastQuery
}

// LastArgs returns the arguments of the most recent prepared statement
// execution.
func (s *TestServer) LastArgs() []any {
	s.handler.mu.Lock()
	defer s.handler.mu.Unlock()
	return s.handler.lastArgs
}

// Close closes the server listener.
func (s *TestServer) Close() error {
	return s.listener.Close()
}

// credentialProvider accepts any username with an empty password.
type credentialProvider struct{}

func (p *credentialProvider) CheckUsername(_ string) (bool, error) { return true, nil }

func (p *credentialProvider) GetCredential(_ string) (string, bool, error) { return "", true, nil }

// testCredentialProvider accepts only the configured accounts.
type testCredentialProvider struct {
	credentials map[string]string
}

// CheckUsername returns true if the specified MySQL user account exists.
func (p *testCredentialProvider) CheckUsername(username string) (bool, error) {
	_, ok := p.credentials[username]
	return ok, nil
}

// GetCredential returns the password for the specified MySQL user account.
func (p *testCredentialProvider) GetCredential(username string) (string, bool, error) {
	password, ok := p.credentials[username]
	return password, ok, nil
}

type testHandler struct {
	server.EmptyHandler
	log *slog.Logger
	// queryCount counts received text and prepared statement queries.
	queryCount atomic.Uint32

	mu        sync.Mutex
	lastQuery string
	lastArgs  []any
}

func (h *testHandler) HandleQuery(query string) (*mysql.Result, error) {
	h.log.DebugContext(context.Background(), "Received query.", "query", query)
	h.queryCount.Add(1)
	h.mu.Lock()
	h.lastQuery = query
	h.mu.Unlock()
	resultSet, err := mysql.BuildSimpleTextResultset(
		[]string{"1"},
		[][]any{{int64(1)}})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &mysql.Result{Resultset: resultSet}, nil
}

func (h *testHandler) HandleStmtPrepare(query string) (int, int, any, error) {
	h.mu.Lock()
	h.lastQuery = query
	h.mu.Unlock()
	return strings.Count(query, "?"), 0, nil, nil
}

func (h *testHandler) HandleStmtExecute(_ any, query string, args []any) (*mysql.Result, error) {
	h.log.DebugContext(context.Background(), "Received execute statement.", "query", query, "args", args)
	h.queryCount.Add(1)
	h.mu.Lock()
	h.lastArgs = args
	h.mu.Unlock()
	// Binary protocol result sets are not worth emulating here, reply
	// with an OK packet carrying an affected rows count instead.
	return &mysql.Result{AffectedRows: 1}, nil
}
