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

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgproto3/v2"

	"github.com/infisical/pam-broker/lib/utils"
)

// TestQueryResponse is the canned result the test Postgres server returns
// for every query it receives.
var TestQueryResponse = &pgconn.Result{
	FieldDescriptions: []pgproto3.FieldDescription{
		{Name: []byte("?column?"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
	},
	Rows:       [][][]byte{{[]byte("1")}},
	CommandTag: pgconn.CommandTag("SELECT 1"),
}

// TestServerConfig combines parameters for a test Postgres server.
type TestServerConfig struct {
	// Listener is the network listener to use. Defaults to a random
	// loopback port.
	Listener net.Listener
	// Password, when set, requires clients to authenticate with cleartext
	// password auth.
	Password string
	// Log is the logger to use.
	Log *slog.Logger
}

// TestServer is a mock Postgres server that speaks just enough of the wire
// protocol to serve the pgconn connector in tests. Every query gets the
// TestQueryResponse reply.
type TestServer struct {
	cfg      TestServerConfig
	listener net.Listener
	log      *slog.Logger

	// queryCount counts received Query and Execute messages.
	queryCount atomic.Uint32

	mu         sync.Mutex
	parameters map[string]string
	lastQuery  string
	lastParams [][]byte
}

// NewTestServer returns a new instance of a test Postgres server.
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
	return &TestServer{
		cfg:      config,
		listener: listener,
		log:      log.With("server", "postgres", "listen_addr", listener.Addr().String()),
	}, nil
}

// Serve starts serving client connections.
func (s *TestServer) Serve() error {
	ctx := context.Background()
	s.log.DebugContext(ctx, "Starting test Postgres server.")
	defer s.log.DebugContext(ctx, "Test Postgres server stopped.")
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

// handleConnection runs the startup sequence and then serves protocol
// messages until the client terminates.
func (s *TestServer) handleConnection(conn net.Conn) error {
	client := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	if err := s.handleStartup(client, conn); err != nil {
		return trace.Wrap(err)
	}
	for {
		message, err := client.Receive()
		if err != nil {
			return trace.Wrap(err)
		}
		switch msg := message.(type) {
		case *pgproto3.Query:
			if err := s.handleQuery(client, msg); err != nil {
				return trace.Wrap(err)
			}
		case *pgproto3.Parse:
			s.mu.Lock()
			s.lastQuery = msg.Query
			s.mu.Unlock()
			if err := client.Send(&pgproto3.ParseComplete{}); err != nil {
				return trace.Wrap(err)
			}
		case *pgproto3.Bind:
			s.mu.Lock()
			s.lastParams = msg.Parameters
			s.mu.Unlock()
			if err := client.Send(&pgproto3.BindComplete{}); err != nil {
				return trace.Wrap(err)
			}
		case *pgproto3.Describe:
			if err := client.Send(&pgproto3.RowDescription{Fields: TestQueryResponse.FieldDescriptions}); err != nil {
				return trace.Wrap(err)
			}
		case *pgproto3.Execute:
			s.queryCount.Add(1)
			for _, row := range TestQueryResponse.Rows {
				if err := client.Send(&pgproto3.DataRow{Values: row}); err != nil {
					return trace.Wrap(err)
				}
			}
			if err := client.Send(&pgproto3.CommandComplete{CommandTag: TestQueryResponse.CommandTag}); err != nil {
				return trace.Wrap(err)
			}
		case *pgproto3.Sync:
			if err := client.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
				return trace.Wrap(err)
			}
		case *pgproto3.Terminate:
			return nil
		default:
			return trace.BadParameter("unsupported message %#v", message)
		}
	}
}

// handleStartup answers the startup message, performing cleartext password
// auth when the server is configured with a password.
func (s *TestServer) handleStartup(client *pgproto3.Backend, conn net.Conn) error {
	for {
		startup, err := client.ReceiveStartupMessage()
		if err != nil {
			return trace.Wrap(err)
		}
		switch msg := startup.(type) {
		case *pgproto3.SSLRequest:
			// The test server does not speak TLS, tell the client to
			// proceed in the clear.
			if _, err := conn.Write([]byte("N")); err != nil {
				return trace.Wrap(err)
			}
			continue
		case *pgproto3.StartupMessage:
			s.mu.Lock()
			s.parameters = msg.Parameters
			s.mu.Unlock()
			if s.cfg.Password != "" {
				if err := s.handlePasswordAuth(client, msg.Parameters["user"]); err != nil {
					return trace.Wrap(err)
				}
			}
			return trace.Wrap(s.makeClientReady(client))
		default:
			return trace.BadParameter("unsupported startup message %#v", msg)
		}
	}
}

func (s *TestServer) handlePasswordAuth(client *pgproto3.Backend, user string) error {
	if err := client.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return trace.Wrap(err)
	}
	// Receive would misparse the password message without the auth type
	// hint.
	if err := client.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
		return trace.Wrap(err)
	}
	message, err := client.Receive()
	if err != nil {
		return trace.Wrap(err)
	}
	password, ok := message.(*pgproto3.PasswordMessage)
	if !ok {
		return trace.BadParameter("expected password message, got %#v", message)
	}
	if password.Password != s.cfg.Password {
		if err := client.Send(&pgproto3.ErrorResponse{
			Severity: "FATAL",
			Code:     "28P01",
			Message:  fmt.Sprintf("password authentication failed for user %q", user),
		}); err != nil {
			return trace.Wrap(err)
		}
		return trace.AccessDenied("invalid password for user %q", user)
	}
	return nil
}

func (s *TestServer) makeClientReady(client *pgproto3.Backend) error {
	if err := client.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return trace.Wrap(err)
	}
	if err := client.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "15.1"}); err != nil {
		return trace.Wrap(err)
	}
	if err := client.Send(&pgproto3.BackendKeyData{ProcessID: 1234, SecretKey: 5678}); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(client.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}))
}

// handleQuery answers a simple protocol query with the canned response.
func (s *TestServer) handleQuery(client *pgproto3.Backend, query *pgproto3.Query) error {
	s.queryCount.Add(1)
	s.mu.Lock()
	s.lastQuery = query.String
	s.mu.Unlock()
	messages := []pgproto3.BackendMessage{
		&pgproto3.RowDescription{Fields: TestQueryResponse.FieldDescriptions},
	}
	for _, row := range TestQueryResponse.Rows {
		messages = append(messages, &pgproto3.DataRow{Values: row})
	}
	messages = append(messages,
		&pgproto3.CommandComplete{CommandTag: TestQueryResponse.CommandTag},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	for _, message := range messages {
		if err := client.Send(message); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Port returns the port the server is listening on.
func (s *TestServer) Port() string {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	return port
}

// QueryCount returns the number of queries the server has received.
func (s *TestServer) QueryCount() uint32 {
	return s.queryCount.Load()
}

// LastQuery returns the text of the most recently received query.
func (s *TestServer) LastQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

// LastParameters returns the bind parameters of the most recent extended
// protocol query.
func (s *TestServer) LastParameters() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastParams
}

// Parameters returns the startup parameters of the most recent connection.
func (s *TestServer) Parameters() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parameters
}

// Close closes the server listener.
func (s *TestServer) Close() error {
	return s.listener.Close()
}
