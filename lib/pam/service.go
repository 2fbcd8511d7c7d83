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

package pam

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/infisical/pam-broker/lib/bridge"
	"github.com/infisical/pam-broker/lib/db"
	"github.com/infisical/pam-broker/lib/db/common"
	"github.com/infisical/pam-broker/lib/db/pool"
	"github.com/infisical/pam-broker/lib/defaults"
	"github.com/infisical/pam-broker/lib/tunnel"
)

// Config holds the session pipeline dependencies.
type Config struct {
	// Resolver validates sessions and resolves credentials and tunnel
	// material.
	Resolver *Resolver
	// Tunnels tracks the active gateway tunnels.
	Tunnels *tunnel.Registry
	// Pool keeps direct database connections for non-tunneled sessions.
	Pool *pool.Pool
	// Clock is the time source for query timing.
	Clock clockwork.Clock
	// Log emits pipeline events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Tunnels == nil {
		return trace.BadParameter("missing parameter Tunnels")
	}
	if c.Pool == nil {
		return trace.BadParameter("missing parameter Pool")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Service executes queries for PAM sessions over short-lived gateway
// tunnels and owns the per-session teardown.
type Service struct {
	cfg Config
}

// NewService returns a session pipeline service.
func NewService(config Config) (*Service, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: config}, nil
}

// QueryRequest is a single statement to execute on behalf of a session.
type QueryRequest struct {
	// SessionID is the PAM session the query runs under.
	SessionID string
	// SQL is the statement to execute.
	SQL string
	// Params are optional statement parameters, forwarded to the
	// driver's parameterized execution and never interpolated into SQL.
	Params []any
	// Actor identifies who issued the query.
	Actor Actor
}

// CheckAndSetDefaults validates the request.
func (r *QueryRequest) CheckAndSetDefaults() error {
	if r.SessionID == "" {
		return trace.BadParameter("missing session ID")
	}
	if len(r.SQL) == 0 {
		return trace.BadParameter("sql statement must not be empty")
	}
	if len(r.SQL) > defaults.MaxQueryLength {
		return trace.BadParameter("sql statement exceeds %v characters", defaults.MaxQueryLength)
	}
	return nil
}

// ExecuteQuery resolves the session, builds a fresh gateway tunnel,
// bridges it to a loopback listener and runs the statement through the
// database driver. The tunnel and the bridge are torn down before it
// returns, on success and failure alike.
//
// Resolver errors keep their kind so HTTP callers can tell not-found from
// denied. Tunnel and execution failures are normalized at this boundary
// into trace.BadParameter carrying the inner message.
func (s *Service) ExecuteQuery(ctx context.Context, req QueryRequest) (*common.Result, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	resolved, err := s.cfg.Resolver.ResolveForQuery(ctx, req.SessionID, req.Actor)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	protocol := string(resolved.Resource.Kind)
	start := s.cfg.Clock.Now()
	result, err := s.executeViaGateway(ctx, resolved, req)
	queryDuration.WithLabelValues(protocol).Observe(s.cfg.Clock.Since(start).Seconds())
	if err != nil {
		queriesTotal.WithLabelValues(protocol, "error").Inc()
		s.cfg.Log.WarnContext(ctx, "Query execution failed.",
			"session_id", req.SessionID, "protocol", protocol, "error", err)
		return nil, gatewayError(err)
	}
	queriesTotal.WithLabelValues(protocol, "success").Inc()
	return result, nil
}

// executeViaGateway runs one statement over a fresh tunnel. The deferred
// registry and bridge teardown covers every exit path.
func (s *Service) executeViaGateway(ctx context.Context, resolved *Resolved, req QueryRequest) (*common.Result, error) {
	dialStart := s.cfg.Clock.Now()
	tun, err := tunnel.Dial(ctx, tunnel.DialConfig{
		Bundle: resolved.Bundle,
		Log:    s.cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tunnelBuildDuration.Observe(s.cfg.Clock.Since(dialStart).Seconds())

	s.cfg.Tunnels.Register(req.SessionID, tun)
	defer s.cfg.Tunnels.CloseOne(req.SessionID)

	b, err := bridge.New(bridge.Config{
		Conn: tun.Conn(),
		Log:  s.cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			s.cfg.Log.DebugContext(ctx, "Failed to close bridge listener.",
				"session_id", req.SessionID, "error", err)
		}
	}()
	go func() {
		if err := b.Serve(ctx); err != nil {
			s.cfg.Log.WarnContext(ctx, "Bridge serve loop failed.",
				"session_id", req.SessionID, "error", err)
		}
	}()

	// TLS stays off towards the bridge, the tunnel already carries it.
	result, err := db.Execute(ctx, common.ConnectConfig{
		Kind:           resolved.Resource.Kind,
		Host:           "127.0.0.1",
		Port:           b.Port(),
		Database:       resolved.Credentials.Database,
		Username:       resolved.Credentials.Username,
		Password:       resolved.Credentials.Password,
		ConnectTimeout: defaults.DatabaseConnectTimeout,
	}, req.SQL, req.Params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// ConnectResponse is the session handshake result.
type ConnectResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Database string `json:"database,omitempty"`
}

// Connect validates the session and reports the database it would reach.
// No tunnel is opened.
func (s *Service) Connect(ctx context.Context, sessionID string, actor Actor) (*ConnectResponse, error) {
	resolved, err := s.cfg.Resolver.ValidateSession(ctx, sessionID, actor)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ConnectResponse{
		Status:   "connected",
		Message:  "Session is ready to execute queries",
		Database: resolved.Credentials.Database,
	}, nil
}

// DisconnectResponse is the per-session teardown result.
type DisconnectResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Disconnect tears down the session's tunnel and pooled connection.
// Absent entries are a no-op, so repeated disconnects are safe.
func (s *Service) Disconnect(ctx context.Context, sessionID string) (*DisconnectResponse, error) {
	s.cfg.Tunnels.CloseOne(sessionID)
	if err := s.cfg.Pool.Close(ctx, sessionID); err != nil {
		s.cfg.Log.DebugContext(ctx, "Failed to close pooled connection.",
			"session_id", sessionID, "error", err)
	}
	return &DisconnectResponse{
		Status:  "disconnected",
		Message: "Session connections closed",
	}, nil
}

// HealthInfo is the health endpoint payload.
type HealthInfo struct {
	Status             string                `json:"status"`
	ActiveConnections  int                   `json:"activeConnections"`
	ConnectionPoolInfo []pool.ConnectionInfo `json:"connectionPoolInfo"`
	Tunnels            []tunnel.Status       `json:"tunnels"`
}

// Health snapshots the pool and the tunnel registry.
func (s *Service) Health(ctx context.Context) (*HealthInfo, error) {
	info := s.cfg.Pool.Info()
	return &HealthInfo{
		Status:             "healthy",
		ActiveConnections:  len(info),
		ConnectionPoolInfo: info,
		Tunnels:            s.cfg.Tunnels.List(),
	}, nil
}

// Shutdown releases every tunnel and pooled connection. The host process
// calls it once, after the HTTP server has drained.
func (s *Service) Shutdown(ctx context.Context) error {
	var errors []error
	if err := s.cfg.Tunnels.CloseAll(); err != nil {
		errors = append(errors, err)
	}
	if err := s.cfg.Pool.Destroy(ctx); err != nil {
		errors = append(errors, err)
	}
	return trace.NewAggregate(errors...)
}

// gatewayError normalizes a pipeline failure into a BadParameter error
// carrying the inner message, so HTTP responses stay uniform across
// tunnel and driver failures.
func gatewayError(err error) error {
	message := trace.UserMessage(err)
	if message == "" {
		message = "Failed to execute query via gateway"
	}
	return trace.BadParameter("%s", message)
}
