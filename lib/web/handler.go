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

// Package web implements the broker's HTTP API: session connect, query
// execution, disconnect and connection health, all JSON over a bearer
// token guard.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/infisical/pam-broker/lib/db/common"
	"github.com/infisical/pam-broker/lib/httplib"
	"github.com/infisical/pam-broker/lib/pam"
)

// Service is the part of the session pipeline the API server drives.
type Service interface {
	// Connect validates that a session can execute queries.
	Connect(ctx context.Context, sessionID string, actor pam.Actor) (*pam.ConnectResponse, error)
	// ExecuteQuery runs one SQL statement for a session.
	ExecuteQuery(ctx context.Context, req pam.QueryRequest) (*common.Result, error)
	// Disconnect tears down the connections of a session.
	Disconnect(ctx context.Context, sessionID string) (*pam.DisconnectResponse, error)
	// Health reports the pooled connections and registered tunnels.
	Health(ctx context.Context) (*pam.HealthInfo, error)
}

var _ Service = (*pam.Service)(nil)

// Config combines parameters for the API handler.
type Config struct {
	// Service executes validated session operations.
	Service Service

	// AuthToken is the bearer token required on every route.
	AuthToken string

	// Clock measures query execution time.
	Clock clockwork.Clock

	// Log is the logger to use.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Service == nil {
		return trace.BadParameter("missing parameter Service")
	}
	if c.AuthToken == "" {
		return trace.BadParameter("missing parameter AuthToken")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Handler is the broker's HTTP API server.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler returns a new API handler with all routes bound.
func NewHandler(config Config) (*Handler, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: config}

	h.POST("/api/v1/pam/sessions/:sessionID/connect", h.withAuth(h.connect))
	h.POST("/api/v1/pam/sessions/:sessionID/query", h.withAuth(h.query))
	h.POST("/api/v1/pam/sessions/:sessionID/disconnect", h.withAuth(h.disconnect))
	h.GET("/api/v1/pam/sessions/connections/health", h.withAuth(h.health))

	return h, nil
}

// withAuth guards a route with the broker bearer token. A request without
// credentials gets 401 so clients know to attach them, a wrong token gets
// the usual access denied mapping.
func (h *Handler) withAuth(fn httplib.HandlerFunc) httprouter.Handle {
	handler := httplib.MakeHandler(fn)
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pam-broker"`)
			roundtrip.ReplyJSON(w, http.StatusUnauthorized, map[string]string{
				"message": "missing bearer token",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
			h.cfg.Log.WarnContext(r.Context(), "Rejected request with invalid bearer token.",
				"method", r.Method, "path", r.URL.Path)
			trace.WriteError(w, trace.AccessDenied("invalid bearer token"))
			return
		}
		handler(w, r, p)
	}
}

// connect validates the session and reports the database it would reach.
// POST /api/v1/pam/sessions/:sessionID/connect
func (h *Handler) connect(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	resp, err := h.cfg.Service.Connect(r.Context(), p.ByName("sessionID"), actorFromRequest(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

// queryRequest is the body of a query call.
type queryRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// queryResponse is the reply of a query call.
type queryResponse struct {
	Fields          []common.Field `json:"fields"`
	Rows            [][]any        `json:"rows"`
	RowCount        int            `json:"rowCount"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
}

// query runs one SQL statement through the session pipeline.
// POST /api/v1/pam/sessions/:sessionID/query
func (h *Handler) query(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req queryRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	start := h.cfg.Clock.Now()
	result, err := h.cfg.Service.ExecuteQuery(r.Context(), pam.QueryRequest{
		SessionID: p.ByName("sessionID"),
		SQL:       req.SQL,
		Params:    req.Params,
		Actor:     actorFromRequest(r),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return queryResponse{
		Fields:          result.Fields,
		Rows:            result.Rows,
		RowCount:        result.RowCount,
		ExecutionTimeMs: h.cfg.Clock.Since(start).Milliseconds(),
	}, nil
}

// disconnect tears down the session's tunnel and pooled connection.
// POST /api/v1/pam/sessions/:sessionID/disconnect
func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	resp, err := h.cfg.Service.Disconnect(r.Context(), p.ByName("sessionID"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

// health reports pooled connections and registered tunnels.
// GET /api/v1/pam/sessions/connections/health
func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	info, err := h.cfg.Service.Health(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return info, nil
}

// actorFromRequest builds the acting identity from the forwarded identity
// headers the control plane front door sets after verifying the caller.
// Requests without them act as the broker itself.
func actorFromRequest(r *http.Request) pam.Actor {
	actor := pam.Actor{ID: "system", Type: pam.ActorTypeUser, Name: "PAM Broker"}
	if id := r.Header.Get("X-Forwarded-User-Id"); id != "" {
		actor.ID = id
	}
	if name := r.Header.Get("X-Forwarded-User"); name != "" {
		actor.Name = name
	}
	return actor
}
