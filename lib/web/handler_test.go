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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/infisical/pam-broker/lib/db/common"
	"github.com/infisical/pam-broker/lib/db/pool"
	"github.com/infisical/pam-broker/lib/pam"
	"github.com/infisical/pam-broker/lib/tunnel"
)

const testToken = "broker-token"

func TestHandlerConfig(t *testing.T) {
	tests := []struct {
		desc   string
		config Config
	}{
		{desc: "missing service", config: Config{AuthToken: testToken}},
		{desc: "missing token", config: Config{Service: &stubService{}}},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := NewHandler(tt.config)
			require.True(t, trace.IsBadParameter(err), "unexpected error: %v", err)
		})
	}
}

func TestHandlerAuth(t *testing.T) {
	pack := newTestPack(t)

	t.Run("missing token", func(t *testing.T) {
		resp := pack.do(t, request{method: http.MethodGet, path: "/api/v1/pam/sessions/connections/health"})
		require.Equal(t, http.StatusUnauthorized, resp.code)
		require.Contains(t, resp.header.Get("WWW-Authenticate"), "Bearer")
		require.Contains(t, resp.body, "missing bearer token")
	})

	t.Run("wrong token", func(t *testing.T) {
		resp := pack.do(t, request{
			method: http.MethodGet,
			path:   "/api/v1/pam/sessions/connections/health",
			token:  "not-the-token",
		})
		require.Equal(t, http.StatusForbidden, resp.code)
		require.Contains(t, resp.body, "invalid bearer token")
	})

	t.Run("valid token", func(t *testing.T) {
		resp := pack.do(t, request{
			method: http.MethodGet,
			path:   "/api/v1/pam/sessions/connections/health",
			token:  testToken,
		})
		require.Equal(t, http.StatusOK, resp.code)
	})
}

func TestHandlerQuery(t *testing.T) {
	pack := newTestPack(t)
	pack.svc.queryTime = 1500 * time.Millisecond

	resp := pack.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/pam/sessions/s1/query",
		token:  testToken,
		body:   `{"sql":"SELECT $1","params":["hello"]}`,
		headers: map[string]string{
			"X-Forwarded-User-Id": "u1",
			"X-Forwarded-User":    "alice",
		},
	})
	require.Equal(t, http.StatusOK, resp.code)

	var out struct {
		Fields          []common.Field `json:"fields"`
		Rows            [][]any        `json:"rows"`
		RowCount        int            `json:"rowCount"`
		ExecutionTimeMs int64          `json:"executionTimeMs"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.body), &out))
	require.Equal(t, []common.Field{{Name: "?column?", DataType: "23"}}, out.Fields)
	require.Equal(t, [][]any{{"1"}}, out.Rows)
	require.Equal(t, 1, out.RowCount)
	require.EqualValues(t, 1500, out.ExecutionTimeMs)

	// The pipeline got the route session, the body and the forwarded
	// identity.
	require.Equal(t, "s1", pack.svc.lastQuery.SessionID)
	require.Equal(t, "SELECT $1", pack.svc.lastQuery.SQL)
	require.Equal(t, []any{"hello"}, pack.svc.lastQuery.Params)
	require.Equal(t, pam.Actor{ID: "u1", Type: pam.ActorTypeUser, Name: "alice"}, pack.svc.lastQuery.Actor)
}

func TestHandlerQueryDefaultActor(t *testing.T) {
	pack := newTestPack(t)

	resp := pack.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/pam/sessions/s1/query",
		token:  testToken,
		body:   `{"sql":"SELECT 1"}`,
	})
	require.Equal(t, http.StatusOK, resp.code)
	require.Equal(t, pam.Actor{ID: "system", Type: pam.ActorTypeUser, Name: "PAM Broker"}, pack.svc.lastQuery.Actor)
}

func TestHandlerQueryErrors(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		code int
	}{
		{desc: "bad parameter", err: trace.BadParameter("sql statement must not be empty"), code: http.StatusBadRequest},
		{desc: "access denied", err: trace.AccessDenied("Session has ended"), code: http.StatusForbidden},
		{desc: "not found", err: trace.NotFound("Session not found"), code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			pack := newTestPack(t)
			pack.svc.queryErr = tt.err

			resp := pack.do(t, request{
				method: http.MethodPost,
				path:   "/api/v1/pam/sessions/s1/query",
				token:  testToken,
				body:   `{"sql":"SELECT 1"}`,
			})
			require.Equal(t, tt.code, resp.code)
			require.Contains(t, resp.body, tt.err.Error())
		})
	}
}

func TestHandlerQueryMalformedBody(t *testing.T) {
	pack := newTestPack(t)

	resp := pack.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/pam/sessions/s1/query",
		token:  testToken,
		body:   `{"sql":`,
	})
	require.Equal(t, http.StatusBadRequest, resp.code)
	require.Contains(t, resp.body, "failed to decode request body")
	// The pipeline never ran.
	require.Empty(t, pack.svc.lastQuery.SessionID)
}

func TestHandlerConnect(t *testing.T) {
	pack := newTestPack(t)

	resp := pack.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/pam/sessions/s1/connect",
		token:  testToken,
		headers: map[string]string{
			"X-Forwarded-User-Id": "u1",
			"X-Forwarded-User":    "alice",
		},
	})
	require.Equal(t, http.StatusOK, resp.code)

	var out pam.ConnectResponse
	require.NoError(t, json.Unmarshal([]byte(resp.body), &out))
	require.Equal(t, pam.ConnectResponse{
		Status:   "connected",
		Message:  "Session is ready to execute queries",
		Database: "test",
	}, out)
	require.Equal(t, "s1", pack.svc.lastSessionID)
	require.Equal(t, "alice", pack.svc.lastActor.Name)
}

func TestHandlerDisconnect(t *testing.T) {
	pack := newTestPack(t)

	resp := pack.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/pam/sessions/s1/disconnect",
		token:  testToken,
	})
	require.Equal(t, http.StatusOK, resp.code)

	var out pam.DisconnectResponse
	require.NoError(t, json.Unmarshal([]byte(resp.body), &out))
	require.Equal(t, "disconnected", out.Status)
	require.Equal(t, "s1", pack.svc.lastSessionID)
}

func TestHandlerHealth(t *testing.T) {
	pack := newTestPack(t)

	resp := pack.do(t, request{
		method: http.MethodGet,
		path:   "/api/v1/pam/sessions/connections/health",
		token:  testToken,
	})
	require.Equal(t, http.StatusOK, resp.code)

	var out pam.HealthInfo
	require.NoError(t, json.Unmarshal([]byte(resp.body), &out))
	require.Equal(t, "healthy", out.Status)
	require.Equal(t, 1, out.ActiveConnections)
	require.Len(t, out.ConnectionPoolInfo, 1)
	require.Equal(t, "s1", out.ConnectionPoolInfo[0].SessionID)
	require.Len(t, out.Tunnels, 1)
	require.Equal(t, "s2", out.Tunnels[0].SessionID)
}

// testPack serves a handler backed by a stub service.
type testPack struct {
	svc   *stubService
	srv   *httptest.Server
	clock *clockwork.FakeClock
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	clock := clockwork.NewFakeClock()
	svc := &stubService{clock: clock}
	handler, err := NewHandler(Config{
		Service:   svc,
		AuthToken: testToken,
		Clock:     clock,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testPack{svc: svc, srv: srv, clock: clock}
}

type request struct {
	method  string
	path    string
	token   string
	body    string
	headers map[string]string
}

type response struct {
	code   int
	header http.Header
	body   string
}

func (p *testPack) do(t *testing.T, req request) response {
	t.Helper()
	var body io.Reader
	if req.body != "" {
		body = bytes.NewBufferString(req.body)
	}
	httpReq, err := http.NewRequest(req.method, p.srv.URL+req.path, body)
	require.NoError(t, err)
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}
	httpResp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)
	return response{code: httpResp.StatusCode, header: httpResp.Header, body: string(respBody)}
}

// stubService implements Service with canned replies, advancing the fake
// clock by queryTime to simulate pipeline latency.
type stubService struct {
	clock     *clockwork.FakeClock
	queryTime time.Duration
	queryErr  error

	lastSessionID string
	lastActor     pam.Actor
	lastQuery     pam.QueryRequest
}

func (s *stubService) Connect(ctx context.Context, sessionID string, actor pam.Actor) (*pam.ConnectResponse, error) {
	s.lastSessionID = sessionID
	s.lastActor = actor
	return &pam.ConnectResponse{
		Status:   "connected",
		Message:  "Session is ready to execute queries",
		Database: "test",
	}, nil
}

func (s *stubService) ExecuteQuery(ctx context.Context, req pam.QueryRequest) (*common.Result, error) {
	s.lastQuery = req
	if s.queryTime != 0 {
		s.clock.Advance(s.queryTime)
	}
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return &common.Result{
		Fields:   []common.Field{{Name: "?column?", DataType: "23"}},
		Rows:     [][]any{{"1"}},
		RowCount: 1,
	}, nil
}

func (s *stubService) Disconnect(ctx context.Context, sessionID string) (*pam.DisconnectResponse, error) {
	s.lastSessionID = sessionID
	return &pam.DisconnectResponse{
		Status:  "disconnected",
		Message: "Session connections closed",
	}, nil
}

func (s *stubService) Health(ctx context.Context) (*pam.HealthInfo, error) {
	return &pam.HealthInfo{
		Status:            "healthy",
		ActiveConnections: 1,
		ConnectionPoolInfo: []pool.ConnectionInfo{
			{SessionID: "s1", Kind: common.KindPostgres},
		},
		Tunnels: []tunnel.Status{
			{SessionID: "s2", TunnelID: "t1", Active: true},
		},
	}, nil
}
