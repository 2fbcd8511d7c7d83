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

// Package client implements a REST client for the control plane. It backs
// every collaborator interface the session resolver consumes: sessions,
// accounts, resources, the credential vault and the gateway service.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/infisical/pam-broker/lib/httplib"
	"github.com/infisical/pam-broker/lib/pam"
)

// CurrentVersion is the API version prefix of every control plane route.
const CurrentVersion = "api/v1"

// Config combines parameters for the control plane client.
type Config struct {
	// Addr is the control plane base URL.
	Addr string

	// Token is the bearer token the broker authenticates with.
	Token string

	// Client is the HTTP client to use. Defaults to the net/http default
	// client.
	Client *http.Client

	// Log is the logger to use.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.Token == "" {
		return trace.BadParameter("missing parameter Token")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Client is an HTTP client to the control plane API.
type Client struct {
	roundtrip *roundtrip.Client
	log       *slog.Logger
}

// Client backs every collaborator interface of the resolver.
var (
	_ pam.SessionGetter   = (*Client)(nil)
	_ pam.AccountGetter   = (*Client)(nil)
	_ pam.ResourceGetter  = (*Client)(nil)
	_ pam.CredentialVault = (*Client)(nil)
	_ pam.GatewayService  = (*Client)(nil)
)

// New returns a new control plane client.
func New(config Config) (*Client, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	opts := []roundtrip.ClientParam{roundtrip.BearerAuth(config.Token)}
	if config.Client != nil {
		opts = append(opts, roundtrip.HTTPClient(config.Client))
	}
	clt, err := roundtrip.NewClient(config.Addr, CurrentVersion, opts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{roundtrip: clt, log: config.Log}, nil
}

// get issues a GET and converts the response, so control plane error
// kinds round-trip into trace errors.
func (c *Client) get(ctx context.Context, endpoint string) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.roundtrip.Get(ctx, endpoint, url.Values{}))
}

// postJSON issues a POST with a JSON body and converts the response.
func (c *Client) postJSON(ctx context.Context, endpoint string, data any) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.roundtrip.PostJSON(ctx, endpoint, data))
}

// GetSession returns the session record with the given ID. Absent
// sessions surface as trace.NotFound.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*pam.Session, error) {
	resp, err := c.get(ctx, c.roundtrip.Endpoint("pam", "sessions", sessionID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var session pam.Session
	if err := json.Unmarshal(resp.Bytes(), &session); err != nil {
		return nil, trace.Wrap(err)
	}
	return &session, nil
}

// GetAccount returns the PAM account record with the given ID.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*pam.Account, error) {
	resp, err := c.get(ctx, c.roundtrip.Endpoint("pam", "accounts", accountID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var account pam.Account
	if err := json.Unmarshal(resp.Bytes(), &account); err != nil {
		return nil, trace.Wrap(err)
	}
	return &account, nil
}

// GetResource returns the PAM resource record with the given ID.
func (c *Client) GetResource(ctx context.Context, resourceID string) (*pam.Resource, error) {
	resp, err := c.get(ctx, c.roundtrip.Endpoint("pam", "resources", resourceID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var resource pam.Resource
	if err := json.Unmarshal(resp.Bytes(), &resource); err != nil {
		return nil, trace.Wrap(err)
	}
	return &resource, nil
}

// getCredentialsRequest is the body of a credential checkout call.
type getCredentialsRequest struct {
	ActorMetadata pam.Actor `json:"actorMetadata"`
}

// GetSessionCredentials checks decrypted credentials out of the vault for
// the session on behalf of the given actor. Vault denials surface with
// their original error kind.
func (c *Client) GetSessionCredentials(ctx context.Context, sessionID string, actor pam.Actor) (*pam.SessionCredentials, error) {
	resp, err := c.postJSON(ctx, c.roundtrip.Endpoint("pam", "sessions", sessionID, "credentials"),
		getCredentialsRequest{ActorMetadata: actor})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var credentials pam.SessionCredentials
	if err := json.Unmarshal(resp.Bytes(), &credentials); err != nil {
		return nil, trace.Wrap(err)
	}
	return &credentials, nil
}

// GetConnectionDetails asks the gateway service for the relay endpoint and
// the TLS material of both tunnel legs. The service replies null when it
// has nothing for the resource, which is returned as a nil details struct.
func (c *Client) GetConnectionDetails(ctx context.Context, req pam.ConnectionDetailsRequest) (*pam.ConnectionDetails, error) {
	resp, err := c.postJSON(ctx, c.roundtrip.Endpoint("pam", "gateways", "connection-details"), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var details *pam.ConnectionDetails
	if err := json.Unmarshal(resp.Bytes(), &details); err != nil {
		return nil, trace.Wrap(err)
	}
	return details, nil
}
