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

	"github.com/infisical/pam-broker/lib/db/common"
	"github.com/infisical/pam-broker/lib/tunnel"
)

// gatewayActor identifies the broker itself on gateway service calls.
var gatewayActor = Actor{
	ID:   "system",
	Type: ActorTypeUser,
	Name: "PAM TCP Gateway",
}

// ResolverConfig holds the resolver's control-plane collaborators.
type ResolverConfig struct {
	// Sessions fetches session records.
	Sessions SessionGetter
	// Accounts fetches privileged account records.
	Accounts AccountGetter
	// Resources fetches database resource records.
	Resources ResourceGetter
	// Vault decrypts session credentials.
	Vault CredentialVault
	// Gateways issues tunnel TLS material.
	Gateways GatewayService
	// Clock is the time source for expiry checks.
	Clock clockwork.Clock
	// Log emits resolver events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Accounts == nil {
		return trace.BadParameter("missing parameter Accounts")
	}
	if c.Resources == nil {
		return trace.BadParameter("missing parameter Resources")
	}
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	if c.Gateways == nil {
		return trace.BadParameter("missing parameter Gateways")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Resolver turns a session ID into everything a query needs: the session
// itself, its account and resource, the database credentials and the
// tunnel TLS bundle.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver returns a resolver over the given collaborators.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: config}, nil
}

// Resolved is the outcome of session resolution. Bundle is only populated
// by ResolveForQuery.
type Resolved struct {
	Session     *Session
	Account     *Account
	Resource    *Resource
	Credentials common.Credentials
	Bundle      tunnel.ConnectionBundle
}

// ValidateSession checks that the session is usable and resolves its
// account, resource and credentials. It backs the connect handshake,
// which reports the database without opening a tunnel, so no gateway
// material is fetched.
func (r *Resolver) ValidateSession(ctx context.Context, sessionID string, actor Actor) (*Resolved, error) {
	session, err := r.getUsableSession(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	account, err := r.cfg.Accounts.GetAccount(ctx, session.AccountID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("Account not found")
		}
		return nil, trace.Wrap(err)
	}
	if account == nil {
		return nil, trace.NotFound("Account not found")
	}

	resource, err := r.cfg.Resources.GetResource(ctx, account.ResourceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("Resource not found")
		}
		return nil, trace.Wrap(err)
	}
	if resource == nil {
		return nil, trace.NotFound("Resource not found")
	}

	// Vault errors keep their kind so callers can tell denied from
	// unavailable.
	credentials, err := r.cfg.Vault.GetSessionCredentials(ctx, sessionID, actor)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Resolved{
		Session:     session,
		Account:     account,
		Resource:    resource,
		Credentials: credentials.Credentials,
	}, nil
}

// ResolveForQuery resolves everything a tunneled query needs, including
// the gateway TLS bundle.
func (r *Resolver) ResolveForQuery(ctx context.Context, sessionID string, actor Actor) (*Resolved, error) {
	resolved, err := r.ValidateSession(ctx, sessionID, actor)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if resolved.Resource.GatewayID == nil {
		return nil, trace.BadParameter("Resource does not have a gateway configured")
	}

	details, err := r.cfg.Gateways.GetConnectionDetails(ctx, ConnectionDetailsRequest{
		SessionID:     sessionID,
		GatewayID:     *resolved.Resource.GatewayID,
		ResourceType:  resolved.Resource.Kind,
		Host:          "localhost",
		Port:          8443,
		ActorMetadata: gatewayActor,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if details == nil {
		return nil, trace.BadParameter("Failed to get gateway connection details")
	}

	resolved.Bundle = details.Bundle(sessionID)
	return resolved, nil
}

// getUsableSession fetches the session and applies the usability ladder:
// the session must exist, must not have ended and must not have expired.
// Expiry exactly at the current time counts as expired.
func (r *Resolver) getUsableSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := r.cfg.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("Session not found")
		}
		return nil, trace.Wrap(err)
	}
	if session == nil {
		return nil, trace.NotFound("Session not found")
	}
	if session.Status == SessionStatusEnded {
		return nil, trace.AccessDenied("Session has ended")
	}
	if session.ExpiresAt != nil && !session.ExpiresAt.After(r.cfg.Clock.Now()) {
		return nil, trace.AccessDenied("Session has expired")
	}
	return session, nil
}
