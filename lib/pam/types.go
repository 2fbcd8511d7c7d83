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

// Package pam implements the session pipeline of the PAM database broker:
// validating sessions, resolving credentials and gateway material through
// the control plane, and executing queries over short-lived gateway
// tunnels.
package pam

import (
	"context"
	"time"

	"github.com/infisical/pam-broker/lib/db/common"
	"github.com/infisical/pam-broker/lib/tunnel"
)

// SessionStatus is the lifecycle state of a PAM session.
type SessionStatus string

const (
	// SessionStatusStarting is a session that has been approved but not
	// used yet.
	SessionStatusStarting SessionStatus = "starting"
	// SessionStatusActive is a session in use.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusEnded is a terminated session. Ended sessions never
	// become usable again.
	SessionStatusEnded SessionStatus = "ended"
)

// Session is a control-plane PAM session record.
type Session struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	AccountID string        `json:"accountId"`
	ProjectID string        `json:"projectId"`
	// ExpiresAt bounds the session lifetime. Nil means the session never
	// expires. A session whose expiry equals the current time counts as
	// expired.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Account is the privileged database account a session was approved for.
type Account struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

// Resource is the database resource a privileged account belongs to.
type Resource struct {
	ID   string      `json:"id"`
	Kind common.Kind `json:"resourceType"`
	// GatewayID names the gateway colocated with the database. Nil means
	// the resource cannot be reached through a tunnel.
	GatewayID *string `json:"gatewayId,omitempty"`
}

// ActorType classifies who triggered an operation.
type ActorType string

// ActorTypeUser marks operations triggered by a human user.
const ActorTypeUser ActorType = "user"

// Actor identifies the principal behind an operation for audit purposes.
type Actor struct {
	ID   string    `json:"id"`
	Type ActorType `json:"type"`
	Name string    `json:"name"`
}

// SessionCredentials is the credential vault response for one session.
type SessionCredentials struct {
	Credentials common.Credentials `json:"credentials"`
	ProjectID   string             `json:"projectId"`
	Account     *Account           `json:"account,omitempty"`
	// SessionStarted reports whether the control plane has already
	// recorded a session start event.
	SessionStarted bool `json:"sessionStarted"`
}

// ConnectionDetailsRequest asks the gateway service for the TLS material
// of one session's tunnel.
type ConnectionDetailsRequest struct {
	SessionID     string      `json:"sessionId"`
	GatewayID     string      `json:"gatewayId"`
	ResourceType  common.Kind `json:"resourceType"`
	Host          string      `json:"host"`
	Port          int         `json:"port"`
	ActorMetadata Actor       `json:"actorMetadata"`
}

// HopDetails carries the PEM material for one TLS hop of the tunnel.
type HopDetails struct {
	ClientCertificate      string `json:"clientCertificate"`
	ClientPrivateKey       string `json:"clientPrivateKey"`
	ServerCertificateChain string `json:"serverCertificateChain"`
}

// ConnectionDetails is the gateway service's nested response describing
// both tunnel hops.
type ConnectionDetails struct {
	RelayHost string      `json:"relayHost"`
	Relay     *HopDetails `json:"relay,omitempty"`
	Gateway   *HopDetails `json:"gateway,omitempty"`
}

// Bundle flattens the nested connection details into the tunnel dialing
// bundle. Fields of absent hops stay empty, the dialer reports them as
// missing TLS material.
func (d *ConnectionDetails) Bundle(sessionID string) tunnel.ConnectionBundle {
	bundle := tunnel.ConnectionBundle{
		SessionID: sessionID,
		RelayHost: d.RelayHost,
	}
	if d.Relay != nil {
		bundle.RelayClientCertificate = d.Relay.ClientCertificate
		bundle.RelayClientPrivateKey = d.Relay.ClientPrivateKey
		bundle.RelayServerCertificateChain = d.Relay.ServerCertificateChain
	}
	if d.Gateway != nil {
		bundle.GatewayClientCertificate = d.Gateway.ClientCertificate
		bundle.GatewayClientPrivateKey = d.Gateway.ClientPrivateKey
		bundle.GatewayServerCertificateChain = d.Gateway.ServerCertificateChain
	}
	return bundle
}

// SessionGetter fetches session records from the control plane.
type SessionGetter interface {
	// GetSession returns the session or trace.NotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}

// AccountGetter fetches privileged account records from the control plane.
type AccountGetter interface {
	// GetAccount returns the account or trace.NotFound.
	GetAccount(ctx context.Context, accountID string) (*Account, error)
}

// ResourceGetter fetches database resource records from the control plane.
type ResourceGetter interface {
	// GetResource returns the resource or trace.NotFound.
	GetResource(ctx context.Context, resourceID string) (*Resource, error)
}

// CredentialVault decrypts database credentials for a session.
type CredentialVault interface {
	// GetSessionCredentials returns the session's database credentials.
	GetSessionCredentials(ctx context.Context, sessionID string, actor Actor) (*SessionCredentials, error)
}

// GatewayService issues the TLS material for gateway tunnels.
type GatewayService interface {
	// GetConnectionDetails returns the nested TLS bundle for a session's
	// tunnel, or nil when the gateway has none to offer.
	GetConnectionDetails(ctx context.Context, req ConnectionDetailsRequest) (*ConnectionDetails, error)
}
