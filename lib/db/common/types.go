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

// Package common provides the driver-agnostic types shared by the database
// connector implementations and their callers.
package common

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/gravitational/trace"

	"github.com/infisical/pam-broker/lib/defaults"
)

// Kind identifies the database engine of a resource.
type Kind string

const (
	// KindPostgres is a PostgreSQL resource.
	KindPostgres Kind = "postgres"

	// KindMySQL is a MySQL resource.
	KindMySQL Kind = "mysql"
)

// ParseKind validates a resource kind received from the control plane.
func ParseKind(raw string) (Kind, error) {
	switch kind := Kind(raw); kind {
	case KindPostgres, KindMySQL:
		return kind, nil
	}
	return "", trace.BadParameter("unsupported database resource kind %q", raw)
}

// Credentials are the decrypted session credentials for one database
// resource, as returned by the credential vault.
type Credentials struct {
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	Database              string `json:"database"`
	Username              string `json:"username"`
	Password              string `json:"password"`
	SSLEnabled            bool   `json:"sslEnabled"`
	SSLRejectUnauthorized bool   `json:"sslRejectUnauthorized"`
	// SSLCertificate optionally carries a PEM bundle of roots to trust
	// when verifying the database server certificate.
	SSLCertificate string `json:"sslCertificate,omitempty"`
}

// TLSConfig builds the client TLS configuration for a direct connection to
// the database described by the credentials. Returns nil when SSL is
// disabled.
func (c Credentials) TLSConfig() (*tls.Config, error) {
	if !c.SSLEnabled {
		return nil, nil
	}
	conf := &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: !c.SSLRejectUnauthorized,
	}
	if c.SSLCertificate != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.SSLCertificate)) {
			return nil, trace.BadParameter("failed to parse database CA certificate")
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// ConnectConfig describes a single driver-level connection.
type ConnectConfig struct {
	// Kind selects the connector.
	Kind Kind
	// Host and Port address the endpoint to dial. On the tunneled path
	// this is the loopback bridge, on the direct path the database
	// itself.
	Host string
	Port int
	// Database, Username and Password authenticate the session.
	Database string
	Username string
	Password string
	// TLS configures transport security towards the endpoint. Nil
	// disables TLS, which is the norm on the tunneled path where the
	// tunnel already provides it.
	TLS *tls.Config
	// ConnectTimeout bounds the connect attempt.
	ConnectTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *ConnectConfig) CheckAndSetDefaults() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return trace.Wrap(err)
	}
	if c.Host == "" {
		return trace.BadParameter("missing database host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return trace.BadParameter("invalid database port %v", c.Port)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.DatabaseConnectTimeout
	}
	return nil
}
