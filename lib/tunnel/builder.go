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

package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/infisical/pam-broker/lib/defaults"
)

// ConnectionBundle carries the TLS material for both tunnel legs, flattened
// from the gateway service's connection details response.
type ConnectionBundle struct {
	// SessionID identifies the PAM session the tunnel will serve.
	SessionID string
	// RelayHost is the relay endpoint as "host" or "host:port". The
	// default relay port applies when none is given.
	RelayHost string

	// Relay leg client pair and server roots, PEM-encoded.
	RelayClientCertificate      string
	RelayClientPrivateKey       string
	RelayServerCertificateChain string

	// Gateway leg client pair and server roots, PEM-encoded.
	GatewayClientCertificate      string
	GatewayClientPrivateKey       string
	GatewayServerCertificateChain string
}

// DialConfig is the tunnel dialer configuration.
type DialConfig struct {
	// Bundle is the TLS material for both legs.
	Bundle ConnectionBundle
	// HandshakeTimeout bounds the connect plus handshake of each leg.
	HandshakeTimeout time.Duration
	// Log is the logger to use.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *DialConfig) CheckAndSetDefaults() error {
	if c.Bundle.SessionID == "" {
		return trace.BadParameter("missing session ID")
	}
	if c.Bundle.RelayHost == "" {
		return trace.BadParameter("missing relay host")
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaults.TLSHandshakeTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Dial builds the two-hop stream to the gateway, relay leg first. On any
// failure every connection opened so far is closed before returning.
func Dial(ctx context.Context, config DialConfig) (*Tunnel, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	outer, err := dialRelay(ctx, config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	inner, err := dialGateway(ctx, config, outer)
	if err != nil {
		outer.Close()
		return nil, trace.Wrap(err)
	}
	// The handshake deadlines are done with, the stream lives for as long
	// as the query runs.
	_ = inner.SetDeadline(time.Time{})
	_ = outer.SetDeadline(time.Time{})
	tunnel := newTunnel(config.Bundle.SessionID, outer, inner, config.Log)
	config.Log.DebugContext(ctx, "Built gateway tunnel.",
		"session_id", tunnel.SessionID,
		"tunnel_id", tunnel.ID,
		"relay_host", config.Bundle.RelayHost,
		"protocol", inner.ConnectionState().NegotiatedProtocol)
	return tunnel, nil
}

// dialRelay establishes the outer mTLS leg to the gateway relay. The relay
// endpoint is verified against the bundled certificate chain and must accept
// the bundled client certificate.
func dialRelay(ctx context.Context, config DialConfig) (*tls.Conn, error) {
	bundle := config.Bundle
	if bundle.RelayClientCertificate == "" || bundle.RelayClientPrivateKey == "" || bundle.RelayServerCertificateChain == "" {
		return nil, trace.ConnectionProblem(nil, "Missing relay TLS certificates or keys")
	}
	cert, err := tls.X509KeyPair([]byte(bundle.RelayClientCertificate), []byte(bundle.RelayClientPrivateKey))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "Relay TLS connection error: %v", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(bundle.RelayServerCertificateChain)) {
		return nil, trace.ConnectionProblem(nil, "Relay TLS connection error: failed to parse relay certificate chain")
	}
	host, port, err := parseRelayHost(bundle.RelayHost)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "Relay TLS connection error: %v", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()
	netConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "Relay TLS connection error: %v", err)
	}
	tlsConn := tls.Client(netConn, &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		ServerName:   host,
		MinVersion:   tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		netConn.Close()
		if isAuthorizationError(err) {
			return nil, trace.ConnectionProblem(err, "Relay TLS authorization failed: %v", err)
		}
		return nil, trace.ConnectionProblem(err, "Relay TLS connection error: %v", err)
	}
	return tlsConn, nil
}

// dialGateway establishes the inner TLS leg on top of the relay stream. The
// gateway presents a certificate for its loopback identity so verification
// is off, the outer leg already authenticated the relay endpoint. The
// gateway proxy protocol must be negotiated via ALPN.
func dialGateway(ctx context.Context, config DialConfig, outer net.Conn) (*tls.Conn, error) {
	bundle := config.Bundle
	if bundle.GatewayClientCertificate == "" || bundle.GatewayClientPrivateKey == "" || bundle.GatewayServerCertificateChain == "" {
		return nil, trace.ConnectionProblem(nil, "Missing gateway TLS certificates or keys")
	}
	cert, err := tls.X509KeyPair([]byte(bundle.GatewayClientCertificate), []byte(bundle.GatewayClientPrivateKey))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "Gateway TLS handshake failed: %v", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(bundle.GatewayServerCertificateChain)) {
		return nil, trace.ConnectionProblem(nil, "Gateway TLS handshake failed: failed to parse gateway certificate chain")
	}
	inner := tls.Client(outer, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            roots,
		InsecureSkipVerify: true,
		ServerName:         defaults.GatewaySNI,
		NextProtos:         []string{defaults.GatewayALPNProtocol},
		MinVersion:         tls.VersionTLS12,
	})
	handshakeCtx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()
	if err := inner.HandshakeContext(handshakeCtx); err != nil {
		return nil, trace.ConnectionProblem(err, "Gateway TLS handshake failed: %v", err)
	}
	if inner.ConnectionState().NegotiatedProtocol == "" {
		return nil, trace.ConnectionProblem(nil, "Gateway TLS handshake failed: no application protocol negotiated")
	}
	return inner, nil
}

// parseRelayHost splits the relay endpoint into host and port, applying the
// default relay port when none is present.
func parseRelayHost(relayHost string) (string, string, error) {
	if !strings.Contains(relayHost, ":") {
		return relayHost, strconv.Itoa(defaults.RelayPort), nil
	}
	host, port, err := net.SplitHostPort(relayHost)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	return host, port, nil
}

// isAuthorizationError reports whether the handshake error indicates a
// certificate or authorization problem rather than a transport one. Peer
// rejection of our client certificate surfaces as a remote TLS alert.
func isAuthorizationError(err error) bool {
	var verificationErr *tls.CertificateVerificationError
	if errors.As(err, &verificationErr) {
		return true
	}
	var unknownAuthorityErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &unknownAuthorityErr) || errors.As(err, &hostnameErr) || errors.As(err, &invalidErr) {
		return true
	}
	return strings.Contains(err.Error(), "remote error: tls:")
}
