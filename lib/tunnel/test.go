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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/infisical/pam-broker/lib/defaults"
	"github.com/infisical/pam-broker/lib/utils"
)

// TestGatewayConfig combines parameters for a test relay/gateway pair.
type TestGatewayConfig struct {
	// Handler serves the gateway end of each tunneled stream. Defaults to
	// an echo handler.
	Handler func(net.Conn)
	// DisableALPN strips the proxy protocol from the gateway handshake so
	// clients see no negotiated protocol.
	DisableALPN bool
	// Log is the logger to use.
	Log *slog.Logger
}

// TestGateway terminates both tunnel legs the way a relay fronting a
// database gateway does: an mTLS listener whose streams carry a second,
// ALPN-negotiated TLS session.
type TestGateway struct {
	cfg      TestGatewayConfig
	listener net.Listener
	log      *slog.Logger

	relayCA   *testCA
	gatewayCA *testCA

	relayTLS   *tls.Config
	gatewayTLS *tls.Config

	relayClientCert   []byte
	relayClientKey    []byte
	gatewayClientCert []byte
	gatewayClientKey  []byte
}

// NewTestGateway returns a test gateway listening on a random loopback
// port.
func NewTestGateway(config TestGatewayConfig) (*TestGateway, error) {
	if config.Handler == nil {
		config.Handler = func(conn net.Conn) {
			_, _ = io.Copy(conn, conn)
		}
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}

	relayCA, err := newTestCA("test-relay-ca")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gatewayCA, err := newTestCA("test-gateway-ca")
	if err != nil {
		return nil, trace.Wrap(err)
	}

	relayServerCert, relayServerKey, err := relayCA.issue("relay", serverUsage,
		[]string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	relayClientCert, relayClientKey, err := relayCA.issue("relay-client", clientUsage, nil, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gatewayServerCert, gatewayServerKey, err := gatewayCA.issue(defaults.GatewaySNI, serverUsage,
		[]string{defaults.GatewaySNI}, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gatewayClientCert, gatewayClientKey, err := gatewayCA.issue("gateway-client", clientUsage, nil, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	relayServerPair, err := tls.X509KeyPair(relayServerCert, relayServerKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gatewayServerPair, err := tls.X509KeyPair(gatewayServerCert, gatewayServerKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	gatewayProtos := []string{defaults.GatewayALPNProtocol}
	if config.DisableALPN {
		gatewayProtos = nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &TestGateway{
		cfg:       config,
		listener:  listener,
		log:       log.With("server", "gateway", "listen_addr", listener.Addr().String()),
		relayCA:   relayCA,
		gatewayCA: gatewayCA,
		relayTLS: &tls.Config{
			Certificates: []tls.Certificate{relayServerPair},
			ClientCAs:    relayCA.pool(),
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS12,
			// TLS 1.2 so client certificate rejection surfaces during
			// the handshake instead of on the first read.
			MaxVersion: tls.VersionTLS12,
		},
		gatewayTLS: &tls.Config{
			Certificates: []tls.Certificate{gatewayServerPair},
			ClientCAs:    gatewayCA.pool(),
			ClientAuth:   tls.RequireAndVerifyClientCert,
			NextProtos:   gatewayProtos,
			MinVersion:   tls.VersionTLS12,
		},
		relayClientCert:   relayClientCert,
		relayClientKey:    relayClientKey,
		gatewayClientCert: gatewayClientCert,
		gatewayClientKey:  gatewayClientKey,
	}, nil
}

// Serve starts serving tunnel connections.
func (s *TestGateway) Serve() error {
	ctx := context.Background()
	s.log.DebugContext(ctx, "Starting test gateway.")
	defer s.log.DebugContext(ctx, "Test gateway stopped.")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if utils.IsOKNetworkError(err) {
				return nil
			}
			s.log.ErrorContext(ctx, "Failed to accept connection.", "error", err)
			continue
		}
		go func() {
			defer conn.Close()
			if err := s.handleConnection(conn); err != nil && !utils.IsOKNetworkError(err) {
				s.log.DebugContext(ctx, "Failed to handle connection.", "error", err)
			}
		}()
	}
}

func (s *TestGateway) handleConnection(conn net.Conn) error {
	outer := tls.Server(conn, s.relayTLS)
	if err := outer.Handshake(); err != nil {
		return trace.Wrap(err)
	}
	inner := tls.Server(outer, s.gatewayTLS)
	if err := inner.Handshake(); err != nil {
		return trace.Wrap(err)
	}
	defer inner.Close()
	s.cfg.Handler(inner)
	return nil
}

// Addr returns the relay address as host:port.
func (s *TestGateway) Addr() string {
	return s.listener.Addr().String()
}

// Bundle returns a connection bundle that dials this gateway.
func (s *TestGateway) Bundle(sessionID string) ConnectionBundle {
	return ConnectionBundle{
		SessionID:                     sessionID,
		RelayHost:                     s.Addr(),
		RelayClientCertificate:        string(s.relayClientCert),
		RelayClientPrivateKey:         string(s.relayClientKey),
		RelayServerCertificateChain:   string(s.relayCA.certPEM),
		GatewayClientCertificate:      string(s.gatewayClientCert),
		GatewayClientPrivateKey:       string(s.gatewayClientKey),
		GatewayServerCertificateChain: string(s.gatewayCA.certPEM),
	}
}

// Close closes the gateway listener.
func (s *TestGateway) Close() error {
	return s.listener.Close()
}

var (
	serverUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	clientUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
)

// testCA is a self-signed certificate authority for one tunnel leg.
type testCA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

func newTestCA(commonName string) (*testCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &testCA{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

func (ca *testCA) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return pool
}

// issue returns a PEM-encoded key pair signed by the CA.
func (ca *testCA) issue(commonName string, usages []x509.ExtKeyUsage, dnsNames []string, ips []net.IP) ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  usages,
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
