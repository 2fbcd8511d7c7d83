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

// Package pool keeps long-lived direct database connections for sessions
// whose resource is reachable without a gateway tunnel. Connections are
// session-sticky: one entry per session, evicted when idle or unhealthy.
package pool

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/infisical/pam-broker"
	"github.com/infisical/pam-broker/lib/db"
	"github.com/infisical/pam-broker/lib/db/common"
	"github.com/infisical/pam-broker/lib/defaults"
	"github.com/infisical/pam-broker/lib/utils"
)

var pooledConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: pambroker.MetricNamespace,
		Name:      "pooled_connections",
		Help:      "Number of pooled direct database connections",
	},
)

var prometheusCollectors = []prometheus.Collector{pooledConnections}

func init() {
	_ = utils.RegisterPrometheusCollectors(prometheusCollectors...)
}

// Config holds the pool settings.
type Config struct {
	// MaxIdle is how long an entry may stay unused before the sweeper
	// evicts it.
	MaxIdle time.Duration
	// SweepInterval is how often the sweeper looks for idle entries.
	SweepInterval time.Duration
	// Connect opens driver connections.
	Connect common.ConnectFunc
	// Clock is the pool time source.
	Clock clockwork.Clock
	// Log emits pool lifecycle events.
	Log *slog.Logger
}

// CheckAndSetDefaults fills in default settings.
func (c *Config) CheckAndSetDefaults() {
	if c.MaxIdle <= 0 {
		c.MaxIdle = defaults.PoolMaxIdle
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.PoolSweepInterval
	}
	if c.Connect == nil {
		c.Connect = db.Connect
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// entry is one pooled connection. Its fields are guarded by the pool
// mutex.
type entry struct {
	sessionID string
	conn      common.Conn
	kind      common.Kind
	createdAt time.Time
	lastUsed  time.Time
}

// Pool maps sessions to live direct database connections.
type Pool struct {
	cfg Config

	mu    sync.Mutex
	conns map[string]*entry

	cancelSweeper context.CancelFunc
	sweeperDone   chan struct{}
	stopOnce      sync.Once
}

// NewPool returns a pool with a running idle sweeper. Call Destroy to stop
// the sweeper and release all connections.
func NewPool(config Config) *Pool {
	config.CheckAndSetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:           config,
		conns:         make(map[string]*entry),
		cancelSweeper: cancel,
		sweeperDone:   make(chan struct{}),
	}
	// The ticker starts before the constructor returns so a clock
	// advance right after never races sweeper startup.
	ticker := config.Clock.NewTicker(config.SweepInterval)
	go p.sweep(ctx, ticker)
	return p
}

// Create returns the pooled connection for the session, dialing the
// database with credential-derived TLS when the session has none yet. On a
// dial race the first insert wins and the loser's connection is closed.
func (p *Pool) Create(ctx context.Context, sessionID string, credentials common.Credentials, kind common.Kind) (common.Conn, error) {
	p.mu.Lock()
	if existing, ok := p.conns[sessionID]; ok {
		existing.lastUsed = p.cfg.Clock.Now()
		p.mu.Unlock()
		return existing.conn, nil
	}
	p.mu.Unlock()

	tlsConfig, err := credentials.TLSConfig()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conn, err := p.cfg.Connect(ctx, common.ConnectConfig{
		Kind:           kind,
		Host:           credentials.Host,
		Port:           credentials.Port,
		Database:       credentials.Database,
		Username:       credentials.Username,
		Password:       credentials.Password,
		TLS:            tlsConfig,
		ConnectTimeout: defaults.DatabaseConnectTimeout,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := p.cfg.Clock.Now()
	p.mu.Lock()
	if existing, ok := p.conns[sessionID]; ok {
		existing.lastUsed = now
		p.mu.Unlock()
		p.closeConn(ctx, sessionID, conn)
		return existing.conn, nil
	}
	p.conns[sessionID] = &entry{
		sessionID: sessionID,
		conn:      conn,
		kind:      kind,
		createdAt: now,
		lastUsed:  now,
	}
	size := len(p.conns)
	p.mu.Unlock()
	pooledConnections.Set(float64(size))

	p.cfg.Log.DebugContext(ctx, "Created pooled database connection.",
		"session_id", sessionID, "kind", kind)
	return conn, nil
}

// Get returns the pooled connection for the session, refreshing its idle
// timer.
func (p *Pool) Get(sessionID string) (common.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.conns[sessionID]
	if !ok {
		return nil, trace.NotFound("No connection found for session.")
	}
	existing.lastUsed = p.cfg.Clock.Now()
	return existing.conn, nil
}

// Release refreshes the session's idle timer. Pooled connections are
// session-sticky so nothing is actually returned anywhere.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[sessionID]; ok {
		existing.lastUsed = p.cfg.Clock.Now()
	}
}

// Close removes the session's pooled connection and closes it. The entry
// is removed even when closing the driver connection fails. Absent
// sessions are a no-op.
func (p *Pool) Close(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	existing, ok := p.conns[sessionID]
	if ok {
		delete(p.conns, sessionID)
	}
	size := len(p.conns)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	pooledConnections.Set(float64(size))
	if err := existing.conn.Close(ctx); err != nil && !utils.IsOKNetworkError(err) {
		return trace.Wrap(err)
	}
	return nil
}

// HealthCheck probes the session's pooled connection. A failed probe
// evicts the entry. Returns false for absent sessions and never surfaces
// probe errors.
func (p *Pool) HealthCheck(ctx context.Context, sessionID string) bool {
	p.mu.Lock()
	existing, ok := p.conns[sessionID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	if err := existing.conn.Ping(ctx); err != nil {
		p.cfg.Log.DebugContext(ctx, "Pooled connection failed its health probe.",
			"session_id", sessionID, "error", err)
		p.remove(ctx, existing)
		return false
	}
	return true
}

// CloseAll closes every pooled connection concurrently and waits for all
// of them to settle. Repeat calls are no-ops.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.conns))
	for _, existing := range p.conns {
		entries = append(entries, existing)
	}
	clear(p.conns)
	p.mu.Unlock()
	pooledConnections.Set(0)
	var group errgroup.Group
	for _, existing := range entries {
		group.Go(func() error {
			if err := existing.conn.Close(ctx); err != nil && !utils.IsOKNetworkError(err) {
				return trace.Wrap(err)
			}
			return nil
		})
	}
	return trace.Wrap(group.Wait())
}

// Destroy stops the sweeper, waits for it to exit and closes every pooled
// connection. Safe to call more than once.
func (p *Pool) Destroy(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.cancelSweeper()
		<-p.sweeperDone
	})
	return trace.Wrap(p.CloseAll(ctx))
}

// ConnectionInfo is a point-in-time view of one pooled connection. It
// carries no credentials.
type ConnectionInfo struct {
	SessionID string      `json:"sessionId"`
	Kind      common.Kind `json:"resourceType"`
	CreatedAt time.Time   `json:"createdAt"`
	LastUsed  time.Time   `json:"lastUsed"`
}

// Info returns a snapshot of the pooled connections sorted by session.
func (p *Pool) Info() []ConnectionInfo {
	p.mu.Lock()
	infos := make([]ConnectionInfo, 0, len(p.conns))
	for _, existing := range p.conns {
		infos = append(infos, ConnectionInfo{
			SessionID: existing.sessionID,
			Kind:      existing.kind,
			CreatedAt: existing.createdAt,
			LastUsed:  existing.lastUsed,
		})
	}
	p.mu.Unlock()
	slices.SortFunc(infos, func(a, b ConnectionInfo) int {
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return infos
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// sweep periodically evicts idle entries until the pool is destroyed.
func (p *Pool) sweep(ctx context.Context, ticker clockwork.Ticker) {
	defer close(p.sweeperDone)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.evictIdle(ctx)
		}
	}
}

// evictIdle removes and closes every entry that has been unused for
// longer than MaxIdle. Entries leave the map before their connections are
// closed so the sweeper never observes a half-closed entry.
func (p *Pool) evictIdle(ctx context.Context) {
	now := p.cfg.Clock.Now()
	p.mu.Lock()
	var expired []*entry
	for sessionID, existing := range p.conns {
		if now.Sub(existing.lastUsed) > p.cfg.MaxIdle {
			delete(p.conns, sessionID)
			expired = append(expired, existing)
		}
	}
	size := len(p.conns)
	p.mu.Unlock()
	if len(expired) == 0 {
		return
	}
	pooledConnections.Set(float64(size))
	for _, existing := range expired {
		p.cfg.Log.DebugContext(ctx, "Evicting idle pooled connection.",
			"session_id", existing.sessionID, "kind", existing.kind)
		p.closeConn(ctx, existing.sessionID, existing.conn)
	}
}

// remove evicts the exact entry from the pool if it is still the one
// registered for its session, then closes its connection.
func (p *Pool) remove(ctx context.Context, existing *entry) {
	p.mu.Lock()
	if current, ok := p.conns[existing.sessionID]; ok && current == existing {
		delete(p.conns, existing.sessionID)
	}
	size := len(p.conns)
	p.mu.Unlock()
	pooledConnections.Set(float64(size))
	p.closeConn(ctx, existing.sessionID, existing.conn)
}

func (p *Pool) closeConn(ctx context.Context, sessionID string, conn common.Conn) {
	if err := conn.Close(ctx); err != nil && !utils.IsOKNetworkError(err) {
		p.cfg.Log.DebugContext(ctx, "Failed to close pooled database connection.",
			"session_id", sessionID, "error", err)
	}
}
