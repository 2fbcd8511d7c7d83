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
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/infisical/pam-broker"
	"github.com/infisical/pam-broker/lib/utils"
)

var activeTunnels = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: pambroker.MetricNamespace,
		Name:      "active_tunnels",
		Help:      "Number of registered gateway tunnels",
	},
)

var prometheusCollectors = []prometheus.Collector{activeTunnels}

func init() {
	_ = utils.RegisterPrometheusCollectors(prometheusCollectors...)
}

// Registry tracks at most one tunnel per session. Registering a second
// tunnel for a session supersedes and closes the first.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// NewRegistry returns an empty tunnel registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		tunnels: make(map[string]*Tunnel),
	}
}

// Register records the tunnel for the session, superseding and closing any
// previous one.
func (r *Registry) Register(sessionID string, tunnel *Tunnel) {
	r.mu.Lock()
	previous := r.tunnels[sessionID]
	r.tunnels[sessionID] = tunnel
	size := len(r.tunnels)
	r.mu.Unlock()
	activeTunnels.Set(float64(size))
	if previous != nil {
		previous.setInactive()
		if err := previous.Close(); err != nil {
			r.log.DebugContext(context.Background(), "Failed to close superseded tunnel.",
				"session_id", sessionID, "tunnel_id", previous.ID, "error", err)
		}
	}
}

// CloseOne closes and removes the tunnel registered for the session. Absent
// sessions are a no-op.
func (r *Registry) CloseOne(sessionID string) {
	r.mu.Lock()
	tunnel, ok := r.tunnels[sessionID]
	delete(r.tunnels, sessionID)
	size := len(r.tunnels)
	r.mu.Unlock()
	if !ok {
		return
	}
	activeTunnels.Set(float64(size))
	tunnel.setInactive()
	if err := tunnel.Close(); err != nil {
		r.log.DebugContext(context.Background(), "Failed to close tunnel.",
			"session_id", sessionID, "tunnel_id", tunnel.ID, "error", err)
	}
}

// CloseAll closes every registered tunnel concurrently and waits for all of
// them to settle. Repeat calls are no-ops.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, tunnel := range r.tunnels {
		tunnels = append(tunnels, tunnel)
	}
	clear(r.tunnels)
	r.mu.Unlock()
	activeTunnels.Set(0)
	var group errgroup.Group
	for _, tunnel := range tunnels {
		group.Go(func() error {
			tunnel.setInactive()
			return trace.Wrap(tunnel.Close())
		})
	}
	return trace.Wrap(group.Wait())
}

// Status is a point-in-time view of one registered tunnel.
type Status struct {
	SessionID string `json:"sessionId"`
	TunnelID  string `json:"tunnelId"`
	Active    bool   `json:"active"`
}

// List returns a snapshot of the registered tunnels sorted by session.
func (r *Registry) List() []Status {
	r.mu.Lock()
	statuses := make([]Status, 0, len(r.tunnels))
	for sessionID, tunnel := range r.tunnels {
		statuses = append(statuses, Status{
			SessionID: sessionID,
			TunnelID:  tunnel.ID,
			Active:    tunnel.Active(),
		})
	}
	r.mu.Unlock()
	slices.SortFunc(statuses, func(a, b Status) int {
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return statuses
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}
