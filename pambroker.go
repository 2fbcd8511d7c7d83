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

// Package pambroker holds constants shared across the broker.
package pambroker

// Version is the current broker version.
const Version = "0.1.0"

// ComponentKey is the field name under which the component of a log
// entry is reported.
const ComponentKey = "component"

// MetricNamespace is the prometheus namespace shared by all broker
// collectors.
const MetricNamespace = "pam_broker"

const (
	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"

	// ComponentPAM is the session query pipeline.
	ComponentPAM = "pam"

	// ComponentTunnel is the relay and gateway tunnel dialer and the
	// tunnel registry.
	ComponentTunnel = "tunnel"

	// ComponentBridge is the loopback bridge between database drivers
	// and tunnel streams.
	ComponentBridge = "bridge"

	// ComponentPool is the direct database connection pool.
	ComponentPool = "pool"

	// ComponentClient is the control plane API client.
	ComponentClient = "client"

	// ComponentDB is the database driver layer.
	ComponentDB = "db"
)
