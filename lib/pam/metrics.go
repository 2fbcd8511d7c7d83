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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/infisical/pam-broker"
	"github.com/infisical/pam-broker/lib/utils"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pambroker.MetricNamespace,
			Name:      "queries_total",
			Help:      "Number of queries executed through the gateway pipeline",
		},
		[]string{"protocol", "result"},
	)

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: pambroker.MetricNamespace,
			Name:      "query_duration_seconds",
			Help:      "End to end latency of the query pipeline",
			// lowest bucket start of upper bound 0.005 sec (5 ms) with factor 2
			// highest bucket start of 0.005 sec * 2^14 == 81.92 sec
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		},
		[]string{"protocol"},
	)

	tunnelBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: pambroker.MetricNamespace,
			Name:      "tunnel_build_duration_seconds",
			Help:      "Latency of building the nested gateway tunnel",
			// lowest bucket start of upper bound 0.005 sec (5 ms) with factor 2
			// highest bucket start of 0.005 sec * 2^12 == 20.48 sec
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 13),
		},
	)
)

var prometheusCollectors = []prometheus.Collector{
	queriesTotal, queryDuration, tunnelBuildDuration,
}

func init() {
	_ = utils.RegisterPrometheusCollectors(prometheusCollectors...)
}
