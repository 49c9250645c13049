// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the process-wide Prometheus collectors for the
// gateway. Labels are bounded: bucket names come from a closed enumeration
// and outcome/kind labels from small fixed sets, so cardinality stays flat.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReservationsTotal counts admitted reservations per bucket.
	ReservationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagegate_reservations_total",
		Help: "Total rate-limit reservations admitted, by model bucket",
	}, []string{"bucket"})

	// RefusalsTotal counts reserve calls that found no available key.
	RefusalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagegate_refusals_total",
		Help: "Total rate-limit reservations refused, by model bucket",
	}, []string{"bucket"})

	// PrunedEventsTotal counts ledger events dropped by pruning.
	PrunedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagegate_pruned_events_total",
		Help: "Total ledger events dropped after aging out of the day window",
	})

	// UpstreamRequestsTotal counts upstream generation calls by outcome.
	// Outcomes: ok, rate_limited, access_denied, blocked, no_image, error.
	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagegate_upstream_requests_total",
		Help: "Total upstream generation calls, by outcome",
	}, []string{"outcome"})

	// GenerateLatencySeconds observes end-to-end generation latency for
	// requests that produced an image.
	GenerateLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "imagegate_generate_latency_seconds",
		Help:    "Latency of successful generation requests",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 90, 120},
	})
)

func init() {
	// Register eagerly; harmless if /metrics is never scraped.
	prometheus.MustRegister(
		ReservationsTotal,
		RefusalsTotal,
		PrunedEventsTotal,
		UpstreamRequestsTotal,
		GenerateLatencySeconds,
	)
}
