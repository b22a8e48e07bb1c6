// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics registers the Prometheus counters and histograms
// named throughout the component design (PacketGrouper's observability
// counters, plus HTTP and CommandBot activity) on a single registry
// served at /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshstats"

// Metrics holds every counter/histogram this process exports, plus the
// registry they're bound to.
type Metrics struct {
	Registry *prometheus.Registry

	GroupOpenTotal            prometheus.Counter
	GroupClosedTotal          prometheus.Counter
	LateReconciledTotal       prometheus.Counter
	LateBeyondRetentionTotal  prometheus.Counter
	ReplaySuppressedTotal     prometheus.Counter
	PrivateDroppedTotal       prometheus.Counter
	DecryptFailedTotal        prometheus.Counter
	MalformedTotal            prometheus.Counter
	NonTextDroppedTotal       prometheus.Counter
	GatewaysPerPacket         prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CommandsProcessedTotal prometheus.Counter
	CommandsRateLimited    prometheus.Counter
}

// New builds a Metrics on a fresh registry, including the standard Go
// process/runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		GroupOpenTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "group_open_total", Help: "PacketGrouper groups opened.",
		}),
		GroupClosedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "group_closed_total", Help: "PacketGrouper groups closed and persisted.",
		}),
		LateReconciledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "late_reconciled_total", Help: "Late gateway relays reconciled onto an existing packet.",
		}),
		LateBeyondRetentionTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "late_beyond_retention_total", Help: "Late relays discarded for arriving past the retention bound.",
		}),
		ReplaySuppressedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replay_suppressed_total", Help: "Envelopes dropped as replays of an already-ingested fingerprint.",
		}),
		PrivateDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "private_dropped_total", Help: "Packets dropped by the privacy gate.",
		}),
		DecryptFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decrypt_failed_total", Help: "Envelopes that could not be decrypted with any configured key.",
		}),
		MalformedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_total", Help: "Envelopes dropped for failing to parse as valid protobuf.",
		}),
		NonTextDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "nontext_dropped_total", Help: "Decoded packets dropped for carrying a non-text port.",
		}),
		GatewaysPerPacket: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "gateways_per_packet", Help: "Distinct gateways observed per closed packet.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		CommandsProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_processed_total", Help: "CommandBot commands processed.",
		}),
		CommandsRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_rate_limited_total", Help: "CommandBot commands rejected by the rate limiter.",
		}),
	}
}

// Handler returns the /metrics exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// The methods below give *Metrics the same method set as
// grouper.Metrics (and the small extension internal/ingest declares
// over it), without this package importing either — grouper and
// ingest only need an interface satisfied structurally, so the
// dependency points the other way: cmd/meshstats-server wires a
// *Metrics in wherever a grouper.Metrics or ingest.Metrics is wanted.

func (m *Metrics) GroupOpened()            { m.GroupOpenTotal.Inc() }
func (m *Metrics) GroupClosed()            { m.GroupClosedTotal.Inc() }
func (m *Metrics) LateReconciled()         { m.LateReconciledTotal.Inc() }
func (m *Metrics) LateBeyondRetention()    { m.LateBeyondRetentionTotal.Inc() }
func (m *Metrics) ReplaySuppressed()       { m.ReplaySuppressedTotal.Inc() }
func (m *Metrics) PrivateDropped()         { m.PrivateDroppedTotal.Inc() }
func (m *Metrics) DecryptFailed()          { m.DecryptFailedTotal.Inc() }
func (m *Metrics) ObserveGatewayCount(n int) { m.GatewaysPerPacket.Observe(float64(n)) }

// MalformedDropped and NonTextDropped extend the grouper counter set
// for the two Codec drop reasons the grouper itself never sees
// (malformed envelopes and non-text ports never reach Ingest).
func (m *Metrics) MalformedDropped()  { m.MalformedTotal.Inc() }
func (m *Metrics) NonTextDropped()    { m.NonTextDroppedTotal.Inc() }

// ObserveHTTPRequest records one served HTTP request against
// HTTPRequestsTotal/HTTPRequestDuration. Called by HttpApi's logging
// middleware for every request.
func (m *Metrics) ObserveHTTPRequest(route string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// CommandProcessed and CommandRateLimited back CommandBot's two
// counters, incremented once per inbound command after and before
// rate-limit rejection respectively.
func (m *Metrics) CommandProcessed()   { m.CommandsProcessedTotal.Inc() }
func (m *Metrics) CommandRateLimited() { m.CommandsRateLimited.Inc() }
