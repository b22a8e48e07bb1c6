// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package stats computes the read-side aggregates served by the HTTP
// API and the daily subscription messages: per-day and per-hour
// message/gateway statistics, rolling windows, comparisons against
// recent baselines, network-wide node/gateway activity, and gateway
// percentile samples. Every aggregate is computed in Go over rows
// fetched from Store, then optionally cached there as JSON.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/meshstats/meshstats/internal/store"
	"github.com/meshstats/meshstats/lib/clock"
)

const (
	dayCacheTTL     = 5 * time.Minute
	rollingCacheTTL = 1 * time.Minute
	hourlyCacheTTL  = 30 * time.Second
	networkCacheTTL = 5 * time.Minute
	gatewayCacheTTL = 1 * time.Minute
)

// Engine computes StatsEngine aggregates over Store.
type Engine struct {
	store *store.Store
	clock clock.Clock
}

// New builds an Engine. A nil clock defaults to the real clock.
func New(s *store.Store, c clock.Clock) *Engine {
	if c == nil {
		c = clock.Real()
	}
	return &Engine{store: s, clock: c}
}

// Aggregate is the common shape shared by DayStat, HourlyStat, and
// every RollingStats window.
type Aggregate struct {
	MessageCount int64      `json:"message_count"`
	AvgGateways  float64    `json:"avg_gateways"`
	MaxGateways  int64      `json:"max_gateways"`
	MinGateways  int64      `json:"min_gateways"`
	P50          *float64   `json:"p50"`
	P90          *float64   `json:"p90"`
	P95          *float64   `json:"p95"`
	P99          *float64   `json:"p99"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
}

// DayStat is the aggregate for a single calendar day in UTC.
type DayStat struct {
	Date string `json:"date"`
	Aggregate
}

// HourlyStat is the aggregate for a single hour (0-23 UTC) of a day.
type HourlyStat struct {
	Hour int `json:"hour"`
	Aggregate
}

// RollingStats holds the three trailing-window aggregates.
type RollingStats struct {
	Last24h Aggregate `json:"last_24h"`
	Last7d  Aggregate `json:"last_7d"`
	Last30d Aggregate `json:"last_30d"`
}

// Comparisons expresses today's message count against three
// baselines, as a percentage delta: (current-baseline)/max(baseline,1)*100.
type Comparisons struct {
	VsYesterday    float64 `json:"vs_yesterday"`
	VsLastWeek     float64 `json:"vs_last_week"`
	VsLastMonth    float64 `json:"vs_last_month"`
	Today          int64   `json:"today"`
	Yesterday      int64   `json:"yesterday"`
	SameDayLastWk  int64   `json:"same_day_last_week"`
	SameDayLastMo  int64   `json:"same_day_last_month"`
}

// NetworkStats summarizes distinct nodes and gateways ever seen, plus
// activity counts over three trailing windows.
type NetworkStats struct {
	TotalNodes    int64 `json:"total_nodes"`
	TotalGateways int64 `json:"total_gateways"`

	ActiveNodes24h    int64 `json:"active_nodes_24h"`
	ActiveNodes7d     int64 `json:"active_nodes_7d"`
	ActiveNodes30d    int64 `json:"active_nodes_30d"`
	ActiveGateways24h int64 `json:"active_gateways_24h"`
	ActiveGateways7d  int64 `json:"active_gateways_7d"`
	ActiveGateways30d int64 `json:"active_gateways_30d"`
}

// GatewayPercentiles is a linear-interpolated percentile sample over
// a trailing set of packets' gateway_count values.
type GatewayPercentiles struct {
	SampleSize int      `json:"sample_size"`
	P50        *float64 `json:"p50"`
	P90        *float64 `json:"p90"`
	P95        *float64 `json:"p95"`
	P99        *float64 `json:"p99"`
}

// HistogramBucket is one bucket of a GatewayHistogram: the count of
// packets whose gateway_count falls in [Min, Max].
type HistogramBucket struct {
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
	Count int64 `json:"count"`
}

func dayBounds(date time.Time) (time.Time, time.Time) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// DayStat computes the aggregate for the UTC calendar day containing
// date, reading from cache when a fresh entry exists.
func (e *Engine) DayStat(ctx context.Context, date time.Time) (DayStat, error) {
	start, end := dayBounds(date)
	key := cacheKey("day_stat", start.Format("2006-01-02"))

	var out DayStat
	if hit, err := e.cacheGet(ctx, key, &out); err != nil {
		return DayStat{}, err
	} else if hit {
		return out, nil
	}

	packets, err := e.store.PacketsInRange(ctx, start, end)
	if err != nil {
		return DayStat{}, fmt.Errorf("stats: day stat: %w", err)
	}
	out = DayStat{Date: start.Format("2006-01-02"), Aggregate: aggregate(packets)}
	e.cacheSet(ctx, key, out, dayCacheTTL)
	return out, nil
}

// HourlyStat computes the 24 per-hour aggregates for the UTC calendar
// day containing date.
func (e *Engine) HourlyStat(ctx context.Context, date time.Time) ([]HourlyStat, error) {
	dayStart, _ := dayBounds(date)
	key := cacheKey("hourly_stat", dayStart.Format("2006-01-02"))

	var out []HourlyStat
	if hit, err := e.cacheGet(ctx, key, &out); err != nil {
		return nil, err
	} else if hit {
		return out, nil
	}

	out = make([]HourlyStat, 24)
	for h := 0; h < 24; h++ {
		hourStart := dayStart.Add(time.Duration(h) * time.Hour)
		hourEnd := hourStart.Add(time.Hour)
		packets, err := e.store.PacketsInRange(ctx, hourStart, hourEnd)
		if err != nil {
			return nil, fmt.Errorf("stats: hourly stat hour %d: %w", h, err)
		}
		out[h] = HourlyStat{Hour: h, Aggregate: aggregate(packets)}
	}
	e.cacheSet(ctx, key, out, hourlyCacheTTL)
	return out, nil
}

// RollingStats computes the 24h/7d/30d trailing aggregates.
func (e *Engine) RollingStats(ctx context.Context) (RollingStats, error) {
	key := cacheKey("rolling_stats")

	var out RollingStats
	if hit, err := e.cacheGet(ctx, key, &out); err != nil {
		return RollingStats{}, err
	} else if hit {
		return out, nil
	}

	now := e.clock.Now().UTC()
	windows := []struct {
		dst *Aggregate
		d   time.Duration
	}{
		{&out.Last24h, 24 * time.Hour},
		{&out.Last7d, 7 * 24 * time.Hour},
		{&out.Last30d, 30 * 24 * time.Hour},
	}
	for _, w := range windows {
		packets, err := e.store.PacketsInRange(ctx, now.Add(-w.d), now)
		if err != nil {
			return RollingStats{}, fmt.Errorf("stats: rolling stats: %w", err)
		}
		*w.dst = aggregate(packets)
	}
	e.cacheSet(ctx, key, out, rollingCacheTTL)
	return out, nil
}

// Comparisons computes today's message count against yesterday,
// the same weekday last week, and the same date last month.
func (e *Engine) Comparisons(ctx context.Context) (Comparisons, error) {
	now := e.clock.Now().UTC()
	today, err := e.DayStat(ctx, now)
	if err != nil {
		return Comparisons{}, err
	}
	yesterday, err := e.DayStat(ctx, now.AddDate(0, 0, -1))
	if err != nil {
		return Comparisons{}, err
	}
	lastWeek, err := e.DayStat(ctx, now.AddDate(0, 0, -7))
	if err != nil {
		return Comparisons{}, err
	}
	lastMonth, err := e.DayStat(ctx, now.AddDate(0, -1, 0))
	if err != nil {
		return Comparisons{}, err
	}

	return Comparisons{
		Today:         today.MessageCount,
		Yesterday:     yesterday.MessageCount,
		SameDayLastWk: lastWeek.MessageCount,
		SameDayLastMo: lastMonth.MessageCount,
		VsYesterday:   percentDelta(today.MessageCount, yesterday.MessageCount),
		VsLastWeek:    percentDelta(today.MessageCount, lastWeek.MessageCount),
		VsLastMonth:   percentDelta(today.MessageCount, lastMonth.MessageCount),
	}, nil
}

func percentDelta(current, baseline int64) float64 {
	denom := baseline
	if denom < 1 {
		denom = 1
	}
	return float64(current-baseline) / float64(denom) * 100
}

// NetworkStats computes distinct-node and distinct-gateway activity.
func (e *Engine) NetworkStats(ctx context.Context) (NetworkStats, error) {
	key := cacheKey("network_stats")

	var out NetworkStats
	if hit, err := e.cacheGet(ctx, key, &out); err != nil {
		return NetworkStats{}, err
	} else if hit {
		return out, nil
	}

	now := e.clock.Now().UTC()
	d24 := now.Add(-24 * time.Hour)
	d7 := now.Add(-7 * 24 * time.Hour)
	d30 := now.Add(-30 * 24 * time.Hour)

	var err error
	if out.TotalNodes, err = e.store.DistinctNodeCount(ctx, nil); err != nil {
		return NetworkStats{}, err
	}
	if out.TotalGateways, err = e.store.DistinctGatewayCount(ctx, nil); err != nil {
		return NetworkStats{}, err
	}
	if out.ActiveNodes24h, err = e.store.DistinctNodeCount(ctx, &d24); err != nil {
		return NetworkStats{}, err
	}
	if out.ActiveNodes7d, err = e.store.DistinctNodeCount(ctx, &d7); err != nil {
		return NetworkStats{}, err
	}
	if out.ActiveNodes30d, err = e.store.DistinctNodeCount(ctx, &d30); err != nil {
		return NetworkStats{}, err
	}
	if out.ActiveGateways24h, err = e.store.DistinctGatewayCount(ctx, &d24); err != nil {
		return NetworkStats{}, err
	}
	if out.ActiveGateways7d, err = e.store.DistinctGatewayCount(ctx, &d7); err != nil {
		return NetworkStats{}, err
	}
	if out.ActiveGateways30d, err = e.store.DistinctGatewayCount(ctx, &d30); err != nil {
		return NetworkStats{}, err
	}

	e.cacheSet(ctx, key, out, networkCacheTTL)
	return out, nil
}

// TopSenders returns the top senders by message count in [start, end).
func (e *Engine) TopSenders(ctx context.Context, start, end time.Time, limit int) ([]store.TopSender, error) {
	return e.store.TopSenders(ctx, start, end, limit)
}

// GatewayHistogram buckets the trailing sampleCap packets' gateway
// counts into the given number of equal-width buckets.
func (e *Engine) GatewayHistogram(ctx context.Context, sampleCap, buckets int) ([]HistogramBucket, error) {
	packets, err := e.store.LatestPackets(ctx, sampleCap)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 || buckets <= 0 {
		return nil, nil
	}

	minC, maxC := packets[0].GatewayCount, packets[0].GatewayCount
	for _, p := range packets {
		if p.GatewayCount < minC {
			minC = p.GatewayCount
		}
		if p.GatewayCount > maxC {
			maxC = p.GatewayCount
		}
	}

	width := maxC - minC + 1
	out := make([]HistogramBucket, buckets)
	span := float64(width) / float64(buckets)
	for i := range out {
		out[i].Min = minC + int64(math.Floor(float64(i)*span))
		out[i].Max = minC + int64(math.Ceil(float64(i+1)*span)) - 1
	}
	for _, p := range packets {
		idx := int(float64(p.GatewayCount-minC) / float64(width) * float64(buckets))
		if idx >= buckets {
			idx = buckets - 1
		}
		out[idx].Count++
	}
	return out, nil
}

// GatewayPercentiles computes p50/p90/p95/p99 of gateway_count over
// the trailing sampleCap packets, reading from cache when a fresh
// entry exists for this sampleCap.
func (e *Engine) GatewayPercentiles(ctx context.Context, sampleCap int) (GatewayPercentiles, error) {
	key := cacheKey("gateway_percentiles", strconv.Itoa(sampleCap))

	var out GatewayPercentiles
	if hit, err := e.cacheGet(ctx, key, &out); err != nil {
		return GatewayPercentiles{}, err
	} else if hit {
		return out, nil
	}

	packets, err := e.store.LatestPackets(ctx, sampleCap)
	if err != nil {
		return GatewayPercentiles{}, err
	}
	counts := make([]float64, len(packets))
	for i, p := range packets {
		counts[i] = float64(p.GatewayCount)
	}
	sort.Float64s(counts)
	out = GatewayPercentiles{
		SampleSize: len(counts),
		P50:        percentile(counts, 0.50),
		P90:        percentile(counts, 0.90),
		P95:        percentile(counts, 0.95),
		P99:        percentile(counts, 0.99),
	}
	e.cacheSet(ctx, key, out, gatewayCacheTTL)
	return out, nil
}

// aggregate computes an Aggregate over an already-fetched set of
// packets. Packets are expected in any order.
func aggregate(packets []store.Packet) Aggregate {
	var agg Aggregate
	agg.MessageCount = int64(len(packets))
	if len(packets) == 0 {
		return agg
	}

	counts := make([]float64, len(packets))
	var sum int64
	minC, maxC := packets[0].GatewayCount, packets[0].GatewayCount
	start, end := packets[0].SentAt, packets[0].SentAt
	for i, p := range packets {
		counts[i] = float64(p.GatewayCount)
		sum += p.GatewayCount
		if p.GatewayCount < minC {
			minC = p.GatewayCount
		}
		if p.GatewayCount > maxC {
			maxC = p.GatewayCount
		}
		if p.SentAt.Before(start) {
			start = p.SentAt
		}
		if p.SentAt.After(end) {
			end = p.SentAt
		}
	}
	sort.Float64s(counts)

	agg.AvgGateways = float64(sum) / float64(len(packets))
	agg.MinGateways = minC
	agg.MaxGateways = maxC
	agg.P50 = percentile(counts, 0.50)
	agg.P90 = percentile(counts, 0.90)
	agg.P95 = percentile(counts, 0.95)
	agg.P99 = percentile(counts, 0.99)
	agg.Start = &start
	agg.End = &end
	return agg
}

// Percentile computes the linear-interpolated p-quantile of a sorted
// sample, per the definition in §4.4. Exported so callers outside this
// package (the per-user gateway percentile endpoint, which samples a
// single node's packets rather than the whole store) can apply the same
// formula without duplicating it.
func Percentile(sorted []float64, p float64) *float64 { return percentile(sorted, p) }

// percentile computes the linear-interpolated p-quantile of a sorted
// sample. Returns nil for an empty sample; for a single-element
// sample every percentile equals that element.
func percentile(sorted []float64, p float64) *float64 {
	n := len(sorted)
	if n == 0 {
		return nil
	}
	if n == 1 {
		v := sorted[0]
		return &v
	}
	r := p * float64(n-1)
	lo := int(math.Floor(r))
	hi := int(math.Ceil(r))
	v := sorted[lo] + (r-float64(lo))*(sorted[hi]-sorted[lo])
	return &v
}

// cacheKey builds a canonical function-and-args cache key.
func cacheKey(name string, args ...string) string {
	key := "stats:" + name
	for _, a := range args {
		key += ":" + a
	}
	return key
}

func (e *Engine) cacheGet(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := e.store.CacheGet(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, nil
	}
	return true, nil
}

func (e *Engine) cacheSet(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = e.store.CacheSet(ctx, key, string(raw), ttl)
}
