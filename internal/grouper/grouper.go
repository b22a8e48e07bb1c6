// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package grouper implements PacketGrouper, the bounded-time grouping
// engine that turns repeated gateway relays of the same mesh packet
// into exactly one durable Packet row.
//
// Observations for the same (packet_id, sender_node_id) key arrive as
// separate gateway relays within a short window. PacketGrouper holds
// each key's group in memory until the window closes, then hands the
// canonical packet and every distinct gateway that relayed it to
// Store in a single transaction. All state is owned by a single
// goroutine (Run) reading off an ingestion channel, which is what
// rules out duplicate Packet rows for a racing pair of arrivals
// without a per-key lock.
package grouper

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meshstats/meshstats/internal/codec"
	"github.com/meshstats/meshstats/internal/store"
	"github.com/meshstats/meshstats/lib/clock"
)

// Metrics receives the counters PacketGrouper (and the ingestion
// pipeline feeding it) are expected to export. A nil Metrics in
// Config is replaced with NoopMetrics.
type Metrics interface {
	GroupOpened()
	GroupClosed()
	LateReconciled()
	LateBeyondRetention()
	ReplaySuppressed()
	PrivateDropped()
	DecryptFailed()
	ObserveGatewayCount(n int)
}

// NoopMetrics discards every counter. The zero value is ready to use.
type NoopMetrics struct{}

func (NoopMetrics) GroupOpened()             {}
func (NoopMetrics) GroupClosed()             {}
func (NoopMetrics) LateReconciled()          {}
func (NoopMetrics) LateBeyondRetention()      {}
func (NoopMetrics) ReplaySuppressed()        {}
func (NoopMetrics) PrivateDropped()          {}
func (NoopMetrics) DecryptFailed()           {}
func (NoopMetrics) ObserveGatewayCount(int)  {}

// groupKey identifies a single mesh packet: two observations group
// together iff they carry the same packet id and the same sender.
type groupKey struct {
	PacketID     uint32
	SenderNodeID uint32
}

// group is an in-flight, not-yet-durable packet. The canonical fields
// are taken from the first observation; later arrivals for the same
// key only ever contribute a new gateway id, a fingerprint, and a
// fresher lastSeen.
type group struct {
	firstSeen    time.Time
	lastSeen     time.Time
	obs          codec.Observation
	gateways     []store.GatewayRelay
	gatewaySeen  map[string]struct{}
	fingerprints map[[32]byte]struct{}
}

// heapEntry schedules a single re-check of one group's close
// predicate. Lazy deletion: an entry popped for a key no longer (or
// not yet ready) in groups is simply dropped or rescheduled, never
// mutated in place.
type heapEntry struct {
	target time.Time
	key    groupKey
}

type entryHeap []heapEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].target.Before(h[j].target) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(heapEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// ingestMsg is what Ingest hands to the single writer goroutine.
type ingestMsg struct {
	obs       codec.Observation
	gatewayID string
	arrival   time.Time
}

// Config configures a PacketGrouper. Store and Logger are typically
// required in production; everything else has a sane default.
type Config struct {
	Store *store.Store
	Clock clock.Clock

	// Window is the fixed grouping window W. Default 10s.
	Window time.Duration
	// Quiescence is the quiet interval Q a group must see no new
	// arrival within before it is eligible to close. Default 2s.
	Quiescence time.Duration
	// Retention bounds how far back a late arrival may still attach
	// to an already-closed packet. Default 24h.
	Retention time.Duration

	Metrics      Metrics
	Logger       *slog.Logger
	IngestBuffer int
}

// PacketGrouper is the bounded-time grouping engine described in the
// package doc. Create with New, then run its single writer loop with
// Run and feed it observations with Ingest.
type PacketGrouper struct {
	store      *store.Store
	clock      clock.Clock
	window     time.Duration
	quiescence time.Duration
	retention  time.Duration
	metrics    Metrics
	logger     *slog.Logger

	ingest chan ingestMsg

	// groups and heap are only ever touched by the Run goroutine.
	groups map[groupKey]*group
	heap   entryHeap
}

// New builds a PacketGrouper from cfg, applying defaults for anything
// left zero.
func New(cfg Config) *PacketGrouper {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Quiescence <= 0 {
		cfg.Quiescence = 2 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	buf := cfg.IngestBuffer
	if buf <= 0 {
		buf = 256
	}
	return &PacketGrouper{
		store:      cfg.Store,
		clock:      cfg.Clock,
		window:     cfg.Window,
		quiescence: cfg.Quiescence,
		retention:  cfg.Retention,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		ingest:     make(chan ingestMsg, buf),
		groups:     make(map[groupKey]*group),
	}
}

// Metrics returns the counters sink this grouper was built with, so
// the ingestion pipeline feeding it (which sees Codec's drop reasons
// before a packet ever reaches Ingest) can share the same sink.
func (g *PacketGrouper) Metrics() Metrics { return g.metrics }

// Ingest hands a decoded observation to the grouper's single writer
// goroutine. It blocks only on a full ingestion buffer or ctx
// cancellation; the actual grouping work happens asynchronously in
// Run.
func (g *PacketGrouper) Ingest(ctx context.Context, obs codec.Observation, gatewayID string, arrival time.Time) error {
	select {
	case g.ingest <- ingestMsg{obs: obs, gatewayID: gatewayID, arrival: arrival}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the grouper until ctx is cancelled, then closes every
// still-open group (as if its window had elapsed) before returning.
func (g *PacketGrouper) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(g.quiescence / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.drainAll()
			return
		case msg := <-g.ingest:
			g.handleIngest(ctx, msg)
		case <-ticker.C:
			g.flushClosable(ctx, g.clock.Now())
		}
	}
}

func (g *PacketGrouper) handleIngest(ctx context.Context, msg ingestMsg) {
	replay, err := g.store.CheckAndRecordFingerprint(ctx, msg.obs.EnvelopeHash)
	if err != nil {
		g.logger.Error("fingerprint check failed", "packet_id", msg.obs.PacketID, "error", err)
		return
	}
	if replay {
		g.metrics.ReplaySuppressed()
		return
	}

	key := groupKey{PacketID: msg.obs.PacketID, SenderNodeID: msg.obs.SenderNodeID}
	if grp, ok := g.groups[key]; ok {
		g.addToGroup(grp, msg)
		return
	}

	// Not in memory: either genuinely new, or a late relay on a
	// packet that already closed. Try the late path first; Store
	// tells us definitively whether the packet row exists.
	err = g.store.ReconcileLateRelay(ctx, msg.obs.PacketID, msg.obs.SenderNodeID, msg.gatewayID, msg.arrival, g.retention)
	if err == nil {
		g.metrics.LateReconciled()
		return
	}
	if !errors.Is(err, store.ErrNotFoundOrExpired) {
		g.logger.Error("late relay reconcile failed", "packet_id", msg.obs.PacketID, "sender_node_id", msg.obs.SenderNodeID, "error", err)
		return
	}

	// Store has no row for this key: open a new group. If this was
	// actually a too-old late arrival on a row Store already expired
	// via its own retention job, there is nothing left to attach to
	// anyway and treating it as new is the only sane option.
	grp := &group{
		firstSeen:    msg.arrival,
		lastSeen:     msg.arrival,
		obs:          msg.obs,
		gatewaySeen:  make(map[string]struct{}),
		fingerprints: make(map[[32]byte]struct{}),
	}
	g.addToGroup(grp, msg)
	g.groups[key] = grp
	heap.Push(&g.heap, heapEntry{target: grp.firstSeen.Add(g.window), key: key})
	g.metrics.GroupOpened()
}

func (g *PacketGrouper) addToGroup(grp *group, msg ingestMsg) {
	grp.lastSeen = msg.arrival
	grp.fingerprints[msg.obs.EnvelopeHash] = struct{}{}
	if _, seen := grp.gatewaySeen[msg.gatewayID]; !seen {
		grp.gatewaySeen[msg.gatewayID] = struct{}{}
		grp.gateways = append(grp.gateways, store.GatewayRelay{
			GatewayID:  msg.gatewayID,
			ObservedAt: msg.arrival,
		})
	}
}

// flushClosable scans the heap for groups whose close predicate now
// holds, closing each and rescheduling the rest. Entries for keys
// already closed (or never existing, lazily deleted) are dropped.
func (g *PacketGrouper) flushClosable(ctx context.Context, now time.Time) {
	for g.heap.Len() > 0 {
		top := g.heap[0]
		if top.target.After(now) {
			return
		}
		heap.Pop(&g.heap)

		grp, ok := g.groups[top.key]
		if !ok {
			continue
		}
		if !closePredicate(grp, now, g.window, g.quiescence) {
			next := grp.firstSeen.Add(g.window)
			if t := grp.lastSeen.Add(g.quiescence); t.After(next) {
				next = t
			}
			heap.Push(&g.heap, heapEntry{target: next, key: top.key})
			continue
		}
		g.closeGroup(ctx, top.key, grp)
	}
}

func closePredicate(grp *group, now time.Time, window, quiescence time.Duration) bool {
	return !now.Before(grp.firstSeen.Add(window)) && !now.Before(grp.lastSeen.Add(quiescence))
}

// drainAll closes every remaining group unconditionally, used on
// shutdown.
func (g *PacketGrouper) drainAll() {
	ctx := context.Background()
	for key, grp := range g.groups {
		g.closeGroup(ctx, key, grp)
	}
	g.heap = nil
}

func (g *PacketGrouper) closeGroup(ctx context.Context, key groupKey, grp *group) {
	delete(g.groups, key)

	sentAt := grp.firstSeen
	if grp.obs.SentAt != 0 {
		sentAt = time.Unix(int64(grp.obs.SentAt), 0).UTC()
	}
	rssi := float64(grp.obs.RSSI)
	snr := float64(grp.obs.SNR)
	hopStart := int64(grp.obs.HopStart)
	hopLimit := int64(grp.obs.HopLimitAtRecv)

	err := g.store.InsertGroupedPacket(ctx, store.GroupedPacket{
		PacketID:       grp.obs.PacketID,
		SenderNodeID:   grp.obs.SenderNodeID,
		SentAt:         sentAt,
		RSSI:           &rssi,
		SNR:            &snr,
		HopStart:       &hopStart,
		HopLimitAtRecv: &hopLimit,
		Payload:        grp.obs.Payload,
		Gateways:       grp.gateways,
	})
	if err != nil {
		if store.IsDuplicate(err) {
			g.metrics.LateBeyondRetention()
			g.logger.Warn("group aged past retention before close, discarding",
				"packet_id", grp.obs.PacketID, "sender_node_id", grp.obs.SenderNodeID)
			return
		}
		g.logger.Error("insert grouped packet failed",
			"packet_id", grp.obs.PacketID, "sender_node_id", grp.obs.SenderNodeID, "error", err)
		return
	}
	g.metrics.GroupClosed()
	g.metrics.ObserveGatewayCount(len(grp.gateways))
}
