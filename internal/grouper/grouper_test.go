// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package grouper

import (
	"context"
	"testing"
	"time"

	"github.com/meshstats/meshstats/internal/codec"
	"github.com/meshstats/meshstats/internal/store"
	"github.com/meshstats/meshstats/lib/clock"
)

type countingMetrics struct {
	opened, closed, lateReconciled, lateBeyondRetention, replaySuppressed int
	gatewayCounts                                                        []int
}

func (m *countingMetrics) GroupOpened()            { m.opened++ }
func (m *countingMetrics) GroupClosed()            { m.closed++ }
func (m *countingMetrics) LateReconciled()         { m.lateReconciled++ }
func (m *countingMetrics) LateBeyondRetention()    { m.lateBeyondRetention++ }
func (m *countingMetrics) ReplaySuppressed()       { m.replaySuppressed++ }
func (m *countingMetrics) PrivateDropped()         {}
func (m *countingMetrics) DecryptFailed()          {}
func (m *countingMetrics) ObserveGatewayCount(n int) { m.gatewayCounts = append(m.gatewayCounts, n) }

func newTestGrouper(t *testing.T) (*PacketGrouper, *store.Store, *clock.FakeClock, *countingMetrics) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC))
	s, err := store.Open(store.Config{Path: ":memory:", PoolSize: 1, Clock: fake})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	metrics := &countingMetrics{}
	g := New(Config{
		Store:      s,
		Clock:      fake,
		Window:     10 * time.Second,
		Quiescence: 2 * time.Second,
		Retention:  24 * time.Hour,
		Metrics:    metrics,
	})
	return g, s, fake, metrics
}

func obsFor(packetID, sender uint32, hash byte) codec.Observation {
	var env [32]byte
	env[0] = hash
	return codec.Observation{
		EnvelopeHash: env,
		PacketID:     packetID,
		SenderNodeID: sender,
		Payload:      "hi",
	}
}

func TestGroupOpensAndClosesAfterQuiescence(t *testing.T) {
	g, s, fake, metrics := newTestGrouper(t)
	ctx := context.Background()

	g.handleIngest(ctx, ingestMsg{obs: obsFor(1, 100, 1), gatewayID: "!00000001", arrival: fake.Now()})
	if metrics.opened != 1 {
		t.Fatalf("opened = %d, want 1", metrics.opened)
	}

	fake.Advance(5 * time.Second)
	g.handleIngest(ctx, ingestMsg{obs: obsFor(1, 100, 2), gatewayID: "!00000002", arrival: fake.Now()})

	// Window hasn't elapsed yet; nothing should close.
	g.flushClosable(ctx, fake.Now())
	if metrics.closed != 0 {
		t.Fatalf("closed = %d, want 0 before window elapses", metrics.closed)
	}

	fake.Advance(6 * time.Second) // firstSeen+11s >= W(10s), lastSeen+2s quiescence satisfied
	g.flushClosable(ctx, fake.Now())
	if metrics.closed != 1 {
		t.Fatalf("closed = %d, want 1", metrics.closed)
	}
	if len(metrics.gatewayCounts) != 1 || metrics.gatewayCounts[0] != 2 {
		t.Fatalf("gatewayCounts = %v, want [2]", metrics.gatewayCounts)
	}

	packets, err := s.LatestPackets(ctx, 10)
	if err != nil {
		t.Fatalf("LatestPackets: %v", err)
	}
	if len(packets) != 1 || packets[0].GatewayCount != 2 {
		t.Fatalf("packets = %+v", packets)
	}
}

func TestGroupNotClosedWithinQuiescenceOfLastArrival(t *testing.T) {
	g, _, fake, metrics := newTestGrouper(t)
	ctx := context.Background()

	g.handleIngest(ctx, ingestMsg{obs: obsFor(2, 200, 1), gatewayID: "!00000001", arrival: fake.Now()})
	fake.Advance(11 * time.Second) // window elapsed...
	g.handleIngest(ctx, ingestMsg{obs: obsFor(2, 200, 2), gatewayID: "!00000002", arrival: fake.Now()})

	// ...but a fresh arrival just happened, so quiescence isn't satisfied.
	g.flushClosable(ctx, fake.Now())
	if metrics.closed != 0 {
		t.Fatalf("closed = %d, want 0 (quiescence not yet elapsed)", metrics.closed)
	}

	fake.Advance(3 * time.Second)
	g.flushClosable(ctx, fake.Now())
	if metrics.closed != 1 {
		t.Fatalf("closed = %d, want 1", metrics.closed)
	}
}

func TestReplayObservationSuppressedAndIgnored(t *testing.T) {
	g, _, fake, metrics := newTestGrouper(t)
	ctx := context.Background()

	obs := obsFor(3, 300, 9)
	g.handleIngest(ctx, ingestMsg{obs: obs, gatewayID: "!00000001", arrival: fake.Now()})
	g.handleIngest(ctx, ingestMsg{obs: obs, gatewayID: "!00000002", arrival: fake.Now()})

	if metrics.replaySuppressed != 1 {
		t.Fatalf("replaySuppressed = %d, want 1", metrics.replaySuppressed)
	}
	grp := g.groups[groupKey{PacketID: 3, SenderNodeID: 300}]
	if grp == nil || len(grp.gateways) != 1 {
		t.Fatalf("replay should not extend the group: %+v", grp)
	}
}

func TestLateArrivalReconciledAfterClose(t *testing.T) {
	g, s, fake, metrics := newTestGrouper(t)
	ctx := context.Background()

	g.handleIngest(ctx, ingestMsg{obs: obsFor(4, 400, 1), gatewayID: "!00000001", arrival: fake.Now()})
	fake.Advance(13 * time.Second)
	g.flushClosable(ctx, fake.Now())
	if metrics.closed != 1 {
		t.Fatalf("closed = %d, want 1", metrics.closed)
	}

	g.handleIngest(ctx, ingestMsg{obs: obsFor(4, 400, 2), gatewayID: "!00000002", arrival: fake.Now()})
	if metrics.lateReconciled != 1 {
		t.Fatalf("lateReconciled = %d, want 1", metrics.lateReconciled)
	}

	packets, err := s.UserPackets(ctx, 400, 1)
	if err != nil {
		t.Fatalf("UserPackets: %v", err)
	}
	if len(packets) != 1 || packets[0].GatewayCount != 2 {
		t.Fatalf("packets = %+v, want gateway_count 2", packets)
	}
}

func TestLateArrivalBeyondRetentionDiscarded(t *testing.T) {
	g, _, fake, metrics := newTestGrouper(t)
	ctx := context.Background()

	g.handleIngest(ctx, ingestMsg{obs: obsFor(5, 500, 1), gatewayID: "!00000001", arrival: fake.Now()})
	fake.Advance(13 * time.Second)
	g.flushClosable(ctx, fake.Now())

	fake.Advance(25 * time.Hour)
	g.handleIngest(ctx, ingestMsg{obs: obsFor(5, 500, 2), gatewayID: "!00000002", arrival: fake.Now()})

	if metrics.lateBeyondRetention != 0 {
		// The arrival re-opens as a "new" group (Store's
		// ErrNotFoundOrExpired does not distinguish never-existed
		// from aged-out) and this test never closes it, so no
		// collision with the original row happens yet. See
		// TestLateArrivalBeyondRetentionCollidesOnClose below for
		// what happens once that new group actually closes.
		t.Fatalf("lateBeyondRetention = %d, want 0 for this scenario", metrics.lateBeyondRetention)
	}
}

// TestLateArrivalBeyondRetentionCollidesOnClose drives a late arrival
// on a packet that has already aged out of retention all the way
// through its own close, so its InsertGroupedPacket collides with the
// row the original group already wrote under the same
// (packet_id, sender_node_id) key.
func TestLateArrivalBeyondRetentionCollidesOnClose(t *testing.T) {
	g, s, fake, metrics := newTestGrouper(t)
	ctx := context.Background()

	g.handleIngest(ctx, ingestMsg{obs: obsFor(7, 700, 1), gatewayID: "!00000001", arrival: fake.Now()})
	fake.Advance(13 * time.Second)
	g.flushClosable(ctx, fake.Now())
	if metrics.closed != 1 {
		t.Fatalf("closed = %d, want 1 after first close", metrics.closed)
	}

	fake.Advance(25 * time.Hour)
	g.handleIngest(ctx, ingestMsg{obs: obsFor(7, 700, 2), gatewayID: "!00000002", arrival: fake.Now()})
	if metrics.opened != 2 {
		t.Fatalf("opened = %d, want 2 (late arrival re-opens as new)", metrics.opened)
	}

	fake.Advance(13 * time.Second)
	g.flushClosable(ctx, fake.Now())

	if metrics.lateBeyondRetention != 1 {
		t.Fatalf("lateBeyondRetention = %d, want 1", metrics.lateBeyondRetention)
	}
	if metrics.closed != 1 {
		t.Fatalf("closed = %d, want 1 (collision must not count as a clean close)", metrics.closed)
	}

	packets, err := s.UserPackets(ctx, 700, 10)
	if err != nil {
		t.Fatalf("UserPackets: %v", err)
	}
	if len(packets) != 1 || packets[0].GatewayCount != 1 {
		t.Fatalf("packets = %+v, want a single row from the first close only", packets)
	}
}

func TestShutdownDrainClosesOpenGroups(t *testing.T) {
	g, s, fake, metrics := newTestGrouper(t)
	ctx := context.Background()

	g.handleIngest(ctx, ingestMsg{obs: obsFor(6, 600, 1), gatewayID: "!00000001", arrival: fake.Now()})
	if metrics.closed != 0 {
		t.Fatalf("closed = %d, want 0 before drain", metrics.closed)
	}

	g.drainAll()
	if metrics.closed != 1 {
		t.Fatalf("closed = %d, want 1 after drain", metrics.closed)
	}

	packets, err := s.LatestPackets(ctx, 10)
	if err != nil {
		t.Fatalf("LatestPackets: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("packets = %+v", packets)
	}
}
