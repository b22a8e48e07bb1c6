// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/meshstats/meshstats/lib/clock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:     ":memory:",
		PoolSize: 1,
		Clock:    clock.Fake(time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertBasicGroup(t *testing.T, s *Store, packetID, sender uint32, gateways ...string) {
	t.Helper()
	var relays []GatewayRelay
	for _, g := range gateways {
		relays = append(relays, GatewayRelay{GatewayID: g, ObservedAt: s.clock.Now()})
	}
	err := s.InsertGroupedPacket(context.Background(), GroupedPacket{
		PacketID:     packetID,
		SenderNodeID: sender,
		SenderName:   "node-test",
		SentAt:       s.clock.Now(),
		Payload:      "hello",
		Gateways:     relays,
	})
	if err != nil {
		t.Fatalf("InsertGroupedPacket: %v", err)
	}
}

func TestInsertGroupedPacketGatewayCount(t *testing.T) {
	s := newTestStore(t)
	insertBasicGroup(t, s, 1, 100, "!00000001", "!00000002")

	packets, err := s.LatestPackets(context.Background(), 10)
	if err != nil {
		t.Fatalf("LatestPackets: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("len(packets) = %d, want 1", len(packets))
	}
	if packets[0].GatewayCount != 2 {
		t.Errorf("GatewayCount = %d, want 2", packets[0].GatewayCount)
	}
}

func TestInsertGroupedPacketUniquePacketSender(t *testing.T) {
	s := newTestStore(t)
	insertBasicGroup(t, s, 1, 100, "!00000001")

	err := s.InsertGroupedPacket(context.Background(), GroupedPacket{
		PacketID:     1,
		SenderNodeID: 100,
		SenderName:   "node-test",
		SentAt:       s.clock.Now(),
		Payload:      "again",
		Gateways:     []GatewayRelay{{GatewayID: "!00000003", ObservedAt: s.clock.Now()}},
	})
	if err == nil {
		t.Fatal("expected unique constraint violation on duplicate (packet_id, sender_node_id)")
	}
}

func TestReconcileLateRelayIncrementsCount(t *testing.T) {
	s := newTestStore(t)
	insertBasicGroup(t, s, 5, 200, "!00000001")

	err := s.ReconcileLateRelay(context.Background(), 5, 200, "!00000002", s.clock.Now(), 24*time.Hour)
	if err != nil {
		t.Fatalf("ReconcileLateRelay: %v", err)
	}

	packets, err := s.UserPackets(context.Background(), 200, 1)
	if err != nil {
		t.Fatalf("UserPackets: %v", err)
	}
	if len(packets) != 1 || packets[0].GatewayCount != 2 {
		t.Fatalf("packets = %+v, want gateway_count 2", packets)
	}
}

func TestReconcileLateRelayDuplicateIsNoOp(t *testing.T) {
	s := newTestStore(t)
	insertBasicGroup(t, s, 6, 201, "!00000001")

	if err := s.ReconcileLateRelay(context.Background(), 6, 201, "!00000001", s.clock.Now(), 24*time.Hour); err != nil {
		t.Fatalf("ReconcileLateRelay: %v", err)
	}

	packets, err := s.UserPackets(context.Background(), 201, 1)
	if err != nil {
		t.Fatalf("UserPackets: %v", err)
	}
	if packets[0].GatewayCount != 1 {
		t.Fatalf("GatewayCount = %d, want 1 (duplicate relay should not double count)", packets[0].GatewayCount)
	}
}

func TestReconcileLateRelayBeyondRetention(t *testing.T) {
	s := newTestStore(t)
	insertBasicGroup(t, s, 7, 202, "!00000001")

	fake := s.clock.(*clock.FakeClock)
	fake.Advance(25 * time.Hour)

	err := s.ReconcileLateRelay(context.Background(), 7, 202, "!00000002", s.clock.Now(), 24*time.Hour)
	if err != ErrNotFoundOrExpired {
		t.Fatalf("err = %v, want ErrNotFoundOrExpired", err)
	}
}

func TestReconcileLateRelayUnknownPacket(t *testing.T) {
	s := newTestStore(t)
	err := s.ReconcileLateRelay(context.Background(), 999, 1, "!00000001", s.clock.Now(), 24*time.Hour)
	if err != ErrNotFoundOrExpired {
		t.Fatalf("err = %v, want ErrNotFoundOrExpired", err)
	}
}

func TestCheckAndRecordFingerprintReplay(t *testing.T) {
	s := newTestStore(t)
	var hash [32]byte
	hash[0] = 1

	replay, err := s.CheckAndRecordFingerprint(context.Background(), hash)
	if err != nil {
		t.Fatalf("CheckAndRecordFingerprint: %v", err)
	}
	if replay {
		t.Fatal("first observation should not be a replay")
	}

	replay, err = s.CheckAndRecordFingerprint(context.Background(), hash)
	if err != nil {
		t.Fatalf("CheckAndRecordFingerprint: %v", err)
	}
	if !replay {
		t.Fatal("second observation of the same hash should be a replay")
	}
}

func TestExpireNeverDeletesNodesOrSubscriptions(t *testing.T) {
	s := newTestStore(t)
	insertBasicGroup(t, s, 1, 1, "!00000001")
	if err := s.Subscribe(context.Background(), 1, "low"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	fake := s.clock.(*clock.FakeClock)
	fake.Advance(48 * time.Hour)

	if err := s.Expire(context.Background(), s.clock.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	packets, err := s.LatestPackets(context.Background(), 10)
	if err != nil {
		t.Fatalf("LatestPackets: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected packet to be expired, got %d", len(packets))
	}

	n, err := s.DistinctNodeCount(context.Background(), nil)
	if err != nil {
		t.Fatalf("DistinctNodeCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("node count = %d, want 1 (nodes must never be expired)", n)
	}

	sub, found, err := s.UserSubscription(context.Background(), 1)
	if err != nil {
		t.Fatalf("UserSubscription: %v", err)
	}
	if !found || !sub.Active {
		t.Fatalf("subscription should survive expiry, got found=%v sub=%+v", found, sub)
	}
}

func TestSubscribeUpsertsVariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Subscribe(ctx, 10, "low"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Subscribe(ctx, 10, "high"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs, err := s.ActiveSubscriptions(ctx, "")
	if err != nil {
		t.Fatalf("ActiveSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("len(subs) = %d, want 1 (re-subscribe must replace, not duplicate)", len(subs))
	}
	if subs[0].Variant != "high" {
		t.Fatalf("Variant = %q, want high", subs[0].Variant)
	}
}

func TestUnsubscribeDeactivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Subscribe(ctx, 11, "avg"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Unsubscribe(ctx, 11); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	subs, err := s.ActiveSubscriptions(ctx, "")
	if err != nil {
		t.Fatalf("ActiveSubscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("len(subs) = %d, want 0", len(subs))
	}
}

func TestCacheGetSetExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CacheSet(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("CacheSet: %v", err)
	}

	v, ok, err := s.CacheGet(ctx, "k")
	if err != nil {
		t.Fatalf("CacheGet: %v", err)
	}
	if !ok || v != "v" {
		t.Fatalf("CacheGet = %q, %v", v, ok)
	}

	fake := s.clock.(*clock.FakeClock)
	fake.Advance(2 * time.Minute)

	_, ok, err = s.CacheGet(ctx, "k")
	if err != nil {
		t.Fatalf("CacheGet: %v", err)
	}
	if ok {
		t.Fatal("expired entry should be treated as absent")
	}
}

func TestAppendAndRecentCommandLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.AppendCommandLog(ctx, CommandLogEntry{UserNodeID: 1, RawText: "!help"}); err != nil {
		t.Fatalf("AppendCommandLog: %v", err)
	}
	logs, err := s.RecentCommandLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCommandLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].RawText != "!help" {
		t.Fatalf("logs = %+v", logs)
	}
}
