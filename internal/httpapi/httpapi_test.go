// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meshstats/meshstats/internal/codec"
	"github.com/meshstats/meshstats/internal/commandbot"
	"github.com/meshstats/meshstats/internal/scheduler"
	"github.com/meshstats/meshstats/internal/stats"
	"github.com/meshstats/meshstats/internal/store"
	"github.com/meshstats/meshstats/internal/subscriptions"
	"github.com/meshstats/meshstats/lib/clock"
)

type fakeStore struct {
	packets    []store.Packet
	userNodes  map[uint32]string
	gatewayNos map[uint32][]int64
	logs       []store.CommandLogEntry
	pingErr    error
	expiredAt  time.Time
}

func (f *fakeStore) LatestPackets(ctx context.Context, n int) ([]store.Packet, error) {
	if n > len(f.packets) {
		n = len(f.packets)
	}
	return f.packets[:n], nil
}

func (f *fakeStore) UserPackets(ctx context.Context, nodeID uint32, n int) ([]store.Packet, error) {
	var out []store.Packet
	for _, p := range f.packets {
		if uint32(p.SenderNodeID) == nodeID {
			out = append(out, p)
		}
	}
	if n < len(out) {
		out = out[:n]
	}
	return out, nil
}

func (f *fakeStore) UserGatewayCounts(ctx context.Context, nodeID uint32, limit int) ([]int64, error) {
	return f.gatewayNos[nodeID], nil
}

func (f *fakeStore) RecentCommandLogs(ctx context.Context, n int) ([]store.CommandLogEntry, error) {
	if n > len(f.logs) {
		n = len(f.logs)
	}
	return f.logs[:n], nil
}

func (f *fakeStore) UserCommandLogs(ctx context.Context, nodeID uint32, n int) ([]store.CommandLogEntry, error) {
	var out []store.CommandLogEntry
	for _, l := range f.logs {
		if l.UserNodeID == nodeID {
			out = append(out, l)
		}
	}
	if n < len(out) {
		out = out[:n]
	}
	return out, nil
}

func (f *fakeStore) Info(ctx context.Context) (store.DatabaseInfo, error) {
	return store.DatabaseInfo{PacketCount: int64(len(f.packets))}, nil
}

func (f *fakeStore) Expire(ctx context.Context, cutoff time.Time) error {
	f.expiredAt = cutoff
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) UpsertNode(ctx context.Context, nodeID uint32, name string) error {
	if f.userNodes == nil {
		f.userNodes = make(map[uint32]string)
	}
	f.userNodes[nodeID] = name
	return nil
}

type fakeStats struct {
	day        stats.DayStat
	rolling    stats.RollingStats
	network    stats.NetworkStats
	topSenders []store.TopSender
}

func (f *fakeStats) DayStat(ctx context.Context, date time.Time) (stats.DayStat, error) {
	return f.day, nil
}
func (f *fakeStats) HourlyStat(ctx context.Context, date time.Time) ([]stats.HourlyStat, error) {
	return nil, nil
}
func (f *fakeStats) RollingStats(ctx context.Context) (stats.RollingStats, error) {
	return f.rolling, nil
}
func (f *fakeStats) Comparisons(ctx context.Context) (stats.Comparisons, error) {
	return stats.Comparisons{}, nil
}
func (f *fakeStats) NetworkStats(ctx context.Context) (stats.NetworkStats, error) {
	return f.network, nil
}
func (f *fakeStats) GatewayPercentiles(ctx context.Context, sampleCap int) (stats.GatewayPercentiles, error) {
	return stats.GatewayPercentiles{}, nil
}
func (f *fakeStats) TopSenders(ctx context.Context, start, end time.Time, limit int) ([]store.TopSender, error) {
	return f.topSenders, nil
}

type fakeSubs struct {
	subs map[uint32]string
}

func (f *fakeSubs) Subscribe(ctx context.Context, nodeID uint32, variant string) error {
	valid := false
	for _, v := range subscriptions.Variants {
		if v == variant {
			valid = true
		}
	}
	if !valid {
		return subscriptions.ErrInvalidVariant{Variant: variant}
	}
	if f.subs == nil {
		f.subs = make(map[uint32]string)
	}
	f.subs[nodeID] = variant
	return nil
}
func (f *fakeSubs) Unsubscribe(ctx context.Context, nodeID uint32) error {
	delete(f.subs, nodeID)
	return nil
}
func (f *fakeSubs) ActiveSubscribers(ctx context.Context, variantFilter string) ([]store.Subscription, error) {
	var out []store.Subscription
	for id, v := range f.subs {
		if variantFilter != "" && v != variantFilter {
			continue
		}
		out = append(out, store.Subscription{UserNodeID: int64(id), Variant: v, Active: true})
	}
	return out, nil
}

type fakeGrouper struct {
	observations []codec.Observation
}

func (g *fakeGrouper) Ingest(ctx context.Context, obs codec.Observation, gatewayID string, arrival time.Time) error {
	g.observations = append(g.observations, obs)
	return nil
}

type fakeScheduler struct{ jobs []scheduler.Job }

func (f *fakeScheduler) Status() []scheduler.Job { return f.jobs }

type fakeCommandBot struct{ status commandbot.Status }

func (f *fakeCommandBot) Status() commandbot.Status { return f.status }

func newTestServer(t *testing.T, st *fakeStore) *Server {
	t.Helper()
	return New("127.0.0.1:0", Config{
		Store:         st,
		Stats:         &fakeStats{},
		Subscriptions: &fakeSubs{},
		Grouper:       &fakeGrouper{},
		Scheduler:     &fakeScheduler{},
		MQTTStatus:    func() string { return "subscribed" },
		Clock:         clock.Fake(time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)),
	})
}

func TestHealthReportsOK(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestHealthReportsDegradedOnDBError(t *testing.T) {
	srv := newTestServer(t, &fakeStore{pingErr: context.DeadlineExceeded})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestStatsLastNotFoundWhenEmpty(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats/last", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestStatsLastReturnsNewest(t *testing.T) {
	srv := newTestServer(t, &fakeStore{packets: []store.Packet{{PacketID: 7001, SenderNodeID: 0xA1}}})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats/last", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var p store.Packet
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.PacketID != 7001 {
		t.Errorf("packet id = %d, want 7001", p.PacketID)
	}
}

func TestStatsLastNRejectsOutOfRange(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats/last/999", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestMockMessageFeedsGrouper(t *testing.T) {
	grp := &fakeGrouper{}
	srv := New("127.0.0.1:0", Config{
		Store:         &fakeStore{},
		Stats:         &fakeStats{},
		Subscriptions: &fakeSubs{},
		Grouper:       grp,
		Scheduler:     &fakeScheduler{},
		MQTTStatus:    func() string { return "subscribed" },
		Clock:         clock.Fake(time.Now()),
	})

	body := `{"packet_id":7001,"sender_node_id":161,"gateway_id":"!aabbccdd","payload":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/mock/message", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body=%s", rr.Code, rr.Body.String())
	}
	if len(grp.observations) != 1 {
		t.Fatalf("observations = %d, want 1", len(grp.observations))
	}
	if grp.observations[0].PacketID != 7001 {
		t.Errorf("packet id = %d, want 7001", grp.observations[0].PacketID)
	}
}

func TestMockUserUpsertsNode(t *testing.T) {
	st := &fakeStore{}
	srv := newTestServer(t, st)

	body := `{"node_id":161,"display_name":"Base Camp"}`
	req := httptest.NewRequest(http.MethodPost, "/mock/user", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body=%s", rr.Code, rr.Body.String())
	}
	if st.userNodes[161] != "Base Camp" {
		t.Errorf("upserted name = %q, want Base Camp", st.userNodes[161])
	}
}

func TestSubscribeRejectsInvalidVariant(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/subscribe/161/loud", nil)
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestNetworkTopSendersReturnsStoreRows(t *testing.T) {
	fs := &fakeStats{topSenders: []store.TopSender{
		{NodeID: 100, SenderName: "alice", MessageCount: 42},
	}}
	srv := New("127.0.0.1:0", Config{
		Store:         &fakeStore{},
		Stats:         fs,
		Subscriptions: &fakeSubs{},
		Grouper:       &fakeGrouper{},
		Scheduler:     &fakeScheduler{},
		MQTTStatus:    func() string { return "subscribed" },
		Clock:         clock.Fake(time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)),
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/network/top_senders?days=30&limit=5", nil)
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}
	var got []store.TopSender
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].SenderName != "alice" || got[0].MessageCount != 42 {
		t.Fatalf("got = %+v", got)
	}
}

func TestAdminDatabaseExpireUsesDaysParam(t *testing.T) {
	st := &fakeStore{}
	srv := newTestServer(t, st)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/admin/database/expire?days=30", nil)
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	want := time.Date(2026, 7, 3, 12, 0, 0, 0, time.UTC)
	if !st.expiredAt.Equal(want) {
		t.Errorf("expiredAt = %v, want %v", st.expiredAt, want)
	}
}
