// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/meshstats/meshstats/internal/apierr"
	"github.com/meshstats/meshstats/internal/codec"
	"github.com/meshstats/meshstats/internal/stats"
	"github.com/meshstats/meshstats/internal/subscriptions"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxStatsLast = 100
)

func parsePathUint32(r *http.Request, key string) (uint32, *apierr.APIError) {
	raw := r.PathValue(key)
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, apierr.BadRequest(key + " must be a non-negative integer")
	}
	return uint32(v), nil
}

func parsePathInt(r *http.Request, key string, def, min, max int) (int, *apierr.APIError) {
	raw := r.PathValue(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.BadRequest(key + " must be an integer")
	}
	if v < min || v > max {
		return 0, apierr.BadRequest(key + " out of range")
	}
	return v, nil
}

func parseQueryInt(r *http.Request, key string, def, min, max int) (int, *apierr.APIError) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.BadRequest(key + " must be an integer")
	}
	if v < min || v > max {
		return 0, apierr.BadRequest(key + " out of range")
	}
	return v, nil
}

func writeErr(w http.ResponseWriter, apiErr *apierr.APIError) {
	apierr.WriteError(w, apiErr)
}

// ---- /stats/... ----

func (s *Server) handleStatsLast(w http.ResponseWriter, r *http.Request) {
	n, apiErr := parsePathInt(r, "n", 1, 1, maxStatsLast)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	packets, err := s.cfg.Store.LatestPackets(r.Context(), n)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	if r.PathValue("n") == "" {
		if len(packets) == 0 {
			writeErr(w, apierr.NotFound("no packets stored yet"))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, packets[0])
		return
	}
	apierr.WriteJSON(w, http.StatusOK, packets)
}

func (s *Server) handleStatsToday(w http.ResponseWriter, r *http.Request) {
	day, err := s.cfg.Stats.DayStat(r.Context(), s.clock.Now().UTC())
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, day)
}

type detailedDayStat struct {
	stats.DayStat
	Hourly []stats.HourlyStat `json:"hourly"`
}

func (s *Server) handleStatsTodayDetailed(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now().UTC()
	day, err := s.cfg.Stats.DayStat(r.Context(), now)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	hourly, err := s.cfg.Stats.HourlyStat(r.Context(), now)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, detailedDayStat{DayStat: day, Hourly: hourly})
}

func (s *Server) handleStatsDate(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("date")
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		writeErr(w, apierr.BadRequest("date must be YYYY-MM-DD"))
		return
	}
	day, err := s.cfg.Stats.DayStat(r.Context(), date)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	if r.URL.Query().Get("detailed") != "true" {
		apierr.WriteJSON(w, http.StatusOK, day)
		return
	}
	hourly, err := s.cfg.Stats.HourlyStat(r.Context(), date)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, detailedDayStat{DayStat: day, Hourly: hourly})
}

func (s *Server) handleStatsComparisons(w http.ResponseWriter, r *http.Request) {
	cmp, err := s.cfg.Stats.Comparisons(r.Context())
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleStatsRolling(w http.ResponseWriter, r *http.Request) {
	rolling, err := s.cfg.Stats.RollingStats(r.Context())
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, rolling)
}

func (s *Server) handleStatsUserLast(w http.ResponseWriter, r *http.Request) {
	nodeID, apiErr := parsePathUint32(r, "node_id")
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	n, apiErr := parsePathInt(r, "n", 1, 1, maxStatsLast)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	packets, err := s.cfg.Store.UserPackets(r.Context(), nodeID, n)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	if r.PathValue("n") == "" {
		if len(packets) == 0 {
			writeErr(w, apierr.NotFound("no packets stored for this node"))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, packets[0])
		return
	}
	apierr.WriteJSON(w, http.StatusOK, packets)
}

// ---- /users/{node_id}/... ----

func (s *Server) handleUserMessages(w http.ResponseWriter, r *http.Request) {
	nodeID, apiErr := parsePathUint32(r, "node_id")
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	limit, apiErr := parseQueryInt(r, "limit", defaultLimit, 1, maxLimit)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	packets, err := s.cfg.Store.UserPackets(r.Context(), nodeID, limit)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, packets)
}

func (s *Server) handleUserGateways(w http.ResponseWriter, r *http.Request) {
	nodeID, apiErr := parsePathUint32(r, "node_id")
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	limit, apiErr := parseQueryInt(r, "limit", defaultLimit, 1, maxLimit)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	counts, err := s.cfg.Store.UserGatewayCounts(r.Context(), nodeID, limit)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, counts)
}

func (s *Server) handleUserGatewayPercentiles(w http.ResponseWriter, r *http.Request) {
	nodeID, apiErr := parsePathUint32(r, "node_id")
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	limit, apiErr := parseQueryInt(r, "limit", defaultLimit, 1, maxLimit)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	counts, err := s.cfg.Store.UserGatewayCounts(r.Context(), nodeID, limit)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	sample := make([]float64, len(counts))
	for i, c := range counts {
		sample[i] = float64(c)
	}
	sort.Float64s(sample)
	apierr.WriteJSON(w, http.StatusOK, stats.GatewayPercentiles{
		SampleSize: len(sample),
		P50:        stats.Percentile(sample, 0.50),
		P90:        stats.Percentile(sample, 0.90),
		P95:        stats.Percentile(sample, 0.95),
		P99:        stats.Percentile(sample, 0.99),
	})
}

// ---- /messages/... ----

func (s *Server) handleMessagesRecent(w http.ResponseWriter, r *http.Request) {
	limit, apiErr := parseQueryInt(r, "limit", defaultLimit, 1, maxLimit)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	packets, err := s.cfg.Store.LatestPackets(r.Context(), limit)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, packets)
}

// handleMessagesDetailed returns the same rows as /messages/recent; the
// distinction is that Packet already carries every field (RSSI, SNR,
// hop counts) this route's "detailed" name promises, so no separate
// shape is needed.
func (s *Server) handleMessagesDetailed(w http.ResponseWriter, r *http.Request) {
	s.handleMessagesRecent(w, r)
}

// ---- /subscriptions, /subscribe/... ----

func (s *Server) handleSubscriptionsList(w http.ResponseWriter, r *http.Request) {
	variant := r.URL.Query().Get("subscription_type")
	subs, err := s.cfg.Subscriptions.ActiveSubscribers(r.Context(), variant)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, subs)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	nodeID, apiErr := parsePathUint32(r, "node_id")
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	variant := r.PathValue("variant")
	if err := s.cfg.Subscriptions.Subscribe(r.Context(), nodeID, variant); err != nil {
		var invalid subscriptions.ErrInvalidVariant
		if errors.As(err, &invalid) {
			writeErr(w, apierr.BadRequest(err.Error()))
			return
		}
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"node_id": nodeID, "variant": variant})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	nodeID, apiErr := parsePathUint32(r, "node_id")
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	if err := s.cfg.Subscriptions.Unsubscribe(r.Context(), nodeID); err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- /network/stats ----

func (s *Server) handleNetworkStats(w http.ResponseWriter, r *http.Request) {
	network, err := s.cfg.Stats.NetworkStats(r.Context())
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, network)
}

func (s *Server) handleNetworkTopSenders(w http.ResponseWriter, r *http.Request) {
	days, apiErr := parseQueryInt(r, "days", 7, 1, 365)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	limit, apiErr := parseQueryInt(r, "limit", 10, 1, maxLimit)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	end := s.clock.Now().UTC()
	start := end.AddDate(0, 0, -days)
	senders, err := s.cfg.Stats.TopSenders(r.Context(), start, end, limit)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, senders)
}

// ---- /bot/... ----

type botStats struct {
	Days           int   `json:"days"`
	CommandsTotal  int   `json:"commands_total"`
	RateLimited    int   `json:"rate_limited"`
	DistinctUsers  int   `json:"distinct_users"`
}

func (s *Server) handleBotStats(w http.ResponseWriter, r *http.Request) {
	days, apiErr := parseQueryInt(r, "days", 7, 1, 365)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	logs, err := s.cfg.Store.RecentCommandLogs(r.Context(), 10000)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	out := botStats{Days: days}
	users := make(map[uint32]struct{})
	for _, l := range logs {
		out.CommandsTotal++
		if l.RateLimited {
			out.RateLimited++
		}
		users[l.UserNodeID] = struct{}{}
	}
	out.DistinctUsers = len(users)
	apierr.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleBotCommandsRecent(w http.ResponseWriter, r *http.Request) {
	limit, apiErr := parseQueryInt(r, "limit", defaultLimit, 1, maxLimit)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	logs, err := s.cfg.Store.RecentCommandLogs(r.Context(), limit)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, logs)
}

func (s *Server) handleBotCommandsUser(w http.ResponseWriter, r *http.Request) {
	nodeID, apiErr := parsePathUint32(r, "id")
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	limit, apiErr := parseQueryInt(r, "limit", defaultLimit, 1, maxLimit)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	logs, err := s.cfg.Store.UserCommandLogs(r.Context(), nodeID, limit)
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, logs)
}

// ---- /health ----

type healthResponse struct {
	Status          string           `json:"status"`
	DatabaseLatency string           `json:"database_latency"`
	MQTTStatus      string           `json:"mqtt_status"`
	Scheduler       []schedulerJob   `json:"scheduler"`
	CommandBot      *commandBotState `json:"commandbot,omitempty"`
}

type schedulerJob struct {
	Name      string    `json:"name"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	LastError string    `json:"last_error,omitempty"`
	Running   bool      `json:"running"`
}

type commandBotState struct {
	State        string `json:"state"`
	Connected    bool   `json:"connected"`
	RestartCount int    `json:"restart_count"`
	LastError    string `json:"last_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := s.clock.Now()
	dbErr := s.cfg.Store.Ping(r.Context())
	latency := s.clock.Now().Sub(start)

	status := "ok"
	if dbErr != nil {
		status = "degraded"
	}

	jobs := s.cfg.Scheduler.Status()
	out := healthResponse{
		Status:          status,
		DatabaseLatency: latency.String(),
		MQTTStatus:      s.cfg.MQTTStatus(),
		Scheduler:       make([]schedulerJob, len(jobs)),
	}
	for i, j := range jobs {
		out.Scheduler[i] = schedulerJob{
			Name: j.Name, LastRun: j.LastRun, NextRun: j.NextRun,
			LastError: j.LastError, Running: j.Running,
		}
	}
	if s.cfg.CommandBot != nil {
		st := s.cfg.CommandBot.Status()
		out.CommandBot = &commandBotState{
			State: st.State, Connected: st.Connected,
			RestartCount: st.RestartCount, LastError: st.LastError,
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	apierr.WriteJSON(w, code, out)
}

// ---- /admin/database/... ----

func (s *Server) handleAdminDatabaseInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.cfg.Store.Info(r.Context())
	if err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) handleAdminDatabaseExpire(w http.ResponseWriter, r *http.Request) {
	days, apiErr := parseQueryInt(r, "days", 90, 1, 3650)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -days)
	if err := s.cfg.Store.Expire(r.Context(), cutoff); err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"expired_before": cutoff})
}

// ---- /mock/... ----

type mockMessageRequest struct {
	PacketID     uint32  `json:"packet_id"`
	SenderNodeID uint32  `json:"sender_node_id"`
	GatewayID    string  `json:"gateway_id"`
	Payload      string  `json:"payload"`
	RSSI         int32   `json:"rssi"`
	SNR          float32 `json:"snr"`
}

// handleMockMessage feeds a synthetic observation into the same
// Grouper.Ingest channel MqttIngest uses, so the test affordance
// exercises exactly the production grouping and storage path.
func (s *Server) handleMockMessage(w http.ResponseWriter, r *http.Request) {
	var req mockMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, apierr.BadRequest(err.Error()))
		return
	}
	if req.PacketID == 0 || req.GatewayID == "" {
		writeErr(w, apierr.BadRequest("packet_id and gateway_id are required"))
		return
	}
	now := s.clock.Now()
	obs := codec.Observation{
		EnvelopeHash: mockEnvelopeHash(req.PacketID, req.SenderNodeID, req.GatewayID, now),
		PacketID:     req.PacketID,
		SenderNodeID: req.SenderNodeID,
		GatewayID:    req.GatewayID,
		Payload:      req.Payload,
		RSSI:         req.RSSI,
		SNR:          req.SNR,
	}
	if err := s.cfg.Grouper.Ingest(r.Context(), obs, req.GatewayID, now); err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type mockUserRequest struct {
	NodeID      uint32 `json:"node_id"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleMockUser(w http.ResponseWriter, r *http.Request) {
	var req mockUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, apierr.BadRequest(err.Error()))
		return
	}
	if err := s.cfg.Store.UpsertNode(r.Context(), req.NodeID, req.DisplayName); err != nil {
		writeErr(w, apierr.Internal(err.Error()))
		return
	}
	apierr.WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// mockEnvelopeHash stands in for the blake3 hash Codec computes over
// raw envelope bytes: /mock/message has no raw bytes, only structured
// fields, so it hashes those plus the arrival instant instead. Two
// mock requests with identical fields sent in the same nanosecond
// would collide and be suppressed as a replay, which is the same
// fingerprint behavior production ingestion gives two byte-identical
// envelopes.
func mockEnvelopeHash(packetID, senderNodeID uint32, gatewayID string, arrival time.Time) [32]byte {
	buf := make([]byte, 0, 4+4+len(gatewayID)+8)
	buf = binary.LittleEndian.AppendUint32(buf, packetID)
	buf = binary.LittleEndian.AppendUint32(buf, senderNodeID)
	buf = append(buf, gatewayID...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(arrival.UnixNano()))
	return blake3.Sum256(buf)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
