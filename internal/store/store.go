// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable state layer: nodes, packets,
// gateway-relay links, subscriptions, the stat cache, and the command
// audit log. It owns the schema and is the only package that issues
// SQL.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/meshstats/meshstats/lib/clock"
	"github.com/meshstats/meshstats/lib/sqlitepool"
)

//go:embed schema.sql
var schema string

// ErrNotFoundOrExpired is returned by ReconcileLateRelay when the
// target packet does not exist, or exists but is older than the
// retention bound.
var ErrNotFoundOrExpired = errors.New("store: packet not found or beyond retention")

// Store is the durable state layer backed by an embedded SQLite pool.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for tests.
	Path string
	// PoolSize is the connection pool size. Zero uses sqlitepool's default.
	PoolSize int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Open opens (creating if necessary) the SQLite-backed store and
// applies the schema.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	return &Store{pool: pool, clock: c, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

// withRetry wraps fn with the bounded exponential backoff this service
// uses for transient SQLITE_BUSY / SQLITE_LOCKED contention: 10ms
// doubling to a 1s cap, 10 attempts, before the error is surfaced.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	const maxAttempts = 10
	delay := 10 * time.Millisecond
	const cap_ = time.Second

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusyOrLocked(err) {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay + jitter):
		}
		delay *= 2
		if delay > cap_ {
			delay = cap_
		}
	}
	return err
}

func isBusyOrLocked(err error) bool {
	var sqliteErr sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite.ResultBusy || sqliteErr.Code == sqlite.ResultLocked
	}
	return false
}

// IsDuplicate reports whether err is a unique-constraint violation.
// PacketGrouper relies on this to detect a late relay that aged past
// its retention bound and was mistaken for a new packet: the
// subsequent InsertGroupedPacket collides with the row that was
// already there.
func IsDuplicate(err error) bool {
	var sqliteErr sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite.ResultConstraintUnique
	}
	return false
}

// EnvelopeObservation is the subset of a decoded packet the grouper
// hands to Store for fingerprint checks and grouped inserts.
type EnvelopeObservation struct {
	EnvelopeHash [32]byte
}

// CheckAndRecordFingerprint atomically tests whether envelopeHash has
// already been seen and, if not, records it. Returns true if this is
// a replay (the fingerprint was already present).
func (s *Store) CheckAndRecordFingerprint(ctx context.Context, envelopeHash [32]byte) (replay bool, err error) {
	err = s.withRetry(ctx, func() error {
		conn, takeErr := s.pool.Take(ctx)
		if takeErr != nil {
			return takeErr
		}
		defer s.pool.Put(conn)

		endTx, txErr := sqlitex.ImmediateTransaction(conn)
		if txErr != nil {
			return txErr
		}
		defer endTx(&err)

		var exists bool
		execErr := sqlitex.Execute(conn,
			"SELECT 1 FROM envelope_fingerprints WHERE envelope_hash = ?",
			&sqlitex.ExecOptions{
				Args: []any{envelopeHash[:]},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					exists = true
					return nil
				},
			})
		if execErr != nil {
			return execErr
		}
		if exists {
			replay = true
			return nil
		}
		return sqlitex.Execute(conn,
			"INSERT INTO envelope_fingerprints (envelope_hash, seen_at) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{envelopeHash[:], s.now()}})
	})
	return replay, err
}

// GatewayRelay is a single observed relay of a packet by a gateway.
type GatewayRelay struct {
	GatewayID  string
	ObservedAt time.Time
}

// GroupedPacket is a closed PacketGrouper group ready for durable
// storage: the canonical packet fields plus every distinct gateway
// that relayed it.
type GroupedPacket struct {
	PacketID       uint32
	SenderNodeID   uint32
	SenderName     string
	SentAt         time.Time
	RSSI           *float64
	SNR            *float64
	HopStart       *int64
	HopLimitAtRecv *int64
	Payload        string
	Gateways       []GatewayRelay
}

// InsertGroupedPacket writes a closed group in one transaction:
// upserting the sender Node, inserting the Packet row, and inserting
// every GatewayRelay, setting gateway_count to the relay count.
func (s *Store) InsertGroupedPacket(ctx context.Context, g GroupedPacket) (err error) {
	if len(g.Gateways) == 0 {
		return fmt.Errorf("store: insert grouped packet %d: no gateways", g.PacketID)
	}
	return s.withRetry(ctx, func() error {
		conn, takeErr := s.pool.Take(ctx)
		if takeErr != nil {
			return takeErr
		}
		defer s.pool.Put(conn)

		endTx, txErr := sqlitex.ImmediateTransaction(conn)
		if txErr != nil {
			return txErr
		}
		defer endTx(&err)

		now := s.now()
		if upsertErr := upsertNode(conn, g.SenderNodeID, g.SenderName, g.SentAt.UTC().Format(time.RFC3339Nano), now); upsertErr != nil {
			return upsertErr
		}

		var hopsTravelled *int64
		if g.HopStart != nil && g.HopLimitAtRecv != nil {
			v := *g.HopStart - *g.HopLimitAtRecv
			hopsTravelled = &v
		}

		insertErr := sqlitex.Execute(conn, `
			INSERT INTO packets (
				packet_id, sender_node_id, sender_name, sent_at, gateway_count,
				rssi, snr, hop_start, hop_limit_at_receipt, hops_travelled,
				payload, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					int64(g.PacketID), int64(g.SenderNodeID), g.SenderName,
					g.SentAt.UTC().Format(time.RFC3339Nano), len(g.Gateways),
					nullableFloat(g.RSSI), nullableFloat(g.SNR),
					nullableInt(g.HopStart), nullableInt(g.HopLimitAtRecv), nullableInt(hopsTravelled),
					g.Payload, now, now,
				},
			})
		if insertErr != nil {
			return fmt.Errorf("store: insert packet %d: %w", g.PacketID, insertErr)
		}

		localID := conn.LastInsertRowID()
		for _, relay := range g.Gateways {
			relayErr := sqlitex.Execute(conn,
				`INSERT INTO packet_gateways (packet_id, gateway_id, observed_at)
				 VALUES (?, ?, ?) ON CONFLICT (packet_id, gateway_id) DO NOTHING`,
				&sqlitex.ExecOptions{
					Args: []any{localID, relay.GatewayID, relay.ObservedAt.UTC().Format(time.RFC3339Nano)},
				})
			if relayErr != nil {
				return fmt.Errorf("store: insert relay %s for packet %d: %w", relay.GatewayID, g.PacketID, relayErr)
			}
		}
		return nil
	})
}

// UpsertNode records a node's display name and last-seen time directly,
// bypassing PacketGrouper. Used by the HTTP API's /mock/user test
// affordance, which needs to seed a node without a matching packet.
func (s *Store) UpsertNode(ctx context.Context, nodeID uint32, name string) (err error) {
	return s.withRetry(ctx, func() error {
		conn, takeErr := s.pool.Take(ctx)
		if takeErr != nil {
			return takeErr
		}
		defer s.pool.Put(conn)

		now := s.now()
		return upsertNode(conn, nodeID, name, now, now)
	})
}

func upsertNode(conn *sqlite.Conn, nodeID uint32, name, seenAt, updatedAt string) error {
	return sqlitex.Execute(conn, `
		INSERT INTO nodes (node_id, display_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE nodes.display_name END,
			last_seen = CASE WHEN excluded.last_seen > nodes.last_seen THEN excluded.last_seen ELSE nodes.last_seen END`,
		&sqlitex.ExecOptions{Args: []any{int64(nodeID), name, seenAt, seenAt}})
}

// ReconcileLateRelay attaches a late-arriving relay to an
// already-closed Packet, incrementing gateway_count only when the
// relay is genuinely new. retention bounds how far back (relative to
// now) a packet may still accept late relays.
func (s *Store) ReconcileLateRelay(ctx context.Context, packetID, senderNodeID uint32, gatewayID string, observedAt time.Time, retention time.Duration) (err error) {
	return s.withRetry(ctx, func() error {
		conn, takeErr := s.pool.Take(ctx)
		if takeErr != nil {
			return takeErr
		}
		defer s.pool.Put(conn)

		endTx, txErr := sqlitex.ImmediateTransaction(conn)
		if txErr != nil {
			return txErr
		}
		defer endTx(&err)

		var localID int64
		var sentAt string
		found := false
		selErr := sqlitex.Execute(conn,
			"SELECT id, sent_at FROM packets WHERE packet_id = ? AND sender_node_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{int64(packetID), int64(senderNodeID)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					localID = stmt.ColumnInt64(0)
					sentAt = stmt.ColumnText(1)
					found = true
					return nil
				},
			})
		if selErr != nil {
			return selErr
		}
		if !found {
			return ErrNotFoundOrExpired
		}
		sentAtTime, parseErr := time.Parse(time.RFC3339Nano, sentAt)
		if parseErr != nil {
			return fmt.Errorf("store: parse sent_at: %w", parseErr)
		}
		if s.clock.Now().Sub(sentAtTime) > retention {
			return ErrNotFoundOrExpired
		}

		insErr := sqlitex.Execute(conn,
			`INSERT INTO packet_gateways (packet_id, gateway_id, observed_at)
			 VALUES (?, ?, ?) ON CONFLICT (packet_id, gateway_id) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{localID, gatewayID, observedAt.UTC().Format(time.RFC3339Nano)}})
		if insErr != nil {
			return insErr
		}
		if changeCount(conn) == 0 {
			// Relay already recorded; not an error, just a no-op.
			return nil
		}

		return sqlitex.Execute(conn,
			"UPDATE packets SET gateway_count = gateway_count + 1, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{s.now(), localID}})
	})
}

func changeCount(conn *sqlite.Conn) int {
	return conn.Changes()
}

// Expire deletes packets (and their relays), stat cache entries, and
// command log rows older than cutoff. Nodes and subscriptions are
// never deleted.
func (s *Store) Expire(ctx context.Context, cutoff time.Time) (err error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)
	return s.withRetry(ctx, func() error {
		conn, takeErr := s.pool.Take(ctx)
		if takeErr != nil {
			return takeErr
		}
		defer s.pool.Put(conn)

		endTx, txErr := sqlitex.ImmediateTransaction(conn)
		if txErr != nil {
			return txErr
		}
		defer endTx(&err)

		if delErr := sqlitex.Execute(conn,
			`DELETE FROM packet_gateways WHERE packet_id IN (SELECT id FROM packets WHERE sent_at < ?)`,
			&sqlitex.ExecOptions{Args: []any{cutoffStr}}); delErr != nil {
			return delErr
		}
		if delErr := sqlitex.Execute(conn,
			"DELETE FROM packets WHERE sent_at < ?",
			&sqlitex.ExecOptions{Args: []any{cutoffStr}}); delErr != nil {
			return delErr
		}
		if delErr := sqlitex.Execute(conn,
			"DELETE FROM stat_cache WHERE created_at < ?",
			&sqlitex.ExecOptions{Args: []any{cutoffStr}}); delErr != nil {
			return delErr
		}
		return sqlitex.Execute(conn,
			"DELETE FROM command_logs WHERE created_at < ?",
			&sqlitex.ExecOptions{Args: []any{cutoffStr}})
	})
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// ---- Read queries ----

// Packet is a durable packet row as read back from the store.
type Packet struct {
	ID                int64
	PacketID          int64
	SenderNodeID      int64
	SenderName        string
	SentAt            time.Time
	GatewayCount      int64
	RSSI              *float64
	SNR               *float64
	HopStart          *int64
	HopLimitAtReceipt *int64
	HopsTravelled     *int64
	Payload           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Column indices for packetColumns, in order.
const (
	colID = iota
	colPacketID
	colSenderNodeID
	colSenderName
	colSentAt
	colGatewayCount
	colRSSI
	colSNR
	colHopStart
	colHopLimitAtReceipt
	colHopsTravelled
	colPayload
	colCreatedAt
	colUpdatedAt
)

func scanPacket(stmt *sqlite.Stmt) (Packet, error) {
	p := Packet{
		ID:           stmt.ColumnInt64(colID),
		PacketID:     stmt.ColumnInt64(colPacketID),
		SenderNodeID: stmt.ColumnInt64(colSenderNodeID),
		SenderName:   stmt.ColumnText(colSenderName),
		GatewayCount: stmt.ColumnInt64(colGatewayCount),
		Payload:      stmt.ColumnText(colPayload),
	}
	var err error
	if p.SentAt, err = time.Parse(time.RFC3339Nano, stmt.ColumnText(colSentAt)); err != nil {
		return p, err
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, stmt.ColumnText(colCreatedAt)); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, stmt.ColumnText(colUpdatedAt)); err != nil {
		return p, err
	}
	if !stmt.ColumnIsNull(colRSSI) {
		v := stmt.ColumnFloat(colRSSI)
		p.RSSI = &v
	}
	if !stmt.ColumnIsNull(colSNR) {
		v := stmt.ColumnFloat(colSNR)
		p.SNR = &v
	}
	if !stmt.ColumnIsNull(colHopStart) {
		v := stmt.ColumnInt64(colHopStart)
		p.HopStart = &v
	}
	if !stmt.ColumnIsNull(colHopLimitAtReceipt) {
		v := stmt.ColumnInt64(colHopLimitAtReceipt)
		p.HopLimitAtReceipt = &v
	}
	if !stmt.ColumnIsNull(colHopsTravelled) {
		v := stmt.ColumnInt64(colHopsTravelled)
		p.HopsTravelled = &v
	}
	return p, nil
}

const packetColumns = `id, packet_id, sender_node_id, sender_name, sent_at, gateway_count,
	rssi, snr, hop_start, hop_limit_at_receipt, hops_travelled, payload, created_at, updated_at`

// LatestPackets returns the n most recently sent packets, newest first.
func (s *Store) LatestPackets(ctx context.Context, n int) ([]Packet, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var packets []Packet
	var scanErr error
	err = sqlitex.Execute(conn,
		"SELECT "+packetColumns+" FROM packets ORDER BY sent_at DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p, e := scanPacket(stmt)
				if e != nil {
					scanErr = e
					return e
				}
				packets = append(packets, p)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return packets, scanErr
}

// PacketsInRange returns packets with sent_at in [start, end), oldest first.
func (s *Store) PacketsInRange(ctx context.Context, start, end time.Time) ([]Packet, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var packets []Packet
	var scanErr error
	err = sqlitex.Execute(conn,
		"SELECT "+packetColumns+" FROM packets WHERE sent_at >= ? AND sent_at < ? ORDER BY sent_at ASC",
		&sqlitex.ExecOptions{
			Args: []any{start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p, e := scanPacket(stmt)
				if e != nil {
					scanErr = e
					return e
				}
				packets = append(packets, p)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return packets, scanErr
}

// UserPackets returns the n most recent packets sent by nodeID, newest first.
func (s *Store) UserPackets(ctx context.Context, nodeID uint32, n int) ([]Packet, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var packets []Packet
	var scanErr error
	err = sqlitex.Execute(conn,
		"SELECT "+packetColumns+" FROM packets WHERE sender_node_id = ? ORDER BY sent_at DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(nodeID), n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p, e := scanPacket(stmt)
				if e != nil {
					scanErr = e
					return e
				}
				packets = append(packets, p)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return packets, scanErr
}

// UserGatewayCounts returns the gateway_count of every packet sent by
// nodeID, most recent first, capped at limit — the trailing sample
// GatewayPercentiles is computed over.
func (s *Store) UserGatewayCounts(ctx context.Context, nodeID uint32, limit int) ([]int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var counts []int64
	err = sqlitex.Execute(conn,
		"SELECT gateway_count FROM packets WHERE sender_node_id = ? ORDER BY sent_at DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(nodeID), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts = append(counts, stmt.ColumnInt64(0))
				return nil
			},
		})
	return counts, err
}

// DistinctNodeCount returns the total number of nodes ever seen,
// optionally restricted to those last seen at or after since.
func (s *Store) DistinctNodeCount(ctx context.Context, since *time.Time) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	query := "SELECT COUNT(*) AS n FROM nodes"
	var args []any
	if since != nil {
		query += " WHERE last_seen >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	var n int64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	return n, err
}

// DistinctGatewayCount returns the number of distinct gateway ids ever
// observed, optionally restricted to relays observed at or after since.
func (s *Store) DistinctGatewayCount(ctx context.Context, since *time.Time) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	query := "SELECT COUNT(DISTINCT gateway_id) AS n FROM packet_gateways"
	var args []any
	if since != nil {
		query += " WHERE observed_at >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	var n int64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	return n, err
}

// TopSender is one row of the TopSenders aggregate.
type TopSender struct {
	NodeID       int64
	SenderName   string
	MessageCount int64
}

// TopSenders returns the top senders by message count within
// [start, end), limited to limit rows.
func (s *Store) TopSenders(ctx context.Context, start, end time.Time, limit int) ([]TopSender, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rows []TopSender
	err = sqlitex.Execute(conn, `
		SELECT sender_node_id, sender_name, COUNT(*) AS n
		FROM packets
		WHERE sent_at >= ? AND sent_at < ?
		GROUP BY sender_node_id
		ORDER BY n DESC
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, TopSender{
					NodeID:       stmt.ColumnInt64(0),
					SenderName:   stmt.ColumnText(1),
					MessageCount: stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	return rows, err
}

// ---- Subscriptions ----

// Subscription is a durable subscription row.
type Subscription struct {
	UserNodeID int64
	Variant    string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Subscribe upserts an active subscription for nodeID, replacing any
// prior variant rather than duplicating the row.
func (s *Store) Subscribe(ctx context.Context, nodeID uint32, variant string) (err error) {
	return s.withRetry(ctx, func() error {
		conn, takeErr := s.pool.Take(ctx)
		if takeErr != nil {
			return takeErr
		}
		defer s.pool.Put(conn)

		now := s.now()
		return sqlitex.Execute(conn, `
			INSERT INTO subscriptions (user_node_id, variant, active, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (user_node_id) DO UPDATE SET
				variant = excluded.variant, active = 1, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{int64(nodeID), variant, now, now}})
	})
}

// Unsubscribe marks nodeID's subscription inactive. A no-op if none exists.
func (s *Store) Unsubscribe(ctx context.Context, nodeID uint32) (err error) {
	return s.withRetry(ctx, func() error {
		conn, takeErr := s.pool.Take(ctx)
		if takeErr != nil {
			return takeErr
		}
		defer s.pool.Put(conn)

		return sqlitex.Execute(conn,
			"UPDATE subscriptions SET active = 0, updated_at = ? WHERE user_node_id = ?",
			&sqlitex.ExecOptions{Args: []any{s.now(), int64(nodeID)}})
	})
}

// ActiveSubscriptions returns all active subscriptions, optionally
// filtered to a single variant.
func (s *Store) ActiveSubscriptions(ctx context.Context, variantFilter string) ([]Subscription, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := "SELECT user_node_id, variant, active, created_at, updated_at FROM subscriptions WHERE active = 1"
	var args []any
	if variantFilter != "" {
		query += " AND variant = ?"
		args = append(args, variantFilter)
	}

	var subs []Subscription
	var scanErr error
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sub := Subscription{
				UserNodeID: stmt.ColumnInt64(0),
				Variant:    stmt.ColumnText(1),
				Active:     stmt.ColumnInt64(2) != 0,
			}
			var e error
			if sub.CreatedAt, e = time.Parse(time.RFC3339Nano, stmt.ColumnText(3)); e != nil {
				scanErr = e
				return e
			}
			if sub.UpdatedAt, e = time.Parse(time.RFC3339Nano, stmt.ColumnText(4)); e != nil {
				scanErr = e
				return e
			}
			subs = append(subs, sub)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return subs, scanErr
}

// UserSubscription returns nodeID's subscription row, active or not.
// The second return is false if no subscription row exists at all.
func (s *Store) UserSubscription(ctx context.Context, nodeID uint32) (Subscription, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Subscription{}, false, err
	}
	defer s.pool.Put(conn)

	var sub Subscription
	found := false
	var scanErr error
	err = sqlitex.Execute(conn,
		"SELECT user_node_id, variant, active, created_at, updated_at FROM subscriptions WHERE user_node_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(nodeID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sub.UserNodeID = stmt.ColumnInt64(0)
				sub.Variant = stmt.ColumnText(1)
				sub.Active = stmt.ColumnInt64(2) != 0
				var e error
				if sub.CreatedAt, e = time.Parse(time.RFC3339Nano, stmt.ColumnText(3)); e != nil {
					scanErr = e
					return e
				}
				if sub.UpdatedAt, e = time.Parse(time.RFC3339Nano, stmt.ColumnText(4)); e != nil {
					scanErr = e
					return e
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return Subscription{}, false, err
	}
	return sub, found, scanErr
}

// ---- Stat cache ----

// CacheGet returns the cached value for key, and false if absent or expired.
func (s *Store) CacheGet(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	var value string
	found := false
	now := s.now()
	err = sqlitex.Execute(conn,
		"SELECT value FROM stat_cache WHERE key = ? AND expires_at > ?",
		&sqlitex.ExecOptions{
			Args: []any{key, now},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	return value, found, err
}

// CacheSet writes (or overwrites) a cache entry with the given TTL.
// Last write wins, matching the cache's optimistic-write policy.
func (s *Store) CacheSet(ctx context.Context, key, value string, ttl time.Duration) (err error) {
	return s.withRetry(ctx, func() error {
		conn, takeErr := s.pool.Take(ctx)
		if takeErr != nil {
			return takeErr
		}
		defer s.pool.Put(conn)

		now := s.clock.Now().UTC()
		expires := now.Add(ttl).Format(time.RFC3339Nano)
		return sqlitex.Execute(conn, `
			INSERT INTO stat_cache (key, value, created_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at`,
			&sqlitex.ExecOptions{Args: []any{key, value, now.Format(time.RFC3339Nano), expires}})
	})
}

// ---- Command log ----

// CommandLogEntry is one append-only audit row for a processed command.
type CommandLogEntry struct {
	UserNodeID   uint32
	RawText      string
	ResponseSent bool
	RateLimited  bool
}

// AppendCommandLog writes an audit row before a reply is attempted.
func (s *Store) AppendCommandLog(ctx context.Context, e CommandLogEntry) (err error) {
	return s.withRetry(ctx, func() error {
		conn, takeErr := s.pool.Take(ctx)
		if takeErr != nil {
			return takeErr
		}
		defer s.pool.Put(conn)

		return sqlitex.Execute(conn, `
			INSERT INTO command_logs (user_node_id, raw_text, response_sent, rate_limited, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{int64(e.UserNodeID), e.RawText, boolToInt(e.ResponseSent), boolToInt(e.RateLimited), s.now()},
			})
	})
}

// RecentCommandLogs returns the most recent n audit rows, newest first.
func (s *Store) RecentCommandLogs(ctx context.Context, n int) ([]CommandLogEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rows []CommandLogEntry
	err = sqlitex.Execute(conn,
		"SELECT user_node_id, raw_text, response_sent, rate_limited FROM command_logs ORDER BY created_at DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, CommandLogEntry{
					UserNodeID:   uint32(stmt.ColumnInt64(0)),
					RawText:      stmt.ColumnText(1),
					ResponseSent: stmt.ColumnInt64(2) != 0,
					RateLimited:  stmt.ColumnInt64(3) != 0,
				})
				return nil
			},
		})
	return rows, err
}

// UserCommandLogs returns the most recent n audit rows for one node, newest first.
func (s *Store) UserCommandLogs(ctx context.Context, nodeID uint32, n int) ([]CommandLogEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rows []CommandLogEntry
	err = sqlitex.Execute(conn,
		"SELECT user_node_id, raw_text, response_sent, rate_limited FROM command_logs WHERE user_node_id = ? ORDER BY created_at DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(nodeID), n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, CommandLogEntry{
					UserNodeID:   uint32(stmt.ColumnInt64(0)),
					RawText:      stmt.ColumnText(1),
					ResponseSent: stmt.ColumnInt64(2) != 0,
					RateLimited:  stmt.ColumnInt64(3) != 0,
				})
				return nil
			},
		})
	return rows, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DatabaseInfo reports basic size/health figures for the admin endpoint.
type DatabaseInfo struct {
	PageCount   int64
	PageSize    int64
	PacketCount int64
	NodeCount   int64
}

// Info returns page count/size and row counts for /admin/database/info.
func (s *Store) Info(ctx context.Context) (DatabaseInfo, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return DatabaseInfo{}, err
	}
	defer s.pool.Put(conn)

	var info DatabaseInfo
	if err := sqlitex.Execute(conn,
		"SELECT page_count, page_size FROM pragma_page_count(), pragma_page_size()",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			info.PageCount = stmt.ColumnInt64(0)
			info.PageSize = stmt.ColumnInt64(1)
			return nil
		}}); err != nil {
		return DatabaseInfo{}, err
	}
	if err := sqlitex.Execute(conn, "SELECT COUNT(*) AS n FROM packets",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			info.PacketCount = stmt.ColumnInt64(0)
			return nil
		}}); err != nil {
		return DatabaseInfo{}, err
	}
	if err := sqlitex.Execute(conn, "SELECT COUNT(*) AS n FROM nodes",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			info.NodeCount = stmt.ColumnInt64(0)
			return nil
		}}); err != nil {
		return DatabaseInfo{}, err
	}
	return info, nil
}

// Ping verifies the pool is responsive, for the health endpoint's
// database-latency figure.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn, "SELECT 1", nil)
}
