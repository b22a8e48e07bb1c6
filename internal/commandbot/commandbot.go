// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package commandbot runs the long-lived TCP session to a physical mesh
// radio: it reads inbound text packets, dispatches `!`-prefixed
// commands against StatsEngine and SubscriptionSvc, and replies with
// chunked direct messages. It also accepts outbound broadcast/DM
// requests from Scheduler on a bounded, drop-oldest queue.
package commandbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshstats/meshstats/internal/mesh"
	"github.com/meshstats/meshstats/internal/stats"
	"github.com/meshstats/meshstats/internal/store"
	"github.com/meshstats/meshstats/internal/subscriptions"
	"github.com/meshstats/meshstats/internal/transport"
	"github.com/meshstats/meshstats/lib/clock"
)

// State is one of the bot's connection lifecycle states.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribed
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

const (
	defaultChunkLimit     = 200
	defaultInterChunkGap  = 5 * time.Second
	defaultInactivityWait = 5 * time.Minute
	defaultOutboundCap    = 128
	broadcastAddress      = 0xffffffff

	rateLimitBurst  = 5
	rateLimitWindow = 60 * time.Second

	rateLimiterReapThreshold = 100
	rateLimiterReapIdleAfter = 10 * rateLimitWindow
)

var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 30 * time.Second,
}

var statsLastNRe = regexp.MustCompile(`^!stats last (\d+) messages$`)

// Store is the subset of *store.Store CommandBot needs.
type Store interface {
	AppendCommandLog(ctx context.Context, e store.CommandLogEntry) error
	LatestPackets(ctx context.Context, n int) ([]store.Packet, error)
}

// Stats is the subset of *stats.Engine CommandBot needs.
type Stats interface {
	DayStat(ctx context.Context, date time.Time) (stats.DayStat, error)
	HourlyStat(ctx context.Context, date time.Time) ([]stats.HourlyStat, error)
}

// Subscriptions is the subset of *subscriptions.Service CommandBot needs.
type Subscriptions interface {
	Subscribe(ctx context.Context, nodeID uint32, variant string) error
	Unsubscribe(ctx context.Context, nodeID uint32) error
	List(ctx context.Context, nodeID uint32) ([]string, error)
}

// Metrics is the subset of *metrics.Metrics CommandBot needs. A nil
// Metrics in Config disables counting.
type Metrics interface {
	CommandProcessed()
	CommandRateLimited()
}

// Config configures a Bot.
type Config struct {
	Dialer  transport.Dialer
	Address string // host:port, already stripped of the tcp:// scheme

	Store         Store
	Stats         Stats
	Subscriptions Subscriptions
	Metrics       Metrics // optional

	Clock  clock.Clock
	Logger *slog.Logger

	ChunkLimit      int
	InterChunkGap   time.Duration
	InactivityWait  time.Duration
	OutboundCap     int

	// MQTTStatus, if set, reports a short human-readable MQTT ingest
	// connection status line for "!stats status". A nil func reports
	// "unknown".
	MQTTStatus func() string
}

type outboundMsg struct {
	to      uint32
	channel uint32
	text    string
}

// Bot is the CommandBot component.
type Bot struct {
	dialer transport.Dialer
	addr   string

	store   Store
	stats   Stats
	subs    Subscriptions
	metrics Metrics
	clock   clock.Clock
	logger  *slog.Logger

	chunkLimit     int
	interChunkGap  time.Duration
	inactivityWait time.Duration

	mqttStatus func() string

	mu           sync.Mutex
	state        State
	restartCount int
	lastError    string

	writeMu sync.Mutex
	conn    *transport.FramedConn

	outMu sync.Mutex
	out   []outboundMsg
	outCap int
	notify chan struct{}

	limiterMu sync.Mutex
	limiters  map[uint32]*limiterEntry
	warned    map[uint32]time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New builds a Bot from cfg, applying defaults for anything left zero.
func New(cfg Config) *Bot {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = defaultChunkLimit
	}
	if cfg.InterChunkGap <= 0 {
		cfg.InterChunkGap = defaultInterChunkGap
	}
	if cfg.InactivityWait <= 0 {
		cfg.InactivityWait = defaultInactivityWait
	}
	if cfg.OutboundCap <= 0 {
		cfg.OutboundCap = defaultOutboundCap
	}
	return &Bot{
		dialer:         cfg.Dialer,
		addr:           cfg.Address,
		store:          cfg.Store,
		stats:          cfg.Stats,
		subs:           cfg.Subscriptions,
		metrics:        cfg.Metrics,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		chunkLimit:     cfg.ChunkLimit,
		interChunkGap:  cfg.InterChunkGap,
		inactivityWait: cfg.InactivityWait,
		mqttStatus:     cfg.MQTTStatus,
		outCap:         cfg.OutboundCap,
		notify:         make(chan struct{}, 1),
		limiters:       make(map[uint32]*limiterEntry),
		warned:         make(map[uint32]time.Time),
	}
}

// Status is a point-in-time snapshot for the health endpoint.
type Status struct {
	State        string `json:"state"`
	Connected    bool   `json:"connected"`
	RestartCount int    `json:"restart_count"`
	LastError    string `json:"last_error"`
}

// Status returns the bot's current state snapshot.
func (b *Bot) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:        b.state.String(),
		Connected:    b.state == Connected || b.state == Subscribed,
		RestartCount: b.restartCount,
		LastError:    b.lastError,
	}
}

func (b *Bot) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Bot) setError(err error) {
	b.mu.Lock()
	if err != nil {
		b.lastError = err.Error()
	}
	b.mu.Unlock()
}

// Enqueue hands an outbound message (a scheduled DM or broadcast) to the
// bot. The queue is bounded at OutboundCap; the oldest pending message
// is dropped to make room for a new one.
func (b *Bot) Enqueue(to, channel uint32, text string) {
	b.outMu.Lock()
	if len(b.out) >= b.outCap {
		b.out = b.out[1:]
	}
	b.out = append(b.out, outboundMsg{to: to, channel: channel, text: text})
	b.outMu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bot) dequeue() (outboundMsg, bool) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if len(b.out) == 0 {
		return outboundMsg{}, false
	}
	msg := b.out[0]
	b.out = b.out[1:]
	return msg, true
}

// Run drives the bot's reconnect loop until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	backoffIdx := 0
	for {
		if ctx.Err() != nil {
			b.setState(Disconnected)
			return
		}

		b.setState(Connecting)
		conn, err := b.dialer.DialContext(ctx, b.addr)
		if err != nil {
			b.logger.Warn("commandbot: dial failed", "address", b.addr, "error", err)
			b.setError(err)
			if !b.sleepBackoff(ctx, &backoffIdx) {
				return
			}
			continue
		}

		fc := transport.NewFramedConn(conn)
		if err := b.handshake(ctx, fc); err != nil {
			b.logger.Warn("commandbot: handshake failed", "error", err)
			b.setError(err)
			fc.Close()
			if !b.sleepBackoff(ctx, &backoffIdx) {
				return
			}
			continue
		}

		b.mu.Lock()
		b.conn = fc
		b.mu.Unlock()
		b.setState(Connected)
		b.setState(Subscribed)
		backoffIdx = 0

		b.runSession(ctx, fc)

		b.mu.Lock()
		b.conn = nil
		b.restartCount++
		b.mu.Unlock()
		fc.Close()
		b.setState(Disconnected)

		if !b.sleepBackoff(ctx, &backoffIdx) {
			return
		}
	}
}

func (b *Bot) sleepBackoff(ctx context.Context, idx *int) bool {
	d := backoffSchedule[min(*idx, len(backoffSchedule)-1)]
	*idx++
	select {
	case <-ctx.Done():
		return false
	case <-b.clock.After(d):
		return true
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (b *Bot) handshake(ctx context.Context, fc *transport.FramedConn) error {
	nonce := uint32(1)
	if err := fc.WriteFrame(mesh.EncodeWantConfig(nonce)); err != nil {
		return err
	}
	deadline := b.clock.Now().Add(10 * time.Second)
	for {
		if b.clock.Now().After(deadline) {
			return errors.New("commandbot: handshake timed out waiting for config_complete")
		}
		raw, err := fc.ReadFrame()
		if err != nil {
			return err
		}
		fr, err := mesh.DecodeFromRadio(raw)
		if err != nil {
			continue
		}
		if fr.HasConfigCompleteID && fr.ConfigCompleteID == nonce {
			return nil
		}
	}
}

// runSession owns fc until the read loop or the outbound drain loop
// hits an unrecoverable error, then returns so Run can reconnect.
func (b *Bot) runSession(ctx context.Context, fc *transport.FramedConn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errc <- b.readLoop(sessionCtx, fc) }()
	go func() { defer wg.Done(); errc <- b.drainLoop(sessionCtx, fc) }()

	err := <-errc
	if err != nil {
		b.setError(err)
	}
	cancel()
	wg.Wait()
}

func (b *Bot) readLoop(ctx context.Context, fc *transport.FramedConn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		fc.SetReadDeadline(b.clock.Now().Add(b.inactivityWait))
		raw, err := fc.ReadFrame()
		if err != nil {
			return err
		}
		fr, err := mesh.DecodeFromRadio(raw)
		if err != nil {
			continue
		}
		if fr.Packet == nil || fr.Packet.Decoded == nil {
			continue
		}
		if fr.Packet.Decoded.PortNum != mesh.PortTextMessage {
			continue
		}
		text := string(fr.Packet.Decoded.Payload)
		if !strings.HasPrefix(text, "!") {
			continue
		}
		b.handleCommand(ctx, fc, fr.Packet.From, fr.Packet.Channel, text)
	}
}

func (b *Bot) drainLoop(ctx context.Context, fc *transport.FramedConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.notify:
		case <-b.clock.After(time.Second):
		}
		for {
			msg, ok := b.dequeue()
			if !ok {
				break
			}
			if err := b.sendChunked(fc, msg.to, msg.channel, msg.text); err != nil {
				return err
			}
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, fc *transport.FramedConn, sender, channel uint32, raw string) {
	limited := !b.allow(sender)

	logErr := b.store.AppendCommandLog(ctx, store.CommandLogEntry{
		UserNodeID:   sender,
		RawText:      raw,
		ResponseSent: true,
		RateLimited:  limited,
	})
	if logErr != nil {
		b.logger.Error("commandbot: append command log failed", "error", logErr)
	}

	if limited {
		if b.metrics != nil {
			b.metrics.CommandRateLimited()
		}
		if b.shouldWarnRateLimit(sender) {
			b.sendChunked(fc, sender, channel, "You're sending commands too fast. Please slow down.")
		}
		return
	}

	if b.metrics != nil {
		b.metrics.CommandProcessed()
	}
	reply := b.process(ctx, sender, raw)
	if err := b.sendChunked(fc, sender, channel, reply); err != nil {
		b.logger.Warn("commandbot: send reply failed", "sender", sender, "error", err)
	}
}

func (b *Bot) allow(sender uint32) bool {
	b.limiterMu.Lock()
	defer b.limiterMu.Unlock()

	entry, ok := b.limiters[sender]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(rateLimitWindow/rateLimitBurst), rateLimitBurst)}
		b.limiters[sender] = entry
	}
	entry.lastUsed = b.clock.Now()
	b.reapLimitersLocked()
	return entry.limiter.Allow()
}

func (b *Bot) reapLimitersLocked() {
	if len(b.limiters) <= rateLimiterReapThreshold {
		return
	}
	now := b.clock.Now()
	for id, e := range b.limiters {
		if now.Sub(e.lastUsed) > rateLimiterReapIdleAfter {
			delete(b.limiters, id)
		}
	}
}

func (b *Bot) shouldWarnRateLimit(sender uint32) bool {
	b.limiterMu.Lock()
	defer b.limiterMu.Unlock()
	last, ok := b.warned[sender]
	now := b.clock.Now()
	if ok && now.Sub(last) < rateLimitWindow {
		return false
	}
	b.warned[sender] = now
	return true
}

// sendChunked splits text into wire-sized chunks and sends each as a
// separate message, waiting InterChunkGap between chunks (but not after
// the last one). A send failure abandons any remaining chunks.
func (b *Bot) sendChunked(fc *transport.FramedConn, to, channel uint32, text string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	chunks := chunkMessage(text, b.chunkLimit)
	for i, chunk := range chunks {
		frame := mesh.EncodeTextMessage(to, channel, 0, chunk)
		if err := fc.WriteFrame(frame); err != nil {
			return fmt.Errorf("commandbot: send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			<-b.clock.After(b.interChunkGap)
		}
	}
	return nil
}

// SendDirect enqueues a direct message to nodeID, used by Scheduler for
// daily subscriber summaries.
func (b *Bot) SendDirect(nodeID uint32, text string) {
	b.Enqueue(nodeID, 0, text)
}

// SendBroadcast enqueues a channel broadcast, used by Scheduler for the
// daily channel summary.
func (b *Bot) SendBroadcast(channel uint32, text string) {
	b.Enqueue(broadcastAddress, channel, text)
}
