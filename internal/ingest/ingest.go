// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest implements MqttIngest: the broker connection that
// subscribes to the configured topic tree, hands each envelope to
// Codec, and forwards the surviving observations to PacketGrouper.
package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshstats/meshstats/internal/codec"
	"github.com/meshstats/meshstats/internal/grouper"
	"github.com/meshstats/meshstats/lib/clock"
)

// Metrics extends grouper.Metrics with the two Codec drop reasons
// PacketGrouper never observes directly: an envelope that is
// malformed, or decodes to a non-text port, never reaches Grouper.
type Metrics interface {
	grouper.Metrics
	MalformedDropped()
	NonTextDropped()
}

// Grouper is the subset of *grouper.PacketGrouper Ingest needs.
type Grouper interface {
	Ingest(ctx context.Context, obs codec.Observation, gatewayID string, arrival time.Time) error
}

// Config configures an Ingest.
type Config struct {
	Server      string
	Username    string
	Password    string
	RootTopic   string
	TLSEnabled  bool
	TLSInsecure bool
	// ClientID defaults to "meshstats" if left empty.
	ClientID string

	Codec   *codec.Codec
	Grouper Grouper
	Metrics Metrics

	Clock  clock.Clock
	Logger *slog.Logger
}

// Ingest is the MqttIngest component: one broker connection, one
// subscription, one message handler fanning into Codec then Grouper.
type Ingest struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	topic  string

	mu    sync.RWMutex
	state string
	runCtx context.Context
}

// New builds an Ingest from cfg. It does not connect; call Run to
// connect and block until ctx is cancelled.
func New(cfg Config) *Ingest {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "meshstats"
	}
	return &Ingest{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		topic:  cfg.RootTopic + "/#",
		state:  "disconnected",
	}
}

// Status reports a short human-readable connection state, for the
// health endpoint and the bot's "!stats status" command.
func (i *Ingest) Status() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Ingest) setState(s string) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// Run connects to the broker, subscribes to the configured topic
// tree, and blocks until ctx is cancelled, then disconnects cleanly.
func (i *Ingest) Run(ctx context.Context) error {
	i.mu.Lock()
	i.runCtx = ctx
	i.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(i.cfg.Server)
	opts.SetClientID(i.cfg.ClientID)
	if i.cfg.Username != "" {
		opts.SetUsername(i.cfg.Username)
	}
	if i.cfg.Password != "" {
		opts.SetPassword(i.cfg.Password)
	}
	if i.cfg.TLSEnabled {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: i.cfg.TLSInsecure})
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		i.setState("connected")
		if token := c.Subscribe(i.topic, 0, i.handleMessage); token.Wait() && token.Error() != nil {
			i.logger.Error("ingest: subscribe failed", "topic", i.topic, "error", token.Error())
			i.setState("subscribe_failed")
		} else {
			i.logger.Info("ingest: subscribed", "topic", i.topic)
			i.setState("subscribed")
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		i.logger.Warn("ingest: connection lost", "error", err)
		i.setState(fmt.Sprintf("disconnected: %v", err))
	})

	client := mqtt.NewClient(opts)
	i.setState("connecting")
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		i.setState("connect_failed")
		return fmt.Errorf("ingest: connect: %w", token.Error())
	}

	<-ctx.Done()
	i.setState("draining")
	client.Disconnect(250)
	i.setState("disconnected")
	return nil
}

// handleMessage is the paho message callback: decode, then route the
// result to Grouper or a drop-reason counter.
func (i *Ingest) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	arrival := i.clock.Now()
	result := codec.Decode(i.cfg.Codec, msg.Payload())

	if result.Dropped() {
		switch result.Reason {
		case codec.DropCannotDecrypt:
			i.cfg.Metrics.DecryptFailed()
		case codec.DropMalformed:
			i.cfg.Metrics.MalformedDropped()
		case codec.DropPrivate:
			i.cfg.Metrics.PrivateDropped()
		case codec.DropUnsupportedPort:
			i.cfg.Metrics.NonTextDropped()
		}
		return
	}

	i.mu.RLock()
	ctx := i.runCtx
	i.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	obs := *result.Observation
	if err := i.cfg.Grouper.Ingest(ctx, obs, obs.GatewayID, arrival); err != nil {
		i.logger.Warn("ingest: grouper rejected observation", "packet_id", obs.PacketID, "error", err)
	}
}
