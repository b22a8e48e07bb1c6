// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Command meshstats-server is the meshstats orchestrator: it wires
// Store, Codec, PacketGrouper, MqttIngest, StatsEngine, SubscriptionSvc,
// Scheduler, CommandBot, and HttpApi together from environment
// configuration and runs them until an interrupt or terminate signal
// arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/meshstats/meshstats/internal/codec"
	"github.com/meshstats/meshstats/internal/commandbot"
	"github.com/meshstats/meshstats/internal/config"
	"github.com/meshstats/meshstats/internal/grouper"
	"github.com/meshstats/meshstats/internal/httpapi"
	"github.com/meshstats/meshstats/internal/ingest"
	"github.com/meshstats/meshstats/internal/metrics"
	"github.com/meshstats/meshstats/internal/scheduler"
	"github.com/meshstats/meshstats/internal/stats"
	"github.com/meshstats/meshstats/internal/store"
	"github.com/meshstats/meshstats/internal/subscriptions"
	"github.com/meshstats/meshstats/internal/transport"
	"github.com/meshstats/meshstats/lib/clock"
	"github.com/meshstats/meshstats/lib/process"
	"github.com/meshstats/meshstats/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var showVersion bool
	flagSet := pflag.NewFlagSet("meshstats-server", pflag.ContinueOnError)
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("meshstats-server")
		return nil
	}

	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := clock.Real()

	st, err := store.Open(store.Config{
		Path:   cfg.Database.Path,
		Clock:  c,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	met := metrics.New()
	cod := codec.New(cfg.Bot.DecryptionKeys, cfg.Bot.IncludeDefaultKey)

	grp := grouper.New(grouper.Config{
		Store:        st,
		Clock:        c,
		Window:       time.Duration(cfg.Grouper.WindowSeconds) * time.Second,
		Retention:    time.Duration(cfg.Grouper.RetentionHours) * time.Hour,
		Metrics:      met,
		Logger:       logger,
		IngestBuffer: 256,
	})

	statsEngine := stats.New(st, c)
	subs := subscriptions.New(st)

	ing := ingest.New(ingest.Config{
		Server:      cfg.MQTT.Server,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		RootTopic:   cfg.MQTT.RootTopic,
		TLSEnabled:  cfg.MQTT.TLSEnabled,
		TLSInsecure: cfg.MQTT.TLSInsecure,
		Codec:       cod,
		Grouper:     grp,
		Metrics:     met,
		Clock:       c,
		Logger:      logger,
	})

	sched := scheduler.New(c, logger)

	var bot *commandbot.Bot
	if cfg.Bot.CommandsEnabled {
		address := strings.TrimPrefix(cfg.Bot.ConnectionURL, "tcp://")
		bot = commandbot.New(commandbot.Config{
			Dialer:        &transport.TCPDialer{Timeout: 10 * time.Second},
			Address:       address,
			Store:         st,
			Stats:         statsEngine,
			Subscriptions: subs,
			Metrics:       met,
			Clock:         c,
			Logger:        logger,
			MQTTStatus:    ing.Status,
		})
	}

	if err := registerJobs(sched, cfg, c, logger, st, statsEngine, subs, bot); err != nil {
		return fmt.Errorf("registering scheduler jobs: %w", err)
	}

	apiCfg := httpapi.Config{
		Store:         st,
		Stats:         statsEngine,
		Subscriptions: subs,
		Grouper:       grp,
		Scheduler:     sched,
		Metrics:       met,
		MQTTStatus:    ing.Status,
		Clock:         c,
		Logger:        logger,
	}
	if bot != nil {
		apiCfg.CommandBot = bot
	}
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	api := httpapi.New(addr, apiCfg)

	var wg sync.WaitGroup
	errc := make(chan error, 5)

	runTask := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("task exited", "task", name, "error", err)
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runTask("grouper", func(ctx context.Context) error { grp.Run(ctx); return nil })
	runTask("ingest", ing.Run)
	runTask("scheduler", func(ctx context.Context) error { sched.Run(ctx); return nil })
	runTask("httpapi", api.Run)
	if bot != nil {
		runTask("commandbot", func(ctx context.Context) error { bot.Run(ctx); return nil })
	}

	logger.Info("meshstats-server running",
		"api_addr", addr,
		"mqtt_server", cfg.MQTT.Server,
		"commandbot_enabled", bot != nil,
	)

	var taskErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case taskErr = <-errc:
		stop()
		logger.Error("shutting down after task failure", "error", taskErr)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return taskErr
	case <-time.After(shutdownGrace):
		return shutdownTimeoutError{grace: shutdownGrace}
	}
}

// shutdownGrace bounds how long run() waits for every task to drain
// after ctx is cancelled. CommandBot's chunked-reply sender is the
// slowest of the bunch; this is generous relative to its default
// inter-chunk gap.
const shutdownGrace = 10 * time.Second

// shutdownTimeoutError is returned by run() when a task fails to drain
// within shutdownGrace. process.Fatal recognizes its ExitCode method
// and exits 2 (forced exit), distinct from exit 1 (config/startup
// error) used for every other run() failure.
type shutdownTimeoutError struct {
	grace time.Duration
}

func (e shutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown timed out after %s, forcing exit", e.grace)
}

func (e shutdownTimeoutError) ExitCode() int { return 2 }

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// registerJobs adds the three spec-defined cron jobs plus the
// retention sweep. dailyDMs and dailyBroadcast are no-ops (beyond
// logging) when CommandBot is disabled, since there is nowhere to
// deliver the formatted summary.
func registerJobs(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	c clock.Clock,
	logger *slog.Logger,
	st *store.Store,
	statsEngine *stats.Engine,
	subs *subscriptions.Service,
	bot *commandbot.Bot,
) error {
	dailyDMsExpr := fmt.Sprintf("%d %d * * *", cfg.Bot.SubscriptionSendMinute, cfg.Bot.SubscriptionSendHour)
	if err := sched.AddJob("dailyDMs", dailyDMsExpr, func(ctx context.Context) error {
		if bot == nil {
			logger.Debug("dailyDMs: commandbot disabled, skipping")
			return nil
		}
		yesterday := c.Now().UTC().AddDate(0, 0, -1)
		day, err := statsEngine.DayStat(ctx, yesterday)
		if err != nil {
			return fmt.Errorf("computing yesterday's stats: %w", err)
		}
		subscribers, err := subs.ActiveSubscribers(ctx, "")
		if err != nil {
			return fmt.Errorf("listing active subscribers: %w", err)
		}
		for _, sub := range subscribers {
			text, err := subs.Format(sub.Variant, day)
			if err != nil {
				logger.Warn("dailyDMs: formatting summary failed", "node_id", sub.UserNodeID, "variant", sub.Variant, "error", err)
				continue
			}
			bot.SendDirect(uint32(sub.UserNodeID), text)
		}
		return nil
	}); err != nil {
		return err
	}

	if cfg.Bot.DailyBroadcastEnabled {
		broadcastExpr := fmt.Sprintf("%d %d * * *", cfg.Bot.DailyBroadcastMinute, cfg.Bot.DailyBroadcastHour)
		if err := sched.AddJob("dailyBroadcast", broadcastExpr, func(ctx context.Context) error {
			if bot == nil {
				logger.Debug("dailyBroadcast: commandbot disabled, skipping")
				return nil
			}
			today := c.Now().UTC()
			day, err := statsEngine.DayStat(ctx, today)
			if err != nil {
				return fmt.Errorf("computing today's stats: %w", err)
			}
			// The channel broadcast uses the "avg" variant template as
			// its fixed short summary; there is no separate broadcast
			// template, and "avg" is the mid-detail default.
			text, err := subs.Format("avg", day)
			if err != nil {
				return fmt.Errorf("formatting broadcast summary: %w", err)
			}
			bot.SendBroadcast(uint32(cfg.Bot.DailyBroadcastChannel), text)
			return nil
		}); err != nil {
			return err
		}
	}

	if err := sched.AddJob("cacheWarm", "* * * * *", func(ctx context.Context) error {
		if _, err := statsEngine.RollingStats(ctx); err != nil {
			return fmt.Errorf("warming rolling stats: %w", err)
		}
		if _, err := statsEngine.NetworkStats(ctx); err != nil {
			return fmt.Errorf("warming network stats: %w", err)
		}
		if _, err := statsEngine.GatewayPercentiles(ctx, 5000); err != nil {
			return fmt.Errorf("warming gateway percentiles: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	return sched.AddJob("retention", "17 3 * * *", func(ctx context.Context) error {
		cutoff := c.Now().UTC().AddDate(0, 0, -cfg.Retention.DataRetentionDays)
		if err := st.Expire(ctx, cutoff); err != nil {
			return fmt.Errorf("expiring data before %s: %w", cutoff, err)
		}
		return nil
	})
}
