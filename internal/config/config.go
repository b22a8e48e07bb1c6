// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for meshstats.
//
// Configuration is loaded entirely from the process environment — there
// is no config file. This keeps deployment simple (systemd EnvironmentFile,
// docker-compose environment:, or a plain shell export) and auditable: the
// full set of effective settings for a run is whatever was in the
// environment at [Load] time, nothing more.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Config is the master configuration for meshstats.
type Config struct {
	MQTT     MQTTConfig
	Database DatabaseConfig
	API      APIConfig
	Bot      BotConfig
	Grouper  GrouperConfig
	Retention RetentionConfig

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string
}

// MQTTConfig configures the broker connection used by the ingest path.
type MQTTConfig struct {
	Server      string
	Username    string
	Password    string
	RootTopic   string
	TLSEnabled  bool
	TLSInsecure bool
}

// DatabaseConfig configures the Store backend.
type DatabaseConfig struct {
	// URL names the store backend. Only sqlite:// is supported; any
	// other scheme is a validation error.
	URL string
	// Path is the filesystem path extracted from URL for the embedded
	// SQLite backend.
	Path string
}

// APIConfig configures the HTTP read model server.
type APIConfig struct {
	Host  string
	Port  int
	Debug bool
}

// BotConfig configures CommandBot and the daily/broadcast schedulers.
type BotConfig struct {
	// ConnectionURL is tcp://host:port for CommandBot's radio link.
	// serial:// is recognized by the scheme but rejected at validation
	// time — no serial transport is implemented.
	ConnectionURL string

	CommandsEnabled bool
	StatsChannelID  int

	DecryptionKeys    []string
	IncludeDefaultKey bool

	SubscriptionSendHour   int
	SubscriptionSendMinute int

	DailyBroadcastEnabled bool
	DailyBroadcastHour    int
	DailyBroadcastMinute  int
	DailyBroadcastChannel int
}

// GrouperConfig tunes PacketGrouper's window and retention behavior.
type GrouperConfig struct {
	// WindowSeconds is W, the grouping window. Default: 10.
	WindowSeconds int
	// RetentionHours is R, how long a fully-closed group's identity is
	// remembered for late-arrival reconciliation. Default: 24.
	RetentionHours int
}

// RetentionConfig tunes Scheduler's daily data-retention expiry job.
type RetentionConfig struct {
	// DataRetentionDays is how many days of packets, stat-cache entries,
	// and command log rows Scheduler's expire job keeps. Default: 90.
	DataRetentionDays int
}

// Error is returned by [Load] when the environment is invalid. Every
// field is populated; callers format it with Error() for a single-line
// message or inspect Var/Detail directly for structured reporting.
type Error struct {
	Var    string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Var, e.Detail)
}

// Source abstracts environment variable lookup so tests can supply a
// fixed map instead of the real process environment.
type Source interface {
	Lookup(key string) (string, bool)
}

// envSource reads from os.LookupEnv.
type envSource struct {
	lookup func(string) (string, bool)
}

func (s envSource) Lookup(key string) (string, bool) { return s.lookup(key) }

// Load reads configuration from the process environment, applying the
// defaults and validation rules named in the configuration table. It
// returns an [*Error] (and no other error type) on any invalid value.
func Load(lookup func(string) (string, bool)) (*Config, error) {
	return load(envSource{lookup: lookup})
}

func load(src Source) (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.MQTT.Server, err = requireString(src, "MQTT_SERVER")
	if err != nil {
		return nil, err
	}
	cfg.MQTT.Username, _ = src.Lookup("MQTT_USERNAME")
	cfg.MQTT.Password, _ = src.Lookup("MQTT_PASSWORD")
	cfg.MQTT.RootTopic, err = requireString(src, "MQTT_ROOT_TOPIC")
	if err != nil {
		return nil, err
	}
	cfg.MQTT.TLSEnabled = getBool(src, "MQTT_TLS_ENABLED", false)
	cfg.MQTT.TLSInsecure = getBool(src, "MQTT_TLS_INSECURE", false)

	dbURL := getString(src, "DATABASE_URL", "sqlite:///var/lib/meshstats/meshstats.db")
	parsed, err := url.Parse(dbURL)
	if err != nil || parsed.Scheme != "sqlite" {
		return nil, &Error{Var: "DATABASE_URL", Detail: "must be a sqlite:// URL"}
	}
	cfg.Database.URL = dbURL
	cfg.Database.Path = parsed.Opaque
	if cfg.Database.Path == "" {
		cfg.Database.Path = parsed.Path
	}

	cfg.API.Host = getString(src, "API_HOST", "0.0.0.0")
	cfg.API.Port, err = getInt(src, "API_PORT", 8000, 1, 65535)
	if err != nil {
		return nil, err
	}
	cfg.API.Debug = getBool(src, "API_DEBUG", false)

	cfg.Bot.ConnectionURL = getString(src, "MESHTASTIC_CONNECTION_URL", "")
	if cfg.Bot.ConnectionURL != "" && !strings.HasPrefix(cfg.Bot.ConnectionURL, "tcp://") {
		if strings.HasPrefix(cfg.Bot.ConnectionURL, "serial://") {
			return nil, &Error{
				Var:    "MESHTASTIC_CONNECTION_URL",
				Detail: "serial:// transport is not implemented; use tcp://host:port",
			}
		}
		return nil, &Error{Var: "MESHTASTIC_CONNECTION_URL", Detail: "must be tcp://host:port"}
	}
	cfg.Bot.CommandsEnabled = getBool(src, "MESHTASTIC_COMMANDS_ENABLED", false)
	cfg.Bot.StatsChannelID, err = getInt(src, "MESHTASTIC_STATS_CHANNEL_ID", 0, 0, 7)
	if err != nil {
		return nil, err
	}
	cfg.Bot.DecryptionKeys = getCSV(src, "MESHTASTIC_DECRYPTION_KEYS")
	cfg.Bot.IncludeDefaultKey = getBool(src, "MESHTASTIC_INCLUDE_DEFAULT_KEY", true)

	cfg.Bot.SubscriptionSendHour, err = getInt(src, "SUBSCRIPTION_SEND_HOUR", 9, 0, 23)
	if err != nil {
		return nil, err
	}
	cfg.Bot.SubscriptionSendMinute, err = getInt(src, "SUBSCRIPTION_SEND_MINUTE", 0, 0, 59)
	if err != nil {
		return nil, err
	}

	cfg.Bot.DailyBroadcastEnabled = getBool(src, "DAILY_BROADCAST_ENABLED", false)
	cfg.Bot.DailyBroadcastHour, err = getInt(src, "DAILY_BROADCAST_HOUR", 21, 0, 23)
	if err != nil {
		return nil, err
	}
	cfg.Bot.DailyBroadcastMinute, err = getInt(src, "DAILY_BROADCAST_MINUTE", 0, 0, 59)
	if err != nil {
		return nil, err
	}
	cfg.Bot.DailyBroadcastChannel, err = getInt(src, "DAILY_BROADCAST_CHANNEL", 0, 0, 7)
	if err != nil {
		return nil, err
	}

	cfg.Grouper.WindowSeconds, err = getInt(src, "GROUPING_WINDOW_SECONDS", 10, 1, 3600)
	if err != nil {
		return nil, err
	}
	cfg.Grouper.RetentionHours, err = getInt(src, "LATE_RETENTION_HOURS", 24, 1, 8760)
	if err != nil {
		return nil, err
	}

	cfg.Retention.DataRetentionDays, err = getInt(src, "DATA_RETENTION_DAYS", 90, 1, 3650)
	if err != nil {
		return nil, err
	}

	cfg.LogLevel = strings.ToLower(getString(src, "LOG_LEVEL", "info"))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, &Error{Var: "LOG_LEVEL", Detail: "must be one of debug, info, warn, error"}
	}

	return cfg, nil
}

func requireString(src Source, name string) (string, error) {
	v, ok := src.Lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", &Error{Var: name, Detail: "must be set"}
	}
	return v, nil
}

func getString(src Source, name, def string) string {
	if v, ok := src.Lookup(name); ok && v != "" {
		return v
	}
	return def
}

func getBool(src Source, name string, def bool) bool {
	v, ok := src.Lookup(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off", "":
		return false
	default:
		return def
	}
}

func getCSV(src Source, name string) []string {
	v, ok := src.Lookup(name)
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(src Source, name string, def, min, max int) (int, error) {
	raw, ok := src.Lookup(name)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &Error{Var: name, Detail: "must be an integer"}
	}
	if v < min {
		return 0, &Error{Var: name, Detail: fmt.Sprintf("must be >= %d", min)}
	}
	if v > max {
		return 0, &Error{Var: name, Detail: fmt.Sprintf("must be <= %d", max)}
	}
	return v, nil
}
