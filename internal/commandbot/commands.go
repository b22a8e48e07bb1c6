// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package commandbot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const helpText = "Commands: !help !about !stats last message !stats last N messages " +
	"!stats today !stats today detailed !stats status !subscribe {low|avg|high} " +
	"!unsubscribe !my_subscriptions"

const aboutText = "meshstats tracks packet delivery stats across this mesh's gateways. " +
	"Send !help for a list of commands."

// process dispatches one already rate-limit-cleared command and returns
// the reply text. raw is the original text as received (still carrying
// its leading "!").
func (b *Bot) process(ctx context.Context, sender uint32, raw string) string {
	normalized := strings.ToLower(strings.TrimSpace(raw))

	switch normalized {
	case "!help", "help":
		return helpText
	case "!about":
		return aboutText
	case "!unsubscribe":
		if err := b.subs.Unsubscribe(ctx, sender); err != nil {
			return "Could not unsubscribe right now, try again later."
		}
		return "You have been unsubscribed from daily summaries."
	case "!my_subscriptions":
		variants, err := b.subs.List(ctx, sender)
		if err != nil {
			return "Could not look up your subscriptions right now."
		}
		if len(variants) == 0 {
			return "No active subscriptions."
		}
		return "Active subscriptions: " + strings.Join(variants, ", ")
	}

	parts := strings.Fields(normalized)
	if len(parts) < 2 {
		return helpText
	}
	switch parts[0] {
	case "!stats":
		return b.handleStats(ctx, normalized)
	case "!subscribe":
		return b.handleSubscribe(ctx, sender, parts)
	default:
		return helpText
	}
}

func (b *Bot) handleSubscribe(ctx context.Context, sender uint32, parts []string) string {
	if len(parts) != 2 {
		return helpText
	}
	variant := parts[1]
	switch variant {
	case "low", "avg", "high":
	default:
		return "Unknown subscription variant. Use low, avg, or high."
	}
	if err := b.subs.Subscribe(ctx, sender, variant); err != nil {
		return "Could not subscribe right now, try again later."
	}
	return fmt.Sprintf("Subscribed to the %s daily summary.", variant)
}

func (b *Bot) handleStats(ctx context.Context, normalized string) string {
	switch {
	case normalized == "!stats last message":
		return b.formatLastMessages(ctx, 1)
	case statsLastNRe.MatchString(normalized):
		m := statsLastNRe.FindStringSubmatch(normalized)
		n, _ := strconv.Atoi(m[1])
		if n < 1 {
			n = 1
		}
		if n > 20 {
			n = 20
		}
		return b.formatLastMessages(ctx, n)
	case normalized == "!stats today":
		return b.formatToday(ctx, false)
	case normalized == "!stats today detailed":
		return b.formatToday(ctx, true)
	case normalized == "!stats status":
		return b.formatStatus()
	default:
		return helpText
	}
}

func (b *Bot) formatLastMessages(ctx context.Context, n int) string {
	packets, err := b.store.LatestPackets(ctx, n)
	if err != nil || len(packets) == 0 {
		return "No messages recorded yet."
	}
	var sb strings.Builder
	for _, p := range packets {
		name := p.SenderName
		if name == "" {
			name = fmt.Sprintf("!%08x", p.SenderNodeID)
		}
		fmt.Fprintf(&sb, "#%d from %s: %d gateways, sent %s\n",
			p.PacketID, name, p.GatewayCount, p.SentAt.Format("15:04:05"))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) formatToday(ctx context.Context, detailed bool) string {
	now := b.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	day, err := b.stats.DayStat(ctx, today)
	if err != nil {
		return "Could not compute today's stats right now."
	}
	base := fmt.Sprintf("Today: %d messages, avg %.1f gateways, max %d, min %d.",
		day.MessageCount, day.AvgGateways, day.MaxGateways, day.MinGateways)
	if day.P50 != nil {
		base += fmt.Sprintf(" p50=%.1f p90=%.1f p95=%.1f p99=%.1f.", *day.P50, *day.P90, *day.P95, *day.P99)
	}
	if !detailed {
		return base
	}

	hourly, err := b.stats.HourlyStat(ctx, today)
	if err != nil {
		return base
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\nBy hour:")
	for _, h := range hourly {
		if h.MessageCount == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n%02d:00 - %d msgs, avg %.1f gw", h.Hour, h.MessageCount, h.AvgGateways)
	}
	return sb.String()
}

func (b *Bot) formatStatus() string {
	st := b.Status()
	mqtt := "unknown"
	if b.mqttStatus != nil {
		mqtt = b.mqttStatus()
	}
	return fmt.Sprintf("Bot: %s (connected=%v, restarts=%d). MQTT: %s.",
		st.State, st.Connected, st.RestartCount, mqtt)
}
