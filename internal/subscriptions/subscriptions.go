// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package subscriptions implements SubscriptionSvc: CRUD over daily
// summary subscriptions and rendering of the three summary variants
// (low, avg, high) from a StatsEngine DayStat.
package subscriptions

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/meshstats/meshstats/internal/stats"
	"github.com/meshstats/meshstats/internal/store"
)

//go:embed templates.yaml
var templatesYAML []byte

// Variants recognized by SubscriptionSvc, in the order §4.6 lists them.
var Variants = []string{"low", "avg", "high"}

func isValidVariant(v string) bool {
	for _, want := range Variants {
		if v == want {
			return true
		}
	}
	return false
}

// ErrInvalidVariant is returned by Subscribe for any variant outside
// {low, avg, high}.
type ErrInvalidVariant struct{ Variant string }

func (e ErrInvalidVariant) Error() string {
	return fmt.Sprintf("subscriptions: invalid variant %q", e.Variant)
}

// Store is the subset of *store.Store Service needs.
type Store interface {
	Subscribe(ctx context.Context, nodeID uint32, variant string) error
	Unsubscribe(ctx context.Context, nodeID uint32) error
	ActiveSubscriptions(ctx context.Context, variantFilter string) ([]store.Subscription, error)
	UserSubscription(ctx context.Context, nodeID uint32) (store.Subscription, bool, error)
}

// Service is the SubscriptionSvc component.
type Service struct {
	store     Store
	templates map[string]*template.Template
}

// New builds a Service, parsing the embedded summary templates. Panics
// on a malformed embedded template file, which would only happen from
// a broken build.
func New(s Store) *Service {
	var raw map[string]string
	if err := yaml.Unmarshal(templatesYAML, &raw); err != nil {
		panic(fmt.Sprintf("subscriptions: malformed templates.yaml: %v", err))
	}
	tmpls := make(map[string]*template.Template, len(raw))
	for variant, body := range raw {
		t, err := template.New(variant).Parse(body)
		if err != nil {
			panic(fmt.Sprintf("subscriptions: template %q: %v", variant, err))
		}
		tmpls[variant] = t
	}
	return &Service{store: s, templates: tmpls}
}

// Subscribe upserts nodeID's subscription to variant, replacing any
// prior variant rather than duplicating the row.
func (s *Service) Subscribe(ctx context.Context, nodeID uint32, variant string) error {
	if !isValidVariant(variant) {
		return ErrInvalidVariant{Variant: variant}
	}
	return s.store.Subscribe(ctx, nodeID, variant)
}

// Unsubscribe marks nodeID's subscription inactive.
func (s *Service) Unsubscribe(ctx context.Context, nodeID uint32) error {
	return s.store.Unsubscribe(ctx, nodeID)
}

// List returns the variant(s) nodeID is actively subscribed to — at
// most one, per the "one active subscription per node" invariant, but
// returned as a slice so CommandBot can render "none" uniformly.
func (s *Service) List(ctx context.Context, nodeID uint32) ([]string, error) {
	sub, found, err := s.store.UserSubscription(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !found || !sub.Active {
		return nil, nil
	}
	return []string{sub.Variant}, nil
}

// ActiveSubscribers returns every active subscription, optionally
// filtered to one variant, for Scheduler's daily DM job.
func (s *Service) ActiveSubscribers(ctx context.Context, variantFilter string) ([]store.Subscription, error) {
	return s.store.ActiveSubscriptions(ctx, variantFilter)
}

// summaryView adapts stats.DayStat to plain fields text/template can
// format directly, since Aggregate's percentile fields are pointers.
type summaryView struct {
	MessageCount   int64
	AvgGateways    float64
	MaxGateways    int64
	MinGateways    int64
	HasPercentiles bool
	P50, P90, P95, P99 float64
}

func newSummaryView(day stats.DayStat) summaryView {
	v := summaryView{
		MessageCount: day.MessageCount,
		AvgGateways:  day.AvgGateways,
		MaxGateways:  day.MaxGateways,
		MinGateways:  day.MinGateways,
	}
	if day.P50 != nil {
		v.HasPercentiles = true
		v.P50, v.P90, v.P95, v.P99 = *day.P50, *day.P90, *day.P95, *day.P99
	}
	return v
}

// Format renders variant's summary template against day. variant must
// be one of Variants; an unrecognized variant returns an error rather
// than a zero-value render.
func (s *Service) Format(variant string, day stats.DayStat) (string, error) {
	t, ok := s.templates[variant]
	if !ok {
		return "", ErrInvalidVariant{Variant: variant}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, newSummaryView(day)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
