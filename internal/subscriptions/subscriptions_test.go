// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package subscriptions

import (
	"context"
	"strings"
	"testing"

	"github.com/meshstats/meshstats/internal/stats"
	"github.com/meshstats/meshstats/internal/store"
)

type fakeStore struct {
	byNode map[uint32]store.Subscription
}

func newFakeStore() *fakeStore { return &fakeStore{byNode: make(map[uint32]store.Subscription)} }

func (f *fakeStore) Subscribe(ctx context.Context, nodeID uint32, variant string) error {
	f.byNode[nodeID] = store.Subscription{UserNodeID: int64(nodeID), Variant: variant, Active: true}
	return nil
}

func (f *fakeStore) Unsubscribe(ctx context.Context, nodeID uint32) error {
	sub := f.byNode[nodeID]
	sub.Active = false
	f.byNode[nodeID] = sub
	return nil
}

func (f *fakeStore) ActiveSubscriptions(ctx context.Context, variantFilter string) ([]store.Subscription, error) {
	var out []store.Subscription
	for _, s := range f.byNode {
		if !s.Active {
			continue
		}
		if variantFilter != "" && s.Variant != variantFilter {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) UserSubscription(ctx context.Context, nodeID uint32) (store.Subscription, bool, error) {
	s, ok := f.byNode[nodeID]
	return s, ok, nil
}

func TestSubscribeRejectsUnknownVariant(t *testing.T) {
	svc := New(newFakeStore())
	if err := svc.Subscribe(context.Background(), 1, "daily_low"); err == nil {
		t.Fatal("expected error for unknown variant")
	}
}

func TestSubscribeIsIdempotentAcrossVariants(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs)
	ctx := context.Background()

	if err := svc.Subscribe(ctx, 1, "low"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := svc.Subscribe(ctx, 1, "high"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs, err := svc.ActiveSubscribers(ctx, "")
	if err != nil {
		t.Fatalf("ActiveSubscribers: %v", err)
	}
	if len(subs) != 1 || subs[0].Variant != "high" {
		t.Fatalf("subs = %+v, want exactly one active row with variant high", subs)
	}
}

func TestUnsubscribeClearsList(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs)
	ctx := context.Background()
	svc.Subscribe(ctx, 5, "avg")

	list, err := svc.List(ctx, 5)
	if err != nil || len(list) != 1 || list[0] != "avg" {
		t.Fatalf("List = %v, %v", list, err)
	}

	svc.Unsubscribe(ctx, 5)
	list, err = svc.List(ctx, 5)
	if err != nil || len(list) != 0 {
		t.Fatalf("List after unsubscribe = %v, %v", list, err)
	}
}

func TestFormatAllVariantsProduceNonEmptyText(t *testing.T) {
	svc := New(newFakeStore())
	p50 := 3.0
	day := stats.DayStat{Aggregate: stats.Aggregate{MessageCount: 10, AvgGateways: 2.5, MaxGateways: 5, MinGateways: 1, P50: &p50, P90: &p50, P95: &p50, P99: &p50}}

	for _, variant := range Variants {
		got, err := svc.Format(variant, day)
		if err != nil {
			t.Fatalf("Format(%s): %v", variant, err)
		}
		if strings.TrimSpace(got) == "" {
			t.Fatalf("Format(%s) returned empty text", variant)
		}
	}
}

func TestFormatUnknownVariantErrors(t *testing.T) {
	svc := New(newFakeStore())
	if _, err := svc.Format("daily_low", stats.DayStat{}); err == nil {
		t.Fatal("expected error for unknown variant")
	}
}
