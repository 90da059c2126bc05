package settings

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/farpath/farpath-agent/internal/notify"
	"github.com/farpath/farpath-agent/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	st, err := storage.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return NewStore(st, notify.NewBus(), discardLogger()), st
}

func TestUpdateEmptyStunListFallsBackToDefault(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Update(context.Background(), Global{StunServers: []string{}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got := s.Snapshot()
	if !reflect.DeepEqual(got.StunServers, DefaultStunServers) {
		t.Fatalf("stun servers = %v, want defaults", got.StunServers)
	}
	if got.Version != SchemaVersion {
		t.Fatalf("version = %d, want %d", got.Version, SchemaVersion)
	}
}

func TestMergeIntoReplacesListContentsInPlace(t *testing.T) {
	dst := Default()
	held := dst.ValidProxyServers
	if len(held) != 1 {
		t.Fatalf("default proxy servers = %v, want one entry", held)
	}

	next := Default()
	next.ValidProxyServers = []string{"b"}
	mergeInto(&dst, &next)
	if len(held) != 1 || held[0] != "b" {
		t.Fatalf("held reference after merge = %v, want [b]", held)
	}
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	s, raw := newTestStore(t)
	ctx := context.Background()
	if err := s.Update(ctx, Global{Description: "office laptop", StunServers: []string{"stun:example.org:3478"}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	fresh := NewStore(raw, notify.NewBus(), discardLogger())
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := fresh.Snapshot()
	if got.Description != "office laptop" {
		t.Fatalf("description = %q", got.Description)
	}
	if len(got.StunServers) != 1 || got.StunServers[0] != "stun:example.org:3478" {
		t.Fatalf("stun servers = %v", got.StunServers)
	}
}

func TestUpdateDescriptionChangeTriggersHook(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	var calls []string
	s.OnDescriptionChange(func(_ context.Context, d string) { calls = append(calls, d) })

	if err := s.Update(ctx, Global{Description: "desk"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Update(ctx, Global{Description: "desk"}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if err := s.Update(ctx, Global{Description: "travel"}); err != nil {
		t.Fatalf("third update: %v", err)
	}
	if !reflect.DeepEqual(calls, []string{"desk", "travel"}) {
		t.Fatalf("hook calls = %v", calls)
	}
}

func TestUpdateOrgPolicyAppliesOnlyPolicyFields(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Update(ctx, Global{Description: "keep me", StunServers: []string{"stun:keep:1"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.UpdateOrgPolicy(ctx, true, []string{"allowed.example:443"}); err != nil {
		t.Fatalf("org policy: %v", err)
	}
	got := s.Snapshot()
	if !got.EnforceProxyServerValidity {
		t.Fatalf("enforce flag not applied")
	}
	if len(got.ValidProxyServers) != 1 || got.ValidProxyServers[0] != "allowed.example:443" {
		t.Fatalf("valid proxy servers = %v", got.ValidProxyServers)
	}
	if got.Description != "keep me" {
		t.Fatalf("unrelated field clobbered: %q", got.Description)
	}
	if len(got.StunServers) != 1 || got.StunServers[0] != "stun:keep:1" {
		t.Fatalf("stun servers clobbered: %v", got.StunServers)
	}
}

func TestUpdatePublishesSettingsEvent(t *testing.T) {
	st, err := storage.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	bus := notify.NewBus()
	events, cancel := bus.Subscribe()
	defer cancel()
	s := NewStore(st, bus, discardLogger())

	if err := s.Update(context.Background(), Global{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ev := <-events
	if ev.Kind != notify.KindSettingsUpdated {
		t.Fatalf("event kind = %s", ev.Kind)
	}
}
