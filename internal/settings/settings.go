package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/farpath/farpath-agent/internal/notify"
	"github.com/farpath/farpath-agent/internal/storage"
)

// SchemaVersion is stamped onto every persisted settings record.
const SchemaVersion = 1

const storageKey = "settings/global"

// DefaultStunServers is substituted whenever an update supplies an
// empty STUN list. List-valued settings are never empty by convention.
var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun.services.mozilla.com",
}

var DefaultProxyServers = []string{"proxy.farpath.net:443"}

type Global struct {
	Version                    int      `json:"version"`
	StunServers                []string `json:"stun_servers"`
	LogFilterLevel             string   `json:"log_filter_level"`
	Description                string   `json:"description"`
	EnforceProxyServerValidity bool     `json:"enforce_proxy_server_validity"`
	ValidProxyServers          []string `json:"valid_proxy_servers"`
	ActiveOrgPolicy            string   `json:"active_org_policy"`
}

func Default() Global {
	return Global{
		Version:           SchemaVersion,
		StunServers:       append([]string(nil), DefaultStunServers...),
		LogFilterLevel:    "info",
		ValidProxyServers: append([]string(nil), DefaultProxyServers...),
	}
}

type Store struct {
	mu     sync.Mutex
	store  storage.Store
	bus    *notify.Bus
	logger *slog.Logger
	live   *Global

	onDescriptionChange func(ctx context.Context, description string)
}

func NewStore(store storage.Store, bus *notify.Bus, logger *slog.Logger) *Store {
	live := Default()
	return &Store{store: store, bus: bus, logger: logger, live: &live}
}

// OnDescriptionChange registers the hook run when an update changes
// the device description. Wired to the session manager's handshake
// re-broadcast at startup.
func (s *Store) OnDescriptionChange(fn func(ctx context.Context, description string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDescriptionChange = fn
}

// Load seeds the in-memory record from storage. A missing key leaves
// the defaults in place.
func (s *Store) Load(ctx context.Context) error {
	b, err := s.store.Get(ctx, storageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	saved := Default()
	if err := json.Unmarshal(b, &saved); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	s.mu.Lock()
	mergeInto(s.live, &saved)
	s.mu.Unlock()
	return nil
}

func (s *Store) Snapshot() Global {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.live
	out.StunServers = append([]string(nil), s.live.StunServers...)
	out.ValidProxyServers = append([]string(nil), s.live.ValidProxyServers...)
	return out
}

// Update stamps the schema version, substitutes built-in defaults for
// empty lists, persists the full record, and merges it into the live
// object in place. A changed device description triggers the handshake
// re-broadcast hook.
func (s *Store) Update(ctx context.Context, next Global) error {
	next.Version = SchemaVersion
	if len(next.StunServers) == 0 {
		next.StunServers = append([]string(nil), DefaultStunServers...)
	}
	if len(next.ValidProxyServers) == 0 {
		next.ValidProxyServers = append([]string(nil), DefaultProxyServers...)
	}

	b, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := s.store.Set(ctx, storageKey, b); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}

	s.mu.Lock()
	descriptionChanged := s.live.Description != next.Description
	mergeInto(s.live, &next)
	hook := s.onDescriptionChange
	s.mu.Unlock()

	s.logger.Info("settings_updated", slog.Int("version", next.Version), slog.Bool("description_changed", descriptionChanged))
	s.bus.Publish(notify.KindSettingsUpdated, next)
	if descriptionChanged && hook != nil {
		hook(ctx, next.Description)
	}
	return nil
}

// UpdateOrgPolicy applies only the organizational-policy fields. The
// persisted record is reloaded first so concurrent edits to unrelated
// fields are not clobbered.
func (s *Store) UpdateOrgPolicy(ctx context.Context, enforce bool, validProxyServers []string) error {
	current := s.Snapshot()
	if b, err := s.store.Get(ctx, storageKey); err == nil {
		saved := Default()
		if uerr := json.Unmarshal(b, &saved); uerr == nil {
			current = saved
		} else {
			s.logger.Warn("org_policy_reload_failed", slog.String("error", uerr.Error()))
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("org_policy_reload_failed", slog.String("error", err.Error()))
	}

	current.EnforceProxyServerValidity = enforce
	current.ValidProxyServers = validProxyServers
	return s.Update(ctx, current)
}

// mergeInto copies next into dst without reassigning dst's slices:
// list fields are truncated and refilled in place.
func mergeInto(dst, next *Global) {
	dst.Version = next.Version
	dst.LogFilterLevel = next.LogFilterLevel
	dst.Description = next.Description
	dst.EnforceProxyServerValidity = next.EnforceProxyServerValidity
	dst.ActiveOrgPolicy = next.ActiveOrgPolicy
	dst.StunServers = append(dst.StunServers[:0], next.StunServers...)
	dst.ValidProxyServers = append(dst.ValidProxyServers[:0], next.ValidProxyServers...)
}
