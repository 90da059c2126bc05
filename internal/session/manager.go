package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/farpath/farpath-agent/internal/metrics"
	"github.com/farpath/farpath-agent/internal/notify"
	"github.com/farpath/farpath-agent/internal/social"
	"github.com/farpath/farpath-agent/internal/storage"
)

var (
	ErrUnknownNetwork   = errors.New("unknown_network")
	ErrUnknownSession   = errors.New("unknown_session")
	ErrProtectedNetwork = errors.New("protected_network")
)

const networksKey = "sessions/networks"

func rosterKey(network string) string { return "roster/" + network }

type UserPath struct {
	Network string `json:"network"`
	UserID  string `json:"user_id"`
}

type LoginResult struct {
	UserID     string `json:"user_id"`
	InstanceID string `json:"instance_id"`
}

// NetworkSession is one live login on one network. CloudAdmin marks
// the session on the designated cloud-admin network, which may not be
// logged out of by the user.
type NetworkSession struct {
	Network    string
	UserID     string
	InstanceID string
	Roster     map[string]social.Contact
	CloudAdmin bool
}

type Info struct {
	Network    string `json:"network"`
	UserID     string `json:"user_id"`
	InstanceID string `json:"instance_id"`
	CloudAdmin bool   `json:"cloud_admin"`
	Contacts   int    `json:"contacts"`
}

type pendingLogin struct {
	done   chan struct{}
	result LoginResult
	err    error
}

type Manager struct {
	providers *social.Registry
	store     storage.Store
	bus       *notify.Bus
	metrics   *metrics.Registry
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]map[string]*NetworkSession
	pending  map[string]*pendingLogin

	// listMu serializes read-modify-write cycles on the persisted
	// network list.
	listMu sync.Mutex
}

func NewManager(providers *social.Registry, store storage.Store, bus *notify.Bus, reg *metrics.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		providers: providers,
		store:     store,
		bus:       bus,
		metrics:   reg,
		logger:    logger,
		sessions:  map[string]map[string]*NetworkSession{},
		pending:   map[string]*pendingLogin{},
	}
}

// Login authenticates against one network. A second call for the same
// network while one is in flight awaits and shares the first outcome
// instead of issuing another provider login.
func (m *Manager) Login(ctx context.Context, network string, loginType social.LoginType, userName string) (LoginResult, error) {
	provider, info, ok := m.providers.Lookup(network)
	if !ok {
		return LoginResult{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}

	m.mu.Lock()
	if p, exists := m.pending[network]; exists {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.result, p.err
		case <-ctx.Done():
			return LoginResult{}, ctx.Err()
		}
	}
	p := &pendingLogin{done: make(chan struct{})}
	m.pending[network] = p
	m.mu.Unlock()

	result, err := m.doLogin(ctx, provider, info, loginType, userName)

	m.mu.Lock()
	delete(m.pending, network)
	m.mu.Unlock()
	p.result, p.err = result, err
	close(p.done)
	return result, err
}

func (m *Manager) doLogin(ctx context.Context, provider social.Provider, info social.NetworkInfo, loginType social.LoginType, userName string) (LoginResult, error) {
	res, err := provider.Login(ctx, social.LoginRequest{LoginType: loginType, UserName: userName})
	if err != nil {
		m.logger.Warn("login_failed",
			slog.String("network", info.Name),
			slog.String("login_type", string(loginType)),
			slog.String("error", err.Error()))
		return LoginResult{}, err
	}
	instanceID := res.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	roster := map[string]social.Contact{}
	if saved, lerr := m.loadRoster(ctx, info.Name); lerr != nil {
		m.logger.Warn("roster_load_failed", slog.String("network", info.Name), slog.String("error", lerr.Error()))
	} else {
		for _, c := range saved {
			roster[c.UserID] = c
		}
	}
	if contacts, rerr := provider.Roster(ctx); rerr != nil {
		m.logger.Warn("roster_fetch_failed", slog.String("network", info.Name), slog.String("error", rerr.Error()))
	} else {
		for _, c := range contacts {
			roster[c.UserID] = c
		}
	}

	sess := &NetworkSession{
		Network:    info.Name,
		UserID:     res.UserID,
		InstanceID: instanceID,
		Roster:     roster,
		CloudAdmin: info.CloudAdmin,
	}
	m.mu.Lock()
	if m.sessions[info.Name] == nil {
		m.sessions[info.Name] = map[string]*NetworkSession{}
	}
	m.sessions[info.Name][res.UserID] = sess
	activeNetworks := len(m.sessions)
	m.mu.Unlock()

	if perr := m.persistRoster(ctx, info.Name, roster); perr != nil {
		m.logger.Warn("roster_persist_failed", slog.String("network", info.Name), slog.String("error", perr.Error()))
	}
	if lerr := m.appendToNetworkList(ctx, info.Name); lerr != nil {
		m.logger.Warn("network_list_update_failed", slog.String("network", info.Name), slog.String("error", lerr.Error()))
	}

	m.metrics.IncLogin()
	m.metrics.SetActiveSessions(activeNetworks)
	m.bus.Publish(notify.KindSessionState, map[string]any{"network": info.Name, "user_id": res.UserID, "state": "logged_in"})
	m.logger.Info("login_completed",
		slog.String("network", info.Name),
		slog.String("user_id", res.UserID),
		slog.String("instance_id", instanceID),
		slog.String("login_type", string(loginType)))
	return LoginResult{UserID: res.UserID, InstanceID: instanceID}, nil
}

// ReconnectAll re-establishes sessions for the networks remembered
// from the previous run. The persisted list is cleared up front and
// re-grown by each successful login, so a crash mid-reconnect drops
// the networks that had not reconnected yet. Individual failures are
// logged and do not block the remaining networks.
func (m *Manager) ReconnectAll(ctx context.Context) {
	networks, err := m.loadNetworkList(ctx)
	if err != nil {
		m.logger.Warn("network_list_load_failed", slog.String("error", err.Error()))
		return
	}
	if len(networks) == 0 {
		return
	}
	if err := m.saveNetworkList(ctx, []string{}); err != nil {
		m.logger.Warn("network_list_clear_failed", slog.String("error", err.Error()))
	}
	for _, network := range networks {
		if _, _, ok := m.providers.Lookup(network); !ok {
			m.logger.Info("reconnect_skipped_unknown_network", slog.String("network", network))
			continue
		}
		if _, err := m.Login(ctx, network, social.LoginReconnect, ""); err != nil {
			m.logger.Warn("reconnect_failed", slog.String("network", network), slog.String("error", err.Error()))
		}
	}
}

// Logout ends a session, resolved by explicit user id or as the sole
// session on the network. The cloud-admin network is protected from
// user-initiated logout.
func (m *Manager) Logout(ctx context.Context, network, userID string) error {
	m.mu.Lock()
	sess := m.resolveLocked(network, userID)
	m.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, network)
	}
	if sess.CloudAdmin {
		return fmt.Errorf("%w: %s", ErrProtectedNetwork, network)
	}
	return m.logoutSession(ctx, sess)
}

func (m *Manager) resolveLocked(network, userID string) *NetworkSession {
	byNet := m.sessions[network]
	if userID != "" {
		return byNet[userID]
	}
	if len(byNet) == 1 {
		for _, s := range byNet {
			return s
		}
	}
	return nil
}

func (m *Manager) logoutSession(ctx context.Context, sess *NetworkSession) error {
	provider, _, ok := m.providers.Lookup(sess.Network)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, sess.Network)
	}
	if err := provider.Logout(ctx, sess.UserID); err != nil {
		return fmt.Errorf("logout %s: %w", sess.Network, err)
	}

	m.mu.Lock()
	byNet := m.sessions[sess.Network]
	delete(byNet, sess.UserID)
	remaining := len(byNet)
	if remaining == 0 {
		delete(m.sessions, sess.Network)
	}
	activeNetworks := len(m.sessions)
	m.mu.Unlock()

	if remaining == 0 {
		if err := m.removeFromNetworkList(ctx, sess.Network); err != nil {
			m.logger.Warn("network_list_update_failed", slog.String("network", sess.Network), slog.String("error", err.Error()))
		}
	}
	m.metrics.IncLogout()
	m.metrics.SetActiveSessions(activeNetworks)
	m.bus.Publish(notify.KindSessionState, map[string]any{"network": sess.Network, "user_id": sess.UserID, "state": "logged_out"})
	m.logger.Info("logout_completed", slog.String("network", sess.Network), slog.String("user_id", sess.UserID))
	return nil
}

// ModifyConsent is a best-effort UI-originated signal: an unresolved
// path or a provider failure is logged, never surfaced.
func (m *Manager) ModifyConsent(ctx context.Context, path UserPath, action social.ConsentAction) {
	provider, _, ok := m.providers.Lookup(path.Network)
	if !ok {
		m.logger.Warn("consent_network_unresolved", slog.String("network", path.Network))
		return
	}
	m.mu.Lock()
	var sess *NetworkSession
	for _, s := range m.sessions[path.Network] {
		if _, has := s.Roster[path.UserID]; has {
			sess = s
			break
		}
	}
	m.mu.Unlock()
	if sess == nil {
		m.logger.Warn("consent_user_unresolved", slog.String("network", path.Network), slog.String("user_id", path.UserID))
		return
	}
	if err := provider.ModifyConsent(ctx, path.UserID, action); err != nil {
		m.logger.Warn("consent_update_failed",
			slog.String("network", path.Network),
			slog.String("user_id", path.UserID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Info("consent_updated", slog.String("network", path.Network), slog.String("user_id", path.UserID), slog.String("action", string(action)))
}

// RemoveContact drops a contact from the network's rosters. Removing
// the last contact of the cloud-admin network also logs that network
// out; its session has no purpose without nodes.
func (m *Manager) RemoveContact(ctx context.Context, network, userID string) error {
	if _, _, ok := m.providers.Lookup(network); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}

	m.mu.Lock()
	byNet := m.sessions[network]
	if len(byNet) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, network)
	}
	removed := false
	rosterEmpty := true
	cloudAdmin := false
	merged := map[string]social.Contact{}
	for _, sess := range byNet {
		if _, has := sess.Roster[userID]; has {
			delete(sess.Roster, userID)
			removed = true
		}
		if len(sess.Roster) > 0 {
			rosterEmpty = false
		}
		if sess.CloudAdmin {
			cloudAdmin = true
		}
		for id, c := range sess.Roster {
			merged[id] = c
		}
	}
	m.mu.Unlock()

	if !removed {
		m.logger.Debug("remove_contact_not_found", slog.String("network", network), slog.String("user_id", userID))
		return nil
	}
	if err := m.persistRoster(ctx, network, merged); err != nil {
		m.logger.Warn("roster_persist_failed", slog.String("network", network), slog.String("error", err.Error()))
	}
	m.bus.Publish(notify.KindContactRemoved, map[string]string{"network": network, "user_id": userID})
	m.logger.Info("contact_removed", slog.String("network", network), slog.String("user_id", userID))

	if cloudAdmin && rosterEmpty {
		if err := m.logoutNetwork(ctx, network); err != nil {
			m.logger.Warn("cloud_auto_logout_failed", slog.String("network", network), slog.String("error", err.Error()))
		}
	}
	return nil
}

// logoutNetwork ends every session on a network, bypassing cloud-admin
// protection. Used by the roster-empty auto-logout.
func (m *Manager) logoutNetwork(ctx context.Context, network string) error {
	m.mu.Lock()
	sessions := make([]*NetworkSession, 0, len(m.sessions[network]))
	for _, s := range m.sessions[network] {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, sess := range sessions {
		if err := m.logoutSession(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

// GetUser is a pure lookup; an unresolved path logs and reports false.
func (m *Manager) GetUser(path UserPath) (social.Contact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions[path.Network] {
		if c, ok := s.Roster[path.UserID]; ok {
			return c, true
		}
	}
	m.logger.Debug("user_unresolved", slog.String("network", path.Network), slog.String("user_id", path.UserID))
	return social.Contact{}, false
}

func (m *Manager) GetInstance(path UserPath) (string, bool) {
	c, ok := m.GetUser(path)
	if !ok {
		return "", false
	}
	if c.InstanceID == "" {
		m.logger.Debug("instance_unresolved", slog.String("network", path.Network), slog.String("user_id", path.UserID))
		return "", false
	}
	return c.InstanceID, true
}

// AcceptInvitation runs the provider's invitation-acceptance path and
// merges the resulting contact into the session roster.
func (m *Manager) AcceptInvitation(ctx context.Context, network string, invite social.Invitation) (social.Contact, error) {
	provider, _, ok := m.providers.Lookup(network)
	if !ok {
		return social.Contact{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	m.mu.Lock()
	var sess *NetworkSession
	for _, s := range m.sessions[network] {
		sess = s
		break
	}
	m.mu.Unlock()
	if sess == nil {
		return social.Contact{}, fmt.Errorf("%w: %s", ErrUnknownSession, network)
	}

	contact, err := provider.AcceptInvitation(ctx, invite)
	if err != nil {
		return social.Contact{}, fmt.Errorf("accept invitation: %w", err)
	}

	m.mu.Lock()
	sess.Roster[contact.UserID] = contact
	merged := make(map[string]social.Contact, len(sess.Roster))
	for id, c := range sess.Roster {
		merged[id] = c
	}
	contacts := len(sess.Roster)
	m.mu.Unlock()

	if perr := m.persistRoster(ctx, network, merged); perr != nil {
		m.logger.Warn("roster_persist_failed", slog.String("network", network), slog.String("error", perr.Error()))
	}
	m.bus.Publish(notify.KindSessionState, map[string]any{"network": network, "contacts": contacts})
	return contact, nil
}

// AcceptCloudInvite submits a provisioned node's registration payload
// through the cloud-admin session's invitation-acceptance path.
func (m *Manager) AcceptCloudInvite(ctx context.Context, network string, payload map[string]string, adminOriginated bool) error {
	_, err := m.AcceptInvitation(ctx, network, social.Invitation{
		Network:         network,
		Payload:         payload,
		AdminOriginated: adminOriginated,
	})
	return err
}

// EnsureCloudSession returns the live cloud-admin session, logging in
// first when there is none.
func (m *Manager) EnsureCloudSession(ctx context.Context) (network, userID string, err error) {
	info, ok := m.providers.CloudAdmin()
	if !ok {
		return "", "", fmt.Errorf("%w: no cloud-admin network registered", ErrUnknownNetwork)
	}
	m.mu.Lock()
	for _, s := range m.sessions[info.Name] {
		m.mu.Unlock()
		return info.Name, s.UserID, nil
	}
	m.mu.Unlock()

	res, err := m.Login(ctx, info.Name, social.LoginInitial, "")
	if err != nil {
		return "", "", err
	}
	return info.Name, res.UserID, nil
}

// BroadcastDescription re-sends the identity handshake on every active
// session. Failures are logged per network.
func (m *Manager) BroadcastDescription(ctx context.Context, description string) {
	m.mu.Lock()
	networks := make([]string, 0, len(m.sessions))
	for network := range m.sessions {
		networks = append(networks, network)
	}
	m.mu.Unlock()
	for _, network := range networks {
		provider, _, ok := m.providers.Lookup(network)
		if !ok {
			continue
		}
		if err := provider.BroadcastDescription(ctx, description); err != nil {
			m.logger.Warn("description_broadcast_failed", slog.String("network", network), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) ActiveSessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Info{}
	for _, byNet := range m.sessions {
		for _, s := range byNet {
			out = append(out, Info{
				Network:    s.Network,
				UserID:     s.UserID,
				InstanceID: s.InstanceID,
				CloudAdmin: s.CloudAdmin,
				Contacts:   len(s.Roster),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Network != out[j].Network {
			return out[i].Network < out[j].Network
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (m *Manager) loadNetworkList(ctx context.Context) ([]string, error) {
	b, err := m.store.Get(ctx, networksKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var networks []string
	if err := json.Unmarshal(b, &networks); err != nil {
		return nil, fmt.Errorf("parse network list: %w", err)
	}
	return networks, nil
}

func (m *Manager) saveNetworkList(ctx context.Context, networks []string) error {
	b, err := json.Marshal(networks)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, networksKey, b)
}

func (m *Manager) appendToNetworkList(ctx context.Context, network string) error {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	networks, err := m.loadNetworkList(ctx)
	if err != nil {
		return err
	}
	for _, n := range networks {
		if n == network {
			return nil
		}
	}
	return m.saveNetworkList(ctx, append(networks, network))
}

func (m *Manager) removeFromNetworkList(ctx context.Context, network string) error {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	networks, err := m.loadNetworkList(ctx)
	if err != nil {
		return err
	}
	kept := networks[:0]
	for _, n := range networks {
		if n != network {
			kept = append(kept, n)
		}
	}
	return m.saveNetworkList(ctx, kept)
}

func (m *Manager) loadRoster(ctx context.Context, network string) ([]social.Contact, error) {
	b, err := m.store.Get(ctx, rosterKey(network))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var contacts []social.Contact
	if err := json.Unmarshal(b, &contacts); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	return contacts, nil
}

func (m *Manager) persistRoster(ctx context.Context, network string, roster map[string]social.Contact) error {
	contacts := make([]social.Contact, 0, len(roster))
	for _, c := range roster {
		contacts = append(contacts, c)
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].UserID < contacts[j].UserID })
	b, err := json.Marshal(contacts)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, rosterKey(network), b)
}
