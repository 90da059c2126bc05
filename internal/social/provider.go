package social

import (
	"context"
	"errors"
	"sync"
)

// ErrNotSupported is returned by providers for operations their network
// has no equivalent of (e.g. email invites on the cloud network).
var ErrNotSupported = errors.New("not_supported")

type LoginType string

const (
	LoginInitial   LoginType = "INITIAL"
	LoginReconnect LoginType = "RECONNECT"
)

type ConsentAction string

const (
	ConsentOffer         ConsentAction = "OFFER"
	ConsentRequestAccess ConsentAction = "REQUEST_ACCESS"
	ConsentAcceptOffer   ConsentAction = "ACCEPT_OFFER"
	ConsentIgnoreOffer   ConsentAction = "IGNORE_OFFER"
	ConsentRevokeOffer   ConsentAction = "REVOKE_OFFER"
	ConsentCancelRequest ConsentAction = "CANCEL_REQUEST"
)

type Contact struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	InstanceID string `json:"instance_id,omitempty"`
	Consent    string `json:"consent,omitempty"`
}

type LoginRequest struct {
	LoginType LoginType
	UserName  string
}

type LoginResult struct {
	UserID     string
	InstanceID string
}

type Invitation struct {
	Network         string            `json:"network"`
	FromUserID      string            `json:"from_user_id,omitempty"`
	Payload         map[string]string `json:"payload"`
	AdminOriginated bool              `json:"admin_originated"`
}

// Provider is the signaling boundary for one network. Implementations
// live outside this repository except for the local cloud network.
type Provider interface {
	Login(ctx context.Context, req LoginRequest) (LoginResult, error)
	Logout(ctx context.Context, userID string) error
	Roster(ctx context.Context) ([]Contact, error)
	ModifyConsent(ctx context.Context, userID string, action ConsentAction) error
	CreateInvitation(ctx context.Context) (Invitation, error)
	AcceptInvitation(ctx context.Context, invite Invitation) (Contact, error)
	InviteByEmail(ctx context.Context, address string) error
	BroadcastDescription(ctx context.Context, description string) error
}

type NetworkInfo struct {
	Name       string
	CloudAdmin bool
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	info     NetworkInfo
	provider Provider
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]registryEntry{}}
}

func (r *Registry) Register(info NetworkInfo, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[info.Name] = registryEntry{info: info, provider: p}
}

func (r *Registry) Lookup(name string) (Provider, NetworkInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, NetworkInfo{}, false
	}
	return e.provider, e.info, true
}

// CloudAdmin returns the network flagged as the cloud-admin network.
func (r *Registry) CloudAdmin() (NetworkInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.info.CloudAdmin {
			return e.info, true
		}
	}
	return NetworkInfo{}, false
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
