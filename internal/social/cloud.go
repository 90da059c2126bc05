package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/farpath/farpath-agent/internal/storage"
)

const (
	cloudIdentityKey = "cloud/identity"
	cloudContactsKey = "cloud/contacts"
)

// CloudProvider backs the cloud-admin network. There is no remote
// signaling service: the identity is minted locally and the contacts
// are provisioned proxy nodes, added through invitation acceptance.
type CloudProvider struct {
	mu     sync.Mutex
	store  storage.Store
	logger *slog.Logger
}

func NewCloudProvider(store storage.Store, logger *slog.Logger) *CloudProvider {
	return &CloudProvider{store: store, logger: logger}
}

type cloudIdentity struct {
	UserID string `json:"user_id"`
}

func (p *CloudProvider) Login(ctx context.Context, _ LoginRequest) (LoginResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var id cloudIdentity
	b, err := p.store.Get(ctx, cloudIdentityKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		id = cloudIdentity{UserID: uuid.NewString()}
		nb, merr := json.Marshal(id)
		if merr != nil {
			return LoginResult{}, merr
		}
		if serr := p.store.Set(ctx, cloudIdentityKey, nb); serr != nil {
			return LoginResult{}, fmt.Errorf("persist cloud identity: %w", serr)
		}
	case err != nil:
		return LoginResult{}, fmt.Errorf("load cloud identity: %w", err)
	default:
		if uerr := json.Unmarshal(b, &id); uerr != nil {
			return LoginResult{}, fmt.Errorf("parse cloud identity: %w", uerr)
		}
	}
	return LoginResult{UserID: id.UserID, InstanceID: uuid.NewString()}, nil
}

func (p *CloudProvider) Logout(_ context.Context, _ string) error { return nil }

func (p *CloudProvider) Roster(ctx context.Context) ([]Contact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadContacts(ctx)
}

func (p *CloudProvider) ModifyConsent(ctx context.Context, userID string, action ConsentAction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	contacts, err := p.loadContacts(ctx)
	if err != nil {
		return err
	}
	for i := range contacts {
		if contacts[i].UserID == userID {
			contacts[i].Consent = consentState(action)
			return p.saveContacts(ctx, contacts)
		}
	}
	return fmt.Errorf("cloud contact %s not found", userID)
}

// CreateInvitation is node-originated on the cloud network: the install
// script emits the invite and the admin side only accepts it.
func (p *CloudProvider) CreateInvitation(_ context.Context) (Invitation, error) {
	return Invitation{}, fmt.Errorf("cloud network: %w", ErrNotSupported)
}

// AcceptInvitation registers a provisioned proxy node as a contact.
// The payload carries the node's connection details; the host doubles
// as the node's user and instance identity.
func (p *CloudProvider) AcceptInvitation(ctx context.Context, invite Invitation) (Contact, error) {
	host := invite.Payload["host"]
	if host == "" {
		return Contact{}, errors.New("invite payload missing host")
	}
	name := invite.Payload["name"]
	if name == "" {
		name = host
	}
	contact := Contact{UserID: host, Name: name, InstanceID: host}
	if invite.AdminOriginated {
		contact.Consent = "granted"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	contacts, err := p.loadContacts(ctx)
	if err != nil {
		return Contact{}, err
	}
	replaced := false
	for i := range contacts {
		if contacts[i].UserID == contact.UserID {
			contacts[i] = contact
			replaced = true
			break
		}
	}
	if !replaced {
		contacts = append(contacts, contact)
	}
	if err := p.saveContacts(ctx, contacts); err != nil {
		return Contact{}, err
	}
	p.logger.Info("cloud_contact_added", slog.String("host", host), slog.Bool("admin", invite.AdminOriginated))
	return contact, nil
}

func (p *CloudProvider) InviteByEmail(_ context.Context, _ string) error {
	return fmt.Errorf("cloud network: %w", ErrNotSupported)
}

func (p *CloudProvider) BroadcastDescription(_ context.Context, _ string) error {
	// cloud contacts are headless nodes; nothing to signal
	return nil
}

func (p *CloudProvider) loadContacts(ctx context.Context) ([]Contact, error) {
	b, err := p.store.Get(ctx, cloudContactsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cloud contacts: %w", err)
	}
	var contacts []Contact
	if err := json.Unmarshal(b, &contacts); err != nil {
		return nil, fmt.Errorf("parse cloud contacts: %w", err)
	}
	return contacts, nil
}

func (p *CloudProvider) saveContacts(ctx context.Context, contacts []Contact) error {
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].UserID < contacts[j].UserID })
	b, err := json.Marshal(contacts)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, cloudContactsKey, b); err != nil {
		return fmt.Errorf("persist cloud contacts: %w", err)
	}
	return nil
}

func consentState(action ConsentAction) string {
	switch action {
	case ConsentOffer:
		return "offered"
	case ConsentRequestAccess:
		return "requested"
	case ConsentAcceptOffer:
		return "granted"
	case ConsentIgnoreOffer:
		return "ignored"
	case ConsentRevokeOffer, ConsentCancelRequest:
		return "none"
	default:
		return ""
	}
}
