package service

import (
	"context"
	"errors"
	"log"
	"time"

	"clientportal/internal/audit"
	"clientportal/internal/federation"
	"clientportal/internal/models"
	"clientportal/internal/store"
)

// FederationResult is either ExistingUser or NewUser.
type FederationResult interface {
	federationResult()
}

// ExistingUser means the external identity belongs to a local account; a
// session was started for it.
type ExistingUser struct {
	Login LoginResult
}

// Prefill carries provider-supplied registration fields. Email is empty for
// providers whose email is not trusted.
type Prefill struct {
	Email     string
	FirstName string
	LastName  string
}

// NewUser means no local account matched. LinkToken lets registration link
// the provider identity to the account it creates.
type NewUser struct {
	Provider          models.ProviderKind
	Prefill           Prefill
	ProviderSubjectID string
	LinkToken         string
}

func (ExistingUser) federationResult() {}
func (NewUser) federationResult()      {}

// FederationBroker drives the authorization code flow for one configured
// provider.
type FederationBroker struct {
	svc      *Service
	provider federation.Provider
	states   federation.StateStore
	stateTTL time.Duration
}

func (s *Service) NewFederationBroker(p federation.Provider, states federation.StateStore) *FederationBroker {
	ttl := s.cfg.OAuthStateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &FederationBroker{svc: s, provider: p, states: states, stateTTL: ttl}
}

func (b *FederationBroker) Kind() models.ProviderKind { return b.provider.Kind() }

// BeginAuthorization stores a fresh state and PKCE verifier and returns the
// provider consent URL.
func (b *FederationBroker) BeginAuthorization(ctx context.Context) (string, error) {
	state, verifier, err := federation.NewAuthorization()
	if err != nil {
		return "", err
	}
	pending := federation.PendingAuthorization{
		Provider:  b.provider.Kind(),
		Verifier:  verifier,
		CreatedAt: b.svc.clock(),
	}
	if err := b.states.Put(ctx, state, pending, b.stateTTL); err != nil {
		return "", storageError("store oauth state", err)
	}
	return b.provider.AuthCodeURL(state, verifier), nil
}

func (b *FederationBroker) CompleteAuthorization(ctx context.Context, state, code string) (FederationResult, error) {
	kind := b.provider.Kind()
	res, err := b.complete(ctx, state, code)
	outcome := "error"
	switch {
	case err == nil:
		if _, ok := res.(ExistingUser); ok {
			outcome = "existing_user"
		} else {
			outcome = "new_user"
		}
	case errors.Is(err, ErrInvalidState):
		outcome = "invalid_state"
	case errors.Is(err, ErrAccountInactive):
		outcome = "account_inactive"
	case errors.Is(err, ErrAccountLocked):
		outcome = "account_locked"
	case errors.Is(err, ErrProvider):
		outcome = "provider_error"
	}
	b.svc.metrics.FederationOutcome(string(kind), outcome)
	return res, err
}

func (b *FederationBroker) complete(ctx context.Context, state, code string) (FederationResult, error) {
	if state == "" || code == "" {
		return nil, ErrInvalidState
	}
	pending, err := b.states.Take(ctx, state)
	if errors.Is(err, federation.ErrStateNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, storageError("load oauth state", err)
	}
	if pending.Provider != b.provider.Kind() {
		return nil, ErrInvalidState
	}

	id, err := b.provider.Exchange(ctx, code, pending.Verifier)
	if err != nil {
		return nil, providerError(string(b.provider.Kind())+" exchange", err)
	}

	var u models.User
	switch b.provider.Match() {
	case federation.ByEmail:
		u, err = b.svc.st.FindUserByEmail(ctx, id.Email)
	case federation.BySubject:
		u, err = b.svc.st.FindUserByProvider(ctx, id.Provider, id.Subject)
	default:
		return nil, providerError("match", errors.New("provider declares no match key"))
	}
	if isNotFound(err) {
		return b.newUser(id)
	}
	if err != nil {
		return nil, storageError("federation find user", err)
	}
	return b.existingUser(ctx, u, id)
}

func (b *FederationBroker) existingUser(ctx context.Context, u models.User, id federation.Identity) (FederationResult, error) {
	now := b.svc.clock()
	switch u.State(now).Kind {
	case models.StateInactive:
		log.Printf("federated sign-in rejected reason=inactive provider=%s user_id=%s", id.Provider, u.ID)
		return nil, ErrAccountInactive
	case models.StateLocked:
		// Starting a session would reset the failure counter and lift the lock.
		log.Printf("federated sign-in rejected reason=locked provider=%s user_id=%s", id.Provider, u.ID)
		return nil, ErrAccountLocked
	}
	if b.provider.Match() == federation.ByEmail && u.ProviderSubject(id.Provider) == "" {
		err := b.svc.st.LinkProvider(ctx, u.ID, id.Provider, id.Subject)
		switch {
		case err == nil:
			b.svc.audit.Record(ctx, models.AuditEntry{
				ActorID:    u.ID,
				Action:     audit.ActionProviderLinked,
				EntityType: "user",
				EntityID:   u.ID,
				Details:    "provider=" + string(id.Provider),
			})
		case errors.Is(err, store.ErrConflict):
			log.Printf("provider link skipped provider=%s user_id=%s reason=subject_in_use", id.Provider, u.ID)
		default:
			return nil, storageError("link provider", err)
		}
	}

	login, err := b.svc.startSession(ctx, u, now)
	if err != nil {
		return nil, err
	}
	b.svc.audit.Record(ctx, models.AuditEntry{
		ActorID:    u.ID,
		Action:     audit.ActionFederatedSignIn,
		EntityType: "user",
		EntityID:   u.ID,
		Details:    "provider=" + string(id.Provider),
	})
	return ExistingUser{Login: login}, nil
}

func (b *FederationBroker) newUser(id federation.Identity) (FederationResult, error) {
	link, err := b.svc.signer.IssueLinkToken(string(id.Provider), id.Subject, id.Email)
	if err != nil {
		return nil, err
	}
	return NewUser{
		Provider:          id.Provider,
		Prefill:           Prefill{Email: id.Email, FirstName: id.FirstName, LastName: id.LastName},
		ProviderSubjectID: id.Subject,
		LinkToken:         link,
	}, nil
}

// Registry holds the brokers of configured providers. A provider without a
// broker is disabled.
type Registry struct {
	brokers map[models.ProviderKind]*FederationBroker
}

func NewRegistry(brokers ...*FederationBroker) *Registry {
	r := &Registry{brokers: map[models.ProviderKind]*FederationBroker{}}
	for _, b := range brokers {
		if b != nil {
			r.brokers[b.Kind()] = b
		}
	}
	return r
}

func (r *Registry) Lookup(kind models.ProviderKind) (*FederationBroker, bool) {
	if r == nil {
		return nil, false
	}
	b, ok := r.brokers[kind]
	return b, ok
}
