// Package issuer maintains the trusted-issuer registry: the flattened,
// queryable projection of established trust relationships consumed by
// resource-access authorization. The registry is populated from enrollment
// lifecycle events rather than being written directly by the ledger.
package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// MemoryStore is an in-process TrustedIssuerStore keyed by issuer URL.
type MemoryStore struct {
	mu      sync.RWMutex
	issuers map[string]*interfaces.TrustedIssuer
}

// NewMemoryStore creates an empty issuer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{issuers: make(map[string]*interfaces.TrustedIssuer)}
}

// Put inserts or replaces an issuer keyed by issuer URL.
func (s *MemoryStore) Put(ctx context.Context, issuer *interfaces.TrustedIssuer) error {
	if issuer.IssuerURL == "" {
		return fmt.Errorf("issuer URL missing")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *issuer
	s.issuers[issuer.IssuerURL] = &cp
	return nil
}

// GetByIssuerURL retrieves an issuer by URL.
func (s *MemoryStore) GetByIssuerURL(ctx context.Context, issuerURL string) (*interfaces.TrustedIssuer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issuer, ok := s.issuers[issuerURL]
	if !ok {
		return nil, interfaces.ErrEnrollmentNotFound
	}
	cp := *issuer
	return &cp, nil
}

// List returns all registered issuers sorted by issuer URL.
func (s *MemoryStore) List(ctx context.Context) ([]*interfaces.TrustedIssuer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*interfaces.TrustedIssuer, 0, len(s.issuers))
	for _, issuer := range s.issuers {
		cp := *issuer
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuerURL < out[j].IssuerURL })
	return out, nil
}

// SetEnabled toggles an issuer without removing it.
func (s *MemoryStore) SetEnabled(ctx context.Context, issuerURL string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issuer, ok := s.issuers[issuerURL]
	if !ok {
		return interfaces.ErrEnrollmentNotFound
	}
	issuer.Enabled = enabled
	return nil
}

// Registry subscribes to enrollment lifecycle events and keeps the
// trusted-issuer store in sync: credential exchange registers the partner's
// issuer, suspension disables it, revocation disables it permanently and
// re-approval of a suspended relationship re-enables it.
type Registry struct {
	store interfaces.TrustedIssuerStore
	log   *slog.Logger

	unsubscribeFns []func()
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store interfaces.TrustedIssuerStore, log *slog.Logger) *Registry {
	return &Registry{store: store, log: log}
}

// Start attaches the registry to the enrollment event bus.
func (r *Registry) Start(bus interfaces.EventSubscriber) {
	r.unsubscribeFns = append(r.unsubscribeFns,
		bus.Subscribe(interfaces.TopicCredentialsExchanged, r.onCredentialsExchanged),
		bus.Subscribe(interfaces.TopicStatusChanged, r.onStatusChanged),
	)
}

// Stop detaches the registry from the event bus.
func (r *Registry) Stop() {
	for _, unsubscribe := range r.unsubscribeFns {
		unsubscribe()
	}
	r.unsubscribeFns = nil
}

func (r *Registry) onCredentialsExchanged(event interfaces.EnrollmentEvent) {
	record := event.Record
	if record == nil || record.RequesterCredentials == nil {
		return
	}

	issuer := IssuerFromRecord(record)
	if err := r.store.Put(context.Background(), issuer); err != nil {
		r.log.Error("Failed to register trusted issuer",
			slog.String("enrollmentId", record.EnrollmentID.String()), "err", err)
		return
	}

	r.log.Info("Trusted issuer registered",
		slog.String("issuerUrl", issuer.IssuerURL),
		slog.String("country", issuer.Country))
}

func (r *Registry) onStatusChanged(event interfaces.EnrollmentEvent) {
	record := event.Record
	if record == nil || record.RequesterCredentials == nil {
		return
	}

	issuerURL := record.RequesterCredentials.OIDCIssuerURL
	switch record.Status {
	case interfaces.StatusSuspended, interfaces.StatusRevoked:
		if err := r.store.SetEnabled(context.Background(), issuerURL, false); err != nil {
			r.log.Warn("Failed to disable trusted issuer",
				slog.String("issuerUrl", issuerURL), "err", err)
			return
		}
		r.log.Info("Trusted issuer disabled",
			slog.String("issuerUrl", issuerURL),
			slog.String("status", record.Status.String()))
	case interfaces.StatusApproved:
		// Re-approval after suspension restores the issuer. A first-time
		// approval has no registered issuer yet; the not-found miss is fine.
		if err := r.store.SetEnabled(context.Background(), issuerURL, true); err == nil {
			r.log.Info("Trusted issuer re-enabled", slog.String("issuerUrl", issuerURL))
		}
	}
}

// IssuerFromRecord flattens an exchanged enrollment into its trusted-issuer
// projection. The requester's issuer URL is the token issuer the approver
// must accept; the realm follows the broker naming convention.
func IssuerFromRecord(record *interfaces.EnrollmentRecord) *interfaces.TrustedIssuer {
	code := record.RequesterInstanceCode
	trustLevel := record.RequestedTrustLevel
	if trustLevel == "" {
		trustLevel = "standard"
	}
	return &interfaces.TrustedIssuer{
		IssuerURL:  record.RequesterCredentials.OIDCIssuerURL,
		Tenant:     strings.ToLower(code.String()),
		Name:       code.String() + " federation partner",
		Country:    code.String(),
		TrustLevel: trustLevel,
		Realm:      code.BrokerRealm(),
		Enabled:    true,
	}
}
