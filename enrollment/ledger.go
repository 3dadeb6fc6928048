// Package enrollment implements the authoritative state machine for
// cross-instance trust relationships: one persisted record per
// (requester, approver) pair, driven from request submission through
// verification and approval to credential exchange.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/dive-coalition/federation-enrollment-backend/identity"
	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
	"github.com/dive-coalition/federation-enrollment-backend/metrics"
)

// actorSystem marks history entries produced by the ledger itself rather
// than an administrator.
const actorSystem = "system"

// CreateRequest is the validated payload a requester submits to open an
// enrollment.
type CreateRequest struct {
	RequesterInstanceCode   string   `json:"requesterInstanceCode"`
	ApproverInstanceCode    string   `json:"approverInstanceCode"`
	RequesterCertificatePEM string   `json:"requesterCertificatePem"`
	OIDCDiscoveryURL        string   `json:"oidcDiscoveryUrl"`
	APIBaseURL              string   `json:"apiBaseUrl"`
	IdPBaseURL              string   `json:"idpBaseUrl"`
	Contact                 string   `json:"contact"`
	Capabilities            []string `json:"capabilities,omitempty"`
	RequestedTrustLevel     string   `json:"requestedTrustLevel,omitempty"`
	ChallengeNonce          string   `json:"challengeNonce"`
	EnrollmentSignature     string   `json:"enrollmentSignature"`
}

// Ledger drives all transitions of EnrollmentRecords. Every mutation funnels
// through a conditional update on the store so racing callers serialize at
// the transition layer, and every transition appends to the record's
// status history, which is never rewritten.
type Ledger struct {
	store interfaces.EnrollmentStore
	bus   interfaces.EventPublisher
	log   *slog.Logger
	ttl   time.Duration
	now   func() time.Time
}

// NewLedger creates a ledger over the given store and event bus, with the
// default 72h request expiry.
func NewLedger(store interfaces.EnrollmentStore, bus interfaces.EventPublisher, log *slog.Logger) *Ledger {
	return &Ledger{
		store: store,
		bus:   bus,
		log:   log,
		ttl:   interfaces.DefaultEnrollmentTTL,
		now:   time.Now,
	}
}

// Create validates the request shape, computes the requester certificate
// fingerprint and request expiry, and inserts a new record in
// pending_verification with its initial history entry. At most one live
// enrollment may exist per (requester, approver) pair.
func (l *Ledger) Create(ctx context.Context, req *CreateRequest) (*interfaces.EnrollmentRecord, error) {
	requester, err := interfaces.NewInstanceCode(req.RequesterInstanceCode)
	if err != nil {
		return nil, err
	}
	approver, err := interfaces.NewInstanceCode(req.ApproverInstanceCode)
	if err != nil {
		return nil, err
	}
	if requester == approver {
		return nil, errors.New("requester and approver must be distinct instances")
	}
	if req.RequesterCertificatePEM == "" {
		return nil, errors.New("requester certificate missing")
	}
	if _, err := url.ParseRequestURI(req.OIDCDiscoveryURL); err != nil {
		return nil, fmt.Errorf("invalid OIDC discovery URL: %w", err)
	}
	if req.ChallengeNonce == "" {
		return nil, errors.New("challenge nonce missing")
	}
	if req.EnrollmentSignature == "" {
		return nil, errors.New("enrollment signature missing")
	}

	fingerprint, err := identity.CalculateFingerprint([]byte(req.RequesterCertificatePEM))
	if err != nil {
		return nil, fmt.Errorf("invalid requester certificate: %w", err)
	}

	now := l.now().UTC()
	record := &interfaces.EnrollmentRecord{
		EnrollmentID:            interfaces.EnrollmentID(uuid.NewString()),
		RequesterInstanceCode:   requester,
		ApproverInstanceCode:    approver,
		RequesterCertificatePEM: req.RequesterCertificatePEM,
		RequesterFingerprint:    fingerprint,
		OIDCDiscoveryURL:        req.OIDCDiscoveryURL,
		APIBaseURL:              req.APIBaseURL,
		IdPBaseURL:              req.IdPBaseURL,
		Contact:                 req.Contact,
		Capabilities:            append([]string(nil), req.Capabilities...),
		RequestedTrustLevel:     req.RequestedTrustLevel,
		Status:                  interfaces.StatusPendingVerification,
		StatusHistory: []interfaces.StatusChange{{
			Status:    interfaces.StatusPendingVerification,
			Timestamp: now,
			Actor:     requester.String(),
		}},
		ChallengeNonce:      req.ChallengeNonce,
		EnrollmentSignature: req.EnrollmentSignature,
		CreatedAt:           now,
		ExpiresAt:           now.Add(l.ttl),
	}

	if err := l.store.Insert(ctx, record); err != nil {
		return nil, err
	}

	l.log.Info("Enrollment created",
		slog.String("enrollmentId", record.EnrollmentID.String()),
		slog.String("requester", requester.String()),
		slog.String("approver", approver.String()),
		slog.String("fingerprint", fingerprint))

	l.publishStatusChanged(record)
	return record.Clone(), nil
}

// Get retrieves a record by ID.
func (l *Ledger) Get(ctx context.Context, id interfaces.EnrollmentID) (*interfaces.EnrollmentRecord, error) {
	return l.store.Get(ctx, id)
}

// List returns all records.
func (l *Ledger) List(ctx context.Context) ([]*interfaces.EnrollmentRecord, error) {
	return l.store.List(ctx)
}

// VerifyFingerprint verifies the enrollment signature and certificate
// fingerprint of a pending record. On success the record transitions to
// fingerprint_verified. On verification failure the record stays in
// pending_verification and the failure is returned for a human or
// automation to act on; verification failure never auto-rejects.
func (l *Ledger) VerifyFingerprint(ctx context.Context, id interfaces.EnrollmentID, actor string) (*interfaces.EnrollmentRecord, error) {
	record, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.Status != interfaces.StatusPendingVerification {
		return nil, fmt.Errorf("%w: expected %s, got %s",
			interfaces.ErrWrongStatus, interfaces.StatusPendingVerification, record.Status)
	}
	if record.Expired(l.now()) {
		return nil, interfaces.ErrEnrollmentExpired
	}

	fingerprint, err := identity.CalculateFingerprint([]byte(record.RequesterCertificatePEM))
	if err != nil {
		l.log.Warn("Fingerprint verification failed: unreadable certificate",
			slog.String("enrollmentId", id.String()), "err", err)
		return nil, fmt.Errorf("fingerprint verification failed: %w", err)
	}
	if fingerprint != record.RequesterFingerprint {
		l.log.Warn("Fingerprint verification failed: fingerprint mismatch",
			slog.String("enrollmentId", id.String()),
			slog.String("expected", record.RequesterFingerprint),
			slog.String("computed", fingerprint))
		return nil, errors.New("fingerprint verification failed: certificate fingerprint mismatch")
	}

	payload := identity.EnrollmentSigningPayload(
		record.RequesterInstanceCode, record.ApproverInstanceCode,
		record.ChallengeNonce, record.OIDCDiscoveryURL)
	if err := identity.VerifyEnrollmentSignature(payload, record.EnrollmentSignature, []byte(record.RequesterCertificatePEM)); err != nil {
		l.log.Warn("Enrollment signature verification failed",
			slog.String("enrollmentId", id.String()), "err", err)
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	return l.transition(ctx, id,
		[]interfaces.EnrollmentStatus{interfaces.StatusPendingVerification},
		interfaces.StatusFingerprintVerified, actor, "")
}

// Approve marks a fingerprint-verified enrollment approved, recording the
// approving actor. A suspended relationship may also be re-approved.
func (l *Ledger) Approve(ctx context.Context, id interfaces.EnrollmentID, actor string) (*interfaces.EnrollmentRecord, error) {
	now := l.now().UTC()
	record, err := l.store.Update(ctx, id,
		[]interfaces.EnrollmentStatus{interfaces.StatusFingerprintVerified, interfaces.StatusSuspended},
		func(r *interfaces.EnrollmentRecord) error {
			if r.Expired(now) {
				return interfaces.ErrEnrollmentExpired
			}
			r.Status = interfaces.StatusApproved
			r.ApprovedAt = &now
			r.ApprovedBy = actor
			r.StatusHistory = append(r.StatusHistory, interfaces.StatusChange{
				Status:    interfaces.StatusApproved,
				Timestamp: now,
				Actor:     actor,
			})
			return nil
		})
	if err != nil {
		return nil, err
	}

	l.log.Info("Enrollment approved",
		slog.String("enrollmentId", id.String()),
		slog.String("actor", actor))

	l.publishStatusChanged(record)
	return record, nil
}

// Reject declines an enrollment. Terminal; allowed from any non-terminal state.
func (l *Ledger) Reject(ctx context.Context, id interfaces.EnrollmentID, actor, reason string) (*interfaces.EnrollmentRecord, error) {
	return l.transition(ctx, id, nonTerminalStatuses(), interfaces.StatusRejected, actor, reason)
}

// Suspend pauses an established trust relationship. Allowed only from
// approved or credentials_exchanged; a suspended enrollment may later be
// re-approved or revoked.
func (l *Ledger) Suspend(ctx context.Context, id interfaces.EnrollmentID, actor, reason string) (*interfaces.EnrollmentRecord, error) {
	return l.transition(ctx, id,
		[]interfaces.EnrollmentStatus{interfaces.StatusApproved, interfaces.StatusCredentialsExchanged},
		interfaces.StatusSuspended, actor, reason)
}

// Revoke withdraws trust. Terminal; allowed from any non-terminal state.
func (l *Ledger) Revoke(ctx context.Context, id interfaces.EnrollmentID, actor, reason string) (*interfaces.EnrollmentRecord, error) {
	return l.transition(ctx, id, nonTerminalStatuses(), interfaces.StatusRevoked, actor, reason)
}

// StoreApproverCredentials deposits the approver-side credential bundle.
// The enrollment must already be approved (or credentials_exchanged);
// credentials never attach to an unverified relationship.
func (l *Ledger) StoreApproverCredentials(ctx context.Context, id interfaces.EnrollmentID, creds *interfaces.FederationCredentials) (*interfaces.EnrollmentRecord, error) {
	return l.storeCredentials(ctx, id, creds, func(r *interfaces.EnrollmentRecord, c *interfaces.FederationCredentials) {
		r.ApproverCredentials = c
	})
}

// StoreRequesterCredentials deposits the requester-side credential bundle.
// Same preconditions as StoreApproverCredentials.
func (l *Ledger) StoreRequesterCredentials(ctx context.Context, id interfaces.EnrollmentID, creds *interfaces.FederationCredentials) (*interfaces.EnrollmentRecord, error) {
	return l.storeCredentials(ctx, id, creds, func(r *interfaces.EnrollmentRecord, c *interfaces.FederationCredentials) {
		r.RequesterCredentials = c
	})
}

// storeCredentials performs the credential write and, when both payloads are
// now present, the auto-transition to credentials_exchanged. The transition
// is a pure function of record state (both fields populated), not of call
// order; the conditional update guarantees exactly one of two racing writers
// performs it and emits the event.
func (l *Ledger) storeCredentials(ctx context.Context, id interfaces.EnrollmentID, creds *interfaces.FederationCredentials, assign func(*interfaces.EnrollmentRecord, *interfaces.FederationCredentials)) (*interfaces.EnrollmentRecord, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	record, err := l.store.Update(ctx, id,
		[]interfaces.EnrollmentStatus{interfaces.StatusApproved, interfaces.StatusCredentialsExchanged},
		func(r *interfaces.EnrollmentRecord) error {
			assign(r, creds.Clone())
			return nil
		})
	if errors.Is(err, interfaces.ErrWrongStatus) {
		return nil, fmt.Errorf("cannot store credentials, expected approved: %w", err)
	}
	if err != nil {
		return nil, err
	}

	if record.Status == interfaces.StatusApproved && record.CredentialsComplete() {
		exchanged, err := l.store.Update(ctx, id,
			[]interfaces.EnrollmentStatus{interfaces.StatusApproved},
			func(r *interfaces.EnrollmentRecord) error {
				if !r.CredentialsComplete() {
					return interfaces.ErrWrongStatus
				}
				r.Status = interfaces.StatusCredentialsExchanged
				r.StatusHistory = append(r.StatusHistory, interfaces.StatusChange{
					Status:    interfaces.StatusCredentialsExchanged,
					Timestamp: l.now().UTC(),
					Actor:     actorSystem,
				})
				return nil
			})
		if errors.Is(err, interfaces.ErrWrongStatus) {
			// A racing writer already performed the transition; re-read
			// current state instead of erroring.
			return l.store.Get(ctx, id)
		}
		if err != nil {
			return nil, err
		}

		l.log.Info("Credential exchange complete",
			slog.String("enrollmentId", id.String()),
			slog.String("requester", exchanged.RequesterInstanceCode.String()),
			slog.String("approver", exchanged.ApproverInstanceCode.String()))

		metrics.CredentialExchanges.Inc()
		l.publishStatusChanged(exchanged)
		l.bus.Publish(interfaces.EnrollmentEvent{
			Topic:  interfaces.TopicCredentialsExchanged,
			Record: exchanged.Clone(),
		})
		return exchanged, nil
	}

	return record, nil
}

// transition applies a guarded status change with a history append.
func (l *Ledger) transition(ctx context.Context, id interfaces.EnrollmentID, expected []interfaces.EnrollmentStatus, next interfaces.EnrollmentStatus, actor, reason string) (*interfaces.EnrollmentRecord, error) {
	record, err := l.store.Update(ctx, id, expected, func(r *interfaces.EnrollmentRecord) error {
		if !r.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: cannot move from %s to %s", interfaces.ErrWrongStatus, r.Status, next)
		}
		r.Status = next
		r.StatusHistory = append(r.StatusHistory, interfaces.StatusChange{
			Status:    next,
			Timestamp: l.now().UTC(),
			Actor:     actor,
			Reason:    reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("Enrollment status changed",
		slog.String("enrollmentId", id.String()),
		slog.String("status", next.String()),
		slog.String("actor", actor))

	l.publishStatusChanged(record)
	return record, nil
}

func (l *Ledger) publishStatusChanged(record *interfaces.EnrollmentRecord) {
	metrics.EnrollmentTransitions.WithLabelValues(record.Status.String()).Inc()
	l.bus.Publish(interfaces.EnrollmentEvent{
		Topic:  interfaces.TopicStatusChanged,
		Record: record.Clone(),
	})
}

func nonTerminalStatuses() []interfaces.EnrollmentStatus {
	return []interfaces.EnrollmentStatus{
		interfaces.StatusPendingVerification,
		interfaces.StatusFingerprintVerified,
		interfaces.StatusApproved,
		interfaces.StatusCredentialsExchanged,
		interfaces.StatusSuspended,
	}
}
