// Package interfaces defines the core contracts and types for the federation
// enrollment system. It provides the contract between different components
// without implementation details.
package interfaces

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// InstanceCode is the short uppercase identifier of a federation instance
// (e.g. "USA", "FRA", "DEU"). Codes are 2-5 characters.
type InstanceCode string

var instanceCodeRegex = regexp.MustCompile(`^[A-Z0-9]{2,5}$`)

// NewInstanceCode normalizes and validates an instance code.
// Input is uppercased before validation, so "fra" and "FRA" are equivalent.
func NewInstanceCode(code string) (InstanceCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if !instanceCodeRegex.MatchString(normalized) {
		return "", fmt.Errorf("invalid instance code %q: must be 2-5 uppercase alphanumeric characters", code)
	}
	return InstanceCode(normalized), nil
}

// String returns the code as a string.
func (c InstanceCode) String() string {
	return string(c)
}

// Validate checks the code against the 2-5 uppercase format.
func (c InstanceCode) Validate() error {
	_, err := NewInstanceCode(string(c))
	return err
}

// BrokerClientID derives the OIDC client identifier for a federation broker
// client targeting this instance. The instance code is always lowercased,
// regardless of input casing: "FRA" -> "dive-v3-broker-fra".
func (c InstanceCode) BrokerClientID() string {
	return "dive-v3-broker-" + strings.ToLower(string(c))
}

// BrokerRealm derives the Keycloak realm name for this instance's broker.
// It matches the broker client id naming convention.
func (c InstanceCode) BrokerRealm() string {
	return "dive-v3-broker-" + strings.ToLower(string(c))
}

// EnrollmentID uniquely identifies a cross-instance trust relationship record.
type EnrollmentID string

// String returns the enrollment ID as a string.
func (id EnrollmentID) String() string {
	return string(id)
}

// EnrollmentStatus is the protocol state of an enrollment record.
// Status only ever advances forward through the transition graph; the sole
// back-edge is suspended -> approved (re-approval after suspension).
type EnrollmentStatus string

const (
	// StatusPendingVerification is the initial state of a submitted enrollment.
	StatusPendingVerification EnrollmentStatus = "pending_verification"

	// StatusFingerprintVerified indicates the requester's certificate
	// fingerprint and enrollment signature were verified.
	StatusFingerprintVerified EnrollmentStatus = "fingerprint_verified"

	// StatusApproved indicates an administrator approved the enrollment.
	// Credential payloads may only attach at or after this state.
	StatusApproved EnrollmentStatus = "approved"

	// StatusCredentialsExchanged indicates both sides deposited credentials.
	StatusCredentialsExchanged EnrollmentStatus = "credentials_exchanged"

	// StatusRejected is terminal: the enrollment was declined.
	StatusRejected EnrollmentStatus = "rejected"

	// StatusSuspended pauses an established trust relationship. A suspended
	// enrollment may be re-approved or revoked.
	StatusSuspended EnrollmentStatus = "suspended"

	// StatusRevoked is terminal: the trust relationship was withdrawn.
	StatusRevoked EnrollmentStatus = "revoked"
)

// Valid reports whether the status is one of the defined protocol states.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case StatusPendingVerification, StatusFingerprintVerified, StatusApproved,
		StatusCredentialsExchanged, StatusRejected, StatusSuspended, StatusRevoked:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s EnrollmentStatus) Terminal() bool {
	return s == StatusRejected || s == StatusRevoked
}

// CanTransitionTo reports whether the transition graph permits moving from
// this status to next. Rejection and revocation are reachable from any
// non-terminal state; suspension only from an established relationship.
func (s EnrollmentStatus) CanTransitionTo(next EnrollmentStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusRejected, StatusRevoked:
		return true
	case StatusFingerprintVerified:
		return s == StatusPendingVerification
	case StatusApproved:
		return s == StatusFingerprintVerified || s == StatusSuspended
	case StatusCredentialsExchanged:
		return s == StatusApproved
	case StatusSuspended:
		return s == StatusApproved || s == StatusCredentialsExchanged
	default:
		return false
	}
}

// String returns the status as a string.
func (s EnrollmentStatus) String() string {
	return string(s)
}

// FederationCredentials is one side's OIDC client credential bundle.
// OIDCClientSecret is opaque at rest: either plaintext or a transit-wrapped
// ciphertext token, distinguished by the "vault:v<N>:" prefix.
type FederationCredentials struct {
	OIDCClientID     string `json:"oidcClientId"`
	OIDCClientSecret string `json:"oidcClientSecret"`
	OIDCIssuerURL    string `json:"oidcIssuerUrl"`
	OIDCDiscoveryURL string `json:"oidcDiscoveryUrl"`
}

// Validate checks that all required credential fields are populated.
func (c *FederationCredentials) Validate() error {
	if c == nil {
		return errors.New("credentials missing")
	}
	if c.OIDCClientID == "" {
		return errors.New("oidcClientId missing")
	}
	if c.OIDCClientSecret == "" {
		return errors.New("oidcClientSecret missing")
	}
	if c.OIDCIssuerURL == "" {
		return errors.New("oidcIssuerUrl missing")
	}
	return nil
}

// Clone returns a copy, safe to hand to event subscribers.
func (c *FederationCredentials) Clone() *FederationCredentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// StatusChange is a single append-only entry in an enrollment's history.
type StatusChange struct {
	Status    EnrollmentStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Actor     string           `json:"actor"`
	Reason    string           `json:"reason,omitempty"`
}

// DefaultEnrollmentTTL is how long an enrollment request stays actionable
// before it expires.
const DefaultEnrollmentTTL = 72 * time.Hour

// EnrollmentRecord is the authoritative persisted state of one cross-instance
// trust relationship, keyed by the (requester, approver) pair. At most one
// non-terminal record may exist per pair.
//
// Go has no tagged unions, so the per-status credential variants are pointer
// fields; the ledger enforces the invariant that both payloads are non-nil
// exactly when status is credentials_exchanged.
type EnrollmentRecord struct {
	EnrollmentID          EnrollmentID `json:"enrollmentId"`
	RequesterInstanceCode InstanceCode `json:"requesterInstanceCode"`
	ApproverInstanceCode  InstanceCode `json:"approverInstanceCode"`

	// Requester material submitted with the enrollment request.
	RequesterCertificatePEM string   `json:"requesterCertificatePem"`
	RequesterFingerprint    string   `json:"requesterFingerprint"`
	OIDCDiscoveryURL        string   `json:"oidcDiscoveryUrl"`
	APIBaseURL              string   `json:"apiBaseUrl"`
	IdPBaseURL              string   `json:"idpBaseUrl"`
	Contact                 string   `json:"contact"`
	Capabilities            []string `json:"capabilities,omitempty"`
	RequestedTrustLevel     string   `json:"requestedTrustLevel,omitempty"`

	// Protocol state.
	Status        EnrollmentStatus `json:"status"`
	StatusHistory []StatusChange   `json:"statusHistory"`

	// Security artifacts.
	ChallengeNonce      string `json:"challengeNonce,omitempty"`
	EnrollmentSignature string `json:"enrollmentSignature,omitempty"`

	// Credential payloads, populated only at or after approval.
	ApproverCredentials  *FederationCredentials `json:"approverCredentials,omitempty"`
	RequesterCredentials *FederationCredentials `json:"requesterCredentials,omitempty"`

	// Temporal fields.
	CreatedAt  time.Time  `json:"createdAt"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy string     `json:"approvedBy,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// Active reports whether the record still represents a live enrollment
// (non-terminal status).
func (r *EnrollmentRecord) Active() bool {
	return !r.Status.Terminal()
}

// Expired reports whether the enrollment request lapsed before being acted on.
// Only pre-approval states expire; an established relationship does not.
func (r *EnrollmentRecord) Expired(now time.Time) bool {
	if r.Status != StatusPendingVerification && r.Status != StatusFingerprintVerified {
		return false
	}
	return now.After(r.ExpiresAt)
}

// CredentialsComplete reports whether both sides deposited credentials.
// The credentials_exchanged auto-transition is a pure function of this.
func (r *EnrollmentRecord) CredentialsComplete() bool {
	return r.ApproverCredentials != nil && r.RequesterCredentials != nil
}

// Clone returns a deep copy of the record, safe to hand to callers and
// event subscribers without exposing store-internal state.
func (r *EnrollmentRecord) Clone() *EnrollmentRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.StatusHistory = append([]StatusChange(nil), r.StatusHistory...)
	cp.Capabilities = append([]string(nil), r.Capabilities...)
	cp.ApproverCredentials = r.ApproverCredentials.Clone()
	cp.RequesterCredentials = r.RequesterCredentials.Clone()
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		cp.ApprovedAt = &t
	}
	return &cp
}

// TrustedIssuer is the flattened, queryable projection of an established
// trust relationship, consumed by resource-access authorization as a lookup
// table keyed by issuer URL.
type TrustedIssuer struct {
	IssuerURL  string `json:"issuerUrl"`
	Tenant     string `json:"tenant"`
	Name       string `json:"name"`
	Country    string `json:"country"`
	TrustLevel string `json:"trustLevel"`
	Realm      string `json:"realm"`
	Enabled    bool   `json:"enabled"`
}
