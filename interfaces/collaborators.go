package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrTransitNotConfigured is returned by Decrypt when handed ciphertext
	// while no transit endpoint/token is configured. Deliberately fatal:
	// silently returning ciphertext as plaintext would corrupt downstream
	// consumers.
	ErrTransitNotConfigured = errors.New("transit not configured")

	// ErrTransitDecryptFailed is returned when the configured transit
	// service rejects or fails a decrypt call.
	ErrTransitDecryptFailed = errors.New("transit decrypt failed")

	// ErrNotInitialized is returned by spoke agent operations invoked
	// before Initialize.
	ErrNotInitialized = errors.New("not initialized")
)

// IdentityProviderClient is the identity-provider collaborator. It ensures
// an OIDC client exists for a federation partner on the local realm.
//
// EnsureFederationClient must be idempotent: calling it repeatedly with the
// same clientID is safe and converges on the given secret and federation
// target. Failures propagate unmodified to the caller.
type IdentityProviderClient interface {
	EnsureFederationClient(ctx context.Context, clientID, clientSecret, partnerIdpURL, partnerRealm string) error
}

// TransitEncryptor envelope-encrypts secret strings through an external
// key-management transit API.
//
// Encrypt is best-effort and never fails: without configuration or on any
// transport error it falls back to returning the plaintext with
// encrypted=false. Decrypt is the asymmetric counterpart: plaintext passes
// through unchanged, but ciphertext that cannot be decrypted is a hard
// error. This soft-fail/hard-fail asymmetry is intentional; do not make the
// two symmetric.
type TransitEncryptor interface {
	// IsConfigured reports whether both an endpoint and an access
	// credential are present. Gates all remote operations.
	IsConfigured() bool

	// IsEncrypted recognizes the envelope-ciphertext format by its
	// versioned "vault:v<N>:" prefix. Side-effect-free and idempotent.
	IsEncrypted(value string) bool

	// Encrypt wraps plaintext. encrypted=false means the value returned is
	// the plaintext itself (transit unconfigured or unavailable).
	Encrypt(ctx context.Context, plaintext string) (value string, encrypted bool)

	// Decrypt unwraps value. Non-ciphertext input is returned unchanged.
	// Ciphertext with no configured transit fails with
	// ErrTransitNotConfigured; remote failures with ErrTransitDecryptFailed.
	Decrypt(ctx context.Context, value string) (string, error)

	// EncryptCredentials applies Encrypt to the client secret only, leaving
	// all other fields untouched. Idempotent: an already-wrapped secret is
	// left as is with no remote call.
	EncryptCredentials(ctx context.Context, creds *FederationCredentials) (*FederationCredentials, bool)

	// DecryptCredentials is the field-selective inverse of EncryptCredentials.
	DecryptCredentials(ctx context.Context, creds *FederationCredentials) (*FederationCredentials, error)
}

// CertificateReport is the structured result of certificate validation.
// Callers decide fail-open/fail-closed policy from the error list.
type CertificateReport struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// EnrollmentEvent is published by the ledger on lifecycle transitions.
// It carries a snapshot of the record, never live store state.
type EnrollmentEvent struct {
	Topic  string
	Record *EnrollmentRecord
}

// Enrollment event topics consumed by downstream collaborators
// (trusted-issuer registration, policy distribution).
const (
	TopicCredentialsExchanged = "enrollment:credentials_exchanged"
	TopicStatusChanged        = "enrollment:status_changed"
)

// EventPublisher is the ledger-side half of the event bus.
type EventPublisher interface {
	Publish(event EnrollmentEvent)
}

// EventSubscriber is the consumer-side half of the event bus. Subscribe
// returns an unsubscribe func; handlers run synchronously on the
// publisher's goroutine and must not block.
type EventSubscriber interface {
	Subscribe(topic string, handler func(EnrollmentEvent)) (unsubscribe func())
}
