package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrEnrollmentNotFound is returned when no record exists for the
	// requested enrollment ID or (requester, approver) pair.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrDuplicateEnrollment is returned when an active (non-terminal)
	// record already exists for the same requester/approver pair.
	ErrDuplicateEnrollment = errors.New("active enrollment already exists for pair")

	// ErrWrongStatus is returned when a transition or credential write is
	// attempted against a record whose current status does not permit it.
	// The conditional-update losing side of a race observes this error and
	// re-reads current state rather than failing the caller.
	ErrWrongStatus = errors.New("enrollment is not in the expected status")

	// ErrEnrollmentExpired is returned when acting on a request that lapsed
	// before verification or approval.
	ErrEnrollmentExpired = errors.New("enrollment request expired")

	// ErrStoreUnavailable is returned when the backing document store is
	// not accessible. This could be due to network issues, authentication
	// failures, or service outages.
	ErrStoreUnavailable = errors.New("enrollment store unavailable")

	// ErrInvalidLocationURI is returned when a store location URI is
	// malformed or uses an unsupported scheme.
	ErrInvalidLocationURI = errors.New("invalid store location URI")
)

// UpdateFn mutates an enrollment record inside a conditional update.
// Returning an error aborts the update without persisting anything.
type UpdateFn func(*EnrollmentRecord) error

// EnrollmentStore is the document store holding EnrollmentRecords.
//
// Every mutation is a single atomic conditional update guarded by the
// record's expected prior status, so racing writers cannot corrupt history
// or double-fire downstream transitions.
type EnrollmentStore interface {
	// Insert persists a new record. Fails with ErrDuplicateEnrollment if an
	// active record exists for the same (requester, approver) pair.
	Insert(ctx context.Context, record *EnrollmentRecord) error

	// Get retrieves a record by enrollment ID.
	Get(ctx context.Context, id EnrollmentID) (*EnrollmentRecord, error)

	// ActiveForPair retrieves the live (non-terminal) record for a
	// requester/approver pair, or ErrEnrollmentNotFound.
	ActiveForPair(ctx context.Context, requester, approver InstanceCode) (*EnrollmentRecord, error)

	// Update applies mutate to the record identified by id if and only if
	// its current status is one of expected. Returns the updated record, or
	// ErrWrongStatus when the guard fails. The mutation and status check are
	// atomic with respect to concurrent Update calls on the same record.
	Update(ctx context.Context, id EnrollmentID, expected []EnrollmentStatus, mutate UpdateFn) (*EnrollmentRecord, error)

	// List returns all records, most recent first.
	List(ctx context.Context) ([]*EnrollmentRecord, error)

	// Name returns an identifier for logging.
	Name() string
}

// TrustedIssuerStore holds the flattened trusted-issuer projection.
type TrustedIssuerStore interface {
	// Put inserts or replaces an issuer keyed by issuer URL.
	Put(ctx context.Context, issuer *TrustedIssuer) error

	// GetByIssuerURL retrieves an issuer, or ErrEnrollmentNotFound.
	GetByIssuerURL(ctx context.Context, issuerURL string) (*TrustedIssuer, error)

	// List returns all registered issuers.
	List(ctx context.Context) ([]*TrustedIssuer, error)

	// SetEnabled toggles an issuer without removing it.
	SetEnabled(ctx context.Context, issuerURL string, enabled bool) error
}
