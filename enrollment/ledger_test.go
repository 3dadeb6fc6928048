package enrollment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dive-coalition/federation-enrollment-backend/identity"
	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
	"github.com/dive-coalition/federation-enrollment-backend/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testFixture struct {
	ledger *Ledger
	bus    *Bus
	store  interfaces.EnrollmentStore
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := NewBus(testLogger())
	return &testFixture{
		ledger: NewLedger(store, bus, testLogger()),
		bus:    bus,
		store:  store,
	}
}

// newSignedRequest builds a fully valid create request backed by a real key
// pair and signature.
func newSignedRequest(t *testing.T, requester, approver string) *CreateRequest {
	t.Helper()
	keyPEM, _, err := identity.CreateCSRWithRandomKey(requester, "Test Org", "")
	require.NoError(t, err)
	certPEM, err := identity.CreateSelfSignedCertificate(keyPEM, requester, "Test Org", "", time.Hour)
	require.NoError(t, err)

	nonce := "nonce-" + requester + "-" + approver
	discoveryURL := "https://idp.example/.well-known/openid-configuration"
	payload := identity.EnrollmentSigningPayload(
		interfaces.InstanceCode(requester), interfaces.InstanceCode(approver), nonce, discoveryURL)
	signature, err := identity.SignEnrollmentPayload(keyPEM, payload)
	require.NoError(t, err)

	return &CreateRequest{
		RequesterInstanceCode:   requester,
		ApproverInstanceCode:    approver,
		RequesterCertificatePEM: string(certPEM),
		OIDCDiscoveryURL:        discoveryURL,
		APIBaseURL:              "https://api.example",
		IdPBaseURL:              "https://idp.example",
		Contact:                 "ops@example.org",
		ChallengeNonce:          nonce,
		EnrollmentSignature:     signature,
	}
}

func testCredentials(clientID string) *interfaces.FederationCredentials {
	return &interfaces.FederationCredentials{
		OIDCClientID:     clientID,
		OIDCClientSecret: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		OIDCIssuerURL:    "https://idp.example/realms/" + clientID,
		OIDCDiscoveryURL: "https://idp.example/realms/" + clientID + "/.well-known/openid-configuration",
	}
}

// approvedEnrollment runs the full happy path up to approved status.
func approvedEnrollment(t *testing.T, f *testFixture) *interfaces.EnrollmentRecord {
	t.Helper()
	ctx := context.Background()

	record, err := f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	require.NoError(t, err)

	record, err = f.ledger.VerifyFingerprint(ctx, record.EnrollmentID, "verifier")
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusFingerprintVerified, record.Status)

	record, err = f.ledger.Approve(ctx, record.EnrollmentID, "admin@usa")
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusApproved, record.Status)
	return record
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	record, err := f.ledger.Create(context.Background(), newSignedRequest(t, "fra", "USA"))
	require.NoError(t, err)

	assert.NotEmpty(t, record.EnrollmentID)
	assert.Equal(t, interfaces.InstanceCode("FRA"), record.RequesterInstanceCode)
	assert.Equal(t, interfaces.StatusPendingVerification, record.Status)
	assert.True(t, record.ExpiresAt.After(record.CreatedAt))
	require.Len(t, record.StatusHistory, 1)
	assert.Equal(t, interfaces.StatusPendingVerification, record.StatusHistory[0].Status)
	assert.Contains(t, record.RequesterFingerprint, "SHA256:")
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"bad requester code", func(r *CreateRequest) { r.RequesterInstanceCode = "x" }},
		{"bad approver code", func(r *CreateRequest) { r.ApproverInstanceCode = "TOOLONGCODE" }},
		{"same instance", func(r *CreateRequest) { r.ApproverInstanceCode = r.RequesterInstanceCode }},
		{"missing certificate", func(r *CreateRequest) { r.RequesterCertificatePEM = "" }},
		{"garbage certificate", func(r *CreateRequest) { r.RequesterCertificatePEM = "not pem" }},
		{"bad discovery URL", func(r *CreateRequest) { r.OIDCDiscoveryURL = "::::" }},
		{"missing nonce", func(r *CreateRequest) { r.ChallengeNonce = "" }},
		{"missing signature", func(r *CreateRequest) { r.EnrollmentSignature = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := newSignedRequest(t, "FRA", "USA")
			tc.mutate(req)
			_, err := f.ledger.Create(ctx, req)
			assert.Error(t, err)
		})
	}
}

func TestCreate_OneLiveEnrollmentPerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	require.NoError(t, err)

	_, err = f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	assert.ErrorIs(t, err, interfaces.ErrDuplicateEnrollment)

	// A different pair is fine.
	_, err = f.ledger.Create(ctx, newSignedRequest(t, "DEU", "USA"))
	assert.NoError(t, err)

	// After the first goes terminal, the pair may enroll again.
	_, err = f.ledger.Reject(ctx, first.EnrollmentID, "admin", "duplicate submission")
	require.NoError(t, err)
	_, err = f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	assert.NoError(t, err)
}

func TestVerifyFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	require.NoError(t, err)

	verified, err := f.ledger.VerifyFingerprint(ctx, record.EnrollmentID, "verifier")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusFingerprintVerified, verified.Status)
	assert.Len(t, verified.StatusHistory, 2)

	// Only pending records can be verified.
	_, err = f.ledger.VerifyFingerprint(ctx, record.EnrollmentID, "verifier")
	assert.ErrorIs(t, err, interfaces.ErrWrongStatus)
}

func TestVerifyFingerprint_SignatureMismatchKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := newSignedRequest(t, "FRA", "USA")
	req.ChallengeNonce = "different-nonce-than-signed"
	record, err := f.ledger.Create(ctx, req)
	require.NoError(t, err)

	_, err = f.ledger.VerifyFingerprint(ctx, record.EnrollmentID, "verifier")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification failed")

	// Verification failure never auto-rejects.
	current, err := f.ledger.Get(ctx, record.EnrollmentID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPendingVerification, current.Status)
}

func TestVerifyFingerprint_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	require.NoError(t, err)

	f.ledger.now = func() time.Time { return time.Now().Add(interfaces.DefaultEnrollmentTTL + time.Hour) }
	_, err = f.ledger.VerifyFingerprint(ctx, record.EnrollmentID, "verifier")
	assert.ErrorIs(t, err, interfaces.ErrEnrollmentExpired)
}

func TestApprove_RequiresVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	require.NoError(t, err)

	_, err = f.ledger.Approve(ctx, record.EnrollmentID, "admin")
	assert.ErrorIs(t, err, interfaces.ErrWrongStatus)
}

func TestApprove_RecordsActor(t *testing.T) {
	f := newFixture(t)
	record := approvedEnrollment(t, f)

	assert.Equal(t, "admin@usa", record.ApprovedBy)
	require.NotNil(t, record.ApprovedAt)
}

func TestStoreCredentials_FailsBeforeApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	require.NoError(t, err)

	_, err = f.ledger.StoreApproverCredentials(ctx, record.EnrollmentID, testCredentials("dive-v3-broker-fra"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected approved")
	assert.ErrorIs(t, err, interfaces.ErrWrongStatus)

	_, err = f.ledger.StoreRequesterCredentials(ctx, record.EnrollmentID, testCredentials("dive-v3-broker-usa"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected approved")
}

func TestStoreCredentials_SingleSideDoesNotTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := approvedEnrollment(t, f)

	updated, err := f.ledger.StoreApproverCredentials(ctx, record.EnrollmentID, testCredentials("dive-v3-broker-fra"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusApproved, updated.Status)
	assert.NotNil(t, updated.ApproverCredentials)
	assert.Nil(t, updated.RequesterCredentials)
}

func TestStoreCredentials_OrderIndependence(t *testing.T) {
	run := func(t *testing.T, approverFirst bool) {
		f := newFixture(t)
		ctx := context.Background()
		record := approvedEnrollment(t, f)

		exchangedEvents := 0
		f.bus.Subscribe(interfaces.TopicCredentialsExchanged, func(e interfaces.EnrollmentEvent) {
			exchangedEvents++
		})

		ops := []func() (*interfaces.EnrollmentRecord, error){
			func() (*interfaces.EnrollmentRecord, error) {
				return f.ledger.StoreApproverCredentials(ctx, record.EnrollmentID, testCredentials("dive-v3-broker-fra"))
			},
			func() (*interfaces.EnrollmentRecord, error) {
				return f.ledger.StoreRequesterCredentials(ctx, record.EnrollmentID, testCredentials("dive-v3-broker-usa"))
			},
		}
		if !approverFirst {
			ops[0], ops[1] = ops[1], ops[0]
		}

		_, err := ops[0]()
		require.NoError(t, err)
		final, err := ops[1]()
		require.NoError(t, err)

		assert.Equal(t, interfaces.StatusCredentialsExchanged, final.Status)
		assert.NotNil(t, final.ApproverCredentials)
		assert.NotNil(t, final.RequesterCredentials)
		assert.Equal(t, 1, exchangedEvents)

		// History records the system-driven transition exactly once.
		var exchanged int
		for _, change := range final.StatusHistory {
			if change.Status == interfaces.StatusCredentialsExchanged {
				exchanged++
				assert.Equal(t, "system", change.Actor)
			}
		}
		assert.Equal(t, 1, exchanged)
	}

	t.Run("approver then requester", func(t *testing.T) { run(t, true) })
	t.Run("requester then approver", func(t *testing.T) { run(t, false) })
}

func TestStoreCredentials_ReplaceAfterExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := approvedEnrollment(t, f)

	_, err := f.ledger.StoreApproverCredentials(ctx, record.EnrollmentID, testCredentials("dive-v3-broker-fra"))
	require.NoError(t, err)
	_, err = f.ledger.StoreRequesterCredentials(ctx, record.EnrollmentID, testCredentials("dive-v3-broker-usa"))
	require.NoError(t, err)

	// Rotating a credential after exchange stays in credentials_exchanged.
	rotated := testCredentials("dive-v3-broker-fra")
	rotated.OIDCClientSecret = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	final, err := f.ledger.StoreApproverCredentials(ctx, record.EnrollmentID, rotated)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCredentialsExchanged, final.Status)
	assert.Equal(t, rotated.OIDCClientSecret, final.ApproverCredentials.OIDCClientSecret)
}

func TestStoreCredentials_InvalidBundle(t *testing.T) {
	f := newFixture(t)
	record := approvedEnrollment(t, f)

	creds := testCredentials("dive-v3-broker-fra")
	creds.OIDCClientSecret = ""
	_, err := f.ledger.StoreApproverCredentials(context.Background(), record.EnrollmentID, creds)
	assert.Error(t, err)
}

func TestSuspendAndReapprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := approvedEnrollment(t, f)

	suspended, err := f.ledger.Suspend(ctx, record.EnrollmentID, "admin", "partner incident")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusSuspended, suspended.Status)

	reapproved, err := f.ledger.Approve(ctx, record.EnrollmentID, "admin")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusApproved, reapproved.Status)
}

func TestSuspend_RequiresEstablishedRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	require.NoError(t, err)

	_, err = f.ledger.Suspend(ctx, record.EnrollmentID, "admin", "nope")
	assert.ErrorIs(t, err, interfaces.ErrWrongStatus)
}

func TestRevoke_Terminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := approvedEnrollment(t, f)

	revoked, err := f.ledger.Revoke(ctx, record.EnrollmentID, "admin", "trust withdrawn")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRevoked, revoked.Status)
	assert.Equal(t, "trust withdrawn", revoked.StatusHistory[len(revoked.StatusHistory)-1].Reason)

	// No transitions out of revoked.
	_, err = f.ledger.Approve(ctx, record.EnrollmentID, "admin")
	assert.ErrorIs(t, err, interfaces.ErrWrongStatus)
	_, err = f.ledger.Revoke(ctx, record.EnrollmentID, "admin", "again")
	assert.ErrorIs(t, err, interfaces.ErrWrongStatus)
}

func TestReject_FromPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Create(ctx, newSignedRequest(t, "FRA", "USA"))
	require.NoError(t, err)

	rejected, err := f.ledger.Reject(ctx, record.EnrollmentID, "admin", "unknown requester")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRejected, rejected.Status)
}

func TestStatusHistory_AppendOnly(t *testing.T) {
	f := newFixture(t)
	record := approvedEnrollment(t, f)

	require.Len(t, record.StatusHistory, 3)
	statuses := []interfaces.EnrollmentStatus{
		interfaces.StatusPendingVerification,
		interfaces.StatusFingerprintVerified,
		interfaces.StatusApproved,
	}
	for i, change := range record.StatusHistory {
		assert.Equal(t, statuses[i], change.Status)
		assert.False(t, change.Timestamp.IsZero())
	}
}

func TestStatusChangedEvents(t *testing.T) {
	f := newFixture(t)

	var topics []interfaces.EnrollmentStatus
	f.bus.Subscribe(interfaces.TopicStatusChanged, func(e interfaces.EnrollmentEvent) {
		topics = append(topics, e.Record.Status)
	})

	approvedEnrollment(t, f)
	assert.Equal(t, []interfaces.EnrollmentStatus{
		interfaces.StatusPendingVerification,
		interfaces.StatusFingerprintVerified,
		interfaces.StatusApproved,
	}, topics)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, interfaces.ErrEnrollmentNotFound)
}
