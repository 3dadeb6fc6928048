package issuer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dive-coalition/federation-enrollment-backend/enrollment"
	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func exchangedRecord() *interfaces.EnrollmentRecord {
	return &interfaces.EnrollmentRecord{
		EnrollmentID:          "enr-1",
		RequesterInstanceCode: "FRA",
		ApproverInstanceCode:  "USA",
		Status:                interfaces.StatusCredentialsExchanged,
		RequesterCredentials: &interfaces.FederationCredentials{
			OIDCClientID:     "dive-v3-broker-usa",
			OIDCClientSecret: "secret",
			OIDCIssuerURL:    "https://idp.fra.example/realms/dive-v3-broker-fra",
		},
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.Error(t, store.Put(ctx, &interfaces.TrustedIssuer{}))

	issuer := &interfaces.TrustedIssuer{
		IssuerURL: "https://idp.fra.example/realms/dive-v3-broker-fra",
		Tenant:    "fra",
		Enabled:   true,
	}
	require.NoError(t, store.Put(ctx, issuer))

	got, err := store.GetByIssuerURL(ctx, issuer.IssuerURL)
	require.NoError(t, err)
	assert.Equal(t, "fra", got.Tenant)

	// Returned issuer is a copy.
	got.Tenant = "mutated"
	fresh, err := store.GetByIssuerURL(ctx, issuer.IssuerURL)
	require.NoError(t, err)
	assert.Equal(t, "fra", fresh.Tenant)

	_, err = store.GetByIssuerURL(ctx, "https://unknown.example")
	assert.ErrorIs(t, err, interfaces.ErrEnrollmentNotFound)

	require.NoError(t, store.SetEnabled(ctx, issuer.IssuerURL, false))
	disabled, err := store.GetByIssuerURL(ctx, issuer.IssuerURL)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	assert.ErrorIs(t, store.SetEnabled(ctx, "https://unknown.example", false),
		interfaces.ErrEnrollmentNotFound)
}

func TestMemoryStore_ListSorted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &interfaces.TrustedIssuer{IssuerURL: "https://b.example"}))
	require.NoError(t, store.Put(ctx, &interfaces.TrustedIssuer{IssuerURL: "https://a.example"}))

	issuers, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, issuers, 2)
	assert.Equal(t, "https://a.example", issuers[0].IssuerURL)
	assert.Equal(t, "https://b.example", issuers[1].IssuerURL)
}

func TestRegistry_RegistersOnExchange(t *testing.T) {
	store := NewMemoryStore()
	bus := enrollment.NewBus(testLogger())
	registry := NewRegistry(store, testLogger())
	registry.Start(bus)
	defer registry.Stop()

	record := exchangedRecord()
	bus.Publish(interfaces.EnrollmentEvent{
		Topic:  interfaces.TopicCredentialsExchanged,
		Record: record,
	})

	issuer, err := store.GetByIssuerURL(context.Background(), record.RequesterCredentials.OIDCIssuerURL)
	require.NoError(t, err)
	assert.Equal(t, "fra", issuer.Tenant)
	assert.Equal(t, "FRA", issuer.Country)
	assert.Equal(t, "dive-v3-broker-fra", issuer.Realm)
	assert.Equal(t, "standard", issuer.TrustLevel)
	assert.True(t, issuer.Enabled)
}

func TestRegistry_SuspendRevokeDisable(t *testing.T) {
	for _, status := range []interfaces.EnrollmentStatus{
		interfaces.StatusSuspended,
		interfaces.StatusRevoked,
	} {
		t.Run(status.String(), func(t *testing.T) {
			store := NewMemoryStore()
			bus := enrollment.NewBus(testLogger())
			registry := NewRegistry(store, testLogger())
			registry.Start(bus)
			defer registry.Stop()

			record := exchangedRecord()
			bus.Publish(interfaces.EnrollmentEvent{
				Topic:  interfaces.TopicCredentialsExchanged,
				Record: record,
			})

			record.Status = status
			bus.Publish(interfaces.EnrollmentEvent{
				Topic:  interfaces.TopicStatusChanged,
				Record: record,
			})

			issuer, err := store.GetByIssuerURL(context.Background(), record.RequesterCredentials.OIDCIssuerURL)
			require.NoError(t, err)
			assert.False(t, issuer.Enabled)
		})
	}
}

func TestRegistry_ReapprovalReenables(t *testing.T) {
	store := NewMemoryStore()
	bus := enrollment.NewBus(testLogger())
	registry := NewRegistry(store, testLogger())
	registry.Start(bus)
	defer registry.Stop()

	record := exchangedRecord()
	bus.Publish(interfaces.EnrollmentEvent{Topic: interfaces.TopicCredentialsExchanged, Record: record})

	record.Status = interfaces.StatusSuspended
	bus.Publish(interfaces.EnrollmentEvent{Topic: interfaces.TopicStatusChanged, Record: record})

	record.Status = interfaces.StatusApproved
	bus.Publish(interfaces.EnrollmentEvent{Topic: interfaces.TopicStatusChanged, Record: record})

	issuer, err := store.GetByIssuerURL(context.Background(), record.RequesterCredentials.OIDCIssuerURL)
	require.NoError(t, err)
	assert.True(t, issuer.Enabled)
}

func TestRegistry_FirstApprovalWithoutCredentialsIgnored(t *testing.T) {
	store := NewMemoryStore()
	bus := enrollment.NewBus(testLogger())
	registry := NewRegistry(store, testLogger())
	registry.Start(bus)
	defer registry.Stop()

	// Approval fires before any credentials exist; nothing should register.
	bus.Publish(interfaces.EnrollmentEvent{
		Topic: interfaces.TopicStatusChanged,
		Record: &interfaces.EnrollmentRecord{
			EnrollmentID:          "enr-2",
			RequesterInstanceCode: "DEU",
			Status:                interfaces.StatusApproved,
		},
	})

	issuers, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issuers)
}

func TestRegistry_StopDetaches(t *testing.T) {
	store := NewMemoryStore()
	bus := enrollment.NewBus(testLogger())
	registry := NewRegistry(store, testLogger())
	registry.Start(bus)
	registry.Stop()

	bus.Publish(interfaces.EnrollmentEvent{
		Topic:  interfaces.TopicCredentialsExchanged,
		Record: exchangedRecord(),
	})

	issuers, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issuers)
}

func TestIssuerFromRecord_TrustLevelCarriedThrough(t *testing.T) {
	record := exchangedRecord()
	record.RequestedTrustLevel = "high"

	issuer := IssuerFromRecord(record)
	assert.Equal(t, "high", issuer.TrustLevel)
}
