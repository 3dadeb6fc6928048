// Package exchange implements the credential-exchange orchestrator: once an
// enrollment is approved, each side provisions an OIDC client for its partner
// through the identity-provider collaborator and deposits the resulting
// credential bundle into the ledger.
package exchange

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/dive-coalition/federation-enrollment-backend/enrollment"
	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// clientSecretBytes is the entropy of a generated client secret. Hex-encoded
// this yields 64 characters.
const clientSecretBytes = 32

// LocalInstance describes the side of the federation this orchestrator
// provisions clients on.
type LocalInstance struct {
	// Code is this instance's code, e.g. "USA".
	Code interfaces.InstanceCode

	// PublicIdPURL is the externally reachable base URL of the local
	// identity provider. Issuer and discovery URLs handed to partners are
	// built from it, never from the partner's URLs.
	PublicIdPURL string
}

// Orchestrator drives credential provisioning for approved enrollments.
type Orchestrator struct {
	ledger *enrollment.Ledger
	idp    interfaces.IdentityProviderClient
	vault  interfaces.TransitEncryptor
	local  LocalInstance
	log    *slog.Logger
}

// NewOrchestrator wires the orchestrator to its ledger and collaborators.
func NewOrchestrator(ledger *enrollment.Ledger, idp interfaces.IdentityProviderClient, vault interfaces.TransitEncryptor, local LocalInstance, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		ledger: ledger,
		idp:    idp,
		vault:  vault,
		local:  local,
		log:    log,
	}
}

// GenerateApproverCredentials provisions the approver-side OIDC client for an
// approved enrollment and deposits the bundle into the ledger.
//
// The client is created on the local realm for the requester instance, with
// the requester's IdP as the federation target. Issuer and discovery URLs in
// the stored bundle point at the local public identity provider. A failure
// from the identity-provider collaborator propagates unmodified and leaves
// the ledger untouched.
func (o *Orchestrator) GenerateApproverCredentials(ctx context.Context, id interfaces.EnrollmentID) (*interfaces.EnrollmentRecord, error) {
	record, err := o.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != interfaces.StatusApproved && record.Status != interfaces.StatusCredentialsExchanged {
		return nil, fmt.Errorf("%w: expected approved, got %s", interfaces.ErrWrongStatus, record.Status)
	}

	clientID := record.RequesterInstanceCode.BrokerClientID()
	secret, err := generateClientSecret()
	if err != nil {
		return nil, err
	}

	partnerRealm := record.RequesterInstanceCode.BrokerRealm()
	if err := o.idp.EnsureFederationClient(ctx, clientID, secret, record.IdPBaseURL, partnerRealm); err != nil {
		return nil, err
	}

	creds := &interfaces.FederationCredentials{
		OIDCClientID:     clientID,
		OIDCClientSecret: secret,
		OIDCIssuerURL:    o.localIssuerURL(),
		OIDCDiscoveryURL: o.localDiscoveryURL(),
	}

	sealed, encrypted := o.vault.EncryptCredentials(ctx, creds)
	if !encrypted {
		o.log.Warn("Storing approver client secret without envelope encryption",
			slog.String("enrollmentId", id.String()))
	}

	updated, err := o.ledger.StoreApproverCredentials(ctx, id, sealed)
	if err != nil {
		return nil, err
	}

	o.log.Info("Approver credentials provisioned",
		slog.String("enrollmentId", id.String()),
		slog.String("clientId", clientID),
		slog.String("status", updated.Status.String()))
	return updated, nil
}

// GenerateLocalClient provisions an OIDC client for a federation partner on
// the local realm and returns the credential bundle. It writes nothing to the
// ledger; the caller decides persistence. Used standalone by the spoke agent
// and by the administrative create-client endpoint.
func (o *Orchestrator) GenerateLocalClient(ctx context.Context, partnerInstanceCode, partnerIdpURL, partnerRealm string) (*interfaces.FederationCredentials, error) {
	partner, err := interfaces.NewInstanceCode(partnerInstanceCode)
	if err != nil {
		return nil, err
	}
	if _, err := url.ParseRequestURI(partnerIdpURL); err != nil {
		return nil, fmt.Errorf("invalid partner IdP URL: %w", err)
	}
	if strings.TrimSpace(partnerRealm) == "" {
		return nil, fmt.Errorf("partner realm missing")
	}

	clientID := partner.BrokerClientID()
	secret, err := generateClientSecret()
	if err != nil {
		return nil, err
	}

	if err := o.idp.EnsureFederationClient(ctx, clientID, secret, partnerIdpURL, partnerRealm); err != nil {
		return nil, err
	}

	o.log.Info("Local federation client provisioned",
		slog.String("clientId", clientID),
		slog.String("partnerRealm", partnerRealm))

	return &interfaces.FederationCredentials{
		OIDCClientID:     clientID,
		OIDCClientSecret: secret,
		OIDCIssuerURL:    o.localIssuerURL(),
		OIDCDiscoveryURL: o.localDiscoveryURL(),
	}, nil
}

func (o *Orchestrator) localIssuerURL() string {
	return fmt.Sprintf("%s/realms/%s",
		strings.TrimSuffix(o.local.PublicIdPURL, "/"), o.local.Code.BrokerRealm())
}

func (o *Orchestrator) localDiscoveryURL() string {
	return o.localIssuerURL() + "/.well-known/openid-configuration"
}

// generateClientSecret returns 32 random bytes hex-encoded (64 characters).
func generateClientSecret() (string, error) {
	buf := make([]byte, clientSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
