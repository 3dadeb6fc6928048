// Package keycloak implements the identity-provider collaborator: ensuring
// OIDC broker clients exist on the local realm for federation partners. It
// speaks the Keycloak admin REST API and owns an explicit admin token cache
// with expiry; there is no process-wide token singleton.
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenRefreshBuffer is subtracted from the token lifetime so a cached token
// is refreshed before it actually expires mid-request.
const tokenRefreshBuffer = 30 * time.Second

// TokenCache holds an admin access token and its expiry. It is owned by the
// client that created it and may be shared by reference between clients
// targeting the same Keycloak.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{}
}

// get returns the cached token if it is still valid.
func (tc *TokenCache) get(now time.Time) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.token == "" || now.After(tc.expiresAt) {
		return "", false
	}
	return tc.token, true
}

// put stores a token with its lifetime, minus the refresh buffer.
func (tc *TokenCache) put(token string, lifetime time.Duration, now time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.token = token
	tc.expiresAt = now.Add(lifetime - tokenRefreshBuffer)
}

// Config holds the Keycloak admin connection settings.
type Config struct {
	// BaseURL is the Keycloak server address, e.g. https://keycloak.local:8443.
	BaseURL string

	// Realm is the local realm federation clients are created in.
	Realm string

	// AdminUser and AdminPassword authenticate against the master realm's
	// admin-cli client.
	AdminUser     string
	AdminPassword string

	// CallTimeout bounds each admin API call. Defaults to 10s.
	CallTimeout time.Duration
}

// Client is a Keycloak admin API client implementing
// interfaces.IdentityProviderClient.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *TokenCache
	log        *slog.Logger
}

// New creates a Keycloak admin client with its own token cache.
func New(cfg Config, log *slog.Logger) *Client {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		tokens:     NewTokenCache(),
		log:        log,
	}
}

// errClientExists marks a create that lost to a concurrent caller.
var errClientExists = errors.New("client already exists")

// clientRepresentation is the subset of Keycloak's client representation
// this service reads and writes.
type clientRepresentation struct {
	ID                     string            `json:"id,omitempty"`
	ClientID               string            `json:"clientId"`
	Secret                 string            `json:"secret,omitempty"`
	Enabled                bool              `json:"enabled"`
	Protocol               string            `json:"protocol"`
	StandardFlowEnabled    bool              `json:"standardFlowEnabled"`
	ServiceAccountsEnabled bool              `json:"serviceAccountsEnabled"`
	Attributes             map[string]string `json:"attributes,omitempty"`
}

// EnsureFederationClient makes sure an OIDC client with the given id and
// secret exists on the local realm, annotated with the partner's IdP URL and
// realm as the federation target. The operation is idempotent: an existing
// client is updated in place, so repeated calls with the same clientID
// converge rather than fail.
func (c *Client) EnsureFederationClient(ctx context.Context, clientID, clientSecret, partnerIdpURL, partnerRealm string) error {
	token, err := c.adminToken(ctx)
	if err != nil {
		return err
	}

	existing, err := c.findClient(ctx, token, clientID)
	if err != nil {
		return err
	}

	representation := clientRepresentation{
		ClientID:               clientID,
		Secret:                 clientSecret,
		Enabled:                true,
		Protocol:               "openid-connect",
		StandardFlowEnabled:    true,
		ServiceAccountsEnabled: true,
		Attributes: map[string]string{
			"federation.partner.idpUrl": partnerIdpURL,
			"federation.partner.realm":  partnerRealm,
		},
	}

	if existing == nil {
		switch err := c.createClient(ctx, token, representation); {
		case errors.Is(err, errClientExists):
			// A concurrent caller created the client between our lookup and
			// the create. Converge on this secret through the update path.
			existing, err = c.findClient(ctx, token, clientID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("client %s conflicted on create but is absent on lookup", clientID)
			}
		case err != nil:
			return err
		default:
			c.log.Info("Created federation client",
				slog.String("clientId", clientID),
				slog.String("partnerRealm", partnerRealm))
			return nil
		}
	}

	representation.ID = existing.ID
	if err := c.updateClient(ctx, token, representation); err != nil {
		return err
	}
	c.log.Info("Updated federation client",
		slog.String("clientId", clientID),
		slog.String("partnerRealm", partnerRealm))
	return nil
}

// adminToken returns a cached admin token, acquiring a fresh one from the
// master realm when the cache is empty or expired.
func (c *Client) adminToken(ctx context.Context) (string, error) {
	now := time.Now()
	if token, ok := c.tokens.get(now); ok {
		return token, nil
	}

	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {"admin-cli"},
		"username":   {c.cfg.AdminUser},
		"password":   {c.cfg.AdminPassword},
	}

	tokenURL := fmt.Sprintf("%s/realms/master/protocol/openid-connect/token", strings.TrimSuffix(c.cfg.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("admin token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("admin token request failed with code %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	c.tokens.put(result.AccessToken, time.Duration(result.ExpiresIn)*time.Second, now)
	return result.AccessToken, nil
}

// findClient looks up a client by clientId, returning nil when absent.
func (c *Client) findClient(ctx context.Context, token, clientID string) (*clientRepresentation, error) {
	lookupURL := fmt.Sprintf("%s/admin/realms/%s/clients?clientId=%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.Realm, url.QueryEscape(clientID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("client lookup failed with code %d: %s", resp.StatusCode, string(body))
	}

	var clients []clientRepresentation
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		return nil, fmt.Errorf("failed to parse client lookup response: %w", err)
	}

	for i := range clients {
		if clients[i].ClientID == clientID {
			return &clients[i], nil
		}
	}
	return nil, nil
}

func (c *Client) createClient(ctx context.Context, token string, rep clientRepresentation) error {
	createURL := fmt.Sprintf("%s/admin/realms/%s/clients",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.Realm)
	return c.sendClient(ctx, http.MethodPost, createURL, token, rep, http.StatusCreated)
}

func (c *Client) updateClient(ctx context.Context, token string, rep clientRepresentation) error {
	updateURL := fmt.Sprintf("%s/admin/realms/%s/clients/%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.Realm, rep.ID)
	return c.sendClient(ctx, http.MethodPut, updateURL, token, rep, http.StatusNoContent)
}

func (c *Client) sendClient(ctx context.Context, method, endpoint, token string, rep clientRepresentation, wantStatus int) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal client representation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client %s request failed: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	if method == http.MethodPost && resp.StatusCode == http.StatusConflict {
		return errClientExists
	}

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("client %s request failed with code %d: %s", strings.ToLower(method), resp.StatusCode, string(body))
	}
	return nil
}
