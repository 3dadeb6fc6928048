// Package transit envelope-encrypts secret strings through a HashiCorp Vault
// transit mount. Encryption at rest is a defense-in-depth layer here, not the
// primary access control, which shapes the error contract: Encrypt degrades
// to plaintext when the service is unreachable, while Decrypt of recognized
// ciphertext fails hard rather than returning garbage.
package transit

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
	"github.com/dive-coalition/federation-enrollment-backend/metrics"
)

// DefaultKeyName is the transit key used for federation credential secrets.
const DefaultKeyName = "federation-credentials"

// DefaultCallTimeout bounds each remote transit call so a hung Vault cannot
// block callers' control loops.
const DefaultCallTimeout = 5 * time.Second

// ciphertextRegex recognizes the versioned vault envelope format, e.g.
// "vault:v1:abc...". Anything else is treated as plaintext.
var ciphertextRegex = regexp.MustCompile(`^vault:v\d+:`)

// Config holds the transit connection settings. Endpoint and Token must both
// be present for the client to be considered configured.
type Config struct {
	// Endpoint is the Vault server address, e.g. https://vault.example.com:8200.
	Endpoint string

	// Token is the Vault access token sent with every call.
	Token string

	// KeyName is the transit key name. Defaults to DefaultKeyName.
	KeyName string

	// CallTimeout bounds each remote call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration
}

// Client implements interfaces.TransitEncryptor against a Vault transit
// mount. An unconfigured Client is valid and behaves as a plaintext
// pass-through for Encrypt.
type Client struct {
	client      *api.Client
	keyName     string
	callTimeout time.Duration
	log         *slog.Logger
}

// New creates a transit client. When endpoint or token is missing, the
// returned client reports IsConfigured false and never performs remote
// calls; this is not an error.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	c := &Client{
		keyName:     cfg.KeyName,
		callTimeout: cfg.CallTimeout,
		log:         log,
	}
	if c.keyName == "" {
		c.keyName = DefaultKeyName
	}
	if c.callTimeout == 0 {
		c.callTimeout = DefaultCallTimeout
	}

	if cfg.Endpoint == "" || cfg.Token == "" {
		log.Info("Transit encryption not configured, secrets will be stored as plaintext")
		return c, nil
	}

	vaultCfg := api.DefaultConfig()
	vaultCfg.Address = cfg.Endpoint
	vaultCfg.HttpClient = &http.Client{Timeout: c.callTimeout}

	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transit client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.client = client
	return c, nil
}

// IsConfigured reports whether remote transit operations are possible.
func (c *Client) IsConfigured() bool {
	return c.client != nil
}

// IsEncrypted reports whether value carries the versioned envelope prefix.
func (c *Client) IsEncrypted(value string) bool {
	return ciphertextRegex.MatchString(value)
}

// Encrypt wraps plaintext via the transit mount. Never fails: when transit
// is unconfigured or the remote call errors, the plaintext is returned with
// encrypted=false and the failure is logged.
func (c *Client) Encrypt(ctx context.Context, plaintext string) (string, bool) {
	if !c.IsConfigured() {
		return plaintext, false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	path := "transit/encrypt/" + c.keyName
	secret, err := c.client.Logical().WriteWithContext(callCtx, path, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString([]byte(plaintext)),
	})
	if err != nil {
		metrics.TransitFallbacks.Inc()
		c.log.Warn("Transit encrypt failed, falling back to plaintext",
			slog.String("path", path), "err", err)
		return plaintext, false
	}
	// Vault answers 204 with no body for some misconfigurations; the api
	// client then returns a nil secret rather than an error.
	if secret == nil || secret.Data == nil {
		metrics.TransitFallbacks.Inc()
		c.log.Warn("Transit encrypt returned empty response, falling back to plaintext",
			slog.String("path", path))
		return plaintext, false
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok || !c.IsEncrypted(ciphertext) {
		metrics.TransitFallbacks.Inc()
		c.log.Warn("Transit encrypt returned unexpected response, falling back to plaintext",
			slog.String("path", path))
		return plaintext, false
	}

	return ciphertext, true
}

// Decrypt unwraps value. Plaintext (anything without the envelope prefix)
// passes through unchanged so legacy unencrypted data keeps working.
// Recognized ciphertext fails hard when transit is unconfigured or the
// remote call fails.
func (c *Client) Decrypt(ctx context.Context, value string) (string, error) {
	if !c.IsEncrypted(value) {
		return value, nil
	}

	if !c.IsConfigured() {
		return "", interfaces.ErrTransitNotConfigured
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	path := "transit/decrypt/" + c.keyName
	secret, err := c.client.Logical().WriteWithContext(callCtx, path, map[string]interface{}{
		"ciphertext": value,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrTransitDecryptFailed, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: empty response", interfaces.ErrTransitDecryptFailed)
	}

	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		return "", fmt.Errorf("%w: missing plaintext in response", interfaces.ErrTransitDecryptFailed)
	}

	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrTransitDecryptFailed, err)
	}

	return string(plaintext), nil
}

// EncryptCredentials wraps only the client secret, leaving all other fields
// untouched. An already-wrapped secret is detected via IsEncrypted and left
// as is without a remote call, making repeated application a no-op.
func (c *Client) EncryptCredentials(ctx context.Context, creds *interfaces.FederationCredentials) (*interfaces.FederationCredentials, bool) {
	if creds == nil {
		return nil, false
	}

	out := creds.Clone()
	if out.OIDCClientSecret == "" || c.IsEncrypted(out.OIDCClientSecret) {
		return out, false
	}

	value, encrypted := c.Encrypt(ctx, out.OIDCClientSecret)
	out.OIDCClientSecret = value
	return out, encrypted
}

// DecryptCredentials unwraps the client secret, leaving all other fields
// untouched. Plaintext secrets pass through; ciphertext failures propagate.
func (c *Client) DecryptCredentials(ctx context.Context, creds *interfaces.FederationCredentials) (*interfaces.FederationCredentials, error) {
	if creds == nil {
		return nil, nil
	}

	out := creds.Clone()
	if out.OIDCClientSecret == "" {
		return out, nil
	}

	plaintext, err := c.Decrypt(ctx, out.OIDCClientSecret)
	if err != nil {
		return nil, err
	}
	out.OIDCClientSecret = plaintext
	return out, nil
}
