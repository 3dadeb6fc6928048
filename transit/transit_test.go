package transit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVault is a minimal transit mount: encrypt base64-reverses the
// plaintext into a vault:v1: token, decrypt inverts it.
func fakeVault(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "/transit/encrypt/"):
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"ciphertext": "vault:v1:" + body["plaintext"]},
			})
		case strings.Contains(r.URL.Path, "/transit/decrypt/"):
			encoded := strings.TrimPrefix(body["ciphertext"], "vault:v1:")
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"plaintext": encoded},
			})
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
}

func newConfiguredClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := New(Config{Endpoint: endpoint, Token: "test-token"}, testLogger())
	require.NoError(t, err)
	require.True(t, c.IsConfigured())
	return c
}

func newUnconfiguredClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{}, testLogger())
	require.NoError(t, err)
	require.False(t, c.IsConfigured())
	return c
}

func TestIsEncrypted(t *testing.T) {
	c := newUnconfiguredClient(t)

	assert.True(t, c.IsEncrypted("vault:v1:abcdef"))
	assert.True(t, c.IsEncrypted("vault:v12:abcdef"))
	assert.False(t, c.IsEncrypted("plaintext-secret"))
	assert.False(t, c.IsEncrypted("vault:vX:abcdef"))
	assert.False(t, c.IsEncrypted(""))
}

func TestEncrypt_UnconfiguredFallsBackToPlaintext(t *testing.T) {
	c := newUnconfiguredClient(t)

	value, encrypted := c.Encrypt(context.Background(), "my-secret")
	assert.False(t, encrypted)
	assert.Equal(t, "my-secret", value)
}

func TestEncrypt_RemoteFailureFallsBackToPlaintext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sealed", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newConfiguredClient(t, srv.URL)
	value, encrypted := c.Encrypt(context.Background(), "my-secret")
	assert.False(t, encrypted)
	assert.Equal(t, "my-secret", value)
}

func TestEncrypt_EmptyVaultResponseFallsBackToPlaintext(t *testing.T) {
	// The vault api client returns (nil, nil) for a bodyless 204.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newConfiguredClient(t, srv.URL)
	value, encrypted := c.Encrypt(context.Background(), "my-secret")
	assert.False(t, encrypted)
	assert.Equal(t, "my-secret", value)
}

func TestDecrypt_EmptyVaultResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newConfiguredClient(t, srv.URL)
	_, err := c.Decrypt(context.Background(), "vault:v1:abcdef")
	assert.ErrorIs(t, err, interfaces.ErrTransitDecryptFailed)
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	srv := fakeVault(t)
	defer srv.Close()

	c := newConfiguredClient(t, srv.URL)

	ciphertext, encrypted := c.Encrypt(context.Background(), "my-secret")
	require.True(t, encrypted)
	assert.True(t, c.IsEncrypted(ciphertext))
	assert.Equal(t, "vault:v1:"+base64.StdEncoding.EncodeToString([]byte("my-secret")), ciphertext)

	plaintext, err := c.Decrypt(context.Background(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "my-secret", plaintext)
}

func TestDecrypt_PlaintextPassesThrough(t *testing.T) {
	c := newUnconfiguredClient(t)

	out, err := c.Decrypt(context.Background(), "legacy-plaintext-secret")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext-secret", out)
}

func TestDecrypt_CiphertextWithoutConfigFailsHard(t *testing.T) {
	c := newUnconfiguredClient(t)

	_, err := c.Decrypt(context.Background(), "vault:v1:abcdef")
	assert.ErrorIs(t, err, interfaces.ErrTransitNotConfigured)
}

func TestDecrypt_RemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "permission denied", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newConfiguredClient(t, srv.URL)
	_, err := c.Decrypt(context.Background(), "vault:v1:abcdef")
	assert.ErrorIs(t, err, interfaces.ErrTransitDecryptFailed)
}

func TestEncryptCredentials_OnlyTouchesSecret(t *testing.T) {
	srv := fakeVault(t)
	defer srv.Close()

	c := newConfiguredClient(t, srv.URL)
	creds := &interfaces.FederationCredentials{
		OIDCClientID:     "dive-v3-broker-fra",
		OIDCClientSecret: "super-secret",
		OIDCIssuerURL:    "https://idp.usa.example/realms/dive-v3-broker-usa",
		OIDCDiscoveryURL: "https://idp.usa.example/realms/dive-v3-broker-usa/.well-known/openid-configuration",
	}

	sealed, encrypted := c.EncryptCredentials(context.Background(), creds)
	require.True(t, encrypted)
	assert.True(t, c.IsEncrypted(sealed.OIDCClientSecret))
	assert.Equal(t, creds.OIDCClientID, sealed.OIDCClientID)
	assert.Equal(t, creds.OIDCIssuerURL, sealed.OIDCIssuerURL)
	assert.Equal(t, creds.OIDCDiscoveryURL, sealed.OIDCDiscoveryURL)

	// Original untouched
	assert.Equal(t, "super-secret", creds.OIDCClientSecret)

	opened, err := c.DecryptCredentials(context.Background(), sealed)
	require.NoError(t, err)
	assert.Equal(t, "super-secret", opened.OIDCClientSecret)
}

func TestEncryptCredentials_Idempotent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"ciphertext": "vault:v1:Zmlyc3Q="},
		})
	}))
	defer srv.Close()

	c := newConfiguredClient(t, srv.URL)
	creds := &interfaces.FederationCredentials{
		OIDCClientID:     "dive-v3-broker-fra",
		OIDCClientSecret: "plain",
		OIDCIssuerURL:    "https://idp.example",
	}

	sealed, encrypted := c.EncryptCredentials(context.Background(), creds)
	require.True(t, encrypted)
	assert.Equal(t, 1, calls)

	// Re-encrypting the already-wrapped bundle must not hit the server again.
	resealed, encrypted := c.EncryptCredentials(context.Background(), sealed)
	assert.False(t, encrypted)
	assert.Equal(t, sealed.OIDCClientSecret, resealed.OIDCClientSecret)
	assert.Equal(t, 1, calls)
}

func TestCredentials_NilSafe(t *testing.T) {
	c := newUnconfiguredClient(t)

	sealed, encrypted := c.EncryptCredentials(context.Background(), nil)
	assert.Nil(t, sealed)
	assert.False(t, encrypted)

	opened, err := c.DecryptCredentials(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, opened)
}
