package keycloak

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeKeycloak emulates the admin endpoints the client touches: the master
// realm token endpoint and the realm clients collection.
type fakeKeycloak struct {
	srv *httptest.Server

	tokenRequests int
	clients       map[string]clientRepresentation
	updates       int

	// hideLookups makes the next N client lookups miss, simulating a
	// concurrent creator racing between lookup and create.
	hideLookups int
}

func newFakeKeycloak(t *testing.T) *fakeKeycloak {
	t.Helper()
	f := &fakeKeycloak{clients: make(map[string]clientRepresentation)}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "hunter2" {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		f.tokenRequests++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-admin-token",
			"expires_in":   300,
		})
	})
	mux.HandleFunc("/admin/realms/dive-v3/clients", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.Header.Get("Authorization") != "Bearer test-admin-token" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			wanted := r.URL.Query().Get("clientId")
			var out []clientRepresentation
			if f.hideLookups > 0 {
				f.hideLookups--
			} else if rep, ok := f.clients[wanted]; ok {
				out = append(out, rep)
			}
			json.NewEncoder(w).Encode(out)
		case http.MethodPost:
			var rep clientRepresentation
			require.NoError(t, json.NewDecoder(r.Body).Decode(&rep))
			if _, exists := f.clients[rep.ClientID]; exists {
				http.Error(w, "exists", http.StatusConflict)
				return
			}
			rep.ID = "uuid-" + rep.ClientID
			f.clients[rep.ClientID] = rep
			w.WriteHeader(http.StatusCreated)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/admin/realms/dive-v3/clients/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var rep clientRepresentation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rep))
		f.clients[rep.ClientID] = rep
		f.updates++
		w.WriteHeader(http.StatusNoContent)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestClient(f *fakeKeycloak) *Client {
	return New(Config{
		BaseURL:       f.srv.URL,
		Realm:         "dive-v3",
		AdminUser:     "admin",
		AdminPassword: "hunter2",
	}, testLogger())
}

func TestEnsureFederationClient_CreatesWhenAbsent(t *testing.T) {
	f := newFakeKeycloak(t)
	c := newTestClient(f)

	err := c.EnsureFederationClient(context.Background(),
		"dive-v3-broker-fra", "secret-1", "https://idp.fra.example", "dive-v3-broker-fra")
	require.NoError(t, err)

	created, ok := f.clients["dive-v3-broker-fra"]
	require.True(t, ok)
	assert.Equal(t, "secret-1", created.Secret)
	assert.True(t, created.Enabled)
	assert.Equal(t, "openid-connect", created.Protocol)
	assert.Equal(t, "https://idp.fra.example", created.Attributes["federation.partner.idpUrl"])
	assert.Equal(t, "dive-v3-broker-fra", created.Attributes["federation.partner.realm"])
}

func TestEnsureFederationClient_Idempotent(t *testing.T) {
	f := newFakeKeycloak(t)
	c := newTestClient(f)
	ctx := context.Background()

	require.NoError(t, c.EnsureFederationClient(ctx,
		"dive-v3-broker-fra", "secret-1", "https://idp.fra.example", "dive-v3-broker-fra"))

	// Second call converges on the new secret instead of failing.
	require.NoError(t, c.EnsureFederationClient(ctx,
		"dive-v3-broker-fra", "secret-2", "https://idp.fra.example", "dive-v3-broker-fra"))

	assert.Equal(t, 1, f.updates)
	assert.Equal(t, "secret-2", f.clients["dive-v3-broker-fra"].Secret)
	assert.Len(t, f.clients, 1)
}

func TestEnsureFederationClient_CreateConflictConvergesOnSecret(t *testing.T) {
	f := newFakeKeycloak(t)
	c := newTestClient(f)

	// A concurrent caller already created the client with its own secret,
	// but our lookup raced ahead of that create and missed it.
	f.clients["dive-v3-broker-fra"] = clientRepresentation{
		ID:       "uuid-dive-v3-broker-fra",
		ClientID: "dive-v3-broker-fra",
		Secret:   "racing-winner-secret",
	}
	f.hideLookups = 1

	err := c.EnsureFederationClient(context.Background(),
		"dive-v3-broker-fra", "our-secret", "https://idp.fra.example", "dive-v3-broker-fra")
	require.NoError(t, err)

	// The conflicting create must be followed by an update to our secret,
	// since ours is the one deposited in the ledger.
	assert.Equal(t, 1, f.updates)
	assert.Equal(t, "our-secret", f.clients["dive-v3-broker-fra"].Secret)
}

func TestEnsureFederationClient_CachesAdminToken(t *testing.T) {
	f := newFakeKeycloak(t)
	c := newTestClient(f)
	ctx := context.Background()

	require.NoError(t, c.EnsureFederationClient(ctx,
		"dive-v3-broker-fra", "s", "https://idp.fra.example", "dive-v3-broker-fra"))
	require.NoError(t, c.EnsureFederationClient(ctx,
		"dive-v3-broker-deu", "s", "https://idp.deu.example", "dive-v3-broker-deu"))

	assert.Equal(t, 1, f.tokenRequests)
}

func TestEnsureFederationClient_AuthFailurePropagates(t *testing.T) {
	f := newFakeKeycloak(t)
	c := New(Config{
		BaseURL:       f.srv.URL,
		Realm:         "dive-v3",
		AdminUser:     "admin",
		AdminPassword: "wrong",
	}, testLogger())

	err := c.EnsureFederationClient(context.Background(),
		"dive-v3-broker-fra", "s", "https://idp.fra.example", "dive-v3-broker-fra")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin token request failed")
}
