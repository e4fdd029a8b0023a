package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/codec"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, tokenURI string, clients int) {
	t.Helper()

	remote := make([]string, 0, clients)
	for i := 0; i < clients; i++ {
		clientID := "foo"
		if i > 0 {
			clientID = fmt.Sprintf("foo-%d", i)
		}
		remote = append(remote, fmt.Sprintf(`{
			"clientId": %q,
			"tokenUri": %q,
			"clientSecret": "shh",
			"redirectBackHosts": ["https://app.example.com"]
		}`, clientID, tokenURI))
	}

	raw := fmt.Sprintf(`{"local": {"configSamplePeriod": 1}, "remote": [%s]}`, strings.Join(remote, ","))
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
}

func newTokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()

	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if r.PostForm.Get("client_secret") != "shh" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"bearer-token","expires_in":3600}`))
	}))
	t.Cleanup(endpoint.Close)
	return endpoint
}

func newRelay(t *testing.T, cfg *types.Config) *Relay {
	t.Helper()

	r, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Logf("Error closing relay: %v", err)
		}
	})
	return r
}

func getHealth(t *testing.T, handler http.Handler) types.HealthStatus {
	t.Helper()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status types.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	return status
}

func TestNewRequiresLoadableConfig(t *testing.T) {
	dir := t.TempDir()

	_, err := New(context.Background(), &types.Config{}, nil)
	assert.Error(t, err)

	_, err = New(context.Background(), &types.Config{ConfigFile: filepath.Join(dir, "missing.json")}, nil)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte("{not json"), 0o600))
	_, err = New(context.Background(), &types.Config{ConfigFile: invalid}, nil)
	assert.Error(t, err)

	valid := filepath.Join(dir, "config.json")
	writeConfig(t, valid, "https://api.example.com/token", 1)
	_, err = New(context.Background(), &types.Config{ConfigFile: valid, CallbackPath: "cb"}, nil)
	assert.Error(t, err)
}

func TestRelayFlow(t *testing.T) {
	endpoint := newTokenEndpoint(t)
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.json")
	writeConfig(t, configFile, endpoint.URL, 1)

	r := newRelay(t, &types.Config{
		ConfigFile:  configFile,
		DatabaseDSN: filepath.Join(dir, "audit.db"),
	})
	handler := r.GetHandler()

	assert.Equal(t, types.HealthStatus{Status: "ok", Clients: 1}, getHealth(t, handler))
	assert.Equal(t, types.DefaultHTTPPort, r.Local().HTTPPort)

	clientState := "xyz"
	state, err := codec.EncodeState(types.RedirectState{
		ClientID:        "foo",
		TokenURI:        endpoint.URL,
		RedirectURI:     "https://relay.example.com/",
		RedirectBackURI: "https://app.example.com",
		State:           &clientState,
	})
	require.NoError(t, err)

	t.Run("Callback", func(t *testing.T) {
		w := httptest.NewRecorder()
		query := url.Values{"code": {"ABC123"}, "state": {state}}
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?"+query.Encode(), nil))

		require.Equal(t, http.StatusFound, w.Code)
		target, fragment, _ := strings.Cut(w.Header().Get("Location"), "#")
		assert.Equal(t, "https://app.example.com", target)

		token, err := codec.DecodeTokenSuccess(fragment)
		require.NoError(t, err)
		assert.Equal(t, "Bearer bearer-token", token.Token.String())

		records, err := r.db.ListExchanges("foo", 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, types.OutcomeSuccess, records[0].Outcome)
	})

	t.Run("MissingCode", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?state=abc", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("OtherPathsAreNotFound", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("PostIsNotAllowed", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestCustomCallbackPath(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, configFile, "https://api.example.com/token", 1)

	handler := newRelay(t, &types.Config{ConfigFile: configFile, CallbackPath: "/oauth/callback"}).GetHandler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/callback", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigReloadIsPickedUp(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, configFile, "https://api.example.com/token", 1)

	r := newRelay(t, &types.Config{ConfigFile: configFile})
	handler := r.GetHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	writeConfig(t, configFile, "https://api.example.com/token", 3)

	assert.Eventually(t, func() bool {
		return getHealth(t, handler).Clients == 3
	}, 5*time.Second, 50*time.Millisecond)

	// a broken file keeps the last good configuration
	require.NoError(t, os.WriteFile(configFile, []byte("{broken"), 0o600))
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 3, getHealth(t, handler).Clients)
}

func TestCloseStopsBackgroundWork(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.json")
	writeConfig(t, configFile, "https://api.example.com/token", 1)

	before := runtime.NumGoroutine()

	for i := 0; i < 10; i++ {
		r, err := New(context.Background(), &types.Config{
			ConfigFile:  configFile,
			DatabaseDSN: filepath.Join(dir, fmt.Sprintf("audit-%d.db", i)),
		}, nil)
		require.NoError(t, err)
		require.NoError(t, r.Start(context.Background()))
		require.NoError(t, r.Close())
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCallbackPattern(t *testing.T) {
	assert.Equal(t, "/{$}", callbackPattern("/"))
	assert.Equal(t, "/oauth/{$}", callbackPattern("/oauth/"))
	assert.Equal(t, "/oauth/callback", callbackPattern("/oauth/callback"))
}
