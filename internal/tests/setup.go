package tests

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/numio/server/internal/auth"
	httpapi "github.com/numio/server/internal/http"
	"github.com/numio/server/internal/http/handlers"
	"github.com/numio/server/internal/repo"
	"github.com/numio/server/internal/store"
)

// otpMaxPerWindow is deliberately small so the window limit is reachable in a
// test without dozens of requests.
const otpMaxPerWindow = 3

type testServer struct {
	Server *httptest.Server
	Svc    *auth.Service
}

// newTestServer wires the full stack against a state file in a temp dir, with
// dev mode on so responses surface the verification token and plaintext OTP.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	users := repo.NewUserRepo(st)
	sessions := repo.NewSessionRepo(st)
	emailTokens := repo.NewEmailTokenRepo(st)
	otps := repo.NewOtpRepo(st)

	hasher := auth.NewPBKDF2Hasher()
	codec := auth.NewTokenCodec("integration-test-secret", 15*time.Minute)
	engine := auth.NewOtpEngine(otps, hasher, auth.OtpConfig{
		Length:       6,
		TTL:          5 * time.Minute,
		MaxAttempts:  5,
		SendCooldown: 0,
		Window:       10 * time.Minute,
		MaxPerWindow: otpMaxPerWindow,
	}, logger)
	svc := auth.NewService(users, sessions, emailTokens, engine, hasher, codec, time.Hour, logger)

	handler := handlers.NewAuthHandler(svc, logger, true)
	router := httpapi.NewRouter(handler, svc, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, Svc: svc}
}

func (ts *testServer) BaseURL() string { return ts.Server.URL }

// postJSON posts a JSON body and decodes the JSON response into out (when out
// is non-nil), returning the status code.
func postJSON(t *testing.T, client *http.Client, url string, body any, out any) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := client.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// getAuthed issues a GET with a bearer token.
func getAuthed(t *testing.T, client *http.Client, url, accessToken string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
