package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"charter/internal/config"
	"charter/internal/db"
	"charter/internal/engine"
	"charter/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerWithAuth(t, AuthConfig{AllowLegacyIdentityHeader: true})
}

func newTestServerWithAuth(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("owner-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asIdentity(identity string) map[string]string {
	return map[string]string{"X-Identity": identity}
}

func TestSubmitVoteActivateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/directives", map[string]any{
		"kind":           "solo",
		"objective":      "build a watchtower at spawn",
		"agents_needed":  2,
		"duration_hours": 24,
		"location":       map[string]int{"x": 100, "z": -40},
	}, asIdentity("proposer-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created DirectiveResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal directive: %v", err)
	}
	if created.Status != "open" || created.ID == 0 {
		t.Fatalf("created = %+v", created)
	}

	voteURL := srv.URL + "/v0/directives/" + itoa(created.ID) + "/votes"
	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"support": true}, asIdentity("voter-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first vote status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"support": true}, asIdentity("voter-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second vote status %d: %s", res.StatusCode, string(data))
	}
	var activated DirectiveResponse
	if err := json.Unmarshal(data, &activated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if activated.Status != "active" || activated.YesVotes != 2 {
		t.Fatalf("after threshold: %+v", activated)
	}

	// A repeat vote maps to the conflict envelope.
	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"support": false}, asIdentity("voter-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("repeat vote status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "already_voted" {
		t.Fatalf("error code = %q, want already_voted", envelope.Error.Code)
	}
}

func TestDirectiveNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/directives/999", nil, asIdentity("anyone"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/directives", map[string]any{
		"kind":           "solo",
		"objective":      "no identity",
		"agents_needed":  1,
		"duration_hours": 1,
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestRateLimitEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := map[string]any{
		"kind":           "solo",
		"objective":      "repetitive submission",
		"agents_needed":  1,
		"duration_hours": 24,
	}
	for i := 0; i < 5; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/directives", body, asIdentity("busy"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit %d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/directives", body, asIdentity("busy"))
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-cap status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "rate_limited" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
	for _, key := range []string{"limit", "used", "retry_after"} {
		if _, ok := envelope.Error.Details[key]; !ok {
			t.Fatalf("details missing %q: %v", key, envelope.Error.Details)
		}
	}
}

func TestQuotaEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/directives", map[string]any{
		"kind":           "solo",
		"objective":      "count me",
		"agents_needed":  1,
		"duration_hours": 1,
	}, asIdentity("counter"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/quota", nil, asIdentity("counter"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("quota status %d: %s", res.StatusCode, string(data))
	}
	var quota QuotaResponse
	if err := json.Unmarshal(data, &quota); err != nil {
		t.Fatalf("unmarshal quota: %v", err)
	}
	if quota.SoloUsedToday != 1 || quota.SoloDailyCap != 5 {
		t.Fatalf("quota = %+v", quota)
	}
}

func TestConfigOwnerOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/config", map[string]any{
		"solo_daily_cap": 10,
	}, asIdentity("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger patch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/config", map[string]any{
		"solo_daily_cap": 10,
	}, asIdentity("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner patch status %d: %s", res.StatusCode, string(data))
	}
	var limits LimitsResponse
	if err := json.Unmarshal(data, &limits); err != nil {
		t.Fatalf("unmarshal limits: %v", err)
	}
	if limits.SoloDailyCap != 10 {
		t.Fatalf("solo cap = %d, want 10", limits.SoloDailyCap)
	}
}

func TestBearerAuth(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	claims := jwt.RegisteredClaims{
		Subject:   "agent-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/directives", map[string]any{
		"kind":           "solo",
		"objective":      "authorized by bearer token",
		"agents_needed":  1,
		"duration_hours": 1,
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("bearer submit status %d: %s", res.StatusCode, string(data))
	}
	var created DirectiveResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ProposerID != "agent-7" {
		t.Fatalf("proposer = %q, want subject claim", created.ProposerID)
	}

	// Bad signature is rejected even with the legacy header disabled path.
	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/directives", map[string]any{
		"kind":           "solo",
		"objective":      "forged",
		"agents_needed":  1,
		"duration_hours": 1,
	}, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token status %d: %s", res.StatusCode, string(data))
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
