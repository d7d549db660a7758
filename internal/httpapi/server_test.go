package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harborworks/ledgerlink/internal/coordinator"
	"github.com/harborworks/ledgerlink/internal/projectsync"
)

const testSecret = "test-secret"

func signToken(t *testing.T, userID, scope string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"scope":   scope,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type fakeTokens struct {
	cred coordinator.Credential
	err  error
}

func (f *fakeTokens) EnsureValid(ctx context.Context, userID string) (coordinator.Credential, error) {
	return f.cred, f.err
}

type fakeDirectory struct {
	tenants  []coordinator.Tenant
	selected string
	selErr   error
	setCalls []string
}

func (f *fakeDirectory) Tenants(ctx context.Context, userID string) ([]coordinator.Tenant, error) {
	if f.tenants == nil {
		return nil, coordinator.ErrNotFound
	}
	return f.tenants, nil
}

func (f *fakeDirectory) SelectedTenant(ctx context.Context, userID string) (string, error) {
	if f.selErr != nil {
		return "", f.selErr
	}
	if f.selected == "" {
		return "", coordinator.ErrNotFound
	}
	return f.selected, nil
}

func (f *fakeDirectory) SetSelectedTenant(ctx context.Context, userID, tenantID string) error {
	f.setCalls = append(f.setCalls, userID+":"+tenantID)
	return nil
}

type fakeSyncService struct {
	result projectsync.SyncRunResult
	err    error
	events []projectsync.ProgressEvent
}

func (f *fakeSyncService) SyncCollection(ctx context.Context, tenantID, userID string) (projectsync.SyncRunResult, error) {
	return f.SyncCollectionWithProgress(ctx, tenantID, userID, nil)
}

func (f *fakeSyncService) SyncCollectionWithProgress(ctx context.Context, tenantID, userID string, progress func(projectsync.ProgressEvent)) (projectsync.SyncRunResult, error) {
	if progress != nil {
		for _, event := range f.events {
			progress(event)
		}
	}
	return f.result, f.err
}

type fakeVerifyService struct {
	mismatches []projectsync.Mismatch
	err        error
	lastLimit  int
}

func (f *fakeVerifyService) Verify(ctx context.Context, tenantID, userID, remoteID string) ([]projectsync.Mismatch, error) {
	return f.mismatches, f.err
}

func (f *fakeVerifyService) VerifyAll(ctx context.Context, tenantID, userID string, limit int) ([]projectsync.Mismatch, error) {
	f.lastLimit = limit
	return f.mismatches, f.err
}

type serverFixture struct {
	tokens    *fakeTokens
	directory *fakeDirectory
	syncer    *fakeSyncService
	verifier  *fakeVerifyService
	server    *Server
}

func newFixture(cfg ServerConfig) *serverFixture {
	f := &serverFixture{
		tokens:    &fakeTokens{cred: coordinator.Credential{AccessToken: "live"}},
		directory: &fakeDirectory{},
		syncer:    &fakeSyncService{},
		verifier:  &fakeVerifyService{},
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	f.server = NewServer(f.tokens, f.directory, f.syncer, f.verifier, cfg)
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	f := newFixture(ServerConfig{})
	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	f := newFixture(ServerConfig{})
	rec := f.do(t, http.MethodPost, "/v1/token/ensure", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWrongSignatureRejected(t *testing.T) {
	f := newFixture(ServerConfig{})
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
		"scope":   "token:read",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec := f.do(t, http.MethodPost, "/v1/token/ensure", forged)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMissingScopeRejected(t *testing.T) {
	f := newFixture(ServerConfig{})
	rec := f.do(t, http.MethodPost, "/v1/token/ensure", signToken(t, "u1", "sync:read"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if !strings.Contains(body["message"], "token:read") {
		t.Fatalf("message does not name the missing scope: %+v", body)
	}
}

func TestTokenEnsureResponseShape(t *testing.T) {
	f := newFixture(ServerConfig{})
	f.directory.selected = "t1"
	f.directory.tenants = []coordinator.Tenant{{TenantID: "t1", TenantName: "Acme"}}

	rec := f.do(t, http.MethodPost, "/v1/token/ensure", signToken(t, "u1", "token:read"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		AccessToken      string               `json:"accessToken"`
		TenantID         string               `json:"tenantId"`
		AvailableTenants []coordinator.Tenant `json:"availableTenants"`
	}
	decodeBody(t, rec, &body)
	if body.AccessToken != "live" || body.TenantID != "t1" || len(body.AvailableTenants) != 1 {
		t.Fatalf("unexpected response: %+v", body)
	}
}

func TestTokenEnsureReauthenticationShape(t *testing.T) {
	f := newFixture(ServerConfig{})
	f.tokens.err = coordinator.ErrRefreshFailed

	rec := f.do(t, http.MethodPost, "/v1/token/ensure", signToken(t, "u1", "token:read"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["code"] != "reauthentication_required" || body["action"] != "reauthenticate" {
		t.Fatalf("unexpected error shape: %+v", body)
	}
}

func TestTokenEnsureStoreOutageMapsTo503(t *testing.T) {
	f := newFixture(ServerConfig{})
	f.tokens.err = coordinator.ErrStoreUnavailable

	rec := f.do(t, http.MethodPost, "/v1/token/ensure", signToken(t, "u1", "token:read"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["action"] != "retry" {
		t.Fatalf("unexpected error shape: %+v", body)
	}
}

func TestTenantsListEmptyWhenUnknown(t *testing.T) {
	f := newFixture(ServerConfig{})
	rec := f.do(t, http.MethodGet, "/v1/tenants", signToken(t, "u1", "token:read"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Tenants []coordinator.Tenant `json:"tenants"`
	}
	decodeBody(t, rec, &body)
	if body.Tenants == nil || len(body.Tenants) != 0 {
		t.Fatalf("expected empty tenant array, got %+v", body)
	}
}

func TestTenantSelect(t *testing.T) {
	f := newFixture(ServerConfig{})
	rec := f.do(t, http.MethodPost, "/v1/tenants/t9/select", signToken(t, "u1", "tenants:write"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.directory.setCalls) != 1 || f.directory.setCalls[0] != "u1:t9" {
		t.Fatalf("selection not recorded: %+v", f.directory.setCalls)
	}
}

func TestSyncEndpointReturnsRunResult(t *testing.T) {
	f := newFixture(ServerConfig{})
	f.syncer.result = projectsync.SyncRunResult{RunID: "run-1", Pages: 3, Succeeded: 250}

	rec := f.do(t, http.MethodPost, "/v1/tenants/t1/sync", signToken(t, "u1", "sync:trigger"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body projectsync.SyncRunResult
	decodeBody(t, rec, &body)
	if body.RunID != "run-1" || body.Pages != 3 || body.Succeeded != 250 {
		t.Fatalf("unexpected result: %+v", body)
	}
}

func TestSyncEndpointMapsProviderError(t *testing.T) {
	f := newFixture(ServerConfig{})
	f.syncer.err = &coordinator.APIError{StatusCode: 500, Message: "upstream exploded"}

	rec := f.do(t, http.MethodPost, "/v1/tenants/t1/sync", signToken(t, "u1", "sync:trigger"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestVerifyNotFound(t *testing.T) {
	f := newFixture(ServerConfig{})
	f.verifier.err = projectsync.ErrRecordNotFound

	rec := f.do(t, http.MethodGet, "/v1/tenants/t1/verify?remoteId=ghost", signToken(t, "u1", "sync:read"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestVerifySummaryAndLimit(t *testing.T) {
	f := newFixture(ServerConfig{VerifyLimit: 50})
	f.verifier.mismatches = []projectsync.Mismatch{{RemoteID: "p1", Field: "rate.value"}}

	rec := f.do(t, http.MethodGet, "/v1/tenants/t1/verify?limit=7", signToken(t, "u1", "sync:read"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if f.verifier.lastLimit != 7 {
		t.Fatalf("limit = %d, want 7", f.verifier.lastLimit)
	}
	var body struct {
		Mismatches []projectsync.Mismatch `json:"mismatches"`
		Summary    struct {
			RecordsChecked int `json:"recordsChecked"`
			MismatchCount  int `json:"mismatchCount"`
		} `json:"summary"`
	}
	decodeBody(t, rec, &body)
	if body.Summary.MismatchCount != 1 || len(body.Mismatches) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestInboundRateLimit(t *testing.T) {
	f := newFixture(ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := signToken(t, "u1", "token:read")

	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodGet, "/v1/tenants", token); rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i+1, rec.Code)
		}
	}
	rec := f.do(t, http.MethodGet, "/v1/tenants", token)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	// A different user has an independent window.
	other := signToken(t, "u2", "token:read")
	if rec := f.do(t, http.MethodGet, "/v1/tenants", other); rec.Code != http.StatusOK {
		t.Fatalf("other user status = %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(ServerConfig{})
	rec := f.do(t, http.MethodGet, "/v1/nope", signToken(t, "u1", "token:read"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
