package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harborworks/ledgerlink/internal/coordinator"
	"github.com/harborworks/ledgerlink/internal/projectsync"
)

// TokenService keeps credentials usable. Satisfied by *coordinator.Refresher.
type TokenService interface {
	EnsureValid(ctx context.Context, userID string) (coordinator.Credential, error)
}

// TenantDirectory resolves tenant lists and the active tenant selection.
// Satisfied by *coordinator.CredentialStore.
type TenantDirectory interface {
	Tenants(ctx context.Context, userID string) ([]coordinator.Tenant, error)
	SelectedTenant(ctx context.Context, userID string) (string, error)
	SetSelectedTenant(ctx context.Context, userID, tenantID string) error
}

// SyncService runs collection syncs. Satisfied by *projectsync.Syncer.
type SyncService interface {
	SyncCollection(ctx context.Context, tenantID, userID string) (projectsync.SyncRunResult, error)
	SyncCollectionWithProgress(ctx context.Context, tenantID, userID string, progress func(projectsync.ProgressEvent)) (projectsync.SyncRunResult, error)
}

// VerifyService reports drift. Satisfied by *projectsync.Verifier.
type VerifyService interface {
	Verify(ctx context.Context, tenantID, userID, remoteID string) ([]projectsync.Mismatch, error)
	VerifyAll(ctx context.Context, tenantID, userID string, limit int) ([]projectsync.Mismatch, error)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	VerifyLimit     int
	Logger          coordinator.Logger
}

type Server struct {
	tokens      TokenService
	directory   TenantDirectory
	syncer      SyncService
	verifier    VerifyService
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

// rateLimiter is the inbound fixed-window limiter guarding the boundary
// itself, unrelated to the outbound provider pacing.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || !entry.resetAt.After(now) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func NewServer(tokens TokenService, directory TenantDirectory, syncer SyncService, verifier VerifyService, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.VerifyLimit <= 0 {
		cfg.VerifyLimit = 50
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		tokens:      tokens,
		directory:   directory,
		syncer:      syncer,
		verifier:    verifier,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "token" && parts[2] == "ensure" && r.Method == http.MethodPost:
		requiredScope = "token:read"
		route = "token_ensure"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "tenants" && r.Method == http.MethodGet:
		requiredScope = "token:read"
		route = "tenants"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "tenants" && parts[3] == "select" && r.Method == http.MethodPost:
		requiredScope = "tenants:write"
		route = "tenant_select"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "tenants" && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "tenants" && parts[3] == "sync" && parts[4] == "stream" && r.Method == http.MethodGet:
		requiredScope = "sync:trigger"
		route = "sync_stream"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "tenants" && parts[3] == "verify" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "verify"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(s.rateLimiter.window.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
	}

	var tenantID string
	if len(parts) >= 3 && parts[1] == "tenants" {
		tenantID = parts[2]
	}

	switch route {
	case "token_ensure":
		s.handleTokenEnsure(w, r, claims.UserID)
	case "tenants":
		s.handleTenants(w, r, claims.UserID)
	case "tenant_select":
		s.handleTenantSelect(w, r, claims.UserID, tenantID)
	case "sync":
		s.handleSync(w, r, claims.UserID, tenantID)
	case "sync_stream":
		s.handleSyncStream(w, r, claims.UserID, tenantID)
	case "verify":
		s.handleVerify(w, r, claims.UserID, tenantID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type ensureTokenResponse struct {
	AccessToken      string               `json:"accessToken"`
	TenantID         string               `json:"tenantId,omitempty"`
	AvailableTenants []coordinator.Tenant `json:"availableTenants"`
}

func (s *Server) handleTokenEnsure(w http.ResponseWriter, r *http.Request, userID string) {
	cred, err := s.tokens.EnsureValid(r.Context(), userID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	resp := ensureTokenResponse{AccessToken: cred.AccessToken}
	if tenantID, err := s.directory.SelectedTenant(r.Context(), userID); err == nil {
		resp.TenantID = tenantID
	}
	if tenants, err := s.directory.Tenants(r.Context(), userID); err == nil {
		resp.AvailableTenants = tenants
	}
	if resp.AvailableTenants == nil {
		resp.AvailableTenants = []coordinator.Tenant{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request, userID string) {
	tenants, err := s.directory.Tenants(r.Context(), userID)
	if err != nil && !errors.Is(err, coordinator.ErrNotFound) {
		s.writeCoordinatorError(w, err)
		return
	}
	if tenants == nil {
		tenants = []coordinator.Tenant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleTenantSelect(w http.ResponseWriter, r *http.Request, userID, tenantID string) {
	if err := s.directory.SetSelectedTenant(r.Context(), userID, tenantID); err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenantId": tenantID})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, userID, tenantID string) {
	result, err := s.syncer.SyncCollection(r.Context(), tenantID, userID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type verifySummary struct {
	RecordsChecked int `json:"recordsChecked"`
	MismatchCount  int `json:"mismatchCount"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, userID, tenantID string) {
	remoteID := strings.TrimSpace(r.URL.Query().Get("remoteId"))
	limit := s.cfg.VerifyLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var mismatches []projectsync.Mismatch
	var err error
	checked := 0
	if remoteID != "" {
		mismatches, err = s.verifier.Verify(r.Context(), tenantID, userID, remoteID)
		checked = 1
	} else {
		mismatches, err = s.verifier.VerifyAll(r.Context(), tenantID, userID, limit)
		checked = limit
	}
	if err != nil {
		if errors.Is(err, projectsync.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no sync record for "+remoteID)
			return
		}
		s.writeCoordinatorError(w, err)
		return
	}
	if mismatches == nil {
		mismatches = []projectsync.Mismatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mismatches": mismatches,
		"summary":    verifySummary{RecordsChecked: checked, MismatchCount: len(mismatches)},
	})
}

// writeCoordinatorError maps the error taxonomy onto boundary responses.
// Authentication-class failures carry an explicit re-authenticate action so
// the host can distinguish them from transient errors worth retrying.
func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrCredentialNotFound):
		writeErrorWithAction(w, http.StatusUnauthorized, "credential_not_found", "no credential on file", "reauthenticate")
	case errors.Is(err, coordinator.ErrNoRefreshToken),
		errors.Is(err, coordinator.ErrRefreshFailed),
		errors.Is(err, coordinator.ErrAlreadyErrored):
		writeErrorWithAction(w, http.StatusUnauthorized, "reauthentication_required", err.Error(), "reauthenticate")
	case errors.Is(err, coordinator.ErrStoreUnavailable):
		writeErrorWithAction(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), "retry")
	case errors.Is(err, coordinator.ErrRateLimited):
		writeErrorWithAction(w, http.StatusTooManyRequests, "provider_rate_limited", err.Error(), "retry")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, 499, "canceled", "request canceled")
	default:
		var apiErr *coordinator.APIError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusBadGateway, "provider_error", apiErr.Error())
			return
		}
		s.logf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func writeErrorWithAction(w http.ResponseWriter, status int, code, message, action string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message, "action": action})
}
