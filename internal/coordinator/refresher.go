package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSafetyMargin = 3 * time.Minute
	defaultTTLGrace     = 60 * 24 * time.Hour

	authErrorRefreshFailed = "refresh_failed"
)

// TokenResponse is the provider's answer to a refresh-token exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// TokenSource talks to the provider's identity endpoints.
type TokenSource interface {
	Refresh(ctx context.Context, refreshToken string) (TokenResponse, error)
	Connections(ctx context.Context, accessToken string) ([]Tenant, error)
}

type HTTPTokenSourceOptions struct {
	IdentityBaseURL string
	APIBaseURL      string
	ClientID        string
	ClientSecret    string
	HTTPClient      *http.Client
}

// HTTPTokenSource exchanges refresh tokens at POST {identity}/connect/token
// using HTTP Basic client auth, and enumerates authorized tenants at
// GET {api}/connections with the resulting bearer token.
type HTTPTokenSource struct {
	identityBaseURL string
	apiBaseURL      string
	clientID        string
	clientSecret    string
	httpClient      *http.Client
}

func NewHTTPTokenSource(opts HTTPTokenSourceOptions) (*HTTPTokenSource, error) {
	identityBaseURL := strings.TrimRight(strings.TrimSpace(opts.IdentityBaseURL), "/")
	if identityBaseURL == "" {
		identityBaseURL = "https://identity.xero.com"
	}
	apiBaseURL := strings.TrimRight(strings.TrimSpace(opts.APIBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = "https://api.xero.com"
	}
	if strings.TrimSpace(opts.ClientID) == "" || strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, fmt.Errorf("%w: client id and secret are required", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPTokenSource{
		identityBaseURL: identityBaseURL,
		apiBaseURL:      apiBaseURL,
		clientID:        strings.TrimSpace(opts.ClientID),
		clientSecret:    strings.TrimSpace(opts.ClientSecret),
		httpClient:      httpClient,
	}, nil
}

func (s *HTTPTokenSource) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.identityBaseURL+"/connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, err
	}
	req.SetBasicAuth(s.clientID, s.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return TokenResponse{}, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &errPayload)
		if errPayload.Error != "" {
			return TokenResponse{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, errPayload.Error)
		}
		return TokenResponse{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return TokenResponse{}, err
	}
	if token.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("token endpoint returned no access token")
	}
	return token, nil
}

func (s *HTTPTokenSource) Connections(ctx context.Context, accessToken string) ([]Tenant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBaseURL+"/connections", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("connections endpoint returned %d", resp.StatusCode)
	}
	var tenants []Tenant
	if err := json.Unmarshal(body, &tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

type RefresherOptions struct {
	Store        *CredentialStore
	Source       TokenSource
	SafetyMargin time.Duration
	TTLGrace     time.Duration
	Logger       Logger
	Now          func() time.Time
}

// Refresher keeps stored credentials usable. Concurrent refreshes of the same
// user collapse into one in-flight exchange: the provider rotates refresh
// tokens, and presenting a rotated-away token permanently kills the grant.
type Refresher struct {
	store        *CredentialStore
	source       TokenSource
	safetyMargin time.Duration
	ttlGrace     time.Duration
	logger       Logger
	now          func() time.Time
	group        singleflight.Group
}

func NewRefresher(opts RefresherOptions) (*Refresher, error) {
	if opts.Store == nil || opts.Source == nil {
		return nil, fmt.Errorf("%w: store and token source are required", ErrInvalidInput)
	}
	safetyMargin := opts.SafetyMargin
	if safetyMargin <= 0 {
		safetyMargin = defaultSafetyMargin
	}
	ttlGrace := opts.TTLGrace
	if ttlGrace <= 0 {
		ttlGrace = defaultTTLGrace
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Refresher{
		store:        opts.Store,
		source:       opts.Source,
		safetyMargin: safetyMargin,
		ttlGrace:     ttlGrace,
		logger:       opts.Logger,
		now:          now,
	}, nil
}

// EnsureValid returns the stored credential untouched when it still has more
// than the safety margin of validity left; otherwise it refreshes and
// persists the replacement.
func (r *Refresher) EnsureValid(ctx context.Context, userID string) (Credential, error) {
	cred, err := r.store.GetCredential(ctx, userID)
	if err != nil {
		return Credential{}, err
	}
	if cred.AuthError != "" {
		return cred, ErrAlreadyErrored
	}
	if cred.UsableAt(r.now(), r.safetyMargin) {
		return cred, nil
	}
	return r.refresh(ctx, userID, false)
}

// ForceRefresh refreshes regardless of the local expiry estimate. Used after
// a 401 that the local clock did not predict (server-side revocation).
func (r *Refresher) ForceRefresh(ctx context.Context, userID string) (Credential, error) {
	return r.refresh(ctx, userID, true)
}

func (r *Refresher) refresh(ctx context.Context, userID string, force bool) (Credential, error) {
	result, err, _ := r.group.Do(userID, func() (any, error) {
		// Re-read inside the flight: a racing caller may have already
		// refreshed and persisted a fresh credential. A forced refresh skips
		// the validity shortcut; the provider already rejected this token.
		cred, err := r.store.GetCredential(ctx, userID)
		if err != nil {
			return Credential{}, err
		}
		if cred.AuthError != "" {
			return cred, ErrAlreadyErrored
		}
		if !force && cred.UsableAt(r.now(), r.safetyMargin) {
			return cred, nil
		}
		if cred.RefreshToken == "" {
			return cred, ErrNoRefreshToken
		}

		token, refreshErr := r.source.Refresh(ctx, cred.RefreshToken)
		if refreshErr != nil {
			// Keep the credential but tag it so later callers surface
			// "re-authenticate" instead of hammering the token endpoint.
			errored := cred
			errored.AuthError = authErrorRefreshFailed
			if putErr := r.store.PutCredential(ctx, userID, errored, r.ttlGrace); putErr != nil {
				r.logf("failed to mark credential errored for %s: %v", userID, putErr)
			}
			return Credential{}, fmt.Errorf("%w: %v", ErrRefreshFailed, refreshErr)
		}

		updated := Credential{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			Scope:        token.Scope,
			TenantID:     cred.TenantID,
			ExpiresAt:    r.expiryFor(token),
		}
		if updated.RefreshToken == "" {
			updated.RefreshToken = cred.RefreshToken
		}
		ttl := time.Unix(updated.ExpiresAt, 0).Sub(r.now()) + r.ttlGrace
		if putErr := r.store.PutCredential(ctx, userID, updated, ttl); putErr != nil {
			// The refresh token was rotated; losing the write would strand
			// the grant, so surface the store failure for the caller to retry.
			return Credential{}, putErr
		}

		if tenants, connErr := r.source.Connections(ctx, updated.AccessToken); connErr != nil {
			r.logf("tenant list refresh failed for %s: %v", userID, connErr)
		} else if putErr := r.store.PutTenants(ctx, userID, tenants); putErr != nil {
			r.logf("tenant list persist failed for %s: %v", userID, putErr)
		}
		return updated, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return result.(Credential), nil
}

// expiryFor derives the new expiry instant, falling back to the access
// token's own exp claim when the response omits expires_in.
func (r *Refresher) expiryFor(token TokenResponse) int64 {
	if token.ExpiresIn > 0 {
		return r.now().Add(time.Duration(token.ExpiresIn) * time.Second).Unix()
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Unix()
		}
	}
	// Last resort: assume the provider's usual 30 minute access token.
	return r.now().Add(30 * time.Minute).Unix()
}

func (r *Refresher) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
