package coordinator

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
	ErrCredentialNotFound = errors.New("no credential stored for user")
	ErrNoRefreshToken     = errors.New("credential has no refresh token")
	ErrRefreshFailed      = errors.New("token refresh rejected by provider")
	ErrAlreadyErrored     = errors.New("credential marked unusable by earlier refresh failure")
	ErrStoreUnavailable   = errors.New("durable credential store unavailable")
	ErrRateLimited        = errors.New("provider rejected request despite local pacing")
)

// Logger is the minimal logging surface accepted by every component.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Credential is the OAuth grant for one user. It is replaced wholesale on
// every successful refresh and never partially updated.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	Scope        string `json:"scope,omitempty"`
	TenantID     string `json:"tenantId,omitempty"`
	AuthError    string `json:"authError,omitempty"`
}

// UsableAt reports whether the credential still has at least margin of
// validity left at the given instant. Refreshing happens strictly before the
// expiry instant so in-flight requests never race an expiring token.
func (c Credential) UsableAt(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return time.Unix(c.ExpiresAt, 0).After(now.Add(margin))
}

// Tenant is one organization the credential grants access to, as enumerated
// by the provider's connections endpoint.
type Tenant struct {
	TenantID       string `json:"tenantId"`
	TenantName     string `json:"tenantName"`
	TenantType     string `json:"tenantType"`
	CreatedDateUTC string `json:"createdDateUtc,omitempty"`
	UpdatedDateUTC string `json:"updatedDateUtc,omitempty"`
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
