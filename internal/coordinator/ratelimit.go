package coordinator

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// QuotaSnapshot is the quota information parsed from one response's headers.
// A remaining count of -1 or a zero reset time means the header was absent.
type QuotaSnapshot struct {
	MinuteRemaining int
	MinuteResetAt   time.Time
	DayRemaining    int
	DayResetAt      time.Time
	RetryAfter      time.Duration
}

// HeaderParser extracts quota state from provider response headers. Header
// names and semantics vary per provider, so parsing is pluggable.
type HeaderParser interface {
	Parse(h http.Header, now time.Time) (QuotaSnapshot, bool)
}

// AccountingHeaderParser reads the accounting provider's per-minute and
// per-day remaining-call headers. The provider does not report reset times,
// so resets are pinned to the top of the next minute and the next UTC day.
type AccountingHeaderParser struct{}

func (AccountingHeaderParser) Parse(h http.Header, now time.Time) (QuotaSnapshot, bool) {
	snap := QuotaSnapshot{MinuteRemaining: -1, DayRemaining: -1}
	found := false
	if v, ok := headerInt(h, "X-MinLimit-Remaining"); ok {
		snap.MinuteRemaining = v
		snap.MinuteResetAt = now.Truncate(time.Minute).Add(time.Minute)
		found = true
	}
	if v, ok := headerInt(h, "X-DayLimit-Remaining"); ok {
		snap.DayRemaining = v
		utc := now.UTC()
		snap.DayResetAt = time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		found = true
	}
	if v, ok := headerInt(h, "Retry-After"); ok && v > 0 {
		snap.RetryAfter = time.Duration(v) * time.Second
		found = true
	}
	return snap, found
}

// CRMHeaderParser reads the cursor-paginated CRM's rate headers, which report
// a window reset in seconds alongside the remaining counts.
type CRMHeaderParser struct{}

func (CRMHeaderParser) Parse(h http.Header, now time.Time) (QuotaSnapshot, bool) {
	snap := QuotaSnapshot{MinuteRemaining: -1, DayRemaining: -1}
	found := false
	if v, ok := headerInt(h, "x-ratelimit-remaining"); ok {
		snap.MinuteRemaining = v
		found = true
		if reset, ok := headerInt(h, "x-ratelimit-reset"); ok {
			snap.MinuteResetAt = now.Add(time.Duration(reset) * time.Second)
		}
	}
	if v, ok := headerInt(h, "x-daily-requests-left"); ok {
		snap.DayRemaining = v
		utc := now.UTC()
		snap.DayResetAt = time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		found = true
	}
	if v, ok := headerInt(h, "Retry-After"); ok && v > 0 {
		snap.RetryAfter = time.Duration(v) * time.Second
		found = true
	}
	return snap, found
}

func headerInt(h http.Header, name string) (int, bool) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

// pacingDelay computes how long to wait before spending one call from a
// window that currently has `remaining` calls left and resets in `resetIn`.
// The safety buffer is never spent: local estimates lag the provider's true
// counters, so the buffered calls absorb the drift. Below the low-water mark
// the remaining window time is spread across the usable calls; above it a
// small baseline delay keeps traffic from bursting.
func pacingDelay(remaining, buffer, lowWater int, resetIn, baseline time.Duration) time.Duration {
	if resetIn < 0 {
		resetIn = 0
	}
	usable := remaining - buffer
	if usable <= 0 {
		return resetIn
	}
	if remaining <= lowWater {
		per := resetIn / time.Duration(usable)
		if per < baseline {
			per = baseline
		}
		return per
	}
	return baseline
}

type tenantQuota struct {
	mu              sync.Mutex
	minuteRemaining int
	minuteResetAt   time.Time
	dayRemaining    int
	dayResetAt      time.Time
	lastUpdated     time.Time
}

// roll re-arms any window whose reset instant has passed. Counters only ever
// reset to the profile limit here or get overwritten from headers; they are
// never merged.
func (q *tenantQuota) roll(now time.Time, profile TenantProfile) {
	if !q.minuteResetAt.After(now) {
		q.minuteRemaining = profile.MinuteLimit
		q.minuteResetAt = now.Add(time.Minute)
	}
	if !q.dayResetAt.After(now) {
		q.dayRemaining = profile.DayLimit
		q.dayResetAt = now.Add(24 * time.Hour)
	}
}

// ProfileSource resolves the rate profile for a tenant.
type ProfileSource interface {
	ProfileFor(tenantID string) TenantProfile
}

type LimiterOptions struct {
	Profiles ProfileSource
	Parser   HeaderParser
	Logger   Logger
	Now      func() time.Time
}

// Limiter tracks per-tenant quota estimates and paces outbound calls.
// Tenants are independent; calls for one tenant serialize their pacing
// decision on the tenant's own lock so two concurrent callers can never both
// spend the same estimated call.
type Limiter struct {
	mu      sync.Mutex
	tenants map[string]*tenantQuota

	profiles ProfileSource
	parser   HeaderParser
	logger   Logger
	now      func() time.Time
}

func NewLimiter(opts LimiterOptions) *Limiter {
	profiles := opts.Profiles
	if profiles == nil {
		profiles = staticProfileSource{profile: DefaultTenantProfile()}
	}
	parser := opts.Parser
	if parser == nil {
		parser = AccountingHeaderParser{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		tenants:  map[string]*tenantQuota{},
		profiles: profiles,
		parser:   parser,
		logger:   opts.Logger,
		now:      now,
	}
}

type staticProfileSource struct {
	profile TenantProfile
}

func (s staticProfileSource) ProfileFor(string) TenantProfile {
	return s.profile
}

func (l *Limiter) quota(tenantID string) *tenantQuota {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.tenants[tenantID]
	if !ok {
		q = &tenantQuota{}
		l.tenants[tenantID] = q
	}
	return q
}

// WaitIfNeeded blocks the calling goroutine until it is safe to send the next
// request for this tenant, reserving one call from the local estimates. When
// a window is exhausted it sleeps until the window resets and re-evaluates.
func (l *Limiter) WaitIfNeeded(ctx context.Context, tenantID string) error {
	profile := l.profiles.ProfileFor(tenantID)
	q := l.quota(tenantID)
	for {
		q.mu.Lock()
		now := l.now()
		q.roll(now, profile)

		minuteUsable := q.minuteRemaining - profile.SafetyBuffer
		dayUsable := q.dayRemaining - profile.SafetyBuffer
		if minuteUsable <= 0 || dayUsable <= 0 {
			var wait time.Duration
			if minuteUsable <= 0 {
				wait = q.minuteResetAt.Sub(now)
			}
			if dayUsable <= 0 {
				if w := q.dayResetAt.Sub(now); w > wait {
					wait = w
				}
			}
			q.mu.Unlock()
			if err := waitWithContext(ctx, wait); err != nil {
				return err
			}
			continue
		}

		delay := pacingDelay(q.minuteRemaining, profile.SafetyBuffer, profile.LowWater, q.minuteResetAt.Sub(now), profile.BaselineDelay)
		if dayDelay := pacingDelay(q.dayRemaining, profile.SafetyBuffer, profile.LowWater, q.dayResetAt.Sub(now), profile.BaselineDelay); dayDelay > delay {
			delay = dayDelay
		}
		q.minuteRemaining--
		q.dayRemaining--
		q.lastUpdated = now
		q.mu.Unlock()
		return waitWithContext(ctx, delay)
	}
}

// UpdateFromHeaders resynchronizes the tenant's quota estimate from response
// headers. Header-reported values overwrite the local estimate outright: the
// provider's counters are authoritative and other consumers may be spending
// the same quota.
func (l *Limiter) UpdateFromHeaders(tenantID string, h http.Header) {
	snap, ok := l.parser.Parse(h, l.now())
	if !ok {
		return
	}
	q := l.quota(tenantID)
	q.mu.Lock()
	defer q.mu.Unlock()
	now := l.now()
	if snap.MinuteRemaining >= 0 {
		q.minuteRemaining = snap.MinuteRemaining
		if !snap.MinuteResetAt.IsZero() {
			q.minuteResetAt = snap.MinuteResetAt
		} else if !q.minuteResetAt.After(now) {
			q.minuteResetAt = now.Add(time.Minute)
		}
	}
	if snap.DayRemaining >= 0 {
		q.dayRemaining = snap.DayRemaining
		if !snap.DayResetAt.IsZero() {
			q.dayResetAt = snap.DayResetAt
		} else if !q.dayResetAt.After(now) {
			q.dayResetAt = now.Add(24 * time.Hour)
		}
	}
	if snap.RetryAfter > 0 {
		q.minuteRemaining = 0
		q.minuteResetAt = now.Add(snap.RetryAfter)
	}
	q.lastUpdated = now
}
