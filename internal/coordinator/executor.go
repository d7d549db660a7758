package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultTenantHeader = "Xero-Tenant-Id"

// Request describes one outbound call to the resource API.
type Request struct {
	Method         string
	URL            string
	Header         map[string]string
	Body           any
	IdempotencyKey string
	Out            any
}

// APIError is a non-2xx response surfaced to the caller undecorated. The
// idempotency key, when present, lets the caller retry a mutating call safely.
type APIError struct {
	StatusCode     int
	Code           string
	Message        string
	IdempotencyKey string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api call failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api call failed: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

type ExecutorOptions struct {
	Refresher    *Refresher
	Limiter      *Limiter
	HTTPClient   *http.Client
	TenantHeader string
	Logger       Logger
}

// Executor is the single authenticated, throttled call primitive: resolve and
// validate the credential, pace against the tenant's quota, send, then feed
// the response headers back into the limiter whatever the outcome.
type Executor struct {
	refresher    *Refresher
	limiter      *Limiter
	httpClient   *http.Client
	tenantHeader string
	logger       Logger
}

func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Refresher == nil || opts.Limiter == nil {
		return nil, fmt.Errorf("%w: refresher and limiter are required", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	tenantHeader := strings.TrimSpace(opts.TenantHeader)
	if tenantHeader == "" {
		tenantHeader = defaultTenantHeader
	}
	return &Executor{
		refresher:    opts.Refresher,
		limiter:      opts.Limiter,
		httpClient:   httpClient,
		tenantHeader: tenantHeader,
		logger:       opts.Logger,
	}, nil
}

// Call performs one request for the tenant on behalf of the user. On a 401 it
// forces exactly one refresh and retries once (server-side revocation the
// local expiry clock did not predict). On a 429 it honors Retry-After and
// retries once. Every other error status surfaces to the caller, whose own
// policy decides whether a retry is safe.
func (e *Executor) Call(ctx context.Context, tenantID, userID string, req Request) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	cred, err := e.refresher.EnsureValid(ctx, userID)
	if err != nil {
		return err
	}

	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return err
		}
	}

	retried401 := false
	retried429 := false
	for {
		if err := e.limiter.WaitIfNeeded(ctx, tenantID); err != nil {
			return err
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		httpReq.Header.Set(e.tenantHeader, tenantID)
		httpReq.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if req.IdempotencyKey != "" {
			httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
		}
		for key, value := range req.Header {
			httpReq.Header.Set(key, value)
		}

		resp, err := e.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		// Headers are authoritative on success and on error alike.
		e.limiter.UpdateFromHeaders(tenantID, resp.Header)
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if req.Out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, req.Out)
		}

		if resp.StatusCode == http.StatusUnauthorized && !retried401 {
			retried401 = true
			cred, err = e.refresher.ForceRefresh(ctx, userID)
			if err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests && !retried429 {
			retried429 = true
			if wait := retryAfterSeconds(resp.Header.Get("Retry-After")); wait > 0 {
				if waitErr := waitWithContext(ctx, wait); waitErr != nil {
					return waitErr
				}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		return &APIError{
			StatusCode:     resp.StatusCode,
			Code:           errPayload.Code,
			Message:        message,
			IdempotencyKey: req.IdempotencyKey,
		}
	}
}

func retryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
