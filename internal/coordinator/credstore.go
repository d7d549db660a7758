package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultProbeTimeout     = 750 * time.Millisecond
	defaultStoreNamespace   = "xero"
	defaultSelectionTTL     = 7 * 24 * time.Hour
	defaultTenantListTTL    = 7 * 24 * time.Hour
	defaultOperationTimeout = 5 * time.Second
)

// KVBackend is the durable key/value tier behind the credential store. Every
// implementation must honor TTLs and report liveness cheaply via Ping.
type KVBackend interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type CredentialStoreOptions struct {
	Backend      KVBackend
	Namespace    string
	ProbeTimeout time.Duration
	SelectionTTL time.Duration
	Logger       Logger
}

// CredentialStore is the two-tier resolver over the durable backend.
// Credentials live only in the durable tier: fabricating token state in
// memory would let instances diverge, so credential reads and writes surface
// ErrStoreUnavailable instead of falling back. Tenant selection and the
// cached tenant list degrade to an in-process map so a single-instance
// deployment keeps working through a backend outage.
type CredentialStore struct {
	backend      KVBackend
	namespace    string
	probeTimeout time.Duration
	selectionTTL time.Duration
	logger       Logger

	mu               sync.Mutex
	fallbackSelected map[string]string
	fallbackTenants  map[string][]Tenant
}

func NewCredentialStore(opts CredentialStoreOptions) (*CredentialStore, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: kv backend is required", ErrInvalidInput)
	}
	namespace := strings.TrimSpace(opts.Namespace)
	if namespace == "" {
		namespace = defaultStoreNamespace
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	selectionTTL := opts.SelectionTTL
	if selectionTTL <= 0 {
		selectionTTL = defaultSelectionTTL
	}
	return &CredentialStore{
		backend:          opts.Backend,
		namespace:        namespace,
		probeTimeout:     probeTimeout,
		selectionTTL:     selectionTTL,
		logger:           opts.Logger,
		fallbackSelected: map[string]string{},
		fallbackTenants:  map[string][]Tenant{},
	}, nil
}

func (s *CredentialStore) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *CredentialStore) credentialKey(userID string) string {
	return fmt.Sprintf("user:%s:%s:credential", userID, s.namespace)
}

func (s *CredentialStore) selectedTenantKey(userID string) string {
	return fmt.Sprintf("user:%s:%s:selected_tenant", userID, s.namespace)
}

func (s *CredentialStore) tenantsKey(userID string) string {
	return fmt.Sprintf("user:%s:%s:tenants", userID, s.namespace)
}

// probe performs the bounded-latency liveness check that precedes every
// backend operation.
func (s *CredentialStore) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	return s.backend.Ping(probeCtx)
}

func (s *CredentialStore) GetCredential(ctx context.Context, userID string) (Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return Credential{}, ErrInvalidInput
	}
	if err := s.probe(ctx); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	raw, err := s.backend.Get(ctx, s.credentialKey(userID))
	if errors.Is(err, ErrNotFound) {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return Credential{}, fmt.Errorf("corrupt credential for %s: %w", userID, err)
	}
	return cred, nil
}

// PutCredential replaces the stored credential in full. The TTL should cover
// the credential's remaining validity plus a grace margin so expired entries
// are reclaimed by the backend.
func (s *CredentialStore) PutCredential(ctx context.Context, userID string, cred Credential, ttl time.Duration) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if err := s.probe(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, s.credentialKey(userID), string(payload), ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *CredentialStore) SelectedTenant(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrInvalidInput
	}
	// A durable miss also falls through to the in-memory tier: while the
	// backend was down, writes only reached memory.
	if err := s.probe(ctx); err == nil {
		tenantID, getErr := s.backend.Get(ctx, s.selectedTenantKey(userID))
		if getErr == nil {
			return tenantID, nil
		}
		if !errors.Is(getErr, ErrNotFound) {
			s.logf("selected tenant read failed for %s, consulting fallback: %v", userID, getErr)
		}
	} else {
		s.logf("credential store probe failed, consulting fallback: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tenantID, ok := s.fallbackSelected[userID]
	if !ok {
		return "", ErrNotFound
	}
	return tenantID, nil
}

func (s *CredentialStore) SetSelectedTenant(ctx context.Context, userID, tenantID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(tenantID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	s.fallbackSelected[userID] = tenantID
	s.mu.Unlock()
	if err := s.probe(ctx); err != nil {
		s.logf("selected tenant for %s kept in memory only: %v", userID, err)
		return nil
	}
	if err := s.backend.Put(ctx, s.selectedTenantKey(userID), tenantID, s.selectionTTL); err != nil {
		s.logf("selected tenant for %s kept in memory only: %v", userID, err)
	}
	return nil
}

func (s *CredentialStore) Tenants(ctx context.Context, userID string) ([]Tenant, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.probe(ctx); err == nil {
		raw, getErr := s.backend.Get(ctx, s.tenantsKey(userID))
		if getErr == nil {
			var tenants []Tenant
			if err := json.Unmarshal([]byte(raw), &tenants); err != nil {
				return nil, fmt.Errorf("corrupt tenant list for %s: %w", userID, err)
			}
			return tenants, nil
		}
		if !errors.Is(getErr, ErrNotFound) {
			s.logf("tenant list read failed for %s, consulting fallback: %v", userID, getErr)
		}
	} else {
		s.logf("credential store probe failed, consulting fallback: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tenants, ok := s.fallbackTenants[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Tenant, len(tenants))
	copy(out, tenants)
	return out, nil
}

func (s *CredentialStore) PutTenants(ctx context.Context, userID string, tenants []Tenant) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	stored := make([]Tenant, len(tenants))
	copy(stored, tenants)
	s.fallbackTenants[userID] = stored
	s.mu.Unlock()
	payload, err := json.Marshal(tenants)
	if err != nil {
		return err
	}
	if err := s.probe(ctx); err != nil {
		s.logf("tenant list for %s kept in memory only: %v", userID, err)
		return nil
	}
	if err := s.backend.Put(ctx, s.tenantsKey(userID), string(payload), defaultTenantListTTL); err != nil {
		s.logf("tenant list for %s kept in memory only: %v", userID, err)
	}
	return nil
}

func (s *CredentialStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
