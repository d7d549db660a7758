package projectsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrRecordNotFound = errors.New("sync record not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Totals are derived from a record's child items during sync.
type Totals struct {
	TaskCount            int     `json:"taskCount"`
	TotalEstimateMinutes int     `json:"totalEstimateMinutes"`
	TotalRateValue       float64 `json:"totalRateValue"`
}

// SyncRecord is the locally stored projection of one remote project. It is
// written wholesale on every successful per-record sync; there is no
// partial-field merge, so a stale field can never outlive its row.
type SyncRecord struct {
	RemoteID     string    `json:"remoteId"`
	TenantID     string    `json:"tenantId"`
	Payload      Project   `json:"payload"`
	ChildItems   []Task    `json:"childItems"`
	Totals       Totals    `json:"computedTotals"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// RecordStore persists SyncRecords keyed by (tenantID, remoteID). Upserts
// are idempotent and commutative across records.
type RecordStore interface {
	Upsert(ctx context.Context, rec SyncRecord) error
	Get(ctx context.Context, tenantID, remoteID string) (SyncRecord, error)
	List(ctx context.Context, tenantID string, limit int) ([]SyncRecord, error)
	Close() error
}

// InMemoryRecordStore keeps records per tenant in process memory.
type InMemoryRecordStore struct {
	mu      sync.Mutex
	tenants map[string]map[string]SyncRecord
}

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{tenants: map[string]map[string]SyncRecord{}}
}

func (s *InMemoryRecordStore) Upsert(ctx context.Context, rec SyncRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.TenantID == "" || rec.RemoteID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tenants[rec.TenantID]
	if !ok {
		rows = map[string]SyncRecord{}
		s.tenants[rec.TenantID] = rows
	}
	rows[rec.RemoteID] = rec
	return nil
}

func (s *InMemoryRecordStore) Get(ctx context.Context, tenantID, remoteID string) (SyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return SyncRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tenants[tenantID][remoteID]
	if !ok {
		return SyncRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (s *InMemoryRecordStore) List(ctx context.Context, tenantID string, limit int) ([]SyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tenants[tenantID]
	out := make([]SyncRecord, 0, len(rows))
	for _, rec := range rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryRecordStore) Close() error {
	return nil
}

// BuildRecordStoreFromDSN selects SyncRecord storage by DSN scheme. An empty
// DSN yields the in-memory store.
func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryRecordStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "memory", "mem", "inmem":
		return NewInMemoryRecordStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: record store backend %s", ErrNotImplemented, parsed.Scheme)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", parsed.Scheme)
	}
}
