package coordinator

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// InMemoryKVBackend is the non-durable backend used in tests and
// single-instance dev deployments.
type InMemoryKVBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewInMemoryKVBackend() *InMemoryKVBackend {
	return &InMemoryKVBackend{
		entries: map[string]memoryEntry{},
		now:     time.Now,
	}
}

func (b *InMemoryKVBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (b *InMemoryKVBackend) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(b.now()) {
		delete(b.entries, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (b *InMemoryKVBackend) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = b.now().Add(ttl)
	}
	b.entries[key] = entry
	return nil
}

func (b *InMemoryKVBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *InMemoryKVBackend) Close() error {
	return nil
}
