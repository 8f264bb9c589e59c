// Package registry guarantees at-most-one exchange order placement per
// idempotency key, even under concurrent duplicate webhook deliveries.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/signalhook/tradegate/internal/model"
)

// Entry is what a failed reservation hands back: either the committed
// record of a prior run, or a still-processing placeholder.
type Entry struct {
	Record     *model.ExecutionRecord
	Processing bool
	CreatedAt  time.Time
}

// Registry is the idempotency store contract.
//
// Reserve atomically inserts a placeholder for key if absent and returns
// reserved=true; if the key is already present it returns the existing
// entry and the caller must not re-execute the order. Commit writes the
// terminal record. Abandon releases the placeholder so a legitimate later
// retry of the same key can succeed.
type Registry interface {
	Reserve(ctx context.Context, key string) (*Entry, bool, error)
	Commit(ctx context.Context, key string, rec *model.ExecutionRecord) error
	Abandon(ctx context.Context, key string) error
}

// MemoryRegistry is the in-process fallback when neither Redis nor Postgres
// is configured. Entries expire after the retention window via Sweep.
type MemoryRegistry struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	retention time.Duration
}

func NewMemoryRegistry(retention time.Duration) *MemoryRegistry {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemoryRegistry{
		entries:   make(map[string]*Entry),
		retention: retention,
	}
}

func (r *MemoryRegistry) Reserve(_ context.Context, key string) (*Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		if time.Since(e.CreatedAt) <= r.retention {
			return e, false, nil
		}
		delete(r.entries, key)
	}

	r.entries[key] = &Entry{
		Processing: true,
		CreatedAt:  time.Now(),
	}
	return nil, true, nil
}

func (r *MemoryRegistry) Commit(_ context.Context, key string, rec *model.ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &Entry{
		Record:    rec,
		CreatedAt: time.Now(),
	}
	return nil
}

func (r *MemoryRegistry) Abandon(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

// Sweep drops entries older than the retention window.
func (r *MemoryRegistry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.retention)
	for key, e := range r.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(r.entries, key)
		}
	}
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (r *MemoryRegistry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}
