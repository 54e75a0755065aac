package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// QuotaStore tracks per-tenant monthly usage counters. Counters live in
// the shared backend when one is configured so all instances see the same
// totals; without a backend they are process-local.
type QuotaStore struct {
	backend Backend
	mu      sync.Mutex
	local   map[string]int64
	logger  *slog.Logger
	clock   func() time.Time
}

type quotaRecord struct {
	Used      int64     `json:"used"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewQuotaStore creates a quota store. backend may be nil.
func NewQuotaStore(backend Backend, logger *slog.Logger) *QuotaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaStore{
		backend: backend,
		local:   make(map[string]int64),
		logger:  logger.With("component", "quota"),
		clock:   time.Now,
	}
}

// QuotaKey builds the counter key for a tenant in the current month.
func (q *QuotaStore) QuotaKey(tenant string) string {
	return fmt.Sprintf("quota:%s:%s", tenant, q.clock().UTC().Format("2006-01"))
}

// Consume adds n units to the tenant's counter for the current month and
// returns the new total. Backend failures fall back to the local counter.
func (q *QuotaStore) Consume(ctx context.Context, tenant string, n int64) (int64, error) {
	key := q.QuotaKey(tenant)

	q.mu.Lock()
	defer q.mu.Unlock()

	used := q.local[key]
	if q.backend != nil {
		if remote, err := q.load(ctx, key); err == nil && remote > used {
			used = remote
		}
	}
	used += n
	q.local[key] = used

	if q.backend != nil {
		rec := quotaRecord{Used: used, UpdatedAt: q.clock()}
		raw, _ := json.Marshal(rec)
		if err := q.backend.Put(ctx, key, raw); err != nil {
			q.logger.Warn("quota write failed, counter is process-local", "key", key, "error", err)
		}
	}
	return used, nil
}

// Used returns the tenant's counter for the current month.
func (q *QuotaStore) Used(ctx context.Context, tenant string) (int64, error) {
	key := q.QuotaKey(tenant)

	q.mu.Lock()
	defer q.mu.Unlock()

	used := q.local[key]
	if q.backend != nil {
		if remote, err := q.load(ctx, key); err == nil && remote > used {
			used = remote
			q.local[key] = used
		}
	}
	return used, nil
}

// Remaining returns limit minus current usage, floored at zero.
func (q *QuotaStore) Remaining(ctx context.Context, tenant string, limit int64) (int64, error) {
	used, err := q.Used(ctx, tenant)
	if err != nil {
		return 0, err
	}
	if used >= limit {
		return 0, nil
	}
	return limit - used, nil
}

// load reads the backend counter. Caller holds mu.
func (q *QuotaStore) load(ctx context.Context, key string) (int64, error) {
	raw, err := q.backend.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	var rec quotaRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, err
	}
	return rec.Used, nil
}
