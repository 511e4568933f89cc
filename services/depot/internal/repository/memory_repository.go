package repository

import (
	"context"
	"sync"
	"time"

	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
)

type memoryEntry struct {
	asset     domain.Asset
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memoryAssetRepository struct {
	mu     sync.Mutex
	assets map[string]memoryEntry
	now    func() time.Time
}

func NewMemoryAssetRepository() AssetRepository {
	return newMemoryAssetRepository(time.Now)
}

func newMemoryAssetRepository(now func() time.Time) *memoryAssetRepository {
	return &memoryAssetRepository{
		assets: make(map[string]memoryEntry),
		now:    now,
	}
}

func (r *memoryAssetRepository) Save(_ context.Context, id string, asset domain.Asset, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.assets[id]; ok && !e.expired(now) {
		return ErrDuplicateTicket
	}

	entry := memoryEntry{asset: asset}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	r.assets[id] = entry
	return nil
}

func (r *memoryAssetRepository) Take(_ context.Context, id string) (*domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.assets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	delete(r.assets, id)

	if e.expired(r.now()) {
		return nil, domain.ErrNotFound
	}
	asset := e.asset
	asset.ExpiresAt = e.expiresAt
	return &asset, nil
}

func (r *memoryAssetRepository) Purge(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.assets {
		if e.expired(now) {
			delete(r.assets, id)
			removed++
		}
	}
	return removed, nil
}
