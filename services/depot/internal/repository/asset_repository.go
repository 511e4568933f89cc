package repository

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
)

var ErrDuplicateTicket = errors.New("ticket id already in use")

// AssetRepository holds single-mode assets keyed by ticket id. Take is the
// only read and it is destructive: for a given id at most one Take succeeds.
type AssetRepository interface {
	// Save stores asset under id. ttl <= 0 keeps it until taken.
	Save(ctx context.Context, id string, asset domain.Asset, ttl time.Duration) error
	// Take atomically removes and returns the asset, or domain.ErrNotFound.
	// The returned asset carries the expiry it was stored with.
	Take(ctx context.Context, id string) (*domain.Asset, error)
	// Purge drops expired assets and reports how many were removed.
	Purge(ctx context.Context, now time.Time) (int, error)
}
