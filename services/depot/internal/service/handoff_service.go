package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/ticketdrop/pkg/events"
	"github.com/diagnosis/ticketdrop/pkg/logger"
	"github.com/diagnosis/ticketdrop/services/depot/internal/cryptox"
	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
	"github.com/diagnosis/ticketdrop/services/depot/internal/repository"
)

const DefaultMimeType = "application/octet-stream"

// HandoffService is the single-ticket path: one file, one receiver.
type HandoffService interface {
	Mint(ctx context.Context, content []byte, mimeType string) (string, error)
	Take(ctx context.Context, ticketID string) (*domain.Asset, error)
	Claim(ctx context.Context, ticketID string, receiverKey []byte) (*domain.HandoffBundle, error)
	Purge(ctx context.Context, now time.Time) (int, error)
	TTL() time.Duration
}

type handoffService struct {
	assets repository.AssetRepository
	events events.Publisher
	ttl    time.Duration
	seal   func([]byte, string, *rsa.PublicKey) (*domain.HandoffBundle, error)
	now    func() time.Time
}

func NewHandoffService(assets repository.AssetRepository, publisher events.Publisher, ttl time.Duration) HandoffService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &handoffService{
		assets: assets,
		events: publisher,
		ttl:    ttl,
		seal:   cryptox.Seal,
		now:    time.Now,
	}
}

func (s *handoffService) Mint(ctx context.Context, content []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	asset := domain.Asset{Content: content, MimeType: mimeType}

	// a collision on 128 random bits means a broken RNG; retry a few times anyway
	for attempt := 0; attempt < 3; attempt++ {
		id, err := NewTicketID()
		if err != nil {
			return "", err
		}

		err = s.assets.Save(ctx, id, asset, s.ttl)
		if errors.Is(err, repository.ErrDuplicateTicket) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("mint ticket: %w", err)
		}

		ref := logger.TicketRef(id)
		logger.InfoContext(ctx, "Ticket minted", "ticket_ref", ref, "mime_type", mimeType, "size", len(content))
		s.publish(ctx, events.TicketMinted, events.TicketMintedEvent{
			TicketRef: ref,
			MimeType:  mimeType,
			Size:      len(content),
			MintedAt:  s.now(),
		})
		return id, nil
	}
	return "", fmt.Errorf("mint ticket: %w", repository.ErrDuplicateTicket)
}

func (s *handoffService) Take(ctx context.Context, ticketID string) (*domain.Asset, error) {
	return s.assets.Take(ctx, ticketID)
}

// Claim hands the asset to the holder of receiverKey. The key is imported
// before the asset is taken, so a malformed key leaves the ticket untouched.
// The take happens before encryption: of two concurrent claims only one ever
// sees the plaintext.
func (s *handoffService) Claim(ctx context.Context, ticketID string, receiverKey []byte) (*domain.HandoffBundle, error) {
	pub, err := cryptox.ParsePublicKey(receiverKey)
	if err != nil {
		return nil, err
	}

	asset, err := s.assets.Take(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	ref := logger.TicketRef(ticketID)
	bundle, err := s.seal(asset.Content, asset.MimeType, pub)
	if err != nil {
		// put it back so the receiver can try again
		if rerr := s.restore(ctx, ticketID, *asset); rerr != nil {
			logger.ErrorContext(ctx, "Failed to restore asset after crypto failure", "ticket_ref", ref, "error", rerr)
		}
		return nil, err
	}

	logger.InfoContext(ctx, "Ticket handed off", "ticket_ref", ref, "mime_type", asset.MimeType)
	s.publish(ctx, events.TicketHandedOff, events.TicketHandedOffEvent{
		TicketRef:   ref,
		HandedOffAt: s.now(),
	})
	return bundle, nil
}

// restore saves a taken asset again with whatever lifetime it had left. An
// asset that expired in the meantime stays gone.
func (s *handoffService) restore(ctx context.Context, ticketID string, asset domain.Asset) error {
	var ttl time.Duration
	if !asset.ExpiresAt.IsZero() {
		ttl = asset.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return nil
		}
	}
	asset.ExpiresAt = time.Time{}
	return s.assets.Save(context.WithoutCancel(ctx), ticketID, asset, ttl)
}

func (s *handoffService) Purge(ctx context.Context, now time.Time) (int, error) {
	return s.assets.Purge(ctx, now)
}

func (s *handoffService) TTL() time.Duration {
	return s.ttl
}

func (s *handoffService) publish(ctx context.Context, subject string, data any) {
	if err := s.events.Publish(ctx, subject, data); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}
