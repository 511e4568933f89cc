package service

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/ticketdrop/pkg/events"
	"github.com/diagnosis/ticketdrop/pkg/logger"
	"github.com/diagnosis/ticketdrop/services/depot/internal/cryptox"
	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
)

// ClaimOutcome tags the result of a mass claim.
type ClaimOutcome int

const (
	ClaimGranted ClaimOutcome = iota
	ClaimRetry
	ClaimRejected
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimGranted:
		return "granted"
	case ClaimRetry:
		return "retry"
	default:
		return "rejected"
	}
}

// ClaimResult is the transport-neutral answer to a mass claim. Only the
// fields for its Outcome are set.
type ClaimResult struct {
	Outcome ClaimOutcome

	// granted
	Ciphertext []byte
	IV         []byte
	MimeType   string

	// retry
	RetryAfter time.Duration

	// rejected
	Err error
}

type GatewayOptions struct {
	RetryAfter time.Duration
	Now        func() time.Time
}

// Gateway is the network-facing side of the dispenser. It funnels every
// mutation into the Dispenser, encrypts the shared payload per ticket just
// before it leaves the process, and keeps operators up to date.
type Gateway struct {
	dispenser  *Dispenser
	hub        *OperatorHub
	events     events.Publisher
	retryAfter time.Duration
	now        func() time.Time
}

func NewGateway(dispenser *Dispenser, hub *OperatorHub, publisher events.Publisher, opts GatewayOptions) *Gateway {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Gateway{
		dispenser:  dispenser,
		hub:        hub,
		events:     publisher,
		retryAfter: opts.RetryAfter,
		now:        opts.Now,
	}
}

// HandleClaim reserves ticketID and, when granted, returns the payload
// encrypted under the ticket's derived key.
func (g *Gateway) HandleClaim(ctx context.Context, ticketID string) ClaimResult {
	ref := logger.TicketRef(ticketID)

	grant, err := g.dispenser.Reserve(ticketID, g.now())
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		logger.DebugContext(ctx, "Claim queued", "ticket_ref", ref)
		return ClaimResult{Outcome: ClaimRetry, RetryAfter: g.retryAfter}
	case err != nil:
		logger.InfoContext(ctx, "Claim rejected", "ticket_ref", ref, "reason", err.Error())
		return ClaimResult{Outcome: ClaimRejected, Err: err}
	}

	ciphertext, iv, err := cryptox.SealForTicket(grant.Payload, ticketID)
	if err != nil {
		if grant.Fresh {
			g.dispenser.Release(ticketID)
		}
		logger.ErrorContext(ctx, "Claim encryption failed", "ticket_ref", ref, "error", err)
		return ClaimResult{Outcome: ClaimRejected, Err: err}
	}

	logger.InfoContext(ctx, "Claim granted", "ticket_ref", ref, "fresh", grant.Fresh, "size", len(ciphertext))
	return ClaimResult{
		Outcome:    ClaimGranted,
		Ciphertext: ciphertext,
		IV:         iv,
		MimeType:   grant.MimeType,
	}
}

// HandleAck burns ticketID and tells every operator about it.
func (g *Gateway) HandleAck(ctx context.Context, ticketID string) error {
	if err := g.dispenser.Acknowledge(ticketID); err != nil {
		return err
	}

	delivered := g.hub.Broadcast(ctx, ClaimedMessage(ticketID))
	logger.InfoContext(ctx, "Ticket burned", "ticket_ref", logger.TicketRef(ticketID), "operators", delivered)

	g.publish(ctx, events.TicketClaimed, events.TicketClaimedEvent{
		TicketID:  ticketID,
		ClaimedAt: g.now(),
	})
	return nil
}

// HandleInit starts a new dispensing session and returns the ticket count.
func (g *Gateway) HandleInit(ctx context.Context, payload []byte, mimeType string, count int) (int, error) {
	if err := g.dispenser.Initialize(payload, mimeType, count); err != nil {
		return 0, err
	}

	g.hub.Reseed(ctx, g.dispenser.ListAvailable)
	logger.InfoContext(ctx, "Dispensing session initialized", "tickets", count, "mime_type", mimeType, "size", len(payload))

	g.publish(ctx, events.SessionInitialized, events.SessionInitializedEvent{
		TicketCount:   count,
		MimeType:      mimeType,
		Size:          len(payload),
		MaxConcurrent: g.dispenser.MaxConcurrent(),
		InitializedAt: g.now(),
	})
	return count, nil
}

// Connect attaches an operator sink, seeding it with up to limit available
// tickets now and after every init. limit <= 0 means all of them.
func (g *Gateway) Connect(ctx context.Context, sink Sink, limit int) error {
	return g.hub.Attach(ctx, sink, limit, g.dispenser.ListAvailable)
}

func (g *Gateway) Disconnect(sink Sink) {
	g.hub.Detach(sink)
}

func (g *Gateway) Stats() domain.Stats {
	return g.dispenser.Stats()
}

func (g *Gateway) TicketStatus(ticketID string) (domain.TicketStatus, bool) {
	return g.dispenser.Status(ticketID)
}

func (g *Gateway) publish(ctx context.Context, subject string, data any) {
	if err := g.events.Publish(ctx, subject, data); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}
