package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/ticketdrop/pkg/logger"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(subject string, handler func(msg *Message)) error
	Close() error
}

type EventBus interface {
	Publisher
	Subscriber
}

type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
}

type NATSEventBus struct {
	conn *nats.Conn
}

var _ EventBus = (*NATSEventBus)(nil)

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url, nats.Name("ticketdrop-depot"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject)

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Subscribe(subject string, handler func(msg *Message)) error {
	_, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
		})
	})
	return err
}

func (n *NATSEventBus) Close() error {
	n.conn.Close()
	return nil
}

// NopPublisher drops every event. Used when no NATS_URL is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, interface{}) error { return nil }
func (NopPublisher) Close() error                                       { return nil }

// Event subjects
const (
	TicketMinted       = "depot.ticket.minted"
	TicketHandedOff    = "depot.ticket.handed_off"
	SessionInitialized = "depot.session.initialized"
	TicketClaimed      = "depot.ticket.claimed"

	// AllSubjects matches every depot event.
	AllSubjects = "depot.>"
)

// Event payloads. Ticket ids are carried as TicketRef fingerprints except for
// TicketClaimedEvent, whose id is already burned.
type TicketMintedEvent struct {
	TicketRef string    `json:"ticket_ref"`
	MimeType  string    `json:"mime_type"`
	Size      int       `json:"size"`
	MintedAt  time.Time `json:"minted_at"`
}

type TicketHandedOffEvent struct {
	TicketRef   string    `json:"ticket_ref"`
	HandedOffAt time.Time `json:"handed_off_at"`
}

type SessionInitializedEvent struct {
	TicketCount   int       `json:"ticket_count"`
	MimeType      string    `json:"mime_type"`
	Size          int       `json:"size"`
	MaxConcurrent int       `json:"max_concurrent"`
	InitializedAt time.Time `json:"initialized_at"`
}

type TicketClaimedEvent struct {
	TicketID  string    `json:"ticket_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}
