package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
)

const DefaultReservationTimeout = 5 * time.Minute

type DispenserOptions struct {
	MaxConcurrent      int
	ReservationTimeout time.Duration
	MaxTickets         int // 0 means unbounded
}

// Dispenser owns the single dispensing session: the shared payload, every
// ticket and the download gate. All transitions happen under mu, so the
// invariant active == count(RESERVED) <= maxConcurrent holds between calls.
type Dispenser struct {
	mu       sync.Mutex
	payload  []byte
	mimeType string
	tickets  map[string]*domain.Ticket
	order    []string // insertion order for ListAvailable
	active   int

	maxConcurrent      int
	reservationTimeout time.Duration
	maxTickets         int
	newID              func() (string, error)
}

func NewDispenser(opts DispenserOptions) *Dispenser {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.ReservationTimeout <= 0 {
		opts.ReservationTimeout = DefaultReservationTimeout
	}
	return &Dispenser{
		tickets:            make(map[string]*domain.Ticket),
		maxConcurrent:      opts.MaxConcurrent,
		reservationTimeout: opts.ReservationTimeout,
		maxTickets:         opts.MaxTickets,
		newID:              NewTicketID,
	}
}

// Initialize replaces the session with count fresh AVAILABLE tickets.
// Outstanding reservations of the previous session are abandoned.
func (d *Dispenser) Initialize(payload []byte, mimeType string, count int) error {
	if count < 1 || (d.maxTickets > 0 && count > d.maxTickets) {
		return fmt.Errorf("%w: %d", domain.ErrInvalidCount, count)
	}
	if len(payload) == 0 {
		return domain.ErrEmptyPayload
	}

	tickets := make(map[string]*domain.Ticket, count)
	order := make([]string, 0, count)
	for len(order) < count {
		id, err := d.newID()
		if err != nil {
			return err
		}
		if _, dup := tickets[id]; dup {
			continue
		}
		tickets[id] = &domain.Ticket{ID: id, Status: domain.TicketAvailable}
		order = append(order, id)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.payload = payload
	d.mimeType = mimeType
	d.tickets = tickets
	d.order = order
	d.active = 0
	return nil
}

// Reserve takes a download slot for ticketID. A nil error means granted.
//
// A RESERVED ticket older than the reservation timeout is returned to
// AVAILABLE first. A RESERVED ticket still within its hold is granted again
// without taking a second slot; Grant.Fresh tells the two cases apart.
func (d *Dispenser) Reserve(ticketID string, now time.Time) (*domain.Grant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tickets[ticketID]
	if !ok {
		return nil, domain.ErrInvalidTicket
	}

	switch t.Status {
	case domain.TicketClaimed:
		return nil, domain.ErrAlreadyClaimed
	case domain.TicketReserved:
		if !d.expired(t, now) {
			return d.grant(t, false), nil
		}
		d.release(t)
	}

	if d.active >= d.maxConcurrent {
		return nil, domain.ErrQueueFull
	}

	t.Status = domain.TicketReserved
	t.ReservedAt = now
	d.active++
	return d.grant(t, true), nil
}

// Acknowledge burns a RESERVED ticket and frees its slot. Any other state
// yields domain.ErrUnknownTicket.
func (d *Dispenser) Acknowledge(ticketID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tickets[ticketID]
	if !ok || t.Status != domain.TicketReserved {
		return domain.ErrUnknownTicket
	}

	t.Status = domain.TicketClaimed
	t.ReservedAt = time.Time{}
	d.decrementActive()
	return nil
}

// Release returns a RESERVED ticket to AVAILABLE. It undoes a fresh grant
// whose response could not be produced.
func (d *Dispenser) Release(ticketID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tickets[ticketID]
	if !ok || t.Status != domain.TicketReserved {
		return false
	}
	d.release(t)
	return true
}

// ListAvailable returns up to limit AVAILABLE ids in insertion order.
// limit <= 0 returns all of them.
func (d *Dispenser) ListAvailable(limit int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0)
	for _, id := range d.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		if d.tickets[id].Status == domain.TicketAvailable {
			out = append(out, id)
		}
	}
	return out
}

// Sweep expires every stale reservation and reports how many were released.
func (d *Dispenser) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	released := 0
	for _, id := range d.order {
		t := d.tickets[id]
		if t.Status == domain.TicketReserved && d.expired(t, now) {
			d.release(t)
			released++
		}
	}
	return released
}

// Status reports the state of one ticket.
func (d *Dispenser) Status(ticketID string) (domain.TicketStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tickets[ticketID]
	if !ok {
		return "", false
	}
	return t.Status, true
}

func (d *Dispenser) Stats() domain.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := domain.Stats{
		TicketCount:            len(d.tickets),
		ActiveDownloads:        d.active,
		MaxConcurrentDownloads: d.maxConcurrent,
	}
	for _, t := range d.tickets {
		switch t.Status {
		case domain.TicketAvailable:
			s.Available++
		case domain.TicketReserved:
			s.Reserved++
		case domain.TicketClaimed:
			s.Claimed++
		}
	}
	return s
}

func (d *Dispenser) MaxConcurrent() int {
	return d.maxConcurrent
}

func (d *Dispenser) grant(t *domain.Ticket, fresh bool) *domain.Grant {
	return &domain.Grant{
		TicketID: t.ID,
		Payload:  d.payload,
		MimeType: d.mimeType,
		Fresh:    fresh,
	}
}

func (d *Dispenser) expired(t *domain.Ticket, now time.Time) bool {
	return now.Sub(t.ReservedAt) > d.reservationTimeout
}

// release must be called with mu held on a RESERVED ticket.
func (d *Dispenser) release(t *domain.Ticket) {
	t.Status = domain.TicketAvailable
	t.ReservedAt = time.Time{}
	d.decrementActive()
}

func (d *Dispenser) decrementActive() {
	if d.active > 0 {
		d.active--
	}
}
