package domain

import (
	"errors"
	"time"
)

// TicketStatus is the lifecycle state of a dispenser ticket.
//
//	AVAILABLE -> RESERVED -> CLAIMED
//	RESERVED  -> AVAILABLE (reservation timeout)
//
// CLAIMED is terminal.
type TicketStatus string

const (
	TicketAvailable TicketStatus = "available"
	TicketReserved  TicketStatus = "reserved"
	TicketClaimed   TicketStatus = "claimed"
)

func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketAvailable, TicketReserved, TicketClaimed:
		return true
	default:
		return false
	}
}

// Ticket is one single-use download authorization in a dispensing session.
type Ticket struct {
	ID         string
	Status     TicketStatus
	ReservedAt time.Time // zero unless Status == TicketReserved
}

// Asset is the pending file behind a single-mode ticket.
type Asset struct {
	Content  []byte
	MimeType string
	// ExpiresAt is set by Take; zero means the asset never expired.
	ExpiresAt time.Time
}

// HandoffBundle is what a receiver gets back from a single-mode claim. Only
// the holder of the matching private key can unwrap Key and open Ciphertext.
type HandoffBundle struct {
	Ciphertext []byte // AES-256-GCM output, tag appended
	WrappedKey []byte // RSA-OAEP(SHA-256) wrap of the 32-byte content key
	IV         []byte // 12-byte GCM nonce
	MimeType   string
}

// Grant is handed out by a successful reservation. Payload is shared by every
// ticket of the session and must be treated as read-only.
type Grant struct {
	TicketID string
	Payload  []byte
	MimeType string
	// Fresh is true when this reservation took the download slot, false when
	// the ticket was already held.
	Fresh bool
}

// Stats is a point-in-time view of the dispensing session.
type Stats struct {
	TicketCount            int `json:"ticketCount"`
	Available              int `json:"available"`
	Reserved               int `json:"reserved"`
	Claimed                int `json:"claimed"`
	ActiveDownloads        int `json:"activeDownloads"`
	MaxConcurrentDownloads int `json:"maxConcurrentDownloads"`
}

var (
	// dispenser
	ErrInvalidTicket  = errors.New("invalid ticket")
	ErrAlreadyClaimed = errors.New("ticket already claimed")
	ErrQueueFull      = errors.New("download queue full")
	ErrUnknownTicket  = errors.New("ticket is not reserved")
	ErrInvalidCount   = errors.New("invalid ticket count")
	ErrEmptyPayload   = errors.New("payload is empty")

	// single-ticket store
	ErrNotFound = errors.New("ticket not found")

	// crypto
	ErrKeyImport       = errors.New("public key import failed")
	ErrCryptoOperation = errors.New("crypto operation failed")
)

// IsTransient reports whether the caller should retry later rather than give up.
func IsTransient(err error) bool {
	return errors.Is(err, ErrQueueFull)
}
