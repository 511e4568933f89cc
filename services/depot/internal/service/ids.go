package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// ticketIDBytes is the entropy of a ticket id: 128 bits.
const ticketIDBytes = 16

// NewTicketID returns an unguessable URL-safe ticket id.
func NewTicketID() (string, error) {
	var b [ticketIDBytes]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", fmt.Errorf("generate ticket id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
