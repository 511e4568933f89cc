package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/diagnosis/ticketdrop/pkg/logger"
	"github.com/diagnosis/ticketdrop/pkg/response"
	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
	"github.com/go-chi/chi/v5"
)

type MintResponse struct {
	TicketID         string `json:"ticketId"`
	ClaimURL         string `json:"claimUrl"`
	ExpiresInSeconds int64  `json:"expiresInSeconds,omitempty"`
}

type ClaimRequest struct {
	// PublicKey is a JWK object or a PEM string.
	PublicKey json.RawMessage `json:"publicKey"`
}

// ClaimResponse fields are standard base64 on the wire.
type ClaimResponse struct {
	EncryptedFile []byte `json:"encryptedFile"`
	WrappedKey    []byte `json:"wrappedKey"`
	IV            []byte `json:"iv"`
	MimeType      string `json:"mimeType"`
}

// MintTicket stores the request body as a single-use asset.
func (h *Handlers) MintTicket(w http.ResponseWriter, r *http.Request) {
	body, mimeType, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	id, err := h.handoff.Mint(r.Context(), body, mimeType)
	if err != nil {
		logger.ErrorContext(r.Context(), "Mint failed", "error", err)
		response.InternalError(w, "Failed to mint ticket")
		return
	}

	response.WriteJSON(w, http.StatusCreated, MintResponse{
		TicketID:         id,
		ClaimURL:         h.singleClaimURL(id),
		ExpiresInSeconds: int64(h.handoff.TTL().Seconds()),
	})
}

// ClaimTicket burns the ticket and returns the file sealed for the caller's key.
func (h *Handlers) ClaimTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")

	var req ClaimRequest
	if !decodeJSON(w, r, maxClaimBodyBytes, &req) {
		return
	}
	key, err := receiverKeyBytes(req.PublicKey)
	if err != nil {
		response.BadRequest(w, "publicKey must be a JWK object or a PEM string")
		return
	}

	bundle, err := h.handoff.Claim(r.Context(), ticketID, key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, "Ticket not found", response.CodeNotFound)
		return
	case errors.Is(err, domain.ErrKeyImport):
		response.WriteError(w, http.StatusBadRequest, "Receiver public key rejected", response.CodeKeyImport)
		return
	case errors.Is(err, domain.ErrCryptoOperation):
		logger.ErrorContext(r.Context(), "Handoff encryption failed", "ticket_ref", logger.TicketRef(ticketID))
		response.WriteError(w, http.StatusInternalServerError, "Encryption failed", response.CodeCryptoFailed)
		return
	case err != nil:
		logger.ErrorContext(r.Context(), "Claim failed", "ticket_ref", logger.TicketRef(ticketID), "error", err)
		response.InternalError(w, "Failed to claim ticket")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	response.WriteJSON(w, http.StatusOK, ClaimResponse{
		EncryptedFile: bundle.Ciphertext,
		WrappedKey:    bundle.WrappedKey,
		IV:            bundle.IV,
		MimeType:      bundle.MimeType,
	})
}

func receiverKeyBytes(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("missing publicKey")
	}
	if raw[0] == '"' {
		var pemText string
		if err := json.Unmarshal(raw, &pemText); err != nil {
			return nil, err
		}
		return []byte(pemText), nil
	}
	return raw, nil
}
