package handlers

import (
	"encoding/base64"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/diagnosis/ticketdrop/pkg/logger"
	"github.com/diagnosis/ticketdrop/pkg/response"
	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
	"github.com/diagnosis/ticketdrop/services/depot/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
)

const (
	HeaderIV       = "X-Depot-IV"
	HeaderMimeType = "X-Depot-Mime-Type"

	qrSize = 256
)

type InitResponse struct {
	TicketCount int `json:"ticketCount"`
}

type AckRequest struct {
	TicketID string `json:"ticketId"`
}

type AckResponse struct {
	Status string `json:"status"`
}

var waitingRoom = template.Must(template.New("waiting").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.Seconds}}">
<title>Please wait</title>
</head>
<body>
<h1>All download slots are busy</h1>
<p>Your ticket is still valid. This page retries in {{.Seconds}} seconds.</p>
</body>
</html>
`))

// InitDispenser starts a session with ?count=N tickets sharing the body.
func (h *Handlers) InitDispenser(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil {
		response.BadRequest(w, "count must be a positive integer")
		return
	}

	body, mimeType, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	if mimeType == "" {
		mimeType = service.DefaultMimeType
	}

	n, err := h.gateway.HandleInit(r.Context(), body, mimeType, count)
	switch {
	case errors.Is(err, domain.ErrInvalidCount):
		response.BadRequest(w, "count is out of range")
		return
	case errors.Is(err, domain.ErrEmptyPayload):
		response.BadRequest(w, "File is empty")
		return
	case err != nil:
		logger.ErrorContext(r.Context(), "Dispenser init failed", "error", err)
		response.InternalError(w, "Failed to initialize dispenser")
		return
	}

	response.WriteJSON(w, http.StatusCreated, InitResponse{TicketCount: n})
}

// ClaimDispensed answers with the ticket-encrypted payload, a waiting room,
// or a rejection.
func (h *Handlers) ClaimDispensed(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	result := h.gateway.HandleClaim(r.Context(), ticketID)

	switch result.Outcome {
	case service.ClaimGranted:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Ciphertext)))
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set(HeaderIV, base64.StdEncoding.EncodeToString(result.IV))
		w.Header().Set(HeaderMimeType, result.MimeType)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(result.Ciphertext); err != nil {
			logger.WarnContext(r.Context(), "Download interrupted", "ticket_ref", logger.TicketRef(ticketID), "error", err)
		}

	case service.ClaimRetry:
		writeWaitingRoom(w, r, result.RetryAfter)

	default:
		switch {
		case errors.Is(result.Err, domain.ErrInvalidTicket):
			response.WriteError(w, http.StatusNotFound, "Invalid ticket", response.CodeInvalidTicket)
		case errors.Is(result.Err, domain.ErrAlreadyClaimed):
			response.WriteError(w, http.StatusGone, "Ticket already claimed", response.CodeAlreadyClaimed)
		default:
			response.WriteError(w, http.StatusInternalServerError, "Encryption failed", response.CodeCryptoFailed)
		}
	}
}

func writeWaitingRoom(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.WriteHeader(http.StatusAccepted)
	if err := waitingRoom.Execute(w, struct{ Seconds int }{seconds}); err != nil {
		logger.WarnContext(r.Context(), "Failed to render waiting room", "error", err)
	}
}

// AckDispensed burns a reserved ticket once the receiver has the file.
func (h *Handlers) AckDispensed(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if !decodeJSON(w, r, maxClaimBodyBytes, &req) {
		return
	}
	if req.TicketID == "" {
		response.BadRequest(w, "ticketId is required")
		return
	}

	err := h.gateway.HandleAck(r.Context(), req.TicketID)
	if errors.Is(err, domain.ErrUnknownTicket) {
		response.WriteError(w, http.StatusNotFound, "Ticket is not awaiting acknowledgement", response.CodeUnknownTicket)
		return
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "Ack failed", "error", err)
		response.InternalError(w, "Failed to acknowledge ticket")
		return
	}

	response.WriteJSON(w, http.StatusOK, AckResponse{Status: "burned"})
}

func (h *Handlers) DispenserStatus(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.gateway.Stats())
}

// TicketQR renders the claim link of an AVAILABLE ticket as a PNG.
func (h *Handlers) TicketQR(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	status, ok := h.gateway.TicketStatus(ticketID)
	if !ok || status != domain.TicketAvailable {
		response.NotFound(w, "No available ticket with that id")
		return
	}

	png, err := qrcode.Encode(h.dispenserClaimURL(ticketID), qrcode.Medium, qrSize)
	if err != nil {
		logger.ErrorContext(r.Context(), "QR encode failed", "error", err)
		response.InternalError(w, "Failed to render QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
