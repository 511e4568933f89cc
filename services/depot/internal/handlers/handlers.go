package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/diagnosis/ticketdrop/pkg/response"
	"github.com/diagnosis/ticketdrop/services/depot/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	maxClaimBodyBytes = 64 << 10
	defaultLiveLimit  = 100

	defaultMaxUploadBytes = 25 << 20
)

type Options struct {
	PublicBaseURL  string
	MaxUploadBytes int64
	AllowedOrigins []string
	// RateLimit wraps the upload and claim routes when set.
	RateLimit func(http.Handler) http.Handler
}

type Handlers struct {
	handoff  service.HandoffService
	gateway  *service.Gateway
	opts     Options
	upgrader websocket.Upgrader
}

func New(handoff service.HandoffService, gateway *service.Gateway, opts Options) *Handlers {
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	h := &Handlers{
		handoff: handoff,
		gateway: gateway,
		opts:    opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Routes returns the /v1 API.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	limited := func(r chi.Router) chi.Router {
		if h.opts.RateLimit == nil {
			return r
		}
		return r.With(h.opts.RateLimit)
	}

	r.Route("/tickets", func(r chi.Router) {
		limited(r).Post("/", h.MintTicket)
		limited(r).Post("/{ticketId}/claim", h.ClaimTicket)
	})

	r.Route("/dispenser", func(r chi.Router) {
		limited(r).Post("/init", h.InitDispenser)
		r.Get("/claim/{ticketId}", h.ClaimDispensed)
		r.Post("/ack", h.AckDispensed)
		r.Get("/live", h.OperatorFeed)
		r.Get("/status", h.DispenserStatus)
		r.Get("/tickets/{ticketId}/qr.png", h.TicketQR)
	})

	return r
}

func (h *Handlers) singleClaimURL(ticketID string) string {
	return h.opts.PublicBaseURL + "/v1/tickets/" + url.PathEscape(ticketID) + "/claim"
}

func (h *Handlers) dispenserClaimURL(ticketID string) string {
	return h.opts.PublicBaseURL + "/v1/dispenser/claim/" + url.PathEscape(ticketID)
}

func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// readUpload reads the raw request body up to the configured cap. It writes
// the error response itself and returns ok=false on failure.
func (h *Handlers) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.PayloadTooLarge(w, "File exceeds the upload limit of "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return nil, "", false
		}
		response.BadRequest(w, "Failed to read request body")
		return nil, "", false
	}
	return body, strings.TrimSpace(r.Header.Get("Content-Type")), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return false
	}
	return true
}
