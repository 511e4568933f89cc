package handlers

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/diagnosis/ticketdrop/pkg/logger"
	"github.com/diagnosis/ticketdrop/services/depot/internal/service"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// wsSink adapts a websocket connection to service.Sink. The hub calls Send
// from one writer goroutine per sink; Close uses WriteControl, which gorilla
// allows concurrently with that writer.
type wsSink struct {
	conn *websocket.Conn
	once sync.Once
}

func (s *wsSink) Send(_ context.Context, msg service.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

func (s *wsSink) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// OperatorFeed upgrades to a websocket and streams batch and claimed
// messages until the operator goes away. ?limit= bounds every batch it gets.
func (h *Handlers) OperatorFeed(w http.ResponseWriter, r *http.Request) {
	limit := defaultLiveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		logger.WarnContext(r.Context(), "Operator upgrade failed", "error", err)
		return
	}

	sink := &wsSink{conn: conn}
	ctx := r.Context()
	if err := h.gateway.Connect(ctx, sink, limit); err != nil {
		logger.WarnContext(ctx, "Operator rejected", "error", err)
		sink.Close()
		return
	}
	logger.InfoContext(ctx, "Operator connected")

	done := make(chan struct{})
	go keepAlive(conn, done)

	readUntilClosed(conn)

	close(done)
	h.gateway.Disconnect(sink)
	sink.Close()
	logger.InfoContext(ctx, "Operator disconnected")
}

// readUntilClosed drains inbound frames so control messages are processed.
// Operators never send data; anything they do send is ignored.
func readUntilClosed(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
