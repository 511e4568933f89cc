package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/diagnosis/ticketdrop/pkg/logger"
)

const (
	MessageBatch   = "batch"
	MessageClaimed = "claimed"
)

// Message is one server-to-operator update.
type Message struct {
	Type     string
	Tickets  []string // batch
	TicketID string   // claimed
}

func BatchMessage(tickets []string) Message {
	if tickets == nil {
		tickets = []string{}
	}
	return Message{Type: MessageBatch, Tickets: tickets}
}

func ClaimedMessage(ticketID string) Message {
	return Message{Type: MessageClaimed, TicketID: ticketID}
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageBatch:
		return json.Marshal(struct {
			Type    string   `json:"type"`
			Tickets []string `json:"tickets"`
		}{m.Type, m.Tickets})
	default:
		return json.Marshal(struct {
			Type     string `json:"type"`
			TicketID string `json:"ticketId"`
		}{m.Type, m.TicketID})
	}
}

// Sink is one live operator connection. Send must return an error once the
// connection is gone. The hub calls Send from a single goroutine per sink.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

const DefaultOperatorQueue = 64

var ErrHubClosed = errors.New("operator hub closed")

// operator is an attached sink with its own outbound queue, drained by one
// writer goroutine.
type operator struct {
	sink  Sink
	limit int // batch size the operator asked for; 0 means all
	queue chan Message
}

// OperatorHub fans updates out to every open operator sink. Delivery is best
// effort: messages are queued per sink and written outside the hub lock. A
// sink whose Send fails or whose queue is full is closed and dropped, with no
// retry and no replay.
type OperatorHub struct {
	mu        sync.Mutex
	operators map[Sink]*operator
	queueSize int
	closed    bool
}

func NewOperatorHub() *OperatorHub {
	return newOperatorHub(DefaultOperatorQueue)
}

func newOperatorHub(queueSize int) *OperatorHub {
	if queueSize < 1 {
		queueSize = 1
	}
	return &OperatorHub{
		operators: make(map[Sink]*operator),
		queueSize: queueSize,
	}
}

// Attach registers the sink and queues its initial batch of up to limit
// tickets. The snapshot is taken and queued under the broadcast lock, so the
// batch always precedes any claim the sink receives.
func (h *OperatorHub) Attach(ctx context.Context, sink Sink, limit int, tickets func(limit int) []string) error {
	if limit < 0 {
		limit = 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if prev, ok := h.operators[sink]; ok {
		h.removeLocked(prev)
	}

	op := &operator{
		sink:  sink,
		limit: limit,
		queue: make(chan Message, h.queueSize),
	}
	op.queue <- BatchMessage(tickets(limit))
	h.operators[sink] = op

	go h.write(context.WithoutCancel(ctx), op)
	return nil
}

// write drains one operator's queue until it is closed or a Send fails.
func (h *OperatorHub) write(ctx context.Context, op *operator) {
	for msg := range op.queue {
		if err := op.sink.Send(ctx, msg); err != nil {
			logger.DebugContext(ctx, "Dropping operator connection", "error", err)
			h.drop(op)
			return
		}
	}
}

func (h *OperatorHub) drop(op *operator) {
	h.mu.Lock()
	removed := h.removeLocked(op)
	h.mu.Unlock()

	if removed {
		op.sink.Close()
	}
}

// removeLocked unregisters op and closes its queue. It reports false when op
// was already gone.
func (h *OperatorHub) removeLocked(op *operator) bool {
	if h.operators[op.sink] != op {
		return false
	}
	delete(h.operators, op.sink)
	close(op.queue)
	return true
}

func (h *OperatorHub) Detach(sink Sink) {
	h.mu.Lock()
	op, ok := h.operators[sink]
	if ok {
		h.removeLocked(op)
	}
	h.mu.Unlock()

	if ok {
		sink.Close()
	}
}

// Broadcast queues msg for every sink and returns how many accepted it.
// It never waits on a sink.
func (h *OperatorHub) Broadcast(ctx context.Context, msg Message) int {
	h.mu.Lock()
	queued, stalled := h.enqueueLocked(func(*operator) Message { return msg })
	h.mu.Unlock()

	h.closeStalled(ctx, stalled)
	return queued
}

// Reseed queues a fresh batch for every sink, e.g. after a new session
// starts. Each sink gets at most the number of tickets it asked for on
// Attach. Snapshots are taken under the broadcast lock, once per distinct
// limit.
func (h *OperatorHub) Reseed(ctx context.Context, tickets func(limit int) []string) int {
	h.mu.Lock()
	if len(h.operators) == 0 {
		h.mu.Unlock()
		return 0
	}

	snapshots := make(map[int]Message)
	queued, stalled := h.enqueueLocked(func(op *operator) Message {
		msg, ok := snapshots[op.limit]
		if !ok {
			msg = BatchMessage(tickets(op.limit))
			snapshots[op.limit] = msg
		}
		return msg
	})
	h.mu.Unlock()

	h.closeStalled(ctx, stalled)
	return queued
}

// enqueueLocked offers a message to every operator without blocking. Operators
// with a full queue are unregistered and returned for closing.
func (h *OperatorHub) enqueueLocked(msgFor func(*operator) Message) (queued int, stalled []Sink) {
	for _, op := range h.operators {
		select {
		case op.queue <- msgFor(op):
			queued++
		default:
			h.removeLocked(op)
			stalled = append(stalled, op.sink)
		}
	}
	return queued, stalled
}

func (h *OperatorHub) closeStalled(ctx context.Context, stalled []Sink) {
	for _, sink := range stalled {
		logger.WarnContext(ctx, "Dropping stalled operator connection")
		sink.Close()
	}
}

func (h *OperatorHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.operators)
}

// CloseAll disconnects every operator and refuses new ones. Used on shutdown.
func (h *OperatorHub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	sinks := make([]Sink, 0, len(h.operators))
	for _, op := range h.operators {
		h.removeLocked(op)
		sinks = append(sinks, op.sink)
	}
	h.mu.Unlock()

	for _, sink := range sinks {
		sink.Close()
	}
}
