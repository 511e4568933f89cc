package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/ticketdrop/pkg/events"
	"github.com/diagnosis/ticketdrop/services/depot/internal/cryptox"
	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	subject string
	data    any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{subject, data})
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.subject)
	}
	return out
}

type gatewayFixture struct {
	gw        *Gateway
	dispenser *Dispenser
	hub       *OperatorHub
	events    *fakePublisher
	now       time.Time
}

func newGatewayFixture(t *testing.T, maxConcurrent int) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		dispenser: NewDispenser(DispenserOptions{MaxConcurrent: maxConcurrent, ReservationTimeout: time.Minute}),
		hub:       NewOperatorHub(),
		events:    &fakePublisher{},
		now:       t0,
	}
	f.gw = NewGateway(f.dispenser, f.hub, f.events, GatewayOptions{
		RetryAfter: 5 * time.Second,
		Now:        func() time.Time { return f.now },
	})
	return f
}

func TestGateway_InitClaimAck(t *testing.T) {
	f := newGatewayFixture(t, 1)
	ctx := context.Background()

	n, err := f.gw.HandleInit(ctx, []byte("shared file"), "text/plain", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sink := &fakeSink{}
	require.NoError(t, f.gw.Connect(ctx, sink, 10))
	ids := sink.waitMessages(t, 1)[0].Tickets
	require.Len(t, ids, 2)

	res := f.gw.HandleClaim(ctx, ids[0])
	require.Equal(t, ClaimGranted, res.Outcome, "%v", res.Err)
	assert.Equal(t, "text/plain", res.MimeType)

	plain, err := cryptox.OpenForTicket(res.Ciphertext, res.IV, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("shared file"), plain)

	res = f.gw.HandleClaim(ctx, ids[1])
	assert.Equal(t, ClaimRetry, res.Outcome)
	assert.Equal(t, 5*time.Second, res.RetryAfter)
	assert.Nil(t, res.IV)

	require.NoError(t, f.gw.HandleAck(ctx, ids[0]))
	assert.Equal(t, ClaimedMessage(ids[0]), sink.waitMessages(t, 2)[1])

	res = f.gw.HandleClaim(ctx, ids[1])
	assert.Equal(t, ClaimGranted, res.Outcome)

	res = f.gw.HandleClaim(ctx, ids[0])
	assert.Equal(t, ClaimRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, domain.ErrAlreadyClaimed)

	res = f.gw.HandleClaim(ctx, "bogus")
	assert.Equal(t, ClaimRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, domain.ErrInvalidTicket)

	assert.Equal(t, []string{events.SessionInitialized, events.TicketClaimed}, f.events.Subjects())
}

func TestGateway_PerTicketCiphertextsDiffer(t *testing.T) {
	f := newGatewayFixture(t, 2)
	ctx := context.Background()
	_, err := f.gw.HandleInit(ctx, []byte("same payload"), "text/plain", 2)
	require.NoError(t, err)
	ids := f.dispenser.ListAvailable(0)

	a := f.gw.HandleClaim(ctx, ids[0])
	b := f.gw.HandleClaim(ctx, ids[1])
	require.Equal(t, ClaimGranted, a.Outcome)
	require.Equal(t, ClaimGranted, b.Outcome)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)

	_, err = cryptox.OpenForTicket(a.Ciphertext, a.IV, ids[1])
	assert.ErrorIs(t, err, domain.ErrCryptoOperation)
}

func TestGateway_AckUnknown(t *testing.T) {
	f := newGatewayFixture(t, 1)
	ctx := context.Background()
	_, err := f.gw.HandleInit(ctx, []byte("x"), "text/plain", 1)
	require.NoError(t, err)
	sink := &fakeSink{}
	require.NoError(t, f.gw.Connect(ctx, sink, 10))
	sink.waitMessages(t, 1)

	id := f.dispenser.ListAvailable(0)[0]
	assert.ErrorIs(t, f.gw.HandleAck(ctx, id), domain.ErrUnknownTicket)
	assert.Len(t, sink.Messages(), 1, "no broadcast for a failed ack")
}

func TestGateway_InitReseedsOperators(t *testing.T) {
	f := newGatewayFixture(t, 1)
	ctx := context.Background()
	sink, small := &fakeSink{}, &fakeSink{}
	require.NoError(t, f.gw.Connect(ctx, sink, 10))
	require.NoError(t, f.gw.Connect(ctx, small, 2))
	assert.Equal(t, BatchMessage(nil), sink.waitMessages(t, 1)[0])

	_, err := f.gw.HandleInit(ctx, []byte("x"), "text/plain", 3)
	require.NoError(t, err)

	msgs := sink.waitMessages(t, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageBatch, msgs[1].Type)
	assert.Equal(t, f.dispenser.ListAvailable(0), msgs[1].Tickets)

	// the per-operator limit from Connect also bounds reseeds
	assert.Equal(t, f.dispenser.ListAvailable(2), small.waitMessages(t, 2)[1].Tickets)
}

func TestGateway_StalledOperatorDoesNotDelayAcks(t *testing.T) {
	f := newGatewayFixture(t, 2)
	t.Cleanup(f.hub.CloseAll)
	ctx := context.Background()

	_, err := f.gw.HandleInit(ctx, []byte("x"), "text/plain", 2)
	require.NoError(t, err)
	ids := f.dispenser.ListAvailable(0)

	watcher := &fakeSink{}
	require.NoError(t, f.gw.Connect(ctx, newStallSink(), 0))
	require.NoError(t, f.gw.Connect(ctx, watcher, 0))

	for _, id := range ids {
		require.Equal(t, ClaimGranted, f.gw.HandleClaim(ctx, id).Outcome)
	}

	start := time.Now()
	require.NoError(t, f.gw.HandleAck(ctx, ids[0]))
	require.NoError(t, f.gw.HandleAck(ctx, ids[1]))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	msgs := watcher.waitMessages(t, 3)
	assert.Equal(t, []Message{ClaimedMessage(ids[0]), ClaimedMessage(ids[1])}, msgs[1:])
}

func TestGateway_InitErrors(t *testing.T) {
	f := newGatewayFixture(t, 1)
	_, err := f.gw.HandleInit(context.Background(), []byte("x"), "text/plain", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidCount)
	assert.Empty(t, f.events.Subjects())
}

func TestGateway_ExpiredReservationRegranted(t *testing.T) {
	f := newGatewayFixture(t, 1)
	ctx := context.Background()
	_, err := f.gw.HandleInit(ctx, []byte("x"), "text/plain", 2)
	require.NoError(t, err)
	ids := f.dispenser.ListAvailable(0)

	require.Equal(t, ClaimGranted, f.gw.HandleClaim(ctx, ids[0]).Outcome)
	require.Equal(t, ClaimRetry, f.gw.HandleClaim(ctx, ids[1]).Outcome)

	f.now = f.now.Add(2 * time.Minute)
	require.Equal(t, 1, f.dispenser.Sweep(f.now))
	assert.Equal(t, ClaimGranted, f.gw.HandleClaim(ctx, ids[1]).Outcome)
}

func TestGateway_PublishFailureDoesNotFailAck(t *testing.T) {
	f := newGatewayFixture(t, 1)
	f.events.err = errors.New("nats down")
	ctx := context.Background()

	_, err := f.gw.HandleInit(ctx, []byte("x"), "text/plain", 1)
	require.NoError(t, err)
	id := f.dispenser.ListAvailable(0)[0]
	require.Equal(t, ClaimGranted, f.gw.HandleClaim(ctx, id).Outcome)
	assert.NoError(t, f.gw.HandleAck(ctx, id))
}

func TestClaimOutcome_String(t *testing.T) {
	assert.Equal(t, "granted", ClaimGranted.String())
	assert.Equal(t, "retry", ClaimRetry.String())
	assert.Equal(t, "rejected", ClaimRejected.String())
}
