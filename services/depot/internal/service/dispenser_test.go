package service

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestDispenser(t *testing.T, maxConcurrent, count int) (*Dispenser, []string) {
	t.Helper()
	d := NewDispenser(DispenserOptions{MaxConcurrent: maxConcurrent, ReservationTimeout: 5 * time.Minute, MaxTickets: 1000})
	require.NoError(t, d.Initialize([]byte("payload"), "image/png", count))
	ids := d.ListAvailable(0)
	require.Len(t, ids, count)
	return d, ids
}

// checkInvariants verifies active == count(RESERVED) <= max.
func checkInvariants(t *testing.T, d *Dispenser) {
	t.Helper()
	s := d.Stats()
	assert.Equal(t, s.Reserved, s.ActiveDownloads, "active downloads must equal reserved tickets")
	assert.LessOrEqual(t, s.ActiveDownloads, s.MaxConcurrentDownloads)
	assert.GreaterOrEqual(t, s.ActiveDownloads, 0)
	assert.Equal(t, s.TicketCount, s.Available+s.Reserved+s.Claimed)
}

func TestDispenser_GateScenario(t *testing.T) {
	d, ids := newTestDispenser(t, 2, 3)
	a, b, c := ids[0], ids[1], ids[2]

	g, err := d.Reserve(a, t0)
	require.NoError(t, err)
	assert.True(t, g.Fresh)
	assert.Equal(t, []byte("payload"), g.Payload)
	assert.Equal(t, "image/png", g.MimeType)

	_, err = d.Reserve(b, t0)
	require.NoError(t, err)

	_, err = d.Reserve(c, t0)
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	require.NoError(t, d.Acknowledge(a))
	assert.Equal(t, 1, d.Stats().ActiveDownloads)

	_, err = d.Reserve(c, t0)
	assert.NoError(t, err)
	checkInvariants(t, d)
}

func TestDispenser_InitScenario(t *testing.T) {
	d, ids := newTestDispenser(t, 2, 3)

	assert.Equal(t, ids, d.ListAvailable(10))
	for _, id := range ids {
		assert.ErrorIs(t, d.Acknowledge(id), domain.ErrUnknownTicket)
	}
	assert.ErrorIs(t, d.Acknowledge("nope"), domain.ErrUnknownTicket)
	checkInvariants(t, d)
}

func TestDispenser_ReserveUnknownAndClaimed(t *testing.T) {
	d, ids := newTestDispenser(t, 2, 1)

	_, err := d.Reserve("unknown", t0)
	assert.ErrorIs(t, err, domain.ErrInvalidTicket)

	_, err = d.Reserve(ids[0], t0)
	require.NoError(t, err)
	require.NoError(t, d.Acknowledge(ids[0]))

	_, err = d.Reserve(ids[0], t0)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	// far in the future: still claimed
	_, err = d.Reserve(ids[0], t0.Add(24*time.Hour))
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.ErrorIs(t, d.Acknowledge(ids[0]), domain.ErrUnknownTicket)
	assert.False(t, d.Release(ids[0]))
	assert.Zero(t, d.Sweep(t0.Add(48*time.Hour)))

	status, ok := d.Status(ids[0])
	require.True(t, ok)
	assert.Equal(t, domain.TicketClaimed, status)
}

func TestDispenser_ReReserveDoesNotDoubleCount(t *testing.T) {
	d, ids := newTestDispenser(t, 2, 2)

	_, err := d.Reserve(ids[0], t0)
	require.NoError(t, err)

	g, err := d.Reserve(ids[0], t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, g.Fresh)
	assert.Equal(t, 1, d.Stats().ActiveDownloads)

	// the hold is not extended by the second grant
	_, err = d.Reserve(ids[1], t0)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Sweep(t0.Add(5*time.Minute+time.Second)))
	checkInvariants(t, d)
}

func TestDispenser_TimeoutRecovery(t *testing.T) {
	d, ids := newTestDispenser(t, 1, 2)
	a, b := ids[0], ids[1]

	_, err := d.Reserve(a, t0)
	require.NoError(t, err)

	_, err = d.Reserve(b, t0.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	// exactly at the timeout the hold still counts
	g, err := d.Reserve(a, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, g.Fresh)

	// past the timeout the ticket is recycled and re-granted immediately
	g, err = d.Reserve(a, t0.Add(5*time.Minute+time.Second))
	require.NoError(t, err)
	assert.True(t, g.Fresh)
	assert.Equal(t, 1, d.Stats().ActiveDownloads)
	checkInvariants(t, d)
}

func TestDispenser_ExpiredTicketWaitsWhenGateFull(t *testing.T) {
	d, ids := newTestDispenser(t, 1, 2)
	a, b := ids[0], ids[1]

	_, err := d.Reserve(a, t0)
	require.NoError(t, err)

	later := t0.Add(10 * time.Minute)
	// b's reservation request does not pre-empt a's expired hold
	_, err = d.Reserve(b, later)
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	// touching a releases it, then re-grants it
	_, err = d.Reserve(a, later)
	require.NoError(t, err)
	checkInvariants(t, d)
}

func TestDispenser_SweepFreesSlots(t *testing.T) {
	d, ids := newTestDispenser(t, 1, 2)

	_, err := d.Reserve(ids[0], t0)
	require.NoError(t, err)

	assert.Zero(t, d.Sweep(t0.Add(time.Minute)))
	assert.Equal(t, 1, d.Sweep(t0.Add(6*time.Minute)))

	status, _ := d.Status(ids[0])
	assert.Equal(t, domain.TicketAvailable, status)

	_, err = d.Reserve(ids[1], t0.Add(6*time.Minute))
	assert.NoError(t, err)
	checkInvariants(t, d)
}

func TestDispenser_ReinitDiscardsState(t *testing.T) {
	d, old := newTestDispenser(t, 2, 3)
	_, err := d.Reserve(old[0], t0)
	require.NoError(t, err)

	require.NoError(t, d.Initialize([]byte("next"), "text/plain", 2))

	fresh := d.ListAvailable(0)
	assert.Len(t, fresh, 2)
	assert.Zero(t, d.Stats().ActiveDownloads)
	for _, id := range old {
		assert.NotContains(t, fresh, id)
		_, err := d.Reserve(id, t0)
		assert.ErrorIs(t, err, domain.ErrInvalidTicket)
	}

	g, err := d.Reserve(fresh[0], t0)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), g.Payload)
	assert.Equal(t, "text/plain", g.MimeType)
}

func TestDispenser_InitializeValidation(t *testing.T) {
	d := NewDispenser(DispenserOptions{MaxConcurrent: 1, MaxTickets: 10})

	assert.ErrorIs(t, d.Initialize([]byte("x"), "text/plain", 0), domain.ErrInvalidCount)
	assert.ErrorIs(t, d.Initialize([]byte("x"), "text/plain", 11), domain.ErrInvalidCount)
	assert.ErrorIs(t, d.Initialize(nil, "text/plain", 1), domain.ErrEmptyPayload)

	_, err := d.Reserve("anything", t0)
	assert.ErrorIs(t, err, domain.ErrInvalidTicket)
	assert.Empty(t, d.ListAvailable(5))
}

func TestDispenser_InitializeSkipsDuplicateIDs(t *testing.T) {
	d := NewDispenser(DispenserOptions{MaxConcurrent: 1})
	seq := []string{"a", "a", "b", "b", "c"}
	d.newID = func() (string, error) {
		id := seq[0]
		seq = seq[1:]
		return id, nil
	}

	require.NoError(t, d.Initialize([]byte("x"), "text/plain", 3))
	assert.Equal(t, []string{"a", "b", "c"}, d.ListAvailable(0))
}

func TestDispenser_ListAvailableLimitAndOrder(t *testing.T) {
	d, ids := newTestDispenser(t, 5, 5)

	assert.Equal(t, ids[:2], d.ListAvailable(2))

	_, err := d.Reserve(ids[0], t0)
	require.NoError(t, err)
	assert.Equal(t, ids[1:4], d.ListAvailable(3))
}

func TestDispenser_Release(t *testing.T) {
	d, ids := newTestDispenser(t, 1, 1)

	assert.False(t, d.Release(ids[0]))
	_, err := d.Reserve(ids[0], t0)
	require.NoError(t, err)
	assert.True(t, d.Release(ids[0]))
	assert.Zero(t, d.Stats().ActiveDownloads)
	checkInvariants(t, d)
}

func TestDispenser_RandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	d, ids := newTestDispenser(t, 3, 12)
	now := t0

	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		now = now.Add(time.Duration(rng.Intn(90)) * time.Second)

		before, _ := d.Status(id)
		switch rng.Intn(4) {
		case 0, 1:
			d.Reserve(id, now)
		case 2:
			d.Acknowledge(id)
		case 3:
			d.Sweep(now)
		}
		after, _ := d.Status(id)
		if before == domain.TicketClaimed {
			require.Equal(t, domain.TicketClaimed, after, "claimed is terminal")
		}
		checkInvariants(t, d)
	}
}

func TestDispenser_ConcurrentReserveRespectsCap(t *testing.T) {
	const max = 4
	d, ids := newTestDispenser(t, max, 64)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if g, err := d.Reserve(id, t0); err == nil && g.Fresh {
				granted.Add(1)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(max), granted.Load())
	checkInvariants(t, d)
}

func TestDispenser_ConcurrentMixedOperations(t *testing.T) {
	d, ids := newTestDispenser(t, 3, 32)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 300; i++ {
				id := ids[rng.Intn(len(ids))]
				switch rng.Intn(5) {
				case 0:
					d.Acknowledge(id)
				case 1:
					d.Sweep(t0.Add(time.Duration(rng.Intn(20)) * time.Minute))
				case 2:
					d.ListAvailable(10)
				default:
					d.Reserve(id, t0.Add(time.Duration(rng.Intn(20))*time.Minute))
				}
			}
		}(int64(w))
	}
	wg.Wait()
	checkInvariants(t, d)
}
