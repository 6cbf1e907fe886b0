package waitlist

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcfleet/cnapi/pkg/cnclock"
	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/types"
)

func newDirectorEnv(t *testing.T) (*Director, *Model, *cnclock.Fake) {
	t.Helper()
	st, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := cnclock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	model := NewModel(ModelConfig{Store: st, Clock: clk})
	director := NewDirector(DirectorConfig{Model: model, Clock: clk})
	return director, model, clk
}

func TestWaitForTicketImmediateOnActive(t *testing.T) {
	d, m, clk := newDirectorEnv(t)

	ticket, _, err := m.CreateTicket(vmTicket(clk, "cn1"))
	require.NoError(t, err)

	var calls int32
	var got error = errSentinel
	_, err = d.WaitForTicket(ticket.UUID, func(err error) {
		atomic.AddInt32(&calls, 1)
		got = err
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls)
	assert.NoError(t, got)
}

var errSentinel = assert.AnError

func TestWaitForTicketImmediateOnExpired(t *testing.T) {
	d, m, clk := newDirectorEnv(t)

	ticket, _, err := m.CreateTicket(vmTicket(clk, "cn1"))
	require.NoError(t, err)
	_, err = m.ExpireTicket(ticket.UUID)
	require.NoError(t, err)

	var got error
	_, err = d.WaitForTicket(ticket.UUID, func(err error) { got = err })
	require.NoError(t, err)
	assert.ErrorIs(t, got, ErrTicketExpired)
}

func TestWaitForTicketUnknownTicket(t *testing.T) {
	d, _, _ := newDirectorEnv(t)

	_, err := d.WaitForTicket("no-such-ticket", func(error) {
		t.Fatal("callback must not fire")
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectorFiresWaiterOnActivation(t *testing.T) {
	d, m, clk := newDirectorEnv(t)

	first, _, err := m.CreateTicket(vmTicket(clk, "cn1"))
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, _, err := m.CreateTicket(vmTicket(clk, "cn1"))
	require.NoError(t, err)

	var calls int32
	var got error = errSentinel
	_, err = d.WaitForTicket(second.UUID, func(err error) {
		atomic.AddInt32(&calls, 1)
		got = err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls, "queued ticket must not call back yet")

	_, err = m.ReleaseTicket(first.UUID)
	require.NoError(t, err)

	d.poll()
	assert.Equal(t, int32(1), calls)
	assert.NoError(t, got)

	// A second pass must not re-fire the dropped waiter
	d.poll()
	assert.Equal(t, int32(1), calls)
}

func TestDirectorExpiryFiresAllWaiters(t *testing.T) {
	d, m, clk := newDirectorEnv(t)

	holder, _, err := m.CreateTicket(vmTicket(clk, "cn1"))
	require.NoError(t, err)
	clk.Advance(time.Second)

	overdue := vmTicket(clk, "cn1")
	overdue.ExpiresAt = clk.Now().Add(time.Second)
	waited, _, err := m.CreateTicket(overdue)
	require.NoError(t, err)
	require.Equal(t, types.TicketStatusQueued, waited.Status)

	var calls int32
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		_, err = d.WaitForTicket(waited.UUID, func(err error) {
			atomic.AddInt32(&calls, 1)
			errs <- err
		})
		require.NoError(t, err)
	}

	clk.Advance(2 * time.Second)
	d.poll()

	require.Equal(t, int32(2), calls)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, ErrTicketExpired)
	}

	assertStatus(t, m, waited.UUID, types.TicketStatusExpired)
	// The holder was never overdue and keeps the lock
	assertStatus(t, m, holder.UUID, types.TicketStatusActive)

	// Re-polling must not fire anything again
	d.poll()
	assert.Equal(t, int32(2), calls)
}

func TestDirectorExpiresActiveAndActivatesNext(t *testing.T) {
	d, m, clk := newDirectorEnv(t)

	shortLived := vmTicket(clk, "cn1")
	shortLived.ExpiresAt = clk.Now().Add(time.Second)
	first, _, err := m.CreateTicket(shortLived)
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, _, err := m.CreateTicket(vmTicket(clk, "cn1"))
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	d.poll()

	assertStatus(t, m, first.UUID, types.TicketStatusExpired)
	assertStatus(t, m, second.UUID, types.TicketStatusActive)

	// The activation lands with the next pass
	var calls int32
	_, err = d.WaitForTicket(second.UUID, func(err error) {
		atomic.AddInt32(&calls, 1)
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls, "active ticket calls back immediately")
}

func TestWaitForTicketCancelDropsWaiter(t *testing.T) {
	d, m, clk := newDirectorEnv(t)

	holder, _, err := m.CreateTicket(vmTicket(clk, "cn1"))
	require.NoError(t, err)
	clk.Advance(time.Second)
	queued, _, err := m.CreateTicket(vmTicket(clk, "cn1"))
	require.NoError(t, err)

	var abandoned, kept int32
	cancel, err := d.WaitForTicket(queued.UUID, func(error) {
		atomic.AddInt32(&abandoned, 1)
	})
	require.NoError(t, err)
	_, err = d.WaitForTicket(queued.UUID, func(err error) {
		assert.NoError(t, err)
		atomic.AddInt32(&kept, 1)
	})
	require.NoError(t, err)
	require.Equal(t, 2, d.waiterCount(queued.UUID))

	cancel()
	assert.Equal(t, 1, d.waiterCount(queued.UUID))
	// Cancel is idempotent
	cancel()
	assert.Equal(t, 1, d.waiterCount(queued.UUID))

	_, err = m.ReleaseTicket(holder.UUID)
	require.NoError(t, err)
	d.poll()

	assert.Equal(t, int32(0), atomic.LoadInt32(&abandoned), "canceled waiter must not fire")
	assert.Equal(t, int32(1), atomic.LoadInt32(&kept))
	assert.Equal(t, 0, d.waiterCount(queued.UUID))
}

func TestDirectorCleanup(t *testing.T) {
	d, m, clk := newDirectorEnv(t)

	done, _, err := m.CreateTicket(vmTicket(clk, "cn1"))
	require.NoError(t, err)
	_, err = m.ReleaseTicket(done.UUID)
	require.NoError(t, err)

	held, _, err := m.CreateTicket(vmTicket(clk, "cn2"))
	require.NoError(t, err)

	clk.Advance(31 * 24 * time.Hour)
	d.cleanup()

	_, err = m.GetTicket(done.UUID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Non-terminal tickets survive regardless of age
	_, err = m.GetTicket(held.UUID)
	assert.NoError(t, err)
}
