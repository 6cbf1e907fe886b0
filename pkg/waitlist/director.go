package waitlist

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dcfleet/cnapi/pkg/cnclock"
	"github.com/dcfleet/cnapi/pkg/log"
	"github.com/dcfleet/cnapi/pkg/metrics"
	"github.com/dcfleet/cnapi/pkg/types"
)

// ErrTicketExpired is delivered to waiters whose ticket expired before
// activation
var ErrTicketExpired = errors.New("ticket has expired")

const (
	// DefaultPollPeriod is how often the director scans for updated
	// tickets
	DefaultPollPeriod = 500 * time.Millisecond

	// DefaultCleanupPeriod is how often terminal tickets are swept
	DefaultCleanupPeriod = time.Hour

	// DefaultCleanupMaxAge is how long terminal tickets are retained
	DefaultCleanupMaxAge = 30 * 24 * time.Hour
)

// DirectorConfig wires a Director
type DirectorConfig struct {
	Model         *Model
	Clock         cnclock.Clock
	PollPeriod    time.Duration
	CleanupPeriod time.Duration
	CleanupMaxAge time.Duration
}

// Director watches ticket updates in the store and fires waiter
// callbacks on activation and expiry. Waiters are process-local;
// every replica runs its own director over the shared store.
type Director struct {
	model         *Model
	clock         cnclock.Clock
	pollPeriod    time.Duration
	cleanupPeriod time.Duration
	cleanupMaxAge time.Duration
	log           zerolog.Logger
	stopCh        chan struct{}

	mu        sync.Mutex
	waiters   map[string][]*waiter
	lastCheck time.Time
	primed    bool
}

// waiter is a one-shot callback registration. The once wrapper keeps
// the callback from firing twice when activation and expiry race.
type waiter struct {
	once sync.Once
	cb   func(error)
}

func (w *waiter) fire(err error) {
	w.once.Do(func() { w.cb(err) })
}

// NewDirector creates a director
func NewDirector(cfg DirectorConfig) *Director {
	clk := cfg.Clock
	if clk == nil {
		clk = cnclock.New()
	}
	pollPeriod := cfg.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = DefaultPollPeriod
	}
	cleanupPeriod := cfg.CleanupPeriod
	if cleanupPeriod <= 0 {
		cleanupPeriod = DefaultCleanupPeriod
	}
	cleanupMaxAge := cfg.CleanupMaxAge
	if cleanupMaxAge <= 0 {
		cleanupMaxAge = DefaultCleanupMaxAge
	}
	return &Director{
		model:         cfg.Model,
		clock:         clk,
		pollPeriod:    pollPeriod,
		cleanupPeriod: cleanupPeriod,
		cleanupMaxAge: cleanupMaxAge,
		log:           log.WithComponent("waitlist-director"),
		stopCh:        make(chan struct{}),
		waiters:       make(map[string][]*waiter),
	}
}

// Start begins the poll and cleanup loops
func (d *Director) Start() {
	go d.run()
}

// Stop stops the director
func (d *Director) Stop() {
	close(d.stopCh)
}

func (d *Director) run() {
	poll := time.NewTicker(d.pollPeriod)
	defer poll.Stop()
	cleanup := time.NewTicker(d.cleanupPeriod)
	defer cleanup.Stop()

	for {
		select {
		case <-poll.C:
			d.poll()
		case <-cleanup.C:
			d.cleanup()
		case <-d.stopCh:
			return
		}
	}
}

// WaitForTicket registers cb to fire when the ticket becomes active
// (nil error) or expires (ErrTicketExpired). A ticket already in one
// of those states calls back immediately. Each callback fires at most
// once. The returned cancel drops the registration when the caller
// stops caring; it is idempotent and safe after the callback fired.
func (d *Director) WaitForTicket(uuid string, cb func(error)) (func(), error) {
	ticket, err := d.model.GetTicket(uuid)
	if err != nil {
		return nil, err
	}

	switch ticket.Status {
	case types.TicketStatusActive:
		cb(nil)
		return func() {}, nil
	case types.TicketStatusExpired:
		cb(ErrTicketExpired)
		return func() {}, nil
	}

	w := &waiter{cb: cb}
	d.mu.Lock()
	d.waiters[uuid] = append(d.waiters[uuid], w)
	d.mu.Unlock()

	return func() { d.cancelWait(uuid, w) }, nil
}

// cancelWait removes one registration, leaving any others in place
func (d *Director) cancelWait(uuid string, w *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.waiters[uuid]
	remaining := regs[:0]
	for _, reg := range regs {
		if reg != w {
			remaining = append(remaining, reg)
		}
	}
	if len(remaining) == 0 {
		delete(d.waiters, uuid)
	} else {
		d.waiters[uuid] = remaining
	}
}

// poll performs one director pass: fetch tickets updated since the
// previous pass (with a one-second overlap so a write racing the
// previous query is not missed), expire the overdue ones, and fire
// waiters on the active ones.
func (d *Director) poll() {
	now := d.clock.Now().UTC()

	var since time.Time
	d.mu.Lock()
	if d.primed {
		since = d.lastCheck.Add(-time.Second)
	}
	d.mu.Unlock()

	tickets, err := d.model.TicketsUpdatedSince(since)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to poll for updated tickets")
		return
	}

	d.mu.Lock()
	d.lastCheck = now
	d.primed = true
	d.mu.Unlock()

	for _, ticket := range tickets {
		if !ticket.Status.Terminal() && now.After(ticket.ExpiresAt) {
			if _, err := d.model.ExpireTicket(ticket.UUID); err != nil {
				if !errors.Is(err, ErrNotFound) {
					d.log.Warn().Err(err).Str("ticket_uuid", ticket.UUID).Msg("failed to expire ticket")
				}
				continue
			}
			metrics.TicketsExpiredTotal.Inc()
			d.fireWaiters(ticket.UUID, ErrTicketExpired)
			continue
		}
		if ticket.Status == types.TicketStatusActive {
			d.fireWaiters(ticket.UUID, nil)
		}
	}
}

// cleanup deletes terminal tickets older than the retention window
func (d *Director) cleanup() {
	cutoff := d.clock.Now().UTC().Add(-d.cleanupMaxAge)
	n, err := d.model.CleanupTerminal(cutoff)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to clean up terminal tickets")
		return
	}
	if n > 0 {
		d.log.Info().Int("deleted", n).Msg("cleaned up terminal tickets")
	}
}

// waiterCount reports how many callbacks are registered for a ticket
func (d *Director) waiterCount(uuid string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters[uuid])
}

// fireWaiters pops and fires every waiter registered for the ticket
func (d *Director) fireWaiters(uuid string, err error) {
	d.mu.Lock()
	regs := d.waiters[uuid]
	delete(d.waiters, uuid)
	d.mu.Unlock()

	for _, w := range regs {
		w.fire(err)
	}
}
