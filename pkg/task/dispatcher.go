package task

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcfleet/cnapi/pkg/cnclock"
	"github.com/dcfleet/cnapi/pkg/events"
	"github.com/dcfleet/cnapi/pkg/log"
	"github.com/dcfleet/cnapi/pkg/metrics"
	"github.com/dcfleet/cnapi/pkg/server"
	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/types"
)

// ErrNotFound is returned when the requested task does not exist
var ErrNotFound = errors.New("task not found")

// ErrWaitTimeout is returned by WaitForTask when the task does not
// finish within the caller's deadline
var ErrWaitTimeout = errors.New("timed out waiting for task")

const (
	// DefaultDispatchTimeout bounds the agent HTTP round trip
	DefaultDispatchTimeout = time.Hour

	// DefaultWaitTimeout is the WaitForTask deadline when the caller
	// does not supply one
	DefaultWaitTimeout = time.Hour

	// DefaultResultCacheTTL is how long a finished task's status stays
	// cached for late waiters
	DefaultResultCacheTTL = time.Hour
)

// DispatcherConfig wires a Dispatcher
type DispatcherConfig struct {
	Store           storage.Store
	Servers         *server.Store
	Broker          *events.Broker
	Clock           cnclock.Clock
	AgentScheme     string
	AgentPort       int
	DispatchTimeout time.Duration
	ResultCacheTTL  time.Duration

	// DefaultWaitTimeout applies to WaitForTask calls that pass no
	// deadline of their own
	DefaultWaitTimeout time.Duration
}

// DispatchRequest describes one task to run on a compute node agent
type DispatchRequest struct {
	Task       string
	Params     map[string]interface{}
	ServerUUID string
	ReqID      string

	// Persist writes the TaskStatus to the store at dispatch and again
	// at completion
	Persist bool

	// SyncCB, when set, is invoked once with the agent's raw response
	// body (or the dispatch error) after the task finishes
	SyncCB func(err error, body []byte)
}

// registration is one blocked WaitForTask call
type registration struct {
	id    string
	timer cnclock.Timer
	ch    chan waitResult
}

type waitResult struct {
	status *types.TaskStatus
	err    error
}

// cachedResult keeps a finished task's outcome for waiters that arrive
// after completion
type cachedResult struct {
	result waitResult
	evict  cnclock.Timer
}

// Dispatcher runs tasks on compute node agents and coalesces waiters
// on a task id. Completion before wait is supported through a bounded
// result cache.
type Dispatcher struct {
	store       storage.Store
	servers     *server.Store
	broker      *events.Broker
	clock       cnclock.Clock
	agent       *AgentClient
	ttl         time.Duration
	waitTimeout time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	waiters map[string][]*registration
	cache   map[string]*cachedResult
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	clk := cfg.Clock
	if clk == nil {
		clk = cnclock.New()
	}
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	ttl := cfg.ResultCacheTTL
	if ttl <= 0 {
		ttl = DefaultResultCacheTTL
	}
	waitTimeout := cfg.DefaultWaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Dispatcher{
		store:       cfg.Store,
		servers:     cfg.Servers,
		broker:      cfg.Broker,
		clock:       clk,
		agent:       NewAgentClient(cfg.AgentScheme, cfg.AgentPort, timeout),
		ttl:         ttl,
		waitTimeout: waitTimeout,
		log:         log.WithComponent("task-dispatcher"),
		waiters:     make(map[string][]*registration),
		cache:       make(map[string]*cachedResult),
	}
}

// Dispatch starts a task on the server's agent and returns the initial
// active TaskStatus immediately. Completion is handled on a goroutine:
// the terminal status is persisted (when Persist), waiters are alerted,
// and the optional sync callback fires with the agent's response.
func (d *Dispatcher) Dispatch(req DispatchRequest) (*types.TaskStatus, error) {
	srv, err := d.servers.Get(req.ServerUUID)
	if err != nil {
		return nil, err
	}
	endpoint, err := d.agent.Endpoint(srv)
	if err != nil {
		return nil, err
	}

	status := &types.TaskStatus{
		ID:         uuid.NewString(),
		ReqID:      req.ReqID,
		Task:       req.Task,
		ServerUUID: req.ServerUUID,
		Status:     types.TaskStateActive,
		Timestamp:  d.clock.Now().UTC(),
	}

	if req.Persist {
		if _, err := d.store.PutObject(storage.BucketTasks, status.ID, status, storage.PutOptions{}); err != nil {
			return nil, err
		}
	}

	metrics.TasksDispatchedTotal.Inc()
	d.publish(events.EventTaskDispatched, status)
	d.log.Info().
		Str("task_id", status.ID).
		Str("task", req.Task).
		Str("server_uuid", req.ServerUUID).
		Msg("dispatching task")

	go d.execute(req, status, endpoint)

	// The execute goroutine owns status from here; the caller gets a
	// snapshot of the initial state.
	initial := *status
	return &initial, nil
}

// execute performs the agent round trip and settles the task
func (d *Dispatcher) execute(req DispatchRequest, status *types.TaskStatus, endpoint string) {
	body, err := d.agent.PostTask(endpoint, req.Task, req.Params, req.ReqID)

	now := d.clock.Now().UTC()
	if err != nil {
		status.Status = types.TaskStateFailure
		status.History = append(status.History,
			types.TaskHistoryEntry{
				Name:      "error",
				Timestamp: now,
				Event:     map[string]interface{}{"error": err.Error()},
			},
			types.TaskHistoryEntry{Name: "finish", Timestamp: now},
		)
		metrics.TasksFailedTotal.Inc()
		d.publish(events.EventTaskFailed, status)
		d.log.Warn().Err(err).Str("task_id", status.ID).Msg("task failed")
	} else {
		status.Status = types.TaskStateComplete
		status.History = append(status.History,
			types.TaskHistoryEntry{Name: "finish", Timestamp: now},
		)
		metrics.TasksCompletedTotal.Inc()
		d.publish(events.EventTaskCompleted, status)
	}

	if req.Persist {
		if _, perr := d.store.PutObject(storage.BucketTasks, status.ID, status, storage.PutOptions{}); perr != nil {
			d.log.Error().Err(perr).Str("task_id", status.ID).Msg("failed to persist task status")
		}
	}

	d.AlertWaitingTasks(err, status.ID, status)
	if req.SyncCB != nil {
		req.SyncCB(err, body)
	}
}

// GetTask returns the persisted status of a task
func (d *Dispatcher) GetTask(taskID string) (*types.TaskStatus, error) {
	var status types.TaskStatus
	_, err := d.store.GetObject(storage.BucketTasks, taskID, &status)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitForTask blocks until the task finishes, the deadline passes, or
// a cached result is already present. Any number of callers may wait
// on one task id; each gets the final status exactly once.
func (d *Dispatcher) WaitForTask(taskID string, timeout time.Duration) (*types.TaskStatus, error) {
	if timeout <= 0 {
		timeout = d.waitTimeout
	}

	d.mu.Lock()
	if cached, ok := d.cache[taskID]; ok {
		d.mu.Unlock()
		return cached.result.status, cached.result.err
	}

	reg := &registration{
		id: uuid.NewString(),
		ch: make(chan waitResult, 1),
	}
	reg.timer = d.clock.AfterFunc(timeout, func() {
		d.expireRegistration(taskID, reg.id)
	})
	d.waiters[taskID] = append(d.waiters[taskID], reg)
	d.mu.Unlock()

	res := <-reg.ch
	return res.status, res.err
}

// expireRegistration removes one timed-out waiter, leaving any others
// in place
func (d *Dispatcher) expireRegistration(taskID, regID string) {
	d.mu.Lock()
	regs := d.waiters[taskID]
	var expired *registration
	remaining := regs[:0]
	for _, reg := range regs {
		if reg.id == regID {
			expired = reg
			continue
		}
		remaining = append(remaining, reg)
	}
	if len(remaining) == 0 {
		delete(d.waiters, taskID)
	} else {
		d.waiters[taskID] = remaining
	}
	d.mu.Unlock()

	if expired != nil {
		metrics.TaskWaitTimeoutsTotal.Inc()
		expired.ch <- waitResult{err: ErrWaitTimeout}
	}
}

// AlertWaitingTasks settles every waiter registered for the task. With
// no waiters present, the outcome is cached so a waiter arriving after
// completion still sees it; the cache entry evicts itself after the
// TTL.
func (d *Dispatcher) AlertWaitingTasks(err error, taskID string, status *types.TaskStatus) {
	d.mu.Lock()
	regs := d.waiters[taskID]
	if len(regs) == 0 {
		if prev, ok := d.cache[taskID]; ok && prev.evict != nil {
			prev.evict.Stop()
		}
		entry := &cachedResult{result: waitResult{status: status, err: err}}
		entry.evict = d.clock.AfterFunc(d.ttl, func() {
			d.mu.Lock()
			if d.cache[taskID] == entry {
				delete(d.cache, taskID)
			}
			d.mu.Unlock()
		})
		d.cache[taskID] = entry
		d.mu.Unlock()
		return
	}
	delete(d.waiters, taskID)
	d.mu.Unlock()

	for _, reg := range regs {
		reg.timer.Stop()
		reg.ch <- waitResult{status: status, err: err}
	}
}

func (d *Dispatcher) publish(evType events.EventType, status *types.TaskStatus) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		Type:       evType,
		ServerUUID: status.ServerUUID,
		TaskID:     status.ID,
		Metadata: map[string]string{
			"task":   status.Task,
			"status": string(status.Status),
		},
	})
}

// waiterCount reports how many callers are blocked on a task id
func (d *Dispatcher) waiterCount(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters[taskID])
}

// cachedTask reports whether a finished task's outcome is still cached
func (d *Dispatcher) cachedTask(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cache[taskID]
	return ok
}
