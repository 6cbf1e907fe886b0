package waitlist

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcfleet/cnapi/pkg/cnclock"
	"github.com/dcfleet/cnapi/pkg/events"
	"github.com/dcfleet/cnapi/pkg/log"
	"github.com/dcfleet/cnapi/pkg/metrics"
	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/types"
)

// ErrNotFound is returned when the requested ticket does not exist
var ErrNotFound = errors.New("ticket not found")

// ModelConfig wires a Model's collaborators
type ModelConfig struct {
	Store  storage.Store
	Broker *events.Broker
	Clock  cnclock.Clock
}

// Model is the ticket state machine over the store. All transitions
// out of a ticket's current state go through ModifyTicketActivateNext,
// which couples the transition with the activation of the next queued
// ticket in one atomic batch.
type Model struct {
	store  storage.Store
	broker *events.Broker
	clock  cnclock.Clock
	log    zerolog.Logger

	// createMu serializes in-process creations so two concurrent
	// creators cannot both observe an empty queue
	createMu sync.Mutex
}

// NewModel creates a ticket model
func NewModel(cfg ModelConfig) *Model {
	clk := cfg.Clock
	if clk == nil {
		clk = cnclock.New()
	}
	return &Model{
		store:  cfg.Store,
		broker: cfg.Broker,
		clock:  clk,
		log:    log.WithComponent("waitlist-model"),
	}
}

// CreateRequest describes a new ticket
type CreateRequest struct {
	ServerUUID string
	Scope      string
	ID         string
	ExpiresAt  time.Time
	Action     string
	ReqID      string
	Extra      map[string]interface{}
}

// CreateTicket creates a ticket for (server_uuid, scope, id). The
// ticket is created active when no pending ticket exists for the
// triple, queued otherwise. Returns the new ticket and a snapshot of
// the pending queue for the triple, oldest first.
func (m *Model) CreateTicket(req CreateRequest) (*types.Ticket, []*types.Ticket, error) {
	if req.ServerUUID == "" || req.Scope == "" || req.ID == "" {
		return nil, nil, errors.New("server_uuid, scope and id are required")
	}
	if req.ExpiresAt.IsZero() {
		return nil, nil, errors.New("expires_at is required")
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	pending, err := m.findTickets(pendingFilter(req.ServerUUID, req.Scope, req.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to inspect queue: %w", err)
	}

	status := types.TicketStatusActive
	if len(pending) > 0 {
		status = types.TicketStatusQueued
	}

	now := m.clock.Now().UTC()
	ticket := &types.Ticket{
		UUID:       uuid.NewString(),
		ServerUUID: req.ServerUUID,
		Scope:      req.Scope,
		ID:         req.ID,
		Action:     req.Action,
		Status:     status,
		ExpiresAt:  req.ExpiresAt.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
		ReqID:      req.ReqID,
		Extra:      req.Extra,
	}

	_, err = m.store.PutObject(storage.BucketTickets, ticket.UUID, ticket, storage.PutOptions{
		MustNotExist: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	metrics.TicketsCreatedTotal.Inc()
	m.publish(events.EventTicketCreated, ticket)

	queue, err := m.findTickets(pendingFilter(req.ServerUUID, req.Scope, req.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read queue snapshot: %w", err)
	}
	return ticket, queue, nil
}

// GetTicket returns the ticket under uuid
func (m *Model) GetTicket(uuid string) (*types.Ticket, error) {
	var ticket types.Ticket
	_, err := m.store.GetObject(storage.BucketTickets, uuid, &ticket)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// ListTickets returns tickets ordered by creation time, optionally
// restricted to one server
func (m *Model) ListTickets(serverUUID string, limit, offset int) ([]*types.Ticket, error) {
	var filter storage.Filter
	if serverUUID != "" {
		filter = storage.Eq("server_uuid", serverUUID)
	}
	objs, err := m.store.FindObjects(storage.BucketTickets, filter, storage.FindOptions{
		Sort:   "created_at",
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	return decodeTickets(objs)
}

// TicketOp selects what ModifyTicketActivateNext does to the target
type TicketOp string

const (
	TicketOpUpdate TicketOp = "update"
	TicketOpDelete TicketOp = "delete"
)

// TicketUpdate carries the fields an update op applies. Zero-valued
// fields are left unchanged.
type TicketUpdate struct {
	Status    types.TicketStatus
	ExpiresAt time.Time
	Extra     map[string]interface{}
}

// ModifyTicketActivateNext is the single transition primitive: it
// mutates or deletes the target ticket and activates the next queued
// ticket for the same (server_uuid, scope, id), both in one atomic
// batch. An etag or uniqueness conflict means another actor advanced
// the queue; the whole cycle restarts and always converges.
func (m *Model) ModifyTicketActivateNext(ticketUUID string, op TicketOp, update *TicketUpdate) (*types.Ticket, error) {
	for {
		var target types.Ticket
		etag, err := m.store.GetObject(storage.BucketTickets, ticketUUID, &target)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}

		now := m.clock.Now().UTC()
		var ops []storage.BatchOp
		result := target

		switch op {
		case TicketOpDelete:
			ops = append(ops, storage.BatchOp{
				Kind:    storage.BatchDelete,
				Bucket:  storage.BucketTickets,
				Key:     ticketUUID,
				Options: storage.PutOptions{Etag: etag},
			})
		case TicketOpUpdate:
			if update != nil {
				if update.Status != "" {
					result.Status = update.Status
				}
				if !update.ExpiresAt.IsZero() {
					result.ExpiresAt = update.ExpiresAt.UTC()
				}
				if update.Extra != nil {
					result.Extra = update.Extra
				}
			}
			result.UpdatedAt = now
			ops = append(ops, storage.BatchOp{
				Kind:    storage.BatchPut,
				Bucket:  storage.BucketTickets,
				Key:     ticketUUID,
				Value:   &result,
				Options: storage.PutOptions{Etag: etag},
			})
		default:
			return nil, fmt.Errorf("unknown ticket op %q", op)
		}

		next, nextEtag, err := m.nextToActivate(&target)
		if err != nil {
			return nil, err
		}
		if next != nil {
			next.Status = types.TicketStatusActive
			next.UpdatedAt = now
			ops = append(ops, storage.BatchOp{
				Kind:    storage.BatchPut,
				Bucket:  storage.BucketTickets,
				Key:     next.UUID,
				Value:   next,
				Options: storage.PutOptions{Etag: nextEtag},
			})
		}

		if err := m.store.Batch(ops); err != nil {
			if errors.Is(err, storage.ErrEtagConflict) || errors.Is(err, storage.ErrUniqueConflict) {
				continue
			}
			return nil, err
		}

		if op == TicketOpUpdate {
			m.publish(events.EventTicketUpdated, &result)
		}
		if next != nil {
			m.publish(events.EventTicketUpdated, next)
		}
		if op == TicketOpDelete {
			return nil, nil
		}
		return &result, nil
	}
}

// ReleaseTicket finishes the ticket and activates the next in queue
func (m *Model) ReleaseTicket(uuid string) (*types.Ticket, error) {
	return m.ModifyTicketActivateNext(uuid, TicketOpUpdate, &TicketUpdate{
		Status: types.TicketStatusFinished,
	})
}

// ExpireTicket expires the ticket and activates the next in queue
func (m *Model) ExpireTicket(uuid string) (*types.Ticket, error) {
	return m.ModifyTicketActivateNext(uuid, TicketOpUpdate, &TicketUpdate{
		Status: types.TicketStatusExpired,
	})
}

// DeleteTicket removes the ticket and activates the next in queue
func (m *Model) DeleteTicket(uuid string) error {
	_, err := m.ModifyTicketActivateNext(uuid, TicketOpDelete, nil)
	return err
}

// TicketsUpdatedSince returns non-terminal tickets updated at or after
// ts, or already due to expire by ts, ordered by creation time. A zero
// ts returns every non-terminal ticket.
func (m *Model) TicketsUpdatedSince(ts time.Time) ([]*types.Ticket, error) {
	clauses := []storage.Filter{
		storage.Not(storage.Eq("status", string(types.TicketStatusFinished))),
		storage.Not(storage.Eq("status", string(types.TicketStatusExpired))),
	}
	if !ts.IsZero() {
		clauses = append(clauses, storage.Or(
			storage.Ge("updated_at", ts),
			storage.Not(storage.Ge("expires_at", ts)),
		))
	}
	objs, err := m.store.FindObjects(storage.BucketTickets, storage.And(clauses...), storage.FindOptions{
		Sort: "created_at",
	})
	if err != nil {
		return nil, err
	}
	return decodeTickets(objs)
}

// CountTickets returns the number of tickets held for a server
func (m *Model) CountTickets(serverUUID string) (int, error) {
	return m.store.CountObjects(storage.BucketTickets, storage.Eq("server_uuid", serverUUID))
}

// DeleteAllTickets removes every ticket for a server, repeating the
// sweep until the count reads zero so tickets created mid-sweep do not
// survive
func (m *Model) DeleteAllTickets(serverUUID string) error {
	filter := storage.Eq("server_uuid", serverUUID)
	for {
		if _, err := m.store.DeleteMany(storage.BucketTickets, filter); err != nil {
			return err
		}
		count, err := m.store.CountObjects(storage.BucketTickets, filter)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
	}
}

// CleanupTerminal deletes terminal tickets whose last transition is
// older than the cutoff, returning how many were removed
func (m *Model) CleanupTerminal(cutoff time.Time) (int, error) {
	filter := storage.And(
		storage.Or(
			storage.Eq("status", string(types.TicketStatusFinished)),
			storage.Eq("status", string(types.TicketStatusExpired)),
		),
		storage.Lt("updated_at", cutoff),
	)
	return m.store.DeleteMany(storage.BucketTickets, filter)
}

// nextToActivate picks the oldest queued ticket for the target's
// (server_uuid, scope, id) triple, excluding the target itself. No
// candidate is returned while another ticket in the triple is still
// active: activation only accompanies the departure of the current
// holder.
func (m *Model) nextToActivate(target *types.Ticket) (*types.Ticket, string, error) {
	objs, err := m.store.FindObjects(storage.BucketTickets, pendingFilter(target.ServerUUID, target.Scope, target.ID), storage.FindOptions{
		Sort: "created_at",
	})
	if err != nil {
		return nil, "", err
	}

	var candidate *types.Ticket
	var candidateEtag string
	for _, obj := range objs {
		var ticket types.Ticket
		if err := obj.Decode(&ticket); err != nil {
			return nil, "", fmt.Errorf("corrupt ticket record %s: %w", obj.Key, err)
		}
		if ticket.UUID == target.UUID {
			continue
		}
		if ticket.Status == types.TicketStatusActive {
			// Another holder is still in place
			return nil, "", nil
		}
		if candidate == nil {
			candidate = &ticket
			candidateEtag = obj.Etag
		}
	}
	return candidate, candidateEtag, nil
}

// pendingFilter matches the queued and active tickets of one
// (server_uuid, scope, id) triple
func pendingFilter(serverUUID, scope, id string) storage.Filter {
	return storage.And(
		storage.Eq("server_uuid", serverUUID),
		storage.Eq("scope", scope),
		storage.Eq("id", id),
		storage.Or(
			storage.Eq("status", string(types.TicketStatusQueued)),
			storage.Eq("status", string(types.TicketStatusActive)),
		),
	)
}

func (m *Model) findTickets(filter storage.Filter) ([]*types.Ticket, error) {
	objs, err := m.store.FindObjects(storage.BucketTickets, filter, storage.FindOptions{
		Sort: "created_at",
	})
	if err != nil {
		return nil, err
	}
	return decodeTickets(objs)
}

func decodeTickets(objs []storage.RawObject) ([]*types.Ticket, error) {
	tickets := make([]*types.Ticket, 0, len(objs))
	for _, obj := range objs {
		var ticket types.Ticket
		if err := obj.Decode(&ticket); err != nil {
			return nil, fmt.Errorf("corrupt ticket record %s: %w", obj.Key, err)
		}
		tickets = append(tickets, &ticket)
	}
	return tickets, nil
}

func (m *Model) publish(evType events.EventType, ticket *types.Ticket) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:       evType,
		ServerUUID: ticket.ServerUUID,
		TicketUUID: ticket.UUID,
		Metadata: map[string]string{
			"status": string(ticket.Status),
		},
	})
}
