package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/dcfleet/cnapi/pkg/types"
	"github.com/dcfleet/cnapi/pkg/waitlist"
)

type createTicketBody struct {
	Scope     string                 `json:"scope"`
	ID        string                 `json:"id"`
	ExpiresAt time.Time              `json:"expires_at"`
	Action    string                 `json:"action,omitempty"`
	ReqID     string                 `json:"req_id,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

type createTicketResponse struct {
	Ticket *types.Ticket   `json:"ticket"`
	Queue  []*types.Ticket `json:"queue"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var body createTicketBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ticket, queue, err := s.waitlist.CreateTicket(waitlist.CreateRequest{
		ServerUUID: r.PathValue("uuid"),
		Scope:      body.Scope,
		ID:         body.ID,
		ExpiresAt:  body.ExpiresAt,
		Action:     body.Action,
		ReqID:      body.ReqID,
		Extra:      body.Extra,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createTicketResponse{Ticket: ticket, Queue: queue})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.waitlist.ListTickets(r.PathValue("uuid"), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.waitlist.GetTicket(r.PathValue("uuid"))
	if errors.Is(err, waitlist.ErrNotFound) {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	err := s.waitlist.DeleteTicket(r.PathValue("uuid"))
	if errors.Is(err, waitlist.ErrNotFound) {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleaseTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.waitlist.ReleaseTicket(r.PathValue("uuid"))
	if errors.Is(err, waitlist.ErrNotFound) {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// handleWaitTicket blocks until the ticket activates, expires, or the
// caller's timeout passes
func (s *Server) handleWaitTicket(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	timeout := time.Duration(queryInt(r, "timeout", 60)) * time.Second

	done := make(chan error, 1)
	cancel, err := s.director.WaitForTicket(uuid, func(waitErr error) {
		done <- waitErr
	})
	if errors.Is(err, waitlist.ErrNotFound) {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	select {
	case waitErr := <-done:
		if errors.Is(waitErr, waitlist.ErrTicketExpired) {
			writeError(w, http.StatusConflict, waitErr.Error())
			return
		}
		ticket, err := s.waitlist.GetTicket(uuid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	case <-time.After(timeout):
		cancel()
		writeError(w, http.StatusRequestTimeout, "timed out waiting for ticket")
	case <-r.Context().Done():
		cancel()
	}
}
