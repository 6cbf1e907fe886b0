package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dcfleet/cnapi/pkg/server"
	"github.com/dcfleet/cnapi/pkg/task"
)

type dispatchTaskBody struct {
	Task    string                 `json:"task"`
	Params  map[string]interface{} `json:"params,omitempty"`
	ReqID   string                 `json:"req_id,omitempty"`
	Persist *bool                  `json:"persist,omitempty"`
}

func (s *Server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	var body dispatchTaskBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	persist := true
	if body.Persist != nil {
		persist = *body.Persist
	}

	status, err := s.dispatcher.Dispatch(task.DispatchRequest{
		Task:       body.Task,
		Params:     body.Params,
		ServerUUID: r.PathValue("uuid"),
		ReqID:      body.ReqID,
		Persist:    persist,
	})
	if errors.Is(err, server.ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	status, err := s.dispatcher.GetTask(r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWaitTask(w http.ResponseWriter, r *http.Request) {
	// No timeout query: zero lets the dispatcher apply its configured
	// default
	timeout := time.Duration(queryInt(r, "timeout", 0)) * time.Second

	status, err := s.dispatcher.WaitForTask(r.PathValue("id"), timeout)
	if errors.Is(err, task.ErrWaitTimeout) {
		writeError(w, http.StatusRequestTimeout, err.Error())
		return
	}
	// A failed task is still a settled wait; the status carries the
	// failure
	if err != nil && status == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleEvents streams broker events as newline-delimited JSON until
// the client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
