package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dcfleet/cnapi/pkg/server"
)

// heartbeatBody is the optional payload of a heartbeat. Un-setup nodes
// piggyback their sysinfo on the heartbeat they already send.
type heartbeatBody struct {
	Sysinfo map[string]interface{} `json:"sysinfo,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")

	var body heartbeatBody
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid heartbeat body")
			return
		}
	}

	_, seen := s.registry.Lookup(uuid)
	s.registry.Touch(uuid, s.clock.Now().UTC())

	// A heartbeat from a node we have not seen creates its record; an
	// upsert on an existing record with no sysinfo is an empty diff and
	// writes nothing.
	if body.Sysinfo != nil || !seen {
		props := server.Props{}
		if body.Sysinfo != nil {
			props["sysinfo"] = body.Sysinfo
		}
		_, _, err := s.servers.Upsert(uuid, props, server.UpsertOptions{
			AllowCreate: true,
			EtagRetries: 2,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("server_uuid", uuid).Msg("failed to upsert heartbeating server")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := server.ListFilter{
		Datacenter: q.Get("datacenter"),
		Hostname:   q.Get("hostname"),
		Setup:      queryBool(r, "setup"),
		Reserved:   queryBool(r, "reserved"),
		Headnode:   queryBool(r, "headnode"),
		Reservoir:  queryBool(r, "reservoir"),
	}
	if uuids := q.Get("uuids"); uuids != "" {
		filter.UUIDs = strings.Split(uuids, ",")
	}

	opts := server.ListOptions{
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	if extras := q.Get("extras"); extras != "" {
		opts.Extras = strings.Split(extras, ",")
	}

	servers, err := s.servers.List(filter, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.servers.Get(r.PathValue("uuid"))
	if errors.Is(err, server.ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var props server.Props
	if err := decodeBody(r, &props); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	srv, _, err := s.servers.Upsert(r.PathValue("uuid"), props, server.UpsertOptions{
		EtagRetries: 2,
	})
	if errors.Is(err, server.ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// handleDeleteServer destroys a server: its tickets, its status row,
// and the record itself
func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")

	if err := s.waitlist.DeleteAllTickets(uuid); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err := s.servers.Delete(uuid)
	if errors.Is(err, server.ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.registry.Delete(uuid)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDefaultBootParams(w http.ResponseWriter, r *http.Request) {
	params, err := s.servers.GetBootParams("default")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func (s *Server) handleSetDefaultBootParams(w http.ResponseWriter, r *http.Request) {
	var props server.Props
	if err := decodeBody(r, &props); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	srv, _, err := s.servers.SetDefaultBootParams(props)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleGetBootParams(w http.ResponseWriter, r *http.Request) {
	params, err := s.servers.GetBootParams(r.PathValue("uuid"))
	if errors.Is(err, server.ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, params)
}
