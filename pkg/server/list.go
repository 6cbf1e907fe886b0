package server

import (
	"fmt"

	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/types"
)

// ListFilter selects servers. Zero-valued fields do not constrain the
// result; pointer fields distinguish "unset" from "false".
type ListFilter struct {
	Datacenter string
	Hostname   string
	Setup      *bool
	Reserved   *bool
	Headnode   *bool
	Reservoir  *bool

	// UUIDs, when non-empty, restricts the result to the union of the
	// named servers
	UUIDs []string
}

// ListOptions shapes List output
type ListOptions struct {
	// Extras names heavy reported fields to retain: "vms", "sysinfo",
	// "agents", or "all". Fields not named are stripped from the
	// response records.
	Extras []string

	Limit  int
	Offset int
}

// List returns the servers matching the filter, always excluding the
// sentinel default record, ordered by uuid
func (s *Store) List(filter ListFilter, opts ListOptions) ([]*types.Server, error) {
	var clauses []storage.Filter
	clauses = append(clauses, storage.Not(storage.Eq("uuid", types.DefaultServerUUID)))

	if filter.Datacenter != "" {
		clauses = append(clauses, storage.Eq("datacenter", filter.Datacenter))
	}
	if filter.Hostname != "" {
		clauses = append(clauses, storage.Eq("hostname", filter.Hostname))
	}
	if filter.Setup != nil {
		clauses = append(clauses, storage.Eq("setup", *filter.Setup))
	}
	if filter.Reserved != nil {
		clauses = append(clauses, storage.Eq("reserved", *filter.Reserved))
	}
	if filter.Headnode != nil {
		clauses = append(clauses, storage.Eq("headnode", *filter.Headnode))
	}
	if filter.Reservoir != nil {
		clauses = append(clauses, storage.Eq("reservoir", *filter.Reservoir))
	}
	if len(filter.UUIDs) > 0 {
		union := make([]storage.Filter, len(filter.UUIDs))
		for i, uuid := range filter.UUIDs {
			union[i] = storage.Eq("uuid", uuid)
		}
		clauses = append(clauses, storage.Or(union...))
	}

	objs, err := s.store.FindObjects(storage.BucketServers, storage.And(clauses...), storage.FindOptions{
		Sort:   "uuid",
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	extras := extrasSet(opts.Extras)
	servers := make([]*types.Server, 0, len(objs))
	for _, obj := range objs {
		var server types.Server
		if err := obj.Decode(&server); err != nil {
			return nil, fmt.Errorf("corrupt server record %s: %w", obj.Key, err)
		}
		stripExtras(&server, extras)
		servers = append(servers, &server)
	}
	return servers, nil
}

func extrasSet(extras []string) map[string]bool {
	set := make(map[string]bool, len(extras))
	for _, e := range extras {
		set[e] = true
	}
	return set
}

// stripExtras removes the heavy reported fields a caller did not ask
// for; "all" retains everything
func stripExtras(server *types.Server, extras map[string]bool) {
	if extras["all"] {
		return
	}
	if !extras["sysinfo"] {
		server.Sysinfo = nil
	}
	if !extras["vms"] {
		server.VMs = nil
	}
	if !extras["agents"] {
		server.Agents = nil
	}
}
