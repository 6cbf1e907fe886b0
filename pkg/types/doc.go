/*
Package types defines the core data structures shared across CNAPI.

Four stored records make up the data model:

  - Server: a compute node, including identity, state, reported
    sysinfo/agents/vms, resource telemetry, and boot configuration.
  - StatusRow: the shared per-server last-heartbeat record used to
    coordinate status ownership across CNAPI replicas.
  - Ticket: a waitlist entry serializing access to a named resource on
    one server within its (server_uuid, scope, id) triple.
  - TaskStatus: the durable lifecycle record of a task dispatched to a
    compute node agent.

All records are JSON-encoded into the storage layer with snake_case
field names; timestamps marshal as RFC 3339.

# Status Semantics

A server's stored status is running or unknown, written only by the
heartbeat reconciler. The rebooting status is derived: it is surfaced
by EffectiveStatus when transitional_status is "rebooting" and the
underlying status is unknown.

A ticket is pending while queued or active, and terminal once expired
or finished. At most one ticket per (server_uuid, scope, id) is active
at any instant; see package waitlist for the invariant's enforcement.
*/
package types
