/*
Package server implements the typed server model over the key/value
store: the single write path every mutation of a server record goes
through.

Upsert is the heart of the package. Each call is an etag-guarded
read-modify-write: read the current record (synthesizing one with
process defaults when absent and creation is allowed), filter the
caller's properties against the allowlist, drop changes to
non-updatable identity fields unless explicitly overridden, apply,
recompute derived fields, and write back against the etag observed on
read. Losing the etag race restarts the cycle up to EtagRetries times;
exhausting retries returns ErrEtagRetriesExhausted, which callers like
the heartbeat reconciler treat differently from storage failures.

Derived fields recomputed on every write:

  - memory_provisionable_bytes =
    floor(memory_total_bytes * (1 - reservation_ratio)) - sum of the
    VMs' max_physical_memory
  - agents, populated from sysinfo's "SDC Agents" only while the
    stored list is empty
  - transitional_status, cleared when the server is running again
    (status recovered from unknown, or last_boot moved)

An Upsert whose effective diff is empty issues no write at all. Every
call returns a Results block counting the storage operations performed,
which the endpoint layer surfaces for observability.

The sentinel record under uuid "default" carries datacenter-wide boot
configuration. It is excluded from List, written only through
SetDefaultBootParams, and merged beneath a server's own settings by
GetBootParams.
*/
package server
