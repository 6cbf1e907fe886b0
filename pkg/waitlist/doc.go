/*
Package waitlist serializes access to named resources on compute
nodes.

A ticket names a (server_uuid, scope, id) triple. At most one ticket
per triple is active at a time; the rest queue behind it in creation
order. The Model owns the ticket records and performs every state
transition through one primitive, ModifyTicketActivateNext, which
couples the target's transition with the activation of the next queued
ticket in a single atomic batch. Conflicting writers are serialized by
etags and retry until they converge.

The Director is the per-process poller: it watches ticket updates in
the store, expires overdue tickets, and fires one-shot waiter
callbacks registered through WaitForTicket when a ticket activates or
expires.
*/
package waitlist
