/*
Package api is the HTTP endpoint layer.

It exposes the server model, the heartbeat ingest path, the waitlist,
task dispatch, boot parameters, and a change-event stream, plus the
health and metrics endpoints. Handlers translate HTTP to the typed
component APIs and back; no domain logic lives here.
*/
package api
