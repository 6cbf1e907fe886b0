/*
Package log provides structured logging for CNAPI using zerolog.

The package wraps zerolog behind a global logger initialized once via
Init, with child-logger helpers that attach the identifiers most log
lines in this codebase carry: component, server_uuid, ticket_uuid and
task_id.

Initialize once in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Then create component loggers where work happens:

	hblog := log.WithComponent("heartbeat-reconciler")
	hblog.Warn().
		Str("server_uuid", uuid).
		Msg("status row usurped by another instance")

JSON output is intended for production; console output for development.
Level filtering below the configured threshold is free (zerolog skips
field encoding entirely).
*/
package log
