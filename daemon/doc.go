// Package daemon serves the agent over a unix socket or loopback HTTP.
//
// Every route is plain JSON except POST /chat-stream, which answers with
// application/x-ndjson: one agent.Event per line, flushed as it is
// produced, ending with either a done or an error event. GET /ws carries
// the same events over a websocket.
//
// The configuration is re-read on SIGHUP or POST /reload-config. Cached
// provider clients are dropped, the tools are rebuilt and, when the
// transport or address changed, the listener is swapped while in-flight
// requests drain on the old one.
//
// Manager controls a detached daemon through its PID file for the start,
// stop, status and reload commands.
package daemon
