// Package acp serves the Agent Client Protocol over stdio so editors such
// as Zed can drive the agent. Messages are JSON-RPC 2.0 objects, one per
// line.
//
// Supported methods are initialize, session/new, session/load,
// session/prompt and session/cancel. Turn output is streamed back as
// session/update notifications carrying agent_message_chunk and tool_call
// updates.
package acp
