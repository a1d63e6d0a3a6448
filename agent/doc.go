// Package agent runs chat turns for the daemon and the local REPL.
//
// A Handler owns the per-model cache of llm.Client instances, loads or
// creates the session named by a Request, drives the streamed tool loop and
// maps its output onto wire events:
//
//	{"type":"text","content":"..."}
//	{"type":"tool_call","record":{...}}
//	{"type":"done","sessionId":"...","messages":[...]}
//	{"type":"error","message":"..."}
//
// Unless Request.IncludeThink is set, <think> blocks are withheld from text
// events and from the persisted assistant messages. Turns on the same
// session run one at a time, and a session is only saved once its turn
// completes.
//
// # Subpackages
//
// agent/terminal: an interactive command-line loop that drives a Handler
// in-process, asking for confirmation of dangerous commands and answering
// askUser prompts on the terminal.
//
// agent/acp: an Agent Client Protocol server on stdio for editors.
package agent
