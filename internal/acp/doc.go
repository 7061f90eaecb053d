// Package acp bridges agent permission prompts to connected clients.
//
// An agent asking "may I run this tool?" cannot block on the agent side
// until a human answers, so the question travels to a client as an
// acp.permission.requested event carrying a requestId. The client answers
// with the pending.resolve method. Bridge waits for that answer with a
// timeout and turns it into a Result.
//
// # Outcomes
//
//   - selected: the client picked one of the offered options. Allowed is
//     true when the option kind starts with "allow".
//   - cancelled: the client dismissed the prompt, the session was aborted,
//     or the client disconnected.
//   - timeout: no answer in time, reported as an AGENT_TIMEOUT error.
package acp
