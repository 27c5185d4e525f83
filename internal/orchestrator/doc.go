// Package orchestrator sequences the two-node program protocol.
//
// A run_program trigger from a node opens a Session with the first other
// registered node as partner. The engine announces particle creation to both
// nodes immediately, then schedules two timed phases:
//
//   - phase A sends execute_command to the initiator only;
//   - phase B announces the CNOT link to both nodes and completes the session.
//
// Phases are fire and forget. Nothing waits for a participant to acknowledge
// phase A before phase B fires, and sessions that share a partner may
// interleave their messages at that partner. A message for a participant that
// disconnected in the meantime is dropped by the sender.
package orchestrator
