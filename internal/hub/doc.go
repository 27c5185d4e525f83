// Package hub owns the participant event loop.
//
// Every state change happens on the goroutine running Hub.Run: connects,
// inbound frames, disconnects, scheduled orchestration phases and broadcaster
// ticks are queued as closures and executed one at a time. Transports talk to
// the hub through Connect, Dispatch and Disconnect and read their outbound
// frames from Conn.Output.
package hub
