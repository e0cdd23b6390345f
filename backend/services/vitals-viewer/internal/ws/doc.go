// Package ws implements the push-channel Connection Manager.
//
// The Manager:
//   - Holds at most one WebSocket connection to <ws base>/ws?tenant_id=<id>
//   - Sends one subscribe frame per tracked device right after each connect
//   - Turns close/error into a single scheduled reconnection (fixed or backoff policy)
//   - Decodes inbound telemetry frames and hands them to its Listener
//
// The Manager is not safe for concurrent use. Socket reads, dials and timers
// run on their own goroutines and only post messages to the owner's Inbox;
// the owner feeds them back through Handle on a single goroutine.
package ws
