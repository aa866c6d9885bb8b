// Package session runs scan sessions over one connection.
//
// Ownership boundary:
// - session state machine (Controller)
// - single-writer outbound serialization (Sender)
// - engine event relay with backpressure (RunScan)
// - gorilla websocket adapter (WSConn)
package session
