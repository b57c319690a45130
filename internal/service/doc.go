// Package service implements the p2pd Service Core: a single-task,
// cooperatively-polled run loop that multiplexes transport listeners and
// dialed connections, drives the cryptographic handshake, opens substreams
// for application protocols, and dispatches messages between sessions and
// two kinds of user-supplied handlers (service-level and session-level).
//
// The Service itself never blocks on I/O beyond its own channels; all
// transport, handshake, and multiplexing work happens on independent
// goroutines that communicate back to the Service exclusively through
// bounded channels and the session-event channel. See Service.Poll for the
// run loop's fixed-order turn.
package service
