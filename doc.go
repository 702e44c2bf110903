// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package wsqueue adapts a message-oriented duplex connection, such as a
// websocket, into a decoupled reader/writer queue pair.
//
// The connection is described by the Conn interface, which delivers messages
// as wire-level fragments and requires that at most one send and at most one
// receive be outstanding at a time. New binds an established Conn to a Reader
// and a Writer that serialize access to their respective directions, so the
// pair is safe for concurrent use by multiple goroutines.
//
// The Reader reassembles fragments into complete messages and exposes
// blocking (Read), readiness (WaitToRead), and non-blocking (TryRead)
// operations. The Writer sends each message as a single complete unit and
// exposes the corresponding Write, WaitToWrite, and TryWrite operations.
//
// Both faces share a single one-shot completion signal. The channel becomes
// done when the writer calls TryComplete, when either direction observes a
// terminal connection error, or when the remote peer closes the connection.
// Once done, every pending and future operation settles promptly with an
// outcome derived from the recorded termination, and a best-effort close
// handshake is attempted on the connection. A broken connection terminates
// the adapter permanently; there is no retry or reconnection.
package wsqueue
