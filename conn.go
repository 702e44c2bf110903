// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package wsqueue

import (
	"context"

	"github.com/creachadair/wsqueue/status"
)

// A Conn represents an established message-oriented duplex connection, for
// example a websocket. A Conn delivers inbound messages as one or more
// wire-level fragments, and sends each outbound payload as one message.
//
// A Conn must permit one read and one write to proceed concurrently, but the
// caller must not issue concurrent calls to Receive, nor concurrent calls to
// Send. The Reader and Writer returned by New maintain that discipline; a
// Conn bound to a channel must not be used directly thereafter.
type Conn interface {
	// Send transmits data as a message of the given type. If final is false,
	// the payload is a partial message continued by a later call.
	Send(ctx context.Context, mtype MessageType, data []byte, final bool) error

	// Receive fills buf with the next available fragment, reporting the
	// number of bytes copied, whether the fragment ends its message, and the
	// message type. A close message from the peer is reported with mtype
	// CloseMessage and a nil error.
	Receive(ctx context.Context, buf []byte) (n int, final bool, mtype MessageType, err error)

	// State reports the current connection state.
	State() State

	// Role reports which side of the connection this endpoint holds.
	Role() Role

	// Close performs a full close handshake with the given status.
	Close(ctx context.Context, code status.Code, reason string) error

	// CloseOutput closes only the output side of the connection with the
	// given status, without waiting for the peer's acknowledgement.
	CloseOutput(ctx context.Context, code status.Code, reason string) error
}

// A State describes the condition of a connection.
type State int

// The states of a connection. A channel performs I/O only while its
// connection is Open.
const (
	Connecting    State = iota // handshake has not completed
	Open                       // open for reading and writing
	CloseSent                  // a close message was sent, none received
	CloseReceived              // a close message was received, none sent
	Closed                     // the close handshake is complete
	Aborted                    // the connection was torn down without a handshake
)

var stateName = [...]string{"Connecting", "Open", "CloseSent", "CloseReceived", "Closed", "Aborted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateName) {
		return "invalid state"
	}
	return stateName[s]
}

// A Role identifies which side of a connection an endpoint holds. The role
// governs how the channel closes the connection at completion: the initiating
// (Client) side performs a full close handshake, the accepting (Server) side
// closes only its output.
type Role int

const (
	Client Role = iota // the side that initiated the connection
	Server             // the side that accepted the connection
)

func (r Role) String() string {
	if r == Client {
		return "Client"
	}
	return "Server"
}

// A MessageType describes the payload of a message. The values correspond to
// the websocket frame opcodes (RFC 6455 section 5.2).
type MessageType int

const (
	TextMessage   MessageType = 1 // a text data message
	BinaryMessage MessageType = 2 // a binary data message
	CloseMessage  MessageType = 8 // a close control message
)

func (m MessageType) String() string {
	switch m {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	case CloseMessage:
		return "close"
	}
	return "unknown"
}
