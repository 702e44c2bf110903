// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package status defines close status codes for message-oriented duplex
// connections, following the websocket close code registry (RFC 6455
// section 7.4).
package status

import (
	"errors"
	"fmt"
)

// A Code is a connection close status code.
//
// Code values from 1000 to 2999 are reserved for the protocol and this
// package; values from 3000 to 4999 are available for application use and
// may be added with Register.
type Code int

func (c Code) String() string {
	if s, ok := stdMessage[c]; ok {
		return s
	}
	return fmt.Sprintf("status code %d", c)
}

// A Coder is a value that can report a close status code.
type Coder interface {
	Code() Code
}

// Err converts c to an error value, which is nil for NormalClosure and
// otherwise a value whose Code method reports c.
func (c Code) Err() error {
	if c == NormalClosure {
		return nil
	}
	return codeError(c)
}

// codeError is the concrete type of errors reported by Code.Err. It carries
// the code so that FromError can recover it.
type codeError Code

func (c codeError) Error() string { return fmt.Sprintf("[%d] %s", int(c), Code(c)) }

// Code satisfies the Coder interface.
func (c codeError) Code() Code { return Code(c) }

// Pre-defined status codes from RFC 6455 section 7.4.1.
const (
	NormalClosure      Code = 1000 // the purpose of the connection was fulfilled
	GoingAway          Code = 1001 // the endpoint is going away
	ProtocolError      Code = 1002 // a protocol error was observed
	UnsupportedData    Code = 1003 // a message type the endpoint cannot accept
	NoStatus           Code = 1005 // no status code was present (reserved)
	AbnormalClosure    Code = 1006 // closed without a close message (reserved)
	InvalidPayload     Code = 1007 // message data inconsistent with its type
	PolicyViolation    Code = 1008 // a message violated the endpoint's policy
	MessageTooBig      Code = 1009 // a message too big to process
	MandatoryExtension Code = 1010 // a required extension was not negotiated
	InternalError      Code = 1011 // an unexpected internal condition
	ServiceRestart     Code = 1012 // the service is restarting
	TryAgainLater      Code = 1013 // a temporary condition, retry later
)

var stdMessage = map[Code]string{
	NormalClosure:      "normal closure",
	GoingAway:          "going away",
	ProtocolError:      "protocol error",
	UnsupportedData:    "unsupported data",
	NoStatus:           "no status received",
	AbnormalClosure:    "abnormal closure",
	InvalidPayload:     "invalid payload data",
	PolicyViolation:    "policy violation",
	MessageTooBig:      "message too big",
	MandatoryExtension: "mandatory extension",
	InternalError:      "internal error",
	ServiceRestart:     "service restart",
	TryAgainLater:      "try again later",
}

// Register adds a new Code value with the specified message string. This
// function will panic if the proposed value is already registered, or if it
// is outside the application range 3000..4999.
func Register(value int, message string) Code {
	code := Code(value)
	if value < 3000 || value > 4999 {
		panic(fmt.Sprintf("code %d is outside the application range", value))
	}
	if s, ok := stdMessage[code]; ok {
		panic(fmt.Sprintf("code %d is already registered for %q", code, s))
	}
	stdMessage[code] = message
	return code
}

// FromError returns a Code to categorize the specified error.
// If err == nil, it returns NormalClosure.
// If err is (or wraps) a Coder, it returns the reported code value.
// Otherwise it returns InternalError.
func FromError(err error) Code {
	if err == nil {
		return NormalClosure
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return InternalError
}
