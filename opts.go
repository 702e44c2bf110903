// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package wsqueue

import (
	"fmt"
	"log"
	"time"
)

// defaultWait is the budget shared by the close attempt at completion and
// the bounded wait inside TryRead.
const defaultWait = 250 * time.Millisecond

// Options control the behaviour of a channel created by New. A nil *Options
// provides sensible defaults.
type Options struct {
	// A label attached to debug logs for this channel. The label has no
	// semantic meaning; it exists only for diagnostics.
	Label string

	// If not nil, send debug logs here.
	Logger *log.Logger

	// The bounded interval TryRead waits for an in-flight reassembly to
	// settle before reporting no message. A value of 0 uses the default of
	// 250ms. Raise this while debugging interactively to keep TryRead from
	// giving up during a pause.
	PollWait time.Duration

	// The budget for the best-effort close attempt when the channel
	// completes. A value of 0 uses the default of 250ms; a negative value
	// removes the bound.
	CloseTimeout time.Duration
}

type logger = func(string, ...any)

func (o *Options) logger() logger {
	if o == nil || o.Logger == nil {
		return func(string, ...any) {}
	}
	logger := o.Logger
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (o *Options) label() string {
	if o == nil {
		return ""
	}
	return o.Label
}

func (o *Options) pollWait() time.Duration {
	if o == nil || o.PollWait == 0 {
		return defaultWait
	}
	return o.PollWait
}

func (o *Options) closeTimeout() time.Duration {
	if o == nil || o.CloseTimeout == 0 {
		return defaultWait
	}
	if o.CloseTimeout < 0 {
		return 0 // unbounded
	}
	return o.CloseTimeout
}
