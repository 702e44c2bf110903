// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package wsqueue

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/someonegg/gox/syncx"
)

func newTestCore() *core {
	return &core{
		log:   func(string, ...any) {},
		stopD: syncx.NewDoneChan(),
	}
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestSetDone(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want doneKind
	}{
		{"Clean", nil, doneClean},
		{"Cancelled", context.Canceled, doneCancelled},
		{"DeadlineExceeded", context.DeadlineExceeded, doneCancelled},
		{"WrappedCancel", cancelledContext().Err(), doneCancelled},
		{"Failed", errors.New("bogus"), doneFailed},
		{"RemoteClose", ErrClosedByRemote, doneFailed},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestCore()
			if !c.setDone(test.err) {
				t.Error("First setDone: got false, want true")
			}
			if c.done != test.want {
				t.Errorf("Done state: got %v, want %v", c.done, test.want)
			}
			if c.setDone(errors.New("other")) {
				t.Error("Second setDone: got true, want false")
			}
			if c.done != test.want {
				t.Errorf("Done state changed by losing call: got %v, want %v", c.done, test.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	t.Run("Live", func(t *testing.T) {
		c := newTestCore()
		if err := c.failure(); err != nil {
			t.Errorf("failure: got %v, want nil", err)
		}
		if err := c.doneError(); err != nil {
			t.Errorf("doneError: got %v, want nil", err)
		}
		if err := c.terminalError(); err != nil {
			t.Errorf("terminalError: got %v, want nil", err)
		}
	})
	t.Run("Clean", func(t *testing.T) {
		c := newTestCore()
		c.setDone(nil)
		if err := c.failure(); err != nil {
			t.Errorf("failure: got %v, want nil", err)
		}
		if err := c.doneError(); !errors.Is(err, errCompleted) {
			t.Errorf("doneError: got %v, want %v", err, errCompleted)
		}
		if err := c.terminalError(); err != nil {
			t.Errorf("terminalError: got %v, want nil", err)
		}
	})
	t.Run("RemoteClose", func(t *testing.T) {
		// A remote close is an expected termination: it does not count as a
		// failure for readiness checks, but reads and writes observe it.
		c := newTestCore()
		c.setDone(ErrClosedByRemote)
		if err := c.failure(); err != nil {
			t.Errorf("failure: got %v, want nil", err)
		}
		if err := c.doneError(); !errors.Is(err, ErrClosedByRemote) {
			t.Errorf("doneError: got %v, want %v", err, ErrClosedByRemote)
		}
	})
	t.Run("Failed", func(t *testing.T) {
		c := newTestCore()
		bogus := errors.New("bogus")
		c.setDone(bogus)
		if err := c.failure(); !errors.Is(err, bogus) {
			t.Errorf("failure: got %v, want %v", err, bogus)
		}
		if err := c.terminalError(); !errors.Is(err, bogus) {
			t.Errorf("terminalError: got %v, want %v", err, bogus)
		}
	})
}

func TestNormalize(t *testing.T) {
	bogus := errors.New("bogus")
	tests := []struct {
		input error
		want  error
	}{
		{io.EOF, ErrClosedByRemote},
		{io.ErrUnexpectedEOF, ErrClosedByRemote},
		{net.ErrClosed, ErrClosedByRemote},
		{ErrClosedByRemote, ErrClosedByRemote},
		{bogus, bogus},
	}
	for _, test := range tests {
		if got := normalize(test.input); !errors.Is(got, test.want) {
			t.Errorf("normalize(%v): got %v, want %v", test.input, got, test.want)
		}
	}
}

func TestOptionDefaults(t *testing.T) {
	var o *Options
	if got := o.pollWait(); got != defaultWait {
		t.Errorf("pollWait: got %v, want %v", got, defaultWait)
	}
	if got := o.closeTimeout(); got != defaultWait {
		t.Errorf("closeTimeout: got %v, want %v", got, defaultWait)
	}
	if got := o.label(); got != "" {
		t.Errorf("label: got %q, want empty", got)
	}
	o.logger()("the no-op logger must not panic")

	o = &Options{Label: "x", PollWait: time.Second, CloseTimeout: -1}
	if got := o.pollWait(); got != time.Second {
		t.Errorf("pollWait: got %v, want %v", got, time.Second)
	}
	if got := o.closeTimeout(); got != 0 {
		t.Errorf("closeTimeout: got %v, want 0 (unbounded)", got)
	}
	if got := o.label(); got != "x" {
		t.Errorf("label: got %q, want %q", got, "x")
	}
}
