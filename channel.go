// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package wsqueue

import (
	"context"
	"errors"
	"expvar"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/wsqueue/status"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/sync/semaphore"
)

var (
	channelMetrics = new(expvar.Map)

	channelsActiveGauge = new(expvar.Int)
	messagesReadCount   = new(expvar.Int)
	bytesReadCount      = new(expvar.Int)
	messagesWriteCount  = new(expvar.Int)
	bytesWriteCount     = new(expvar.Int)
	closeAttemptsCount  = new(expvar.Int)
)

func init() {
	channelMetrics.Set("channels_active", channelsActiveGauge)
	channelMetrics.Set("messages_read", messagesReadCount)
	channelMetrics.Set("bytes_read", bytesReadCount)
	channelMetrics.Set("messages_written", messagesWriteCount)
	channelMetrics.Set("bytes_written", bytesWriteCount)
	channelMetrics.Set("close_attempts", closeAttemptsCount)
}

// Metrics returns a map of exported channel metrics for use with the expvar
// package. This map is shared among all channels created by New. The caller
// is responsible for publishing the metrics to the exporter via
// expvar.Publish or similar.
func Metrics() *expvar.Map { return channelMetrics }

// ErrClosedByRemote is the canonical error reported when the remote peer
// closed or abandoned the connection. All premature or unexpected
// terminations by the remote side are normalized to this error.
var ErrClosedByRemote = errors.New("connection closed by remote party")

// errCompleted is reported by Read and Write after the writer completed the
// channel cleanly and no further I/O is possible.
var errCompleted = errors.New("the channel has been completed")

// errNotOpen is reported by Write when the connection was not open to begin
// with, so no message could be sent.
var errNotOpen = errors.New("connection is not open")

// New binds conn to a Reader and a Writer sharing one channel. The Reader
// drains inbound messages and the Writer queues outbound messages; each
// serializes its own direction of conn, and the two directions proceed
// independently. Both handles report the same completion signal.
//
// The channel owns conn until the channel is done. The caller must not use
// conn directly after New returns.
func New(conn Conn, opts *Options) (*Reader, *Writer) {
	c := &core{
		conn:      conn,
		label:     opts.label(),
		log:       opts.logger(),
		pollWait:  opts.pollWait(),
		closeWait: opts.closeTimeout(),
		stopD:     syncx.NewDoneChan(),
	}
	channelsActiveGauge.Add(1)
	return &Reader{c: c, sem: semaphore.NewWeighted(1)},
		&Writer{c: c, sem: semaphore.NewWeighted(1)}
}

// doneKind enumerates the terminal states of a channel.
type doneKind int

const (
	doneNone      doneKind = iota // the channel is live
	doneClean                     // the writer completed without error
	doneCancelled                 // a cancellation was recorded at completion
	doneFailed                    // an error was recorded at completion
)

// A core holds the state shared between the Reader and Writer of a channel.
// The done marker and its cause are the only mutable state shared between
// the two directions.
type core struct {
	conn  Conn
	label string // diagnostic label, may be empty
	log   logger // write debug logs here

	pollWait  time.Duration // bounded wait used by TryRead
	closeWait time.Duration // budget for the close attempt at completion

	// stopD is resolved exactly once, at completion. Contexts derived with
	// watch are cancelled when it resolves, which unblocks any in-flight
	// receive or send.
	stopD syncx.DoneChan

	mu   sync.Mutex // protects the fields below
	done doneKind
	err  error // the cause for doneCancelled or doneFailed
}

// setDone records err as the channel's terminal state. If the terminal state
// was already set, setDone reports false and changes nothing; only the first
// caller wins. A nil err records a clean completion; a context cancellation
// or deadline error records a cancellation; anything else records a failure.
func (c *core) setDone(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != doneNone {
		return false
	}
	switch {
	case err == nil:
		c.done = doneClean
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		c.done = doneCancelled
		c.err = err
	default:
		c.done = doneFailed
		c.err = err
	}
	return true
}

// complete records err as the terminal state and, if this is the first
// completion, resolves the completion signal and attempts to close the
// connection. Calls after the first are no-ops.
func (c *core) complete(err error) {
	if c.setDone(err) {
		c.finish()
	}
}

// finish resolves the completion signal and attempts a best-effort close of
// the connection. The caller must have won the setDone race. The close
// attempt is bounded by the channel's close budget and its outcome is
// discarded.
func (c *core) finish() {
	c.mu.Lock()
	done, cause := c.done, c.err
	c.mu.Unlock()
	c.log("channel %q done (state=%d err=%v)", c.label, done, cause)

	c.stopD.SetDone() // unblocks any stuck receive or send via watch
	channelsActiveGauge.Add(-1)

	if c.conn.State() != Open {
		return
	}
	code, reason := status.NormalClosure, ""
	if done != doneClean {
		code, reason = status.FromError(cause), cause.Error()
	}
	closeAttemptsCount.Add(1)

	ctx := context.Background()
	if c.closeWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.closeWait)
		defer cancel()
	}
	var cerr error
	if c.conn.Role() == Client {
		cerr = c.conn.Close(ctx, code, reason)
	} else {
		cerr = c.conn.CloseOutput(ctx, code, reason)
	}
	if cerr != nil {
		c.log("channel %q close attempt failed (discarded): %v", c.label, cerr)
	}
}

// isDone reports whether the terminal state has been set.
func (c *core) isDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done != doneNone
}

// failure returns the recorded terminal error that must propagate to
// readiness checks, or nil. A clean completion and a remote close are
// expected terminations and do not count as failures.
func (c *core) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if (c.done == doneFailed || c.done == doneCancelled) && !errors.Is(c.err, ErrClosedByRemote) {
		return c.err
	}
	return nil
}

// doneError returns the error a read or write must report once the terminal
// state has been set, or nil if the channel is still live.
func (c *core) doneError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.done {
	case doneClean:
		return errCompleted
	case doneCancelled, doneFailed:
		return c.err
	}
	return nil
}

// terminalError returns the value reported by the Err methods of the Reader
// and Writer: nil while the channel is live or after a clean completion,
// otherwise the recorded cause.
func (c *core) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// watch derives a context from ctx that is additionally cancelled when the
// channel completes, so that I/O blocked on it does not outlive the channel.
// The caller must invoke the returned cancel function when the operation
// settles.
func (c *core) watch(ctx context.Context) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.stopD:
			cancel()
		case <-wctx.Done():
		}
	}()
	return wctx, cancel
}

// ioError classifies an error reported by the connection during a send or
// receive issued on behalf of ctx. Completion of the channel takes
// precedence; a cancellation by the caller is surfaced per-call and never
// recorded; any other fault is normalized, recorded as the terminal state,
// and the completion routine runs before the error is returned.
func (c *core) ioError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if derr := c.doneError(); derr != nil {
			return derr
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return err
	}
	err = normalize(err)
	c.complete(err)
	return err
}

// normalize maps transport-level termination errors to ErrClosedByRemote.
// Other errors pass through unchanged and are stored verbatim.
func normalize(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrClosedByRemote
	}
	return err
}
