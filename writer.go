// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package wsqueue

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// A Writer is the outbound face of a channel. It sends each message as a
// single complete binary unit and is the entry point for completing the
// channel. A Writer is safe for concurrent use by multiple goroutines;
// concurrent writes are serialized so the bytes of two messages never
// interleave on the wire.
type Writer struct {
	c   *core
	sem *semaphore.Weighted // at most one send in flight
}

// Write sends msg as one complete message. It reports an error immediately
// if ctx has already ended, if the channel is done, or if the connection was
// never open. If ctx ends while the send is in flight, the context's error
// is returned without being recorded as the channel's terminal state.
func (w *Writer) Write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.gate(); err != nil {
		return err
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	wctx, cancel := w.c.watch(ctx)
	defer cancel()
	if err := w.c.conn.Send(wctx, BinaryMessage, msg, true); err != nil {
		return w.c.ioError(ctx, err)
	}
	messagesWriteCount.Add(1)
	bytesWriteCount.Add(int64(len(msg)))
	return nil
}

// TryWrite sends msg as one complete message and reports whether the send
// succeeded. It reports false immediately if the channel is done or the
// connection is not open; otherwise it blocks until the send settles or the
// channel completes.
func (w *Writer) TryWrite(msg []byte) bool {
	if w.c.isDone() || w.c.conn.State() != Open {
		return false
	}
	ctx, cancel := w.c.watch(context.Background())
	defer cancel()
	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.c.ioError(ctx, err)
		return false
	}
	defer w.sem.Release(1)

	if err := w.c.conn.Send(ctx, BinaryMessage, msg, true); err != nil {
		w.c.ioError(ctx, err)
		return false
	}
	messagesWriteCount.Add(1)
	bytesWriteCount.Add(int64(len(msg)))
	return true
}

// WaitToWrite reports whether messages may yet be written to the channel.
// It reports false without error once the channel is done or the connection
// is no longer open. If the channel terminated with an error other than a
// clean completion or a remote close, that error is returned instead.
func (w *Writer) WaitToWrite(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := w.c.failure(); err != nil {
		return false, err
	}
	return !w.c.isDone() && w.c.conn.State() == Open, nil
}

// TryComplete marks the channel done and reports whether this call was the
// one that completed it. Completion is single-shot: after any call has
// returned true, every later call reports false regardless of err.
//
// A nil err records a clean completion; the completion signal then resolves
// with a nil cause. A non-nil err is recorded as the channel's terminal
// error and is reported by every past, present, and future operation on
// either face. In both cases a best-effort close of the connection is
// attempted.
func (w *Writer) TryComplete(err error) bool {
	if !w.c.setDone(err) {
		return false
	}
	w.c.finish()
	return true
}

// Done returns a channel that is closed when the channel is done. After
// Done is closed, Err reports the cause.
func (w *Writer) Done() <-chan struct{} { return w.c.stopD.R() }

// Err returns nil while the channel is live and after a clean completion;
// otherwise it returns the error recorded at completion.
func (w *Writer) Err() error { return w.c.terminalError() }

// gate reports the error that forbids starting a write, if any.
func (w *Writer) gate() error {
	if err := w.c.doneError(); err != nil {
		return err
	}
	if w.c.conn.State() != Open {
		return errNotOpen
	}
	return nil
}
