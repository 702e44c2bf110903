// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package wsqueue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// initialBufSize is the starting capacity of the reassembly buffer. The
// buffer doubles whenever a message outgrows it.
const initialBufSize = 512

// bufPool recycles reassembly buffers. A buffer that carried a completed
// message is handed to the caller as a view and is not recycled; the pool
// replaces it on the next Get.
var bufPool = sync.Pool{
	New: func() any { b := make([]byte, initialBufSize); return &b },
}

// A Reader is the inbound face of a channel. It reassembles wire-level
// fragments into complete messages and delivers them in arrival order.
// A Reader is safe for concurrent use by multiple goroutines, although
// concurrent readers receive distinct messages in unspecified order.
type Reader struct {
	c   *core
	sem *semaphore.Weighted // at most one reassembly in flight

	mu      sync.Mutex // protects pending
	pending *receive   // in-flight reassembly started by TryRead, or nil
}

// A receive is one in-flight reassembly operation.
type receive struct {
	done chan struct{} // closed when the operation settles
	msg  []byte
	err  error
}

// Read blocks until a complete message is available and returns it, or
// reports the error that terminated the channel. If ctx ends before the
// message is complete, Read returns the context's error without recording
// it as the channel's terminal state.
//
// The returned slice is a view of the reassembly buffer and remains valid
// until the caller releases it; it is not reused by the Reader.
func (r *Reader) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.c.doneError(); err != nil {
		return nil, err
	}
	if r.c.conn.State() != Open {
		return nil, ErrClosedByRemote
	}

	// A reassembly left pending by a timed-out TryRead holds the next
	// message in arrival order, so it must be drained before a new
	// reassembly starts.
	for {
		r.mu.Lock()
		p := r.pending
		r.mu.Unlock()
		if p == nil {
			break
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err() // the operation remains pending
		}
		r.mu.Lock()
		taken := r.pending == p
		if taken {
			r.pending = nil
		}
		r.mu.Unlock()
		if taken {
			return p.msg, p.err
		}
		// Another caller consumed the operation; check for a newer one.
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	rctx, cancel := r.c.watch(ctx)
	defer cancel()
	return r.reassemble(rctx)
}

// TryRead reports whether a complete message was available, and if so
// returns it. TryRead does not block indefinitely: if no reassembly is in
// flight it starts one, then waits a short bounded interval for it to
// settle. An operation that does not settle in time is left pending and is
// resumed by the next call, so a caller polling TryRead in a loop neither
// deadlocks nor loses input.
func (r *Reader) TryRead() ([]byte, bool) {
	if r.c.isDone() || r.c.conn.State() != Open {
		return nil, false
	}

	r.mu.Lock()
	p := r.pending
	if p == nil {
		p = r.start()
		r.pending = p
	}
	r.mu.Unlock()

	t := time.NewTimer(r.c.pollWait)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		return nil, false // not settled; leave the operation pending
	}

	// Consume the settled operation. Another caller may have gotten here
	// first, in which case the result is already spoken for.
	r.mu.Lock()
	taken := r.pending == p
	if taken {
		r.pending = nil
	}
	r.mu.Unlock()
	if !taken || p.err != nil || len(p.msg) == 0 {
		return nil, false
	}
	return p.msg, true
}

// start begins a reassembly that is not bound to any caller's context; it is
// interrupted only by completion of the channel. The caller must hold r.mu.
func (r *Reader) start() *receive {
	p := &receive{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		ctx, cancel := r.c.watch(context.Background())
		defer cancel()
		if err := r.sem.Acquire(ctx, 1); err != nil {
			p.err = r.c.ioError(ctx, err)
			return
		}
		defer r.sem.Release(1)
		p.msg, p.err = r.reassemble(ctx)
	}()
	return p
}

// WaitToRead reports whether messages may yet be read from the channel.
// It reports false without error once the channel is done or the connection
// is no longer open. If the channel terminated with an error other than a
// clean completion or a remote close, that error is returned instead.
func (r *Reader) WaitToRead(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := r.c.failure(); err != nil {
		return false, err
	}
	return !r.c.isDone() && r.c.conn.State() == Open, nil
}

// Done returns a channel that is closed when the channel is done. After
// Done is closed, Err reports the cause.
func (r *Reader) Done() <-chan struct{} { return r.c.stopD.R() }

// Err returns nil while the channel is live and after a clean completion;
// otherwise it returns the error recorded at completion.
func (r *Reader) Err() error { return r.c.terminalError() }

// reassemble receives fragments until a complete message has accumulated,
// and returns the message as a view of the scratch buffer. A close message
// from the peer terminates the channel with ErrClosedByRemote. The caller
// must hold the read semaphore.
func (r *Reader) reassemble(ctx context.Context) ([]byte, error) {
	bp := bufPool.Get().(*[]byte)
	buf, pooled := *bp, true
	recycle := func() {
		if pooled {
			bufPool.Put(bp)
		}
	}

	var n int
	for {
		m, final, mtype, err := r.c.conn.Receive(ctx, buf[n:])
		if err != nil {
			recycle()
			return nil, r.c.ioError(ctx, err)
		}
		if mtype == CloseMessage {
			recycle()
			r.c.complete(ErrClosedByRemote)
			return nil, ErrClosedByRemote
		}
		n += m
		if final || m == 0 {
			break // end of message, or a zero-length fragment stops reassembly
		}
		if n == len(buf) {
			grown := make([]byte, 2*len(buf))
			copy(grown, buf[:n])
			recycle()
			buf, pooled = grown, false
		}
	}
	messagesReadCount.Add(1)
	bytesReadCount.Add(int64(n))
	return buf[:n], nil
}
