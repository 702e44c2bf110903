// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package wsqueue

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/creachadair/wsqueue/status"
)

// PipeOptions control the behaviour of the connections returned by Pipe.
// A nil *PipeOptions provides sensible defaults.
type PipeOptions struct {
	// If positive, outbound messages are split into wire-level fragments of
	// at most this many bytes. Otherwise each message travels as a single
	// fragment.
	FragmentSize int
}

func (o *PipeOptions) fragmentSize() int {
	if o == nil {
		return 0
	}
	return o.FragmentSize
}

// Pipe returns a pair of synchronous connected connections that pass
// messages directly in memory. Messages sent on client are received by
// server, and vice versa. The client end reports Role Client and the server
// end Role Server. Pipe connections are intended for testing and local use.
func Pipe(opts *PipeOptions) (client, server Conn) {
	c2s := make(chan fragment)
	s2c := make(chan fragment)
	client = &pipeConn{role: Client, frag: opts.fragmentSize(), send: c2s, recv: s2c, state: Open}
	server = &pipeConn{role: Server, frag: opts.fragmentSize(), send: s2c, recv: c2s, state: Open}
	return
}

// A fragment is one wire-level unit passed between the ends of a Pipe.
type fragment struct {
	mtype MessageType
	data  []byte
	final bool
}

type pipeConn struct {
	role Role
	frag int
	send chan<- fragment
	recv <-chan fragment

	closeOnce sync.Once

	mu    sync.Mutex
	state State
	cur   *fragment // partially consumed inbound fragment, or nil
}

func (p *pipeConn) Role() Role { return p.role }

func (p *pipeConn) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *pipeConn) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Send implements part of the Conn interface. The message is delivered as
// one or more fragments according to the pipe's fragment size.
func (p *pipeConn) Send(ctx context.Context, mtype MessageType, data []byte, final bool) error {
	if s := p.State(); s != Open && s != CloseReceived {
		return net.ErrClosed
	}
	for {
		chunk, last := data, true
		if p.frag > 0 && len(data) > p.frag {
			chunk, last = data[:p.frag], false
		}
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		if err := p.put(ctx, fragment{mtype: mtype, data: cp, final: final && last}); err != nil {
			return err
		}
		if last {
			return nil
		}
		data = data[p.frag:]
	}
}

// put delivers one fragment to the peer. A send on a closed pipe is
// reported as an error rather than a panic, in the manner of a send on a
// closed Go channel.
func (p *pipeConn) put(ctx context.Context, f fragment) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errors.New("send on closed connection")
		}
	}()
	select {
	case p.send <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements part of the Conn interface. A fragment larger than buf
// is consumed across multiple calls; final is reported only with the last
// byte of a final fragment.
func (p *pipeConn) Receive(ctx context.Context, buf []byte) (int, bool, MessageType, error) {
	p.mu.Lock()
	cur := p.cur
	p.mu.Unlock()

	if cur == nil {
		select {
		case f, ok := <-p.recv:
			if !ok {
				return 0, false, 0, io.EOF // peer tore the connection down
			}
			if f.mtype == CloseMessage {
				p.mu.Lock()
				if p.state == CloseSent {
					p.state = Closed
				} else {
					p.state = CloseReceived
				}
				p.mu.Unlock()
				return 0, true, CloseMessage, nil
			}
			cur = &f
		case <-ctx.Done():
			return 0, false, 0, ctx.Err()
		}
	}

	mtype := cur.mtype
	n := copy(buf, cur.data)
	cur.data = cur.data[n:]
	final := false
	if len(cur.data) == 0 {
		final = cur.final
		cur = nil
	}
	p.mu.Lock()
	p.cur = cur
	p.mu.Unlock()
	return n, final, mtype, nil
}

// Close implements part of the Conn interface. For a pipe, a full close and
// an output close are equivalent: a close fragment is delivered best-effort
// and the outbound direction shuts down.
func (p *pipeConn) Close(ctx context.Context, code status.Code, reason string) error {
	return p.closeSend(ctx, code, reason)
}

// CloseOutput implements part of the Conn interface.
func (p *pipeConn) CloseOutput(ctx context.Context, code status.Code, reason string) error {
	return p.closeSend(ctx, code, reason)
}

func (p *pipeConn) closeSend(ctx context.Context, code status.Code, reason string) error {
	var err error
	p.closeOnce.Do(func() {
		err = p.put(ctx, fragment{mtype: CloseMessage, data: []byte(reason), final: true})
		p.mu.Lock()
		if p.state == CloseReceived {
			p.state = Closed
		} else if p.state == Open {
			p.state = CloseSent
		}
		p.mu.Unlock()
		close(p.send)
	})
	return err
}
