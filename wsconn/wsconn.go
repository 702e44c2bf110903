// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package wsconn binds a websocket connection from the
// github.com/gorilla/websocket package to the wsqueue.Conn interface.
//
// The gorilla package expresses timeouts as deadlines on the underlying
// socket rather than contexts. This package bridges the two models by
// poking an immediate deadline into the socket when a context ends during
// an operation. Note that gorilla treats read errors as permanent, so
// cancelling an in-flight receive aborts the connection; the adapter
// treats the connection as terminated from that point on.
package wsconn

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/wsqueue"
	"github.com/creachadair/wsqueue/status"
	"github.com/gorilla/websocket"
)

// aLongTimeAgo is a non-zero time in the distant past used to trigger an
// immediate deadline.
var aLongTimeAgo = time.Unix(1, 0)

// A Conn implements the wsqueue.Conn interface around a websocket
// connection. Use Client or Server to construct one with the appropriate
// role for the endpoint.
type Conn struct {
	ws   *websocket.Conn
	role wsqueue.Role

	// Owned by the reading direction.
	rtype wsqueue.MessageType
	rcur  io.Reader // partially consumed inbound message, or nil

	// Owned by the writing direction.
	wcur io.WriteCloser // open outbound message writer, or nil

	mu    sync.Mutex
	state wsqueue.State
}

// Client wraps an established websocket connection whose local endpoint
// initiated the connection (dialed).
func Client(ws *websocket.Conn) *Conn { return &Conn{ws: ws, role: wsqueue.Client, state: wsqueue.Open} }

// Server wraps an established websocket connection whose local endpoint
// accepted the connection (upgraded).
func Server(ws *websocket.Conn) *Conn { return &Conn{ws: ws, role: wsqueue.Server, state: wsqueue.Open} }

// Dial dials a websocket at url using websocket.DefaultDialer and returns a
// client-role connection. The request headers may be nil.
func Dial(ctx context.Context, url string, hdr http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		return nil, err
	}
	return Client(ws), nil
}

// Upgrade upgrades an HTTP request to a websocket using up and returns a
// server-role connection. If up == nil, a default upgrader is used.
func Upgrade(w http.ResponseWriter, req *http.Request, up *websocket.Upgrader) (*Conn, error) {
	if up == nil {
		up = new(websocket.Upgrader)
	}
	ws, err := up.Upgrade(w, req, nil)
	if err != nil {
		return nil, err
	}
	return Server(ws), nil
}

// Role implements part of the wsqueue.Conn interface.
func (c *Conn) Role() wsqueue.Role { return c.role }

// State implements part of the wsqueue.Conn interface.
func (c *Conn) State() wsqueue.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s wsqueue.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// closeState records that a close message moved in the given direction and
// returns the resulting state.
func (c *Conn) closeState(sent bool) wsqueue.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == wsqueue.Closed:
		// nothing to do
	case sent && c.state == wsqueue.CloseReceived, !sent && c.state == wsqueue.CloseSent:
		c.state = wsqueue.Closed
	case sent:
		c.state = wsqueue.CloseSent
	default:
		c.state = wsqueue.CloseReceived
	}
	return c.state
}

// Send implements part of the wsqueue.Conn interface. A non-final payload
// opens a message writer that stays open until a final payload completes
// the message.
func (c *Conn) Send(ctx context.Context, mtype wsqueue.MessageType, data []byte, final bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := c.watch(ctx, c.ws.SetWriteDeadline)
	defer stop()

	if c.wcur == nil {
		w, err := c.ws.NextWriter(int(mtype))
		if err != nil {
			return c.opError(ctx, err)
		}
		c.wcur = w
	}
	if _, err := c.wcur.Write(data); err != nil {
		c.wcur = nil
		return c.opError(ctx, err)
	}
	if final {
		err := c.wcur.Close()
		c.wcur = nil
		if err != nil {
			return c.opError(ctx, err)
		}
	}
	return nil
}

// Receive implements part of the wsqueue.Conn interface. An orderly close
// from the peer is reported as a CloseMessage result; an abnormal closure
// is reported as wsqueue.ErrClosedByRemote.
func (c *Conn) Receive(ctx context.Context, buf []byte) (int, bool, wsqueue.MessageType, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, 0, err
	}
	stop := c.watch(ctx, c.ws.SetReadDeadline)
	defer stop()

	if c.rcur == nil {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseAbnormalClosure {
					c.setState(wsqueue.Aborted)
					return 0, false, 0, wsqueue.ErrClosedByRemote
				}
				c.closeState(false)
				return 0, true, wsqueue.CloseMessage, nil
			}
			return 0, false, 0, c.opError(ctx, err)
		}
		c.rtype, c.rcur = wsqueue.MessageType(mt), r
	}

	n, err := c.rcur.Read(buf)
	if err == io.EOF {
		c.rcur = nil
		return n, true, c.rtype, nil
	} else if err != nil {
		c.rcur = nil
		return n, false, c.rtype, c.opError(ctx, err)
	}
	return n, false, c.rtype, nil
}

// Close implements part of the wsqueue.Conn interface. It sends a close
// message with the given status and tears down the connection without
// waiting for the peer's reply.
func (c *Conn) Close(ctx context.Context, code status.Code, reason string) error {
	werr := c.writeClose(ctx, code, reason)
	cerr := c.ws.Close()
	c.setState(wsqueue.Closed)
	if werr != nil {
		return werr
	}
	return cerr
}

// CloseOutput implements part of the wsqueue.Conn interface. It sends a
// close message with the given status and leaves the connection up so the
// peer can finish the handshake.
func (c *Conn) CloseOutput(ctx context.Context, code status.Code, reason string) error {
	if err := c.writeClose(ctx, code, reason); err != nil {
		return err
	}
	return nil
}

func (c *Conn) writeClose(ctx context.Context, code status.Code, reason string) error {
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	msg := websocket.FormatCloseMessage(int(code), reason)
	err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	c.closeState(true)
	return err
}

// opError folds a context cancellation observed through a poked deadline
// back into the context's own error.
func (c *Conn) opError(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// watch arranges for set to poke an immediate deadline into the socket if
// ctx ends before the operation completes. The returned stop function must
// be called when the operation settles; it clears the deadline if one was
// applied.
func (c *Conn) watch(ctx context.Context, set func(time.Time) error) func() {
	var applied bool
	if d, ok := ctx.Deadline(); ok {
		set(d)
		applied = true
	}
	if ctx.Done() == nil {
		if applied {
			return func() { set(time.Time{}) }
		}
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			set(aLongTimeAgo)
		case <-stop:
		}
	}()
	return func() {
		close(stop)
		<-done
		if applied || ctx.Err() != nil {
			set(time.Time{})
		}
	}
}
