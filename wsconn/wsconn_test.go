// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package wsconn_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/wsqueue"
	"github.com/creachadair/wsqueue/status"
	"github.com/creachadair/wsqueue/wsconn"
	"github.com/fortytw2/leaktest"
)

// newServer starts a websocket test server whose handler is given a channel
// over the upgraded connection. The returned wait function blocks until all
// handlers have finished; tests must call it before the leak check runs.
func newServer(t *testing.T, run func(sr *wsqueue.Reader, sw *wsqueue.Writer)) (url string, wait func()) {
	t.Helper()
	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		wg.Add(1)
		defer wg.Done()
		conn, err := wsconn.Upgrade(w, req, nil)
		if err != nil {
			return // the client will observe the failed handshake
		}
		sr, sw := wsqueue.New(conn, nil)
		run(sr, sw)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), func() {
		wg.Wait()
		srv.Close()
	}
}

func TestEcho(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	ctx := context.Background()

	url, wait := newServer(t, func(sr *wsqueue.Reader, sw *wsqueue.Writer) {
		for {
			msg, err := sr.Read(context.Background())
			if err != nil {
				return
			}
			if err := sw.Write(context.Background(), msg); err != nil {
				return
			}
		}
	})

	conn, err := wsconn.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial %q: unexpected error: %v", url, err)
	}
	if got := conn.Role(); got != wsqueue.Client {
		t.Errorf("Role: got %v, want %v", got, wsqueue.Client)
	}
	if got := conn.State(); got != wsqueue.Open {
		t.Errorf("State: got %v, want %v", got, wsqueue.Open)
	}
	cr, cw := wsqueue.New(conn, &wsqueue.Options{Label: "echo test"})

	// Include a message big enough to be delivered in multiple fragments.
	messages := []string{"hello", strings.Repeat("0123456789abcdef", 1024)}
	for i, msg := range messages {
		if err := cw.Write(ctx, []byte(msg)); err != nil {
			t.Fatalf("Write %d: unexpected error: %v", i+1, err)
		}
		got, err := cr.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d: unexpected error: %v", i+1, err)
		}
		if string(got) != msg {
			t.Errorf("Read %d: got %d bytes, want %d bytes", i+1, len(got), len(msg))
		}
	}

	if !cw.TryComplete(nil) {
		t.Error("TryComplete: got false, want true")
	}
	<-cr.Done()
	if err := cr.Err(); err != nil {
		t.Errorf("Err: got %v, want nil", err)
	}
	wait()
}

func TestServerClose(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	ctx := context.Background()

	url, wait := newServer(t, func(sr *wsqueue.Reader, sw *wsqueue.Writer) {
		if _, err := sr.Read(context.Background()); err != nil {
			return
		}
		sw.TryComplete(nil) // half-close toward the client
	})

	conn, err := wsconn.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial %q: unexpected error: %v", url, err)
	}
	defer conn.Close(ctx, status.NormalClosure, "done")
	cr, cw := wsqueue.New(conn, nil)

	if err := cw.Write(ctx, []byte("last words")); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	if _, err := cr.Read(ctx); !errors.Is(err, wsqueue.ErrClosedByRemote) {
		t.Errorf("Read: got %v, want %v", err, wsqueue.ErrClosedByRemote)
	}
	if _, err := cr.Read(ctx); !errors.Is(err, wsqueue.ErrClosedByRemote) {
		t.Errorf("Read again: got %v, want %v", err, wsqueue.ErrClosedByRemote)
	}
	wait()
}

func TestCancelledReceive(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	block := make(chan struct{})
	url, wait := newServer(t, func(sr *wsqueue.Reader, sw *wsqueue.Writer) {
		<-block // hold the connection open, send nothing
	})

	conn, err := wsconn.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial %q: unexpected error: %v", url, err)
	}
	defer conn.Close(context.Background(), status.NormalClosure, "done")
	cr, _ := wsqueue.New(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := cr.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read: got %v, want %v", err, context.DeadlineExceeded)
	}
	close(block)
	wait()
}
