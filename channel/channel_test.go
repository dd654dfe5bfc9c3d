// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creachadair/crosstalk"
	"github.com/creachadair/crosstalk/channel"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()

	m := &crosstalk.Message{Action: crosstalk.HandshakeRequest, Methods: []string{"echo"}}
	if err := a.Send(m); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	env, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if env.Msg != m {
		t.Errorf("Recv: got %v, want %v", env.Msg, m)
	}
	if env.Origin != "" {
		t.Errorf("Recv origin: got %q, want empty", env.Origin)
	}
	if env.Source != crosstalk.Sender(a) {
		t.Error("Recv source does not identify the sending port")
	}

	// A targeted post through the source handle reaches the sender.
	r := &crosstalk.Message{Action: crosstalk.HandshakeReply, ConnectionID: "c1"}
	if err := env.Source.Post(r); err != nil {
		t.Fatalf("Post: unexpected error: %v", err)
	}
	back, err := a.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if back.Msg != r {
		t.Errorf("Recv: got %v, want %v", back.Msg, r)
	}
	if back.Source != crosstalk.Sender(b) {
		t.Error("Posted envelope does not report the peer as its source")
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := a.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Second close: got %v, want %v", err, net.ErrClosed)
	}
	if _, err := a.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := b.Send(m); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send to closed peer: got %v, want %v", err, net.ErrClosed)
	}
	b.Close()
}

func TestPair(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Pair("https://host.example", "https://guest.example")
	defer a.Close()
	defer b.Close()

	if err := a.Send(&crosstalk.Message{Action: "PING"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	env, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if env.Origin != "https://host.example" {
		t.Errorf("Recv origin: got %q, want host origin", env.Origin)
	}

	if err := b.Send(&crosstalk.Message{Action: "PONG"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	env, err = a.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if env.Origin != "https://guest.example" {
		t.Errorf("Recv origin: got %q, want guest origin", env.Origin)
	}
}

func TestBus(t *testing.T) {
	defer leaktest.Check(t)()

	bus := channel.NewBus("https://sw.example")
	scope := bus.Scope()
	c1 := bus.Client("https://page.example")
	c2 := bus.Client("https://page.example")
	defer scope.Close()
	defer c2.Close()

	t.Run("ClientToScope", func(t *testing.T) {
		if err := c1.Send(&crosstalk.Message{Action: "PING"}); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		env, err := scope.Recv()
		if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		if env.ClientID == "" {
			t.Error("Recv: empty client ID on scope envelope")
		}
		if env.Origin != "https://page.example" {
			t.Errorf("Recv origin: got %q, want page origin", env.Origin)
		}
		if env.Source != crosstalk.Sender(c1) {
			t.Error("Recv source does not identify the sending client")
		}
	})

	t.Run("Broadcast", func(t *testing.T) {
		if err := scope.Send(&crosstalk.Message{Action: "NOTIFY"}); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		for i, c := range []crosstalk.Port{c1, c2} {
			env, err := c.Recv()
			if err != nil {
				t.Fatalf("Recv client %d: unexpected error: %v", i+1, err)
			}
			if env.Origin != "https://sw.example" {
				t.Errorf("Recv client %d origin: got %q, want scope origin", i+1, env.Origin)
			}
			if env.ClientID != "" {
				t.Errorf("Recv client %d: unexpected client ID %q", i+1, env.ClientID)
			}
		}
	})

	t.Run("ClosedClientSkipped", func(t *testing.T) {
		c1.Close()
		if err := scope.Send(&crosstalk.Message{Action: "NOTIFY"}); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		env, err := c2.Recv()
		if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		if env.Msg.Action != "NOTIFY" {
			t.Errorf("Recv: got %v, want NOTIFY", env.Msg)
		}
	})

	t.Run("DistinctClientIDs", func(t *testing.T) {
		c3 := bus.Client("https://page.example")
		defer c3.Close()
		ids := make(map[string]bool)
		for _, c := range []crosstalk.Port{c2, c3} {
			if err := c.Send(&crosstalk.Message{Action: "PING"}); err != nil {
				t.Fatalf("Send: unexpected error: %v", err)
			}
			env, err := scope.Recv()
			if err != nil {
				t.Fatalf("Recv: unexpected error: %v", err)
			}
			if ids[env.ClientID] {
				t.Errorf("Duplicate client ID %q", env.ClientID)
			}
			ids[env.ClientID] = true
		}
	})
}

func TestIO(t *testing.T) {
	defer leaktest.Check(t)()

	nc1, nc2 := net.Pipe()
	p1 := channel.IO(nc1, nc1)
	p2 := channel.IO(nc2, nc2)
	p2.Origin = "https://remote.example"
	defer p1.Close()

	want := &crosstalk.Message{
		Action:       crosstalk.CallRequest,
		ConnectionID: "c1",
		CallID:       "k1",
		CallName:     "math.add",
		Args:         rawArgs(`2`, `3`),
	}

	g := taskgroup.New(nil)
	g.Go(func() error { return p1.Send(want) })
	env, err := p2.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, env.Msg); diff != "" {
		t.Errorf("Received message (-want, +got):\n%s", diff)
	}
	if env.Origin != "https://remote.example" {
		t.Errorf("Recv origin: got %q, want remote origin", env.Origin)
	}
	if env.Source != crosstalk.Sender(p2) {
		t.Error("Recv source does not identify the receiving port")
	}

	t.Run("BadFrame", func(t *testing.T) {
		g := taskgroup.New(nil)
		// Exactly one header's worth of junk, so the synchronous pipe write
		// completes when the reader consumes it.
		g.Go(func() error {
			_, err := nc1.Write([]byte("junkhdr!"))
			return err
		})
		if _, err := p2.Recv(); err == nil || !strings.Contains(err.Error(), "invalid frame header") {
			t.Errorf("Recv: got %v, want invalid frame header", err)
		}
		g.Wait()
	})

	p2.Close()
	if err := p1.Send(want); err == nil {
		t.Error("Send on closed stream: got nil error, want error")
	}
}

func TestWebsocket(t *testing.T) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	recvd := make(chan *crosstalk.Envelope, 1)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wc, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: unexpected error: %v", err)
			return
		}
		port := channel.Websocket(wc)
		port.Origin = r.Header.Get("Origin")
		defer port.Close()

		env, err := port.Recv()
		if err != nil {
			t.Errorf("Server recv: unexpected error: %v", err)
			return
		}
		recvd <- env
		if err := port.Send(&crosstalk.Message{
			Action:       crosstalk.HandshakeReply,
			ConnectionID: "c1",
		}); err != nil {
			t.Errorf("Server send: unexpected error: %v", err)
		}
	}))
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	hdr := http.Header{"Origin": []string{"https://page.example"}}
	wc, rsp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("Dial: unexpected error: %v", err)
	}
	if rsp != nil && rsp.Body != nil {
		rsp.Body.Close()
	}
	port := channel.Websocket(wc)
	defer port.Close()

	if err := port.Send(&crosstalk.Message{Action: crosstalk.HandshakeRequest}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	env := <-recvd
	if env.Msg.Action != crosstalk.HandshakeRequest {
		t.Errorf("Server received %v, want handshake request", env.Msg)
	}
	if env.Origin != "https://page.example" {
		t.Errorf("Server origin: got %q, want page origin", env.Origin)
	}

	reply, err := port.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if reply.Msg.Action != crosstalk.HandshakeReply || reply.Msg.ConnectionID != "c1" {
		t.Errorf("Recv: got %v, want handshake reply for c1", reply.Msg)
	}
}

func rawArgs(vals ...string) (out []json.RawMessage) {
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return
}
