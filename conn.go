// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package crosstalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrConnectionClosed is reported by calls whose connection was closed
// before a response arrived.
var ErrConnectionClosed = errors.New("connection closed")

// ErrNoSource reports a handshake request that carried no addressable
// message source and therefore cannot be negotiated.
var ErrNoSource = errors.New("handshake request has no source")

// A Conn is one peer's half of a negotiated connection: a connection
// identifier, the remote proxy object, and the local method bindings
// created for it. Closing a Conn releases only this peer's bindings;
// closing is not synchronized with the remote peer.
type Conn struct {
	id       string
	clientID string
	rt       *router
	route    Sender // outbound route fixed at negotiation; may be nil
	remote   *Remote
	local    []string

	unbind   func()      // releases the local method bindings
	detach   func(*Conn) // host-side record removal; nil for guest conns
	shutdown func()      // guest-side loop teardown; nil for host conns

	closeOnce sync.Once
}

// ID returns the connection identifier negotiated during the handshake.
func (c *Conn) ID() string { return c.id }

// ClientID identifies the remote bus client this connection was
// negotiated with, or "" when the remote peer is not a bus client.
func (c *Conn) ClientID() string { return c.clientID }

// Remote returns the proxy for the methods the remote peer advertised.
func (c *Conn) Remote() *Remote { return c.remote }

// LocalMethods returns the method paths this peer exposed to the remote.
func (c *Conn) LocalMethods() []string { return c.local }

// Close releases the listeners and bindings this connection created and
// rejects its pending outbound calls. It is safe to call Close more than
// once; repeated calls have no further effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.unbind()
		c.rt.cancelCalls(c.id)
		hubMetrics.connActive.Add(-1)
		if c.detach != nil {
			c.detach(c)
		}
		if c.shutdown != nil {
			c.shutdown()
		}
	})
	return nil
}

// A Remote proxies the method paths the remote peer advertised during the
// handshake. It mirrors the structure of the peer's schema as a flattened
// list of callable dotted paths.
type Remote struct {
	conn    *Conn
	methods map[string]bool
	shape   json.RawMessage
}

func newRemote(conn *Conn, methods []string, shape json.RawMessage) *Remote {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return &Remote{conn: conn, methods: set, shape: shape}
}

// Methods returns the callable paths advertised by the remote peer, in
// lexicographic order.
func (r *Remote) Methods() []string {
	out := make([]string, 0, len(r.methods))
	for m := range r.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Schema returns the structural rendering of the remote schema exchanged
// during the handshake.
func (r *Remote) Schema() json.RawMessage { return r.shape }

// Call invokes the named method on the remote peer with the given
// arguments and blocks until the response arrives, ctx ends, or the
// connection closes. Arguments are cloned through a JSON round trip
// before they are sent. An error reported by Call has concrete type
// *CallError.
//
// Calls are independently correlated by call identifier, so any number of
// calls may be in flight on one connection concurrently.
func (r *Remote) Call(ctx context.Context, path string, args ...any) (_ Result, err error) {
	hubMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			hubMetrics.callOutErr.Add(1)
		}
	}()

	if !r.methods[path] {
		return nil, &CallError{Err: fmt.Errorf("method %q not advertised by peer", path)}
	}
	raw, err := cloneArgs(args)
	if err != nil {
		return nil, &CallError{Err: err}
	}

	c := r.conn
	callID := uuid.NewString()
	rsp, cancel := c.rt.awaitResponse(c.id, path, callID)
	if err := c.rt.send(c.route, &Message{
		Action:       CallRequest,
		ConnectionID: c.id,
		CallID:       callID,
		CallName:     path,
		Args:         raw,
	}); err != nil {
		cancel()
		return nil, &CallError{Err: err}
	}

	hubMetrics.callPending.Add(1)
	defer hubMetrics.callPending.Add(-1)
	select {
	case <-ctx.Done():
		cancel()
		return nil, &CallError{Err: ctx.Err()}
	case m, ok := <-rsp:
		if !ok {
			return nil, &CallError{Err: ErrConnectionClosed}
		}
		if m.Action == CallReject {
			ev := m.Error
			if ev == nil {
				ev = &ErrorValue{Message: "call rejected"}
			}
			return nil, &CallError{ErrorValue: *ev}
		}
		return Result(m.Result), nil
	}
}

// A Result is the JSON-encoded value a remote method resolved with.
type Result json.RawMessage

// Decode unmarshals the result into v. An empty or null result leaves v
// unmodified.
func (r Result) Decode(v any) error {
	if len(r) == 0 || string(r) == "null" {
		return nil
	}
	return json.Unmarshal([]byte(r), v)
}

func (r Result) String() string {
	if len(r) == 0 {
		return "null"
	}
	return string(r)
}

// CallError is the concrete type of errors reported by Remote.Call. For
// remote rejections the Err field is nil and ErrorValue carries the
// peer's serialized error; for local failures Err holds the cause.
type CallError struct {
	ErrorValue       // remote error details, valid when Err == nil
	Err        error // nil for remote rejections
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	return "call rejected: " + c.ErrorValue.Error()
}

// Unwrap reports the underlying error of c, or nil for remote rejections.
func (c *CallError) Unwrap() error { return c.Err }
