// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package crosstalk

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// localKey identifies a locally-bound method within one dispatch loop.
type localKey struct {
	conn, path string
}

// respKey identifies one in-flight outbound call. A response is delivered
// only on an exact match of all three fields; anything else on the channel
// may belong to a different logical call and is ignored.
type respKey struct {
	conn, path, call string
}

// localMethod is a bound function together with the reply route captured
// when its connection was negotiated.
type localMethod struct {
	fn    Func
	route Sender
}

// A router owns the single receive loop of one port and the correlation
// tables that all connections multiplexed over that port share. All
// inbound dispatch runs on one goroutine, so handlers observe messages in
// arrival order; method invocations themselves run on separate tasks.
type router struct {
	port   Port
	tasks  *taskgroup.Group
	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}
	plog   MessageLogger
	onFail func(error) // invoked once when the receive loop ends

	μ     sync.Mutex
	err   error
	local map[localKey]*localMethod
	resp  map[respKey]chan *Message
	shake func(*Envelope) // handshake dispatch hook, may be nil
}

func newRouter(port Port, plog MessageLogger) *router {
	ctx, cancel := context.WithCancel(context.Background())
	return &router{
		port:   port,
		base:   ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		plog:   plog,
		local:  make(map[localKey]*localMethod),
		resp:   make(map[respKey]chan *Message),
	}
}

// start begins the receive loop. It must be called exactly once.
func (r *router) start() {
	r.tasks = taskgroup.New(nil)
	r.tasks.Go(func() error {
		for {
			env, err := r.port.Recv()
			if err != nil {
				r.fail(err)
				return nil
			}
			hubMetrics.msgRecv.Add(1)
			r.dispatch(env)
		}
	})
}

// setShake installs the handshake dispatch hook.
func (r *router) setShake(f func(*Envelope)) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.shake = f
}

// dispatch routes one inbound envelope. Unroutable messages are dropped:
// the port may carry unrelated multiplexed traffic, so a mismatch is never
// an error.
func (r *router) dispatch(env *Envelope) {
	if env == nil || env.Msg == nil {
		hubMetrics.msgDropped.Add(1)
		return
	}
	if r.plog != nil {
		r.plog(MessageInfo{Message: env.Msg, Sent: false, Origin: env.Origin})
	}
	switch env.Msg.Action {
	case HandshakeRequest, HandshakeReply:
		r.μ.Lock()
		shake := r.shake
		r.μ.Unlock()
		if shake == nil {
			hubMetrics.msgDropped.Add(1)
			return
		}
		shake(env)

	case CallRequest:
		r.dispatchCall(env)

	case CallResolve, CallReject:
		r.dispatchResponse(env.Msg)

	default:
		hubMetrics.msgDropped.Add(1)
	}
}

// dispatchCall invokes the bound method for an inbound call request, if
// one exists, and sends the resolve or reject response back to the caller.
func (r *router) dispatchCall(env *Envelope) {
	m := env.Msg
	if !m.isCall() {
		hubMetrics.msgDropped.Add(1)
		return
	}
	r.μ.Lock()
	lm, ok := r.local[localKey{conn: m.ConnectionID, path: m.CallName}]
	r.μ.Unlock()
	if !ok {
		hubMetrics.msgDropped.Add(1)
		return
	}
	hubMetrics.callIn.Add(1)

	// The reply goes to the source of the request when it is addressable,
	// otherwise to the route captured at negotiation, otherwise outward on
	// the port.
	route := env.Source
	if route == nil {
		route = lm.route
	}

	r.tasks.Go(func() error {
		result, err := func() (_ any, err error) {
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return lm.fn(r.base, m.Args)
		}()

		rsp := &Message{
			CallID:       m.CallID,
			CallName:     m.CallName,
			ConnectionID: m.ConnectionID,
		}
		if err == nil {
			rsp.Result, err = cloneJSON(result)
		}
		if err != nil {
			hubMetrics.callInErr.Add(1)
			rsp.Action = CallReject
			rsp.Result = nil
			rsp.Error = errorValueOf(err)
		} else {
			rsp.Action = CallResolve
		}
		if err := r.send(route, rsp); err != nil {
			// The caller has gone away; there is nobody to tell.
			hubMetrics.msgDropped.Add(1)
		}
		return nil
	})
}

// dispatchResponse delivers a call response to the matching waiter, if
// any. The waiter is released on delivery; a response with no exact match
// on method name, connection ID, and call ID is discarded.
func (r *router) dispatchResponse(m *Message) {
	if !m.isCall() {
		hubMetrics.msgDropped.Add(1)
		return
	}
	key := respKey{conn: m.ConnectionID, path: m.CallName, call: m.CallID}
	r.μ.Lock()
	ch, ok := r.resp[key]
	if ok {
		delete(r.resp, key)
	}
	r.μ.Unlock()
	if !ok {
		hubMetrics.msgDropped.Add(1)
		return
	}
	ch <- m // capacity 1, never blocks
	close(ch)
}

// bindLocal registers the schema's methods under connID, with replies
// routed to route. It returns a function that removes exactly the bindings
// it created; the function is safe to call more than once.
func (r *router) bindLocal(connID string, schema Schema, route Sender) func() {
	keys := make([]localKey, 0, len(schema))
	r.μ.Lock()
	for path, fn := range schema {
		key := localKey{conn: connID, path: path}
		r.local[key] = &localMethod{fn: fn, route: route}
		keys = append(keys, key)
	}
	r.μ.Unlock()
	return func() {
		r.μ.Lock()
		defer r.μ.Unlock()
		for _, key := range keys {
			delete(r.local, key)
		}
	}
}

// awaitResponse registers a one-shot waiter for the response to a call.
// The returned cancel function releases the waiter if the response did not
// arrive.
func (r *router) awaitResponse(connID, path, callID string) (<-chan *Message, func()) {
	key := respKey{conn: connID, path: path, call: callID}
	ch := make(chan *Message, 1)
	r.μ.Lock()
	r.resp[key] = ch
	r.μ.Unlock()
	return ch, func() {
		r.μ.Lock()
		defer r.μ.Unlock()
		delete(r.resp, key)
	}
}

// cancelCalls releases every response waiter belonging to connID. The
// waiters observe a closed channel and report the connection as closed
// rather than waiting forever.
func (r *router) cancelCalls(connID string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	for key, ch := range r.resp {
		if key.conn == connID {
			close(ch)
			delete(r.resp, key)
		}
	}
}

// send delivers m to route, falling back to an untargeted post on the
// port when no route is available. Once the receive loop has ended there
// is no way to hear a reply, so further sends are refused.
func (r *router) send(route Sender, m *Message) error {
	r.μ.Lock()
	failed := r.err != nil
	r.μ.Unlock()
	if failed {
		return net.ErrClosed
	}
	hubMetrics.msgSent.Add(1)
	if r.plog != nil {
		r.plog(MessageInfo{Message: m, Sent: true})
	}
	if route != nil {
		return route.Post(m)
	}
	return r.port.Send(m)
}

// fail records the terminal error and releases every waiter. Pending
// calls multiplexed over this port observe closed channels and report
// errors instead of hanging.
func (r *router) fail(err error) {
	r.cancel()
	r.μ.Lock()
	if r.err != nil {
		r.μ.Unlock()
		return
	}
	r.err = err
	for key, ch := range r.resp {
		close(ch)
		delete(r.resp, key)
	}
	clear(r.local)
	close(r.done)
	onFail := r.onFail
	r.μ.Unlock()
	if onFail != nil {
		onFail(err)
	}
}

// stop closes the port, which terminates the receive loop. It does not
// wait for in-flight handler tasks; use wait for that.
func (r *router) stop() { r.port.Close() }

// wait blocks until the receive loop and all handler tasks have finished.
func (r *router) wait() { r.tasks.Wait() }
