// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package crosstalk

import (
	"context"
	"expvar"
	"net"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// A Hub accepts connections from guests on behalf of a host context. It
// owns one record per messaging target: the live connection map, the
// pending handshake waiters, and the single receive loop dispatching that
// target's inbound traffic. There is no process-global registry; callers
// hold the Hub explicitly and pass it wherever connections are accepted.
//
// Handing a port to Connect or Serve gives the hub the receive side of
// that port. The hub releases it when Stop is called for the port or when
// the port is closed by its owner.
//
// A zero-adjacent Hub from NewHub is ready for use. All methods are safe
// for concurrent use by multiple goroutines.
type Hub struct {
	μ       sync.Mutex
	plog    MessageLogger
	records map[Port]*record
}

// NewHub constructs a new empty Hub.
func NewHub() *Hub { return &Hub{records: make(map[Port]*record)} }

// LogMessages registers a callback invoked for each message exchanged on
// targets the hub subscribes to after this call. Passing nil disables
// logging. LogMessages returns h to permit chaining.
func (h *Hub) LogMessages(f MessageLogger) *Hub {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.plog = f
	return h
}

// Metrics returns a metrics map recording hub and connection activity.
// Metrics are shared globally among all hubs and guest connectors. It is
// safe for the caller to add entries to the map.
func (h *Hub) Metrics() *expvar.Map { return hubMetrics.emap }

// Connect registers intent to accept the next handshake request on port
// that satisfies guest, and blocks until a connection is negotiated or
// ctx ends. A nil guest accepts a request from any source.
//
// Several Connect calls may be pending against the same port and guest;
// each negotiates its own connection, and one inbound handshake request
// resolves all of them.
func (h *Hub) Connect(ctx context.Context, port Port, guest *Guest, schema Schema) (*Conn, error) {
	schema.check()
	rec := h.record(port)
	ch := make(chan *Conn, 1)
	w := &waiter{guest: guest, schema: schema, oneshot: true, deliver: func(c *Conn) { ch <- c }}
	rec.addWaiter(w)

	select {
	case <-ctx.Done():
		rec.removeWaiter(w)
		// A resolution may have raced the cancellation; do not leak it.
		select {
		case c := <-ch:
			if c != nil {
				c.Close()
			}
		default:
		}
		return nil, ctx.Err()
	case c := <-ch:
		if c == nil {
			return nil, net.ErrClosed
		}
		return c, nil
	}
}

// Serve registers a persistent acceptor on port: every inbound handshake
// request negotiates a connection delivered through the returned Server,
// in the order the handshakes complete. The caller drains the server
// with Accept and releases it with Stop.
func (h *Hub) Serve(port Port, schema Schema) *Server {
	schema.check()
	rec := h.record(port)
	s := &Server{ready: make(chan struct{}, 1), done: make(chan struct{})}
	w := &waiter{schema: schema, deliver: s.deliver}
	s.remove = func() { rec.removeWaiter(w) }
	rec.addWaiter(w)
	return s
}

// Disconnect closes the connection with the given ID on port. It is a
// no-op when the hub is not subscribed to port or no such connection is
// open.
func (h *Hub) Disconnect(port Port, connectionID string) {
	h.μ.Lock()
	rec, ok := h.records[port]
	h.μ.Unlock()
	if !ok {
		return
	}
	rec.μ.Lock()
	c := rec.conns[connectionID]
	rec.μ.Unlock()
	if c != nil {
		c.Close()
	}
}

// Stop tears down the record for port: pending Connect and Serve waiters
// are aborted, live connections are closed when closeConns is true, and
// the port is closed, ending its receive loop. Stop blocks until the
// receive loop and any in-flight method invocations have finished; do
// not call it from inside a method bound on the same port. Stop is a
// no-op for a port the hub is not subscribed to.
func (h *Hub) Stop(port Port, closeConns bool) {
	h.μ.Lock()
	rec, ok := h.records[port]
	h.μ.Unlock()
	if !ok {
		return
	}
	rec.abortWaiters()
	if closeConns {
		for _, c := range rec.snapshotConns() {
			c.Close()
		}
	}
	rec.rt.stop() // the loop exit drops the record from the hub
	rec.rt.wait()
}

// record returns the record for port, creating and subscribing it on
// first use.
func (h *Hub) record(port Port) *record {
	h.μ.Lock()
	defer h.μ.Unlock()
	if rec, ok := h.records[port]; ok {
		return rec
	}
	rec := &record{hub: h, port: port, conns: make(map[string]*Conn)}
	rec.rt = newRouter(port, h.plog)
	rec.rt.onFail = func(error) {
		h.μ.Lock()
		if h.records[port] == rec {
			delete(h.records, port)
		}
		h.μ.Unlock()
		rec.abortWaiters()
	}
	rec.rt.setShake(rec.dispatchShake)
	rec.rt.start()
	h.records[port] = rec
	return rec
}

// A waiter is a registered intent to accept a matching handshake request.
type waiter struct {
	guest   *Guest
	schema  Schema
	deliver func(*Conn) // a nil Conn reports that the waiter was aborted
	oneshot bool
}

// A record tracks one messaging target: its connections, its pending
// handshake waiters, and the router that pumps its port.
type record struct {
	hub  *Hub
	port Port
	rt   *router

	μ       sync.Mutex
	conns   map[string]*Conn
	waiters []*waiter
}

func (rec *record) addWaiter(w *waiter) {
	rec.μ.Lock()
	defer rec.μ.Unlock()
	rec.waiters = append(rec.waiters, w)
}

// removeWaiter removes w if it is still registered, and reports whether
// it did so.
func (rec *record) removeWaiter(w *waiter) bool {
	rec.μ.Lock()
	defer rec.μ.Unlock()
	for i, cand := range rec.waiters {
		if cand == w {
			rec.waiters = slices.Delete(rec.waiters, i, i+1)
			return true
		}
	}
	return false
}

func (rec *record) abortWaiters() {
	rec.μ.Lock()
	ws := rec.waiters
	rec.waiters = nil
	rec.μ.Unlock()
	for _, w := range ws {
		w.deliver(nil)
	}
}

func (rec *record) snapshotConns() []*Conn {
	rec.μ.Lock()
	defer rec.μ.Unlock()
	out := make([]*Conn, 0, len(rec.conns))
	for _, c := range rec.conns {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (rec *record) removeConn(c *Conn) {
	rec.μ.Lock()
	defer rec.μ.Unlock()
	delete(rec.conns, c.id)
}

// dispatchShake fans an inbound handshake request out to every registered
// waiter whose guest constraints trust the envelope. Each waiter
// independently negotiates its own connection from the same request; this
// multi-resolution is deliberate. Waiter registration during dispatch is
// tolerated by snapshotting.
func (rec *record) dispatchShake(env *Envelope) {
	if env.Msg.Action != HandshakeRequest {
		hubMetrics.msgDropped.Add(1)
		return
	}
	hubMetrics.shakeIn.Add(1)

	rec.μ.Lock()
	ws := slices.Clone(rec.waiters)
	rec.μ.Unlock()
	for _, w := range ws {
		if !w.guest.Trusts(env) {
			continue
		}
		conn, err := rec.negotiate(env, w.schema)
		if err != nil {
			hubMetrics.shakeErr.Add(1)
			continue
		}
		if w.oneshot && !rec.removeWaiter(w) {
			// The waiter was resolved by an earlier request or cancelled.
			conn.Close()
			continue
		}
		w.deliver(conn)
	}
}

// negotiate turns one handshake request into a wired connection: a fresh
// connection identifier, local bindings for schema, remote proxies for
// the advertised methods, and the handshake reply posted to the source.
func (rec *record) negotiate(env *Envelope, schema Schema) (*Conn, error) {
	if env.Source == nil {
		return nil, ErrNoSource
	}

	// Identifiers are minted until unused; within one record no two open
	// connections may share an ID.
	rec.μ.Lock()
	var id string
	for {
		id = uuid.NewString()
		if _, ok := rec.conns[id]; !ok {
			break
		}
	}
	rec.conns[id] = nil // reserve
	rec.μ.Unlock()

	unbind := rec.rt.bindLocal(id, schema, env.Source)
	conn := &Conn{
		id:       id,
		clientID: env.ClientID,
		rt:       rec.rt,
		route:    env.Source,
		local:    schema.Methods(),
		unbind:   unbind,
		detach:   rec.removeConn,
	}
	conn.remote = newRemote(conn, env.Msg.Methods, env.Msg.Schema)

	if err := rec.rt.send(env.Source, &Message{
		Action:       HandshakeReply,
		ConnectionID: id,
		Methods:      schema.Methods(),
		Schema:       schema.Shape(),
	}); err != nil {
		unbind()
		rec.removeConn(conn)
		return nil, err
	}

	rec.μ.Lock()
	rec.conns[id] = conn
	rec.μ.Unlock()
	hubMetrics.connActive.Add(1)
	return conn, nil
}

// A Server yields the connections negotiated by Hub.Serve in the order
// their handshakes complete.
type Server struct {
	remove func()

	μ      sync.Mutex
	queue  []*Conn
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

// deliver enqueues a connection for Accept. It never blocks the dispatch
// loop. A nil connection reports that the hub tore down the acceptor, and
// marks the sequence exhausted. Connections delivered after Stop are
// closed, never yielded.
func (s *Server) deliver(c *Conn) {
	if c == nil {
		s.abort()
		return
	}
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		c.Close()
		return
	}
	s.queue = append(s.queue, c)
	s.μ.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Accept returns the next incoming connection, blocking until one is
// available or ctx ends. After Stop it reports net.ErrClosed.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	for {
		s.μ.Lock()
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue = s.queue[1:]
			s.μ.Unlock()
			return c, nil
		}
		closed := s.closed
		s.μ.Unlock()
		if closed {
			return nil, net.ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
		case <-s.ready:
		}
	}
}

// Stop unregisters the server's acceptor and marks the sequence
// exhausted. Connections negotiated but never yielded are closed;
// connections already yielded are unaffected. Stop is idempotent.
func (s *Server) Stop() {
	s.remove()
	s.abort()
}

// abort marks the sequence exhausted without unregistering the acceptor,
// releasing blocked Accept calls. Pending unyielded connections are
// closed.
func (s *Server) abort() {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.μ.Unlock()

	close(s.done)
	for _, c := range pending {
		c.Close()
	}
}
