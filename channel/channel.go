// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the crosstalk.Port
// interface: in-memory direct pairs, a broadcast bus with multiple client
// endpoints, and framed transports over byte streams and websockets.
package channel

import (
	"net"
	"sync"

	"github.com/creachadair/crosstalk"
	"github.com/google/uuid"
)

// Direct constructs a connected pair of in-memory ports that pass
// messages directly without encoding. Messages sent to A are received by
// B and vice versa. Neither port reports an origin.
func Direct() (A, B crosstalk.Port) { return Pair("", "") }

// Pair constructs a connected pair of in-memory ports whose traffic is
// stamped with the given origins: envelopes received by B report aOrigin,
// and envelopes received by A report bOrigin.
func Pair(aOrigin, bOrigin string) (A, B crosstalk.Port) {
	a := newDirect(aOrigin)
	b := newDirect(bOrigin)
	a.peer, b.peer = b, a
	return a, b
}

// inboxSize is the queue depth of an in-memory port. A sender blocks when
// the receiver's queue is full.
const inboxSize = 64

type direct struct {
	origin string // stamped on traffic this port emits
	peer   *direct
	in     chan *crosstalk.Envelope
	done   chan struct{}
	once   sync.Once
}

func newDirect(origin string) *direct {
	return &direct{
		origin: origin,
		in:     make(chan *crosstalk.Envelope, inboxSize),
		done:   make(chan struct{}),
	}
}

// Send implements a method of the [crosstalk.Port] interface.
func (d *direct) Send(m *crosstalk.Message) error {
	return d.peer.deliver(&crosstalk.Envelope{Msg: m, Origin: d.origin, Source: d})
}

// Post implements a method of the [crosstalk.Sender] interface. The only
// endpoint that can target a pair member is its peer, so the envelope
// reports the peer as its source.
func (d *direct) Post(m *crosstalk.Message) error {
	return d.deliver(&crosstalk.Envelope{Msg: m, Origin: d.peer.origin, Source: d.peer})
}

// Recv implements a method of the [crosstalk.Port] interface.
func (d *direct) Recv() (*crosstalk.Envelope, error) {
	select {
	case env := <-d.in:
		return env, nil
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [crosstalk.Port] interface.
func (d *direct) Close() error {
	err := net.ErrClosed
	d.once.Do(func() { close(d.done); err = nil })
	return err
}

func (d *direct) deliver(env *crosstalk.Envelope) error {
	select {
	case <-d.done:
		return net.ErrClosed
	case d.in <- env:
		return nil
	}
}

// A Bus models a broadcast messaging scope shared by one scope endpoint
// and any number of client endpoints, the shape of service-worker
// messaging: a client's sends are received only by the scope, and the
// scope's sends are broadcast to every client. Envelopes received by the
// scope carry the sending client's ClientID.
type Bus struct {
	scope *busPort

	μ       sync.Mutex
	clients map[*busPort]struct{}
}

// NewBus constructs a bus whose scope endpoint reports scopeOrigin.
func NewBus(scopeOrigin string) *Bus {
	b := &Bus{clients: make(map[*busPort]struct{})}
	b.scope = &busPort{
		bus:    b,
		origin: scopeOrigin,
		in:     make(chan *crosstalk.Envelope, inboxSize),
		done:   make(chan struct{}),
	}
	return b
}

// Scope returns the bus's single scope endpoint.
func (b *Bus) Scope() crosstalk.Port { return b.scope }

// Client attaches a new client endpoint with the given origin and a
// fresh client ID.
func (b *Bus) Client(origin string) crosstalk.Port {
	c := &busPort{
		bus:      b,
		origin:   origin,
		clientID: uuid.NewString(),
		in:       make(chan *crosstalk.Envelope, inboxSize),
		done:     make(chan struct{}),
	}
	b.μ.Lock()
	defer b.μ.Unlock()
	b.clients[c] = struct{}{}
	return c
}

func (b *Bus) snapshot() []*busPort {
	b.μ.Lock()
	defer b.μ.Unlock()
	out := make([]*busPort, 0, len(b.clients))
	for c := range b.clients {
		out = append(out, c)
	}
	return out
}

func (b *Bus) detach(c *busPort) {
	b.μ.Lock()
	defer b.μ.Unlock()
	delete(b.clients, c)
}

type busPort struct {
	bus      *Bus
	origin   string
	clientID string // "" for the scope endpoint
	in       chan *crosstalk.Envelope
	done     chan struct{}
	once     sync.Once
}

// Send implements a method of the [crosstalk.Port] interface. A client
// send is delivered to the scope; a scope send is broadcast to every
// client.
func (p *busPort) Send(m *crosstalk.Message) error {
	if p.clientID != "" {
		return p.bus.scope.deliver(&crosstalk.Envelope{
			Msg: m, Origin: p.origin, Source: p, ClientID: p.clientID,
		})
	}
	for _, c := range p.bus.snapshot() {
		// A client that closed while we broadcast just misses the message.
		c.deliver(&crosstalk.Envelope{Msg: m, Origin: p.origin, Source: p})
	}
	return nil
}

// Post implements a method of the [crosstalk.Sender] interface. Targeted
// posts to a client can only come from the scope; targeted posts to the
// scope carry no attested provenance.
func (p *busPort) Post(m *crosstalk.Message) error {
	if p.clientID != "" {
		return p.deliver(&crosstalk.Envelope{
			Msg: m, Origin: p.bus.scope.origin, Source: p.bus.scope,
		})
	}
	return p.deliver(&crosstalk.Envelope{Msg: m})
}

// Recv implements a method of the [crosstalk.Port] interface.
func (p *busPort) Recv() (*crosstalk.Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [crosstalk.Port] interface. Closing a
// client detaches it from the bus; closing the scope leaves clients
// attached but unreachable.
func (p *busPort) Close() error {
	err := net.ErrClosed
	p.once.Do(func() {
		if p.clientID != "" {
			p.bus.detach(p)
		}
		close(p.done)
		err = nil
	})
	return err
}

func (p *busPort) deliver(env *crosstalk.Envelope) error {
	select {
	case <-p.done:
		return net.ErrClosed
	case p.in <- env:
		return nil
	}
}
