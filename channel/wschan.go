// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"sync"

	"github.com/creachadair/crosstalk"
	"github.com/gorilla/websocket"
)

// Websocket constructs a port that exchanges messages as JSON text frames
// on a websocket connection, allowing a hub or guest to talk to a peer in
// a browser or another process. Like IO, the stream is point-to-point, so
// Post and Send coincide.
//
// Set Origin before use to attest an origin on inbound envelopes (for a
// server-side port, typically the Origin header checked during upgrade).
func Websocket(conn *websocket.Conn) *WSPort { return &WSPort{conn: conn} }

// A WSPort sends and receives messages on a websocket connection.
type WSPort struct {
	// Origin, if set, is reported as the origin of every inbound
	// envelope. It must be set before the port is used.
	Origin string

	μ    sync.Mutex // gorilla permits one concurrent writer
	conn *websocket.Conn
}

// Send implements a method of the [crosstalk.Port] interface.
func (p *WSPort) Send(m *crosstalk.Message) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.conn.WriteJSON(m)
}

// Post implements a method of the [crosstalk.Sender] interface.
func (p *WSPort) Post(m *crosstalk.Message) error { return p.Send(m) }

// Recv implements a method of the [crosstalk.Port] interface.
func (p *WSPort) Recv() (*crosstalk.Envelope, error) {
	m := new(crosstalk.Message)
	if err := p.conn.ReadJSON(m); err != nil {
		return nil, err
	}
	return &crosstalk.Envelope{Msg: m, Origin: p.Origin, Source: p}, nil
}

// Close implements a method of the [crosstalk.Port] interface.
func (p *WSPort) Close() error { return p.conn.Close() }
