// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package crosstalk

// A Sender is a handle that delivers messages directly to one endpoint,
// the analog of a targeted postMessage. A Port is itself a Sender, so an
// in-process holder of a port can use the port value as the identity of
// that endpoint.
//
// Sender values are compared for identity during handshake validation, so
// implementations must be comparable (pointer types are typical).
type Sender interface {
	// Post delivers the message to this endpoint's inbound queue.
	Post(*Message) error
}

// A Port is one endpoint of a messaging target: a thing that can receive
// inbound envelopes and post outbound messages. It abstracts over the
// three physical channel families (direct pairs, broadcast buses, and
// byte-stream transports) behind one shape.
//
// The methods of an implementation must be safe for concurrent use.
type Port interface {
	Sender

	// Send posts the message outward without a designated target: to the
	// opposite endpoint of a pair, or to every other endpoint of a bus.
	Send(*Message) error

	// Recv returns the next inbound envelope. It blocks until an envelope
	// is available and reports an error once the port is closed.
	Recv() (*Envelope, error)

	// Close releases the port. Pending and future operations on it report
	// errors. Close is idempotent.
	Close() error
}

// An Envelope pairs an inbound message with its provenance.
type Envelope struct {
	Msg *Message

	// Origin identifies where the message came from, when the channel can
	// attest to it. Empty when the channel has no origin concept.
	Origin string

	// Source is a handle for replying directly to the sender. It is nil
	// when the sender can no longer be addressed.
	Source Sender

	// ClientID identifies the sending client of a broadcast bus. Empty on
	// channels without multiple clients.
	ClientID string
}

// A Guest restricts which handshake requests a pending connection will
// accept. A nil *Guest accepts any request on the port.
type Guest struct {
	// Source, if non-nil, requires the request's source handle to be
	// exactly this endpoint (the contentWindow check for an embedded
	// frame).
	Source Sender

	// Origin, if set and not "*", requires the request's origin to match.
	Origin string
}

// Trusts reports whether an inbound envelope satisfies the guest's
// origin and source requirements.
func (g *Guest) Trusts(env *Envelope) bool {
	if g == nil {
		return true
	}
	if g.Source != nil && env.Source != g.Source {
		return false
	}
	if g.Origin != "" && g.Origin != "*" && env.Origin != g.Origin {
		return false
	}
	return true
}

// A MessageLogger logs a message exchanged through a dispatch loop.
type MessageLogger func(info MessageInfo)

// A MessageInfo combines a message with its direction and, for received
// messages, the origin it arrived from.
type MessageInfo struct {
	*Message        // the message being logged
	Sent     bool   // whether the message was sent (true) or received (false)
	Origin   string // origin of a received message, if known
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string { return m.dir() + " " + m.Message.String() }
