// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/creachadair/crosstalk"
)

// maxFrame is the hard limit on the encoded size of a single message,
// preventing a corrupt or hostile stream from forcing huge allocations.
const maxFrame = 16 << 20

// frameVersion is the wire version tag carried in each frame header.
const frameVersion = 1

// IO constructs a port that receives messages from r and sends to wc.
// Each message is framed as an 8-byte header ("XT", version, reserved,
// big-endian payload length) followed by the JSON encoding of the
// message. On a point-to-point stream a targeted post and an untargeted
// send coincide, so Post and Send are equivalent.
//
// Set Origin before use to attest an origin on inbound envelopes.
func IO(r io.Reader, wc io.WriteCloser) *IOPort {
	return &IOPort{rd: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOPort sends and receives framed messages on a reader and a writer.
type IOPort struct {
	// Origin, if set, is reported as the origin of every inbound
	// envelope. It must be set before the port is used.
	Origin string

	rd *bufio.Reader

	μ sync.Mutex // guards w
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [crosstalk.Port] interface.
func (p *IOPort) Send(m *crosstalk.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(body) > maxFrame {
		return fmt.Errorf("message too large (%d bytes)", len(body))
	}
	var hdr [8]byte
	hdr[0], hdr[1], hdr[2] = 'X', 'T', frameVersion
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(body)))

	p.μ.Lock()
	defer p.μ.Unlock()
	if _, err := p.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := p.w.Write(body); err != nil {
		return err
	}
	return p.w.Flush()
}

// Post implements a method of the [crosstalk.Sender] interface.
func (p *IOPort) Post(m *crosstalk.Message) error { return p.Send(m) }

// Recv implements a method of the [crosstalk.Port] interface.
func (p *IOPort) Recv() (*crosstalk.Envelope, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(p.rd, hdr[:]); err != nil {
		return nil, fmt.Errorf("short frame header: %w", err)
	}
	if hdr[0] != 'X' || hdr[1] != 'T' || hdr[2] != frameVersion {
		return nil, fmt.Errorf("invalid frame header %q", hdr[:3])
	}
	size := binary.BigEndian.Uint32(hdr[4:])
	if size > maxFrame {
		return nil, fmt.Errorf("frame too large (%d bytes)", size)
	}
	body := make([]byte, int(size))
	if _, err := io.ReadFull(p.rd, body); err != nil {
		return nil, fmt.Errorf("short frame payload: %w", err)
	}
	m := new(crosstalk.Message)
	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &crosstalk.Envelope{Msg: m, Origin: p.Origin, Source: p}, nil
}

// Close implements a method of the [crosstalk.Port] interface.
func (p *IOPort) Close() error { return p.c.Close() }
