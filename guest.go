// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package crosstalk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"
)

// ErrHandshakeTimeout is reported by Join when no handshake reply arrives
// within the configured timeout.
var ErrHandshakeTimeout = errors.New("handshake timed out")

// JoinOptions control the guest side of the handshake. A nil *JoinOptions
// is ready for use and provides defaults.
type JoinOptions struct {
	// Timeout is how long to wait for a handshake reply before giving up.
	// If zero, it defaults to 3 seconds.
	Timeout time.Duration

	// Retry is the interval at which the handshake request is re-sent
	// until a reply is observed. If zero, it defaults to 250 ms.
	Retry time.Duration

	// RetryMax caps the resend interval. If zero it equals Retry, giving
	// a fixed resend schedule; setting it higher allows backoff.
	RetryMax time.Duration

	// Expect, if non-nil, constrains which handshake replies are
	// accepted: replies failing its origin or source requirements are
	// ignored.
	Expect *Guest

	// Logger, if non-nil, receives every message exchanged on the port.
	Logger MessageLogger
}

func (o *JoinOptions) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return 3 * time.Second
	}
	return o.Timeout
}

func (o *JoinOptions) retry() (min, max time.Duration) {
	min = 250 * time.Millisecond
	if o != nil && o.Retry > 0 {
		min = o.Retry
	}
	max = min
	if o != nil && o.RetryMax > min {
		max = o.RetryMax
	}
	return
}

func (o *JoinOptions) expect() *Guest {
	if o == nil {
		return nil
	}
	return o.Expect
}

func (o *JoinOptions) logger() MessageLogger {
	if o == nil {
		return nil
	}
	return o.Logger
}

// Join connects the calling context to the host listening on the far side
// of port: it subscribes a reply listener, re-sends the handshake request
// on the retry schedule until the host confirms, then wires up both
// method registries and returns the connection.
//
// Join consumes the receive side of port; the connection's Close releases
// it. If the timeout elapses without a reply, Join reports
// ErrHandshakeTimeout (wrapped) and releases the port and retry timer.
func Join(ctx context.Context, port Port, schema Schema, opts *JoinOptions) (*Conn, error) {
	schema.check()
	rt := newRouter(port, opts.logger())

	// The reply listener must exist before anything is sent, so a fast
	// reply cannot arrive unobserved.
	expect := opts.expect()
	replyc := make(chan *Envelope, 1)
	rt.setShake(func(env *Envelope) {
		m := env.Msg
		if m.Action != HandshakeReply || m.ConnectionID == "" || !expect.Trusts(env) {
			hubMetrics.msgDropped.Add(1)
			return
		}
		select {
		case replyc <- env:
		default: // already resolved; a duplicate reply is dropped
			hubMetrics.msgDropped.Add(1)
		}
	})
	rt.start()

	req := &Message{
		Action:  HandshakeRequest,
		Methods: schema.Methods(),
		Schema:  schema.Shape(),
	}
	retryMin, retryMax := opts.retry()
	stop := make(chan struct{})
	rt.tasks.Go(func() error {
		b := &backoff.Backoff{Min: retryMin, Max: retryMax}
		t := time.NewTimer(0) // first send is immediate
		defer t.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-t.C:
				hubMetrics.shakeOut.Add(1)
				if err := rt.send(nil, req); err != nil {
					return nil
				}
				t.Reset(b.Duration())
			}
		}
	})

	timeout := time.NewTimer(opts.timeout())
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		close(stop)
		rt.stop()
		rt.wait()
		return nil, ctx.Err()

	case <-timeout.C:
		close(stop)
		rt.stop()
		rt.wait()
		return nil, fmt.Errorf("no handshake reply after %v: %w", opts.timeout(), ErrHandshakeTimeout)

	case <-rt.done:
		close(stop)
		rt.wait()
		return nil, fmt.Errorf("channel closed during handshake: %w", net.ErrClosed)

	case env := <-replyc:
		close(stop)
		m := env.Msg
		unbind := rt.bindLocal(m.ConnectionID, schema, env.Source)
		conn := &Conn{
			id:       m.ConnectionID,
			rt:       rt,
			route:    env.Source,
			local:    schema.Methods(),
			unbind:   unbind,
			shutdown: rt.stop,
		}
		conn.remote = newRemote(conn, m.Methods, m.Schema)
		rt.setShake(nil) // late replies are dropped
		hubMetrics.connActive.Add(1)
		return conn, nil
	}
}
