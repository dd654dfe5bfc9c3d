// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package bridge provides support code for connecting and testing hubs
// and guests.
package bridge

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/crosstalk"
	"github.com/creachadair/crosstalk/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a connected hub/guest pair joined over an in-memory channel,
// suitable for testing.
type Local struct {
	Hub   *crosstalk.Hub
	Host  *crosstalk.Conn // the hub's end of the connection
	Guest *crosstalk.Conn // the guest's end of the connection

	port crosstalk.Port // the hub's end of the channel
}

// Stop closes both ends of the connection and shuts the hub down.
func (p *Local) Stop() {
	p.Guest.Close()
	p.Hub.Stop(p.port, true)
}

// NewLocal connects a hub serving host to a guest serving guest over a
// direct channel without encoding, and blocks until the handshake
// completes on both sides.
func NewLocal(host, guest crosstalk.Schema) (*Local, error) {
	hp, gp := channel.Direct()
	hub := crosstalk.NewHub()

	var hc, gc *crosstalk.Conn
	g := taskgroup.New(nil)
	g.Go(func() error {
		var err error
		hc, err = hub.Connect(context.Background(), hp, nil, host)
		return err
	})
	g.Go(func() error {
		var err error
		gc, err = crosstalk.Join(context.Background(), gp, guest, nil)
		return err
	})
	if err := g.Wait(); err != nil {
		hp.Close()
		gp.Close()
		return nil, err
	}
	return &Local{Hub: hub, Host: hc, Guest: gc, port: hp}, nil
}

// An Accepter yields inbound ports, for example from incoming network
// connections.
type Accepter interface {
	Accept(context.Context) (crosstalk.Port, error)
}

// Loop accepts ports from acc and negotiates a connection on each one in
// a goroutine, passing each established connection to ready. Loop
// continues until acc closes or ctx ends.
//
// When ctx terminates, negotiation on all pending ports is abandoned.
// When acc closes, the loop waits for in-flight handshakes before
// returning.
func Loop(ctx context.Context, acc Accepter, hub *crosstalk.Hub, schema crosstalk.Schema, ready func(*crosstalk.Conn)) error {
	g := taskgroup.New(nil)
	for {
		port, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			conn, err := hub.Connect(ctx, port, nil, schema)
			if err != nil {
				hub.Stop(port, false)
				return nil // a failed handshake does not stop the loop
			}
			ready(conn)
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Each
// accepted connection is wrapped in a framed stream port.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (crosstalk.Port, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
