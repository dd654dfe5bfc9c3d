// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package crosstalk establishes bidirectional RPC channels between two
// isolated execution contexts that can only exchange structurally-cloned
// messages, such as a host page and an embedded frame, worker, or
// service-worker style broadcast scope.
//
// A shared channel of this kind gives no delivery or cross-context
// ordering guarantees and may carry unrelated multiplexed traffic, so the
// package turns it into promise-like method calls in two layers: a
// handshake that negotiates a uniquely-identified connection, and a
// call/response protocol correlated by connection, method, and call
// identifiers. Messages that do not correlate exactly are silently
// dropped rather than treated as errors.
//
// # Ports
//
// The [Port] interface is one endpoint of a messaging target: it receives
// inbound [Envelope] values and posts outbound [Message] values, either
// untargeted (Send) or directly to a peer endpoint (Post). The channel
// package provides in-memory pairs, a broadcast bus with multiple
// clients, and framed byte-stream and websocket transports.
//
// # Hosts
//
// A [Hub] accepts connections on behalf of a host. To accept a single
// connection from a known guest:
//
//	conn, err := hub.Connect(ctx, port, &crosstalk.Guest{Origin: origin}, schema)
//
// To accept any number of connections on a shared target:
//
//	srv := hub.Serve(port, schema)
//	for {
//	    conn, err := srv.Accept(ctx)
//	    ...
//	}
//
// Several Connect calls may wait on the same target at once; every waiter
// that trusts an inbound handshake request negotiates its own connection
// from it.
//
// # Guests
//
// The guest side of the handshake is driven by [Join], which re-sends the
// handshake request on a retry schedule until the host confirms or the
// timeout elapses:
//
//	conn, err := crosstalk.Join(ctx, port, schema, nil)
//
// # Connections
//
// A [Schema] maps dotted method paths to [Func] implementations; its
// method list is advertised to the peer during the handshake. The peer's
// advertised methods are reachable through [Conn.Remote]:
//
//	res, err := conn.Remote().Call(ctx, "math.add", 2, 3)
//
// Any number of calls may be in flight concurrently on one connection;
// each is correlated independently. An error thrown by a remotely-invoked
// method is delivered to the caller as a rejected call with concrete type
// [*CallError]. Closing a connection releases only the local bindings it
// created and rejects its pending calls; closing is not synchronized with
// the peer.
//
// # Metrics
//
// Hubs and connections maintain shared expvar counters available through
// [Hub.Metrics], including handshakes, calls in each direction, pending
// and active gauges, and dropped messages.
package crosstalk
