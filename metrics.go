// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package crosstalk

import "expvar"

// metricsMap records activity counters shared by all hubs and guests.
type metricsMap struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int
	shakeIn     expvar.Int // handshake requests received
	shakeOut    expvar.Int // handshake requests sent
	shakeErr    expvar.Int // handshakes that failed to negotiate
	connActive  expvar.Int // gauge of open connections
	callIn      expvar.Int // inbound call requests received
	callInErr   expvar.Int // inbound calls reporting an error
	callOut     expvar.Int // outbound calls initiated
	callOutErr  expvar.Int // outbound calls reporting an error
	callPending expvar.Int // gauge of outbound calls awaiting responses

	emap *expvar.Map
}

var hubMetrics = newMetricsMap()

func newMetricsMap() *metricsMap {
	m := &metricsMap{emap: new(expvar.Map)}
	m.emap.Set("messages_received", &m.msgRecv)
	m.emap.Set("messages_sent", &m.msgSent)
	m.emap.Set("messages_dropped", &m.msgDropped)
	m.emap.Set("handshakes_received", &m.shakeIn)
	m.emap.Set("handshakes_sent", &m.shakeOut)
	m.emap.Set("handshakes_failed", &m.shakeErr)
	m.emap.Set("connections_active", &m.connActive)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_pending", &m.callPending)
	return m
}
