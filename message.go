// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package crosstalk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// An Action identifies the purpose of a message on the wire.
type Action string

// The actions understood by the protocol. Messages with any other action
// are silently discarded by the dispatch loop.
const (
	HandshakeRequest Action = "HANDSHAKE_REQUEST" // guest asks for a connection
	HandshakeReply   Action = "HANDSHAKE_REPLY"   // host confirms a connection
	CallRequest      Action = "RPC_REQUEST"       // invoke a method on the peer
	CallResolve      Action = "RPC_RESOLVE"       // successful method result
	CallReject       Action = "RPC_REJECT"        // method reported an error
)

func (a Action) String() string { return string(a) }

// A Message is the wire format shared by all protocol exchanges. Exactly
// which fields are populated depends on the action:
//
//	HANDSHAKE_REQUEST   methods, schema
//	HANDSHAKE_REPLY     connectionID, methods, schema
//	RPC_REQUEST         connectionID, callID, callName, args
//	RPC_RESOLVE         connectionID, callID, callName, result
//	RPC_REJECT          connectionID, callID, callName, error
//
// All field values are JSON-serializable; arguments and results are cloned
// through a JSON round trip before they are sent, so mutations on one side
// of a connection are never visible on the other.
type Message struct {
	Action       Action            `json:"action"`
	ConnectionID string            `json:"connectionID,omitempty"`
	CallID       string            `json:"callID,omitempty"`
	CallName     string            `json:"callName,omitempty"`
	Methods      []string          `json:"methods,omitempty"`
	Schema       json.RawMessage   `json:"schema,omitempty"`
	Args         []json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        *ErrorValue       `json:"error,omitempty"`
}

// isCall reports whether m carries the correlation fields required of an
// RPC message. Messages lacking them are dropped, not failed.
func (m *Message) isCall() bool { return m.CallID != "" && m.CallName != "" }

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	switch m.Action {
	case HandshakeRequest:
		return fmt.Sprintf("Message(%s, methods=%v)", m.Action, m.Methods)
	case HandshakeReply:
		return fmt.Sprintf("Message(%s, conn=%s, methods=%v)", m.Action, m.ConnectionID, m.Methods)
	case CallRequest:
		return fmt.Sprintf("Message(%s, conn=%s, call=%s, name=%q, args=%d)",
			m.Action, m.ConnectionID, m.CallID, m.CallName, len(m.Args))
	case CallResolve:
		return fmt.Sprintf("Message(%s, conn=%s, call=%s, name=%q, result=%s)",
			m.Action, m.ConnectionID, m.CallID, m.CallName, trimJSON(m.Result))
	case CallReject:
		return fmt.Sprintf("Message(%s, conn=%s, call=%s, name=%q, error=%v)",
			m.Action, m.ConnectionID, m.CallID, m.CallName, m.Error)
	default:
		return fmt.Sprintf("Message(%q)", string(m.Action))
	}
}

func trimJSON(raw json.RawMessage) string {
	if len(raw) > 32 {
		return string(raw[:32]) + "..."
	} else if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// An ErrorValue is the enumerable serialization of an error raised by a
// remotely-invoked method. It is delivered in the error field of an
// RPC_REJECT message.
type ErrorValue struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// Error satisfies the error interface.
func (e *ErrorValue) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// errorValueOf converts err into its wire serialization. An error that is
// already an *ErrorValue is passed through unmodified.
func errorValueOf(err error) *ErrorValue {
	var ev *ErrorValue
	if errors.As(err, &ev) {
		return ev
	}
	return &ErrorValue{Message: err.Error()}
}

// cloneJSON serializes v through a JSON round trip, the structural-clone
// contract shared with the peer.
func cloneJSON(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return json.RawMessage(data), nil
}

// cloneArgs serializes each argument of a call independently.
func cloneArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := cloneJSON(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}
