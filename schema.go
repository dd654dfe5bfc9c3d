// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package crosstalk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// A Func is a callable method exposed to the remote peer. Its arguments
// arrive as the JSON-encoded values the caller supplied, in order; a
// missing argument decodes as the zero value. The returned value is cloned
// through JSON before it is delivered to the caller. An error returned by
// a Func is delivered to the caller as a rejected call.
//
// The context is derived from the lifetime of the connection's dispatch
// loop: it ends when the underlying channel shuts down.
type Func func(ctx context.Context, args []json.RawMessage) (any, error)

// A Schema maps dotted method paths (such as "math.add") to the functions
// that implement them. The flattened path form is the registry contract:
// callers supply the leaf paths directly rather than a nested structure.
//
// A nil Schema is valid and exposes no methods.
type Schema map[string]Func

// Methods returns the callable leaf paths of s in lexicographic order.
// This is the method list advertised to the peer during the handshake.
func (s Schema) Methods() []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for path := range s {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// check panics if s contains an empty or malformed method path. It is
// called when a schema is offered for a connection, so a bad registry is
// a programming error surfaced at registration rather than a silent
// unroutable method.
func (s Schema) check() {
	for path, fn := range s {
		if fn == nil {
			panic(fmt.Sprintf("nil function for method path %q", path))
		}
		if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") ||
			strings.Contains(path, "..") {
			panic(fmt.Sprintf("invalid method path %q", path))
		}
	}
}

// Shape returns the JSON rendering of the schema's structure with the
// function leaves elided, the same value a structural clone of the schema
// would produce. A schema of top-level methods renders as {}.
func (s Schema) Shape() json.RawMessage {
	top := make(map[string]any)
	for path := range s {
		parts := strings.Split(path, ".")
		node := top
		for _, p := range parts[:len(parts)-1] {
			next, ok := node[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[p] = next
			}
			node = next
		}
		// The leaf is a function and does not survive cloning.
	}
	data, err := json.Marshal(top)
	if err != nil {
		return json.RawMessage("{}") // maps of maps cannot fail to encode
	}
	return data
}
