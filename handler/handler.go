// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the crosstalk.Func type for
// functions with typed signatures.
//
// Parameters and results may be any JSON-serializable types. Arguments
// supplied by the remote caller are decoded positionally; a missing
// argument decodes as the zero value of its parameter type, matching the
// structural-clone semantics of the wire format.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/creachadair/crosstalk"
)

// ParamResultError adapts a function f that accepts a parameter of type P
// and returns a result of type R and an error, to a crosstalk.Func.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) crosstalk.Func {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		p, err := arg[P](args, 0)
		if err != nil {
			return nil, err
		}
		return f(ctx, p)
	}
}

// Param2ResultError adapts a function f of two parameters returning a
// result and an error, to a crosstalk.Func.
func Param2ResultError[P1, P2, R any](f func(context.Context, P1, P2) (R, error)) crosstalk.Func {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		p1, err := arg[P1](args, 0)
		if err != nil {
			return nil, err
		}
		p2, err := arg[P2](args, 1)
		if err != nil {
			return nil, err
		}
		return f(ctx, p1, p2)
	}
}

// ParamResult adapts a function f that accepts a parameter of type P and
// returns a result of type R without error, to a crosstalk.Func.
func ParamResult[P, R any](f func(context.Context, P) R) crosstalk.Func {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		p, err := arg[P](args, 0)
		if err != nil {
			return nil, err
		}
		return f(ctx, p), nil
	}
}

// ParamError adapts a function f that accepts a parameter of type P and
// returns an error with no result, to a crosstalk.Func.
func ParamError[P any](f func(context.Context, P) error) crosstalk.Func {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		p, err := arg[P](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, f(ctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns
// a result of type R and an error, to a crosstalk.Func.
func ResultError[R any](f func(context.Context) (R, error)) crosstalk.Func {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		return f(ctx)
	}
}

// arg decodes the argument at position i into type P. An absent or null
// argument yields the zero value.
func arg[P any](args []json.RawMessage, i int) (P, error) {
	var p P
	if i >= len(args) || len(args[i]) == 0 || string(args[i]) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(args[i], &p); err != nil {
		return p, fmt.Errorf("argument %d: %w", i, err)
	}
	return p, nil
}
