// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program crosstalk is a command-line utility for hosting and calling
// crosstalk connections over TCP streams and websockets.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/crosstalk"
	"github.com/creachadair/crosstalk/bridge"
	"github.com/creachadair/crosstalk/channel"
	"github.com/creachadair/crosstalk/handler"
	"github.com/creachadair/flax"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var flags struct {
	Address string        `flag:"address,Listen or dial address (host:port)"`
	WS      string        `flag:"ws,Listen or dial websocket URL path (e.g. /talk)"`
	Origin  string        `flag:"origin,Require this origin on inbound handshakes"`
	Timeout time.Duration `flag:"timeout,default=5s,Handshake and call timeout"`
	Verbose bool          `flag:"v,Log every message exchanged"`
}

var log = zerolog.New(zerolog.ConsoleWriter{
	Out: os.Stderr, TimeFormat: time.Kitchen,
}).With().Timestamp().Logger()

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Host and call crosstalk connections.

The serve command hosts a demonstration schema on a TCP listener, or on
a websocket endpoint when --ws is set. The call command joins a served
address and invokes one method with JSON-encoded arguments.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name: "serve",
				Help: "Host the demonstration schema and accept connections.",
				Run:  command.Adapt(runServe),
			},
			{
				Name:  "call",
				Usage: "<method> <json-arg>...",
				Help:  "Join a served address and invoke a single method.",
				Run:   command.Adapt(runCall),
			},
			{
				Name: "methods",
				Help: "Join a served address and print its advertised methods.",
				Run:  command.Adapt(runMethods),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// demoSchema is the method tree hosted by the serve command.
func demoSchema() crosstalk.Schema {
	return crosstalk.Schema{
		"clock.now": handler.ResultError(func(context.Context) (string, error) {
			return time.Now().UTC().Format(time.RFC3339Nano), nil
		}),
		"text.echo": handler.ParamResult(func(_ context.Context, s string) string {
			return s
		}),
		"text.reverse": handler.ParamResult(func(_ context.Context, s string) string {
			rs := []rune(s)
			for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
				rs[i], rs[j] = rs[j], rs[i]
			}
			return string(rs)
		}),
		"math.add": handler.Param2ResultError(func(_ context.Context, a, b float64) (float64, error) {
			return a + b, nil
		}),
		"math.div": handler.Param2ResultError(func(_ context.Context, a, b float64) (float64, error) {
			if b == 0 {
				return 0, errors.New("division by zero")
			}
			return a / b, nil
		}),
	}
}

func runServe(env *command.Env) error {
	if flags.Address == "" {
		return env.Usagef("You must provide a listen --address")
	}
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := crosstalk.NewHub()
	if flags.Verbose {
		hub.LogMessages(func(mi crosstalk.MessageInfo) {
			log.Debug().Str("msg", mi.String()).Msg("message")
		})
	}
	ready := func(conn *crosstalk.Conn) {
		log.Info().Str("conn", conn.ID()).
			Strs("methods", conn.Remote().Methods()).
			Msg("guest connected")
	}

	if flags.WS != "" {
		return serveWS(ctx, hub, ready)
	}
	lst, err := net.Listen("tcp", flags.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info().Str("address", lst.Addr().String()).Msg("serving")
	return bridge.Loop(ctx, bridge.NetAccepter(lst), hub, demoSchema(), ready)
}

// serveWS hosts the demonstration schema behind a websocket upgrade
// endpoint. Each upgraded connection is its own messaging target.
func serveWS(ctx context.Context, hub *crosstalk.Hub, ready func(*crosstalk.Conn)) error {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(flags.WS, func(w http.ResponseWriter, r *http.Request) {
		wc, err := up.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		port := channel.Websocket(wc)
		port.Origin = r.Header.Get("Origin")
		conn, err := hub.Connect(r.Context(), port, guestFilter(), demoSchema())
		if err != nil {
			log.Warn().Err(err).Msg("handshake failed")
			hub.Stop(port, false)
			return
		}
		ready(conn)
	})
	srv := &http.Server{Addr: flags.Address, Handler: mux}
	go func() { <-ctx.Done(); srv.Shutdown(context.Background()) }()

	log.Info().Str("address", flags.Address).Str("path", flags.WS).Msg("serving websocket")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// guestFilter converts the --origin flag to a handshake constraint.
func guestFilter() *crosstalk.Guest {
	if flags.Origin == "" {
		return nil
	}
	return &crosstalk.Guest{Origin: flags.Origin}
}

func runCall(env *command.Env, method string, args []string) error {
	conn, cleanup, err := join(env)
	if err != nil {
		return err
	}
	defer cleanup()

	vals := make([]any, len(args))
	for i, a := range args {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			// Bare words are convenient on a command line; treat undecodable
			// arguments as string literals.
			v = a
		}
		vals[i] = v
	}

	ctx, cancel := context.WithTimeout(env.Context(), flags.Timeout)
	defer cancel()
	res, err := conn.Remote().Call(ctx, method, vals...)
	if err != nil {
		return err
	}
	fmt.Println(res.String())
	return nil
}

func runMethods(env *command.Env) error {
	conn, cleanup, err := join(env)
	if err != nil {
		return err
	}
	defer cleanup()
	fmt.Println(strings.Join(conn.Remote().Methods(), "\n"))
	return nil
}

// join dials the target named by the flags and performs the guest side of
// the handshake. The returned cleanup closes the connection and its port.
func join(env *command.Env) (*crosstalk.Conn, func(), error) {
	if flags.Address == "" {
		return nil, nil, env.Usagef("You must provide a dial --address")
	}
	port, err := dial(env.Context())
	if err != nil {
		return nil, nil, err
	}

	opts := &crosstalk.JoinOptions{Timeout: flags.Timeout}
	if flags.Verbose {
		opts.Logger = func(mi crosstalk.MessageInfo) {
			log.Debug().Str("msg", mi.String()).Msg("message")
		}
	}
	conn, err := crosstalk.Join(env.Context(), port, nil, opts)
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("join %s: %w", flags.Address, err)
	}
	return conn, func() { conn.Close() }, nil
}

func dial(ctx context.Context) (crosstalk.Port, error) {
	if flags.WS != "" {
		url := fmt.Sprintf("ws://%s%s", flags.Address, flags.WS)
		d := websocket.Dialer{HandshakeTimeout: flags.Timeout}
		wc, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return channel.Websocket(wc), nil
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", flags.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", flags.Address, err)
	}
	return channel.IO(conn, conn), nil
}
