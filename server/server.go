// Package server implements the JSON-RPC reactor: a single goroutine
// accepts connections, services every live connection without blocking on
// any one peer, dispatches requests and notifications through the
// middleware chain, and retires connections when they fail or when a
// shutdown notification drains the process.
//
// One pass of the loop:
//
//	accept (while running) → per connection: flush, then decode + dispatch
//	(only when nothing is waiting to drain) → prune dead connections →
//	state transition → block on {listener, connection} readiness
package server

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"jrpc-mux/jsonrpc"
	"jrpc-mux/message"
	"jrpc-mux/metrics"
	"jrpc-mux/middleware"
	"jrpc-mux/poll"
	"jrpc-mux/registry"
	"jrpc-mux/stream"
)

// state tracks the reactor through its life.
type state int

const (
	stateRunning  state = iota
	stateDraining // shutdown requested, existing connections finishing
	stateStopped
)

// defaultRegistryTTL is the lease, in seconds, on published endpoint keys.
const defaultRegistryTTL = 10

// Server is the JSON-RPC reactor.
type Server struct {
	methods       map[string]middleware.HandlerFunc
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc
	listener      *stream.Listener
	conns         connSet
	state         state
	shutdown      bool // set by the shutdown notification
	maxMsgBytes   int
	registry      registry.Registry
	registryTTL   int64
	advertiseAddr string
}

// NewServer creates a server with the echo method pre-registered.
func NewServer() *Server {
	svr := &Server{
		methods:     make(map[string]middleware.HandlerFunc),
		maxMsgBytes: jsonrpc.DefaultMaxMessageBytes,
		registryTTL: defaultRegistryTTL,
	}
	svr.methods["echo"] = echoMethod
	return svr
}

// Register makes fn the handler for request method name.
func (svr *Server) Register(name string, fn middleware.HandlerFunc) error {
	if _, ok := svr.methods[name]; ok {
		return fmt.Errorf("server: method %q already registered", name)
	}
	svr.methods[name] = fn
	return nil
}

// Use appends a middleware. Middlewares apply to request dispatch in the
// order they are added, first outermost.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// SetMaxMessageBytes bounds each inbound message on accepted connections.
func (svr *Server) SetMaxMessageBytes(n int) {
	if n > 0 {
		svr.maxMsgBytes = n
	}
}

// SetRegistryTTL adjusts the lease, in seconds, on published endpoint keys.
func (svr *Server) SetRegistryTTL(seconds int64) {
	if seconds > 0 {
		svr.registryTTL = seconds
	}
}

// Serve listens on the passive target and runs the reactor until a
// shutdown notification has been processed and every connection has
// retired, which returns nil. Any listen or accept failure is fatal and
// returned as the error.
//
// advertiseAddr and reg are optional: when both are given, every
// registered method name is published at advertiseAddr under a kept-alive
// lease until the server stops.
func (svr *Server) Serve(target string, advertiseAddr string, reg registry.Registry) error {
	listener, err := stream.Listen(target)
	if err != nil {
		return err
	}
	svr.listener = listener
	defer svr.cleanup()

	// Build the middleware chain once at startup:
	// Chain(A, B, C)(handler) → A(B(C(handler))).
	svr.buildHandler()

	svr.advertiseAddr = advertiseAddr
	if reg != nil && advertiseAddr != "" {
		svr.registry = reg
		for name := range svr.methods {
			if err := reg.Register(name, registry.ServiceInstance{Addr: advertiseAddr}, svr.registryTTL); err != nil {
				log.Warn().Err(err).Str("service", name).Msg("endpoint registration failed")
			}
		}
	}

	log.Info().Str("target", target).Msg("listening")
	return svr.run()
}

func (svr *Server) buildHandler() {
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatchRequest)
}

// run is the reactor loop. It returns nil once the shutdown drain has
// emptied the connection set, or the fatal accept error.
func (svr *Server) run() error {
	var ws poll.WaitSet
	for {
		// 1. Accept, only while running.
		if svr.state == stateRunning {
			if err := svr.acceptOne(); err != nil {
				return err
			}
		}

		// 2. Service every live connection in insertion order.
		for _, conn := range svr.conns.live {
			svr.service(conn)
		}

		// 3. Prune connections that reached a terminal status.
		svr.conns.prune(func(conn *jsonrpc.Conn) {
			status := conn.Status()
			log.Info().Str("peer", conn.Name()).AnErr("status", status).Msg("connection closed")
			metrics.ConnectionClosed(status)
			conn.Close()
		})

		// 4. State transition.
		if svr.shutdown {
			if svr.conns.empty() {
				svr.state = stateStopped
				return nil
			}
			svr.state = stateDraining
		}

		// 5. The single blocking point.
		ws.Reset()
		if svr.state == stateRunning {
			ws.AddRead(svr.listener.Fd())
		}
		for _, conn := range svr.conns.live {
			conn.Wait(&ws)
			if conn.Backlog() == 0 {
				conn.RecvWait(&ws)
			}
		}
		if err := ws.Block(); err != nil {
			return err
		}
	}
}

// acceptOne takes at most one pending connection. No pending connection is
// not an error; anything else wrong with the listening endpoint is fatal.
func (svr *Server) acceptOne() error {
	s, err := svr.listener.Accept()
	if errors.Is(err, stream.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return err
	}
	conn := jsonrpc.NewConn(s)
	conn.SetMaxMessageBytes(svr.maxMsgBytes)
	svr.conns.insert(conn)
	metrics.ConnectionAccepted()
	log.Debug().Str("peer", conn.Name()).Msg("connection accepted")
	return nil
}

// service advances one connection: flush output, then decode and dispatch
// at most one message. Decode happens only when the backlog is empty; a
// peer that does not drain its replies stops being read from.
func (svr *Server) service(conn *jsonrpc.Conn) {
	conn.Run()
	if conn.Status() == nil && conn.Backlog() == 0 {
		msg, err := conn.TryRecv()
		if err == nil && msg != nil {
			svr.dispatch(conn, msg)
		}
	}
}

// cleanup tears the endpoint down after the loop exits: deregister
// published names, close the listener and any connection the drain did not
// get to.
func (svr *Server) cleanup() {
	if svr.registry != nil {
		for name := range svr.methods {
			svr.registry.Deregister(name, svr.advertiseAddr)
		}
	}
	svr.listener.Close()
	for _, conn := range svr.conns.live {
		metrics.ConnectionClosed(conn.Status())
		conn.Close()
	}
}

// connSet is the ordered collection of live connections. Only the reactor
// mutates it.
type connSet struct {
	live []*jsonrpc.Conn
}

func (cs *connSet) insert(c *jsonrpc.Conn) {
	cs.live = append(cs.live, c)
}

// prune removes every connection with a terminal status, calling retire on
// each. Compaction is in place and visits each entry exactly once.
func (cs *connSet) prune(retire func(*jsonrpc.Conn)) {
	kept := cs.live[:0]
	for _, c := range cs.live {
		if c.Status() == nil {
			kept = append(kept, c)
		} else {
			retire(c)
		}
	}
	for i := len(kept); i < len(cs.live); i++ {
		cs.live[i] = nil
	}
	cs.live = kept
}

func (cs *connSet) empty() bool { return len(cs.live) == 0 }
