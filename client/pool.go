package client

import (
	"errors"
	"sync"

	"jrpc-mux/jsonrpc"
	"jrpc-mux/stream"
)

var errPoolExhausted = errors.New("connection pool exhausted")

// Pool is a borrow/return pool of connections to one endpoint, built on a
// buffered channel: FIFO, goroutine-safe, and blocking on empty comes for
// free. Connections are created lazily up to the limit, and a connection
// that comes back with a terminal status is discarded instead of reused.
type Pool struct {
	mu       sync.Mutex
	conns    chan *jsonrpc.Conn
	target   string
	maxConns int
	curConns int
}

func NewPool(target string, maxConns int) *Pool {
	return &Pool{
		conns:    make(chan *jsonrpc.Conn, maxConns),
		target:   target,
		maxConns: maxConns,
	}
}

// Get borrows a connection: a pooled one if available, a fresh one while
// under the limit, otherwise it blocks until a borrower returns one. Dead
// connections coming off the pool are discarded, never handed out.
func (p *Pool) Get() (*jsonrpc.Conn, error) {
	for {
		select {
		case conn := <-p.conns:
			if conn.Status() == nil {
				return conn, nil
			}
			p.discard(conn)
		default:
			conn, err := p.createNew()
			if !errors.Is(err, errPoolExhausted) {
				return conn, err
			}
			// At capacity: wait for a borrower to return one.
			conn = <-p.conns
			if conn.Status() == nil {
				return conn, nil
			}
			p.discard(conn)
		}
	}
}

// Put returns a borrowed connection. Dead connections are dropped so the
// next Get dials a replacement.
func (p *Pool) Put(conn *jsonrpc.Conn) {
	if conn.Status() != nil {
		p.discard(conn)
		return
	}
	p.conns <- conn
}

// Close shuts the pool down and hangs up every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
		p.curConns--
	}
	return nil
}

func (p *Pool) discard(conn *jsonrpc.Conn) {
	conn.Close()
	p.mu.Lock()
	p.curConns--
	p.mu.Unlock()
}

func (p *Pool) createNew() (*jsonrpc.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.curConns >= p.maxConns {
		return nil, errPoolExhausted
	}

	s, err := stream.OpenBlock(p.target)
	if err != nil {
		return nil, err
	}

	p.curConns++
	return jsonrpc.NewConn(s), nil
}
