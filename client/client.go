// Package client is the calling side of the reactor. Request and Notify
// are one-shot: dial, exchange, hang up, in the blocking style the command
// line wants. Client keeps pooled connections per endpoint and finds
// endpoints through a Registry, for embedders that call repeatedly.
package client

import (
	"fmt"
	"strings"
	"sync"

	"jrpc-mux/jsonrpc"
	"jrpc-mux/message"
	"jrpc-mux/registry"
	"jrpc-mux/stream"
)

// Request dials target, sends one request, and blocks until the matching
// reply or error arrives. The envelope is validated before any I/O.
func Request(target, method string, params any) (*message.Message, error) {
	req := message.NewRequest(method, params)
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("not a valid JSON-RPC request: %v", err)
	}
	s, err := stream.OpenBlock(target)
	if err != nil {
		return nil, err
	}
	conn := jsonrpc.NewConn(s)
	defer conn.Close()
	return conn.Transact(req)
}

// Notify dials target, sends one notification, and blocks until it is
// flushed. No reply is expected.
func Notify(target, method string, params any) error {
	note := message.NewNotify(method, params)
	if err := note.Validate(); err != nil {
		return fmt.Errorf("not a valid JSON-RPC notification: %v", err)
	}
	s, err := stream.OpenBlock(target)
	if err != nil {
		return err
	}
	conn := jsonrpc.NewConn(s)
	defer conn.Close()
	return conn.SendBlock(note)
}

// Resolve turns a "service:NAME" target into the address of a published
// endpoint for NAME. Any other target passes through unchanged.
func Resolve(reg registry.Registry, target string) (string, error) {
	name, ok := strings.CutPrefix(target, "service:")
	if !ok {
		return target, nil
	}
	instances, err := reg.Discover(name)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("client: no endpoint for service %q", name)
	}
	return instances[0].Addr, nil
}

// Client calls methods on reactors found through a registry, reusing
// pooled connections per endpoint.
type Client struct {
	registry registry.Registry
	poolSize int

	mu    sync.Mutex
	pools map[string]*Pool
}

func NewClient(reg registry.Registry, poolSize int) *Client {
	return &Client{
		registry: reg,
		poolSize: poolSize,
		pools:    make(map[string]*Pool),
	}
}

// Call looks the method up in the registry, borrows a connection to the
// first published endpoint, and transacts on it.
func (c *Client) Call(method string, params any) (*message.Message, error) {
	instances, err := c.registry.Discover(method)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("client: no endpoint for method %q", method)
	}

	pool := c.pool(instances[0].Addr)
	conn, err := pool.Get()
	if err != nil {
		return nil, err
	}
	defer pool.Put(conn)

	return conn.Transact(message.NewRequest(method, params))
}

// Notify sends a notification to an endpoint publishing method and blocks
// until the bytes are flushed.
func (c *Client) Notify(method string, params any) error {
	instances, err := c.registry.Discover(method)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("client: no endpoint for method %q", method)
	}

	pool := c.pool(instances[0].Addr)
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	return conn.SendBlock(message.NewNotify(method, params))
}

func (c *Client) pool(target string) *Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool, ok := c.pools[target]
	if !ok {
		pool = NewPool(target, c.poolSize)
		c.pools[target] = pool
	}
	return pool
}

// Close releases every pooled connection. The registry is the caller's to
// close.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pool := range c.pools {
		pool.Close()
	}
	c.pools = make(map[string]*Pool)
	return nil
}
