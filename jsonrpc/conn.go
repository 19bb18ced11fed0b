// Package jsonrpc frames JSON-RPC messages over a nonblocking stream.
//
// A Conn owns one stream and buffers both directions of progress:
//
//	Send(msg) ──→ output queue ──Run()──→ kernel buffer ──→ peer
//	TryRecv() ←── input buffer ←──────── kernel buffer ←── peer
//
// Nothing here blocks. Run flushes whatever the kernel will accept, TryRecv
// returns a message only once its bytes have fully arrived, and Wait and
// RecvWait register the readiness interests a caller needs before
// suspending. The blocking helpers (SendBlock, RecvBlock, Transact) drive
// the same machinery in a private poll loop for one-shot callers.
//
// The wire form is concatenated JSON texts with no framing between them;
// message boundaries fall out of the values themselves.
package jsonrpc

import (
	"errors"
	"fmt"
	"io"

	"github.com/eapache/queue"

	"jrpc-mux/codec"
	"jrpc-mux/message"
	"jrpc-mux/poll"
	"jrpc-mux/stream"
)

// Terminal statuses a connection can be marked with beyond transport errors.
var (
	ErrUnsupportedNotification = errors.New("jsonrpc: unsupported notification")
	ErrUnexpectedReply         = errors.New("jsonrpc: unexpected reply or error")
	ErrInvalidMessage          = errors.New("jsonrpc: invalid message")
	ErrMessageTooLarge         = errors.New("jsonrpc: inbound message exceeds size limit")
)

// DefaultMaxMessageBytes bounds a single inbound message.
const DefaultMaxMessageBytes = 8 << 20

const readChunk = 4096

// Conn frames JSON-RPC messages over one stream, which it owns exclusively.
type Conn struct {
	s        *stream.Stream
	output   *queue.Queue // encoded frames awaiting transmission
	sentOff  int          // bytes of the queue head already written
	backlog  int          // total unsent bytes across the queue
	input    []byte       // received bytes not yet decoded
	readBuf  []byte
	maxBytes int
	status   error // terminal status; non-nil means dead
}

// NewConn wraps an open stream. The connection takes sole ownership of it.
func NewConn(s *stream.Stream) *Conn {
	return &Conn{
		s:        s,
		output:   queue.New(),
		readBuf:  make([]byte, readChunk),
		maxBytes: DefaultMaxMessageBytes,
	}
}

// SetMaxMessageBytes overrides the inbound message size bound.
func (c *Conn) SetMaxMessageBytes(n int) {
	if n > 0 {
		c.maxBytes = n
	}
}

// Name identifies the peer in logs and error text.
func (c *Conn) Name() string { return c.s.Name() }

// Status returns the terminal status: nil while the connection is usable.
func (c *Conn) Status() error { return c.status }

// SetError marks the connection dead with err. The first terminal status
// wins; later ones are ignored.
func (c *Conn) SetError(err error) {
	if c.status == nil && err != nil {
		c.status = err
	}
}

// Backlog returns the number of encoded bytes not yet handed to the kernel.
func (c *Conn) Backlog() int { return c.backlog }

// Run flushes queued output as far as the stream accepts without blocking.
func (c *Conn) Run() {
	if c.status != nil {
		return
	}
	for c.output.Length() > 0 {
		buf := c.output.Peek().([]byte)
		n, err := c.s.Write(buf[c.sentOff:])
		c.sentOff += n
		c.backlog -= n
		if c.sentOff == len(buf) {
			c.output.Remove()
			c.sentOff = 0
		}
		if err != nil {
			if !errors.Is(err, stream.ErrWouldBlock) {
				c.SetError(err)
			}
			return
		}
	}
}

// Send encodes msg and queues it for transmission, pushing bytes out right
// away when the queue was idle. The message is fully captured; the caller
// may reuse it.
func (c *Conn) Send(msg *message.Message) error {
	if c.status != nil {
		return c.status
	}
	buf, err := codec.Encode(msg.ToValue())
	if err != nil {
		return err
	}
	c.output.Add(buf)
	c.backlog += len(buf)
	if c.backlog == len(buf) {
		c.Run()
	}
	return c.status
}

// TryRecv returns the next complete inbound message if one is available.
// (nil, nil) means none has fully arrived yet; a non-nil error is the
// connection's terminal status. A clean peer close surfaces as io.EOF.
func (c *Conn) TryRecv() (*message.Message, error) {
	if c.status != nil {
		return nil, c.status
	}
	for {
		if len(c.input) > 0 {
			v, n, err := codec.DecodeFirst(c.input)
			switch {
			case err == nil:
				c.consume(n)
				msg, err := message.FromValue(v)
				if err != nil {
					c.SetError(fmt.Errorf("%s: %w: %v", c.Name(), ErrInvalidMessage, err))
					return nil, c.status
				}
				return msg, nil
			case !errors.Is(err, codec.ErrIncomplete):
				c.SetError(fmt.Errorf("%s: %w: %v", c.Name(), ErrInvalidMessage, err))
				return nil, c.status
			case len(c.input) > c.maxBytes:
				c.SetError(ErrMessageTooLarge)
				return nil, c.status
			}
		}
		n, err := c.s.Read(c.readBuf)
		if n > 0 {
			c.input = append(c.input, c.readBuf[:n]...)
			continue
		}
		switch {
		case errors.Is(err, stream.ErrWouldBlock):
			return nil, nil
		case errors.Is(err, io.EOF):
			c.SetError(io.EOF)
			return nil, c.status
		default:
			c.SetError(err)
			return nil, c.status
		}
	}
}

// consume drops the first n decoded bytes of the input buffer in place.
func (c *Conn) consume(n int) {
	rest := copy(c.input, c.input[n:])
	c.input = c.input[:rest]
}

// Wait registers write readiness while output is pending flush.
func (c *Conn) Wait(ws *poll.WaitSet) {
	if c.status == nil && c.backlog > 0 {
		ws.AddWrite(c.s.Fd())
	}
}

// RecvWait registers whatever will produce the next inbound message: an
// immediate wake when a complete message (or a terminal condition) is
// already buffered, read readiness otherwise.
func (c *Conn) RecvWait(ws *poll.WaitSet) {
	if c.status != nil {
		ws.ImmediateWake()
		return
	}
	if len(c.input) > 0 {
		if _, _, err := codec.DecodeFirst(c.input); !errors.Is(err, codec.ErrIncomplete) {
			ws.ImmediateWake()
			return
		}
	}
	ws.AddRead(c.s.Fd())
}

// Close releases the underlying stream. The terminal status stays readable.
func (c *Conn) Close() error {
	return c.s.Close()
}

// SendBlock sends msg and waits until its bytes are fully handed to the
// kernel or the connection dies.
func (c *Conn) SendBlock(msg *message.Message) error {
	if err := c.Send(msg); err != nil {
		return err
	}
	var ws poll.WaitSet
	for {
		c.Run()
		if c.status != nil {
			return c.status
		}
		if c.backlog == 0 {
			return nil
		}
		ws.Reset()
		c.Wait(&ws)
		if err := ws.Block(); err != nil {
			return err
		}
	}
}

// RecvBlock waits for the next inbound message, keeping output flushing
// while it waits.
func (c *Conn) RecvBlock() (*message.Message, error) {
	var ws poll.WaitSet
	for {
		msg, err := c.TryRecv()
		if msg != nil || err != nil {
			return msg, err
		}
		c.Run()
		ws.Reset()
		c.Wait(&ws)
		c.RecvWait(&ws)
		if err := ws.Block(); err != nil {
			return nil, err
		}
	}
}

// Transact sends req and waits for the reply or error carrying its id.
// Unrelated traffic arriving in between is discarded.
func (c *Conn) Transact(req *message.Message) (*message.Message, error) {
	if err := c.SendBlock(req); err != nil {
		return nil, err
	}
	for {
		reply, err := c.RecvBlock()
		if err != nil {
			return nil, err
		}
		if (reply.Kind == message.KindReply || reply.Kind == message.KindError) &&
			codec.Equal(reply.ID, req.ID) {
			return reply, nil
		}
	}
}
