// Package stream provides nonblocking byte-stream transports over TCP and
// Unix-domain sockets, named by target strings such as "tcp:127.0.0.1:6640"
// or "punix:/tmp/sock". Streams never block: reads and writes that cannot
// make progress return ErrWouldBlock and are retried once a poller reports
// the descriptor ready.
package stream

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock reports that the operation cannot make progress without
// blocking.
var ErrWouldBlock = errors.New("stream: operation would block")

const acceptBacklog = 64

// Stream is one nonblocking byte-stream connection. It owns its descriptor
// exclusively.
type Stream struct {
	fd   int
	name string
}

// NewFD wraps an already connected descriptor, switching it to nonblocking
// mode. The name appears in logs and error text.
func NewFD(fd int, name string) (*Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stream: %s: set nonblocking: %w", name, err)
	}
	unix.CloseOnExec(fd)
	return &Stream{fd: fd, name: name}, nil
}

// Open starts a nonblocking connect to an active target. The connection may
// still be in progress when Open returns; OpenBlock waits for it.
func Open(target string) (*Stream, error) {
	domain, sa, err := activeSockaddr(target)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("stream: %s: socket: %w", target, err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stream: %s: set nonblocking: %w", target, err)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("stream: %s: connect: %w", target, err)
	}
	return &Stream{fd: fd, name: target}, nil
}

// OpenBlock connects to an active target and waits until the connection is
// established or has failed.
func OpenBlock(target string) (*Stream, error) {
	s, err := Open(target)
	if err != nil {
		return nil, err
	}
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	for {
		if _, err := unix.Poll(pfd, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			s.Close()
			return nil, fmt.Errorf("stream: %s: poll: %w", target, err)
		}
		break
	}
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("stream: %s: getsockopt: %w", target, err)
	}
	if soerr != 0 {
		s.Close()
		return nil, fmt.Errorf("stream: %s: connect: %w", target, unix.Errno(soerr))
	}
	return s, nil
}

// Read fills p with available bytes. It returns ErrWouldBlock when no data
// is ready and io.EOF once the peer has closed its end.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("stream: %s: read: %w", s.name, err)
		case n == 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// Write sends as much of p as the kernel accepts. A short count with
// ErrWouldBlock means the rest must wait for write readiness.
func (s *Stream) Write(p []byte) (int, error) {
	sent := 0
	for sent < len(p) {
		n, err := unix.Write(s.fd, p[sent:])
		if n > 0 {
			sent += n
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return sent, ErrWouldBlock
		case err != nil:
			return sent, fmt.Errorf("stream: %s: write: %w", s.name, err)
		}
	}
	return sent, nil
}

// Close releases the descriptor. Safe to call more than once.
func (s *Stream) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// Fd exposes the descriptor for poll registration.
func (s *Stream) Fd() int { return s.fd }

// Name returns the target or peer string the stream was created with.
func (s *Stream) Name() string { return s.name }

// Listener accepts connections on a passive target.
type Listener struct {
	fd   int
	name string
	path string // unix socket file, unlinked on close
}

// Listen binds a passive target and starts listening.
func Listen(target string) (*Listener, error) {
	domain, sa, err := passiveSockaddr(target)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("stream: %s: socket: %w", target, err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stream: %s: set nonblocking: %w", target, err)
	}
	if domain != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("stream: %s: setsockopt: %w", target, err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stream: %s: bind: %w", target, err)
	}
	if err := unix.Listen(fd, acceptBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stream: %s: listen: %w", target, err)
	}
	l := &Listener{fd: fd, name: target}
	if ua, ok := sa.(*unix.SockaddrUnix); ok {
		l.path = ua.Name
	}
	return l, nil
}

// Accept takes one pending connection without blocking. ErrWouldBlock means
// none is pending right now; any other error means the listening endpoint
// itself is unusable. A connection that died while queued (ECONNABORTED)
// counts as none pending.
func (l *Listener) Accept() (*Stream, error) {
	for {
		fd, sa, err := unix.Accept(l.fd)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED:
			return nil, ErrWouldBlock
		case err != nil:
			return nil, fmt.Errorf("stream: %s: accept: %w", l.name, err)
		}
		return NewFD(fd, sockaddrName(sa))
	}
}

// Close releases the listening descriptor and removes the socket file of a
// punix target. Safe to call more than once.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	if l.path != "" {
		unix.Unlink(l.path)
	}
	return err
}

// Fd exposes the listening descriptor for poll registration.
func (l *Listener) Fd() int { return l.fd }

// Name returns the passive target the listener was created with.
func (l *Listener) Name() string { return l.name }
