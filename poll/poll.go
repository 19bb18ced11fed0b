// Package poll supplies the cooperative blocking point of the process:
// callers register read/write interest in descriptors over the course of a
// pass, then Block suspends until at least one interest fires.
package poll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// WaitSet accumulates readiness interests for one blocking call. The zero
// value is ready to use; Reset recycles it for the next pass.
type WaitSet struct {
	fds       []unix.PollFd
	immediate bool
}

// Reset clears all registered interests.
func (w *WaitSet) Reset() {
	w.fds = w.fds[:0]
	w.immediate = false
}

// AddRead registers interest in fd becoming readable.
func (w *WaitSet) AddRead(fd int) {
	w.add(fd, unix.POLLIN)
}

// AddWrite registers interest in fd accepting more bytes.
func (w *WaitSet) AddWrite(fd int) {
	w.add(fd, unix.POLLOUT)
}

func (w *WaitSet) add(fd int, events int16) {
	for i := range w.fds {
		if w.fds[i].Fd == int32(fd) {
			w.fds[i].Events |= events
			return
		}
	}
	w.fds = append(w.fds, unix.PollFd{Fd: int32(fd), Events: events})
}

// ImmediateWake makes the next Block return without suspending, for when
// work is already buffered in user space and no descriptor would signal it.
func (w *WaitSet) ImmediateWake() {
	w.immediate = true
}

// Block suspends until a registered interest fires, retrying on EINTR.
func (w *WaitSet) Block() error {
	timeout := -1
	if w.immediate {
		timeout = 0
	}
	for {
		_, err := unix.Poll(w.fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		return nil
	}
}
