// Package waiter implements the sleepy waiter: a single blocking
// primitive that wakes on a timeout, on readiness of a watched file
// descriptor, or on an asynchronous nudge from a signal handler. The
// nudge travels over a self-pipe so that the nudging side never has to
// do anything more than a non-blocking single-byte write.
package waiter

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Reason identifies why Wait returned.
type Reason int

const (
	// Timeout means the requested duration elapsed with nothing else
	// becoming ready.
	Timeout Reason = iota
	// Woken means the self-pipe received a byte from Awake.
	Woken
	// Readable means one of the watched descriptors became readable.
	Readable
)

// Waiter owns the self-pipe used to bridge signal-handler-safe wakeups
// into the regular, blocking event loop.
type Waiter struct {
	readFD  int
	writeFD int
}

// New creates a Waiter with its self-pipe opened non-blocking and
// close-on-exec, so it never leaks into forked worker or listener
// children.
func New() (*Waiter, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("waiter: pipe2: %w", err)
	}
	return &Waiter{readFD: fds[0], writeFD: fds[1]}, nil
}

// Close releases the self-pipe's file descriptors.
func (w *Waiter) Close() error {
	err1 := unix.Close(w.readFD)
	err2 := unix.Close(w.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}

// Awake nudges a blocked Wait call. Safe to call concurrently with Wait,
// and safe to call from a signal-notification goroutine: it performs a
// single non-blocking write and swallows any error, since a full pipe or
// a closed one both mean the wakeup is redundant or moot.
func (w *Waiter) Awake() {
	var b [1]byte
	_, _ = unix.Write(w.writeFD, b[:])
}

// Wait blocks until duration elapses, any descriptor in fds becomes
// readable, or Awake is called. It returns which of those happened; on
// Readable it also returns the descriptor that triggered it.
func (w *Waiter) Wait(timeoutMillis int, fds []int) (Reason, int, error) {
	pollFDs := make([]unix.PollFd, 0, len(fds)+1)
	pollFDs = append(pollFDs, unix.PollFd{Fd: int32(w.readFD), Events: unix.POLLIN})
	for _, fd := range fds {
		pollFDs = append(pollFDs, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	for {
		n, err := unix.Poll(pollFDs, timeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Timeout, -1, fmt.Errorf("waiter: poll: %w", err)
		}
		if n == 0 {
			return Timeout, -1, nil
		}
		break
	}

	if pollFDs[0].Revents&unix.POLLIN != 0 {
		w.drain()
		return Woken, w.readFD, nil
	}

	for _, pfd := range pollFDs[1:] {
		if pfd.Revents&unix.POLLIN != 0 {
			return Readable, int(pfd.Fd), nil
		}
	}

	return Timeout, -1, nil
}

// drain empties the self-pipe so a single byte never wakes more than one
// Wait call, and so repeated Awake calls while the loop is busy don't
// accumulate unboundedly.
func (w *Waiter) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.readFD, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// NotifySignals registers for sigs the way signal.Notify does, but every
// delivered signal is relayed through a goroutine that also calls Awake
// on w. Without this, a signal landing while the caller is blocked inside
// Wait would sit in the OS-delivered channel unnoticed until the next
// timeout or fd event; this is the "signal handlers enqueue on a queue and
// wake the event loop via a self-pipe" bridge spec.md §4.2/§5 describes.
// The returned channel is buffered the same as signal.Notify's own
// convention (16 deep) and the returned stop func deregisters the signals
// and shuts down the relay goroutine.
func (w *Waiter) NotifySignals(sigs ...os.Signal) (<-chan os.Signal, func()) {
	raw := make(chan os.Signal, 16)
	signal.Notify(raw, sigs...)

	out := make(chan os.Signal, 16)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-raw:
				out <- sig
				w.Awake()
			case <-done:
				return
			}
		}
	}()

	stop := func() {
		signal.Stop(raw)
		close(done)
	}
	return out, stop
}
