// Package worker tracks a single forked worker process on behalf of a
// listener: its queue identity, pid, idle/running/blocked bookkeeping,
// and the per-worker restart backoff that throttles crash loops.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/resqued/resqued/internal/backoff"
	"github.com/resqued/resqued/internal/events"
	"github.com/resqued/resqued/internal/process"
)

// State is a worker record's position in its small lifecycle.
type State int

const (
	// Idle means no child is running and none is blocked on a peer.
	Idle State = iota
	// Running means a forked child currently owns this slot.
	Running
	// Blocked means this record is waiting for a same-queueKey worker
	// in another listener generation to exit before it may start.
	Blocked
	// Disposed is terminal: set only when the owning listener shuts down.
	Disposed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Record is the listener-side bookkeeping for one forked worker slot.
type Record struct {
	mu sync.Mutex

	queueKey string
	pid      int
	state    State
	blockedOn int

	backoff  *backoff.Backoff
	spawner  process.ProcessSpawner
	spawnCfg process.SpawnConfig
	spawned  process.SpawnedProcess

	logger *slog.Logger
	bus    *events.Bus
}

// New creates an idle worker record for queueKey. spawnCfg is the
// template used for every fork of this slot; New copies it so later
// mutation of the caller's struct has no effect.
func New(queueKey string, spawnCfg process.SpawnConfig, spawner process.ProcessSpawner, clock backoff.Clock, bus *events.Bus, logger *slog.Logger) *Record {
	return &Record{
		queueKey: queueKey,
		state:    Idle,
		backoff:  backoff.New(clock),
		spawner:  spawner,
		spawnCfg: spawnCfg,
		bus:      bus,
		logger:   logger.With("queue", queueKey),
	}
}

// QueueKey returns the canonical queue identity this record consumes.
func (r *Record) QueueKey() string { return r.queueKey }

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pid returns the child pid, or 0 if none is running.
func (r *Record) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// BlockedOn returns the peer pid this record is waiting on, or 0.
func (r *Record) BlockedOn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blockedOn
}

// WaitFor transitions an idle record to blocked, pending the exit of
// otherPid in a previous listener generation.
func (r *Record) WaitFor(otherPid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Blocked
	r.blockedOn = otherPid
}

// NotifyPeerExited unblocks this record if it was waiting on pid.
// Returns true if it transitioned blocked->idle.
func (r *Record) NotifyPeerExited(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Blocked || r.blockedOn != pid {
		return false
	}
	r.state = Idle
	r.blockedOn = 0
	return true
}

// BackingOffFor reports how much longer this record must wait before
// TryStart is permitted, or ok=false if it may start now.
func (r *Record) BackingOffFor() (time.Duration, bool) {
	return r.backoff.HowLong()
}

// Backoff exposes the underlying governor so callers (the listener's
// sleep-interval calculation, metrics) can read its remaining wait.
func (r *Record) Backoff() *backoff.Backoff { return r.backoff }

// TryStart forks a child iff the record is idle and its backoff
// permits. On success it transitions to running and records the pid.
func (r *Record) TryStart() (started bool, pid int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Idle {
		return false, 0, nil
	}
	if r.backoff.Wait() {
		return false, 0, nil
	}

	spawned, err := r.spawner.Spawn(r.spawnCfg)
	if err != nil {
		r.backoff.Died()
		r.logger.Error("fork failed", "error", err)
		return false, 0, fmt.Errorf("worker %s: spawn: %w", r.queueKey, err)
	}

	r.spawned = spawned
	r.pid = spawned.Pid()
	r.state = Running
	r.backoff.Started()
	r.logger.Info("worker started", "pid", r.pid)
	r.publishLocked(events.WorkerRunning)

	return true, r.pid, nil
}

// Finished transitions running->idle after a successful waitpid reap.
// crashed indicates whether the exit should count against the backoff.
func (r *Record) Finished(crashed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Running {
		r.logger.Warn("finished called outside running state", "state", r.state.String())
	}

	if crashed {
		r.backoff.Died()
	}

	pid := r.pid
	r.pid = 0
	r.spawned = nil
	r.state = Idle
	r.logger.Info("worker finished", "pid", pid, "crashed", crashed)
	r.publishLocked(events.WorkerIdle)
}

// Kill sends sig to the running child. ESRCH (already gone) is absorbed.
func (r *Record) Kill(sig os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Running || r.spawned == nil {
		return nil
	}

	err := r.spawned.Signal(sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return fmt.Errorf("worker %s: kill pid %d: %w", r.queueKey, r.pid, err)
}

// Dispose marks the record terminal. Called only while the owning
// listener is shutting down.
func (r *Record) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Disposed
	r.publishLocked(events.WorkerDisposed)
}

func (r *Record) publishLocked(eventType events.EventType) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type: eventType,
		Data: map[string]string{
			"queue": r.queueKey,
			"pid":   fmt.Sprintf("%d", r.pid),
		},
	})
}
