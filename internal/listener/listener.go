// Package listener implements the process that owns a config snapshot
// and a bag of worker records: it forks and reaps workers, and reports
// their lifecycle upstream to the master over a reporting socket.
package listener

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/resqued/resqued/internal/backoff"
	"github.com/resqued/resqued/internal/config"
	"github.com/resqued/resqued/internal/events"
	"github.com/resqued/resqued/internal/logging"
	"github.com/resqued/resqued/internal/process"
	"github.com/resqued/resqued/internal/waiter"
	"github.com/resqued/resqued/internal/worker"
)

// Listener owns one generation's worker records and the socket that
// reports their lifecycle to master.
type Listener struct {
	mu sync.Mutex

	id          int64
	configPaths []string
	reporter    *Reporter
	socketFD    int

	workers     map[string]*worker.Record // keyed by queueKey
	workerOrder []string                   // stable iteration order

	spawner process.ProcessSpawner
	clock   backoff.Clock
	bus     *events.Bus
	logger  *slog.Logger

	captures map[string][]*logging.CaptureWriter // keyed by queueKey

	sigCh       <-chan os.Signal
	stopSignals func()
	wake        *waiter.Waiter

	shutdownSig os.Signal
}

// Options configures a new Listener.
type Options struct {
	ID          int64
	ConfigPaths []string
	SocketFD    int
	Reporter    *Reporter
	Spawner     process.ProcessSpawner
	Clock       backoff.Clock
	Bus         *events.Bus
	Logger      *slog.Logger
}

// New builds an empty Listener shell; call LoadConfig to populate
// worker records before Run.
func New(opts Options) (*Listener, error) {
	w, err := waiter.New()
	if err != nil {
		return nil, fmt.Errorf("listener: %w", err)
	}

	sigCh, stopSignals := w.NotifySignals(syscall.SIGCONT, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		id:          opts.ID,
		configPaths: opts.ConfigPaths,
		reporter:    opts.Reporter,
		socketFD:    opts.SocketFD,
		workers:     make(map[string]*worker.Record),
		captures:    make(map[string][]*logging.CaptureWriter),
		spawner:     opts.Spawner,
		clock:       opts.Clock,
		bus:         opts.Bus,
		logger:      logger.With("component", "listener", "listener_id", opts.ID),
		sigCh:       sigCh,
		stopSignals: stopSignals,
		wake:        w,
	}, nil
}

// Close releases the waiter's self-pipe and any open capture writers.
func (l *Listener) Close() {
	l.stopSignals()
	l.wake.Close()
	for _, cws := range l.captures {
		for _, cw := range cws {
			cw.Close()
		}
	}
}

// LoadConfig evaluates cfg and builds one worker record per queue slot
// (queue name × numprocs). oldWorkers (from RESQUED_STATE) determines
// which newly built slots start blocked rather than idle: a slot whose
// queueKey matches an inherited running worker waits for that pid to
// exit before it may fork.
func (l *Listener) LoadConfig(cfg *config.Config, oldWorkers []OldWorker) error {
	oldByKey := make(map[string]int, len(oldWorkers))
	for _, ow := range oldWorkers {
		oldByKey[ow.QueueKey] = ow.Pid
	}

	names := make([]string, 0, len(cfg.Queues))
	for name := range cfg.Queues {
		names = append(names, name)
	}
	sort.Strings(names)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, name := range names {
		q := cfg.Queues[name]
		for i := 0; i < q.Numprocs; i++ {
			processNum := q.NumprocsStart + i
			queueKey := fmt.Sprintf("%s.%d", name, processNum)

			logging.CleanupStaleLogs(q.Directory, []string{q.StdoutLogfile, q.StderrLogfile})

			spawnCfg, cw, err := buildSpawnConfig(name, q, processNum, l.logger)
			if err != nil {
				return fmt.Errorf("listener: queue %s: %w", name, err)
			}
			l.captures[queueKey] = cw

			rec := worker.New(queueKey, spawnCfg, l.spawner, l.clock, l.bus, l.logger)
			if pid, blocked := oldByKey[queueKey]; blocked {
				rec.WaitFor(pid)
			}

			l.workers[queueKey] = rec
			l.workerOrder = append(l.workerOrder, queueKey)
		}
	}

	return nil
}

// buildSpawnConfig turns a QueueConfig slot into a process.SpawnConfig,
// replacing any %(process_num)s template with this slot's number. A config
// loaded through config.LoadMerged has already had config.ExpandVariables
// replace %(process_num)s with 0, so this per-slot replacement only takes
// effect for a QueueConfig that was not expanded first.
func buildSpawnConfig(queueName string, q config.QueueConfig, processNum int, logger *slog.Logger) (process.SpawnConfig, []*logging.CaptureWriter, error) {
	command := strings.ReplaceAll(q.Command, "%(process_num)s", fmt.Sprintf("%d", processNum))
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return process.SpawnConfig{}, nil, fmt.Errorf("empty command")
	}

	env := os.Environ()
	if q.CleanEnvironment {
		env = []string{}
	}
	env = append(env, fmt.Sprintf("RESQUED_QUEUE=%s", queueName), fmt.Sprintf("RESQUED_PROCESS_NUM=%d", processNum))
	for k, v := range q.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, strings.ReplaceAll(v, "%(process_num)s", fmt.Sprintf("%d", processNum))))
	}

	var captures []*logging.CaptureWriter
	var stdout, stderr *logging.CaptureWriter
	if q.StdoutLogfile != "" {
		cw, err := logging.NewCaptureWriter(logging.CaptureConfig{
			QueueKey:    queueKeyName(queueName, processNum),
			Stream:      "stdout",
			Logfile:     q.StdoutLogfile,
			StripAnsi:   q.StripAnsi,
			MaxBytes:    q.StdoutLogfileMaxbytes,
			Backups:     q.StdoutLogfileBackups,
			Logger:      logger,
		})
		if err != nil {
			return process.SpawnConfig{}, nil, err
		}
		stdout = cw
		captures = append(captures, cw)
	}
	if q.StderrLogfile != "" && !q.RedirectStderr {
		cw, err := logging.NewCaptureWriter(logging.CaptureConfig{
			QueueKey:    queueKeyName(queueName, processNum),
			Stream:      "stderr",
			Logfile:     q.StderrLogfile,
			StripAnsi:   q.StripAnsi,
			MaxBytes:    q.StderrLogfileMaxbytes,
			Backups:     q.StderrLogfileBackups,
			Logger:      logger,
		})
		if err != nil {
			return process.SpawnConfig{}, nil, err
		}
		stderr = cw
		captures = append(captures, cw)
	}

	umask, err := process.ParseUmask(q.Umask)
	if err != nil {
		return process.SpawnConfig{}, nil, fmt.Errorf("queue %s: %w", queueName, err)
	}

	cfg := process.SpawnConfig{
		Command: parts[0],
		Args:    parts[1:],
		Dir:     q.Directory,
		Env:     env,
		Umask:   umask,
		User:    q.User,
	}
	if stdout != nil {
		cfg.Stdout = stdout
	}
	if stderr != nil {
		cfg.Stderr = stderr
	}
	if q.RedirectStderr && stdout != nil {
		cfg.Stderr = stdout
	}

	return cfg, captures, nil
}

func queueKeyName(queue string, processNum int) string {
	return fmt.Sprintf("%s.%d", queue, processNum)
}

// Run reports RUNNING and executes the main loop described in spec.md
// §4.4 until a shutdown signal is chosen, then burns down the worker
// pool and returns.
func (l *Listener) Run() error {
	if err := l.reporter.Running(); err != nil {
		return fmt.Errorf("listener: report RUNNING: %w", err)
	}
	l.logger.Info("running")

	for {
		l.reapExitedWorkers()

		if eof := l.drainMasterMessages(); eof {
			l.logger.Warn("master reporting socket closed, self-terminating")
			l.shutdownSig = syscall.SIGQUIT
			break
		}

		l.startEligibleWorkers()

		sig, gotSignal := l.popSignal()
		if !gotSignal {
			l.sleepUntilNextEvent()
			continue
		}

		if l.handleSignal(sig) {
			break
		}
	}

	l.burnDown(l.shutdownSig)
	return nil
}

// handleSignal dispatches one signal already popped off sigCh and reports
// whether it should end the main loop. Kept as a standalone method, rather
// than inlined in the loop, so tests can drive it directly instead of
// delivering real signals to the test process.
func (l *Listener) handleSignal(sig os.Signal) (shutdown bool) {
	switch sig {
	case syscall.SIGCONT:
		l.forwardToAll(syscall.SIGCONT)
	case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
		l.shutdownSig = sig
		return true
	case syscall.SIGCHLD:
		// wake-only; reaping happens at the top of the loop.
	}
	return false
}

func (l *Listener) reapExitedWorkers() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil {
			if err == syscall.ECHILD {
				return
			}
			if err == syscall.EINTR {
				continue
			}
			return
		}
		if pid <= 0 {
			return
		}

		rec := l.workerByPid(pid)
		if rec == nil {
			continue
		}

		crashed := ws.Exited() && ws.ExitStatus() != 0 || ws.Signaled()
		rec.Finished(crashed)

		if crashed {
			l.logCrashTail(rec.QueueKey(), pid, ws)
		}

		if err := l.reporter.Exited(pid); err != nil {
			l.logger.Warn("report exited failed, assuming master gone", "pid", pid, "error", err)
		}
	}
}

// crashTailBytes bounds how much recently captured output gets attached
// to a crash log line; the full history stays in the rotated logfile.
const crashTailBytes = 2048

// logCrashTail attaches the tail of a crashed worker's captured stdout
// and stderr to the log line, since the worker is gone by the time an
// operator notices the crash and goes looking for its logfile.
func (l *Listener) logCrashTail(queueKey string, pid int, ws syscall.WaitStatus) {
	l.mu.Lock()
	cws := l.captures[queueKey]
	l.mu.Unlock()

	args := []any{"queue", queueKey, "pid", pid}
	if ws.Signaled() {
		args = append(args, "signal", ws.Signal())
	} else {
		args = append(args, "exit_status", ws.ExitStatus())
	}
	for _, cw := range cws {
		if tail := cw.ReadTail(crashTailBytes); len(tail) > 0 {
			args = append(args, cw.Stream(), string(tail))
		}
	}
	l.logger.Warn("worker crashed", args...)
}

// drainMasterMessages reads all currently-buffered lines from master
// (each the pid of a peer worker that exited in another generation) and
// unblocks any matching blocked worker. Returns true on EOF.
func (l *Listener) drainMasterMessages() bool {
	for {
		pid, ok, err := l.reporter.TryReadPeerExitedPid()
		if err != nil {
			return isEOF(err)
		}
		if !ok {
			return false
		}
		for _, rec := range l.workers {
			if rec.NotifyPeerExited(pid) {
				break
			}
		}
	}
}

func (l *Listener) startEligibleWorkers() {
	for _, key := range l.workerOrder {
		rec := l.workers[key]
		started, pid, err := rec.TryStart()
		if err != nil {
			l.logger.Error("worker start failed", "queue", key, "error", err)
			continue
		}
		if !started {
			continue
		}
		if err := l.reporter.Started(pid, key); err != nil {
			l.logger.Warn("report started failed, assuming master gone", "pid", pid, "error", err)
		}
	}
}

func (l *Listener) popSignal() (os.Signal, bool) {
	select {
	case sig := <-l.sigCh:
		return sig, true
	default:
		return nil, false
	}
}

func (l *Listener) forwardToAll(sig os.Signal) {
	for _, rec := range l.workers {
		_ = rec.Kill(sig)
	}
}

// sleepUntilNextEvent blocks on the sleepy waiter for at most 60s, or
// until a worker's backoff expires, whichever is sooner.
func (l *Listener) sleepUntilNextEvent() {
	sleep := 60 * time.Second
	for _, rec := range l.workers {
		if d, ok := rec.BackingOffFor(); ok && d < sleep {
			sleep = d
		}
	}
	if sleep <= 0 {
		sleep = time.Millisecond
	}
	_, _, _ = l.wake.Wait(int(sleep.Milliseconds()), []int{l.socketFD})
}

// burnDown drains the worker pool: reap, signal survivors, repeat at
// ≥1s cadence, then a final blocking wait for stragglers.
func (l *Listener) burnDown(sig os.Signal) {
	l.logger.Info("burning down workers", "signal", sig)
	for {
		l.reapExitedWorkers()
		if !l.anyChildrenLeft() {
			break
		}
		l.forwardToAll(sig)
		time.Sleep(time.Second)
	}

	for {
		var ws syscall.WaitStatus
		_, err := syscall.Wait4(-1, &ws, 0, nil)
		if err == syscall.ECHILD {
			break
		}
		if err != nil {
			break
		}
	}
}

func (l *Listener) anyChildrenLeft() bool {
	for _, rec := range l.workers {
		if rec.State() == worker.Running {
			return true
		}
	}
	return false
}

func (l *Listener) workerByPid(pid int) *worker.Record {
	for _, rec := range l.workers {
		if rec.Pid() == pid {
			return rec
		}
	}
	return nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
