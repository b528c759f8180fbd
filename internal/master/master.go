// Package master implements the top-level supervisor: it owns at most one
// current listener and, during a reload, one last-good listener still
// draining its workers, and dispatches the signals that drive both.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/resqued/resqued/internal/backoff"
	"github.com/resqued/resqued/internal/config"
	"github.com/resqued/resqued/internal/listener"
	"github.com/resqued/resqued/internal/metrics"
	"github.com/resqued/resqued/internal/statussink"
	"github.com/resqued/resqued/internal/sysinfo"
	"github.com/resqued/resqued/internal/waiter"
)

// Options configures a new Master.
type Options struct {
	ConfigPaths []string
	PIDFilePath string
	ExecOnHup   bool
	FastExit    bool
	ListenerExe string // path to this binary, re-invoked as "listener"
	Version     string
	Logger      *slog.Logger
	StatusSink  *statussink.Sink
	Metrics     *metrics.Collector
	Clock       backoff.Clock
}

// Master is the top-level supervisor described in spec.md §4.6.
type Master struct {
	mu sync.Mutex

	configPaths []string
	pidfile     *PIDFile
	execOnHup   bool
	fastExit    bool
	paused      bool

	currentListener  *ListenerProxy
	lastGoodListener *ListenerProxy
	listenerPids     map[int]*ListenerProxy
	listenersCreated int64

	listenerExe string
	version     string

	listenerBackoff *backoff.Backoff
	clock           backoff.Clock

	sigCh       <-chan os.Signal
	stopSignals func()
	wake        *waiter.Waiter

	logger  *slog.Logger
	sink    *statussink.Sink
	metrics *metrics.Collector

	reloadGroup singleflight.Group
	lastSysinfo sysinfo.Snapshot
	haveSysinfo bool

	shuttingDown bool
}

// New builds a Master. Call Acquire before Run to take the pidfile.
func New(opts Options) (*Master, error) {
	w, err := waiter.New()
	if err != nil {
		return nil, fmt.Errorf("master: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = backoff.RealClock()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sigCh, stopSignals := w.NotifySignals(
		syscall.SIGHUP, syscall.SIGUSR2, syscall.SIGCONT,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
		syscall.SIGCHLD, syscall.SIGUSR1,
	)

	if opts.Metrics != nil {
		opts.Metrics.SetBuildInfo(opts.Version, runtime.Version(), "false")
	}

	return &Master{
		configPaths:     opts.ConfigPaths,
		execOnHup:       opts.ExecOnHup,
		fastExit:        opts.FastExit,
		listenerPids:    make(map[int]*ListenerProxy),
		listenerExe:     opts.ListenerExe,
		version:         opts.Version,
		listenerBackoff: backoff.New(clock),
		clock:           clock,
		sigCh:           sigCh,
		stopSignals:     stopSignals,
		wake:            w,
		logger:          logger.With("component", "master"),
		sink:            opts.StatusSink,
		metrics:         opts.Metrics,
	}, nil
}

// Acquire takes the pidfile. Must succeed before Run starts forking
// listeners.
func (m *Master) Acquire(path string) error {
	pf, err := AcquirePIDFile(path)
	if err != nil {
		return err
	}
	m.pidfile = pf
	return nil
}

// Close stops signal delivery and releases the self-pipe and pidfile.
func (m *Master) Close() {
	m.stopSignals()
	m.wake.Close()
	m.pidfile.Release()
}

// loadConfig merges every configured path into one Config, collapsing
// overlapping reload requests into a single evaluation via singleflight so
// two HUPs arriving back to back do not parse and evaluate the same files
// twice.
func (m *Master) loadConfig() (*config.Config, error) {
	v, err, _ := m.reloadGroup.Do("reload", func() (interface{}, error) {
		return m.loadConfigLocked()
	})
	if err != nil {
		return nil, err
	}
	return v.(*config.Config), nil
}

func (m *Master) loadConfigLocked() (*config.Config, error) {
	if len(m.configPaths) == 0 {
		return nil, fmt.Errorf("master: no config paths configured")
	}

	merged, warnings, err := config.LoadMerged(m.configPaths)
	if err != nil {
		return nil, fmt.Errorf("master: loading %v: %w", m.configPaths, err)
	}
	for _, w := range warnings {
		m.logger.Warn("config warning", "warning", w)
	}

	return merged, nil
}

// Run executes the main loop of spec.md §4.6 until a terminal signal
// requests shutdown.
func (m *Master) Run() error {
	m.logger.Info("master running", "version", m.version)

	var stopSig os.Signal
	for {
		m.drainProxies()
		m.reapListeners()

		if !m.paused && m.currentListener == nil && !m.listenerBackoff.Wait() {
			if err := m.startListener(); err != nil {
				m.logger.Error("start listener failed", "error", err)
			}
		}

		sig, gotSignal := m.popSignal()
		if !gotSignal {
			m.sleepUntilNextEvent()
			continue
		}

		if m.handleSignal(sig) {
			stopSig = sig
			break
		}
	}

	m.shutdown(stopSig)
	return nil
}

// handleSignal dispatches one already-popped signal per the table in
// spec.md §4.6 and reports whether the main loop should end. Exposed as a
// standalone method, rather than inlined in Run's loop, so tests can drive
// it directly instead of delivering real signals to the test process.
func (m *Master) handleSignal(sig os.Signal) (shutdown bool) {
	switch sig {
	case syscall.SIGHUP:
		m.handleReload()
	case syscall.SIGUSR2:
		m.handlePause()
	case syscall.SIGCONT:
		m.handleResume()
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
		m.shuttingDown = true
		return true
	case syscall.SIGCHLD:
		// wake-only; reaping happens at the top of the loop.
	case syscall.SIGUSR1:
		m.dumpInfo()
	}
	return false
}

// handleReload implements the HUP row: when execOnHup is set the source's
// re-exec path is a documented TODO upstream, so it logs and falls through
// to the ordinary reload instead of re-executing the master binary.
func (m *Master) handleReload() {
	if m.execOnHup {
		m.logger.Warn("exec-on-hup requested but unimplemented, falling back to ordinary reload")
	}

	if _, err := m.loadConfig(); err != nil {
		m.logger.Error("config reload validation failed, keeping current listener", "error", err)
		if m.metrics != nil {
			m.metrics.IncConfigReloadError()
		}
		return
	}
	if m.metrics != nil {
		m.metrics.IncConfigReload()
	}

	m.prepareNewListener()
}

// prepareNewListener implements the handoff protocol's HUP leg: if the
// current listener has not yet reported RUNNING, kill it (it owns no
// workers yet) and keep whatever lastGoodListener already exists; if it is
// ready, promote it to lastGoodListener, disposing of any previous one
// that overlapping reloads left draining.
func (m *Master) prepareNewListener() {
	cur := m.currentListener
	if cur == nil {
		return
	}

	if !cur.Ready() {
		m.logger.Info("killing still-booting listener for reload", "pid", cur.Pid())
		_ = cur.Kill(syscall.SIGQUIT)
		m.currentListener = nil
		return
	}

	if m.lastGoodListener != nil {
		m.logger.Warn("overlapping reload: retiring previous last-good listener early", "pid", m.lastGoodListener.Pid())
		_ = m.lastGoodListener.Kill(syscall.SIGQUIT)
		m.lastGoodListener.Dispose()
		delete(m.listenerPids, m.lastGoodListener.Pid())
	}

	m.lastGoodListener = cur
	m.currentListener = nil
}

func (m *Master) handlePause() {
	if m.currentListener != nil {
		_ = m.currentListener.Kill(syscall.SIGQUIT)
	}
	m.paused = true
	m.currentListener = nil
}

func (m *Master) handleResume() {
	m.forwardToAll(syscall.SIGCONT)
	m.paused = false
}

func (m *Master) dumpInfo() {
	snap, err := sysinfo.Sample(context.Background())
	if err != nil {
		m.logger.Warn("sysinfo sample failed", "error", err)
		return
	}
	doc := map[string]any{
		"snapshot":          snap,
		"listeners_created": m.listenersCreated,
		"live_listeners":    len(m.listenerPids),
		"paused":            m.paused,
	}
	if m.haveSysinfo {
		doc["delta"] = snap.Diff(m.lastSysinfo)
	}
	m.lastSysinfo = snap
	m.haveSysinfo = true

	processRSS := make(map[string]uint64, len(m.listenerPids)+1)
	if rss, err := sysinfo.ProcessRSSMB(context.Background(), int32(os.Getpid())); err == nil {
		processRSS["master"] = rss
	}
	for pid := range m.listenerPids {
		if rss, err := sysinfo.ProcessRSSMB(context.Background(), int32(pid)); err == nil {
			processRSS[fmt.Sprintf("listener.%d", pid)] = rss
		}
	}
	if len(processRSS) > 0 {
		doc["process_rss_mb"] = processRSS
	}

	out, err := yamlMarshal(doc)
	if err != nil {
		m.logger.Warn("info dump marshal failed", "error", err)
		return
	}
	m.logger.Info("info dump", "yaml", string(out))
}

func (m *Master) forwardToAll(sig syscall.Signal) {
	if m.currentListener != nil {
		_ = m.currentListener.Kill(sig)
	}
	if m.lastGoodListener != nil {
		_ = m.lastGoodListener.Kill(sig)
	}
}

func (m *Master) popSignal() (os.Signal, bool) {
	select {
	case sig := <-m.sigCh:
		return sig, true
	default:
		return nil, false
	}
}

// sleepUntilNextEvent blocks on the sleepy waiter until a listener socket
// becomes readable, a signal wakes the self-pipe, or backoff/30s elapses.
func (m *Master) sleepUntilNextEvent() {
	sleep := 30 * time.Second
	wait, waiting := m.listenerBackoff.HowLong()
	if waiting && wait < sleep {
		sleep = wait
	}
	if sleep <= 0 {
		sleep = time.Millisecond
	}

	if m.metrics != nil {
		if waiting {
			m.metrics.SetBackoffWait("listener", wait.Seconds())
		} else {
			m.metrics.SetBackoffWait("listener", 0)
		}
	}

	var fds []int
	for _, p := range m.listenerPids {
		if f, ok := connFD(p.conn); ok {
			fds = append(fds, f)
		}
	}

	_, _, _ = m.wake.Wait(int(sleep.Milliseconds()), fds)
}

func (m *Master) drainProxies() {
	for _, p := range m.orderedProxies() {
		if m.metrics != nil {
			m.metrics.SetListenerUptime(strconv.Itoa(p.Pid()), time.Since(p.startedAt).Seconds())
		}

		events, eof := p.Drain()
		for _, ev := range events {
			switch ev.kind {
			case eventRunning:
				m.onListenerRunning(p)
			case eventWorkerStarted:
				m.sink.Worker(ev.pid, "start")
				if m.metrics != nil {
					m.metrics.IncWorkerStart(ev.queueKey)
					m.metrics.SetWorkerState(ev.queueKey, strconv.Itoa(ev.pid), 1)
				}
			case eventWorkerFinished:
				m.sink.Worker(ev.pid, "stop")
				if m.metrics != nil {
					m.metrics.IncWorkerExit(ev.queueKey, false)
					m.metrics.RemoveWorker(ev.queueKey, strconv.Itoa(ev.pid))
				}
				m.forwardExitToPeer(p, ev.pid)
			}
		}
		if eof && !p.disposed {
			m.logger.Warn("listener reporting socket closed", "pid", p.Pid())
		}
	}
}

// forwardExitToPeer notifies the other live listener generation that pid
// exited, so a blocked worker waiting on that pid may transition to idle.
func (m *Master) forwardExitToPeer(from *ListenerProxy, pid int) {
	for _, p := range []*ListenerProxy{m.currentListener, m.lastGoodListener} {
		if p == nil || p == from || p.disposed {
			continue
		}
		if err := p.NotifyPeerExited(pid); err != nil {
			m.logger.Warn("notify peer exited failed", "pid", pid, "error", err)
		}
	}
}

func (m *Master) onListenerRunning(p *ListenerProxy) {
	m.sink.Listener(p.Pid(), "ready")
	m.listenerBackoff.Started()

	if p == m.lastGoodListener || p != m.currentListener {
		return
	}

	if m.lastGoodListener != nil {
		m.logger.Info("new listener ready, retiring last-good listener", "new_pid", p.Pid(), "old_pid", m.lastGoodListener.Pid())
		_ = m.lastGoodListener.Kill(syscall.SIGQUIT)
	}
}

// reapListeners checks every tracked listener pid with WNOHANG and clears
// currentListener/lastGoodListener pointers whose process has exited.
func (m *Master) reapListeners() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		p, ok := m.listenerPids[pid]
		if !ok {
			continue
		}
		delete(m.listenerPids, pid)
		p.Dispose()
		m.sink.Listener(pid, "stop")
		if m.metrics != nil {
			m.metrics.RemoveListener(strconv.Itoa(pid))
		}

		crashed := !p.Ready() || ws.Signaled() || (ws.Exited() && ws.ExitStatus() != 0)

		switch {
		case p == m.currentListener:
			m.currentListener = nil
			if crashed {
				m.listenerBackoff.Died()
			}
		case p == m.lastGoodListener:
			m.lastGoodListener = nil
		}
	}
}

// startListener forks a new listener generation: a socketpair carries the
// reporting stream, the child inherits its end as fd 3 and RESQUED_* state
// describing the union of every live generation's running workers.
func (m *Master) startListener() error {
	oldWorkers := m.unionOldWorkers()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("master: socketpair: %w", err)
	}
	childFile := os.NewFile(uintptr(fds[0]), "listener-socket")
	masterFile := os.NewFile(uintptr(fds[1]), "master-socket")

	masterConn, err := net.FileConn(masterFile)
	masterFile.Close()
	if err != nil {
		childFile.Close()
		return fmt.Errorf("master: converting reporting socket: %w", err)
	}

	id := m.listenersCreated
	m.listenersCreated++

	cmd := exec.Command(m.listenerExe, "listener")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=3", listener.EnvSocket),
		fmt.Sprintf("%s=%s", listener.EnvConfigPath, joinColon(m.configPaths)),
		fmt.Sprintf("%s=%s", listener.EnvState, listener.EncodeState(oldWorkers)),
		fmt.Sprintf("%s=%d", listener.EnvListenerID, id),
		fmt.Sprintf("%s=%s", listener.EnvMasterVersion, m.version),
	)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childFile.Close()
		masterConn.Close()
		return fmt.Errorf("master: starting listener: %w", err)
	}
	childFile.Close()

	proxy := newListenerProxy(id, cmd.Process.Pid, masterConn)
	m.listenerPids[cmd.Process.Pid] = proxy
	m.currentListener = proxy
	m.sink.Listener(proxy.Pid(), "start")
	if m.metrics != nil {
		m.metrics.SetListenerGeneration(id)
	}
	m.logger.Info("listener started", "pid", proxy.Pid(), "listener_id", id)
	return nil
}

func (m *Master) unionOldWorkers() []listener.OldWorker {
	var out []listener.OldWorker
	if m.currentListener != nil {
		out = append(out, m.currentListener.OldWorkers()...)
	}
	if m.lastGoodListener != nil {
		out = append(out, m.lastGoodListener.OldWorkers()...)
	}
	return out
}

// shutdown propagates the chosen terminal signal to every live listener
// and, unless fastExit, blocks until all are reaped.
func (m *Master) shutdown(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGQUIT
	}
	m.forwardToAll(s)
	if m.fastExit {
		return
	}
	for len(m.listenerPids) > 0 {
		m.drainProxies()
		m.reapListeners()
		if len(m.listenerPids) == 0 {
			return
		}
		time.Sleep(time.Second)
	}
}

func (m *Master) orderedProxies() []*ListenerProxy {
	pids := make([]int, 0, len(m.listenerPids))
	for pid := range m.listenerPids {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	out := make([]*ListenerProxy, 0, len(pids))
	for _, pid := range pids {
		out = append(out, m.listenerPids[pid])
	}
	return out
}

func joinColon(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}
