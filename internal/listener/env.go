package listener

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// OldWorker is one entry of the previous listener generation's running
// workers, inherited via RESQUED_STATE so the new listener knows which
// queue keys must start blocked.
type OldWorker struct {
	Pid      int
	QueueKey string
}

// ListenerEnv is everything a listener reconstructs from its environment
// after master forks and execs it.
type ListenerEnv struct {
	SocketFD      int
	ConfigPaths   []string
	OldWorkers    []OldWorker
	ListenerID    int64
	MasterVersion string
}

// Env variable names exchanged between master and listener (spec.md §6).
const (
	EnvSocket        = "RESQUED_SOCKET"
	EnvConfigPath    = "RESQUED_CONFIG_PATH"
	EnvState         = "RESQUED_STATE"
	EnvListenerID    = "RESQUED_LISTENER_ID"
	EnvMasterVersion = "RESQUED_MASTER_VERSION"
)

// FromEnv parses the RESQUED_* environment variables a freshly exec'd
// listener inherits. env is a plain map rather than os.Environ() so
// tests can exercise it without touching the real process environment.
func FromEnv(env map[string]string, logger *slog.Logger) (*ListenerEnv, error) {
	fdStr, ok := env[EnvSocket]
	if !ok {
		return nil, fmt.Errorf("listener: missing %s in environment", EnvSocket)
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("listener: invalid %s %q: %w", EnvSocket, fdStr, err)
	}

	idStr, ok := env[EnvListenerID]
	if !ok {
		return nil, fmt.Errorf("listener: missing %s in environment", EnvListenerID)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("listener: invalid %s %q: %w", EnvListenerID, idStr, err)
	}

	var configPaths []string
	if raw := env[EnvConfigPath]; raw != "" {
		configPaths = strings.Split(raw, ":")
	}

	oldWorkers := DecodeState(env[EnvState], logger)

	return &ListenerEnv{
		SocketFD:      fd,
		ConfigPaths:   configPaths,
		OldWorkers:    oldWorkers,
		ListenerID:    id,
		MasterVersion: env[EnvMasterVersion],
	}, nil
}

// EncodeState packs a set of old workers into the RESQUED_STATE wire
// format: items joined by "||", each item "pid|queueKey".
func EncodeState(workers []OldWorker) string {
	items := make([]string, 0, len(workers))
	for _, w := range workers {
		items = append(items, fmt.Sprintf("%d|%s", w.Pid, w.QueueKey))
	}
	return strings.Join(items, "||")
}

// DecodeState unpacks the RESQUED_STATE wire format. A malformed item
// (non-decimal pid, missing separator) is logged and dropped rather than
// aborting the whole parse, per the canonicalization rule in spec.md §9.
func DecodeState(s string, logger *slog.Logger) []OldWorker {
	if s == "" {
		return nil
	}

	var workers []OldWorker
	for _, item := range strings.Split(s, "||") {
		pidStr, queueKey, found := strings.Cut(item, "|")
		if !found {
			logWarn(logger, "malformed RESQUED_STATE item, dropping", item)
			continue
		}
		pid, err := decimalPid(pidStr)
		if err != nil {
			logWarn(logger, "malformed RESQUED_STATE pid, dropping", item)
			continue
		}
		workers = append(workers, OldWorker{Pid: pid, QueueKey: queueKey})
	}
	return workers
}

// decimalPid parses a pid as plain decimal, rejecting a leading '+' the
// way strconv would otherwise silently accept.
func decimalPid(s string) (int, error) {
	if s == "" || s[0] == '+' {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return strconv.Atoi(s)
}

func logWarn(logger *slog.Logger, msg, item string) {
	if logger != nil {
		logger.Warn(msg, "item", item)
	}
}
