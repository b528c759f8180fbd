// Package config handles loading and validating resqued configuration.
package config

// Config is the top-level resqued configuration: supervisor-wide settings
// plus the set of queues a listener generation forks workers for.
type Config struct {
	Supervisor SupervisorConfig       `toml:"supervisor"`
	Queues     map[string]QueueConfig `toml:"queues"`
	Include    []string               `toml:"include"`
}

// SupervisorConfig holds master/listener-level settings.
type SupervisorConfig struct {
	Logfile         string `toml:"logfile"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	Directory       string `toml:"directory"`
	Identifier      string `toml:"identifier"`
	Minfds          int    `toml:"minfds"`
	Minprocs        int    `toml:"minprocs"`
	PidFile         string `toml:"pidfile"`
	StatusSink      string `toml:"status_sink"`
	ShutdownTimeout int    `toml:"shutdown_timeout"`
}

// QueueConfig holds per-queue settings: the worker command to fork, how
// many workers to run against the queue, and how those workers are
// supervised once running.
type QueueConfig struct {
	Command               string            `toml:"command"`
	Numprocs              int               `toml:"numprocs"`
	NumprocsStart         int               `toml:"numprocs_start"`
	Priority              int               `toml:"priority"`
	Stopsignal            string            `toml:"stopsignal"`
	Stopwaitsecs          int               `toml:"stopwaitsecs"`
	User                  string            `toml:"user"`
	Directory             string            `toml:"directory"`
	Umask                 string            `toml:"umask"`
	Environment           map[string]string `toml:"environment"`
	CleanEnvironment      bool              `toml:"clean_environment"`
	StdoutLogfile         string            `toml:"stdout_logfile"`
	StdoutLogfileMaxbytes string            `toml:"stdout_logfile_maxbytes"`
	StdoutLogfileBackups  int               `toml:"stdout_logfile_backups"`
	StderrLogfile         string            `toml:"stderr_logfile"`
	StderrLogfileMaxbytes string            `toml:"stderr_logfile_maxbytes"`
	StderrLogfileBackups  int               `toml:"stderr_logfile_backups"`
	RedirectStderr        bool              `toml:"redirect_stderr"`
	StripAnsi             bool              `toml:"strip_ansi"`
	Description           string            `toml:"description"`
}
