package config

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	// Supervisor defaults.
	if cfg.Supervisor.LogLevel == "" {
		cfg.Supervisor.LogLevel = "info"
	}
	if cfg.Supervisor.LogFormat == "" {
		cfg.Supervisor.LogFormat = "json"
	}
	if cfg.Supervisor.Minfds == 0 {
		cfg.Supervisor.Minfds = 1024
	}
	if cfg.Supervisor.Minprocs == 0 {
		cfg.Supervisor.Minprocs = 200
	}
	if cfg.Supervisor.PidFile == "" {
		cfg.Supervisor.PidFile = "/var/run/resqued.pid"
	}
	if cfg.Supervisor.ShutdownTimeout == 0 {
		cfg.Supervisor.ShutdownTimeout = 30
	}

	// Queue defaults.
	for name, q := range cfg.Queues {
		if q.Numprocs == 0 {
			q.Numprocs = 1
		}
		if q.Priority == 0 {
			q.Priority = 999
		}
		if q.Stopsignal == "" {
			q.Stopsignal = "TERM"
		}
		if q.Stopwaitsecs == 0 {
			q.Stopwaitsecs = 10
		}
		if q.StdoutLogfileMaxbytes == "" {
			q.StdoutLogfileMaxbytes = "50MB"
		}
		if q.StdoutLogfileBackups == 0 {
			q.StdoutLogfileBackups = 10
		}
		if q.StderrLogfileMaxbytes == "" {
			q.StderrLogfileMaxbytes = "50MB"
		}
		if q.StderrLogfileBackups == 0 {
			q.StderrLogfileBackups = 10
		}
		cfg.Queues[name] = q
	}
}
