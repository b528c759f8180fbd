package config

import (
	"fmt"
	"strings"

	"github.com/resqued/resqued/internal/logging"
)

// validSignals lists the supported stop signals.
var validSignals = map[string]bool{
	"TERM": true, "HUP": true, "INT": true, "QUIT": true,
	"KILL": true, "USR1": true, "USR2": true,
}

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Supervisor.LogLevel != "" {
		if err := logging.ValidateLevel(cfg.Supervisor.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("supervisor.log_level: %w", err))
		}
	}

	for name, q := range cfg.Queues {
		prefix := fmt.Sprintf("queues.%s", name)

		if strings.TrimSpace(q.Command) == "" {
			errs = append(errs, fmt.Errorf("%s: command is required", prefix))
		}

		if q.Priority < 0 || q.Priority > 999 {
			errs = append(errs, fmt.Errorf("%s: priority must be between 0 and 999, got %d", prefix, q.Priority))
		}

		sig := strings.TrimPrefix(strings.ToUpper(q.Stopsignal), "SIG")
		if !validSignals[sig] {
			errs = append(errs, fmt.Errorf("%s: invalid stopsignal %q", prefix, q.Stopsignal))
		}

		if q.Numprocs < 1 {
			errs = append(errs, fmt.Errorf("%s: numprocs must be >= 1, got %d", prefix, q.Numprocs))
		}
	}

	return errs
}
