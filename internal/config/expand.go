package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandContext holds variables available for expansion.
type ExpandContext struct {
	Here       string // directory of the config file
	QueueName  string
	ProcessNum int
	NumProcs   int
}

// ExpandVariables expands template variables and environment references
// in all string fields of a config, given the config file path.
func ExpandVariables(cfg *Config, configPath string) error {
	ctx := ExpandContext{
		Here: filepath.Dir(configPath),
	}

	// Expand supervisor fields.
	var err error
	cfg.Supervisor.Logfile, err = expandString(cfg.Supervisor.Logfile, ctx)
	if err != nil {
		return fmt.Errorf("supervisor.logfile: %w", err)
	}
	cfg.Supervisor.Directory, err = expandString(cfg.Supervisor.Directory, ctx)
	if err != nil {
		return fmt.Errorf("supervisor.directory: %w", err)
	}
	cfg.Supervisor.PidFile, err = expandString(cfg.Supervisor.PidFile, ctx)
	if err != nil {
		return fmt.Errorf("supervisor.pidfile: %w", err)
	}

	// Expand queue fields.
	for name, q := range cfg.Queues {
		qCtx := ctx
		qCtx.QueueName = name
		qCtx.NumProcs = q.Numprocs

		q.Command, err = expandString(q.Command, qCtx)
		if err != nil {
			return fmt.Errorf("queues.%s.command: %w", name, err)
		}
		q.Directory, err = expandString(q.Directory, qCtx)
		if err != nil {
			return fmt.Errorf("queues.%s.directory: %w", name, err)
		}
		q.StdoutLogfile, err = expandString(q.StdoutLogfile, qCtx)
		if err != nil {
			return fmt.Errorf("queues.%s.stdout_logfile: %w", name, err)
		}
		q.StderrLogfile, err = expandString(q.StderrLogfile, qCtx)
		if err != nil {
			return fmt.Errorf("queues.%s.stderr_logfile: %w", name, err)
		}
		q.User, err = expandString(q.User, qCtx)
		if err != nil {
			return fmt.Errorf("queues.%s.user: %w", name, err)
		}

		// Expand environment values.
		for k, v := range q.Environment {
			expanded, err := expandString(v, qCtx)
			if err != nil {
				return fmt.Errorf("queues.%s.environment.%s: %w", name, k, err)
			}
			q.Environment[k] = expanded
		}

		cfg.Queues[name] = q
	}

	return nil
}

// expandString expands all template variables and env references in a single string.
func expandString(s string, ctx ExpandContext) (string, error) {
	if s == "" {
		return s, nil
	}

	// Phase 1: Expand %(variable)s and %(variable)d patterns.
	result, err := expandTemplateVars(s, ctx)
	if err != nil {
		return "", err
	}

	// Phase 2: Expand ${ENV_VAR} references.
	result, err = expandEnvVars(result)
	if err != nil {
		return "", err
	}

	// Phase 3: Unescape %% -> % and $$ -> $.
	result = strings.ReplaceAll(result, "%%", "%")
	result = strings.ReplaceAll(result, "$$", "$")

	return result, nil
}

func expandTemplateVars(s string, ctx ExpandContext) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '%' && s[i+1] == '%' {
			// Escaped percent, preserve for later unescaping.
			result.WriteString("%%")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '%' && s[i+1] == '(' {
			// Find closing )s or )d.
			end := strings.Index(s[i:], ")s")
			endD := strings.Index(s[i:], ")d")
			if end < 0 && endD < 0 {
				return "", fmt.Errorf("unclosed template variable at position %d in %q", i, s)
			}

			var varName string
			var advance int
			if end >= 0 && (endD < 0 || end < endD) {
				varName = s[i+2 : i+end]
				advance = end + 2
			} else {
				varName = s[i+2 : i+endD]
				advance = endD + 2
			}

			val, err := resolveTemplateVar(varName, ctx)
			if err != nil {
				return "", err
			}
			result.WriteString(val)
			i += advance
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

func resolveTemplateVar(name string, ctx ExpandContext) (string, error) {
	switch name {
	case "here":
		return ctx.Here, nil
	case "queue_name":
		return ctx.QueueName, nil
	case "process_num":
		return fmt.Sprintf("%d", ctx.ProcessNum), nil
	case "numprocs":
		return fmt.Sprintf("%d", ctx.NumProcs), nil
	default:
		return "", fmt.Errorf("unknown template variable: %%(%.0s)s", name)
	}
}

func expandEnvVars(s string) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '$' && s[i+1] == '$' {
			// Escaped dollar, preserve for later unescaping.
			result.WriteString("$$")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '$' && s[i+1] == '{' {
			end := strings.Index(s[i:], "}")
			if end < 0 {
				return "", fmt.Errorf("unclosed environment variable reference at position %d in %q", i, s)
			}

			varName := s[i+2 : i+end]
			val, ok := os.LookupEnv(varName)
			if !ok {
				return "", fmt.Errorf("undefined environment variable: ${%s}", varName)
			}
			result.WriteString(val)
			i += end + 1
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

// ExpandString is exported for use by other packages needing single-value expansion.
func ExpandString(s string, ctx ExpandContext) (string, error) {
	return expandString(s, ctx)
}
