package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ResolveIncludes processes the include directive in the config,
// loading and merging all matched files. Returns warnings for patterns
// that match no files. The configDir is the directory of the main config file.
func ResolveIncludes(cfg *Config, configDir string) ([]string, error) {
	if len(cfg.Include) == 0 {
		return nil, nil
	}

	var warnings []string
	seen := make(map[string]bool)

	for _, pattern := range cfg.Include {
		// Resolve relative patterns against config directory.
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(configDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return warnings, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		if len(matches) == 0 {
			warnings = append(warnings, fmt.Sprintf("include pattern %q matched no files", pattern))
			continue
		}

		// Sort for deterministic merge order.
		sort.Strings(matches)

		for _, path := range matches {
			absPath, err := filepath.Abs(path)
			if err != nil {
				return warnings, fmt.Errorf("cannot resolve include path %q: %w", path, err)
			}

			if seen[absPath] {
				return warnings, fmt.Errorf("circular include detected: %s", absPath)
			}
			seen[absPath] = true

			included, incWarnings, err := Load(absPath)
			if err != nil {
				return warnings, fmt.Errorf("include %s: %w", absPath, err)
			}
			warnings = append(warnings, incWarnings...)

			// Merge queues from included files.
			if err := mergeQueues(cfg, included, absPath); err != nil {
				return warnings, err
			}
		}
	}

	// Clear includes to prevent re-processing.
	cfg.Include = nil

	return warnings, nil
}

func mergeQueues(dst, src *Config, srcPath string) error {
	for name, q := range src.Queues {
		if _, ok := dst.Queues[name]; ok {
			return fmt.Errorf("duplicate queue name %q: defined in both main config and %s", name, srcPath)
		}
		if dst.Queues == nil {
			dst.Queues = make(map[string]QueueConfig)
		}
		dst.Queues[name] = q
	}
	return nil
}

// LoadWithIncludes loads a single config file, expands its variables, and
// resolves its include directive.
func LoadWithIncludes(path string) (*Config, []string, error) {
	return LoadMerged([]string{path})
}

// loadExpanded loads path, expands its variables, and resolves its own
// include directive. Load validates the file on its own; LoadMerged
// validates again once after every path (and everything each pulls in via
// include) is merged.
func loadExpanded(path string) (*Config, []string, error) {
	cfg, warnings, err := Load(path)
	if err != nil {
		return nil, warnings, err
	}

	if err := ExpandVariables(cfg, path); err != nil {
		return nil, warnings, fmt.Errorf("variable expansion failed: %w", err)
	}

	incWarnings, err := ResolveIncludes(cfg, filepath.Dir(path))
	warnings = append(warnings, incWarnings...)
	if err != nil {
		return nil, warnings, err
	}

	return cfg, warnings, nil
}

// LoadMerged loads and merges every config in paths, in order, expanding
// variables and resolving includes in each before merging their queues.
// This is spec.md §6's repeatable --config flag: the master and the
// listener both need the same union-of-queues view, so both call this
// instead of loading paths[0] alone.
func LoadMerged(paths []string) (*Config, []string, error) {
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("config: no config paths given")
	}

	merged, warnings, err := loadExpanded(paths[0])
	if err != nil {
		return nil, warnings, err
	}
	if merged.Queues == nil {
		merged.Queues = make(map[string]QueueConfig)
	}

	for _, path := range paths[1:] {
		cfg, warn, err := loadExpanded(path)
		if err != nil {
			return nil, warnings, err
		}
		warnings = append(warnings, warn...)
		if err := mergeQueues(merged, cfg, path); err != nil {
			return nil, warnings, err
		}
	}

	if errs := Validate(merged); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, warnings, fmt.Errorf("config validation failed:\n  %s",
			strings.Join(msgs, "\n  "))
	}

	return merged, warnings, nil
}
