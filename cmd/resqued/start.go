package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/resqued/resqued/internal/config"
	"github.com/resqued/resqued/internal/logging"
	"github.com/resqued/resqued/internal/master"
	"github.com/resqued/resqued/internal/metrics"
	"github.com/resqued/resqued/internal/statussink"
	"github.com/resqued/resqued/internal/version"
)

var startFlags struct {
	configPaths []string
	pidfile     string
	execOnHup   bool
	fastExit    bool
	statusPipe  int
	metricsAddr string
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the master supervisor",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringArrayVar(&startFlags.configPaths, "config", nil, "config file path (may be repeated)")
	startCmd.Flags().StringVar(&startFlags.pidfile, "pidfile", "", "path to write the master pidfile")
	startCmd.Flags().BoolVar(&startFlags.execOnHup, "exec-on-hup", false, "re-exec the master on HUP instead of reloading in place (unimplemented upstream)")
	startCmd.Flags().BoolVar(&startFlags.fastExit, "fast-exit", false, "do not wait for listeners to drain on shutdown")
	startCmd.Flags().IntVar(&startFlags.statusPipe, "status-pipe", -1, "inherited fd to write lifecycle status lines to")
	startCmd.Flags().StringVar(&startFlags.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	configPaths := startFlags.configPaths
	if len(configPaths) == 0 {
		resolved, err := config.Resolve("")
		if err != nil {
			return err
		}
		configPaths = []string{resolved}
	}

	cfg, warnings, err := config.LoadMerged(configPaths)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "resqued: warning:", w)
	}

	logger, closeLog, err := logging.DaemonLogger(cfg.Supervisor.LogLevel, cfg.Supervisor.LogFormat, cfg.Supervisor.Logfile)
	if err != nil {
		return err
	}
	if closeLog != nil {
		defer closeLog()
	}

	pidfile := startFlags.pidfile
	if pidfile == "" {
		pidfile = cfg.Supervisor.PidFile
	}

	sink, err := openStatusSink(startFlags.statusPipe, cfg.Supervisor.StatusSink)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("start: resolving own executable path: %w", err)
	}

	collector := metrics.New()
	if startFlags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: startFlags.metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	m, err := master.New(master.Options{
		ConfigPaths: configPaths,
		ExecOnHup:   startFlags.execOnHup,
		FastExit:    startFlags.fastExit,
		ListenerExe: self,
		Version:     version.Version,
		Logger:      logger,
		StatusSink:  sink,
		Metrics:     collector,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Acquire(pidfile); err != nil {
		return err
	}

	return m.Run()
}

// openStatusSink picks the status sink destination: an explicitly inherited
// fd takes priority over the config's status_sink path. Neither configured
// means no sink, which every statussink.Sink method treats as a no-op.
func openStatusSink(fd int, path string) (*statussink.Sink, error) {
	if fd >= 0 {
		return statussink.New(os.NewFile(uintptr(fd), "status-pipe")), nil
	}
	if path == "" {
		return statussink.New(nil), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("start: opening status sink %s: %w", path, err)
	}
	return statussink.New(f), nil
}
