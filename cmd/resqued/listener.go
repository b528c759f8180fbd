package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/resqued/resqued/internal/backoff"
	"github.com/resqued/resqued/internal/config"
	"github.com/resqued/resqued/internal/events"
	"github.com/resqued/resqued/internal/listener"
	"github.com/resqued/resqued/internal/logging"
	"github.com/resqued/resqued/internal/process"
)

var listenerCmd = &cobra.Command{
	Use:    "listener",
	Short:  "Run one listener generation (internal; invoked by the master)",
	Hidden: true,
	RunE:   runListener,
}

func init() {
	rootCmd.AddCommand(listenerCmd)
}

func runListener(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.LogConfig{})

	env := environMap()
	state, err := listener.FromEnv(env, logger)
	if err != nil {
		return err
	}

	socketFile := os.NewFile(uintptr(state.SocketFD), "reporting-socket")
	conn, err := net.FileConn(socketFile)
	socketFile.Close()
	if err != nil {
		return fmt.Errorf("listener: wrapping reporting socket: %w", err)
	}

	if len(state.ConfigPaths) == 0 {
		return fmt.Errorf("listener: no config paths in environment")
	}
	cfg, warnings, err := config.LoadMerged(state.ConfigPaths)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}

	bus := events.NewBus(logger)
	l, err := listener.New(listener.Options{
		ID:          state.ListenerID,
		ConfigPaths: state.ConfigPaths,
		SocketFD:    state.SocketFD,
		Reporter:    listener.NewReporter(conn),
		Spawner:     &process.ExecSpawner{},
		Clock:       backoff.RealClock(),
		Bus:         bus,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.LoadConfig(cfg, state.OldWorkers); err != nil {
		return err
	}

	return l.Run()
}

func environMap() map[string]string {
	out := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
