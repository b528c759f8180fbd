package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var quitWaitFlags struct {
	gracePeriod int
}

// quitWaitTimeout is the exit code spec.md §6 reserves for a grace-period
// timeout, distinct from 0 (clean exit) and 1 (usage error).
const quitWaitTimeout = 99

var quitWaitCmd = &cobra.Command{
	Use:   "quit-and-wait PIDFILE",
	Short: "Send QUIT to the master named by PIDFILE and wait for it to exit",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuitWait,
}

func init() {
	quitWaitCmd.Flags().IntVar(&quitWaitFlags.gracePeriod, "grace-period", 30, "seconds to wait for exit before giving up")
	rootCmd.AddCommand(quitWaitCmd)
}

func runQuitWait(cmd *cobra.Command, args []string) error {
	pid, err := readPidfile(args[0])
	if err != nil {
		return err
	}

	if err := syscall.Kill(pid, syscall.SIGQUIT); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("quit-and-wait: signaling pid %d: %w", pid, err)
	}

	// Poll until (grace - 5s) elapses, per spec.md §6, leaving a margin
	// for the caller's own timeout handling above this helper.
	budget := time.Duration(quitWaitFlags.gracePeriod)*time.Second - 5*time.Second
	if budget < 0 {
		budget = 0
	}
	deadline := time.Now().Add(budget)

	for {
		if !processAlive(pid) {
			return nil
		}
		if time.Now().After(deadline) {
			os.Exit(quitWaitTimeout)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("quit-and-wait: reading pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("quit-and-wait: pidfile %s does not contain a pid: %w", path, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil
}
