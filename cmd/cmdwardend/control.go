package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmdwarden/internal/config"
)

func statusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, configErr := config.Load(v)
			if configErr != nil {
				return configErr
			}
			return runStatus(cfg)
		},
	}
}

func runStatus(cfg config.Config) error {
	pid, pidErr := readPIDFile(cfg.PIDPath)
	if pidErr != nil {
		fmt.Println("not running")
		os.Exit(1)
	}

	if !processAlive(pid) {
		fmt.Printf("not running (stale PID %d)\n", pid)
		_ = os.Remove(cfg.PIDPath)
		_ = os.Remove(cfg.EvalSocket)
		_ = os.Remove(cfg.EventsSocket)
		os.Exit(1)
	}

	conn, dialErr := net.DialTimeout("unix", cfg.EvalSocket, 1*time.Second)
	if dialErr != nil {
		fmt.Printf("process %d alive but socket not responding\n", pid)
		os.Exit(1)
	}
	_ = conn.Close()

	fmt.Printf("running (PID %d)\n", pid)
	return nil
}

func stopCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, configErr := config.Load(v)
			if configErr != nil {
				return configErr
			}
			return runStop(cfg)
		},
	}
}

func runStop(cfg config.Config) error {
	pid, pidErr := readPIDFile(cfg.PIDPath)
	if pidErr != nil {
		fmt.Println("not running")
		return nil
	}

	process, findErr := os.FindProcess(pid)
	if findErr != nil {
		fmt.Printf("process %d not found, cleaning up\n", pid)
		cleanupRuntimeFiles(cfg)
		return nil
	}

	if signalErr := process.Signal(syscall.SIGTERM); signalErr != nil {
		fmt.Printf("could not signal %d: %v, cleaning up\n", pid, signalErr)
		cleanupRuntimeFiles(cfg)
		return nil
	}

	// The daemon removes its sockets on the way out; wait for that.
	for attempt := 0; attempt < 20; attempt++ {
		time.Sleep(100 * time.Millisecond)
		if _, statErr := os.Stat(cfg.EvalSocket); os.IsNotExist(statErr) {
			fmt.Printf("stopped (PID %d)\n", pid)
			return nil
		}
	}

	fmt.Printf("sent SIGTERM to %d but socket still exists\n", pid)
	return nil
}

func cleanupRuntimeFiles(cfg config.Config) {
	_ = os.Remove(cfg.PIDPath)
	_ = os.Remove(cfg.EvalSocket)
	_ = os.Remove(cfg.EventsSocket)
	_ = os.Remove(cfg.LockPath)
}

func readPIDFile(path string) (int, error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return 0, readErr
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	process, findErr := os.FindProcess(pid)
	if findErr != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
