package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"voicelink/config"
	"voicelink/log"
)

var version = "dev"

type rootFlags struct {
	configPath  string
	logPath     string
	storePath   string
	metricsAddr string
	device      string
	setup       bool
}

// exitError carries a process exit code out of a command without printing.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "voicelink",
		Short:         "Voice client for a remote transcription server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogging(flags.logPath)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			log.Close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default: $VOICELINK_CONFIG or the user config dir)")
	pf.StringVar(&flags.logPath, "logpath", "", "log directory (default: $VOICELINK_LOG_PATH or OS-specific location)")
	pf.StringVar(&flags.storePath, "store", "", "secure store database path")
	pf.StringVar(&flags.metricsAddr, "metrics", "", "serve /metrics and pprof on this address (e.g. localhost:9464)")
	pf.StringVar(&flags.device, "device", "", "microphone device name or id")
	pf.BoolVar(&flags.setup, "setup", false, "pick the microphone interactively")

	root.AddCommand(
		newRunCmd(flags),
		newCredsCmd(flags),
		newDoctorCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voicelink %s\n", version)
		},
	}
}

// setupLogging resolves the log directory and points crash output at it.
// The diagnostics log itself is opened by the commands that need it.
func setupLogging(flagPath string) error {
	if flagPath == "" {
		if cfg, err := config.Load(config.DefaultPath(), false); err == nil {
			flagPath = cfg.LogPath
		}
	}
	dir, err := log.ResolveDir(flagPath)
	if err != nil {
		return fmt.Errorf("resolve log directory: %w", err)
	}
	log.SetDir(dir)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return nil
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
		crashFile.Close()
	}
	return nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	path, explicit := flags.configPath, flags.configPath != ""
	if !explicit {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return nil, err
	}
	if flags.logPath != "" {
		cfg.LogPath = flags.logPath
	}
	if flags.storePath != "" {
		cfg.StorePath = flags.storePath
	}
	if flags.metricsAddr != "" {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if flags.device != "" {
		cfg.Audio.Device = flags.device
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
