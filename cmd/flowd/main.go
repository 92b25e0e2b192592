// Command flowd is the NetFlow collector daemon: it loads a YAML config,
// opens its UDP listeners and log file, and runs the single-goroutine
// collector loop until a signal or its context tells it to stop (spec §6).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flowd/internal/collector"
	"flowd/internal/config"
	"flowd/internal/logging"
	"flowd/internal/monitor"
)

var (
	configPath string
	debug      bool
	foreground bool
	macros     []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowd",
		Short: "NetFlow v1/v5/v7/v9 collector daemon",
		Long: `flowd listens for NetFlow datagrams, filters and tags flows per its
configured rule list, and appends the accepted flows to an append-only
binary log read back by flowd-reader.`,
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&configPath, "file", "f", "/etc/flowd.conf", "path to the YAML config file")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "run in the foreground with verbose logging")
	rootCmd.Flags().BoolVarP(&foreground, "foreground", "g", false, "run in the foreground")
	rootCmd.Flags().StringArrayVarP(&macros, "define", "D", nil, "override a config value: name=value (repeatable)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("flowd: %w", err)
	}
	for _, nv := range macros {
		if err := config.ApplyMacro(cfg, nv); err != nil {
			return fmt.Errorf("flowd: %w", err)
		}
	}
	cfg.Opts.Verbose = cfg.Opts.Verbose || debug
	cfg.Opts.Foreground = cfg.Opts.Foreground || debug || foreground

	log, err := logging.New(logging.Config{Verbose: cfg.Opts.Verbose})
	if err != nil {
		return fmt.Errorf("flowd: building logger: %w", err)
	}

	mon := monitor.NewDirect(configPath, func(lines []string) error {
		for _, line := range lines {
			log.Info(line)
		}
		return nil
	})

	loop, err := collector.New(cfg, log, mon)
	if err != nil {
		return fmt.Errorf("flowd: %w", err)
	}

	// Run's own select loop already watches os/signal for INT/TERM/HUP/
	// USR1/USR2 (collector.New registers them); ctx is here for any future
	// programmatic shutdown path, so Background is the right root.
	log.Info("flowd starting", "config", configPath, "listen", cfg.ListenAddrs, "log_file", cfg.LogFile)
	if err := loop.Run(context.Background()); err != nil {
		log.Error("collector loop exited with error", "err", err)
		return err
	}
	log.Info("flowd stopped")
	return nil
}
