// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
	"github.com/ghostpass/ghostpass/instrument"
	"github.com/ghostpass/ghostpass/mgmt"
	"github.com/ghostpass/ghostpass/session"
)

// Config holds the command line configuration.
type Config struct {
	ConfigFile string
	NoConnect  bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "ghostpassd",
		Short: "Tor-backed traffic anonymizer daemon",
		Long: `ghostpassd drives a dedicated tor instance to anonymize application
traffic.  It supervises the tor process, rotates the presented network
identity according to a configurable policy, watches for IP and DNS leaks
with a kill switch reaction, and wraps payloads in stacked authenticated
encryption layers before they enter the tunnel.

Key features:
• Private per-session tor instance in an isolated data directory
• Manual, interval, scheduled and performance-driven identity rotation
• Continuous IP/DNS leak detection with kill switch enforcement
• Tunnel performance sampling feeding the rotation policy
• Layered ChaCha20-Poly1305 encryption with an argon2id-stretched secret
• Text based management socket for scripted control`,
		Example: `  # Start with the default configuration
  ghostpassd

  # Start with a custom configuration file
  ghostpassd --config /etc/ghostpass/ghostpassd.toml

  # Start without connecting; drive the session over the management socket
  ghostpassd --no-connect`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "ghostpassd.toml",
		"path to the daemon configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.NoConnect, "no-connect", "n", false,
		"start disconnected; connect later via the management socket")

	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cfg Config) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	daemonCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	logBackend, err := log.New(daemonCfg.Logging.File, daemonCfg.Logging.Level, daemonCfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}

	if daemonCfg.Metrics.Address != "" {
		instrument.Init(daemonCfg.Metrics.Address)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	s, err := session.New(daemonCfg, logBackend)
	if err != nil {
		return fmt.Errorf("failed to create session: %v", err)
	}
	defer s.Shutdown()

	if daemonCfg.Management.Enable {
		sockPath := daemonCfg.Management.Path
		if sockPath == "" {
			sockPath = filepath.Join(os.TempDir(), "ghostpassd.sock")
		}
		m := mgmt.New(sockPath, s, logBackend)
		if err = m.Start(); err != nil {
			return fmt.Errorf("failed to start management interface: %v", err)
		}
		defer func() {
			m.Halt()
			os.Remove(sockPath)
		}()
	}

	if !cfg.NoConnect {
		if err = s.Connect(); err != nil {
			return fmt.Errorf("failed to establish session: %v", err)
		}
	}

	// Halt the session gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		s.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			_ = logBackend.Rotate()
		}
	}()

	// Wait for the session to terminate.
	s.Wait()
	return nil
}
