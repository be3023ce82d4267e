// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package tor drives a dedicated tor daemon: the Supervisor owns the
// process lifecycle and the Client speaks the control protocol.  The daemon
// is always a private, per-session instance in an isolated data directory;
// system-wide daemon configuration is never shared or mutated.
package tor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
	"github.com/ghostpass/ghostpass/core/utils"
	"github.com/ghostpass/ghostpass/core/worker"
)

const (
	cookieFileName = "control_auth_cookie"
	torrcFileName  = "torrc"

	stopGrace = 5 * time.Second
)

var bootstrapRe = regexp.MustCompile(`Bootstrapped (\d+)%`)

// Supervisor owns the lifecycle of the dedicated routing daemon subprocess.
type Supervisor struct {
	worker.Worker

	log *logging.Logger
	cfg *config.Tor

	dataDir string
	cmd     *exec.Cmd
	doneCh  chan struct{}
	crashCh chan error

	alive     uint32
	stopping  uint32
	bootstrap uint32
}

// NewSupervisor constructs a Supervisor for the given daemon configuration.
func NewSupervisor(cfg *config.Tor, logBackend *log.Backend) *Supervisor {
	return &Supervisor{
		log:     logBackend.GetLogger("tor/supervisor"),
		cfg:     cfg,
		crashCh: make(chan error, 1),
	}
}

// DataDir returns the session-private daemon data directory, valid after a
// successful Start.
func (s *Supervisor) DataDir() string {
	return s.dataDir
}

// CookiePath returns the control authentication cookie path.
func (s *Supervisor) CookiePath() string {
	return filepath.Join(s.dataDir, cookieFileName)
}

// IsAlive returns true if the daemon process is running.
func (s *Supervisor) IsAlive() bool {
	return atomic.LoadUint32(&s.alive) == 1
}

// CrashCh returns the channel on which unexpected daemon exits are
// reported.
func (s *Supervisor) CrashCh() <-chan error {
	return s.crashCh
}

// BootstrapProgress returns the last bootstrap progress percentage scraped
// from the daemon's log output.
func (s *Supervisor) BootstrapProgress() int {
	return int(atomic.LoadUint32(&s.bootstrap))
}

// Start launches the daemon with a generated configuration in an isolated
// per-session data directory and begins liveness monitoring.
func (s *Supervisor) Start() error {
	if s.cmd != nil {
		return newStartError("already started")
	}

	base := s.cfg.DataDir
	if base == "" {
		base = os.TempDir()
	} else if err := utils.MkDataDir(base); err != nil {
		return newStartError("bad data dir base: %v", err)
	}
	dataDir, err := os.MkdirTemp(base, "ghostpass-tor-")
	if err != nil {
		return newStartError("failed to create data dir: %v", err)
	}
	if err = os.Chmod(dataDir, 0700); err != nil {
		os.RemoveAll(dataDir)
		return newStartError("failed to set data dir mode: %v", err)
	}
	s.dataDir = dataDir

	torrcPath := filepath.Join(dataDir, torrcFileName)
	if err = os.WriteFile(torrcPath, []byte(s.torrc()), 0600); err != nil {
		os.RemoveAll(dataDir)
		return newStartError("failed to write torrc: %v", err)
	}

	binary := s.cfg.Binary
	if binary == "" {
		binary = "tor"
	}
	if binary, err = exec.LookPath(binary); err != nil {
		os.RemoveAll(dataDir)
		return newStartError("daemon binary not found: %v", err)
	}

	cmd := exec.Command(binary, "-f", torrcPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(dataDir)
		return newStartError("failed to create stdout pipe: %v", err)
	}
	cmd.Stderr = cmd.Stdout

	s.log.Noticef("Starting daemon: %v -f %v", binary, torrcPath)
	if err = cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return newStartError("failed to spawn daemon: %v", err)
	}
	s.cmd = cmd
	s.doneCh = make(chan struct{})
	atomic.StoreUint32(&s.alive, 1)

	s.Go(func() { s.logWorker(stdout) })
	s.Go(s.waitWorker)
	return nil
}

// torrc renders the generated daemon configuration.  The knobs mirror the
// hardened defaults the project has always shipped.
func (s *Supervisor) torrc() string {
	boolStr := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}
	lines := []struct{ k, v string }{
		{"SocksPort", strconv.Itoa(s.cfg.SocksPort)},
		{"ControlPort", strconv.Itoa(s.cfg.ControlPort)},
		{"DataDirectory", s.dataDir},
		{"CookieAuthentication", "1"},
		{"MaxCircuitDirtiness", strconv.Itoa(s.cfg.MaxCircuitDirtiness)},
		{"CircuitBuildTimeout", strconv.Itoa(s.cfg.CircuitBuildTimeout)},
		{"EnforceDistinctSubnets", boolStr(s.cfg.EnforceDistinctSubnets)},
		{"UseEntryGuards", boolStr(s.cfg.UseEntryGuards)},
		{"NumEntryGuards", strconv.Itoa(s.cfg.NumEntryGuards)},
		{"SafeLogging", "1"},
		{"Log", "notice stdout"},
	}
	var b []byte
	for _, l := range lines {
		b = append(b, fmt.Sprintf("%s %s\n", l.k, l.v)...)
	}
	return string(b)
}

// logWorker forwards the daemon's output into our log and scrapes
// bootstrap progress lines.
func (s *Supervisor) logWorker(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := bootstrapRe.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil {
				atomic.StoreUint32(&s.bootstrap, uint32(pct))
			}
			s.log.Noticef("daemon: %v", line)
			continue
		}
		s.log.Debugf("daemon: %v", line)
	}
}

// waitWorker reaps the daemon process and reports unexpected exits.
func (s *Supervisor) waitWorker() {
	err := s.cmd.Wait()
	atomic.StoreUint32(&s.alive, 0)
	close(s.doneCh)

	if atomic.LoadUint32(&s.stopping) == 1 {
		s.log.Debugf("Daemon exited on request.")
		return
	}

	if err == nil {
		err = fmt.Errorf("daemon exited prematurely")
	}
	s.log.Errorf("Daemon exited unexpectedly: %v", err)
	select {
	case s.crashCh <- &CrashError{Err: err}:
	default:
	}
}

// Stop terminates the daemon and removes the session data directory.  The
// data directory is removed on every exit path, including after a detected
// crash.
func (s *Supervisor) Stop() {
	defer func() {
		if s.dataDir != "" {
			if err := os.RemoveAll(s.dataDir); err != nil {
				s.log.Warningf("Failed to remove data dir: %v", err)
			}
			s.dataDir = ""
		}
	}()

	if s.cmd == nil {
		return
	}
	atomic.StoreUint32(&s.stopping, 1)

	if s.IsAlive() {
		s.log.Debugf("Sending SIGTERM to daemon.")
		if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Warningf("Failed to signal daemon: %v", err)
		}
		select {
		case <-s.doneCh:
		case <-time.After(stopGrace):
			s.log.Warningf("Daemon ignored SIGTERM, killing.")
			_ = s.cmd.Process.Kill()
			<-s.doneCh
		}
	}

	s.Halt()
	s.cmd = nil
}
