// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the ghostpass daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ghostpass/ghostpass/core/utils"
)

const (
	defaultLogLevel = "NOTICE"

	defaultSocksPort   = 9250
	defaultControlPort = 9251

	defaultMaxCircuitDirtiness = 600 // 10 min.
	defaultCircuitBuildTimeout = 30  // 30 sec.
	defaultNumEntryGuards      = 6

	defaultBootstrapTimeout = 60 * 1000 // 60 sec.
	defaultRotationTimeout  = 30 * 1000 // 30 sec.

	defaultRotationInterval = 30 * 60 * 1000 // 30 min.
	defaultPerfThreshold    = 0.5
	defaultMaxAttempts      = 3
	defaultCooldown         = 60 * 1000 // 60 sec.

	defaultLeakInterval   = 5 * 1000 // 5 sec.
	defaultSampleInterval = 5 * 1000 // 5 sec.
	defaultDegradedGrace  = 5 * 1000 // 5 sec.
	defaultBaselineRTT    = 1 * 1000 // 1 sec.

	defaultEchoURL      = "https://check.torproject.org/api/ip"
	defaultDNSProbeURL  = "https://dnsleaktest.org/api/servers"
	defaultReferenceURL = "https://check.torproject.org/api/ip"

	defaultEncryptionLayers = 2
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// RotationMode is a rotation policy mode.
type RotationMode string

const (
	// RotateManual rotates only on explicit external request.
	RotateManual RotationMode = "manual"

	// RotateInterval rotates whenever the current identity exceeds a fixed age.
	RotateInterval RotationMode = "interval"

	// RotateScheduled rotates when a configured wall-clock time is crossed.
	RotateScheduled RotationMode = "scheduled"

	// RotatePerformance rotates when the measured circuit performance
	// degrades below a threshold.
	RotatePerformance RotationMode = "performance"
)

// Tor is the routing daemon configuration.
type Tor struct {
	// Binary is the path to the tor executable.  If empty, the executable
	// is located via the PATH environment variable.
	Binary string

	// DataDir is the absolute path under which the per-session tor data
	// directory will be created.  If empty, the system temporary directory
	// is used.
	DataDir string

	// SocksPort is the SOCKS5 listener port of the dedicated daemon.
	SocksPort int

	// ControlPort is the control protocol listener port of the dedicated
	// daemon.
	ControlPort int

	// ControlPassword optionally authenticates the control channel with a
	// password instead of cookie authentication.
	ControlPassword string

	// MaxCircuitDirtiness is the daemon's circuit reuse limit in seconds.
	MaxCircuitDirtiness int

	// CircuitBuildTimeout is the daemon's circuit construction deadline in
	// seconds.
	CircuitBuildTimeout int

	// UseEntryGuards enables persistent entry guards.
	UseEntryGuards bool

	// NumEntryGuards is the entry guard set size.
	NumEntryGuards int

	// EnforceDistinctSubnets prevents relays from the same /16 in one
	// circuit.
	EnforceDistinctSubnets bool

	// BootstrapTimeout is the maximum time in milliseconds to wait for the
	// daemon to report 100% bootstrap progress.
	BootstrapTimeout int

	// RotationTimeout is the maximum time in milliseconds to wait for a new
	// circuit to be built after a rotation request.
	RotationTimeout int
}

func (tCfg *Tor) applyDefaults() {
	if tCfg.SocksPort == 0 {
		tCfg.SocksPort = defaultSocksPort
	}
	if tCfg.ControlPort == 0 {
		tCfg.ControlPort = defaultControlPort
	}
	if tCfg.MaxCircuitDirtiness == 0 {
		tCfg.MaxCircuitDirtiness = defaultMaxCircuitDirtiness
	}
	if tCfg.CircuitBuildTimeout == 0 {
		tCfg.CircuitBuildTimeout = defaultCircuitBuildTimeout
	}
	if tCfg.NumEntryGuards == 0 {
		tCfg.NumEntryGuards = defaultNumEntryGuards
	}
	if tCfg.BootstrapTimeout == 0 {
		tCfg.BootstrapTimeout = defaultBootstrapTimeout
	}
	if tCfg.RotationTimeout == 0 {
		tCfg.RotationTimeout = defaultRotationTimeout
	}
}

func (tCfg *Tor) validate() error {
	if tCfg.SocksPort <= 0 || tCfg.SocksPort > 65535 {
		return fmt.Errorf("config: Tor: SocksPort '%v' is invalid", tCfg.SocksPort)
	}
	if tCfg.ControlPort <= 0 || tCfg.ControlPort > 65535 {
		return fmt.Errorf("config: Tor: ControlPort '%v' is invalid", tCfg.ControlPort)
	}
	if tCfg.SocksPort == tCfg.ControlPort {
		return errors.New("config: Tor: SocksPort and ControlPort must differ")
	}
	if tCfg.DataDir != "" && !filepath.IsAbs(tCfg.DataDir) {
		return fmt.Errorf("config: Tor: DataDir '%v' is not an absolute path", tCfg.DataDir)
	}
	return nil
}

// SocksAddr returns the SOCKS5 listener address of the dedicated daemon.
func (tCfg *Tor) SocksAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", tCfg.SocksPort)
}

// ControlAddr returns the control listener address of the dedicated daemon.
func (tCfg *Tor) ControlAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", tCfg.ControlPort)
}

// Rotation is the identity rotation policy configuration.
type Rotation struct {
	// Mode selects the rotation policy mode.
	Mode RotationMode

	// Interval is the identity max age in milliseconds for the interval
	// mode.
	Interval int

	// ScheduleTimes are the wall-clock rotation times ("HH:MM", 24 hour)
	// for the scheduled mode.
	ScheduleTimes []string

	// PerformanceThreshold is the rolling score (0.0-1.0) below which the
	// performance mode rotates.
	PerformanceThreshold float64

	// MaxAttempts is the maximum number of rotation attempts per trigger
	// before the engine gives up and keeps the current identity.
	MaxAttempts int

	// Cooldown is the minimum time in milliseconds between rotation
	// attempts.
	Cooldown int
}

func (rCfg *Rotation) applyDefaults() {
	if rCfg.Mode == "" {
		rCfg.Mode = RotateManual
	}
	if rCfg.Interval == 0 {
		rCfg.Interval = defaultRotationInterval
	}
	if rCfg.PerformanceThreshold == 0 {
		rCfg.PerformanceThreshold = defaultPerfThreshold
	}
	if rCfg.MaxAttempts == 0 {
		rCfg.MaxAttempts = defaultMaxAttempts
	}
	if rCfg.Cooldown == 0 {
		rCfg.Cooldown = defaultCooldown
	}
}

func (rCfg *Rotation) validate() error {
	switch rCfg.Mode {
	case RotateManual, RotateInterval, RotateScheduled, RotatePerformance:
	default:
		return fmt.Errorf("config: Rotation: Mode '%v' is invalid", rCfg.Mode)
	}
	if rCfg.Mode == RotateScheduled && len(rCfg.ScheduleTimes) == 0 {
		return errors.New("config: Rotation: scheduled mode requires ScheduleTimes")
	}
	seen := make(map[string]bool)
	for _, v := range rCfg.ScheduleTimes {
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("config: Rotation: ScheduleTime '%v' is invalid: %v", v, err)
		}
		if seen[v] {
			return fmt.Errorf("config: Rotation: ScheduleTime '%v' is duplicated", v)
		}
		seen[v] = true
	}
	if rCfg.PerformanceThreshold < 0 || rCfg.PerformanceThreshold > 1 {
		return fmt.Errorf("config: Rotation: PerformanceThreshold '%v' not in [0,1]", rCfg.PerformanceThreshold)
	}
	if rCfg.MaxAttempts < 1 {
		return errors.New("config: Rotation: MaxAttempts must be at least 1")
	}
	if rCfg.Cooldown < 0 {
		return errors.New("config: Rotation: Cooldown must not be negative")
	}
	return nil
}

// IntervalDuration returns Interval as a time.Duration.
func (rCfg *Rotation) IntervalDuration() time.Duration {
	return time.Duration(rCfg.Interval) * time.Millisecond
}

// CooldownDuration returns Cooldown as a time.Duration.
func (rCfg *Rotation) CooldownDuration() time.Duration {
	return time.Duration(rCfg.Cooldown) * time.Millisecond
}

// SortedScheduleTimes returns the schedule times in ascending order.
func (rCfg *Rotation) SortedScheduleTimes() []string {
	s := append([]string{}, rCfg.ScheduleTimes...)
	sort.Strings(s)
	return s
}

// Encryption is the layered encryption pipeline configuration.
type Encryption struct {
	// Layers is the number of stacked cipher layers.
	Layers int

	// PassphraseFile is the path to a file holding the master secret.  If
	// empty, a random session token is generated at startup.
	PassphraseFile string
}

func (eCfg *Encryption) applyDefaults() {
	if eCfg.Layers == 0 {
		eCfg.Layers = defaultEncryptionLayers
	}
}

func (eCfg *Encryption) validate() error {
	if eCfg.Layers < 1 || eCfg.Layers > 8 {
		return fmt.Errorf("config: Encryption: Layers '%v' not in [1,8]", eCfg.Layers)
	}
	if eCfg.PassphraseFile != "" {
		if !filepath.IsAbs(eCfg.PassphraseFile) {
			return fmt.Errorf("config: Encryption: PassphraseFile '%v' is not an absolute path", eCfg.PassphraseFile)
		}
		if !utils.Exists(eCfg.PassphraseFile) {
			return fmt.Errorf("config: Encryption: PassphraseFile '%v' does not exist", eCfg.PassphraseFile)
		}
	}
	return nil
}

// Monitor is the leak monitor and performance sampler configuration.
type Monitor struct {
	// LeakInterval is the leak sampling interval in milliseconds.
	LeakInterval int

	// SampleInterval is the performance sampling interval in milliseconds.
	SampleInterval int

	// DegradedGrace is the time in milliseconds a Degraded session is
	// tolerated before it counts as a leak condition.
	DegradedGrace int

	// EchoURL is the identity-echo service used for egress IP checks.
	EchoURL string

	// DNSProbeURL is the resolver-echo service used for DNS path checks.
	DNSProbeURL string

	// ReferenceURL is the endpoint used for performance measurements.
	ReferenceURL string

	// BaselineRTT is the round-trip latency in milliseconds that maps to a
	// perfect performance score.
	BaselineRTT int
}

func (mCfg *Monitor) applyDefaults() {
	if mCfg.LeakInterval == 0 {
		mCfg.LeakInterval = defaultLeakInterval
	}
	if mCfg.SampleInterval == 0 {
		mCfg.SampleInterval = defaultSampleInterval
	}
	if mCfg.DegradedGrace == 0 {
		mCfg.DegradedGrace = defaultDegradedGrace
	}
	if mCfg.EchoURL == "" {
		mCfg.EchoURL = defaultEchoURL
	}
	if mCfg.DNSProbeURL == "" {
		mCfg.DNSProbeURL = defaultDNSProbeURL
	}
	if mCfg.ReferenceURL == "" {
		mCfg.ReferenceURL = defaultReferenceURL
	}
	if mCfg.BaselineRTT == 0 {
		mCfg.BaselineRTT = defaultBaselineRTT
	}
}

func (mCfg *Monitor) validate() error {
	for _, v := range []string{mCfg.EchoURL, mCfg.DNSProbeURL, mCfg.ReferenceURL} {
		if u, err := url.Parse(v); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: Monitor: URL '%v' is invalid", v)
		}
	}
	if mCfg.LeakInterval < 100 {
		return fmt.Errorf("config: Monitor: LeakInterval '%v' is too small", mCfg.LeakInterval)
	}
	if mCfg.SampleInterval < 100 {
		return fmt.Errorf("config: Monitor: SampleInterval '%v' is too small", mCfg.SampleInterval)
	}
	return nil
}

// Management is the management socket configuration.
type Management struct {
	// Enable enables the management socket.
	Enable bool

	// Path is the management socket path.  If empty, a default under the
	// system temporary directory is used.
	Path string
}

func (mCfg *Management) validate() error {
	if mCfg.Path != "" && !filepath.IsAbs(mCfg.Path) {
		return fmt.Errorf("config: Management: Path '%v' is not an absolute path", mCfg.Path)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvls := map[string]bool{"ERROR": true, "WARNING": true, "NOTICE": true, "INFO": true, "DEBUG": true}
	if !lvls[lCfg.Level] {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Metrics is the instrumentation configuration.
type Metrics struct {
	// Address is the address/port to bind the prometheus metrics endpoint
	// to.  If empty, metrics are not exposed.
	Address string
}

// Config is the top level ghostpass configuration.
type Config struct {
	Tor        *Tor
	Rotation   *Rotation
	Encryption *Encryption
	Monitor    *Monitor
	Management *Management
	Logging    *Logging
	Metrics    *Metrics
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Tor == nil {
		cfg.Tor = new(Tor)
	}
	if cfg.Rotation == nil {
		cfg.Rotation = new(Rotation)
	}
	if cfg.Encryption == nil {
		cfg.Encryption = new(Encryption)
	}
	if cfg.Monitor == nil {
		cfg.Monitor = new(Monitor)
	}
	if cfg.Management == nil {
		cfg.Management = new(Management)
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Metrics == nil {
		cfg.Metrics = new(Metrics)
	}

	cfg.Tor.applyDefaults()
	cfg.Rotation.applyDefaults()
	cfg.Encryption.applyDefaults()
	cfg.Monitor.applyDefaults()

	for _, v := range []func() error{
		cfg.Tor.validate,
		cfg.Rotation.validate,
		cfg.Encryption.validate,
		cfg.Monitor.validate,
		cfg.Management.validate,
		cfg.Logging.validate,
	} {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
