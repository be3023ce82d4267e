// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package monitor implements the leak monitor and the performance sampler.
// Both probe through the daemon's SOCKS listener; the leak monitor
// additionally probes the direct path to establish what an observer outside
// the tunnel would see.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"gopkg.in/op/go-logging.v1"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
	"github.com/ghostpass/ghostpass/core/worker"
)

const (
	probeTimeout = 15 * time.Second

	// maxProbeBody bounds echo service responses.
	maxProbeBody = 1 << 16
)

// KillSwitch blocks or restores non-tunneled egress.  Implementations are
// platform specific; the monitor only drives the policy.
type KillSwitch interface {
	// Engage blocks direct egress.
	Engage() error

	// Release restores direct egress.
	Release() error

	// IsEngaged returns true while direct egress is blocked.
	IsEngaged() bool
}

// LogKillSwitch is a KillSwitch that only records transitions.  It is the
// default when no platform firewall hook is configured.
type LogKillSwitch struct {
	log     *logging.Logger
	engaged uint32
}

// NewLogKillSwitch constructs a logging-only KillSwitch.
func NewLogKillSwitch(logBackend *log.Backend) *LogKillSwitch {
	return &LogKillSwitch{log: logBackend.GetLogger("monitor/killswitch")}
}

// Engage implements the KillSwitch interface.
func (k *LogKillSwitch) Engage() error {
	if atomic.SwapUint32(&k.engaged, 1) == 0 {
		k.log.Errorf("Kill switch ENGAGED: direct egress is compromised.")
	}
	return nil
}

// Release implements the KillSwitch interface.
func (k *LogKillSwitch) Release() error {
	if atomic.SwapUint32(&k.engaged, 0) == 1 {
		k.log.Noticef("Kill switch released.")
	}
	return nil
}

// IsEngaged implements the KillSwitch interface.
func (k *LogKillSwitch) IsEngaged() bool {
	return atomic.LoadUint32(&k.engaged) == 1
}

// LeakResult is the outcome of one leak check cycle.
type LeakResult struct {
	// CheckedAt is when the cycle completed.
	CheckedAt time.Time

	// TunnelIP is the egress address observed through the tunnel.
	TunnelIP string

	// DirectIP is the egress address observed on the direct path.
	DirectIP string

	// IPLeak is true if the tunneled and direct egress addresses match.
	IPLeak bool

	// DNSLeak is true if name resolution was observed escaping the tunnel.
	DNSLeak bool

	// Stale is true if the session transport stayed degraded beyond the
	// grace period; the probes may look clean but cannot be trusted.
	Stale bool

	// Live is true if the tunnel answered the probe at all.
	Live bool

	// Err holds a probe transport error, if any.  A dead direct path is
	// not an error: it is the kill switch working.
	Err error
}

// Leaking returns true if the cycle detected any leak condition.
func (r *LeakResult) Leaking() bool {
	return r.IPLeak || r.DNSLeak || r.Stale
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Monitor is the leak monitor.  It periodically compares the tunneled and
// direct network paths and drives the kill switch.
type Monitor struct {
	worker.Worker

	log *logging.Logger
	cfg *config.Monitor

	tunnelClient httpDoer
	directClient httpDoer
	killSwitch   KillSwitch

	resultCh chan *LeakResult

	mu            sync.Mutex
	lastResult    *LeakResult
	degradedSince time.Time
}

// New constructs a leak Monitor probing through the given SOCKS listener.
func New(cfg *config.Monitor, socksAddr string, ks KillSwitch, logBackend *log.Backend) (*Monitor, error) {
	tunnelClient, err := newTunnelClient(socksAddr)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		log:          logBackend.GetLogger("monitor/leak"),
		cfg:          cfg,
		tunnelClient: tunnelClient,
		directClient: &http.Client{Timeout: probeTimeout},
		killSwitch:   ks,
		resultCh:     make(chan *LeakResult, 4),
	}, nil
}

// newTunnelClient builds an HTTP client whose every connection is dialed
// through the daemon's SOCKS listener.  Keep-alives are disabled so probes
// cannot ride a circuit that rotation already discarded.
func newTunnelClient(socksAddr string) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("monitor: failed to create SOCKS dialer: %w", err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("monitor: SOCKS dialer is not context aware")
	}
	return &http.Client{
		Timeout: probeTimeout,
		Transport: &http.Transport{
			DialContext:       ctxDialer.DialContext,
			DisableKeepAlives: true,
		},
	}, nil
}

// Start launches the periodic leak check loop.
func (m *Monitor) Start() {
	m.Go(m.leakWorker)
}

// ResultCh returns the channel on which leak check outcomes are delivered.
func (m *Monitor) ResultCh() <-chan *LeakResult {
	return m.resultCh
}

// LastResult returns the most recent leak check outcome, or nil if no cycle
// has completed yet.
func (m *Monitor) LastResult() *LeakResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// SetDegraded marks the session transport as degraded or healthy.  A
// session degraded for longer than the configured grace period is treated
// as a leak condition.
func (m *Monitor) SetDegraded(degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if degraded {
		if m.degradedSince.IsZero() {
			m.degradedSince = time.Now()
		}
	} else {
		m.degradedSince = time.Time{}
	}
}

func (m *Monitor) leakWorker() {
	interval := time.Duration(m.cfg.LeakInterval) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-m.HaltCh():
			return
		case <-timer.C:
		}

		res := m.Check(context.Background())
		m.apply(res)
		select {
		case m.resultCh <- res:
		default:
			m.log.Debugf("Leak result queue full, dropping.")
		}

		timer.Reset(interval)
	}
}

// Check runs one full leak check cycle.
func (m *Monitor) Check(ctx context.Context) *LeakResult {
	res := &LeakResult{}

	tunnelIP, tunnelErr := m.fetchEgressIP(ctx, m.tunnelClient)
	res.TunnelIP = tunnelIP
	res.Live = tunnelErr == nil
	if tunnelErr != nil {
		res.Err = tunnelErr
	}

	directIP, directErr := m.fetchEgressIP(ctx, m.directClient)
	res.DirectIP = directIP

	// Identical egress on both paths means the tunnel is not isolating us.
	if directErr == nil && tunnelIP != "" && tunnelIP == directIP {
		res.IPLeak = true
	}

	if dnsLeak, err := m.checkDNSPath(ctx, directIP); err == nil {
		res.DNSLeak = dnsLeak
	} else {
		m.log.Warningf("Resolver probe failed: %v", err)
		if res.Err == nil {
			res.Err = err
		}
	}

	// A grace-exceeded degraded transport counts as a leak condition even
	// when the probes cannot prove one.
	m.mu.Lock()
	grace := time.Duration(m.cfg.DegradedGrace) * time.Millisecond
	if !m.degradedSince.IsZero() && time.Since(m.degradedSince) > grace {
		res.Live = false
		res.Stale = true
	}
	m.mu.Unlock()

	res.CheckedAt = time.Now()
	return res
}

// apply drives the kill switch from a cycle outcome.  The switch engages on
// any leak and releases only after a fully clean cycle.
func (m *Monitor) apply(res *LeakResult) {
	m.mu.Lock()
	m.lastResult = res
	m.mu.Unlock()

	if res.Leaking() {
		m.log.Errorf("Leak detected: ip=%v dns=%v stale=%v live=%v", res.IPLeak, res.DNSLeak, res.Stale, res.Live)
		if err := m.killSwitch.Engage(); err != nil {
			m.log.Errorf("Failed to engage kill switch: %v", err)
		}
		return
	}
	if m.killSwitch.IsEngaged() && res.Live {
		if err := m.killSwitch.Release(); err != nil {
			m.log.Errorf("Failed to release kill switch: %v", err)
		}
	}
}

// fetchEgressIP queries the identity echo service and returns the egress
// address it observed.
func (m *Monitor) fetchEgressIP(ctx context.Context, client httpDoer) (string, error) {
	body, err := m.fetch(ctx, client, m.cfg.EchoURL)
	if err != nil {
		return "", err
	}
	var echo struct {
		IP string `json:"IP"`
	}
	if err = json.Unmarshal(body, &echo); err != nil {
		return "", fmt.Errorf("monitor: malformed echo response: %w", err)
	}
	if net.ParseIP(echo.IP) == nil {
		return "", fmt.Errorf("monitor: echo returned invalid address: '%v'", echo.IP)
	}
	return echo.IP, nil
}

// checkDNSPath queries the resolver echo service through the tunnel and
// reports whether any observed resolver matches our direct egress, which
// would mean name resolution is escaping the tunnel.
func (m *Monitor) checkDNSPath(ctx context.Context, directIP string) (bool, error) {
	if directIP == "" {
		return false, nil
	}
	body, err := m.fetch(ctx, m.tunnelClient, m.cfg.DNSProbeURL)
	if err != nil {
		return false, err
	}
	var servers []struct {
		IP string `json:"ip"`
	}
	if err = json.Unmarshal(body, &servers); err != nil {
		return false, fmt.Errorf("monitor: malformed resolver response: %w", err)
	}
	for _, s := range servers {
		if s.IP == directIP {
			return true, nil
		}
	}
	return false, nil
}

func (m *Monitor) fetch(ctx context.Context, client httpDoer, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("monitor: probe returned %v", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
}
