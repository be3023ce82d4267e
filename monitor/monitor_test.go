// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
)

const (
	testEchoURL = "https://echo.example/api/ip"
	testDNSURL  = "https://dns.example/api/servers"
	testRefURL  = "https://ref.example/"
)

// fakeDoer serves canned echo and resolver responses.
type fakeDoer struct {
	ip      string
	dnsIPs  []string
	fail    bool
	dnsFail bool
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	var body string
	switch req.URL.String() {
	case testEchoURL:
		body = fmt.Sprintf(`{"IsTor":true,"IP":"%s"}`, f.ip)
	case testDNSURL:
		if f.dnsFail {
			return nil, errors.New("connection reset")
		}
		parts := make([]string, 0, len(f.dnsIPs))
		for _, ip := range f.dnsIPs {
			parts = append(parts, fmt.Sprintf(`{"ip":"%s"}`, ip))
		}
		body = "[" + strings.Join(parts, ",") + "]"
	default:
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Status:     "404 Not Found",
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func testMonitorCfg() *config.Monitor {
	return &config.Monitor{
		LeakInterval:   1000,
		SampleInterval: 1000,
		DegradedGrace:  5000,
		EchoURL:        testEchoURL,
		DNSProbeURL:    testDNSURL,
		ReferenceURL:   testRefURL,
		BaselineRTT:    1000,
	}
}

func testMonitor(t *testing.T, tunnel, direct httpDoer) (*Monitor, KillSwitch) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	ks := NewLogKillSwitch(logBackend)
	return &Monitor{
		log:          logBackend.GetLogger("monitor/leak"),
		cfg:          testMonitorCfg(),
		tunnelClient: tunnel,
		directClient: direct,
		killSwitch:   ks,
		resultCh:     make(chan *LeakResult, 4),
	}, ks
}

func TestCleanCycle(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tunnel := &fakeDoer{ip: "10.0.0.1", dnsIPs: []string{"9.9.9.9"}}
	direct := &fakeDoer{ip: "203.0.113.5"}
	m, _ := testMonitor(t, tunnel, direct)

	res := m.Check(context.Background())
	require.True(res.Live)
	require.False(res.Leaking())
	require.Equal("10.0.0.1", res.TunnelIP)
	require.Equal("203.0.113.5", res.DirectIP)
}

func TestIPLeakEngagesKillSwitch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Identical egress on both paths: the tunnel is not isolating us.
	tunnel := &fakeDoer{ip: "203.0.113.5", dnsIPs: []string{"9.9.9.9"}}
	direct := &fakeDoer{ip: "203.0.113.5"}
	m, ks := testMonitor(t, tunnel, direct)

	res := m.Check(context.Background())
	require.True(res.IPLeak)
	require.True(res.Leaking())

	m.apply(res)
	require.True(ks.IsEngaged())
}

func TestDNSLeakDetected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// A resolver matching our direct egress means DNS is escaping the
	// tunnel.
	tunnel := &fakeDoer{ip: "10.0.0.1", dnsIPs: []string{"203.0.113.5"}}
	direct := &fakeDoer{ip: "203.0.113.5"}
	m, _ := testMonitor(t, tunnel, direct)

	res := m.Check(context.Background())
	require.False(res.IPLeak)
	require.True(res.DNSLeak)
	require.True(res.Leaking())
}

func TestTunnelDownIsNotLive(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tunnel := &fakeDoer{fail: true}
	direct := &fakeDoer{ip: "203.0.113.5"}
	m, _ := testMonitor(t, tunnel, direct)

	res := m.Check(context.Background())
	require.False(res.Live)
	require.Error(res.Err)
	require.False(res.IPLeak, "a dead tunnel is not an IP leak")
}

func TestKillSwitchReleasesAfterCleanCycle(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tunnel := &fakeDoer{ip: "203.0.113.5", dnsIPs: []string{"9.9.9.9"}}
	direct := &fakeDoer{ip: "203.0.113.5"}
	m, ks := testMonitor(t, tunnel, direct)

	m.apply(m.Check(context.Background()))
	require.True(ks.IsEngaged())

	// The leak clears; the switch releases only after a fully clean,
	// live cycle.
	tunnel.ip = "10.0.0.1"
	m.apply(m.Check(context.Background()))
	require.False(ks.IsEngaged())
}

func TestDegradedGraceCountsAsLeak(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tunnel := &fakeDoer{ip: "10.0.0.1", dnsIPs: []string{"9.9.9.9"}}
	direct := &fakeDoer{ip: "203.0.113.5"}
	m, _ := testMonitor(t, tunnel, direct)
	m.cfg.DegradedGrace = 1

	m.SetDegraded(true)
	time.Sleep(10 * time.Millisecond)

	res := m.Check(context.Background())
	require.True(res.Leaking(), "grace-exceeded degradation is a leak condition")
	require.True(res.Stale)
	require.False(res.IPLeak, "a stale transport is not an address leak")
	require.False(res.Live)

	// Recovery clears the condition.
	m.SetDegraded(false)
	res = m.Check(context.Background())
	require.False(res.Leaking())
	require.False(res.Stale)
	require.True(res.Live)
}

func TestDNSProbeFailureSurfaced(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tunnel := &fakeDoer{ip: "10.0.0.1", dnsFail: true}
	direct := &fakeDoer{ip: "203.0.113.5"}
	m, _ := testMonitor(t, tunnel, direct)

	res := m.Check(context.Background())
	require.True(res.Live)
	require.False(res.DNSLeak, "an unanswered probe proves nothing")
	require.Error(res.Err, "the probe failure is reported, not swallowed")
}

func TestSamplerScoreMapping(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	s := &Sampler{
		log: logBackend.GetLogger("monitor/sampler"),
		cfg: testMonitorCfg(),
	}

	require.Equal(1.0, s.scoreRTT(200*time.Millisecond), "under baseline is perfect")
	require.Equal(1.0, s.scoreRTT(1000*time.Millisecond), "at baseline is perfect")
	require.InDelta(0.5, s.scoreRTT(2000*time.Millisecond), 0.001)
	require.InDelta(0.25, s.scoreRTT(4000*time.Millisecond), 0.001)
}

func TestSamplerRollingWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	s := &Sampler{
		log: logBackend.GetLogger("monitor/sampler"),
		cfg: testMonitorCfg(),
	}

	require.InDelta(1.0, s.record(1.0), 0.001)
	require.InDelta(0.75, s.record(0.5), 0.001)
	require.InDelta(0.75, s.Score(), 0.001, "Score() reflects the window")

	// The window is bounded; old samples age out.
	for i := 0; i < sampleWindow; i++ {
		s.record(0.0)
	}
	require.InDelta(0.0, s.Score(), 0.001)
}

func TestSamplerFailedProbeScoresZero(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	s := &Sampler{
		log:    logBackend.GetLogger("monitor/sampler"),
		cfg:    testMonitorCfg(),
		client: &fakeDoer{fail: true},
	}

	require.Equal(0.0, s.Sample(context.Background()))
}
