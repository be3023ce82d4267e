// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tor

import (
	"context"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
)

// fakeControlServer is a minimal scripted control port listener.
type fakeControlServer struct {
	l net.Listener

	mu            sync.Mutex
	conns         []net.Conn
	rejectAuth    bool
	progress      []int
	buildOnNewnym bool
}

func newFakeControlServer(t *testing.T) *fakeControlServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeControlServer{l: l, progress: []int{100}, buildOnNewnym: true}
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *fakeControlServer) port() int {
	return s.l.Addr().(*net.TCPAddr).Port
}

func (s *fakeControlServer) serve() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeControlServer) setRejectAuth(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAuth = v
}

func (s *fakeControlServer) authRejected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectAuth
}

// dropConns severs every established control connection while leaving the
// listener up.
func (s *fakeControlServer) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *fakeControlServer) handle(conn net.Conn) {
	defer conn.Close()
	c := textproto.NewConn(conn)
	progressIdx := 0
	for {
		line, err := c.ReadLine()
		if err != nil {
			return
		}
		switch {
		case line == "PROTOCOLINFO 1":
			c.PrintfLine("250-PROTOCOLINFO 1")
			c.PrintfLine("250-AUTH METHODS=HASHEDPASSWORD")
			c.PrintfLine("250-VERSION Tor=\"0.4.8.10\"")
			c.PrintfLine("250 OK")
		case len(line) > 12 && line[:12] == "AUTHENTICATE":
			if s.authRejected() {
				c.PrintfLine("515 Authentication failed: Password did not match")
				return
			}
			c.PrintfLine("250 OK")
		case line == "SETEVENTS CIRC STATUS_CLIENT":
			c.PrintfLine("250 OK")
		case line == "GETINFO status/bootstrap-phase":
			pct := s.progress[progressIdx]
			if progressIdx < len(s.progress)-1 {
				progressIdx++
			}
			c.PrintfLine("250-status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=%d TAG=done SUMMARY=\"Done\"", pct)
			c.PrintfLine("250 OK")
		case line == "SIGNAL NEWNYM":
			c.PrintfLine("250 OK")
			if s.buildOnNewnym {
				c.PrintfLine("650 CIRC 42 BUILT relayA,relayB,relayC PURPOSE=GENERAL")
			}
		case strings.HasPrefix(line, "GETINFO ip-to-country/"):
			ip := strings.TrimPrefix(line, "GETINFO ip-to-country/")
			c.PrintfLine("250-ip-to-country/%s=de", ip)
			c.PrintfLine("250 OK")
		case line == "QUIT":
			c.PrintfLine("250 closing connection")
			return
		default:
			c.PrintfLine("510 Unrecognized command")
		}
	}
}

// testClient freezes the fake server's scripted behavior and returns a
// client pointed at it.
func testClient(t *testing.T, s *fakeControlServer) *Client {
	go s.serve()

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	cfg := &config.Tor{
		ControlPort:      s.port(),
		SocksPort:        s.port() + 1,
		ControlPassword:  "hunter2",
		BootstrapTimeout: 2000,
		RotationTimeout:  500,
	}
	return NewClient(cfg, nil, logBackend)
}

func TestClientConnectAndBootstrap(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newFakeControlServer(t)
	s.progress = []int{25, 80, 100}
	c := testClient(t, s)
	defer c.Shutdown()

	require.NoError(c.Connect(context.Background()), "Connect()")
	require.True(c.IsConnected())
	require.NoError(c.AwaitBootstrap(context.Background()), "AwaitBootstrap()")
}

func TestClientAuthenticationRejected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newFakeControlServer(t)
	s.setRejectAuth(true)
	c := testClient(t, s)

	err := c.Connect(context.Background())
	require.Error(err)
	var authErr *AuthenticationError
	require.ErrorAs(err, &authErr)
	require.False(c.IsConnected())
}

func TestClientRequestNewIdentity(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newFakeControlServer(t)
	c := testClient(t, s)
	defer c.Shutdown()

	require.NoError(c.Connect(context.Background()))
	id, err := c.RequestNewIdentity(context.Background())
	require.NoError(err, "RequestNewIdentity()")
	require.Equal("42", id.CircuitID)
	require.Equal([]string{"relayA", "relayB", "relayC"}, id.Path)
	require.WithinDuration(time.Now(), id.CreatedAt, 5*time.Second)
}

func TestClientRotationTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newFakeControlServer(t)
	s.buildOnNewnym = false
	c := testClient(t, s)
	defer c.Shutdown()

	require.NoError(c.Connect(context.Background()))
	_, err := c.RequestNewIdentity(context.Background())
	var timeoutErr *RotationTimeoutError
	require.ErrorAs(err, &timeoutErr)
}

func TestClientCountryForIP(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newFakeControlServer(t)
	c := testClient(t, s)
	defer c.Shutdown()

	require.NoError(c.Connect(context.Background()))
	cc, err := c.CountryForIP("185.220.101.1")
	require.NoError(err)
	require.Equal("de", cc)
}

func requireStatus(t *testing.T, c *Client, want ConnStatus) {
	t.Helper()
	select {
	case got := <-c.StatusCh():
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		require.FailNowf(t, "timed out waiting for status", "want %v", want)
	}
}

func TestClientReconnects(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newFakeControlServer(t)
	c := testClient(t, s)
	defer c.Shutdown()
	c.retryBase = 5 * time.Millisecond
	c.retryMax = 20 * time.Millisecond

	require.NoError(c.Connect(context.Background()))

	// A dropped control connection under a live daemon degrades the
	// session; backoff brings it back.
	s.dropConns()
	requireStatus(t, c, StatusDegraded)
	requireStatus(t, c, StatusConnected)
	require.True(c.IsConnected())

	// An authentication rejection will not fix itself by waiting, so
	// reconnection is abandoned.
	s.setRejectAuth(true)
	s.dropConns()
	requireStatus(t, c, StatusDegraded)
	requireStatus(t, c, StatusDisconnected)
	require.False(c.IsConnected())
}

func TestClientBootstrapTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newFakeControlServer(t)
	s.progress = []int{10}
	c := testClient(t, s)
	defer c.Shutdown()

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	cfg := &config.Tor{
		ControlPort:      s.port(),
		ControlPassword:  "hunter2",
		BootstrapTimeout: 700,
		RotationTimeout:  500,
	}
	c = NewClient(cfg, nil, logBackend)
	defer c.Shutdown()

	require.NoError(c.Connect(context.Background()))
	err = c.AwaitBootstrap(context.Background())
	var bsErr *BootstrapTimeoutError
	require.ErrorAs(err, &bsErr)
	require.Equal(10, bsErr.Progress)
}

func TestClientEventSink(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newFakeControlServer(t)
	c := testClient(t, s)
	defer c.Shutdown()

	evCh := make(chan *Event, 8)
	c.Subscribe(func(ev *Event) {
		select {
		case evCh <- ev:
		default:
		}
	})

	require.NoError(c.Connect(context.Background()))
	_, err := c.RequestNewIdentity(context.Background())
	require.NoError(err)

	select {
	case ev := <-evCh:
		require.Equal("CIRC", ev.Keyword)
	case <-time.After(2 * time.Second):
		require.FailNow("no event delivered to sink")
	}
}

func TestParseCircuitEvent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ev := parseEvent("CIRC 7 BUILT a,b,c PURPOSE=GENERAL")
	require.NotNil(ev)
	ce := parseCircuitEvent(ev)
	require.NotNil(ce)
	require.Equal("7", ce.ID)
	require.Equal("BUILT", ce.Status)
	require.Equal([]string{"a", "b", "c"}, ce.Path)

	// LAUNCHED events have no path yet.
	ce = parseCircuitEvent(parseEvent("CIRC 8 LAUNCHED PURPOSE=GENERAL"))
	require.NotNil(ce)
	require.Equal("LAUNCHED", ce.Status)
	require.Nil(ce.Path)

	require.Nil(parseCircuitEvent(parseEvent("STREAM 9 NEW 0 example.com:443")))
}

func TestSupervisorTorrcRendering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	cfg := &config.Tor{
		SocksPort:           9250,
		ControlPort:         9251,
		MaxCircuitDirtiness: 600,
		CircuitBuildTimeout: 30,
		UseEntryGuards:      true,
		NumEntryGuards:      6,
	}
	s := NewSupervisor(cfg, logBackend)
	s.dataDir = "/tmp/ghostpass-test"

	torrc := s.torrc()
	require.Contains(torrc, "SocksPort "+strconv.Itoa(cfg.SocksPort)+"\n")
	require.Contains(torrc, "ControlPort "+strconv.Itoa(cfg.ControlPort)+"\n")
	require.Contains(torrc, "DataDirectory /tmp/ghostpass-test\n")
	require.Contains(torrc, "CookieAuthentication 1\n")
	require.Contains(torrc, "SafeLogging 1\n")
	require.Contains(torrc, "UseEntryGuards 1\n")
}

func TestSupervisorCreatesDataDirBase(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	base := filepath.Join(t.TempDir(), "base")
	cfg := &config.Tor{
		Binary:      "/nonexistent/ghostpass-tor",
		DataDir:     base,
		SocksPort:   9250,
		ControlPort: 9251,
	}
	s := NewSupervisor(cfg, logBackend)

	// The start still fails on the missing binary, but the configured
	// base has been created private by then.
	err = s.Start()
	var startErr *StartError
	require.ErrorAs(err, &startErr)

	fi, err := os.Stat(base)
	require.NoError(err)
	require.Equal(os.ModeDir|os.FileMode(0700), fi.Mode())
}

func TestSupervisorRejectsLooseDataDirBase(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	base := filepath.Join(t.TempDir(), "loose")
	require.NoError(os.Mkdir(base, 0700))
	require.NoError(os.Chmod(base, 0755))
	cfg := &config.Tor{
		Binary:      "/nonexistent/ghostpass-tor",
		DataDir:     base,
		SocksPort:   9250,
		ControlPort: 9251,
	}
	s := NewSupervisor(cfg, logBackend)

	err = s.Start()
	var startErr *StartError
	require.ErrorAs(err, &startErr)
	require.Contains(err.Error(), "invalid permissions")
}
