// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package session ties the supervisor, control channel, rotation engine,
// leak monitor and encryption pipeline together into one anonymized
// session.  All session state is owned by a single event loop; other
// goroutines interact through request channels and an atomically published
// snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
	"github.com/ghostpass/ghostpass/core/retry"
	"github.com/ghostpass/ghostpass/core/utils"
	"github.com/ghostpass/ghostpass/core/worker"
	"github.com/ghostpass/ghostpass/instrument"
	"github.com/ghostpass/ghostpass/monitor"
	"github.com/ghostpass/ghostpass/pipeline"
	"github.com/ghostpass/ghostpass/rotation"
	"github.com/ghostpass/ghostpass/tor"
)

const (
	// maxHistory bounds the retained identity history.
	maxHistory = 16

	// authFailureWarnEvery is how often sustained pipeline rejections get
	// escalated to a warning.
	authFailureWarnEvery = 16

	requestTimeout = 90 * time.Second
)

var (
	// ErrNotConnected is the error returned when an operation requires an
	// established session.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAlreadyConnected is the error returned when Connect is called on
	// an established session.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrHalted is the error returned when the session has been shut down.
	ErrHalted = errors.New("session: halted")
)

// State is the session lifecycle state.
type State int

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected State = iota

	// StateAuthenticating covers daemon spawn and control authentication.
	StateAuthenticating

	// StateBootstrapping covers the network bootstrap.
	StateBootstrapping

	// StateConnected is the steady state.
	StateConnected

	// StateRotating is Connected with a rotation in flight.
	StateRotating

	// StateDegraded is Connected with a dropped control channel under
	// reconnection.
	StateDegraded
)

// String returns the state as a human readable string.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateAuthenticating:
		return "Authenticating"
	case StateBootstrapping:
		return "Bootstrapping"
	case StateConnected:
		return "Connected"
	case StateRotating:
		return "Rotating"
	case StateDegraded:
		return "Degraded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is a consistent read-only view of the session, published
// atomically by the event loop.
type Snapshot struct {
	// State is the session lifecycle state.
	State State

	// Identity is the current network identity, nil before the first
	// circuit is attributed.
	Identity *tor.CircuitIdentity

	// IdentityAge is the current identity's age at snapshot time.
	IdentityAge time.Duration

	// Score is the most recent smoothed performance score.
	Score float64

	// KillSwitchEngaged is true while direct egress is blocked.
	KillSwitchEngaged bool

	// LastLeak is the most recent leak check outcome.
	LastLeak *monitor.LeakResult

	// History holds previously used identities, most recent first.
	History []*tor.CircuitIdentity

	// Rotations is the number of successful rotations this session.
	Rotations uint64

	// RotationFailures is the number of rotation triggers that exhausted
	// their attempts.
	RotationFailures uint64

	// EncryptionAuthFailures is the number of payloads the pipeline
	// rejected.
	EncryptionAuthFailures uint64
}

type connectReq struct{ doneCh chan error }
type disconnectReq struct{ doneCh chan struct{} }
type rotateReq struct{ doneCh chan error }

// Session is the top level aggregate.
type Session struct {
	worker.Worker

	log        *logging.Logger
	logBackend *log.Backend
	cfg        *config.Config

	pipeline   *pipeline.Pipeline
	killSwitch monitor.KillSwitch

	// The fields below are owned by the event loop.
	sup     *tor.Supervisor
	client  *tor.Client
	engine  *rotation.Engine
	leakMon *monitor.Monitor
	sampler *monitor.Sampler

	state            State
	identity         *tor.CircuitIdentity
	history          []*tor.CircuitIdentity
	lastLeak         *monitor.LeakResult
	rotations        uint64
	rotationFailures uint64
	restarted        bool

	authFailures uint64
	haltOnce     sync.Once

	snapshot atomic.Value

	connectCh    chan *connectReq
	disconnectCh chan *disconnectReq
	rotateCh     chan *rotateReq
}

// New constructs a Session from the validated configuration.  The
// encryption context is derived immediately so the master secret can be
// discarded before any network activity.
func New(cfg *config.Config, logBackend *log.Backend) (*Session, error) {
	secret, err := loadSecret(cfg.Encryption)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(secret, cfg.Encryption.Layers)
	utils.ExplicitBzero(secret)
	if err != nil {
		return nil, err
	}

	s := &Session{
		log:          logBackend.GetLogger("session"),
		logBackend:   logBackend,
		cfg:          cfg,
		pipeline:     p,
		killSwitch:   monitor.NewLogKillSwitch(logBackend),
		connectCh:    make(chan *connectReq),
		disconnectCh: make(chan *disconnectReq),
		rotateCh:     make(chan *rotateReq),
	}
	s.publish()
	s.Go(s.eventWorker)
	return s, nil
}

// loadSecret obtains the master secret, either from the configured
// passphrase file or freshly generated for this session.
func loadSecret(cfg *config.Encryption) ([]byte, error) {
	if cfg.PassphraseFile == "" {
		return pipeline.NewSecret()
	}
	b, err := os.ReadFile(cfg.PassphraseFile)
	if err != nil {
		return nil, fmt.Errorf("session: failed to read passphrase: %w", err)
	}
	if len(b) == 0 {
		return nil, errors.New("session: passphrase file is empty")
	}
	return b, nil
}

// SetKillSwitch replaces the default logging kill switch with a platform
// implementation.  Must be called before Connect.
func (s *Session) SetKillSwitch(ks monitor.KillSwitch) {
	s.killSwitch = ks
}

// Snapshot returns the most recently published session view.
func (s *Session) Snapshot() *Snapshot {
	return s.snapshot.Load().(*Snapshot)
}

// Connect establishes the session: daemon spawn, control authentication,
// bootstrap, and monitor start.
func (s *Session) Connect() error {
	req := &connectReq{doneCh: make(chan error, 1)}
	select {
	case s.connectCh <- req:
	case <-s.HaltCh():
		return ErrHalted
	}
	select {
	case err := <-req.doneCh:
		return err
	case <-time.After(requestTimeout):
		return errors.New("session: connect timed out")
	case <-s.HaltCh():
		return ErrHalted
	}
}

// Disconnect tears the session down to Disconnected.
func (s *Session) Disconnect() {
	req := &disconnectReq{doneCh: make(chan struct{})}
	select {
	case s.disconnectCh <- req:
	case <-s.HaltCh():
		return
	}
	select {
	case <-req.doneCh:
	case <-s.HaltCh():
	}
}

// RotateNow requests an immediate identity rotation.
func (s *Session) RotateNow() error {
	req := &rotateReq{doneCh: make(chan error, 1)}
	select {
	case s.rotateCh <- req:
	case <-s.HaltCh():
		return ErrHalted
	}
	select {
	case err := <-req.doneCh:
		return err
	case <-s.HaltCh():
		return ErrHalted
	}
}

// Wrap passes a payload through the layered encryption pipeline.
func (s *Session) Wrap(plaintext []byte) ([]byte, error) {
	return s.pipeline.Wrap(plaintext)
}

// Unwrap reverses the layered encryption pipeline.  Authentication
// failures are counted; the payload is dropped.
func (s *Session) Unwrap(ciphertext []byte) ([]byte, error) {
	pt, err := s.pipeline.Unwrap(ciphertext)
	if errors.Is(err, pipeline.ErrAuthenticationFailed) {
		instrument.EncryptionAuthFailure()
		if n := atomic.AddUint64(&s.authFailures, 1); n%authFailureWarnEvery == 0 {
			s.log.Warningf("Sustained payload authentication failures: %d (tampering or key desync?)", n)
		}
	}
	return pt, err
}

// Shutdown tears down the session and destroys the encryption context.
// Calling it more than once is harmless.
func (s *Session) Shutdown() {
	s.haltOnce.Do(func() {
		s.Halt()
		s.pipeline.Destroy()
	})
}

func (s *Session) eventWorker() {
	defer s.teardown()

	for {
		// The monitor channels are nil while disconnected; a nil channel
		// never fires.
		var startedCh <-chan rotation.Trigger
		var resultCh <-chan *rotation.Result
		var leakCh <-chan *monitor.LeakResult
		var statusCh <-chan tor.ConnStatus
		var crashCh <-chan error
		if s.engine != nil {
			startedCh = s.engine.StartedCh()
			resultCh = s.engine.ResultCh()
		}
		if s.leakMon != nil {
			leakCh = s.leakMon.ResultCh()
		}
		if s.client != nil {
			statusCh = s.client.StatusCh()
		}
		if s.sup != nil {
			crashCh = s.sup.CrashCh()
		}

		select {
		case <-s.HaltCh():
			return
		case req := <-s.connectCh:
			if s.state != StateDisconnected {
				req.doneCh <- ErrAlreadyConnected
				break
			}
			s.restarted = false
			req.doneCh <- s.doConnect()
		case req := <-s.disconnectCh:
			s.doDisconnect()
			close(req.doneCh)
		case req := <-s.rotateCh:
			if s.state != StateConnected && s.state != StateDegraded {
				req.doneCh <- ErrNotConnected
				break
			}
			req.doneCh <- s.engine.RotateNow()
		case trig := <-startedCh:
			s.onRotationStarted(trig)
		case res := <-resultCh:
			s.onRotationResult(res)
		case res := <-leakCh:
			s.onLeakResult(res)
		case status := <-statusCh:
			s.onConnStatus(status)
		case err := <-crashCh:
			s.onCrash(err)
		}

		s.publish()
	}
}

// haltCtx returns a context that is canceled when the session halts, so
// connect-time waits never outlive a shutdown request.
func (s *Session) haltCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// doConnect runs the connect sequence: spawn, authenticate, bootstrap,
// monitor start.  On any failure everything already started is torn down.
func (s *Session) doConnect() error {
	s.setState(StateAuthenticating)

	s.sup = tor.NewSupervisor(s.cfg.Tor, s.logBackend)
	if err := s.sup.Start(); err != nil {
		s.doDisconnect()
		return err
	}

	s.client = tor.NewClient(s.cfg.Tor, s.sup, s.logBackend)
	ctx, cancel := s.haltCtx()
	defer cancel()
	if err := s.connectControl(ctx); err != nil {
		s.doDisconnect()
		return err
	}

	s.setState(StateBootstrapping)
	if err := s.client.AwaitBootstrap(ctx); err != nil {
		s.doDisconnect()
		return err
	}
	instrument.SetBootstrapProgress(100)

	// Build the first identity so rotation age and history have a
	// starting epoch.  A timeout here is tolerable; the daemon builds
	// circuits on demand anyway.
	if id, err := s.client.RequestNewIdentity(ctx); err == nil {
		s.identity = id
	} else {
		s.log.Warningf("No initial circuit attributed: %v", err)
		now := time.Now()
		s.identity = &tor.CircuitIdentity{CreatedAt: now, DirtySince: now}
	}

	s.engine = rotation.NewEngine(s.cfg.Rotation, s.client, s.logBackend)
	s.engine.NoteIdentity(s.identity)
	s.engine.Start()

	var err error
	s.leakMon, err = monitor.New(s.cfg.Monitor, s.cfg.Tor.SocksAddr(), s.killSwitch, s.logBackend)
	if err != nil {
		s.doDisconnect()
		return err
	}
	s.leakMon.Start()

	s.sampler, err = monitor.NewSampler(s.cfg.Monitor, s.cfg.Tor.SocksAddr(), s.onScore, s.logBackend)
	if err != nil {
		s.doDisconnect()
		return err
	}
	s.sampler.Start()

	s.setState(StateConnected)
	s.log.Noticef("Session established.")
	return nil
}

// connectControl authenticates the control channel, waiting briefly for the
// freshly spawned daemon to open its listener.
func (s *Session) connectControl(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		if err = s.client.Connect(ctx); err == nil {
			return nil
		}
		var authErr *tor.AuthenticationError
		if errors.As(err, &authErr) {
			return err
		}
		// The daemon's listener not being up yet is transient; anything
		// else will not fix itself by waiting.
		if !retry.IsTransientError(err) {
			return err
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-s.HaltCh():
			return ErrHalted
		}
	}
	return err
}

// doDisconnect tears down everything connect started, in reverse order.
func (s *Session) doDisconnect() {
	if s.sampler != nil {
		s.sampler.Halt()
		s.sampler = nil
	}
	if s.leakMon != nil {
		s.leakMon.Halt()
		s.leakMon = nil
	}
	if s.engine != nil {
		s.engine.Halt()
		s.engine = nil
	}
	if s.client != nil {
		s.client.Shutdown()
		s.client = nil
	}
	if s.sup != nil {
		s.sup.Stop()
		s.sup = nil
	}
	s.identity = nil
	s.setState(StateDisconnected)
}

func (s *Session) teardown() {
	if s.state != StateDisconnected {
		s.doDisconnect()
		s.publish()
	}
}

// onScore is invoked on the sampler's loop; it forwards the smoothed score
// to the rotation policy and the metrics.
func (s *Session) onScore(score float64) {
	instrument.SetScore(score)
	// The engine pointer is stable for the sampler's lifetime: both are
	// torn down together by the event loop.
	if e := s.engine; e != nil {
		e.ReportScore(score)
	}
}

// onRotationStarted marks the session as Rotating for the duration of a
// rotation attempt, whether it was requested manually or fired by the
// policy.
func (s *Session) onRotationStarted(trig rotation.Trigger) {
	s.log.Debugf("Rotation started (trigger: %v).", trig)
	if s.state == StateConnected {
		s.setState(StateRotating)
	}
}

func (s *Session) onRotationResult(res *rotation.Result) {
	if res.Err != nil {
		s.rotationFailures++
		instrument.RotationFailure()
		s.log.Warningf("Rotation failed, keeping current identity: %v", res.Err)
		if s.state == StateRotating {
			s.setState(StateConnected)
		}
		return
	}

	if s.identity != nil {
		s.history = append([]*tor.CircuitIdentity{s.identity}, s.history...)
		if len(s.history) > maxHistory {
			s.history = s.history[:maxHistory]
		}
	}
	s.identity = res.Identity
	s.rotations++
	instrument.Rotation(res.Trigger.String())
	if s.state == StateRotating {
		s.setState(StateConnected)
	}
}

func (s *Session) onLeakResult(res *monitor.LeakResult) {
	s.lastLeak = res
	s.attributeExit(res)
	if res.IPLeak {
		instrument.Leak("ip")
	}
	if res.DNSLeak {
		instrument.Leak("dns")
	}
	if res.Stale {
		instrument.Leak("liveness")
	}
	instrument.SetKillSwitch(s.killSwitch.IsEngaged())
}

// attributeExit fills in the current identity's externally visible egress
// address and country, once the leak monitor has observed them.  The
// attributed identity supersedes the old one; identities already published
// in snapshots are never written to.
func (s *Session) attributeExit(res *monitor.LeakResult) {
	if s.identity == nil || res.TunnelIP == "" || s.identity.ExitIP == res.TunnelIP {
		return
	}
	id := *s.identity
	id.ExitIP = res.TunnelIP
	id.ExitCountry = ""
	if s.client != nil {
		if cc, err := s.client.CountryForIP(res.TunnelIP); err == nil {
			id.ExitCountry = cc
		}
	}
	s.identity = &id
}

func (s *Session) onConnStatus(status tor.ConnStatus) {
	s.log.Noticef("Control channel status: %v", status)
	switch status {
	case tor.StatusDegraded:
		s.setState(StateDegraded)
		if s.leakMon != nil {
			s.leakMon.SetDegraded(true)
		}
	case tor.StatusConnected:
		if s.state == StateDegraded {
			s.setState(StateConnected)
		}
		if s.leakMon != nil {
			s.leakMon.SetDegraded(false)
		}
	case tor.StatusDisconnected:
		s.doDisconnect()
	}
}

// onCrash handles an unexpected daemon exit: the kill switch engages
// immediately, and a single automatic restart is attempted.
func (s *Session) onCrash(err error) {
	s.log.Errorf("Daemon crashed: %v", err)
	instrument.DaemonCrash()
	if ksErr := s.killSwitch.Engage(); ksErr != nil {
		s.log.Errorf("Failed to engage kill switch: %v", ksErr)
	}
	instrument.SetKillSwitch(true)

	s.doDisconnect()
	if s.restarted {
		s.log.Errorf("Daemon crashed twice, staying down.")
		return
	}
	s.restarted = true

	s.log.Noticef("Attempting automatic restart.")
	if err := s.doConnect(); err != nil {
		s.log.Errorf("Automatic restart failed: %v", err)
		s.doDisconnect()
		return
	}
	if ksErr := s.killSwitch.Release(); ksErr != nil {
		s.log.Errorf("Failed to release kill switch: %v", ksErr)
	}
	instrument.SetKillSwitch(false)
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debugf("State transition: %v -> %v", s.state, st)
	s.state = st
}

// publish makes the current state visible to readers.  The identity goes
// out as a copy so a published snapshot never shares mutable state with the
// event loop.
func (s *Session) publish() {
	snap := &Snapshot{
		State:                  s.state,
		Score:                  1.0,
		KillSwitchEngaged:      s.killSwitch.IsEngaged(),
		LastLeak:               s.lastLeak,
		History:                append([]*tor.CircuitIdentity{}, s.history...),
		Rotations:              s.rotations,
		RotationFailures:       s.rotationFailures,
		EncryptionAuthFailures: atomic.LoadUint64(&s.authFailures),
	}
	if s.sampler != nil {
		snap.Score = s.sampler.Score()
	}
	if s.identity != nil {
		id := *s.identity
		id.Score = snap.Score
		snap.Identity = &id
		snap.IdentityAge = id.Age(time.Now())
	}
	s.snapshot.Store(snap)
}
