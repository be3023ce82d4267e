// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package rotation implements the identity rotation engine: it decides when
// the current network identity should be discarded and drives the daemon to
// build a replacement.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
	"github.com/ghostpass/ghostpass/core/retry"
	"github.com/ghostpass/ghostpass/core/worker"
	"github.com/ghostpass/ghostpass/tor"
)

const (
	// tickInterval is the policy evaluation granularity.
	tickInterval = time.Second

	// debounceSamples is the number of consecutive below-threshold
	// performance samples required before the performance mode fires.
	// A single bad sample is noise; two in a row is a degraded circuit.
	debounceSamples = 2
)

var (
	// ErrCooldown is the error returned when a manual rotation request
	// arrives within the cooldown window.
	ErrCooldown = errors.New("rotation: cooldown in effect")

	// ErrBusy is the error returned when a manual rotation request arrives
	// while another rotation is already in flight.
	ErrBusy = errors.New("rotation: rotation already in flight")
)

// ExhaustedError is the error used to indicate that a rotation trigger
// burned through all of its attempts without obtaining a new identity.  The
// previous identity remains in effect.
type ExhaustedError struct {
	// Attempts is the number of attempts that were made.
	Attempts int

	// LastErr is the error from the final attempt.
	LastErr error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rotation: gave up after %d attempts: %v", e.Attempts, e.LastErr)
}

// Unwrap returns the final attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Trigger identifies what caused a rotation.
type Trigger int

const (
	// TriggerManual is an explicit external rotation request.
	TriggerManual Trigger = iota

	// TriggerInterval is a max-age expiry in interval mode.
	TriggerInterval

	// TriggerScheduled is a wall-clock slot crossing in scheduled mode.
	TriggerScheduled

	// TriggerPerformance is a sustained score degradation in performance
	// mode.
	TriggerPerformance
)

// String returns the trigger as a human readable string.
func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerInterval:
		return "interval"
	case TriggerScheduled:
		return "scheduled"
	case TriggerPerformance:
		return "performance"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// Result is the outcome of one rotation trigger, delivered to the session.
type Result struct {
	// Trigger is what caused the rotation.
	Trigger Trigger

	// Identity is the freshly built identity on success, nil on failure.
	Identity *tor.CircuitIdentity

	// Attempts is the number of attempts consumed.
	Attempts int

	// Err is nil on success, ErrCooldown if the request was refused, or an
	// ExhaustedError if every attempt failed.
	Err error
}

// Rotator obtains a fresh network identity.  It is implemented by the
// control channel client.
type Rotator interface {
	RequestNewIdentity(ctx context.Context) (*tor.CircuitIdentity, error)
}

// Engine evaluates the configured rotation policy and serializes rotation
// attempts.  At most one rotation is ever in flight.
type Engine struct {
	worker.Worker

	log     *logging.Logger
	cfg     *config.Rotation
	rotator Rotator

	startedCh chan Trigger
	resultCh  chan *Result
	requestCh chan Trigger

	// now is the clock, injectable for tests.
	now func() time.Time

	// sleep waits for the given duration or until halt, injectable for
	// tests.
	sleep func(time.Duration) bool

	inFlight uint32

	// scoreBits holds the most recent performance sample, math.Float64bits
	// encoded, with the high flag bit of scoreFresh marking consumption.
	scoreBits  uint64
	scoreFresh uint32

	mu            sync.Mutex
	lastAttempt   time.Time
	identityBirth time.Time
	lowSamples    int
	firedSlots    map[string]string
}

// NewEngine constructs a rotation Engine for the given policy.
func NewEngine(cfg *config.Rotation, rotator Rotator, logBackend *log.Backend) *Engine {
	e := &Engine{
		log:        logBackend.GetLogger("rotation"),
		cfg:        cfg,
		rotator:    rotator,
		startedCh:  make(chan Trigger, 4),
		resultCh:   make(chan *Result, 4),
		requestCh:  make(chan Trigger, 1),
		now:        time.Now,
		firedSlots: make(map[string]string),
	}
	e.sleep = func(d time.Duration) bool {
		select {
		case <-time.After(d):
			return true
		case <-e.HaltCh():
			return false
		}
	}
	return e
}

// Start launches the policy evaluation loop.
func (e *Engine) Start() {
	e.Go(e.policyWorker)
}

// StartedCh returns the channel on which the start of each rotation is
// announced, so the session can reflect the in-flight attempt.
func (e *Engine) StartedCh() <-chan Trigger {
	return e.startedCh
}

// ResultCh returns the channel on which rotation outcomes are delivered.
func (e *Engine) ResultCh() <-chan *Result {
	return e.resultCh
}

// InFlight returns true while a rotation is being attempted.
func (e *Engine) InFlight() bool {
	return atomic.LoadUint32(&e.inFlight) == 1
}

// NoteIdentity resets the identity age clock, to be called when an identity
// is established outside the engine (initial connect).
func (e *Engine) NoteIdentity(id *tor.CircuitIdentity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identityBirth = id.CreatedAt
}

// ReportScore feeds a performance sample to the performance mode policy.
func (e *Engine) ReportScore(score float64) {
	atomic.StoreUint64(&e.scoreBits, math.Float64bits(score))
	atomic.StoreUint32(&e.scoreFresh, 1)
}

// RotateNow requests an immediate rotation.  The request is refused if a
// rotation is already in flight or the cooldown window has not elapsed; the
// outcome is otherwise delivered on ResultCh.
func (e *Engine) RotateNow() error {
	if e.InFlight() {
		return ErrBusy
	}
	e.mu.Lock()
	inCooldown := !e.lastAttempt.IsZero() && e.now().Sub(e.lastAttempt) < e.cfg.CooldownDuration()
	e.mu.Unlock()
	if inCooldown {
		return ErrCooldown
	}

	select {
	case e.requestCh <- TriggerManual:
		return nil
	default:
		return ErrBusy
	}
}

func (e *Engine) policyWorker() {
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	for {
		select {
		case <-e.HaltCh():
			return
		case trig := <-e.requestCh:
			e.runRotation(trig)
		case <-tick.C:
			if trig, fire := e.evaluatePolicy(); fire {
				e.runRotation(trig)
			}
		}
	}
}

// evaluatePolicy decides whether the configured automatic policy wants a
// rotation right now.  Automatic triggers inside the cooldown window are
// deferred, not dropped: the underlying condition persists and is
// re-evaluated on the next tick.
func (e *Engine) evaluatePolicy() (Trigger, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if !e.lastAttempt.IsZero() && now.Sub(e.lastAttempt) < e.cfg.CooldownDuration() {
		return 0, false
	}

	switch e.cfg.Mode {
	case config.RotateInterval:
		if !e.identityBirth.IsZero() && now.Sub(e.identityBirth) >= e.cfg.IntervalDuration() {
			return TriggerInterval, true
		}
	case config.RotateScheduled:
		today := now.Format("2006-01-02")
		for _, slot := range e.cfg.SortedScheduleTimes() {
			slotTime, _ := time.Parse("15:04", slot)
			crossing := time.Date(now.Year(), now.Month(), now.Day(), slotTime.Hour(), slotTime.Minute(), 0, 0, now.Location())
			if now.Before(crossing) {
				continue
			}
			if e.firedSlots[slot] == today {
				continue
			}
			// A slot fires at most once per day, regardless of the
			// rotation outcome.
			e.firedSlots[slot] = today
			return TriggerScheduled, true
		}
	case config.RotatePerformance:
		if atomic.CompareAndSwapUint32(&e.scoreFresh, 1, 0) {
			score := math.Float64frombits(atomic.LoadUint64(&e.scoreBits))
			if score < e.cfg.PerformanceThreshold {
				e.lowSamples++
			} else {
				e.lowSamples = 0
			}
			if e.lowSamples >= debounceSamples {
				e.lowSamples = 0
				return TriggerPerformance, true
			}
		}
	}
	return 0, false
}

// runRotation performs one bounded-retry rotation and delivers the outcome.
func (e *Engine) runRotation(trig Trigger) {
	atomic.StoreUint32(&e.inFlight, 1)
	defer atomic.StoreUint32(&e.inFlight, 0)

	e.log.Noticef("Rotating identity (trigger: %v).", trig)
	select {
	case e.startedCh <- trig:
	default:
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		e.mu.Lock()
		e.lastAttempt = e.now()
		e.mu.Unlock()

		id, err := e.rotator.RequestNewIdentity(context.Background())
		if err == nil {
			id.Attempts = attempt + 1
			e.mu.Lock()
			e.identityBirth = id.CreatedAt
			e.mu.Unlock()
			e.log.Noticef("Identity rotated after %d attempt(s), circuit %v.", attempt+1, id.CircuitID)
			e.deliver(&Result{Trigger: trig, Identity: id, Attempts: attempt + 1})
			return
		}
		lastErr = err
		e.log.Warningf("Rotation attempt %d/%d failed: %v", attempt+1, e.cfg.MaxAttempts, err)

		if attempt+1 < e.cfg.MaxAttempts {
			if !e.sleep(retry.Delay(retry.DefaultBaseDelay, retry.DefaultMaxDelay, retry.DefaultJitter, attempt)) {
				return
			}
		}
	}

	// The previous identity stays in effect; the session decides whether
	// exhaustion is tolerable.
	e.deliver(&Result{
		Trigger:  trig,
		Attempts: e.cfg.MaxAttempts,
		Err:      &ExhaustedError{Attempts: e.cfg.MaxAttempts, LastErr: lastErr},
	})
}

func (e *Engine) deliver(r *Result) {
	select {
	case e.resultCh <- r:
	case <-e.HaltCh():
	}
}
