// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
	"github.com/ghostpass/ghostpass/tor"
)

type fakeRotator struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeRotator) RequestNewIdentity(ctx context.Context) (*tor.CircuitIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("circuit build failed")
	}
	now := time.Now()
	return &tor.CircuitIdentity{
		CircuitID:  "test-circuit",
		Path:       []string{"a", "b", "c"},
		CreatedAt:  now,
		DirtySince: now,
	}, nil
}

func (f *fakeRotator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testEngine(t *testing.T, cfg *config.Rotation, r Rotator) *Engine {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	e := NewEngine(cfg, r, logBackend)
	e.sleep = func(time.Duration) bool { return true }
	t.Cleanup(e.Halt)
	return e
}

func TestManualRotation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &fakeRotator{}
	e := testEngine(t, &config.Rotation{Mode: config.RotateManual, MaxAttempts: 3, Cooldown: 60000}, r)
	e.Start()

	require.NoError(e.RotateNow(), "RotateNow()")
	select {
	case res := <-e.ResultCh():
		require.NoError(res.Err)
		require.Equal(TriggerManual, res.Trigger)
		require.Equal(1, res.Attempts)
		require.NotNil(res.Identity)
		require.Equal("test-circuit", res.Identity.CircuitID)
	case <-time.After(5 * time.Second):
		require.FailNow("no rotation result")
	}

	// The attempt just made starts the cooldown window.
	require.ErrorIs(e.RotateNow(), ErrCooldown)
}

func TestRotationAnnouncesStart(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &fakeRotator{}
	e := testEngine(t, &config.Rotation{Mode: config.RotateManual, MaxAttempts: 1, Cooldown: 1}, r)
	e.Start()

	require.NoError(e.RotateNow())
	select {
	case trig := <-e.StartedCh():
		require.Equal(TriggerManual, trig)
	case <-time.After(5 * time.Second):
		require.FailNow("no start announcement")
	}
	select {
	case res := <-e.ResultCh():
		require.NoError(res.Err)
	case <-time.After(5 * time.Second):
		require.FailNow("no rotation result")
	}
}

func TestRotationRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &fakeRotator{failures: 2}
	e := testEngine(t, &config.Rotation{Mode: config.RotateManual, MaxAttempts: 3, Cooldown: 1}, r)
	e.Start()

	require.NoError(e.RotateNow())
	select {
	case res := <-e.ResultCh():
		require.NoError(res.Err)
		require.Equal(3, res.Attempts)
		require.Equal(3, res.Identity.Attempts, "attempts recorded on identity")
	case <-time.After(5 * time.Second):
		require.FailNow("no rotation result")
	}
	require.Equal(3, r.callCount())
}

func TestRotationExhaustion(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &fakeRotator{failures: 99}
	e := testEngine(t, &config.Rotation{Mode: config.RotateManual, MaxAttempts: 2, Cooldown: 1}, r)
	e.Start()

	require.NoError(e.RotateNow())
	select {
	case res := <-e.ResultCh():
		require.Nil(res.Identity, "no identity on exhaustion")
		require.Equal(2, res.Attempts)
		var exhausted *ExhaustedError
		require.ErrorAs(res.Err, &exhausted)
		require.Equal(2, exhausted.Attempts)
	case <-time.After(5 * time.Second):
		require.FailNow("no rotation result")
	}
}

func TestRotateNowWhileInFlight(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := testEngine(t, &config.Rotation{Mode: config.RotateManual, MaxAttempts: 1, Cooldown: 1}, &fakeRotator{})
	e.inFlight = 1
	require.ErrorIs(e.RotateNow(), ErrBusy)
}

func TestIntervalPolicy(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := testEngine(t, &config.Rotation{Mode: config.RotateInterval, Interval: 60000, MaxAttempts: 1, Cooldown: 1000}, &fakeRotator{})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }
	e.NoteIdentity(&tor.CircuitIdentity{CreatedAt: base.Add(-30 * time.Second)})

	// Under max age: no fire.
	_, fire := e.evaluatePolicy()
	require.False(fire)

	// Past max age: fire.
	e.now = func() time.Time { return base.Add(45 * time.Second) }
	trig, fire := e.evaluatePolicy()
	require.True(fire)
	require.Equal(TriggerInterval, trig)

	// Inside the cooldown window the trigger is deferred.
	e.mu.Lock()
	e.lastAttempt = e.now()
	e.mu.Unlock()
	_, fire = e.evaluatePolicy()
	require.False(fire)
}

func TestScheduledSlotFiresOncePerDay(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := testEngine(t, &config.Rotation{
		Mode:          config.RotateScheduled,
		ScheduleTimes: []string{"12:00", "18:30"},
		MaxAttempts:   1,
		Cooldown:      1,
	}, &fakeRotator{})

	now := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	trig, fire := e.evaluatePolicy()
	require.True(fire, "slot crossing fires")
	require.Equal(TriggerScheduled, trig)

	// The same slot must not fire again today.
	_, fire = e.evaluatePolicy()
	require.False(fire)

	// The later slot fires when crossed.
	now = time.Date(2025, 6, 1, 18, 31, 0, 0, time.UTC)
	e.mu.Lock()
	e.lastAttempt = time.Time{}
	e.mu.Unlock()
	trig, fire = e.evaluatePolicy()
	require.True(fire)
	require.Equal(TriggerScheduled, trig)

	// Next day, the first slot fires again.
	now = time.Date(2025, 6, 2, 12, 1, 0, 0, time.UTC)
	e.mu.Lock()
	e.lastAttempt = time.Time{}
	e.mu.Unlock()
	_, fire = e.evaluatePolicy()
	require.True(fire)
}

func TestPerformanceDebounce(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := testEngine(t, &config.Rotation{
		Mode:                 config.RotatePerformance,
		PerformanceThreshold: 0.5,
		MaxAttempts:          1,
		Cooldown:             1,
	}, &fakeRotator{})

	// One bad sample is not enough.
	e.ReportScore(0.2)
	_, fire := e.evaluatePolicy()
	require.False(fire)

	// Two consecutive bad samples fire.
	e.ReportScore(0.1)
	trig, fire := e.evaluatePolicy()
	require.True(fire)
	require.Equal(TriggerPerformance, trig)

	// A good sample resets the debounce counter.
	e.mu.Lock()
	e.lastAttempt = time.Time{}
	e.mu.Unlock()
	e.ReportScore(0.2)
	_, fire = e.evaluatePolicy()
	require.False(fire)
	e.ReportScore(0.9)
	_, fire = e.evaluatePolicy()
	require.False(fire)
	e.ReportScore(0.2)
	_, fire = e.evaluatePolicy()
	require.False(fire)

	// A stale sample is consumed only once.
	_, fire = e.evaluatePolicy()
	require.False(fire)
}
