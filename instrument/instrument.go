// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes prometheus metrics for the ghostpass daemon.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostpass_rotations_total",
			Help: "Number of successful identity rotations",
		},
		[]string{"trigger"},
	)
	rotationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostpass_rotation_failures_total",
			Help: "Number of rotation triggers that exhausted all attempts",
		},
	)
	leaksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostpass_leaks_total",
			Help: "Number of detected leak conditions",
		},
		[]string{"kind"},
	)
	killSwitchEngaged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostpass_killswitch_engaged",
			Help: "Whether the kill switch is currently engaged",
		},
	)
	performanceScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostpass_performance_score",
			Help: "Most recent smoothed tunnel performance score",
		},
	)
	bootstrapProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostpass_bootstrap_progress_percent",
			Help: "Daemon bootstrap progress",
		},
	)
	encryptionAuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostpass_encryption_auth_failures_total",
			Help: "Number of payloads rejected by the encryption pipeline",
		},
	)
	daemonCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostpass_daemon_crashes_total",
			Help: "Number of unexpected routing daemon exits",
		},
	)
)

// Init registers the metrics and exposes them via HTTP on addr.
func Init(addr string) {
	prometheus.MustRegister(rotationsTotal)
	prometheus.MustRegister(rotationFailuresTotal)
	prometheus.MustRegister(leaksTotal)
	prometheus.MustRegister(killSwitchEngaged)
	prometheus.MustRegister(performanceScore)
	prometheus.MustRegister(bootstrapProgress)
	prometheus.MustRegister(encryptionAuthFailuresTotal)
	prometheus.MustRegister(daemonCrashesTotal)

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}

// Rotation increments the successful rotation counter.
func Rotation(trigger string) {
	rotationsTotal.With(prometheus.Labels{"trigger": trigger}).Inc()
}

// RotationFailure increments the exhausted rotation counter.
func RotationFailure() {
	rotationFailuresTotal.Inc()
}

// Leak increments the leak counter for the given kind ("ip" or "dns").
func Leak(kind string) {
	leaksTotal.With(prometheus.Labels{"kind": kind}).Inc()
}

// SetKillSwitch records the kill switch state.
func SetKillSwitch(engaged bool) {
	if engaged {
		killSwitchEngaged.Set(1)
	} else {
		killSwitchEngaged.Set(0)
	}
}

// SetScore records the most recent performance score.
func SetScore(score float64) {
	performanceScore.Set(score)
}

// SetBootstrapProgress records the daemon bootstrap progress.
func SetBootstrapProgress(pct int) {
	bootstrapProgress.Set(float64(pct))
}

// EncryptionAuthFailure increments the pipeline rejection counter.
func EncryptionAuthFailure() {
	encryptionAuthFailuresTotal.Inc()
}

// DaemonCrash increments the daemon crash counter.
func DaemonCrash() {
	daemonCrashesTotal.Inc()
}
