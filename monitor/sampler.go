// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package monitor

import (
	"context"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
	"github.com/ghostpass/ghostpass/core/worker"
)

// sampleWindow is the rolling window size for the smoothed score.
const sampleWindow = 5

// Sampler measures tunnel round-trip latency and maps it onto a 0.0-1.0
// performance score.  A latency at or under the configured baseline scores
// 1.0; the score decays towards 0.0 as latency grows, and a failed probe
// scores 0.0 outright.
type Sampler struct {
	worker.Worker

	log *logging.Logger
	cfg *config.Monitor

	client  httpDoer
	onScore func(float64)

	latestBits uint64

	mu      sync.Mutex
	samples []float64
}

// NewSampler constructs a performance Sampler probing through the given
// SOCKS listener.  onScore, if non-nil, receives each smoothed score.
func NewSampler(cfg *config.Monitor, socksAddr string, onScore func(float64), logBackend *log.Backend) (*Sampler, error) {
	client, err := newTunnelClient(socksAddr)
	if err != nil {
		return nil, err
	}
	s := &Sampler{
		log:     logBackend.GetLogger("monitor/sampler"),
		cfg:     cfg,
		client:  client,
		onScore: onScore,
	}
	atomic.StoreUint64(&s.latestBits, math.Float64bits(1.0))
	return s, nil
}

// Start launches the periodic sampling loop.
func (s *Sampler) Start() {
	s.Go(s.sampleWorker)
}

// Score returns the most recent smoothed performance score.
func (s *Sampler) Score() float64 {
	return math.Float64frombits(atomic.LoadUint64(&s.latestBits))
}

func (s *Sampler) sampleWorker() {
	interval := time.Duration(s.cfg.SampleInterval) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.HaltCh():
			return
		case <-timer.C:
		}

		score := s.record(s.Sample(context.Background()))
		s.log.Debugf("Performance score: %.2f", score)
		if s.onScore != nil {
			s.onScore(score)
		}

		timer.Reset(interval)
	}
}

// Sample performs one latency probe and returns its raw score.
func (s *Sampler) Sample(ctx context.Context) float64 {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ReferenceURL, nil)
	if err != nil {
		return 0
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	return s.scoreRTT(time.Since(start))
}

// scoreRTT maps a round-trip latency onto the 0.0-1.0 score scale.
func (s *Sampler) scoreRTT(rtt time.Duration) float64 {
	baseline := time.Duration(s.cfg.BaselineRTT) * time.Millisecond
	if rtt <= baseline {
		return 1.0
	}
	return float64(baseline) / float64(rtt)
}

// record folds a raw sample into the rolling window and returns the
// smoothed score.
func (s *Sampler) record(sample float64) float64 {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > sampleWindow {
		s.samples = s.samples[1:]
	}
	var sum float64
	for _, v := range s.samples {
		sum += v
	}
	score := sum / float64(len(s.samples))
	s.mu.Unlock()

	atomic.StoreUint64(&s.latestBits, math.Float64bits(score))
	return score
}
