// Package refresher drives background refreshes of the synchronization
// store, either on a jittered interval or on a cron schedule.
package refresher

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Target is the refresh surface of the store.
type Target interface {
	RefreshAll(ctx context.Context)
	RehydrateIfChanged(ctx context.Context) (bool, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Interval time.Duration
	// Jitter is the interval jitter ratio, clamped to [0, 1].
	Jitter float64
	// Schedule is a standard five-field cron expression. When set it
	// replaces Interval.
	Schedule string
	// Timeout bounds a single refresh cycle.
	Timeout time.Duration
	// Changes, when set, signals foreign writes to a shared mirror.
	Changes <-chan struct{}
	Logger  Logger
}

type Refresher struct {
	target   Target
	opts     Options
	schedule cron.Schedule

	mu  sync.Mutex
	rng *rand.Rand
}

func New(target Target, opts Options) (*Refresher, error) {
	if target == nil {
		return nil, fmt.Errorf("refresher: target is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)
	r := &Refresher{
		target: target,
		opts:   opts,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if expr := strings.TrimSpace(opts.Schedule); expr != "" {
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("refresher: invalid schedule %q: %w", expr, err)
		}
		r.opts.Schedule = expr
		r.schedule = schedule
	}
	return r, nil
}

// Next reports when the cycle after now would run.
func (r *Refresher) Next(now time.Time) time.Time {
	if r.schedule != nil {
		return r.schedule.Next(now)
	}
	return now.Add(r.nextInterval())
}

// RunOnce performs one refresh cycle.
func (r *Refresher) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	started := time.Now()
	r.target.RefreshAll(ctx)
	r.logf("refresher: cycle completed in %s", time.Since(started).Round(time.Millisecond))
}

// Run refreshes immediately and then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	r.RunOnce(ctx)
	if r.schedule != nil {
		return r.runCron(ctx)
	}

	timer := time.NewTimer(r.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logf("refresher: stopping: %v", ctx.Err())
			return nil
		case _, ok := <-r.opts.Changes:
			if !ok {
				r.opts.Changes = nil
				continue
			}
			r.rehydrate(ctx)
		case <-timer.C:
			r.RunOnce(ctx)
			timer.Reset(r.nextInterval())
		}
	}
}

func (r *Refresher) runCron(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.opts.Schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("refresher: schedule %q: %w", r.opts.Schedule, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	changes := r.opts.Changes
	for {
		select {
		case <-ctx.Done():
			r.logf("refresher: stopping: %v", ctx.Err())
			return nil
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			r.rehydrate(ctx)
		}
	}
}

func (r *Refresher) rehydrate(ctx context.Context) {
	changed, err := r.target.RehydrateIfChanged(ctx)
	if err != nil {
		r.logf("refresher: rehydrate failed: %v", err)
		return
	}
	if changed {
		r.logf("refresher: rehydrated from shared mirror")
	}
}

func (r *Refresher) nextInterval() time.Duration {
	r.mu.Lock()
	sample := r.rng.Float64()
	r.mu.Unlock()
	return jitteredIntervalWithSample(r.opts.Interval, r.opts.Jitter, sample)
}

func (r *Refresher) logf(format string, args ...any) {
	if r.opts.Logger == nil {
		return
	}
	r.opts.Logger.Printf(format, args...)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
