// Package router picks which engine serves a generation job and drives the
// fallback chain when an engine is down or throttling.
//
// A Router wraps an engine.Registry with a selection policy and a small
// per-engine stats table. Policies order the candidate list; Run walks it,
// falling over to the next engine only on failures that indicate the engine
// (not the job) is at fault.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ljc0311/clipforge/pkg/engine"
)

// Policy names an engine-ordering strategy.
type Policy string

const (
	// PolicyPriority orders engines by their descriptor priority rank.
	PolicyPriority Policy = "priority"

	// PolicyFreeFirst tries free engines before metered ones, priority
	// order within each group.
	PolicyFreeFirst Policy = "free_first"

	// PolicyLoadBalance spreads jobs by in-flight load relative to each
	// engine's concurrency limit.
	PolicyLoadBalance Policy = "load_balance"

	// PolicyFastestObserved prefers the engine with the lowest recent
	// median submit-to-success latency.
	PolicyFastestObserved Policy = "fastest_observed"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyPriority, PolicyFreeFirst, PolicyLoadBalance, PolicyFastestObserved:
		return Policy(s), nil
	case "":
		return PolicyPriority, nil
	default:
		return "", fmt.Errorf("unknown routing policy %q", s)
	}
}

// Config configures a Router.
type Config struct {
	// Policy selects the candidate ordering. Default PolicyPriority.
	Policy Policy

	// MaxEngines caps how many distinct engines one job may be tried on.
	// Zero means all candidates.
	MaxEngines int

	// LatencyWindow is how many recent latency samples per engine feed the
	// fastest_observed median. Default 20.
	LatencyWindow int
}

// DefaultConfig returns the default Router configuration.
func DefaultConfig() Config {
	return Config{Policy: PolicyPriority, LatencyWindow: 20}
}

// Stats is a point-in-time view of one engine's routing history.
type Stats struct {
	EngineID      string        `json:"engine_id"`
	InFlight      int           `json:"in_flight"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	MedianLatency time.Duration `json:"median_latency"`
}

type engineStats struct {
	inFlight  int
	successes int64
	failures  int64
	latencies []time.Duration // ring, newest at head
}

// Router selects engines for jobs. Safe for concurrent use.
type Router struct {
	reg *engine.Registry
	cfg Config

	mu    sync.Mutex
	rr    int
	stats map[string]*engineStats
}

// New creates a Router over a registry.
func New(reg *engine.Registry, cfg Config) (*Router, error) {
	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	return &Router{reg: reg, cfg: cfg, stats: make(map[string]*engineStats)}, nil
}

// Select returns the ordered candidate engines for a job. A preferred engine
// on the job jumps to the head of the list when it exists and can serve the
// duration; the rest follow in policy order as the fallback chain.
func (r *Router) Select(job engine.Job) ([]engine.Descriptor, error) {
	all := r.reg.Descriptors()
	candidates := make([]engine.Descriptor, 0, len(all))
	for _, d := range all {
		if job.Duration > 0 && d.MaxClipDuration > 0 && job.Duration > d.MaxClipDuration+0.05 {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no engine can serve a %.1fs clip", job.Duration)
	}

	r.order(candidates)

	if job.PreferredEngine != "" {
		for i, d := range candidates {
			if d.ID == job.PreferredEngine {
				candidates = append([]engine.Descriptor{d}, append(candidates[:i:i], candidates[i+1:]...)...)
				break
			}
		}
	}

	if r.cfg.MaxEngines > 0 && len(candidates) > r.cfg.MaxEngines {
		candidates = candidates[:r.cfg.MaxEngines]
	}
	return candidates, nil
}

func (r *Router) order(ds []engine.Descriptor) {
	switch r.cfg.Policy {
	case PolicyFreeFirst:
		sort.SliceStable(ds, func(i, j int) bool {
			if ds[i].Free != ds[j].Free {
				return ds[i].Free
			}
			return ds[i].Priority < ds[j].Priority
		})
	case PolicyLoadBalance:
		r.mu.Lock()
		load := func(d engine.Descriptor) float64 {
			limit := d.MaxConcurrent
			if limit <= 0 {
				limit = 1
			}
			return float64(r.statsLocked(d.ID).inFlight) / float64(limit)
		}
		sort.SliceStable(ds, func(i, j int) bool {
			li, lj := load(ds[i]), load(ds[j])
			if li != lj {
				return li < lj
			}
			return ds[i].Priority < ds[j].Priority
		})
		// Rotate equal-load heads so idle engines take turns.
		if len(ds) > 1 && load(ds[0]) == load(ds[1]) {
			r.rr++
			span := 1
			for span < len(ds) && load(ds[span]) == load(ds[0]) {
				span++
			}
			rot := r.rr % span
			rotated := append(append([]engine.Descriptor{}, ds[rot:span]...), ds[:rot]...)
			copy(ds, rotated)
		}
		r.mu.Unlock()
	case PolicyFastestObserved:
		r.mu.Lock()
		med := func(d engine.Descriptor) time.Duration { return median(r.statsLocked(d.ID).latencies) }
		sort.SliceStable(ds, func(i, j int) bool {
			mi, mj := med(ds[i]), med(ds[j])
			// Unsampled engines go first so they get measured.
			if (mi == 0) != (mj == 0) {
				return mi == 0
			}
			if mi != mj {
				return mi < mj
			}
			return ds[i].Priority < ds[j].Priority
		})
		r.mu.Unlock()
	default: // PolicyPriority; registry already sorts by priority
	}
}

// Run executes attempt against candidate engines in Select order. Failures
// classified as Unavailable or RateLimited move to the next engine; anything
// else is the job's own fault and propagates immediately. When every
// candidate fails the errors are joined into one aggregate.
func (r *Router) Run(ctx context.Context, job engine.Job, attempt func(ctx context.Context, eng engine.Engine) error) (string, error) {
	candidates, err := r.Select(job)
	if err != nil {
		return "", err
	}

	var failures []error
	for _, d := range candidates {
		eng, ok := r.reg.Get(d.ID)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		r.trackStart(d.ID)
		start := time.Now()
		attemptErr := attempt(ctx, eng)
		r.trackEnd(d.ID, attemptErr == nil, time.Since(start))

		if attemptErr == nil {
			return d.ID, nil
		}
		if !shouldFallback(attemptErr) {
			return d.ID, attemptErr
		}
		failures = append(failures, fmt.Errorf("engine %s: %w", d.ID, attemptErr))
	}
	return "", fmt.Errorf("all %d candidate engines failed for job %s: %w",
		len(failures), job.ID, errors.Join(failures...))
}

func shouldFallback(err error) bool {
	return engine.IsUnavailable(err) || engine.IsRateLimited(err)
}

// ReportOutcome records an externally observed attempt, for callers that run
// the adapter themselves instead of going through Run.
func (r *Router) ReportOutcome(engineID string, success bool, latency time.Duration) {
	r.trackEnd(engineID, success, latency)
}

func (r *Router) trackStart(engineID string) {
	r.mu.Lock()
	r.statsLocked(engineID).inFlight++
	r.mu.Unlock()
}

func (r *Router) trackEnd(engineID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statsLocked(engineID)
	if s.inFlight > 0 {
		s.inFlight--
	}
	if success {
		s.successes++
		s.latencies = append([]time.Duration{latency}, s.latencies...)
		if len(s.latencies) > r.cfg.LatencyWindow {
			s.latencies = s.latencies[:r.cfg.LatencyWindow]
		}
	} else {
		s.failures++
	}
}

func (r *Router) statsLocked(engineID string) *engineStats {
	s, ok := r.stats[engineID]
	if !ok {
		s = &engineStats{}
		r.stats[engineID] = s
	}
	return s
}

// Snapshot returns current stats for every engine the router has seen,
// ordered by engine ID.
func (r *Router) Snapshot() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.stats))
	for id, s := range r.stats {
		out = append(out, Stats{
			EngineID:      id,
			InFlight:      s.inFlight,
			Successes:     s.successes,
			Failures:      s.failures,
			MedianLatency: median(s.latencies),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EngineID < out[j].EngineID })
	return out
}

func median(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration{}, samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
