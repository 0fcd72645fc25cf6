// Package engine defines abstractions for remote video-generation engines.
//
// Engines implement a minimal submit/poll/download surface. Each adapter owns
// its remote API contract internally; callers see only opaque handles and
// asset references. Adapters are expected to classify remote failures into
// the sentinel errors in errors.go so that routing and retry decisions can be
// made without knowledge of any particular wire format.
package engine

import (
	"context"
	"time"
)

// Job is one request to turn a prompt (and optional reference image) into a
// video clip of a target duration.
//
// A Job is immutable after creation; cancellation is signalled through the
// context passed to the adapter, never by mutating the Job.
type Job struct {
	// ID is an opaque unique identifier for the job.
	ID string

	// Prompt is the text prompt driving generation.
	Prompt string

	// ImageRef optionally references a first-frame image for image-to-video
	// engines. It may be a local file path, an http(s) URL, or a data URL.
	ImageRef string

	// Duration is the requested clip duration in seconds.
	Duration float64

	// FPS is the requested frame rate. Zero uses the engine default.
	FPS int

	// Width and Height describe the requested resolution.
	Width  int
	Height int

	// Motion is a motion-intensity hint in [0, 1].
	Motion float64

	// Seed optionally fixes the generation seed for determinism.
	Seed *int64

	// PreferredEngine optionally pins the job to a specific engine ID,
	// bypassing router policy.
	PreferredEngine string
}

// Handle is an engine-specific token identifying a submitted remote job.
type Handle string

// PollStatus is the remote-side status of a submitted job.
type PollStatus string

const (
	StatusProcessing PollStatus = "processing"
	StatusSucceeded  PollStatus = "succeeded"
	StatusFailed     PollStatus = "failed"
	StatusNotFound   PollStatus = "not_found"
)

// PollResult is the outcome of a single status poll.
type PollResult struct {
	// Status is the remote job status.
	Status PollStatus

	// AssetRef locates the finished asset when Status is StatusSucceeded.
	// Typically a download URL.
	AssetRef string

	// Reason carries the remote failure message when Status is StatusFailed.
	Reason string
}

// Descriptor is the static capability and policy record for one engine.
//
// Descriptors are loaded once at startup and read-only thereafter.
type Descriptor struct {
	// ID is the stable engine identifier (e.g. "doubao_seedance_pro").
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable engine name.
	Name string `json:"name" yaml:"name"`

	// MaxClipDuration is the hard per-clip duration ceiling in seconds.
	MaxClipDuration float64 `json:"max_clip_duration" yaml:"max_clip_duration"`

	// SupportedDurations lists discrete clip durations the engine accepts.
	// Empty means any duration up to MaxClipDuration.
	SupportedDurations []float64 `json:"supported_durations,omitempty" yaml:"supported_durations,omitempty"`

	// SupportedResolutions lists accepted resolutions as "WxH" strings.
	SupportedResolutions []string `json:"supported_resolutions,omitempty" yaml:"supported_resolutions,omitempty"`

	// SupportedFPS lists accepted frame rates.
	SupportedFPS []int `json:"supported_fps,omitempty" yaml:"supported_fps,omitempty"`

	// Free reports whether the engine is free-tier (no per-second cost).
	Free bool `json:"free" yaml:"free"`

	// CostPerSecond is the estimated metered cost per generated second.
	// Zero for free engines.
	CostPerSecond float64 `json:"cost_per_second,omitempty" yaml:"cost_per_second,omitempty"`

	// Priority ranks the engine for the priority policy. Lower is better.
	Priority int `json:"priority" yaml:"priority"`

	// MaxConcurrent is the engine's own concurrency ceiling. Zero means
	// unlimited as far as this process is concerned.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
}

// SnapDuration maps a requested duration onto the engine's discrete duration
// grid. Engines with a continuous range return the request unchanged (capped
// at MaxClipDuration). Engines with discrete durations return the nearest
// supported value; ties round up.
func (d Descriptor) SnapDuration(seconds float64) float64 {
	if seconds > d.MaxClipDuration && d.MaxClipDuration > 0 {
		seconds = d.MaxClipDuration
	}
	if len(d.SupportedDurations) == 0 {
		return seconds
	}
	best := d.SupportedDurations[0]
	for _, s := range d.SupportedDurations[1:] {
		db, ds := abs(seconds-best), abs(seconds-s)
		if ds < db || (ds == db && s > best) {
			best = s
		}
	}
	return best
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Engine abstracts one remote video-generation service.
//
// Implementations should:
//   - Own one network session per instance (not shared across tasks)
//   - Classify remote errors into the package sentinel errors
//   - Never retry ErrAuth or ErrInvalidInput
//   - Honour context cancellation on every network call
type Engine interface {
	// Describe returns the engine's static capability record.
	Describe() Descriptor

	// Submit sends a generation job and returns a remote handle.
	Submit(ctx context.Context, job Job) (Handle, error)

	// Poll checks the status of a previously submitted job.
	// Returns StatusNotFound (not an error) when the remote has no record
	// of the handle.
	Poll(ctx context.Context, h Handle) (PollResult, error)

	// Download fetches the finished asset to the destination path.
	Download(ctx context.Context, assetRef, destPath string) error

	// Cancel requests best-effort remote cancellation. Engines without true
	// cancellation return nil; the local poll loop stops regardless.
	Cancel(ctx context.Context, h Handle) error

	// Ping verifies connectivity and credentials without generating anything.
	Ping(ctx context.Context) error

	// Close releases the engine's network session.
	Close() error
}

// SessionChecker is an optional capability for engines whose network session
// can die underneath a long poll loop. The await loop consults it before every
// poll and every backoff sleep so a torn-down session turns into a clean
// cancellation instead of a burst of post-cancel I/O errors.
type SessionChecker interface {
	SessionAlive() bool
}

// ProgressFunc receives human-readable progress updates during Await.
type ProgressFunc func(message string)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
