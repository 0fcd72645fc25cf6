// Package planner splits a scene's narration duration into per-clip targets
// that respect an engine's single-clip ceiling.
//
// The split is front-loaded: every clip except the last saturates the engine
// ceiling, and the last takes the remainder. That minimises clip count, which
// minimises remote generation jobs.
package planner

import (
	"fmt"
	"math"
)

// DurationEpsilon is the tolerance used whenever two durations are compared
// for equality. Narration audio lengths arrive as floats from an upstream
// speech stage, so exact equality is never meaningful.
const DurationEpsilon = 0.05

// ClipSpec is one planned clip: its playback position within the scene and
// the duration it must contribute to the final video.
type ClipSpec struct {
	// Index is the clip's position in scene playback order, starting at 0.
	Index int `json:"index" yaml:"index"`

	// Duration is the clip's target duration in seconds.
	Duration float64 `json:"duration" yaml:"duration"`

	// Final marks the last clip, whose duration carries the remainder of
	// the split and may be shorter than the others.
	Final bool `json:"final" yaml:"final"`
}

// Plan computes the clip split for a scene.
//
// If total fits within engineMax a single clip covers it. Otherwise
// ceil(total/engineMax) clips are produced, all at engineMax except the last.
// No clip ever exceeds engineMax; a sub-epsilon overhang is dropped rather
// than emitted as an over-limit clip, so the durations sum to total within
// DurationEpsilon.
func Plan(total, engineMax float64) ([]ClipSpec, error) {
	if total <= 0 {
		return nil, fmt.Errorf("plan: total duration must be positive, got %.3f", total)
	}
	if engineMax <= 0 {
		return nil, fmt.Errorf("plan: engine max clip duration must be positive, got %.3f", engineMax)
	}

	if total <= engineMax+DurationEpsilon {
		return []ClipSpec{{Index: 0, Duration: math.Min(total, engineMax), Final: true}}, nil
	}

	n := int(math.Ceil(total / engineMax))
	specs := make([]ClipSpec, 0, n)
	remaining := total
	for i := 0; i < n-1; i++ {
		specs = append(specs, ClipSpec{Index: i, Duration: engineMax})
		remaining -= engineMax
	}
	if remaining <= DurationEpsilon {
		// Float accumulation can leave a sliver instead of a real last
		// clip; drop it, the previous clip is already at the ceiling.
		specs[len(specs)-1].Final = true
		return specs, nil
	}
	specs = append(specs, ClipSpec{Index: n - 1, Duration: remaining, Final: true})
	return specs, nil
}

// ClipSource pairs a generated clip file with the duration it must occupy in
// the composed scene.
type ClipSource struct {
	Path     string  `json:"path" yaml:"path"`
	Duration float64 `json:"duration" yaml:"duration"`
}

// CompositionPlan is the composer's work order: clip files in playback order
// and the total duration the composed scene must hit.
type CompositionPlan struct {
	Clips []ClipSource `json:"clips" yaml:"clips"`
	Total float64      `json:"total" yaml:"total"`
}

// BuildCompositionPlan binds generated clip files to their planned durations.
// paths must be in ClipSpec order. The per-clip durations are checked against
// the total so a drifted plan fails here rather than as an out-of-sync video.
func BuildCompositionPlan(specs []ClipSpec, paths []string) (CompositionPlan, error) {
	if len(specs) == 0 {
		return CompositionPlan{}, fmt.Errorf("composition plan: no clips")
	}
	if len(paths) != len(specs) {
		return CompositionPlan{}, fmt.Errorf("composition plan: %d clip files for %d specs", len(paths), len(specs))
	}

	plan := CompositionPlan{Clips: make([]ClipSource, len(specs))}
	sum := 0.0
	for i, spec := range specs {
		if paths[i] == "" {
			return CompositionPlan{}, fmt.Errorf("composition plan: clip %d has no file", i)
		}
		plan.Clips[i] = ClipSource{Path: paths[i], Duration: spec.Duration}
		sum += spec.Duration
	}
	plan.Total = sum
	return plan, nil
}

// TotalDuration sums the planned clip durations.
func TotalDuration(specs []ClipSpec) float64 {
	sum := 0.0
	for _, s := range specs {
		sum += s.Duration
	}
	return sum
}
