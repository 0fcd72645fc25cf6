// Package manifest provides loading and validation of clipforge job
// manifests.
//
// A job manifest is a YAML or JSON file that configures a generation run:
// the engine fleet, routing policy, task limits, composition settings, and
// the scenes to produce.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown
// properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	engines:
//	  - id: doubao_seedance
//	    adapter: ark
//	    max_clip_duration: 10
//	    supported_durations: [5, 10]
//	    priority: 1
//	  - id: cogvideox_flash
//	    adapter: glm
//	    max_clip_duration: 6
//	    free: true
//	    priority: 2
//	routing:
//	  policy: free_first
//	scenes:
//	  - id: scene-001
//	    prompt: "waves crashing on a rocky shore at dusk"
//	    narration_duration: 15.4
package manifest

import (
	"time"

	"github.com/ljc0311/clipforge/pkg/engine"
)

// Manifest represents a validated job manifest.
//
// Required fields are Version, Engines, and Scenes. Routing, Tasks, Compose,
// and Output are optional with defaults applied during loading.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Engines declares the engine fleet, one entry per remote engine.
	Engines []EngineConfig `json:"engines" yaml:"engines"`

	// Routing configures engine selection (optional).
	Routing RoutingConfig `json:"routing,omitempty" yaml:"routing,omitempty"`

	// Tasks configures the task manager (optional).
	Tasks TasksConfig `json:"tasks,omitempty" yaml:"tasks,omitempty"`

	// Compose configures duration-sync composition (optional).
	Compose ComposeConfig `json:"compose,omitempty" yaml:"compose,omitempty"`

	// Scenes lists the scenes to generate, in order.
	Scenes []SceneConfig `json:"scenes" yaml:"scenes"`

	// Output configures where composed videos land (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// EngineConfig declares one engine: its adapter, capability limits, and
// adapter-specific parameters.
type EngineConfig struct {
	// ID is the engine's unique identifier within this manifest.
	ID string `json:"id" yaml:"id"`

	// Adapter selects the implementation: "ark" or "glm".
	Adapter string `json:"adapter" yaml:"adapter"`

	// Name is a human-readable label. Optional.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// MaxClipDuration is the longest single clip the engine produces, in
	// seconds. Required, positive.
	MaxClipDuration float64 `json:"max_clip_duration" yaml:"max_clip_duration"`

	// SupportedDurations lists the engine's discrete duration grid in
	// seconds. Optional; empty means continuous.
	SupportedDurations []float64 `json:"supported_durations,omitempty" yaml:"supported_durations,omitempty"`

	// Free marks engines with no per-second cost.
	Free bool `json:"free,omitempty" yaml:"free,omitempty"`

	// CostPerSecond is the metered cost estimate. Optional.
	CostPerSecond float64 `json:"cost_per_second,omitempty" yaml:"cost_per_second,omitempty"`

	// Priority ranks the engine for priority routing. Lower is better.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// MaxConcurrent is the engine's own concurrency ceiling. Optional.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`

	// APIKeyEnv names the environment variable holding the engine's API
	// key. Default depends on the adapter (ARK_API_KEY, GLM_API_KEY).
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`

	// Params carries adapter-specific settings (model, base_url,
	// resolution, submit_rate). Decoded by the adapter factory.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Descriptor converts the config to the runtime capability record.
func (e EngineConfig) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		ID:                 e.ID,
		Name:               e.Name,
		MaxClipDuration:    e.MaxClipDuration,
		SupportedDurations: e.SupportedDurations,
		Free:               e.Free,
		CostPerSecond:      e.CostPerSecond,
		Priority:           e.Priority,
		MaxConcurrent:      e.MaxConcurrent,
	}
}

// RoutingConfig configures engine selection.
type RoutingConfig struct {
	// Policy is one of priority, free_first, load_balance,
	// fastest_observed. Default: priority.
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty"`

	// MaxEngines caps distinct engines tried per job. Default: all.
	MaxEngines int `json:"max_engines,omitempty" yaml:"max_engines,omitempty"`
}

// TasksConfig configures the task manager.
type TasksConfig struct {
	// Concurrency bounds simultaneously running generation tasks.
	// Range: 1-16. Default: 3.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// JobTimeout is the wall-clock budget per clip as a duration string
	// ("10m", "90s"). Default: "10m".
	JobTimeout string `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty"`

	// HistoryLimit bounds retained terminal task records. Default: 256.
	HistoryLimit int `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`
}

// JobTimeoutDuration parses JobTimeout; defaults already applied.
func (t TasksConfig) JobTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(t.JobTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// ComposeConfig configures duration-sync composition and probing.
type ComposeConfig struct {
	// FFmpegPath is the ffmpeg binary. Default: "ffmpeg".
	FFmpegPath string `json:"ffmpeg_path,omitempty" yaml:"ffmpeg_path,omitempty"`

	// FFprobePath is the ffprobe binary. Default: "ffprobe".
	FFprobePath string `json:"ffprobe_path,omitempty" yaml:"ffprobe_path,omitempty"`

	// WorkDir holds intermediate files. Default: system temp.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// Epsilon is the duration tolerance in seconds. Default: 0.05.
	Epsilon float64 `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`

	// KeepWorkFiles disables intermediate cleanup, for debugging.
	KeepWorkFiles bool `json:"keep_work_files,omitempty" yaml:"keep_work_files,omitempty"`
}

// SceneConfig is one scene to generate.
type SceneConfig struct {
	// ID identifies the scene and names its output file.
	ID string `json:"id" yaml:"id"`

	// Prompt is what to generate.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Image optionally seeds image-to-video generation: a local path or
	// URL.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// NarrationDuration is the scene's audio length in seconds. Either
	// this or NarrationAudio is required.
	NarrationDuration float64 `json:"narration_duration,omitempty" yaml:"narration_duration,omitempty"`

	// NarrationAudio is a narration audio file whose probed duration is
	// used when NarrationDuration is zero.
	NarrationAudio string `json:"narration_audio,omitempty" yaml:"narration_audio,omitempty"`

	// PreferredEngine optionally pins the first engine to try.
	PreferredEngine string `json:"preferred_engine,omitempty" yaml:"preferred_engine,omitempty"`

	// FPS, Width, Height are passed to the engines when set.
	FPS    int `json:"fps,omitempty" yaml:"fps,omitempty"`
	Width  int `json:"width,omitempty" yaml:"width,omitempty"`
	Height int `json:"height,omitempty" yaml:"height,omitempty"`
}

// OutputConfig configures where composed scene videos land.
type OutputConfig struct {
	// Dir is the local output directory. Default: ".".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Artifact optionally publishes finished videos to a remote store.
	Artifact *ArtifactConfig `json:"artifact,omitempty" yaml:"artifact,omitempty"`
}

// ArtifactConfig configures remote artifact publishing.
type ArtifactConfig struct {
	// Store is the backend: "s3" or "file".
	Store string `json:"store" yaml:"store"`

	// Bucket is the S3 bucket (s3 store only).
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// Prefix is prepended to artifact keys. Optional.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Region is the AWS region (s3 store only). Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Path is the destination directory (file store only).
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ApplyDefaults fills optional fields with their documented defaults.
func (m *Manifest) ApplyDefaults() {
	if m.Routing.Policy == "" {
		m.Routing.Policy = "priority"
	}
	if m.Tasks.Concurrency == 0 {
		m.Tasks.Concurrency = 3
	}
	if m.Tasks.JobTimeout == "" {
		m.Tasks.JobTimeout = "10m"
	}
	if m.Tasks.HistoryLimit == 0 {
		m.Tasks.HistoryLimit = 256
	}
	if m.Compose.FFmpegPath == "" {
		m.Compose.FFmpegPath = "ffmpeg"
	}
	if m.Compose.FFprobePath == "" {
		m.Compose.FFprobePath = "ffprobe"
	}
	if m.Compose.Epsilon == 0 {
		m.Compose.Epsilon = 0.05
	}
	if m.Output.Dir == "" {
		m.Output.Dir = "."
	}
	for i := range m.Engines {
		e := &m.Engines[i]
		if e.Priority == 0 {
			e.Priority = i + 1
		}
		if e.APIKeyEnv == "" {
			switch e.Adapter {
			case "ark":
				e.APIKeyEnv = "ARK_API_KEY"
			case "glm":
				e.APIKeyEnv = "GLM_API_KEY"
			}
		}
	}
}
