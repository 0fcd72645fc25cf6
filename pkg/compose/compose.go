// Package compose produces a scene video whose duration exactly matches the
// narration audio.
//
// Each generated clip is reconciled against its planned duration: trimmed
// from the start when too long, looped from the start when too short.
// Reconciled clips are then concatenated in plan order, first with stream
// copy and, when container mismatches make that fail, with a re-encode
// fallback. The composed output is re-probed and a mismatch beyond epsilon
// is a hard error, because a drifted video can never be muxed against its
// narration.
package compose

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/ljc0311/clipforge/pkg/planner"
)

// ErrDurationMismatch means the composed output missed the target duration.
// It indicates a trimming or planning defect, not a transient condition.
var ErrDurationMismatch = errors.New("composed duration does not match target")

// DurationProber reports a media file's play duration in seconds.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Config configures a Composer.
type Config struct {
	// FFmpegPath is the ffmpeg binary. Default "ffmpeg" from PATH.
	FFmpegPath string

	// WorkDir holds intermediate files. Default os.TempDir()/clipforge.
	WorkDir string

	// Epsilon is the duration comparison tolerance in seconds. Default
	// planner.DurationEpsilon.
	Epsilon float64

	// KeepWorkFiles disables intermediate-file cleanup, for debugging.
	KeepWorkFiles bool

	// Logger receives command traces. Default no-op.
	Logger *zap.Logger
}

// DefaultConfig returns the default Composer configuration.
func DefaultConfig() Config {
	return Config{
		FFmpegPath: "ffmpeg",
		WorkDir:    filepath.Join(os.TempDir(), "clipforge"),
		Epsilon:    planner.DurationEpsilon,
	}
}

// Composer reconciles and concatenates clips. Safe for concurrent use as
// long as distinct calls use distinct output paths.
type Composer struct {
	cfg    Config
	prober DurationProber
	log    *zap.Logger

	// run executes one ffmpeg invocation; swapped out by tests.
	run func(ctx context.Context, args ...string) error
}

// New creates a Composer.
func New(prober DurationProber, cfg Config) (*Composer, error) {
	if prober == nil {
		return nil, errors.New("compose: nil prober")
	}
	def := DefaultConfig()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Composer{cfg: cfg, prober: prober, log: cfg.Logger}
	c.run = c.ffmpeg
	return c, nil
}

// Compose builds outPath from the plan. The output duration equals
// plan.Total within epsilon or the call fails with ErrDurationMismatch.
func (c *Composer) Compose(ctx context.Context, plan planner.CompositionPlan, outPath string) error {
	if len(plan.Clips) == 0 {
		return errors.New("compose: empty plan")
	}
	if outPath == "" {
		return errors.New("compose: no output path")
	}

	workDir, err := os.MkdirTemp(c.cfg.WorkDir, "scene-*")
	if err != nil {
		if mkErr := os.MkdirAll(c.cfg.WorkDir, 0755); mkErr != nil {
			return fmt.Errorf("compose: create work dir: %w", mkErr)
		}
		if workDir, err = os.MkdirTemp(c.cfg.WorkDir, "scene-*"); err != nil {
			return fmt.Errorf("compose: create work dir: %w", err)
		}
	}
	if !c.cfg.KeepWorkFiles {
		defer c.cleanup(workDir)
	}

	// Per-clip drifts add up across the concat, so each clip only gets an
	// equal share of the scene tolerance. N clips each off by a hair under
	// epsilon would otherwise pass untouched and fail the final check.
	tolerance := c.cfg.Epsilon / float64(len(plan.Clips))

	synced := make([]string, len(plan.Clips))
	for i, clip := range plan.Clips {
		path, err := c.syncClip(ctx, clip, tolerance, filepath.Join(workDir, fmt.Sprintf("clip_%03d.mp4", i)))
		if err != nil {
			return fmt.Errorf("compose: clip %d: %w", i, err)
		}
		synced[i] = path
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if len(synced) == 1 {
		if err := c.copyFile(synced[0], outPath); err != nil {
			return fmt.Errorf("compose: %w", err)
		}
	} else if err := c.concat(ctx, synced, workDir, outPath); err != nil {
		return fmt.Errorf("compose: concat: %w", err)
	}

	got, err := c.prober.Duration(ctx, outPath)
	if err != nil {
		return fmt.Errorf("compose: verify output: %w", err)
	}
	if math.Abs(got-plan.Total) > c.cfg.Epsilon {
		return fmt.Errorf("%w: got %.3fs, want %.3fs (epsilon %.3fs)",
			ErrDurationMismatch, got, plan.Total, c.cfg.Epsilon)
	}
	c.log.Debug("scene composed",
		zap.String("output", outPath),
		zap.Float64("duration", got),
		zap.Int("clips", len(plan.Clips)))
	return nil
}

// syncClip returns a clip file whose duration equals clip.Duration: the
// original when it already matches within tolerance, otherwise a trimmed or
// looped copy.
func (c *Composer) syncClip(ctx context.Context, clip planner.ClipSource, tolerance float64, workPath string) (string, error) {
	actual, err := c.prober.Duration(ctx, clip.Path)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", clip.Path, err)
	}

	diff := actual - clip.Duration
	switch {
	case math.Abs(diff) <= tolerance:
		return clip.Path, nil
	case diff > 0:
		c.log.Debug("trimming clip",
			zap.String("clip", clip.Path),
			zap.Float64("actual", actual),
			zap.Float64("target", clip.Duration))
		err = c.run(ctx,
			"-y",
			"-i", clip.Path,
			"-t", formatSeconds(clip.Duration),
			"-c:v", "libx264", "-preset", "fast", "-crf", "18",
			"-an",
			workPath)
	default:
		c.log.Debug("looping clip",
			zap.String("clip", clip.Path),
			zap.Float64("actual", actual),
			zap.Float64("target", clip.Duration))
		err = c.run(ctx,
			"-y",
			"-stream_loop", "-1",
			"-i", clip.Path,
			"-t", formatSeconds(clip.Duration),
			"-c:v", "libx264", "-preset", "fast", "-crf", "18",
			"-an",
			workPath)
	}
	if err != nil {
		return "", err
	}
	return workPath, nil
}

// concat joins clips in order: stream copy first, re-encode when the inputs
// are not copy-compatible.
func (c *Composer) concat(ctx context.Context, clips []string, workDir, outPath string) error {
	listPath := filepath.Join(workDir, "concat_list.txt")
	var list strings.Builder
	for _, p := range clips {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0644); err != nil {
		return err
	}

	copyErr := c.run(ctx,
		"-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath)
	if copyErr == nil {
		return nil
	}

	c.log.Debug("stream-copy concat failed, re-encoding", zap.Error(copyErr))
	if err := c.run(ctx,
		"-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c:v", "libx264", "-preset", "fast", "-crf", "18",
		"-an",
		outPath); err != nil {
		return errors.Join(copyErr, err)
	}
	return nil
}

func (c *Composer) ffmpeg(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.cfg.FFmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s",
			strings.Join(args, " "), err, tail(string(out), 500))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func (c *Composer) copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// cleanup removes intermediate clips and concat lists, then the work dir.
func (c *Composer) cleanup(workDir string) {
	fsys := os.DirFS(workDir)
	for _, pattern := range []string{"clip_*.mp4", "concat_*.txt"} {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			_ = os.Remove(filepath.Join(workDir, m))
		}
	}
	_ = os.Remove(workDir)
}

func formatSeconds(d float64) string {
	return fmt.Sprintf("%.3f", d)
}
