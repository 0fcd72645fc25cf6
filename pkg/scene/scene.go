// Package scene is the orchestration entry point: one call turns a scene's
// prompt and narration duration into a single video file of exactly that
// duration.
//
// GenerateSceneVideo drives the full chain: the planner splits the duration
// into clip specs, the task manager runs one generation task per clip under
// the concurrency bound, each task routes through candidate engines, and the
// composer stitches the finished clips back in plan order. Clips may finish
// out of order; the output slice is indexed by clip position so composition
// always sees plan order. If any clip fails the whole scene fails; a scene
// missing a clip cannot match its narration.
package scene

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ljc0311/clipforge/pkg/engine"
	"github.com/ljc0311/clipforge/pkg/planner"
	"github.com/ljc0311/clipforge/pkg/router"
	"github.com/ljc0311/clipforge/pkg/taskmanager"
)

// Composer turns a composition plan into one video file. Implemented by
// compose.Composer.
type Composer interface {
	Compose(ctx context.Context, plan planner.CompositionPlan, outPath string) error
}

// Progress describes one clip's state change, for UIs and logs.
type Progress struct {
	SceneID   string
	ClipIndex int
	ClipCount int
	State     taskmanager.State
	EngineID  string
	Err       error
}

// ProgressFunc receives progress events. Must be fast; it is called inline.
type ProgressFunc func(Progress)

// Request is one scene generation order.
type Request struct {
	// SceneID identifies the scene; it names output files and scopes
	// cancellation. Required.
	SceneID string

	// Prompt is what to generate. Required.
	Prompt string

	// ImageRef optionally seeds image-to-video generation: a local path
	// or URL from the upstream image stage.
	ImageRef string

	// NarrationDuration is the scene's audio length in seconds. The
	// composed video matches it exactly. Required, positive.
	NarrationDuration float64

	// PreferredEngine optionally pins the first engine to try.
	PreferredEngine string

	// FPS, Width, Height are passed through to the engines when set.
	FPS    int
	Width  int
	Height int

	// Progress optionally receives per-clip state transitions.
	Progress ProgressFunc
}

// Config configures a Generator.
type Config struct {
	// ClipDir holds downloaded per-clip files. Default
	// os.TempDir()/clipforge/clips.
	ClipDir string

	// OutputDir holds composed scene videos. Default ".".
	OutputDir string

	// JobTimeout is the wall-clock budget per clip, submit through final
	// poll. Default taken from engine.DefaultAwaitOptions.
	JobTimeout time.Duration

	// Await tunes the adapter poll loop.
	Await engine.AwaitOptions

	// Logger receives scene lifecycle events. Default no-op.
	Logger *zap.Logger
}

// Generator composes scene videos. Safe for concurrent use; scenes run
// independently, bounded only by the task manager's global slot pool.
type Generator struct {
	tasks    *taskmanager.Manager
	router   *router.Router
	composer Composer
	cfg      Config
	log      *zap.Logger
}

// New creates a Generator.
func New(tasks *taskmanager.Manager, rt *router.Router, composer Composer, cfg Config) (*Generator, error) {
	if tasks == nil || rt == nil || composer == nil {
		return nil, errors.New("scene: task manager, router and composer are all required")
	}
	if cfg.ClipDir == "" {
		cfg.ClipDir = filepath.Join(os.TempDir(), "clipforge", "clips")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = engine.DefaultAwaitOptions().WallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Generator{tasks: tasks, router: rt, composer: composer, cfg: cfg, log: cfg.Logger}, nil
}

// GenerateSceneVideo produces the scene's video file and returns its path.
// The file's duration equals req.NarrationDuration within the composer's
// epsilon. On any clip failure the scene fails as a whole and no partial
// file is written.
func (g *Generator) GenerateSceneVideo(ctx context.Context, req Request) (string, error) {
	if req.SceneID == "" {
		return "", errors.New("scene: scene ID is required")
	}
	if req.Prompt == "" {
		return "", errors.New("scene: prompt is required")
	}
	if req.NarrationDuration <= 0 {
		return "", fmt.Errorf("scene: narration duration must be positive, got %.3f", req.NarrationDuration)
	}

	engineMax, err := g.planningCeiling(req)
	if err != nil {
		return "", err
	}
	specs, err := planner.Plan(req.NarrationDuration, engineMax)
	if err != nil {
		return "", err
	}

	g.log.Info("scene planned",
		zap.String("scene_id", req.SceneID),
		zap.Float64("narration_duration", req.NarrationDuration),
		zap.Float64("engine_max", engineMax),
		zap.Int("clips", len(specs)))

	clipDir := filepath.Join(g.cfg.ClipDir, req.SceneID)
	if err := os.MkdirAll(clipDir, 0755); err != nil {
		return "", fmt.Errorf("scene: %w", err)
	}

	taskIDs := make([]string, len(specs))
	for _, spec := range specs {
		spec := spec
		job := engine.Job{
			ID:              fmt.Sprintf("%s/%d", req.SceneID, spec.Index),
			Prompt:          req.Prompt,
			ImageRef:        req.ImageRef,
			Duration:        spec.Duration,
			FPS:             req.FPS,
			Width:           req.Width,
			Height:          req.Height,
			PreferredEngine: req.PreferredEngine,
		}
		dest := filepath.Join(clipDir, fmt.Sprintf("clip_%03d.mp4", spec.Index))
		g.report(req, spec.Index, len(specs), taskmanager.StateQueued, "", nil)

		id, err := g.tasks.Submit(job, g.clipRunner(req, spec, len(specs), dest))
		if err != nil {
			g.tasks.CancelScene(req.SceneID)
			return "", fmt.Errorf("scene %s: %w", req.SceneID, err)
		}
		taskIDs[spec.Index] = id
	}

	paths, err := g.awaitClips(ctx, req, specs, taskIDs)
	if err != nil {
		g.tasks.CancelScene(req.SceneID)
		return "", err
	}

	plan, err := planner.BuildCompositionPlan(specs, paths)
	if err != nil {
		return "", fmt.Errorf("scene %s: %w", req.SceneID, err)
	}
	outPath := filepath.Join(g.cfg.OutputDir, req.SceneID+".mp4")
	if err := g.composer.Compose(ctx, plan, outPath); err != nil {
		return "", fmt.Errorf("scene %s: %w", req.SceneID, err)
	}

	g.log.Info("scene composed",
		zap.String("scene_id", req.SceneID),
		zap.String("output", outPath))
	return outPath, nil
}

// planningCeiling picks the clip-duration ceiling for the planner: the
// policy's first candidate engine decides how the scene is split.
func (g *Generator) planningCeiling(req Request) (float64, error) {
	candidates, err := g.router.Select(engine.Job{PreferredEngine: req.PreferredEngine})
	if err != nil {
		return 0, fmt.Errorf("scene %s: %w", req.SceneID, err)
	}
	max := candidates[0].MaxClipDuration
	if max <= 0 {
		return 0, fmt.Errorf("scene %s: engine %s has no clip duration limit configured",
			req.SceneID, candidates[0].ID)
	}
	return max, nil
}

// clipRunner returns the Runner executed by the task manager for one clip:
// route to an engine, submit, await, download.
func (g *Generator) clipRunner(req Request, spec planner.ClipSpec, clipCount int, dest string) taskmanager.Runner {
	return func(ctx context.Context, t *taskmanager.Task) (string, error) {
		job := t.Job()
		attempts := 0

		engineID, err := g.router.Run(ctx, job, func(ctx context.Context, eng engine.Engine) error {
			desc := eng.Describe()
			h, err := eng.Submit(ctx, job)
			if err != nil {
				return err
			}
			if attempts == 0 {
				t.MarkSubmitted(desc.ID, h)
			} else {
				t.MarkRetry(desc.ID, h, fmt.Errorf("previous engine failed"))
			}
			attempts++
			g.report(req, spec.Index, clipCount, taskmanager.StateSubmitted, desc.ID, nil)

			t.MarkPolling()
			g.report(req, spec.Index, clipCount, taskmanager.StatePolling, desc.ID, nil)

			opts := g.cfg.Await
			if opts.WallTimeout <= 0 {
				opts.WallTimeout = g.cfg.JobTimeout
			}
			res, err := engine.Await(ctx, eng, h, opts)
			if err != nil {
				return err
			}
			if res.Status != engine.StatusSucceeded {
				return &engine.Error{Op: "Await", Engine: desc.ID, JobID: job.ID,
					Err: fmt.Errorf("remote generation failed: %s", res.Reason)}
			}
			return eng.Download(ctx, res.AssetRef, dest)
		})
		if err != nil {
			g.report(req, spec.Index, clipCount, taskmanager.StateFailed, engineID, err)
			return "", err
		}
		g.report(req, spec.Index, clipCount, taskmanager.StateSucceeded, engineID, nil)
		return dest, nil
	}
}

// awaitClips collects every clip's output path in spec order, regardless of
// completion order. The first failure aborts the wait; remaining tasks are
// cancelled by the caller.
//
// The wait itself carries no deadline: a clip may sit in Queued for as long
// as earlier clips hold the manager's slots, and JobTimeout only budgets a
// clip once it is running (via the runner's Await wall timeout). Cancellation
// still cuts the wait short through ctx.
func (g *Generator) awaitClips(ctx context.Context, req Request, specs []planner.ClipSpec, taskIDs []string) ([]string, error) {
	paths := make([]string, len(specs))
	eg, ctx := errgroup.WithContext(ctx)
	for i, id := range taskIDs {
		i, id := i, id
		eg.Go(func() error {
			done := make(chan struct{})
			var rec taskmanager.Record
			var err error
			go func() {
				rec, err = g.tasks.AwaitResult(id, 0)
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err != nil {
				return fmt.Errorf("clip %d: %w", i, err)
			}
			switch rec.State {
			case taskmanager.StateSucceeded:
				paths[i] = rec.OutputPath
				return nil
			case taskmanager.StateCancelled:
				return fmt.Errorf("clip %d: %w", i, engine.ErrCancelled)
			default:
				return fmt.Errorf("clip %d failed: %s", i, rec.LastError)
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("scene %s: %w", req.SceneID, err)
	}
	return paths, nil
}

// CancelScene cancels all outstanding tasks for a scene. Idempotent.
func (g *Generator) CancelScene(sceneID string) {
	g.tasks.CancelScene(sceneID)
}

func (g *Generator) report(req Request, idx, count int, state taskmanager.State, engineID string, err error) {
	if req.Progress == nil {
		return
	}
	req.Progress(Progress{
		SceneID:   req.SceneID,
		ClipIndex: idx,
		ClipCount: count,
		State:     state,
		EngineID:  engineID,
		Err:       err,
	})
}
