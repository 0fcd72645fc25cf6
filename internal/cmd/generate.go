package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ljc0311/clipforge/internal/observability"
	"github.com/ljc0311/clipforge/internal/server"
	"github.com/ljc0311/clipforge/internal/server/handlers"
	"github.com/ljc0311/clipforge/pkg/artifact"
	"github.com/ljc0311/clipforge/pkg/compose"
	"github.com/ljc0311/clipforge/pkg/engine/factory"
	"github.com/ljc0311/clipforge/pkg/manifest"
	"github.com/ljc0311/clipforge/pkg/mediaprobe"
	"github.com/ljc0311/clipforge/pkg/planner"
	"github.com/ljc0311/clipforge/pkg/router"
	"github.com/ljc0311/clipforge/pkg/scene"
	"github.com/ljc0311/clipforge/pkg/taskmanager"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run a generation job from manifest",
	Long: `Generate scene videos as defined in a YAML or JSON job manifest.

The manifest declares the engine fleet, routing policy, task limits, and
the scenes to produce. Each scene's composed video matches its narration
duration.

Example:
  clipforge generate --job scenes.yaml
  clipforge generate --job scenes.yaml --output ./renders
  clipforge generate --job scenes.yaml --dry-run
  clipforge generate --job scenes.yaml --status-addr localhost:8080`,
	RunE: runGenerate,
}

var (
	generateJobPath    string
	generateOutput     string
	generateQuiet      bool
	generateDryRun     bool
	generatePlan       bool
	generateStatusAddr string
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&generateJobPath, "job", "j", "", "Path to job manifest (required)")
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "", "Override output directory")
	generateCmd.Flags().BoolVarP(&generateQuiet, "quiet", "q", false, "Suppress per-clip progress")
	generateCmd.Flags().BoolVar(&generateDryRun, "dry-run", false, "Validate manifest and show plan without executing")
	generateCmd.Flags().BoolVar(&generatePlan, "plan", false, "Alias for --dry-run")
	generateCmd.Flags().StringVar(&generateStatusAddr, "status-addr", "", "Serve job status HTTP on this address while running")

	_ = generateCmd.MarkFlagRequired("job")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(generateJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", generateJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", generateJobPath),
		zap.Int("engines", len(m.Engines)),
		zap.Int("scenes", len(m.Scenes)),
		zap.String("policy", m.Routing.Policy))

	if generateOutput != "" {
		m.Output.Dir = generateOutput
	}

	if generatePlan || generateDryRun {
		return showGeneratePlan(ctx, m)
	}

	return executeGenerate(ctx, m)
}

// showGeneratePlan displays the per-scene clip breakdown without submitting
// anything to the engines.
func showGeneratePlan(ctx context.Context, m *manifest.Manifest) error {
	prober := mediaprobe.New(mediaprobe.Config{FFprobePath: m.Compose.FFprobePath})

	fmt.Println("=== Generation Plan (dry-run) ===")
	fmt.Println()
	fmt.Println("Engines:")
	for _, ec := range m.Engines {
		tag := ""
		if ec.Free {
			tag = " (free)"
		}
		fmt.Printf("  - %-12s adapter=%-4s max_clip=%.0fs priority=%d%s\n",
			ec.ID, ec.Adapter, ec.MaxClipDuration, ec.Priority, tag)
	}
	fmt.Println()
	fmt.Printf("Routing:     %s\n", m.Routing.Policy)
	fmt.Printf("Concurrency: %d\n", m.Tasks.Concurrency)
	fmt.Printf("Job timeout: %s\n", m.Tasks.JobTimeout)
	fmt.Printf("Output:      %s\n", m.Output.Dir)
	fmt.Println()

	fmt.Println("Scenes:")
	for _, sc := range m.Scenes {
		total := sc.NarrationDuration
		if total <= 0 && sc.NarrationAudio != "" {
			d, err := prober.Duration(ctx, sc.NarrationAudio)
			if err != nil {
				return exitError(foundry.ExitFileReadError,
					fmt.Sprintf("Cannot probe narration audio for scene %s", sc.ID), err)
			}
			total = d
		}

		ec, err := planEngine(m, sc)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid scene", err)
		}
		specs, err := planner.Plan(total, ec.MaxClipDuration)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument,
				fmt.Sprintf("Cannot plan scene %s", sc.ID), err)
		}

		fmt.Printf("  %s: %.2fs in %d clip(s) via %s\n", sc.ID, total, len(specs), ec.ID)
		for _, spec := range specs {
			fmt.Printf("    clip %d: %.2fs\n", spec.Index, spec.Duration)
		}
		if ec.Free {
			fmt.Printf("    estimated cost: free\n")
		} else {
			fmt.Printf("    estimated cost: %.4f\n", total*ec.CostPerSecond)
		}
	}
	fmt.Println()
	fmt.Println("Manifest validated successfully. Remove --dry-run to execute.")
	return nil
}

// planEngine mirrors the generator's planning choice: the preferred engine
// when pinned, otherwise the best-ranked one.
func planEngine(m *manifest.Manifest, sc manifest.SceneConfig) (manifest.EngineConfig, error) {
	if sc.PreferredEngine != "" {
		for _, ec := range m.Engines {
			if ec.ID == sc.PreferredEngine {
				return ec, nil
			}
		}
		return manifest.EngineConfig{}, fmt.Errorf("scene %s prefers unknown engine %q", sc.ID, sc.PreferredEngine)
	}
	engines := make([]manifest.EngineConfig, len(m.Engines))
	copy(engines, m.Engines)
	sort.SliceStable(engines, func(i, j int) bool {
		return engines[i].Priority < engines[j].Priority
	})
	return engines[0], nil
}

// sceneOutcome records one scene's result for the final summary.
type sceneOutcome struct {
	sceneID  string
	path     string
	artifact string
	err      error
}

// executeGenerate runs the full generation job.
func executeGenerate(ctx context.Context, m *manifest.Manifest) error {
	jobID := uuid.New().String()

	reg, err := factory.BuildRegistry(m)
	if err != nil {
		observability.CLILogger.Error("Failed to build engine fleet", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Cannot build engines", err)
	}
	defer func() { _ = reg.Close() }()

	policy, err := router.ParsePolicy(m.Routing.Policy)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid routing policy", err)
	}
	rt, err := router.New(reg, router.Config{Policy: policy, MaxEngines: m.Routing.MaxEngines})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid routing config", err)
	}

	tasks := taskmanager.New(taskmanager.Config{
		MaxConcurrent: m.Tasks.Concurrency,
		HistoryLimit:  m.Tasks.HistoryLimit,
		Logger:        observability.CLILogger,
	})
	defer tasks.Close()

	prober := mediaprobe.New(mediaprobe.Config{FFprobePath: m.Compose.FFprobePath})
	composer, err := compose.New(prober, compose.Config{
		FFmpegPath:    m.Compose.FFmpegPath,
		WorkDir:       m.Compose.WorkDir,
		Epsilon:       m.Compose.Epsilon,
		KeepWorkFiles: m.Compose.KeepWorkFiles,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid compose config", err)
	}

	if err := os.MkdirAll(m.Output.Dir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot create output directory", err)
	}

	gen, err := scene.New(tasks, rt, composer, scene.Config{
		OutputDir:  m.Output.Dir,
		JobTimeout: m.Tasks.JobTimeoutDuration(),
		Logger:     observability.CLILogger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot build generator", err)
	}

	if generateStatusAddr != "" {
		srv, err := startStatusServer(generateStatusAddr, tasks, rt)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot start status server", err)
		}
		shutdownTimeout := 10 * time.Second
		if procConfig != nil {
			shutdownTimeout = procConfig.Server.ShutdownTimeout
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	var store artifact.Store
	if m.Output.Artifact != nil {
		store, err = artifact.New(ctx, m.Output.Artifact)
		if err != nil {
			observability.CLILogger.Error("Failed to open artifact store", zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open artifact store", err)
		}
	}

	observability.CLILogger.Info("Starting generation",
		zap.String("job_id", jobID),
		zap.Int("scenes", len(m.Scenes)),
		zap.String("policy", string(policy)))

	outcomes := make([]sceneOutcome, len(m.Scenes))
	var wg sync.WaitGroup
	for i, sc := range m.Scenes {
		wg.Add(1)
		go func(i int, sc manifest.SceneConfig) {
			defer wg.Done()
			outcomes[i] = runScene(ctx, gen, prober, store, sc)
		}(i, sc)
	}
	wg.Wait()

	return printSummary(outcomes)
}

// runScene resolves the scene duration, generates its video, and publishes
// the artifact when a store is configured.
func runScene(ctx context.Context, gen *scene.Generator, prober *mediaprobe.Prober, store artifact.Store, sc manifest.SceneConfig) sceneOutcome {
	out := sceneOutcome{sceneID: sc.ID}

	total := sc.NarrationDuration
	if total <= 0 && sc.NarrationAudio != "" {
		d, err := prober.Duration(ctx, sc.NarrationAudio)
		if err != nil {
			out.err = fmt.Errorf("probe narration audio: %w", err)
			return out
		}
		total = d
	}

	req := scene.Request{
		SceneID:           sc.ID,
		Prompt:            sc.Prompt,
		ImageRef:          sc.Image,
		NarrationDuration: total,
		PreferredEngine:   sc.PreferredEngine,
		FPS:               sc.FPS,
		Width:             sc.Width,
		Height:            sc.Height,
	}
	if !generateQuiet {
		req.Progress = logProgress
	}

	path, err := gen.GenerateSceneVideo(ctx, req)
	if err != nil {
		out.err = err
		return out
	}
	out.path = path

	if store != nil {
		loc, err := store.Publish(ctx, sc.ID+".mp4", path)
		if err != nil {
			out.err = fmt.Errorf("publish artifact: %w", err)
			return out
		}
		out.artifact = loc
	}
	return out
}

func logProgress(p scene.Progress) {
	fields := []zap.Field{
		zap.String("scene", p.SceneID),
		zap.Int("clip", p.ClipIndex),
		zap.Int("of", p.ClipCount),
		zap.String("state", string(p.State)),
	}
	if p.EngineID != "" {
		fields = append(fields, zap.String("engine", p.EngineID))
	}
	if p.Err != nil {
		fields = append(fields, zap.Error(p.Err))
		observability.CLILogger.Warn("Clip progress", fields...)
		return
	}
	observability.CLILogger.Info("Clip progress", fields...)
}

func startStatusServer(addr string, tasks *taskmanager.Manager, rt *router.Router) (*server.Server, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid status address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid status port %q: %w", portStr, err)
	}

	srv := server.New(host, port,
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTaskSource(tasks),
		server.WithEngineSource(rt),
	)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

func printSummary(outcomes []sceneOutcome) error {
	var failed int
	var firstErr error

	fmt.Println()
	fmt.Println("=== Generation Summary ===")
	for _, out := range outcomes {
		switch {
		case out.err != nil:
			failed++
			if firstErr == nil {
				firstErr = out.err
			}
			fmt.Printf("  ❌ %s: %v\n", out.sceneID, out.err)
		case out.artifact != "":
			fmt.Printf("  ✅ %s: %s -> %s\n", out.sceneID, out.path, out.artifact)
		default:
			fmt.Printf("  ✅ %s: %s\n", out.sceneID, out.path)
		}
	}
	fmt.Printf("%d scene(s), %d failed\n", len(outcomes), failed)

	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("%d scene(s) failed", failed), firstErr)
	}
	return nil
}
