package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ljc0311/clipforge/internal/observability"
	"github.com/ljc0311/clipforge/pkg/engine/factory"
	"github.com/ljc0311/clipforge/pkg/manifest"
	"github.com/ljc0311/clipforge/pkg/router"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "Inspect the engine fleet",
}

var enginesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List engines declared in a manifest",
	RunE:  runEnginesList,
}

var enginesTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Check connectivity and credentials for each engine",
	RunE:  runEnginesTest,
}

var enginesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show routing stats from a running job's status server",
	RunE:  runEnginesStats,
}

var (
	enginesJobPath     string
	enginesTestTimeout time.Duration
	enginesStatsAddr   string
)

func init() {
	rootCmd.AddCommand(enginesCmd)
	enginesCmd.AddCommand(enginesListCmd)
	enginesCmd.AddCommand(enginesTestCmd)
	enginesCmd.AddCommand(enginesStatsCmd)

	enginesListCmd.Flags().StringVarP(&enginesJobPath, "job", "j", "", "Path to job manifest (required)")
	enginesTestCmd.Flags().StringVarP(&enginesJobPath, "job", "j", "", "Path to job manifest (required)")
	enginesTestCmd.Flags().DurationVar(&enginesTestTimeout, "timeout", 30*time.Second, "Per-engine ping timeout")
	enginesStatsCmd.Flags().StringVar(&enginesStatsAddr, "addr", "localhost:8080", "Status server address of a running generate job")

	_ = enginesListCmd.MarkFlagRequired("job")
	_ = enginesTestCmd.MarkFlagRequired("job")
}

func runEnginesList(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(enginesJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	fmt.Printf("%-14s %-8s %-10s %-10s %-8s %s\n",
		"ID", "ADAPTER", "MAX CLIP", "PRIORITY", "FREE", "DURATIONS")
	for _, ec := range m.Engines {
		durations := "continuous"
		if len(ec.SupportedDurations) > 0 {
			durations = fmt.Sprintf("%v", ec.SupportedDurations)
		}
		fmt.Printf("%-14s %-8s %-10.0f %-10d %-8v %s\n",
			ec.ID, ec.Adapter, ec.MaxClipDuration, ec.Priority, ec.Free, durations)
	}
	return nil
}

func runEnginesTest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(enginesJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	var failures int
	for _, ec := range m.Engines {
		eng, err := factory.Build(ec)
		if err != nil {
			fmt.Printf("  ❌ %s: %v\n", ec.ID, err)
			failures++
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, enginesTestTimeout)
		err = eng.Ping(pingCtx)
		cancel()
		_ = eng.Close()

		if err != nil {
			fmt.Printf("  ❌ %s: %v\n", ec.ID, err)
			observability.CLILogger.Debug("Engine ping failed",
				zap.String("engine", ec.ID), zap.Error(err))
			failures++
			continue
		}
		fmt.Printf("  ✅ %s: reachable\n", ec.ID)
	}

	if failures > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("%d engine(s) unreachable", failures), errors.New("engine test failed"))
	}
	return nil
}

func runEnginesStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	url := "http://" + enginesStatsAddr + "/v1/engines"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid status address", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot reach status server", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server error",
			fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url))
	}

	var body struct {
		Engines []router.Stats `json:"engines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Bad status server response", err)
	}

	fmt.Printf("%-14s %-10s %-10s %-10s %s\n",
		"ID", "IN-FLIGHT", "SUCCESSES", "FAILURES", "MEDIAN LATENCY")
	for _, st := range body.Engines {
		fmt.Printf("%-14s %-10d %-10d %-10d %s\n",
			st.EngineID, st.InFlight, st.Successes, st.Failures, st.MedianLatency)
	}
	return nil
}
