package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ljc0311/clipforge/internal/observability"
	"github.com/ljc0311/clipforge/pkg/manifest"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local environment and suggest fixes
for common issues.

Examples:
  clipforge doctor                    # Environment checks
  clipforge doctor --job scenes.yaml  # Also check manifest and API keys`,
	Run: runDoctor,
}

var doctorJobPath string

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVarP(&doctorJobPath, "job", "j", "", "Check a job manifest and its engine credentials")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 4
	if doctorJobPath != "" {
		totalChecks = 6
	}

	// Check 1: Go runtime
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking runtime... ✅ %s", checkNum, totalChecks, runtime.Version()),
		zap.String("go_version", runtime.Version()))
	checkNum++

	// Check 2: ffmpeg
	if path, err := exec.LookPath("ffmpeg"); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking ffmpeg... ❌ not found on PATH", checkNum, totalChecks))
		printFFmpegHelp()
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking ffmpeg... ✅ %s", checkNum, totalChecks, path),
			zap.String("ffmpeg", path))
	}
	checkNum++

	// Check 3: ffprobe
	if path, err := exec.LookPath("ffprobe"); err != nil {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking ffprobe... ⚠️  not found on PATH (container parsing fallback will be used)", checkNum, totalChecks))
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking ffprobe... ✅ %s", checkNum, totalChecks, path),
			zap.String("ffprobe", path))
	}
	checkNum++

	// Check 4: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorJobPath != "" {
		allChecks = runManifestChecks(checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// runManifestChecks validates the manifest and the API keys it references.
func runManifestChecks(checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Manifest Checks:")

	m, err := manifest.Load(doctorJobPath)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking manifest... ❌ invalid", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking manifest... ✅ %d engine(s), %d scene(s)",
		checkNum, totalChecks, len(m.Engines), len(m.Scenes)))
	checkNum++

	missing := 0
	for _, ec := range m.Engines {
		if os.Getenv(ec.APIKeyEnv) == "" {
			observability.CLILogger.Error(fmt.Sprintf("  engine %s: %s is not set", ec.ID, ec.APIKeyEnv))
			missing++
		}
	}
	if missing > 0 {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking API keys... ❌ %d missing", checkNum, totalChecks, missing))
		observability.CLILogger.Info("  Set the variables above, or add them to a .env file in the working directory.")
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking API keys... ✅ all set", checkNum, totalChecks))

	return allChecks
}

func printFFmpegHelp() {
	observability.CLILogger.Info("  clipforge needs ffmpeg for duration-sync composition.")
	observability.CLILogger.Info("  Install it with your package manager, e.g.:")
	observability.CLILogger.Info("    apt install ffmpeg    # Debian/Ubuntu")
	observability.CLILogger.Info("    brew install ffmpeg   # macOS")
}
