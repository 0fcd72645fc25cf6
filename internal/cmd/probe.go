package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/ljc0311/clipforge/pkg/mediaprobe"
)

var probeCmd = &cobra.Command{
	Use:   "probe FILE",
	Short: "Report a media file's duration",
	Long: `Probe a media file and print its duration in seconds.

Uses ffprobe when available, falling back to MP4 container parsing and a
bitrate-based size estimate for audio.

Example:
  clipforge probe narration.mp3
  clipforge probe clip.mp4 --ffprobe /opt/ffmpeg/bin/ffprobe`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var probeFFprobePath string

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVar(&probeFFprobePath, "ffprobe", "", "Path to ffprobe binary")
}

func runProbe(cmd *cobra.Command, args []string) error {
	prober := mediaprobe.New(mediaprobe.Config{FFprobePath: probeFFprobePath})

	d, err := prober.Duration(cmd.Context(), args[0])
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot probe file", err)
	}

	fmt.Printf("%.3f\n", d)
	return nil
}
