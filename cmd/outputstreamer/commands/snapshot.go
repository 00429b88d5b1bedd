package commands

import (
	"fmt"
	"image/png"
	"os"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/host"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture one frame to a PNG file",
	Long: `Capture a single frame of an output and write it as PNG. Without
--output the configured selection is used, or the first output.`,
	Example: `  # Capture the configured output
  outputstreamer snapshot -o screen.png

  # Capture a named output
  outputstreamer snapshot --output HDMI-A-1 -o hdmi.png`,
	RunE: runSnapshot,
}

var (
	snapshotFile    string
	snapshotOutput  string
	snapshotTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVarP(&snapshotFile, "file", "o", "snapshot.png", "PNG file to write")
	snapshotCmd.Flags().StringVar(&snapshotOutput, "output", "", "output name to capture (default is the configured output)")
	snapshotCmd.Flags().DurationVar(&snapshotTimeout, "timeout", 5*time.Second, "how long to wait for a frame")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	name := cfg.Output
	if cmd.Flags().Changed("output") {
		name = snapshotOutput
	}

	src, err := openSource(cfg, name)
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := host.Snapshot(src, 10*time.Millisecond, snapshotTimeout)
	if err != nil {
		return fmt.Errorf("failed to capture %q: %w", name, err)
	}
	img, err := f.ToRGBA()
	if err != nil {
		return fmt.Errorf("failed to convert frame: %w", err)
	}

	out, err := os.Create(snapshotFile)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", snapshotFile, err)
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("✅ Wrote %dx%d frame of %s to %s\n", f.Width(), f.Height(), src.Stats().OutputName, snapshotFile)
	return nil
}
