package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/api"
	"github.com/bryanchriswhite/OutputStreamer/internal/config"
	"github.com/bryanchriswhite/OutputStreamer/internal/display"
	"github.com/bryanchriswhite/OutputStreamer/internal/host"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/output"
	"github.com/bryanchriswhite/OutputStreamer/internal/overlay"
	"github.com/bryanchriswhite/OutputStreamer/internal/source"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture the selected output and serve the preview and API",
	Long: `Start capturing the configured output and run the host render loop.

Frames are presented to an MJPEG stream at /stream (viewer at /), and
optionally to a local X11 window. The REST API under /api lists outputs and
changes the selection; edits to the config file are applied live.`,
	Example: `  # Start server on default port (8080)
  outputstreamer serve

  # Capture a specific Wayland socket with the X11 preview window
  outputstreamer serve --display wayland-1 --window

  # Start with debug logging
  outputstreamer serve --log-level debug --pretty`,
	RunE: runServe,
}

var serveWindow bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveWindow, "window", false, "also present frames in an X11 preview window")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("backend", cfg.Display.Backend).
		Str("output", cfg.Output).
		Msg("Starting OutputStreamer")

	src, err := openSource(cfg, cfg.Output)
	if err != nil {
		return err
	}
	defer src.Close()

	overlayMgr := overlay.NewManager()
	overlayMgr.AddWidget(overlay.NewStatsWidget("stats", src.Stats))
	overlayMgr.SetEnabled(cfg.Preview.Overlay)

	runner := host.New(src, host.Config{FPS: cfg.Host.FPS, Overlay: overlayMgr})

	var outputs []output.Output
	var mjpeg *output.MJPEGOutput
	if cfg.Preview.Enabled {
		mjpeg = output.NewMJPEGOutput(output.Config{FPS: cfg.Host.FPS, Quality: cfg.Preview.Quality})
		outputs = append(outputs, mjpeg)
	}
	if cfg.Preview.Window || serveWindow {
		outputs = append(outputs, display.NewWindow(display.Config{
			Width:  cfg.Preview.WindowWidth,
			Height: cfg.Preview.WindowHeight,
		}))
	}
	for _, o := range outputs {
		if err := o.Start(); err != nil {
			log.Warn().Err(err).Str("output", o.Name()).Msg("Failed to start output, skipping")
			continue
		}
		defer o.Stop()
		runner.AddOutput(o)
	}

	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start render loop: %w", err)
	}
	defer runner.Stop()

	if err := configMgr.Watch(func(c *config.Config) {
		applyReload(src, overlayMgr, c)
	}); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	}

	server := api.NewServer(src, api.Options{
		Config: configMgr,
		MJPEG:  mjpeg,
		Host:   runner,
	})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(cfg.ServerPort)
	}()

	log.Info().
		Int("port", cfg.ServerPort).
		Str("viewer", fmt.Sprintf("http://localhost:%d/", cfg.ServerPort)).
		Msg("OutputStreamer is running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("Shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	return nil
}

// applyReload forwards the live-reloadable keys of an edited config file
func applyReload(src *source.Source, overlayMgr *overlay.Manager, c *config.Config) {
	if c.Output != src.Settings().Output {
		src.Update(source.Settings{Output: c.Output})
	}
	overlayMgr.SetEnabled(c.Preview.Overlay)
	if !viper.IsSet("log_level") {
		logger.Init(c.LogLevel, prettyLogs)
	}
}
