package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/OutputStreamer/internal/backend"
	"github.com/bryanchriswhite/OutputStreamer/internal/config"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/bryanchriswhite/OutputStreamer/internal/source"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	prettyLogs bool
	rootCmd    = &cobra.Command{
		Use:   "outputstreamer",
		Short: "OutputStreamer - capture a compositor output and present it",
		Long: `OutputStreamer captures one display output through wlr-screencopy on
wlroots compositors, or RandR on X11, and hands the frames to a host loop.

Features:
  • Output discovery with hotplug and name resolution
  • Shared-memory capture with buffer reuse across frames
  • Single-slot frame delivery with producer back-pressure
  • MJPEG preview stream and optional X11 preview window
  • REST API, websocket output updates and Prometheus metrics
  • Persistent configuration with hot reload`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/outputstreamer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "", "display backend ("+strings.Join(backend.Names(), ", ")+")")
	rootCmd.PersistentFlags().String("display", "", "Wayland socket or X display to connect to")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "human readable console logs")

	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("display.backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("display.name", rootCmd.PersistentFlags().Lookup("display"))
}

func initLogging() {
	level := viper.GetString("log_level")
	if level == "" {
		level = "info"
	}
	logger.Init(level, prettyLogs)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig reads the config file and applies flag overrides in memory. Flags
// are never written back to the file.
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			cfg.ServerPort = port
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			cfg.LogLevel = level
		}
	}
	if viper.IsSet("display.backend") {
		cfg.Display.Backend = viper.GetString("display.backend")
	}
	if viper.IsSet("display.name") {
		cfg.Display.Name = viper.GetString("display.name")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger.Init(cfg.LogLevel, prettyLogs)
	return configMgr, cfg, nil
}

func openBackend(cfg *config.Config) (remote.Backend, error) {
	return backend.Open(backend.Config{
		Backend: cfg.Display.Backend,
		Display: cfg.Display.Name,
		Timeout: cfg.Capture.SyncTimeout,
	})
}

func sourceOptions(cfg *config.Config) source.Options {
	opts := source.DefaultOptions()
	opts.OverlayCursor = cfg.Capture.OverlayCursor
	if cfg.Capture.CycleTimeout > 0 {
		opts.CycleTimeout = cfg.Capture.CycleTimeout
	}
	opts.FrameWait = cfg.Capture.FrameWait
	if cfg.Capture.SyncTimeout > 0 {
		opts.SyncTimeout = cfg.Capture.SyncTimeout
	}
	return opts
}

// openSource connects to the configured backend and builds a source selecting
// output
func openSource(cfg *config.Config, output string) (*source.Source, error) {
	b, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	src, err := source.New(b, source.Settings{Output: output}, sourceOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}
	return src, nil
}
