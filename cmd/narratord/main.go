package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
)

var version = "0.1.0-dev"

// daemonFlags are shortcuts for the NARRATOR_* overrides most often changed
// when starting the daemon by hand.
type daemonFlags struct {
	mode     string
	bus      bool
	httpPort int
	workDir  string
	logLevel string
}

func (d *daemonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.mode, "mode", "", "Synthesis backend (gradio, openai, exec, mock)")
	fs.BoolVar(&d.bus, "bus", false, "Accept narration runs over NATS")
	fs.IntVar(&d.httpPort, "http-port", 0, "Port for /healthz, /readyz and /metrics")
	fs.StringVar(&d.workDir, "work-dir", "", "Directory for run workspaces and default outputs")
	fs.StringVar(&d.logLevel, "log-level", "", "debug, info, warn or error")
}

// env maps explicitly set flags onto their environment overrides so config.Load
// validates them with the rest of the configuration.
func (d *daemonFlags) env(fs *flag.FlagSet) map[string]string {
	out := map[string]string{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			out["NARRATOR_SYNTH_MODE"] = d.mode
		case "bus":
			out["NARRATOR_BUS_ENABLED"] = strconv.FormatBool(d.bus)
		case "http-port":
			out["NARRATOR_HTTP_PORT"] = strconv.Itoa(d.httpPort)
		case "work-dir":
			out["NARRATOR_WORK_DIR"] = d.workDir
		case "log-level":
			out["NARRATOR_TELEMETRY_LOG_LEVEL"] = d.logLevel
		}
	})
	return out
}

func main() {
	var (
		configPath  string
		showVersion bool
		df          daemonFlags
	)
	flag.StringVar(&configPath, "config", "narrator.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	df.register(flag.CommandLine)
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	boot := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	for key, value := range df.env(flag.CommandLine) {
		if err := os.Setenv(key, value); err != nil {
			boot.Error("failed to apply flag", slog.String("env", key), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		boot.Error("failed to load config", slog.String("path", configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := runtime.NewLogger(os.Stdout, cfg.Telemetry.LogLevel).With(slog.String("version", version))
	logger.Info("starting narrator daemon",
		slog.String("synth_mode", cfg.Synth.Mode),
		slog.Bool("bus", cfg.Bus.Enabled),
		slog.Int("http_port", cfg.HTTP.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
