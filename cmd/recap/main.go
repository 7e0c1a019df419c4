package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/app"
	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/server"
	"github.com/ternarybob/recap/internal/services/report"
)

// defaultConfigLocations are tried in order when no -config is given
var defaultConfigLocations = []string{"recap.toml", "deployments/local/recap.toml"}

// stringList collects a repeatable string flag
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

type options struct {
	configFiles  stringList
	port         int
	host         string
	reprocessDay string
	exportDay    string
	exportFormat string
	exportOut    string
	version      bool
}

func parseFlags() *options {
	opts := &options{}
	flag.Var(&opts.configFiles, "config", "Configuration file (repeatable; later files override earlier ones)")
	flag.Var(&opts.configFiles, "c", "Configuration file (shorthand)")
	flag.IntVar(&opts.port, "port", 0, "Server port (overrides config)")
	flag.IntVar(&opts.port, "p", 0, "Server port (shorthand)")
	flag.StringVar(&opts.host, "host", "", "Server host (overrides config)")
	flag.StringVar(&opts.reprocessDay, "reprocess", "", "Reprocess every batch of the day (YYYY-MM-DD) and exit")
	flag.StringVar(&opts.exportDay, "export", "", "Export the timeline of the day (YYYY-MM-DD, or \"today\") and exit")
	flag.StringVar(&opts.exportFormat, "format", "md", "Export format: md, html or pdf")
	flag.StringVar(&opts.exportOut, "out", "", "Export destination file (default: stdout)")
	flag.BoolVar(&opts.version, "version", false, "Print version information")
	flag.BoolVar(&opts.version, "v", false, "Print version information (shorthand)")
	flag.Parse()

	if len(opts.configFiles) == 0 {
		for _, candidate := range defaultConfigLocations {
			if _, err := os.Stat(candidate); err == nil {
				opts.configFiles = append(opts.configFiles, candidate)
				break
			}
		}
	}
	return opts
}

func main() {
	defer common.RecoverWithCrashFile()
	opts := parseFlags()

	if opts.version {
		fmt.Printf("Recap version %s\n", common.GetFullVersion())
		return
	}

	// Startup sequence: config (defaults -> files -> env) -> CLI overrides -> logger -> banner
	config, err := common.LoadFromFiles(opts.configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Strs("paths", opts.configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, opts.port, opts.host)

	logger := common.InitLogger(config)
	common.SetCrashDir(config.Logging.Dir)

	switch {
	case opts.reprocessDay != "":
		os.Exit(runReprocess(offline(config), logger, opts.reprocessDay))
	case opts.exportDay != "":
		os.Exit(runExport(offline(config), logger, opts))
	}

	common.PrintBanner(common.GetVersion())
	logger.Info().
		Strs("config_files", opts.configFiles).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Str("provider", string(config.LLM.Provider)).
		Str("log_level", config.Logging.Level).
		Msg("Configuration loaded")

	os.Exit(runServer(config, logger))
}

// offline turns off everything that would act on its own in a one-shot command
func offline(config *common.Config) *common.Config {
	config.Capture.AutoStart = false
	config.Scheduler.Enabled = false
	config.Retention.Enabled = false
	return config
}

func runServer(config *common.Config, logger arbor.ILogger) int {
	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return 1
	}
	defer application.Close()

	srv := server.New(application)
	serverErr := make(chan error, 1)
	common.SafeGo(logger, "http-server", func() {
		serverErr <- srv.Start()
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	return code
}

// runReprocess resets and reanalyses one day, printing progress. Exit code 2 means some batches failed.
func runReprocess(config *common.Config, logger arbor.ILogger, day string) int {
	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return 1
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failures := 0
	err = application.BatchScheduler.ReprocessDay(ctx, day, func(done, total int, batchID string, err error) {
		if err != nil {
			failures++
			fmt.Printf("[%d/%d] %s failed: %v\n", done, total, batchID, err)
			return
		}
		fmt.Printf("[%d/%d] %s analyzed\n", done, total, batchID)
	})
	if err != nil {
		logger.Error().Err(err).Str("day", day).Msg("Reprocess failed")
		return 1
	}
	if failures > 0 {
		return 2
	}
	return 0
}

// runExport renders one day of the timeline to a file or stdout
func runExport(config *common.Config, logger arbor.ILogger, opts *options) int {
	format, err := report.ParseFormat(opts.exportFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	day := opts.exportDay
	if day == "today" {
		day = ""
	}

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return 1
	}
	defer application.Close()

	doc, err := application.ReportService.Day(context.Background(), day, format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if opts.exportOut == "" {
		if _, err := os.Stdout.Write(doc.Body); err != nil {
			return 1
		}
		return 0
	}
	if err := os.WriteFile(opts.exportOut, doc.Body, 0644); err != nil {
		logger.Error().Err(err).Str("path", opts.exportOut).Msg("Failed to write export")
		return 1
	}
	logger.Info().Str("path", opts.exportOut).Int("bytes", len(doc.Body)).Msg("Timeline exported")
	return 0
}
