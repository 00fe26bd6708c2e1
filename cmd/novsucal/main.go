package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"novsucal/internal/config"
	appLog "novsucal/internal/log"
	"novsucal/internal/novsu"
	"novsucal/internal/syncer"
)

// Exit codes, so cron wrappers can tell failure classes apart.
const (
	exitOK     = 0
	exitConfig = 1
	exitFetch  = 2
	exitSync   = 3
)

type flagConfig struct {
	configPath string
	initConfig bool
	dryRun     bool
	verbose    bool
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()

	if flags.verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}

	if flags.initConfig {
		if err := config.Save(flags.configPath, config.DefaultConfig()); err != nil {
			appLog.Error("failed to write default config", err, "config_path", flags.configPath)
			return exitConfig
		}
		appLog.Info("default config written, fill in the credentials", "config_path", flags.configPath)
		return exitOK
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return exitConfig
	}

	appLog.Info("novsucal starting",
		"calendar", conf.CalDAV.Calendar,
		"timezone", conf.Novsu.Timezone,
		"subgroup", conf.Novsu.Subgroup,
		"cron", conf.Sync.Cron,
		"dry_run", flags.dryRun,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	s := syncer.New(conf)
	s.DryRun = flags.dryRun

	if conf.Sync.Cron == "" {
		// Default mode: one pass, then exit.
		if err := s.Run(ctx); err != nil {
			appLog.Error("sync failed", err)
			return classify(err)
		}
		return exitOK
	}

	// Periodic mode: keep resyncing on the configured schedule until a
	// signal arrives. Individual run failures are logged, not fatal;
	// the next tick gets a fresh attempt.
	c := cron.New()
	if _, err := c.AddFunc(conf.Sync.Cron, func() {
		if err := s.Run(ctx); err != nil {
			appLog.Error("scheduled sync failed", err)
		}
	}); err != nil {
		appLog.Error("invalid sync.cron expression", err, "cron", conf.Sync.Cron)
		return exitConfig
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	appLog.Info("novsucal exiting")
	return exitOK
}

// classify maps an error from a sync pass onto an exit code. Anything
// that is not a timetable fetch/parse failure counts as a sync failure.
func classify(err error) int {
	var fetchErr *novsu.FetchError
	var parseErr *novsu.ParseError
	if errors.As(err, &fetchErr) || errors.As(err, &parseErr) {
		return exitFetch
	}
	return exitSync
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.BoolVar(&cfg.initConfig, "init", false, "Write a default config file and exit")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Fetch and plan only; do not write to the calendar")
	flag.BoolVar(&cfg.verbose, "v", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
