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

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/DrMcCoy/caldav2pal/internal/config"
	"github.com/DrMcCoy/caldav2pal/internal/fetch"
	appLog "github.com/DrMcCoy/caldav2pal/internal/log"
	"github.com/DrMcCoy/caldav2pal/internal/model"
	"github.com/DrMcCoy/caldav2pal/internal/sync"
)

const version = "1.0.0"

// fileList collects a repeatable path flag.
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// flagConfig holds CLI flag values.
type flagConfig struct {
	calendarPaths fileList
	contactPaths  fileList
	noDefaults    bool
	debug         bool
	showVersion   bool
	watch         string
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		fmt.Println("caldav2pal " + version)
		return
	}
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("caldav2pal starting", "version", version)

	sources, err := config.Load(config.Options{
		CalendarPaths: flags.calendarPaths,
		ContactPaths:  flags.contactPaths,
		NoDefaults:    flags.noDefaults,
	})
	if err != nil {
		appLog.Error("failed to load configuration", err)
		os.Exit(1)
	}
	if len(sources) == 0 {
		appLog.Info("no sources configured, nothing to do")
		return
	}

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

	fs := afero.NewOsFs()
	engine := &sync.Engine{
		Transport: fetch.New(fs),
		Fs:        fs,
		Location:  time.Local,
	}

	runOnce(ctx, engine, sources)

	if flags.watch == "" {
		return
	}

	// Periodic mode: re-run the whole sync on the given cron schedule until
	// a termination signal arrives.
	c := cron.New()
	if _, err := c.AddFunc(flags.watch, func() { runOnce(ctx, engine, sources) }); err != nil {
		appLog.Error("invalid watch schedule", err, "schedule", flags.watch)
		os.Exit(1)
	}
	appLog.Info("watch mode", "schedule", flags.watch)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("caldav2pal exiting")
}

func runOnce(ctx context.Context, engine *sync.Engine, sources []model.Source) {
	summary := engine.Run(ctx, sources)
	updated, skipped, failed := summary.Counts()
	appLog.Info("run complete",
		"sources", len(sources),
		"updated", updated,
		"skipped", skipped,
		"failed", failed,
	)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.Var(&cfg.calendarPaths, "c", "additional calendar config file (repeatable)")
	flag.Var(&cfg.calendarPaths, "calendars-config", "additional calendar config file (repeatable)")
	flag.Var(&cfg.contactPaths, "C", "additional contact config file (repeatable)")
	flag.Var(&cfg.contactPaths, "contacts-config", "additional contact config file (repeatable)")
	flag.BoolVar(&cfg.noDefaults, "n", false, "do not load config files from default locations")
	flag.BoolVar(&cfg.noDefaults, "no-default", false, "do not load config files from default locations")
	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flag.BoolVar(&cfg.showVersion, "v", false, "print version and exit")
	flag.BoolVar(&cfg.showVersion, "version", false, "print version and exit")
	flag.StringVar(&cfg.watch, "w", "", "cron schedule for periodic re-sync (keeps running until signalled)")
	flag.StringVar(&cfg.watch, "watch", "", "cron schedule for periodic re-sync (keeps running until signalled)")

	flag.Parse()

	return cfg
}
