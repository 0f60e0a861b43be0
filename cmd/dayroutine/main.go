package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dayroutine/internal/config"
	"dayroutine/internal/engine"
	"dayroutine/internal/ics"
	"dayroutine/internal/identity"
	appLog "dayroutine/internal/log"
	"dayroutine/internal/model"
	"dayroutine/internal/rollover"
	"dayroutine/internal/store"
	"dayroutine/internal/store/memory"
	"dayroutine/internal/store/postgres"
	"dayroutine/internal/store/sqlite"
	"dayroutine/internal/template"
	"dayroutine/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	date       string
	debug      bool
}

func main() {
	flags := parseFlags()

	if err := config.LoadDotEnv(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envFile)
		os.Exit(1)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		conf.Log.Level = string(appLog.LevelDebug)
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.Configure(appLog.Level(conf.Log.Level), appLog.Format(conf.Log.Format))
	defer func() { _ = appLog.Sync() }()

	appLog.Info("dayroutine starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"namespace", conf.Namespace,
		"store", conf.Store.Driver,
		"identity", conf.Identity.Mode,
		"follow_today", conf.FollowToday,
		"reconcile", conf.Template.Reconcile,
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

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("dayroutine failed", err)
		os.Exit(1)
	}
	appLog.Info("dayroutine exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	// A listen failure must stop the engine and scheduler too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loc, err := conf.Location()
	if err != nil {
		return err
	}

	st, err := openStore(ctx, conf)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			appLog.Error("failed to close store", err)
		}
	}()

	tpl, err := loadTemplate(ctx, conf, loc)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	appLog.Info("template loaded", "activities", tpl.Len(), "version", tpl.Version())

	eng := engine.New(engine.Config{
		Namespace:     conf.Namespace,
		Location:      loc,
		Reconcile:     conf.Template.Reconcile,
		PreserveExtra: conf.Template.PreserveExtra,
	}, identityProvider(conf), st, tpl)

	var sched *rollover.Scheduler
	if conf.FollowToday {
		if sched, err = rollover.New(conf.RolloverCron, loc, eng); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil {
			appLog.Error("engine stopped", err)
		}
	}()

	if flags.date != "" {
		if err := eng.SetActiveDate(ctx, flags.date); err != nil {
			return fmt.Errorf("select date %s: %w", flags.date, err)
		}
	}

	if sched != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	srv := web.NewServer(conf, eng, tpl, flags.debug)
	return srv.ListenAndServe(ctx)
}

func openStore(ctx context.Context, conf *config.Config) (store.DocumentStore, error) {
	switch conf.Store.Driver {
	case "memory":
		appLog.Warn("using in-memory store; schedules are lost on exit")
		return memory.NewStore(), nil
	case "sqlite":
		return sqlite.OpenStore(ctx, conf.Store.Path)
	case "postgres":
		return postgres.OpenStore(ctx, conf.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", conf.Store.Driver)
	}
}

func identityProvider(conf *config.Config) identity.Provider {
	if conf.Identity.Mode == "token" {
		return identity.Token{Raw: conf.Identity.Token, Secret: conf.Identity.Secret}
	}
	return &identity.Anonymous{StatePath: conf.Identity.StatePath}
}

// loadTemplate picks the routine: a YAML file, then a remote calendar, then
// the built-in default.
func loadTemplate(ctx context.Context, conf *config.Config, loc *time.Location) (*template.Template, error) {
	switch {
	case conf.Template.Path != "":
		return template.Load(conf.Template.Path)
	case conf.Template.ICSURL != "":
		res, err := ics.NewFetcher(conf.Template.CacheDir).Fetch(ctx, conf.Template.ICSURL)
		if err != nil {
			return nil, err
		}
		if res.FromCache {
			appLog.Warn("using cached routine calendar")
		}
		day, err := model.DayStart(model.Today(loc), loc)
		if err != nil {
			return nil, err
		}
		acts, err := ics.ImportTemplate(res.Body, day, loc)
		if err != nil {
			return nil, err
		}
		return template.New(acts)
	default:
		return template.Default(), nil
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Optional .env file with secrets")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.date, "date", "", "Open this date (YYYY-MM-DD) instead of today")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
