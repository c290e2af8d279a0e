package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"drivegrid/internal/board"
	"drivegrid/internal/broadcast"
	"drivegrid/internal/config"
	"drivegrid/internal/freshness"
	"drivegrid/internal/hydration"
	"drivegrid/internal/ics"
	appLog "drivegrid/internal/log"
	"drivegrid/internal/model"
	"drivegrid/internal/push"
	"drivegrid/internal/remote"
	"drivegrid/internal/slots"
	"drivegrid/internal/store"
	"drivegrid/internal/web"
)

// flagConfig holds CLI flag values; they override the config file.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	logFormat  string
	once       bool
}

func main() {
	flags := parseFlags()
	appLog.Init(flags.logLevel, flags.logFormat)
	appLog.Info("drivegrid starting", "version", "0.3.0")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"source", conf.Source.Kind,
		"feeds", len(conf.Source.Feeds),
		"push", conf.Push.URL != "",
		"broadcast", conf.Broadcast.Kind,
		"instructors", len(conf.Directory.Instructors),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("drivegrid stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("drivegrid exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	loc := conf.Location()
	dir, seed := conf.BuildDirectory()

	positions, err := store.OpenFile(conf.PositionsFile)
	if err != nil {
		return err
	}
	positions.Seed(seed)
	positions.OnOrderChanged(func(id, descriptor string) {
		appLog.Debug("instructor order changed", "instructor", id, "descriptor", descriptor)
	})

	bc := newBroadcaster(conf)
	defer bc.Close()

	// The board and session are created after the controller; the apply
	// hooks reach them through these.
	var (
		hooksMu sync.RWMutex
		b       *board.Board
		sess    *board.Session
	)
	ctrl := freshness.NewController(newSource(conf, loc), freshness.Options{
		Ladder:         freshness.LadderFromSeconds(conf.Sync.LadderSeconds),
		MinSpacing:     time.Duration(conf.Sync.MinSpacingMillis) * time.Millisecond,
		MaxInteraction: time.Duration(conf.Sync.MaxInteractionSeconds) * time.Second,
		Broadcaster:    bc,
		OnApply: func(version uint64) {
			hooksMu.RLock()
			defer hooksMu.RUnlock()
			if sess != nil {
				sess.Refresh()
			}
			appLog.Debug("snapshot applied", "version", version)
		},
		OnEpoch: func(epoch uint64) {
			hooksMu.RLock()
			defer hooksMu.RUnlock()
			if b != nil {
				b.ResetHydration(epoch)
			}
		},
	})

	hooksMu.Lock()
	b = board.New(board.Options{
		Generator:    slots.NewGenerator(conf.SlotSchedule()),
		Cache:        ctrl.Cache(),
		Store:        positions,
		Tracker:      hydration.NewTracker(conf.Grid.HydrationBuffer),
		Directory:    dir,
		Location:     loc,
		Interactions: ctrl,
		SettleDelay:  time.Duration(conf.Grid.SettleMillis) * time.Millisecond,
		OnOpen: func(r model.Reservation) {
			appLog.Info("reservation opened", "id", r.ID, "instructor", r.InstructorID)
		},
		OnCreate: func(req board.CreateRequest) {
			appLog.Info("reservation requested", "instructor", req.InstructorID, "start", req.Start.Format(time.RFC3339))
		},
	})
	sess = board.NewSession(b, board.SessionOptions{
		Mounted:  conf.Grid.MountedDays,
		DayWidth: conf.Grid.DayWidth,
		Pad:      conf.Grid.PadDays,
	})
	hooksMu.Unlock()
	ctrl.OnGestureStart(b.CancelSettle)

	if flags.once {
		out := ctrl.Handle(ctx, freshness.Request{Reason: freshness.ReasonManual})
		st := ctrl.Status()
		appLog.Info("single refresh done", "outcome", out.String(), "etag", st.ETag, "reservations", len(ctrl.Cache().All()))
		if out == freshness.OutcomeFailed {
			return errors.New("refresh failed")
		}
		return nil
	}

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error(name+" stopped", err)
			}
		}()
	}

	goRun("refresh loop", func() error { return ctrl.Run(ctx) })

	// reload re-reads the config file and swaps in the new source and
	// directory. Listen address and timezone only change on restart.
	reload := func(context.Context) (uint64, error) {
		next, err := config.Load(flags.configPath)
		if err != nil {
			return 0, err
		}
		if err := next.Validate(); err != nil {
			return 0, err
		}
		if next.Timezone != conf.Timezone {
			appLog.Warn("timezone change needs a restart; keeping the current zone",
				"current", conf.Timezone, "configured", next.Timezone)
		}
		nextDir, nextSeed := next.BuildDirectory()
		positions.Seed(nextSeed)
		b.SetDirectory(nextDir)
		epoch := ctrl.ReplaceSource(newSource(next, loc))
		appLog.Info("config reloaded", "config_path", flags.configPath, "source", next.Source.Kind, "epoch", epoch)
		return epoch, nil
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	goRun("reload on SIGHUP", func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if _, err := reload(ctx); err != nil {
					appLog.Error("config reload failed", err, "config_path", flags.configPath)
				}
			}
		}
	})

	if conf.Push.URL != "" {
		client := push.New(conf.Push.URL, push.Options{Room: conf.Push.Room, Header: authHeader(conf)})
		goRun("push client", func() error { return client.Run(ctx, push.Forward(ctrl)) })
	}

	msgs, err := bc.Subscribe(ctx)
	if err != nil {
		appLog.Error("broadcast subscribe failed", err, "kind", conf.Broadcast.Kind)
	} else {
		goRun("broadcast pump", func() error {
			ctrl.Pump(ctx, msgs)
			return nil
		})
	}

	roll := cron.New(cron.WithLocation(loc))
	if _, err := roll.AddFunc(conf.RollCron, func() {
		appLog.Info("daily roll", "today", model.DayKey(time.Now().In(loc)))
		sess.Refresh()
		ctrl.Request(freshness.Request{Reason: freshness.ReasonManual})
	}); err != nil {
		appLog.Error("invalid roll_cron; daily roll disabled", err, "roll_cron", conf.RollCron)
	}
	roll.Start()
	defer roll.Stop()

	srv := web.NewServer(conf, b, sess, ctrl)
	srv.OnReload(reload)
	err = srv.Serve(ctx)
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newSource(conf *config.Config, loc *time.Location) freshness.Source {
	switch conf.Source.Kind {
	case config.SourceHTTP:
		return remote.New(conf.Source.URL, remote.Options{
			Header:      authHeader(conf),
			Location:    loc,
			MaxFailures: conf.Source.Breaker.MaxFailures,
			OpenTimeout: time.Duration(conf.Source.Breaker.OpenSeconds) * time.Second,
		})
	default:
		if len(conf.Source.Feeds) == 0 {
			appLog.Warn("no ICS feeds configured; grid stays empty until a source is set")
			return nil
		}
		feeds := make([]ics.Feed, 0, len(conf.Source.Feeds))
		for _, f := range conf.Source.Feeds {
			feeds = append(feeds, ics.Feed{ID: f.ID, URL: f.URL})
		}
		return ics.NewReservationSource(ics.NewFetcher(conf.Source.CacheDir), feeds, ics.SourceOptions{
			Location: loc,
			Past:     time.Duration(conf.Source.PastDays) * 24 * time.Hour,
			Future:   time.Duration(conf.Source.FutureDays) * 24 * time.Hour,
		})
	}
}

func newBroadcaster(conf *config.Config) broadcast.Channel {
	if conf.Broadcast.Kind == config.BroadcastRedis {
		appLog.Info("using redis broadcast", "addr", conf.Broadcast.RedisAddr)
		return broadcast.DialRedis(conf.Broadcast.RedisAddr, conf.Broadcast.Channel)
	}
	return broadcast.NewLocal()
}

func authHeader(conf *config.Config) http.Header {
	h := http.Header{}
	if conf.Source.Token != "" {
		h.Set("Authorization", "Bearer "+conf.Source.Token)
	}
	return h
}

func parseFlags() flagConfig {
	var cfg flagConfig

	pflag.StringVarP(&cfg.configPath, "config", "c", "config.yaml", "Path to config file")
	pflag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	pflag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pflag.StringVar(&cfg.logFormat, "log-format", "console", "Log format: console or json")
	pflag.BoolVar(&cfg.once, "once", false, "Run one refresh and exit")

	pflag.Parse()

	return cfg
}
