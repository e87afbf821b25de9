// Package bot assembles the relay application: storage, relay machine,
// Telegram wiring, session janitor and the health endpoint.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jmoiron/sqlx"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/relaybot/core/bootstrap"
	"github.com/m3rciful/relaybot/core/logger"
	coretelegram "github.com/m3rciful/relaybot/core/telegram"
	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"
	"github.com/m3rciful/relaybot/core/telegram/router"
	"github.com/m3rciful/relaybot/directory"
	"github.com/m3rciful/relaybot/gate"
	"github.com/m3rciful/relaybot/health"
	"github.com/m3rciful/relaybot/relay"
)

// App is the composed relay bot.
type App struct {
	cfg       *AppConfig
	db        *sqlx.DB
	store     directory.Store
	transport *Transport
	machine   *relay.Machine
	isAdmin   func(int64) bool

	scheduler  gocron.Scheduler
	healthStop context.CancelFunc
}

// gateAccess adapts the gate to the machine's access interface.
type gateAccess struct {
	g *gate.Gate
}

func (ga gateAccess) Allowed(ctx context.Context, actorID int64) (bool, string) {
	d := ga.g.Allow(ctx, actorID)
	return d.Allowed, d.JoinLink
}

// New bootstraps infrastructure and builds the application.
func New(cfg *AppConfig) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bot: nil config provided")
	}

	res, err := bootstrap.Run(bootstrap.Options{
		Config:   cfg.CoreConfig(),
		Database: cfg.Database,
	})
	if err != nil {
		return nil, err
	}

	store := directory.NewSQLStore(res.DB)
	isAdmin := cfg.Telegram.IsAdmin

	if err := bootstrap.RunSeeders(context.Background(), defaultSettingsSeeder(store)); err != nil {
		_ = res.DB.Close()
		return nil, fmt.Errorf("bot: seeding failed: %w", err)
	}

	tr := NewTransport()
	g := gate.New(store, tr, isAdmin)
	machine := relay.NewMachine(store, relay.NewSessions(), tr, gateAccess{g}, isAdmin)

	return &App{
		cfg:       cfg,
		db:        res.DB,
		store:     store,
		transport: tr,
		machine:   machine,
		isAdmin:   isAdmin,
	}, nil
}

// defaultSettingsSeeder makes the force-join toggle explicit so admin
// panels and the gate never observe a missing key after first boot.
func defaultSettingsSeeder(store directory.Store) bootstrap.Seeder {
	return bootstrap.SeederFunc(func(ctx context.Context) error {
		_, err := store.GetSetting(ctx, directory.KeyForceJoinEnabled)
		if err == nil {
			return nil
		}
		if !errors.Is(err, directory.ErrNotFound) {
			return err
		}
		return store.PutSetting(ctx, directory.KeyForceJoinEnabled, "0")
	})
}

// TelegramRunOptions wires routes, middleware and lifecycle hooks for the
// core runtime.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	cfg := a.cfg
	reg := a.buildRegistry()
	fsm := conversation{machine: a.machine}

	denied := func(c tele.Context) error {
		return tghelpers.SendText(c, textDenied)
	}

	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		AdminIDs:      cfg.Telegram.AdminIDs,
		OnAdminReject: denied,
	})
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{}))
	routes = append(routes, router.TextRoutes(fsm, reg, router.TextOptions{})...)
	routes = append(routes, router.MediaRoutes(fsm, nil)...)

	return coretelegram.RunOptions{
		Config:      cfg.CoreConfig(),
		Registry:    reg,
		Middlewares: coretelegram.DefaultMiddlewares(cfg.CoreConfig(), nil),
		Routes:      routes,
		OnStart:     a.onStart,
		OnStop:      a.onStop,
	}, nil
}

func (a *App) onStart(ctx context.Context, rt coretelegram.Runtime) error {
	a.transport.Attach(rt.Bot)

	if err := a.startJanitor(); err != nil {
		return err
	}

	if a.cfg.Health.Enabled {
		healthCtx, cancel := context.WithCancel(context.Background())
		a.healthStop = cancel
		go func() {
			err := health.Run(healthCtx, health.Options{
				Listen: a.cfg.Health.Listen,
				Ready:  a.db.PingContext,
			})
			if err != nil {
				logger.HTTP.Error("health server failed",
					slog.String("event", "fail"),
					slog.String("err", err.Error()),
				)
			}
		}()
	}

	return nil
}

func (a *App) onStop(ctx context.Context, rt coretelegram.Runtime) error {
	if a.healthStop != nil {
		a.healthStop()
		a.healthStop = nil
	}
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(); err != nil {
			logger.RELAY.Warn("janitor shutdown failed",
				slog.String("event", "janitor"),
				slog.String("err", err.Error()),
			)
		}
		a.scheduler = nil
	}
	return nil
}

// startJanitor sweeps stale link sessions and prompts periodically.
func (a *App) startJanitor() error {
	ttl := time.Duration(a.cfg.Relay.SessionTTLHours) * time.Hour

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("bot: scheduler init failed: %w", err)
	}

	sessions := a.machine.Sessions()
	_, err = s.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() {
			if removed := sessions.Sweep(ttl); removed > 0 {
				logger.RELAY.Info("stale sessions swept",
					slog.String("event", "janitor"),
					slog.Int("records", removed),
				)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("bot: janitor job failed: %w", err)
	}

	s.Start()
	a.scheduler = s
	return nil
}

// Close releases resources owned by the app.
func (a *App) Close() error {
	return a.db.Close()
}
