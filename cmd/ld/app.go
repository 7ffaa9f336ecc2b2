package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/zulandar/leaddesk/internal/agent"
	"github.com/zulandar/leaddesk/internal/config"
	"github.com/zulandar/leaddesk/internal/db"
	"github.com/zulandar/leaddesk/internal/delivery"
	"github.com/zulandar/leaddesk/internal/dispatch"
	"github.com/zulandar/leaddesk/internal/followup"
	"github.com/zulandar/leaddesk/internal/inbound"
	"github.com/zulandar/leaddesk/internal/lease"
	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/metrics"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/notify"
	"github.com/zulandar/leaddesk/internal/reasoning"
	"github.com/zulandar/leaddesk/internal/toolcall"
	"github.com/zulandar/leaddesk/internal/transition"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds every wired component for one process.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	hub      *notify.Hub
	events   notify.Fanout
	lease    *lease.Manager
	guard    *transition.Guard
	pipeline *delivery.Pipeline
	orch     *dispatch.Orchestrator
	runner   *followup.Runner
	intake   *inbound.Intake

	closers []func() error
}

// appOverrides replaces external backends, for tests.
type appOverrides struct {
	Client  reasoning.Client
	Gateway delivery.Gateway
	Logger  *zap.Logger
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// loadApp reads configPath and wires the full component graph.
func loadApp(ctx context.Context, configPath string, ov appOverrides) (*app, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, gormDB, ov)
	if err != nil {
		closeDB(gormDB)
		return nil, err
	}
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, gormDB *gorm.DB, ov appOverrides) (*app, error) {
	a := &app{cfg: cfg, db: gormDB}
	a.closers = append(a.closers, func() error { return closeDB(gormDB) })

	a.log = ov.Logger
	if a.log == nil {
		logger, err := logx.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		a.log = logger
		a.closers = append(a.closers, func() error {
			_ = logger.Sync()
			return nil
		})
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	if err := a.wireEvents(ctx); err != nil {
		a.Close()
		return nil, err
	}

	client := ov.Client
	if client == nil {
		c, err := reasoning.FromConfig(cfg.Reasoning)
		if err != nil {
			a.Close()
			return nil, err
		}
		client = c
	}

	gateway := ov.Gateway
	if gateway == nil {
		tw, err := delivery.NewTwilio(delivery.TwilioOpts{
			AccountSID:     cfg.Delivery.AccountSID,
			AuthToken:      cfg.Delivery.AuthToken,
			From:           cfg.Delivery.FromNumber,
			StatusCallback: statusCallbackURL(cfg.Server.PublicURL),
			BaseURL:        cfg.Delivery.BaseURL,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		gateway = tw
	}

	a.lease = lease.New(gormDB, cfg.Lease.StaleAfter)
	a.guard = transition.NewGuard(transition.GuardOpts{DB: gormDB, Logger: a.log, Events: a.events, Metrics: a.metrics})
	a.pipeline = delivery.NewPipeline(delivery.PipelineOpts{
		DB:      gormDB,
		Gateway: gateway,
		Timeout: cfg.Delivery.Timeout,
		Events:  a.events,
		Logger:  a.log,
		Metrics: a.metrics,
		Lease:   a.lease,
	})
	a.intake = inbound.NewIntake(inbound.IntakeOpts{DB: gormDB, Events: a.events, Logger: a.log, Metrics: a.metrics})

	router, err := agent.NewRouter(agent.RouterOpts{
		DB:            gormDB,
		Client:        client,
		HistoryWindow: cfg.Agent.HistoryWindow,
		Logger:        a.log,
		Metrics:       a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch, err = dispatch.New(dispatch.Opts{
		DB:       gormDB,
		Lease:    a.lease,
		Router:   router,
		Executor: toolcall.NewExecutor(toolcall.ExecutorOpts{DB: gormDB, Logger: a.log, Events: a.events, Metrics: a.metrics}),
		Delivery: a.pipeline,
		Guard:    a.guard,
		Events:   a.events,
		Logger:   a.log,
		Metrics:  a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.runner, err = followup.NewRunner(followup.RunnerOpts{
		DB:            gormDB,
		Lease:         a.lease,
		Client:        client,
		Delivery:      a.pipeline,
		ActorID:       cfg.FollowUp.ActorID,
		DedupWindow:   cfg.FollowUp.DedupWindow,
		OfferRecency:  cfg.FollowUp.OfferRecency,
		SendInterval:  cfg.FollowUp.SendInterval,
		HistoryWindow: cfg.Agent.HistoryWindow,
		BatchLimit:    cfg.FollowUp.BatchLimit,
		Logger:        a.log,
		Metrics:       a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// wireEvents builds the fan-out: the in-process hub always, redis and
// chat alerts when configured.
func (a *app) wireEvents(ctx context.Context) error {
	a.hub = notify.NewHub()
	a.metrics.WatchHub(a.hub.Subscribers, a.hub.Dropped)
	a.events = notify.Fanout{a.hub}

	if r := a.cfg.Notify.Redis; r.Addr != "" {
		pub, err := notify.NewRedis(ctx, notify.RedisOpts{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
			Logger:   a.log,
		})
		if err != nil {
			return err
		}
		a.events = append(a.events, pub)
		a.closers = append(a.closers, pub.Close)
	}

	alerts, err := notify.NewAlerts(notify.AlertsOpts{
		SlackToken:       a.cfg.Notify.Slack.BotToken,
		SlackChannelID:   a.cfg.Notify.Slack.ChannelID,
		DiscordToken:     a.cfg.Notify.Discord.BotToken,
		DiscordChannelID: a.cfg.Notify.Discord.ChannelID,
		Logger:           a.log,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, alerts.Close)
	if alerts.Enabled() {
		a.events = append(a.events, alerts)
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func closeDB(gormDB *gorm.DB) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func statusCallbackURL(publicURL string) string {
	if publicURL == "" {
		return ""
	}
	return strings.TrimRight(publicURL, "/") + "/webhooks/status"
}

// resolveConversation finds a conversation by full id or short id.
func resolveConversation(ctx context.Context, gormDB *gorm.DB, ref string) (*models.Conversation, error) {
	var conv models.Conversation
	err := gormDB.WithContext(ctx).
		Where("id = ? OR short_id = ?", ref, strings.ToUpper(ref)).
		Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrConversationNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup conversation %s: %w", ref, err)
	}
	return &conv, nil
}
