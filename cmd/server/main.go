package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatusOllah/slogcolor"
	"golang.org/x/sync/errgroup"

	"github.com/kabili207/phone-presence-server/pkg/auth"
	"github.com/kabili207/phone-presence-server/pkg/broadcast"
	"github.com/kabili207/phone-presence-server/pkg/calls"
	"github.com/kabili207/phone-presence-server/pkg/config"
	"github.com/kabili207/phone-presence-server/pkg/extensions"
	"github.com/kabili207/phone-presence-server/pkg/forwarding"
	"github.com/kabili207/phone-presence-server/pkg/presence"
	"github.com/kabili207/phone-presence-server/pkg/routes"
	"github.com/kabili207/phone-presence-server/pkg/store"
	"github.com/kabili207/phone-presence-server/pkg/webhook"
	"github.com/kabili207/phone-presence-server/pkg/zoom"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file (default: ./config.yaml or /etc/phone-presence/config.yaml if present)")
	flag.Parse()

	level := new(slog.LevelVar)
	opts := *slogcolor.DefaultOptions
	opts.Level = level
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, &opts)))

	if err := run(*configPath, level); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, level *slog.LevelVar) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	lvl, _ := config.ParseLevel(cfg.LogLevel)
	level.Set(lvl)
	if f := loader.ConfigFile(); f != "" {
		slog.Info("loaded config file", "path", f)
		loader.OnChange(func(c *config.Configuration) {
			l, err := config.ParseLevel(c.LogLevel)
			if err != nil {
				slog.Warn("ignoring invalid log level from config reload", "log_level", c.LogLevel)
				return
			}
			level.Set(l)
			slog.Info("log level changed", "log_level", l)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		stores  *store.Stores
		durable presence.Durable
	)
	if dsn := cfg.Database.DSN(); dsn != "" {
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(dsn, "up"); err != nil {
				return err
			}
		}
		db, err := store.Open(ctx, dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		stores = store.New(db, cfg.Database.OperationTimeout)
		durable = stores
	} else {
		slog.Warn("no database configured, presence state will not survive a restart")
	}

	presenceStore := presence.NewStore(durable, presence.Options{
		BatchSize:      cfg.Presence.BatchSize,
		WriteInterval:  cfg.Presence.WriteInterval,
		StaleAfter:     cfg.Presence.StaleAfter,
		SweepInterval:  cfg.Presence.SweepInterval,
		ReloadInterval: cfg.Presence.ReloadInterval,
		FlushTimeout:   cfg.Presence.FlushTimeout,
	})
	if stores != nil {
		if err := presenceStore.LoadFromDatabase(ctx); err != nil {
			slog.Error("loading presence from database", "error", err)
		}
	}
	callStore := calls.NewStore()

	hub := broadcast.NewHub(broadcast.Options{
		HeartbeatInterval: cfg.Broadcast.Heartbeat,
		Lifetime:          cfg.Broadcast.Lifetime,
		BufferSize:        cfg.Broadcast.BufferSize,
	})

	upstream, err := zoom.New(zoom.Config{
		AccountID:    cfg.Zoom.AccountID,
		ClientID:     cfg.Zoom.ClientID,
		ClientSecret: cfg.Zoom.ClientSecret,
		TokenURL:     cfg.Zoom.TokenURL,
		BaseURL:      cfg.Zoom.APIBaseURL,
		Timeout:      cfg.Zoom.RequestTimeout,
		RateLimit:    cfg.Zoom.RateLimit,
		RateBurst:    cfg.Zoom.RateBurst,
		PageSize:     cfg.Zoom.PageSize,
	})
	if err != nil {
		return err
	}
	aggregator := extensions.NewAggregator(upstream, presenceStore, callStore, extensions.Options{
		DetailTTL: cfg.Zoom.DetailCacheTTL,
	})

	ingress := &webhook.Ingress{
		Verifier:     auth.Verifier{Secret: cfg.Webhook.SecretToken, MaxSkew: cfg.Webhook.MaxSkew},
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Presence:     presenceStore,
		Calls:        callStore,
		Hub:          hub,
	}
	if !ingress.Verifier.Enabled() {
		slog.Warn("no webhook secret configured, deliveries are accepted unsigned")
	}

	router := &routes.WebRouter{
		Config:     *cfg,
		Webhook:    ingress,
		Hub:        hub,
		Presence:   presenceStore,
		Calls:      callStore,
		Extensions: aggregator,
		Upstream:   upstream,
	}
	if stores != nil {
		router.Database = stores
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Forwarding.Enabled {
		fw, err := newForwarder(cfg.Forwarding)
		if err != nil {
			return err
		}
		hub.AddSink("mqtt", fw)
		router.Forwarding = fw
		g.Go(func() error {
			fw.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		callStore.RunSweeper(gctx, cfg.Calls.SweepInterval, cfg.Calls.StaleAfter)
		return nil
	})
	g.Go(func() error {
		aggregator.Run(gctx)
		return nil
	})
	if stores != nil && cfg.Database.RetentionDays > 0 {
		g.Go(func() error {
			stores.RunRetention(gctx, cfg.Database.RetentionInterval, cfg.Database.Retention())
			return nil
		})
	}
	g.Go(func() error {
		if err := serveAndDrain(gctx, router.Serve, presenceStore.Run); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		return nil
	})

	if err := upstream.CheckConnection(ctx); err != nil {
		slog.Warn("upstream credentials check failed", "error", err)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("shutdown complete")
	return err
}

// serveAndDrain runs serve until it returns and keeps drain running until
// then. Requests still in flight during shutdown can queue durable writes, so
// drain is cancelled, and flushes, only after serve is done.
func serveAndDrain(ctx context.Context, serve func(context.Context) error, drain func(context.Context)) error {
	drainCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		drain(drainCtx)
	}()

	err := serve(ctx)
	stop()
	<-done
	return err
}

func newForwarder(cfg config.ForwardingSettings) (*forwarding.Forwarder, error) {
	var pub forwarding.Publisher
	if cfg.Embedded.Enabled {
		users := make([]forwarding.Credential, 0, len(cfg.Embedded.Users))
		for _, u := range cfg.Embedded.Users {
			users = append(users, forwarding.Credential(u))
		}
		ep, err := forwarding.NewEmbeddedPublisher(forwarding.EmbeddedOptions{
			ListenAddr:  cfg.Embedded.ListenAddr,
			TopicPrefix: cfg.TopicPrefix,
			Users:       users,
		})
		if err != nil {
			return nil, err
		}
		pub = ep
	} else {
		pub = forwarding.NewBrokerPublisher(forwarding.BrokerOptions{
			Broker:   cfg.Broker,
			ClientID: cfg.ClientID,
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}
	return forwarding.New(pub, forwarding.Options{
		TopicPrefix: cfg.TopicPrefix,
		QoS:         cfg.QoS,
		Format:      cfg.Format,
	}), nil
}
