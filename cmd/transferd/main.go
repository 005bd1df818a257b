package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/transferd/internal/amid"
	"github.com/flowpbx/transferd/internal/api"
	"github.com/flowpbx/transferd/internal/ari"
	"github.com/flowpbx/transferd/internal/bus"
	"github.com/flowpbx/transferd/internal/config"
	"github.com/flowpbx/transferd/internal/metrics"
	"github.com/flowpbx/transferd/internal/transfers"
	"github.com/flowpbx/transferd/internal/varstore"
)

// control joins the ARI client with the AMI proxy, which covers the calls
// ARI cannot make on channels outside the application.
type control struct {
	*ari.Client
	ami *amid.Client
}

func (c control) SetVarByName(ctx context.Context, channelName, name, value string) error {
	return c.ami.SetVar(ctx, channelName, name, value)
}

func (c control) Redirect(ctx context.Context, channelName, dialContext, exten, extraChannelName string) error {
	return c.ami.Redirect(ctx, channelName, dialContext, exten, extraChannelName)
}

func (c control) MohClassExists(ctx context.Context, class string) (bool, error) {
	return c.ami.MohClassExists(ctx, class)
}

var _ transfers.Control = control{}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("transferd failed", "error", err)
		os.Exit(1)
	}
	slog.Info("transferd stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()

	slog.Info("starting transferd",
		"http_port", cfg.HTTPPort,
		"ari_url", cfg.ARIURL,
		"ari_app", cfg.ARIApp,
		"store_backend", cfg.StoreBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ariClient, err := ari.Connect(ctx, ari.Options{
		URL:      cfg.ARIURL,
		App:      cfg.ARIApp,
		Username: cfg.ARIUsername,
		Password: cfg.ARIPassword,
	}, logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	defer ariClient.Close()

	amidClient := amid.NewClient(cfg.AMIDURL, cfg.AMIDToken, logger)
	ctl := control{Client: ariClient, ami: amidClient}

	store, closeStore, err := openStore(cfg, ariClient)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore()

	publisher, closePublisher, err := openPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting event bus: %w", err)
	}
	defer closePublisher()

	hub := bus.NewHub(logger)
	publisher = bus.Fanout{publisher, hub}

	persistor := transfers.NewPersistor(store, logger)
	collector := metrics.NewCollector(persistor, startTime)

	locks := transfers.NewLocks(store, ctl, logger)
	notifier := transfers.NewNotifier(publisher, logger)
	notifier.Observe(collector.ObserveNotification)

	machine := transfers.NewMachine(transfers.MachineConfig{
		App:      cfg.ARIApp,
		MohClass: cfg.MohClass,
	}, ctl, store, persistor, locks, notifier, logger)

	router := transfers.NewRouter(machine, cfg.MailboxSize, logger)
	router.Observe(collector.ObserveEvent)

	service := transfers.NewService(transfers.ServiceConfig{
		ConvertContext: cfg.TransferContext,
		ConvertExten:   cfg.TransferExten,
		DefaultTimeout: cfg.OriginateTimeout,
	}, machine, logger)

	events := ari.NewEventStream(ariClient, cfg.ARIApp, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := api.NewServer(service, registry, cfg, logger, api.WithEventFeed(hub))
	defer handler.Close()

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return events.Run(gctx, router.Mailbox())
	})
	g.Go(func() error {
		return router.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down servers")

		// Graceful shutdown with timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore builds the variable store selected by store-backend.
func openStore(cfg *config.Config, ariClient *ari.Client) (varstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		s, err := varstore.OpenSQLite(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.StorePostgres:
		s, err := varstore.OpenPostgres(cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.StoreMemory:
		slog.Warn("memory store selected, transfers will not survive a restart")
		return varstore.NewMemoryStore(), func() {}, nil
	default:
		return varstore.NewGlobalVarStore(ariClient, ari.ErrNotFound, ""), func() {}, nil
	}
}

// openPublisher connects to NATS when configured and otherwise logs events.
func openPublisher(cfg *config.Config, logger *slog.Logger) (bus.Publisher, func(), error) {
	if cfg.NATSURL == "" {
		return bus.NewLogPublisher(logger), func() {}, nil
	}
	p, err := bus.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
	if err != nil {
		return nil, nil, err
	}
	return p, func() { p.Close() }, nil
}
