package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"shuttle-slots/internal/catalog"
	"shuttle-slots/internal/config"
	"shuttle-slots/internal/db"
	"shuttle-slots/internal/engine"
	"shuttle-slots/internal/ingest"
	"shuttle-slots/internal/metrics"
	"shuttle-slots/internal/publisher"
	"shuttle-slots/internal/store"
)

func main() {
	var envFile, seedFile, storeKind string
	flags := pflag.NewFlagSet("slotd", pflag.ContinueOnError)
	flags.StringVar(&envFile, "env-file", "", "load environment from this file instead of ./.env")
	flags.StringVar(&seedFile, "seed", "", "route catalog YAML (overrides SEED_FILE)")
	flags.StringVar(&storeKind, "store", "", "postgres or memory (overrides STORE)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("flags: %v", err)
	}

	config.InitLogging()

	// Load configuration from .env and environment
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if seedFile != "" {
		cfg.SeedFile = seedFile
	}
	if storeKind != "" {
		cfg.Store = storeKind
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.ConfirmationRadius, cfg.DeviationRadius, cfg.SweepInterval)
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer closeStore()

	// Seed the route catalog and keep future days materialized
	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			log.Fatalf("seed error: %v", err)
		}
		var cm catalog.Metrics
		if mcol != nil {
			cm = mcol
		}
		mgr := catalog.NewManager(st, seed, cfg.Location, cfg.SeedHorizonDays, cfg.SeedRefresh, cm)
		if err := mgr.Refresh(ctx); err != nil {
			log.Fatalf("seed catalog error: %v", err)
		}
		mgr.StartRefresher(ctx)
		defer mgr.Stop()
	} else if cfg.Store == config.StoreMemory {
		log.Printf("no seed file; in-memory catalog is empty")
	}

	var opts []engine.Option
	if mcol != nil {
		opts = append(opts, engine.WithMetrics(mcol))
	}

	// Initialize NATS publisher; its connection also carries the position feeds
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		opts = append(opts, engine.WithPublisher(pub))
	} else {
		log.Printf("NATS_URL not set; events and position ingest disabled")
	}

	eng := engine.New(st, engine.Config{
		ConfirmationRadius: cfg.ConfirmationRadius,
		DeviationRadius:    cfg.DeviationRadius,
		ExpiryGrace:        cfg.ExpiryGrace,
		SweepInterval:      cfg.SweepInterval,
	}, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eng.StartSweeper(gctx)
		<-gctx.Done()
		eng.Stop()
		return nil
	})
	if pub != nil {
		var drops ingest.DropMetrics
		if mcol != nil {
			drops = mcol
		}
		sub := ingest.NewSubscriber(pub.Conn(), cfg.NATSSubjectPrefix, eng, drops)
		g.Go(func() error {
			if err := sub.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			sub.Stop()
			return nil
		})
	}
	if mcol != nil {
		srv := mcol.Serve(cfg.MetricsAddr)
		g.Go(func() error {
			<-gctx.Done()
			// Shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Printf("slotd running store=%s confirmation_radius=%.0fm deviation_radius=%.0fm", cfg.Store, cfg.ConfirmationRadius, cfg.DeviationRadius)
	if err := g.Wait(); err != nil {
		log.Printf("shutdown with error: %v", err)
	}
	log.Println("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Printf("using in-memory store")
		return store.NewMemory(), func() {}, nil
	case config.StorePostgres:
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("postgres store needs DATABASE_URL or PGDATABASE")
	}
	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	if redacted, err := db.Redact(cfg.DatabaseURL); err == nil {
		log.Printf("using postgres store %s", redacted)
	}
	return db.New(sqlDB), func() { sqlDB.Close() }, nil
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
