// Command flynnd runs the Flynn routing core as a local daemon.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/flynn-ai/flynn-core/internal/cache"
	"github.com/flynn-ai/flynn-core/internal/config"
	"github.com/flynn-ai/flynn-core/internal/cost"
	"github.com/flynn-ai/flynn-core/internal/embedding"
	"github.com/flynn-ai/flynn-core/internal/engine"
	"github.com/flynn-ai/flynn-core/internal/logging"
	"github.com/flynn-ai/flynn-core/internal/policy"
	"github.com/flynn-ai/flynn-core/internal/provider"
	"github.com/flynn-ai/flynn-core/internal/retrieval"
	"github.com/flynn-ai/flynn-core/internal/router"
	"github.com/flynn-ai/flynn-core/internal/stats"
	"github.com/flynn-ai/flynn-core/internal/store"
	"github.com/flynn-ai/flynn-core/internal/telemetry"
	"github.com/flynn-ai/flynn-core/internal/tools"
)

func main() {
	home, _ := os.UserHomeDir()
	configPath := flag.String("config", filepath.Join(home, ".flynn", "config.toml"), "path to config.toml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "flynnd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ============================================================
	// Storage and policy
	// ============================================================

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.Database), 0o755); err != nil {
		return err
	}
	db, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	initialTiers := engine.TierConfigFrom(cfg.Routing)
	resolver, err := policy.NewResolver(db,
		policy.WithLogger(log),
		policy.WithBoundaries(policy.Boundaries{EconomicalMax: cfg.Routing.EconomicalMax, BalancedMax: cfg.Routing.BalancedMax}),
		policy.WithDefault(cfg.Routing.DefaultIntelligence),
		policy.WithTierConfig(initialTiers),
	)
	if err != nil {
		return err
	}
	if err := resolver.Reload(ctx); err != nil {
		return err
	}

	// ============================================================
	// Providers
	// ============================================================

	registry := provider.NewRegistry(
		provider.WithLogger(log),
		provider.WithCoolDown(cfg.Health.CoolDown.Duration),
		provider.WithFailureThreshold(cfg.Health.FailureThreshold),
	)
	providers, err := cfg.AllProviders()
	if err != nil {
		return err
	}
	for _, pc := range providers {
		models, err := pc.Catalog()
		if err != nil {
			return err
		}
		client := provider.NewOpenAIClient(provider.OpenAIConfig{
			ID:      pc.ID,
			Type:    pc.Type,
			APIKey:  pc.APIKey(),
			BaseURL: pc.BaseURL,
			Timeout: pc.Timeout.Duration,
			Models:  models,
		})
		if err := registry.Register(ctx, client); err != nil {
			return err
		}
		log.WithField("provider", pc.String()).Info("provider registered")
	}

	checker := provider.NewChecker(registry, provider.CheckerConfig{
		Interval:      cfg.Health.Interval.Duration,
		ProbeTimeout:  cfg.Health.ProbeTimeout.Duration,
		SlowThreshold: cfg.Health.SlowThreshold.Duration,
	}, log)
	checker.Start(ctx)
	defer checker.Stop()

	decisions := cache.New(cache.WithLogger(log))
	rt := router.New(registry, resolver, decisions, router.WithLogger(log))

	// ============================================================
	// Tools
	// ============================================================

	var embedder retrieval.Embedder = retrieval.KeywordEmbedder{}
	if key := os.Getenv(cfg.Embedding.APIKeyEnv); key != "" && cfg.Embedding.BaseURL != "" {
		embedder = embedding.New(embedding.Config{
			BaseURL:           cfg.Embedding.BaseURL,
			Model:             cfg.Embedding.Model,
			APIKey:            key,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
			Burst:             cfg.Embedding.Burst,
			MaxElapsed:        cfg.Embedding.MaxElapsed.Duration,
		})
	} else {
		log.Warn("no embedding API key, falling back to keyword vectors")
	}

	rcfg := retrieval.DefaultConfig()
	rcfg.TopK = cfg.Retrieval.TopK
	rcfg.Threshold = cfg.Retrieval.Threshold
	rcfg.NeedsToolsFloor = cfg.Retrieval.NeedsToolsFloor
	rcfg.EmbedTimeout = cfg.Retrieval.EmbedTimeout.Duration
	rcfg.QueryCacheTTL = cfg.Retrieval.QueryCacheTTL.Duration
	rcfg.CoolDown = cfg.Retrieval.CoolDown.Duration
	retriever := retrieval.New(embedder, rcfg, retrieval.WithLogger(log))

	catalog := tools.NewCatalog()
	access := tools.NewRoleAccess(catalog, cfg.Roles())
	if cfg.BuiltinTools {
		if err := catalog.Replace(tools.BuiltinServer, tools.Builtins()); err != nil {
			return err
		}
	}
	sources := make([]engine.ToolSource, 0, len(cfg.MCPServers))
	for _, sc := range cfg.MCPServers {
		sources = append(sources, tools.NewCommandSource(sc.Name, sc.Command, sc.Args, sc.AdminOnly, log))
	}

	// ============================================================
	// Telemetry
	// ============================================================

	collector := stats.NewCollector()
	aggOpts := []telemetry.Option{
		telemetry.WithLogger(log),
		telemetry.WithRetention(cfg.Telemetry.Retention.Duration),
		telemetry.WithInFlight(func() float64 { return float64(collector.InFlight().Current()) }),
	}
	if cfg.Telemetry.Archive {
		aggOpts = append(aggOpts, telemetry.WithSink(db, cfg.Telemetry.SinkBuffer))
	}
	agg := telemetry.NewAggregator(aggOpts...)
	defer agg.Close()

	since := time.Now().Add(-cfg.Telemetry.Retention.Duration)
	if recent, err := db.TelemetrySince(ctx, since); err != nil {
		log.WithError(err).Warn("could not warm telemetry window")
	} else {
		agg.Load(recent)
	}
	if n, err := db.PruneTelemetry(ctx, since); err != nil {
		log.WithError(err).Warn("telemetry prune failed")
	} else if n > 0 {
		log.WithField("rows", n).Info("pruned archived telemetry")
	}

	// ============================================================
	// Engine
	// ============================================================

	eng, err := engine.New(engine.Deps{
		Registry:  registry,
		Resolver:  resolver,
		Router:    rt,
		Retriever: retriever,
		Catalog:   catalog,
		Access:    access,
		Telemetry: agg,
		Costs:     cost.NewTracker(),
		Stats:     collector,
		Log:       log,
		Sources:   sources,
		Database:  db,
	}, engine.Options{
		CallTimeout:         cfg.Health.CallTimeout.Duration,
		ToolRefreshInterval: cfg.Retrieval.RefreshInterval.Duration,
	})
	if err != nil {
		return err
	}
	eng.MarkConfigApplied(initialTiers)
	eng.Start(ctx)
	defer eng.Close()

	if st, err := eng.RefreshTools(ctx); err != nil {
		log.WithError(err).Warn("tool index incomplete")
	} else {
		log.WithFields(logrus.Fields{"added": st.Added, "failed": st.Failed}).Info("tool index built")
	}

	watcher, err := config.NewWatcher(configPath, log)
	if err != nil {
		log.WithError(err).Warn("config hot reload disabled")
	} else {
		defer watcher.Close()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case next, ok := <-watcher.Updates():
					if !ok {
						return
					}
					if err := eng.ApplyConfig(ctx, next); err != nil {
						log.WithError(err).Warn("config reload rejected")
					}
				}
			}
		}()
	}

	// ============================================================
	// HTTP
	// ============================================================

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(agg.Collectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/performance", agg.Handler())
	mux.Handle("/v1/", eng.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("flynnd listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
