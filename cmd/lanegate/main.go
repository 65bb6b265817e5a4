// Command lanegate runs the proxy: the request pipeline on one listener
// and the operator surface (health, metrics, discoveries, limiters) on
// another.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/audit"
	"github.com/lanegate/lanegate/internal/cache"
	"github.com/lanegate/lanegate/internal/config"
	"github.com/lanegate/lanegate/internal/configstore"
	"github.com/lanegate/lanegate/internal/discovery"
	"github.com/lanegate/lanegate/internal/entries"
	"github.com/lanegate/lanegate/internal/identity"
	"github.com/lanegate/lanegate/internal/limiter"
	"github.com/lanegate/lanegate/internal/logging"
	"github.com/lanegate/lanegate/internal/metrics"
	"github.com/lanegate/lanegate/internal/proxy"
	"github.com/lanegate/lanegate/internal/sandbox"
	"github.com/lanegate/lanegate/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logging.Error("load configuration", zap.Error(err))
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		logging.Error("configure logger", zap.Error(err))
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error("lanegate exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		entrySource entries.Source
		cacheStore  cache.Store
		docStore    configstore.Store
		counters    limiter.CounterStore
		metricStore limiter.MetricStore
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logging.Warn("redis unreachable at startup, continuing", zap.Error(err))
		}
		entrySource = entries.NewRedisSource(client, "")
		cacheStore = cache.NewRedisStore(client, "")
		docStore = configstore.NewRedisStore(client, "")
		counters = limiter.NewRedisCounterStore(client, "")
		metricStore = limiter.NewRedisMetricStore(client, "")
		logging.Info("using redis stores", zap.String("addr", cfg.Redis.Addr))
	} else {
		entrySource = entries.NewMemorySource()
		cacheStore = cache.NewMemoryStore(cfg.Cache.MemorySize)
		docStore = configstore.NewMemoryStore()
		counters = limiter.NewMemoryCounterStore()
		metricStore = limiter.NewMemoryMetricStore()
		logging.Info("using in-memory stores; state is per-process")
	}

	registry := limiter.NewRegistry()
	engine := limiter.NewEngine(
		limiter.NewConfigResolver(docStore, cfg.Limiter.DocumentID),
		counters, metricStore, registry,
	)

	recorder := discovery.NewRecorder(cacheStore)
	collector := metrics.NewCollector()
	sink := audit.NewSink(audit.LogEmitter{}, cfg.Audit.QueueDepth)
	defer sink.Close()

	handler := proxy.NewHandler(proxy.Deps{
		Entries:  entrySource,
		Limiter:  engine,
		Verifier: identity.NewVerifier([]byte(cfg.Auth.JWTSecret)),
		Cache:    cache.NewAdapter(cacheStore),
		Dispatcher: upstream.NewDispatcher(
			upstream.WithTimeout(cfg.Upstream.Timeout),
			upstream.WithMaxBodyBytes(cfg.Upstream.MaxBodyBytes),
		),
		Transforms: sandbox.NewRunner(0),
		Recorder:   recorder,
		Audit:      sink,
		Collector:  collector,
	})

	proxySrv := &http.Server{
		Addr:              cfg.Listen.Proxy,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	opsSrv := &http.Server{
		Addr:              cfg.Listen.Ops,
		Handler:           opsRouter(collector, recorder, registry, sink, cacheStore),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logging.Info("proxy listening", zap.String("addr", cfg.Listen.Proxy))
		errCh <- proxySrv.ListenAndServe()
	}()
	go func() {
		logging.Info("ops listening", zap.String("addr", cfg.Listen.Ops))
		errCh <- opsSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	proxySrv.Shutdown(shutdownCtx)
	opsSrv.Shutdown(shutdownCtx)
	return nil
}

// opsRouter serves the operator surface.
func opsRouter(collector *metrics.Collector, recorder *discovery.Recorder, registry *limiter.Registry, sink *audit.Sink, cacheStore cache.Store) http.Handler {
	router := httprouter.New()

	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	router.Handler(http.MethodGet, "/metrics", collector.Handler())

	router.GET("/ops/discoveries", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		records, err := recorder.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, records)
	})

	router.GET("/ops/limiters", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, registry.Snapshot())
	})

	router.GET("/ops/cache/stats", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		collector.SetAuditDropped(sink.Dropped())
		namespace := r.URL.Query().Get("namespace")
		keys, err := cacheStore.ListKeys(r.Context(), namespace)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{
			"namespace":    namespace,
			"keys":         len(keys),
			"auditDropped": sink.Dropped(),
		})
	})

	return router
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
