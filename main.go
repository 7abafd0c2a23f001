package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	apihttp "homectl/internal/api/http"
	"homectl/internal/audit"
	"homectl/internal/config"
	"homectl/internal/eventing"
	"homectl/internal/notify"
	"homectl/internal/observability/metrics"
	"homectl/internal/preview"
	"homectl/internal/rule"
	"homectl/internal/scheduler"
	"homectl/internal/store"
	"homectl/internal/store/infrastructure/postgres"
	"homectl/internal/store/infrastructure/sqlite"
	"homectl/internal/universe"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	loc, err := cfg.TimeLocation()
	if err != nil {
		logger.Fatalf("location error: %v", err)
	}
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := scheduler.NewPool(cfg.Scheduler.Workers, cfg.Scheduler.QueueSize, logger)
	pool.Start(ctx)
	defer pool.Stop(5 * time.Second)
	timers := scheduler.NewTimerScheduler(pool, logger)

	bus := eventing.NewInMemoryBus()
	publisher := eventing.NewPublisher(bus, "homectl")

	u := universe.New(
		universe.WithLogger(logger),
		universe.WithScheduler(timers),
		universe.WithLocation(loc),
		universe.WithProgramOptions(
			rule.WithLogger(logger),
			rule.WithPublisher(publisher),
			rule.WithMaxPasses(cfg.MaxPasses),
		),
	)
	defer u.Close(context.Background())

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("store error: %v", err)
	}
	defer closeStore()
	if err := u.Load(ctx, st); err != nil {
		logger.Fatalf("load error: %v", err)
	}
	logger.Printf("loaded devices=%d sensors=%d rules=%d store=%s", len(u.Registry().Devices()), len(u.Sensors()), len(u.Program().Rules()), cfg.StoreDriver())

	processed := eventing.NewMemoryProcessedStore()
	audit.NewRecorder(audit.NewRepository(st)).Register(bus, processed)
	if cfg.Notify.WebhookURL != "" {
		notifier, err := buildNotifier(cfg.Notify, pool, logger)
		if err != nil {
			logger.Fatalf("notifier error: %v", err)
		}
		notifier.Register(bus, processed)
	}
	if cfg.PollInterval > 0 {
		u.StartPolling(cfg.PollInterval)
	}

	previewer, err := preview.NewService(u, preview.WithLogger(logger), preview.WithPublisher(publisher))
	if err != nil {
		logger.Fatalf("preview error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/preview", apihttp.NewPreviewHandler(previewer))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(mux, logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("http server error: %v", err)
	}
	if err := u.Save(context.Background(), st); err != nil {
		logger.Printf("save error: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver() {
	case config.DriverMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db open: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		st := postgres.NewRecordStore(db)
		if err := st.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return st, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildNotifier(cfg config.NotifyConfig, pool *scheduler.Pool, logger *log.Logger) (*notify.Notifier, error) {
	channel, err := notify.NewWebhookChannel(cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	tpl, err := notify.NewTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}
	return notify.NewNotifier(
		channel,
		tpl,
		notify.WithLogger(logger),
		notify.WithDispatcher(pool),
		notify.WithCooldown(cfg.Cooldown),
		notify.WithDedupeWindow(cfg.DedupeWindow),
		notify.WithRequestTimeout(cfg.Timeout),
	)
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
