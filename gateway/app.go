package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"github.com/alovak/khqr-gateway/internal/expiry"
	"github.com/alovak/khqr-gateway/internal/metrics"
	"github.com/alovak/khqr-gateway/internal/middleware"
	"github.com/alovak/khqr-gateway/internal/push"
	"github.com/alovak/khqr-gateway/internal/settlement"
	"github.com/alovak/khqr-gateway/issuer"
)

const shutdownTimeout = 10 * time.Second

// App is the main application, it contains all the components of the gateway
// and is responsible for starting and stopping them.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config

	Registry *push.Registry

	hub         *push.Hub
	db          *sql.DB
	redis       *redis.Client
	kafka       *push.KafkaSink
	stopConsume context.CancelFunc
}

func NewApp(logger *slog.Logger, config *Config) *App {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("app", "khqr-gateway"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if a.config.Payment.ExpiryTZ != "" {
		loc, err := time.LoadLocation(a.config.Payment.ExpiryTZ)
		if err != nil {
			return fmt.Errorf("loading expiry timezone: %w", err)
		}
		expiry.SetDefaultExpiryLocation(loc)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ledger, err := a.openLedger()
	if err != nil {
		return err
	}

	prober := settlement.New(a.config.settlementConfig(), nil, a.logger, m)
	if !prober.Enabled() {
		a.logger.Warn("settlement probing is disabled; status checks will fail with settlement_unavailable")
	} else if exp, ok := prober.TokenExpiry(); ok {
		a.logger.Info("settlement token loaded", slog.Time("expires_at", exp), slog.Duration("remaining", expiry.Remaining(exp, time.Now())))
	}

	a.Registry = push.NewRegistry()
	a.hub = push.NewHub(a.Registry, a.logger, m)

	notifier, err := a.newNotifier(m)
	if err != nil {
		a.closeBackends()
		return err
	}

	service := NewService(a.config, issuer.New(nil, nil), prober, notifier, ledger, a.logger, m)

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(a.logger))
	if len(a.config.HTTP.CORSOrigins) > 0 {
		router.Use(CORS(a.config.HTTP.CORSOrigins))
	}

	api := NewAPI(service)
	api.AppendRoutes(router)

	router.Get("/ws", a.hub.ServeHTTP)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		if ledger == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ledger.Ping(ctx); err != nil {
			http.Error(w, "ledger not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		a.closeBackends()
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}
	}()

	return nil
}

func (a *App) openLedger() (*Repository, error) {
	switch a.config.Ledger.Backend {
	case LedgerNone:
		return nil, nil
	case LedgerPG:
		db, err := sql.Open("postgres", a.config.Ledger.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		repo := NewPGRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		return repo, nil
	default:
		return NewRepository(), nil
	}
}

func (a *App) newNotifier(m *metrics.Metrics) (*push.Notifier, error) {
	opts := []push.Option{
		push.WithMetrics(m),
		push.WithBroadcastFallback(a.config.Push.BroadcastFallback),
	}

	if len(a.config.Push.KafkaBrokers) > 0 {
		sink, err := push.NewKafkaSink(a.config.Push.KafkaBrokers, a.config.Push.KafkaTopic, a.logger)
		if err != nil {
			return nil, fmt.Errorf("creating kafka sink: %w", err)
		}
		a.kafka = sink
		opts = append(opts, push.WithSinks(sink))
	}

	var bus *push.RedisBus
	if a.config.Push.RedisURL != "" {
		redisOpts, err := redis.ParseURL(a.config.Push.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		bus = push.NewRedisBus(a.redis, a.config.Push.RedisChannel, a.logger)
		opts = append(opts, push.WithBus(bus))
	}

	notifier := push.NewNotifier(a.Registry, a.logger, opts...)

	if bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		ps, err := bus.Subscribe(ctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribing to redis channel: %w", err)
		}
		a.stopConsume = cancel
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			bus.Consume(ctx, ps, notifier.Deliver)
		}()
	}

	return notifier, nil
}

// closeBackends stops the bus consumer and waits for every goroutine
// before closing the clients they use.
func (a *App) closeBackends() {
	if a.stopConsume != nil {
		a.stopConsume()
	}
	a.wg.Wait()

	if a.kafka != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.kafka.Close(ctx); err != nil {
			a.logger.Error("closing kafka sink", "err", err)
		}
		cancel()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("closing redis client", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("closing database", "err", err)
		}
	}
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			a.logger.Error("shutting down http server", "err", err)
		}
	}

	// hijacked websocket connections are not tracked by http.Server
	if a.hub != nil {
		a.hub.Close()
	}

	a.closeBackends()

	a.logger.Info("app stopped")
}
