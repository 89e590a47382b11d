package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/host"

	"nasnotifier/internal/alerts"
	"nasnotifier/internal/authlog"
	"nasnotifier/internal/config"
	"nasnotifier/internal/kafka"
	"nasnotifier/internal/logger"
	"nasnotifier/internal/metrics"
	"nasnotifier/internal/middleware"
	"nasnotifier/internal/models"
	"nasnotifier/internal/telegram"
	"nasnotifier/internal/worker"
	"nasnotifier/internal/zpool"
)

// Processor wires the watcher, the poller, the dispatcher and delivery
// together for the lifetime of the daemon.
type Processor struct {
	cfg    *config.Config
	runner zpool.Runner

	host             string
	dispatcher       *Dispatcher
	watcher          *authlog.Watcher
	poller           *zpool.Poller
	telegram         *telegram.Client
	producer         *kafka.Producer
	workerPool       *worker.Pool
	httpServer       *http.Server
	notificationChan chan *models.Notification
	started          time.Time

	intake sync.WaitGroup
	wg     sync.WaitGroup
}

// Option customizes a Processor
type Option func(*Processor)

// WithRunner replaces the command runner used for pool queries
func WithRunner(r zpool.Runner) Option {
	return func(p *Processor) { p.runner = r }
}

// New constructs a Processor with given config.
func New(cfg *config.Config, opts ...Option) *Processor {
	queueSize := cfg.Delivery.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Processor{
		cfg:              cfg,
		notificationChan: make(chan *models.Notification, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts background goroutines and blocks until ctx is cancelled. It
// returns an error when a startup condition is fatal: an unusable Telegram
// config, a Kafka mirror that cannot be created, or an auth log that cannot
// be opened.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")
	p.started = time.Now()

	if err := p.initTelegram(); err != nil {
		return err
	}

	if p.cfg.Kafka.Enabled() {
		if err := p.initProducer(); err != nil {
			log.Error().Err(err).Msg("failed to initialize producer")
			return fmt.Errorf("failed to initialize producer: %w", err)
		}
	}

	p.initWorkerPool()
	p.workerPool.Start()

	if err := p.initDispatcher(ctx); err != nil {
		p.stopDelivery()
		return err
	}

	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	fatal := p.startIntake(intakeCtx)

	if p.cfg.HTTP.Addr != "" {
		p.initHTTPServer()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
			if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	// Stats reporting goroutine
	statsCtx, stopStats := context.WithCancel(context.Background())
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(statsCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-fatal:
		log.Error().Err(runErr).Msg("intake failed")
	}

	stopIntake()
	stopStats()
	p.shutdown()
	return runErr
}

func (p *Processor) initTelegram() error {
	tc := p.cfg.Telegram
	p.telegram = telegram.NewClient(telegram.Config{
		Token:          tc.Token,
		ChatID:         tc.ChatID,
		BaseURL:        tc.APIURL,
		MaxAttempts:    tc.MaxAttempts,
		InitialBackoff: tc.InitialBackoff,
		MaxBackoff:     tc.MaxBackoff,
		Timeout:        tc.Timeout,
	})
	if err := p.telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// initProducer initializes the Kafka mirror
func (p *Processor) initProducer() error {
	log := logger.WithComponent("processor")
	kc := p.cfg.Kafka
	producer, err := kafka.NewProducer(kafka.Config{
		Brokers:      kc.Brokers,
		Topic:        kc.Topic,
		MaxRetries:   kc.MaxRetries,
		RetryBackoff: kc.RetryBackoff,
		WriteTimeout: kc.WriteTimeout,
	})
	if err != nil {
		return err
	}

	p.producer = producer
	log.Info().
		Strs("brokers", kc.Brokers).
		Str("topic", kc.Topic).
		Msg("kafka producer initialized")
	return nil
}

// initWorkerPool initializes the delivery workers
func (p *Processor) initWorkerPool() {
	publishers := []worker.Publisher{p.telegram}
	if p.producer != nil {
		publishers = append(publishers, p.producer)
	}

	p.workerPool = worker.NewPool(worker.Config{
		Publishers:       publishers,
		NotificationChan: p.notificationChan,
		Workers:          p.cfg.Delivery.Workers,
	})
	metrics.DeliveryQueueCapacity.Set(float64(cap(p.notificationChan)))
}

func (p *Processor) initDispatcher(ctx context.Context) error {
	p.host = p.cfg.Hostname
	if p.host == "" {
		p.host = resolveHostname(ctx)
	}

	trusted, err := p.cfg.KnownAddrs()
	if err != nil {
		return err
	}

	n := p.cfg.Notifications
	p.dispatcher = NewDispatcher(alerts.Options{
		Host:          p.host,
		NewLoginIP:    n.NewLoginIP,
		FailedLogin:   n.FailedLogin,
		PoolHealth:    n.PoolHealth,
		IgnorePrivate: n.IgnorePrivate,
	}, trusted, p.notificationChan)

	log := logger.WithComponent("processor")
	log.Info().
		Str("host", p.host).
		Int("trusted_addresses", len(trusted)).
		Msg("dispatcher initialized")
	return nil
}

// startIntake launches the enabled input sources and the dispatcher loop. The
// returned channel yields the watcher's startup error, if any.
func (p *Processor) startIntake(ctx context.Context) <-chan error {
	fatal := make(chan error, 1)
	n := p.cfg.Notifications

	var events chan models.LoginEvent
	if n.NewLoginIP || n.FailedLogin {
		events = make(chan models.LoginEvent, 64)
		p.watcher = authlog.NewWatcher(authlog.Config{Path: p.cfg.AuthLogPath})
		p.intake.Add(1)
		go func() {
			defer p.intake.Done()
			if err := p.watcher.Run(ctx, events); err != nil {
				fatal <- err
			}
		}()
	}

	var snapshots chan []models.PoolHealthSnapshot
	if n.PoolHealth {
		snapshots = make(chan []models.PoolHealthSnapshot, 1)
		p.poller = zpool.NewPoller(zpool.Config{
			Runner:   p.runner,
			Command:  p.cfg.Zpool.Command,
			Interval: p.cfg.PollInterval,
			Timeout:  p.cfg.Zpool.Timeout,
		})
		p.intake.Add(1)
		go func() {
			defer p.intake.Done()
			p.poller.Run(ctx, snapshots)
		}()
	}

	p.intake.Add(1)
	go func() {
		defer p.intake.Done()
		p.dispatcher.Run(ctx, events, snapshots)
	}()

	return fatal
}

// initHTTPServer initializes the status server
func (p *Processor) initHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.healthHandler)
	mux.HandleFunc("/stats", p.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      middleware.Chain(mux, middleware.Recovery, middleware.Logging),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown stops intake, drains delivery and closes outputs. Intake must
// already be cancelled.
func (p *Processor) shutdown() {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Wait for the watcher, poller and dispatcher; nothing else sends on
	// the delivery queue
	p.intake.Wait()

	// 2. Let queued and in-flight deliveries finish within the grace period
	p.stopDelivery()

	// 3. Stop the status server
	if p.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("stopping HTTP server")
		if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	// 4. Wait for all goroutines
	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
}

func (p *Processor) stopDelivery() {
	log := logger.WithComponent("processor")

	log.Info().Int("queued", len(p.notificationChan)).Msg("closing delivery queue")
	close(p.notificationChan)

	grace := p.cfg.Delivery.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	if !p.workerPool.Drain(grace) {
		log.Warn().Dur("grace", grace).Msg("deliveries still running at shutdown were cancelled")
	}

	if p.producer != nil {
		log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.snapshotStats(ctx)
			metrics.DeliveryQueueSize.Set(float64(s.Queue.Buffered))

			log.Info().
				Uint64("logins", s.Dispatcher.Logins).
				Uint64("transitions", s.Dispatcher.Transitions).
				Uint64("notifications_queued", s.Dispatcher.Queued).
				Uint64("notifications_dropped", s.Dispatcher.Dropped).
				Uint64("delivered", s.Worker.Delivered).
				Uint64("delivery_failed", s.Worker.Failed).
				Int("queue_size", s.Queue.Buffered).
				Msg("stats")
		}
	}
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if p.producer != nil {
		if err := p.producer.HealthCheck(ctx); err != nil {
			http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
	}

	writeJSON(w, map[string]string{
		"status":    "healthy",
		"host":      p.host,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Stats is the /stats document
type Stats struct {
	Host         string               `json:"host"`
	Uptime       string               `json:"uptime"`
	SystemUptime uint64               `json:"system_uptime_seconds,omitempty"`
	Dispatcher   DispatcherStats      `json:"dispatcher"`
	AuthLog      *authlog.Stats       `json:"authlog,omitempty"`
	Worker       worker.Stats         `json:"worker"`
	Telegram     telegram.Stats       `json:"telegram"`
	Kafka        *kafka.ProducerStats `json:"kafka,omitempty"`
	Queue        QueueStats           `json:"queue"`
}

// QueueStats describes the delivery queue
type QueueStats struct {
	Buffered int `json:"buffered"`
	Capacity int `json:"capacity"`
}

func (p *Processor) snapshotStats(ctx context.Context) Stats {
	s := Stats{
		Host:       p.host,
		Uptime:     time.Since(p.started).Truncate(time.Second).String(),
		Dispatcher: p.dispatcher.Stats(),
		Worker:     p.workerPool.Stats(),
		Telegram:   p.telegram.Stats(),
		Queue: QueueStats{
			Buffered: len(p.notificationChan),
			Capacity: cap(p.notificationChan),
		},
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		s.SystemUptime = up
	}
	if p.watcher != nil {
		ws := p.watcher.Stats()
		s.AuthLog = &ws
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Kafka = &ps
	}
	return s
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, p.snapshotStats(r.Context()))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.WithComponent("http")
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// resolveHostname asks the OS for the host name used to tag notifications
func resolveHostname(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info.Hostname != "" {
		return info.Hostname
	}
	name, osErr := os.Hostname()
	if osErr != nil {
		log := logger.WithComponent("processor")
		log.Warn().Err(errors.Join(err, osErr)).Msg("could not resolve hostname")
		return ""
	}
	return name
}
