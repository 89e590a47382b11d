package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"nasnotifier/internal/logger"
	"nasnotifier/internal/metrics"
	"nasnotifier/internal/models"
)

// Publisher delivers a notification to one destination
type Publisher interface {
	Name() string
	Publish(ctx context.Context, n *models.Notification) error
}

// Pool manages the workers that take notifications off the delivery queue.
// Each notification is handed to every publisher once; a failed delivery is
// logged and dropped, never re-queued. Every publisher has its own lane of
// workers, so a slow publisher never holds back another.
type Pool struct {
	publishers       []Publisher
	notificationChan <-chan *models.Notification
	workers          int
	laneSize         int
	sendTimeout      time.Duration
	lanes            []lane

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publishers       []Publisher
	NotificationChan <-chan *models.Notification
	Workers          int

	// LaneSize buffers each publisher's lane. Zero means the capacity of
	// NotificationChan.
	LaneSize int

	// SendTimeout bounds one Publish call, retries included. Zero means no
	// bound beyond the publisher's own retry ceiling.
	SendTimeout time.Duration
}

// lane is one publisher's private queue
type lane struct {
	pub Publisher
	ch  chan *models.Notification
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.LaneSize <= 0 {
		cfg.LaneSize = cap(cfg.NotificationChan)
	}
	if cfg.LaneSize <= 0 {
		cfg.LaneSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publishers:       cfg.Publishers,
		notificationChan: cfg.NotificationChan,
		workers:          cfg.Workers,
		laneSize:         cfg.LaneSize,
		sendTimeout:      cfg.SendTimeout,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start begins processing notifications
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	names := make([]string, 0, len(p.publishers))
	for _, pub := range p.publishers {
		names = append(names, pub.Name())
	}
	log.Info().
		Int("workers", p.workers).
		Strs("publishers", names).
		Msg("starting worker pool")

	p.lanes = make([]lane, 0, len(p.publishers))
	for _, pub := range p.publishers {
		l := lane{pub: pub, ch: make(chan *models.Notification, p.laneSize)}
		p.lanes = append(p.lanes, l)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(l, i)
		}
	}

	p.wg.Add(1)
	go p.fanOut()
}

// Stop cancels in-flight deliveries and waits for the workers to exit.
// Notifications still queued are dropped.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// Drain waits for the workers to finish the queue after its channel has been
// closed. Deliveries still running when grace expires are cancelled. It
// reports whether the queue drained in time.
func (p *Pool) Drain(grace time.Duration) bool {
	log := logger.WithComponent("worker_pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("workers drained gracefully")
		p.cancel()
		return true
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("worker drain timeout, cancelling deliveries")
		p.Stop()
		return false
	}
}

// fanOut copies each queued notification into every lane. A full lane drops
// the notification for that publisher only. Lanes are closed once the queue
// is closed or the pool is stopped.
func (p *Pool) fanOut() {
	defer p.wg.Done()
	defer func() {
		for _, l := range p.lanes {
			close(l.ch)
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return

		case n, ok := <-p.notificationChan:
			if !ok {
				return
			}
			metrics.DeliveryQueueSize.Set(float64(len(p.notificationChan)))
			for _, l := range p.lanes {
				select {
				case l.ch <- n:
				default:
					p.failed.Add(1)
					metrics.DeliveriesTotal.WithLabelValues(l.pub.Name(), "failed").Inc()
					metrics.NotificationsDropped.WithLabelValues("lane_full").Inc()
					log := logger.WithNotification("worker", n.ID, string(n.Kind))
					log.Warn().
						Str("publisher", l.pub.Name()).
						Int("capacity", cap(l.ch)).
						Msg("publisher lane full, notification dropped")
				}
			}
		}
	}
}

// worker delivers the notifications of one lane
func (p *Pool) worker(l lane, id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().
		Str("publisher", l.pub.Name()).
		Int("worker_id", id).
		Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		select {
		case <-p.ctx.Done():
			return

		case n, ok := <-l.ch:
			if !ok {
				return
			}
			p.deliver(l.pub, n)
		}
	}
}

// deliver sends n through one publisher, containing any panic to this
// notification
func (p *Pool) deliver(pub Publisher, n *models.Notification) {
	log := logger.WithNotification("worker", n.ID, string(n.Kind)).With().Str("publisher", pub.Name()).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("delivery panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			p.failed.Add(1)
		}
	}()

	ctx := p.ctx
	if p.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.sendTimeout)
		defer cancel()
	}

	start := time.Now()
	err := pub.Publish(ctx, n)
	duration := time.Since(start)
	metrics.DeliveryDuration.WithLabelValues(pub.Name()).Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Dur("duration", duration).
			Msg("notification dropped")
		p.failed.Add(1)
		metrics.DeliveriesTotal.WithLabelValues(pub.Name(), "failed").Inc()
		metrics.NotificationsDropped.WithLabelValues("delivery_failed").Inc()
		return
	}

	log.Info().
		Dur("duration", duration).
		Msg("notification delivered")
	p.delivered.Add(1)
	metrics.DeliveriesTotal.WithLabelValues(pub.Name(), "success").Inc()
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}
