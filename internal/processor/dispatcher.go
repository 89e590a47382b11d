package processor

import (
	"context"
	"net/netip"
	"sync/atomic"

	"nasnotifier/internal/alerts"
	"nasnotifier/internal/logger"
	"nasnotifier/internal/metrics"
	"nasnotifier/internal/models"
	"nasnotifier/internal/state"
)

// State is the dispatcher loop state
type State int32

const (
	StateIdle State = iota
	StateProcessing
)

func (s State) String() string {
	if s == StateProcessing {
		return "processing"
	}
	return "idle"
}

// Dispatcher is the single owner of the known-address store and the pool
// health table. Every mutation happens on the goroutine running Run, or on
// the caller of HandleLogin/HandleSnapshots when no loop is running.
type Dispatcher struct {
	known  *state.KnownAddresses
	pools  *state.PoolHealthTable
	engine *alerts.Engine
	out    chan<- *models.Notification

	state atomic.Int32

	// Metrics, readable from any goroutine
	logins      atomic.Uint64
	batches     atomic.Uint64
	transitions atomic.Uint64
	queued      atomic.Uint64
	dropped     atomic.Uint64
	knownCount  atomic.Int64
	poolCount   atomic.Int64
}

// NewDispatcher creates a dispatcher that queues notifications on out.
// trusted addresses never produce a new-login notification.
func NewDispatcher(opts alerts.Options, trusted []netip.Addr, out chan<- *models.Notification) *Dispatcher {
	known := state.NewKnownAddresses(trusted...)
	d := &Dispatcher{
		known:  known,
		pools:  state.NewPoolHealthTable(),
		engine: alerts.NewEngine(opts, known),
		out:    out,
	}
	d.knownCount.Store(int64(known.Len()))
	metrics.KnownAddresses.Set(float64(known.Len()))
	return d
}

// State returns the current loop state
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Run serializes login events and pool snapshots into the dispatcher until
// ctx is done. A nil or closed input is simply never selected again.
func (d *Dispatcher) Run(ctx context.Context, events <-chan models.LoginEvent, snapshots <-chan []models.PoolHealthSnapshot) {
	log := logger.WithComponent("dispatcher")
	log.Info().Msg("dispatcher started")
	defer log.Info().Msg("dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.HandleLogin(ev)

		case batch, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			d.HandleSnapshots(batch)
		}
	}
}

// HandleLogin runs one login event through the deduper
func (d *Dispatcher) HandleLogin(ev models.LoginEvent) {
	d.state.Store(int32(StateProcessing))
	defer d.state.Store(int32(StateIdle))

	d.logins.Add(1)
	if n, ok := d.engine.OnLogin(ev); ok {
		d.offer(n)
	}
	d.knownCount.Store(int64(d.known.Len()))
}

// HandleSnapshots applies one poll result to the health table and notifies
// on every changed pool. Pools missing from the batch keep their last code.
func (d *Dispatcher) HandleSnapshots(batch []models.PoolHealthSnapshot) {
	d.state.Store(int32(StateProcessing))
	defer d.state.Store(int32(StateIdle))

	log := logger.WithComponent("dispatcher")
	d.batches.Add(1)

	for _, s := range batch {
		t, changed := d.pools.Update(s)
		if !changed {
			continue
		}
		d.transitions.Add(1)
		metrics.PoolTransitionsTotal.WithLabelValues(t.Pool).Inc()
		log.Info().
			Str("pool", t.Pool).
			Str("old", t.OldLabel()).
			Str("new", t.NewLabel()).
			Msg("pool health changed")

		if n, ok := d.engine.OnTransition(t); ok {
			d.offer(n)
		}
	}

	d.poolCount.Store(int64(d.pools.Len()))
	metrics.PoolsTracked.Set(float64(d.pools.Len()))
}

// offer queues n without blocking; a full queue drops it
func (d *Dispatcher) offer(n *models.Notification) {
	select {
	case d.out <- n:
		d.queued.Add(1)
		metrics.DeliveryQueueSize.Set(float64(len(d.out)))
	default:
		d.dropped.Add(1)
		metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
		log := logger.WithNotification("dispatcher", n.ID, string(n.Kind))
		log.Warn().
			Int("capacity", cap(d.out)).
			Msg("delivery queue full, notification dropped")
	}
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		State:          d.State().String(),
		Logins:         d.logins.Load(),
		Batches:        d.batches.Load(),
		Transitions:    d.transitions.Load(),
		Queued:         d.queued.Load(),
		Dropped:        d.dropped.Load(),
		KnownAddresses: d.knownCount.Load(),
		PoolsTracked:   d.poolCount.Load(),
	}
}

// DispatcherStats holds dispatcher metrics
type DispatcherStats struct {
	State          string `json:"state"`
	Logins         uint64 `json:"logins"`
	Batches        uint64 `json:"batches"`
	Transitions    uint64 `json:"transitions"`
	Queued         uint64 `json:"queued"`
	Dropped        uint64 `json:"dropped"`
	KnownAddresses int64  `json:"known_addresses"`
	PoolsTracked   int64  `json:"pools_tracked"`
}
