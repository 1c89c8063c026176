package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tracewire/tracewire/log"
	"github.com/tracewire/tracewire/metrics"
)

// DefaultAggregatorRate is the visualization update target in Hz.
const DefaultAggregatorRate = 20.0

// UpdateFunc receives coalesced frames on the aggregator worker. The
// external visualization layer bridges this onto its UI thread.
type UpdateFunc func(d Delivery)

// AggregatorConfig configures the visualization aggregator.
type AggregatorConfig struct {
	// Rate is the maximum updates per second delivered downstream
	// (0 = DefaultAggregatorRate).
	Rate float64
	// OnUpdate receives the coalesced deliveries. Required.
	OnUpdate UpdateFunc
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// Aggregator coalesces high-frequency frames down to the configured rate
// with last-write-wins semantics: when ingress outpaces the tick, only the
// newest frame survives and the overwritten ones are counted as drops.
//
// A structural change is sticky: if any overwritten delivery carried the
// structural flag, the next emitted delivery carries it too, so downstream
// never misses a skeleton rebuild.
type Aggregator struct {
	cfg  AggregatorConfig
	coll *metrics.Collector

	mu         sync.Mutex
	pending    *Delivery
	structural bool

	stop    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
}

// NewAggregator starts the coalescing worker.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultAggregatorRate
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	a := &Aggregator{
		cfg:  cfg,
		coll: cfg.Collector,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// Name implements Sink.
func (a *Aggregator) Name() string { return "aggregator" }

// Deliver implements Sink. Never blocks: it only swaps the pending pointer.
func (a *Aggregator) Deliver(d Delivery) {
	a.mu.Lock()
	if a.pending != nil {
		a.coll.IncSinkDrop(a.Name())
	}
	if d.Structural {
		a.structural = true
	}
	a.pending = &d
	a.mu.Unlock()
}

func (a *Aggregator) run() {
	defer close(a.done)
	interval := time.Duration(float64(time.Second) / a.cfg.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.stop:
			a.flush()
			return
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	d := a.pending
	structural := a.structural
	a.pending = nil
	a.structural = false
	a.mu.Unlock()

	if d == nil {
		return
	}
	d.Structural = structural
	a.cfg.OnUpdate(*d)
}

// Close implements Sink: flushes the pending frame and stops the worker.
func (a *Aggregator) Close() error {
	if a.stopped.CompareAndSwap(false, true) {
		close(a.stop)
	}
	<-a.done
	return nil
}
