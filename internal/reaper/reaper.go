// Package reaper implements C9: the periodic sweep that returns expired
// inflight messages to available.
package reaper

import (
	"sync"
	"time"

	"github.com/apache/qakka/internal/metrics"
	"github.com/apache/qakka/internal/qactor"
)

// Reaper ticks every live actor in a Router on a fixed interval. The
// interval must be at most half the smallest configured inflight timeout,
// matching the governing requirement that a message cannot sit expired for
// longer than one reaper period beyond its deadline.
type Reaper struct {
	router   *qactor.Router
	interval time.Duration
	metrics  *metrics.Registry

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option is a functional option for Reaper.
type Option func(*Reaper)

// WithMetrics attaches a metrics.Registry so every sweep increments
// qakka_timed_out_total per (queue, region).
func WithMetrics(reg *metrics.Registry) Option {
	return func(r *Reaper) { r.metrics = reg }
}

// New returns a Reaper that will tick router's actors every interval once
// Start is called.
func New(router *qactor.Router, interval time.Duration, opts ...Option) *Reaper {
	r := &Reaper{router: router, interval: interval, done: make(chan struct{})}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start launches the background sweep goroutine.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop signals the sweep goroutine to exit and waits for it.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep ticks every actor's Timeout handler once. Actors run independently
// and concurrently with each other (each serializes only its own requests),
// so one slow queue's sweep does not delay another's.
func (r *Reaper) sweep() {
	var wg sync.WaitGroup
	r.router.Each(func(a *qactor.Actor) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := a.Timeout()
			if err == nil && n > 0 && r.metrics != nil {
				r.metrics.TimedOut.Add(metrics.QueueKey(a.QueueName, a.Region), int64(n))
			}
		}()
	})
	wg.Wait()
}
