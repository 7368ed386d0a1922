package cerberus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
)

const dispatchTimeout = 5 * time.Second

type job struct {
	name string
	ip   string
	fn   func(ctx context.Context) error
}

// dispatcher runs persistence and alert calls on worker goroutines behind a
// circuit breaker. A full queue drops work instead of blocking the caller.
type dispatcher struct {
	jobs    chan job
	breaker *gobreaker.CircuitBreaker
	workers int

	mu      sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

func newDispatcher(workers, queue int) *dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}
	return &dispatcher{
		jobs:    make(chan job, queue),
		workers: workers,
		quit:    make(chan struct{}),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "cerberus-adapters",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Log().WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("adapter circuit breaker changed state")
			},
		}),
	}
}

// dispatch enqueues fn. It never blocks.
func (d *dispatcher) dispatch(name, ip string, fn func(ctx context.Context) error) bool {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return false
	}
	select {
	case d.jobs <- job{name: name, ip: ip, fn: fn}:
		return true
	default:
		metrics.IncDropped("dispatch")
		logger.Log().WithFields(logrus.Fields{"job": name, "ip": ip}).Warn("dispatch queue full, dropping adapter call")
		return false
	}
}

func (d *dispatcher) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// stop waits for the workers and runs whatever is still queued.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.quit)
	d.mu.Unlock()

	d.wg.Wait()
	d.drain()
}

func (d *dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.jobs:
			d.run(j)
		case <-d.quit:
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		select {
		case j := <-d.jobs:
			d.run(j)
		default:
			return
		}
	}
}

func (d *dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Log().WithFields(logrus.Fields{"job": j.name, "panic": r}).Error("adapter call panicked")
		}
	}()

	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, j.fn(ctx)
	})
	if err != nil {
		logger.Log().WithError(err).WithFields(logrus.Fields{
			"job": j.name,
			"ip":  j.ip,
		}).Warn("adapter call failed")
	}
}

func (d *dispatcher) pending() int { return len(d.jobs) }
