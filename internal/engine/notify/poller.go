package notify

import (
	"context"
	"sync"
	"time"
)

// CounterSource exposes the durable change counter the poller watches.
type CounterSource interface {
	SignalCounter(ctx context.Context) (uint64, error)
}

// DefaultPollInterval is the fallback polling cadence.
const DefaultPollInterval = time.Second

// Poller observes the durable sync counter and invokes fn when it changes.
// It is the fallback path for siblings that missed a broadcast signal:
// slower than the hub, but it never loses a change for good.
type Poller struct {
	src      CounterSource
	interval time.Duration
	fn       func()

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
	last uint64
}

// NewPoller builds a poller over src. Intervals below 1ms fall back to
// DefaultPollInterval.
func NewPoller(src CounterSource, interval time.Duration, fn func()) *Poller {
	if interval < time.Millisecond {
		interval = DefaultPollInterval
	}
	return &Poller{src: src, interval: interval, fn: fn}
}

// Start launches the polling loop. Starting an already-started poller is a
// no-op.
func (p *Poller) Start() {
	if p == nil || p.src == nil || p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	if counter, err := p.src.SignalCounter(context.Background()); err == nil {
		p.last = counter
	}

	go p.run(p.stop, p.done)
}

func (p *Poller) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		counter, err := p.src.SignalCounter(context.Background())
		if err != nil {
			// Transient read failures just delay the next observation.
			continue
		}
		p.mu.Lock()
		changed := counter != p.last
		p.last = counter
		p.mu.Unlock()
		if changed {
			p.fn()
		}
	}
}

// Stop halts the polling loop and waits for it to exit. Stopping a stopped
// poller is a no-op.
func (p *Poller) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
