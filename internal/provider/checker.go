package provider

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flynn-ai/flynn-core/internal/model"
)

// CheckerConfig configures health probing.
type CheckerConfig struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	SlowThreshold time.Duration // a slower successful probe marks degraded
	Parallelism   int
}

// Checker probes every registered provider on its own goroutine.
type Checker struct {
	reg *Registry
	cfg CheckerConfig
	log logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker creates a checker for reg.
func NewChecker(reg *Registry, cfg CheckerConfig, log logrus.FieldLogger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Checker{reg: reg, cfg: cfg, log: log.WithField("component", "health-checker")}
}

// Start probes once immediately, then every interval until Stop or ctx ends.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		for {
			c.ProbeAll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the probe loop and waits for it.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ProbeAll checks every provider in parallel, each under the probe timeout.
func (c *Checker) ProbeAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)

	for _, p := range c.reg.Providers() {
		id := p.ID
		client, ok := c.reg.Client(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			c.probe(ctx, id, client)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) probe(ctx context.Context, id string, client Client) {
	if ctx.Err() != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := client.HealthCheck(probeCtx)
	elapsed := time.Since(start)

	// Shutting down, not a provider failure.
	if ctx.Err() != nil {
		return
	}

	log := c.log.WithFields(logrus.Fields{"provider": id, "elapsed": elapsed})

	switch {
	case err == nil && c.cfg.SlowThreshold > 0 && elapsed > c.cfg.SlowThreshold:
		log.Debug("slow health probe")
		c.reg.SetHealth(id, model.HealthDegraded, nil)
	case err == nil && c.reg.coolingDown(id):
		log.Debug("provider healthy but still cooling down")
	case err == nil:
		c.reg.resetBreaker(id)
		c.reg.SetHealth(id, model.HealthHealthy, nil)
	case stderrors.Is(err, model.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(err, model.ErrRateLimited):
		log.WithError(err).Debug("health probe degraded")
		c.reg.SetHealth(id, model.HealthDegraded, err)
	default:
		log.WithError(err).Debug("health probe failed")
		c.reg.SetHealth(id, model.HealthDown, err)
	}
}
