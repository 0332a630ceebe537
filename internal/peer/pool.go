package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/mcplocal/internal/log"
)

var healthParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Pool holds named connections in configuration order. Each connection keeps
// its own process and pipes; the pool only fans lifecycle calls out.
type Pool struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	order []string

	cron     *cron.Cron
	onHealth func(HealthResult)
	logger   *slog.Logger
}

// NewPool builds a connection for each config. Names must be unique.
func NewPool(cfgs []Config) (*Pool, error) {
	p := &Pool{
		conns:  make(map[string]*Conn),
		logger: log.WithComponent("peers"),
	}
	for _, cfg := range cfgs {
		if err := p.Add(NewConn(cfg)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add registers c under its name.
func (p *Pool) Add(c *Conn) error {
	name := strings.TrimSpace(c.Name())
	if name == "" {
		return fmt.Errorf("peer name is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[name]; exists {
		return fmt.Errorf("duplicate peer %q", name)
	}
	p.conns[name] = c
	p.order = append(p.order, name)
	return nil
}

// Get returns the named connection.
func (p *Pool) Get(name string) (*Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[name]
	return c, ok
}

// Names returns peer names in configuration order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

func (p *Pool) all() []*Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Conn, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.conns[name])
	}
	return out
}

// StartAll starts every connection concurrently. A failing peer does not
// prevent the others from starting; the failures are joined.
func (p *Pool) StartAll(ctx context.Context) error {
	return p.each(ctx, "start", (*Conn).Start)
}

// StopAll stops every connection concurrently.
func (p *Pool) StopAll(ctx context.Context) error {
	return p.each(ctx, "stop", (*Conn).Stop)
}

func (p *Pool) each(ctx context.Context, op string, fn func(*Conn, context.Context) error) error {
	conns := p.all()
	errs := make([]error, len(conns))

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()
			if err := fn(c, ctx); err != nil {
				p.logger.Warn("peer "+op+" failed", "peer", c.Name(), "error", err)
				errs[i] = err
			}
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Status is a point-in-time view of one connection.
type Status struct {
	Name  string `json:"name"`
	State string `json:"state"`
	PID   int    `json:"pid,omitempty"`
}

// Statuses reports every connection in configuration order.
func (p *Pool) Statuses() []Status {
	conns := p.all()
	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, Status{Name: c.Name(), State: c.State().String(), PID: c.PID()})
	}
	return out
}

// StartHealth schedules CheckHealth with a cron expression or descriptor
// such as "@every 1m". Overlapping runs are skipped.
func (p *Pool) StartHealth(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return fmt.Errorf("health schedule is required")
	}
	c := cron.New(
		cron.WithParser(healthParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(schedule, func() { p.CheckHealth(context.Background()) }); err != nil {
		return fmt.Errorf("invalid health schedule: %w", err)
	}

	p.mu.Lock()
	if p.cron != nil {
		p.cron.Stop()
	}
	p.cron = c
	p.mu.Unlock()

	c.Start()
	p.logger.Info("peer health checks scheduled", "schedule", schedule)
	return nil
}

// StopHealth stops the health schedule and waits for a running check.
func (p *Pool) StopHealth() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// OnHealth sets a callback run after each peer is probed by CheckHealth.
func (p *Pool) OnHealth(fn func(HealthResult)) {
	p.mu.Lock()
	p.onHealth = fn
	p.mu.Unlock()
}

// HealthResult is the outcome of one peer's health probe.
type HealthResult struct {
	Name     string
	State    State
	Tools    int
	Duration time.Duration
	Err      error
}

// CheckHealth lists tools on every Ready peer. Peers in other states are
// reported without being probed.
func (p *Pool) CheckHealth(ctx context.Context) []HealthResult {
	conns := p.all()
	p.mu.RLock()
	hook := p.onHealth
	p.mu.RUnlock()
	results := make([]HealthResult, 0, len(conns))
	for _, c := range conns {
		res := HealthResult{Name: c.Name(), State: c.State()}
		if res.State == StateReady {
			start := time.Now()
			specs, err := c.ListTools(ctx)
			res.Duration = time.Since(start)
			res.Tools = len(specs)
			res.Err = err
			res.State = c.State()
		}

		logger := p.logger.With("peer", res.Name, "state", res.State.String())
		switch {
		case res.Err != nil:
			logger.Warn("peer health check failed", "error", res.Err)
		case res.State == StateReady:
			logger.Debug("peer healthy", "tools", res.Tools, "duration_ms", res.Duration.Milliseconds())
		default:
			logger.Info("peer not running")
		}
		if hook != nil {
			hook(res)
		}
		results = append(results, res)
	}
	return results
}
