// Package account periodically refreshes each workspace's account and
// rate-limit snapshot on a cron schedule.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/engine"
)

// DefaultSchedule refreshes every five minutes.
const DefaultSchedule = "*/5 * * * *"

// refreshTimeout bounds one workspace's refresh.
const refreshTimeout = 30 * time.Second

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Target is a workspace whose account can be refreshed.
type Target interface {
	ID() string
	Connected() bool
	RefreshAccount(ctx context.Context) error
}

// Poller runs RefreshAccount for every connected target on a schedule.
type Poller struct {
	list  func() []Target
	sched cron.Schedule
	cron  *cron.Cron
	log   zerolog.Logger

	mu      sync.Mutex
	lastErr map[string]string // workspace id -> last logged error
}

// Opts holds parameters for creating a Poller.
type Opts struct {
	Schedule string         // 5-field cron expression; defaults to DefaultSchedule
	List     func() []Target // current targets, re-read on every tick
	Logger   zerolog.Logger
}

// New validates the schedule and creates a Poller.
func New(opts Opts) (*Poller, error) {
	if opts.List == nil {
		return nil, fmt.Errorf("account: list is required")
	}
	expr := opts.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("account: parse schedule %q: %w", expr, err)
	}
	return &Poller{
		list:    opts.List,
		sched:   sched,
		log:     opts.Logger.With().Str("component", "account").Logger(),
		lastErr: make(map[string]string),
	}, nil
}

// Next returns the next refresh time after t.
func (p *Poller) Next(t time.Time) time.Time {
	return p.sched.Next(t)
}

// Start refreshes once immediately and then on every schedule tick until
// ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.cron = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	p.cron.Schedule(p.sched, cron.FuncJob(func() { p.RefreshAll(ctx) }))
	p.cron.Start()
	go p.RefreshAll(ctx)
	go func() {
		<-ctx.Done()
		<-p.cron.Stop().Done()
	}()
}

// RefreshAll refreshes every connected target and returns how many
// succeeded. Engines without account support are skipped silently.
func (p *Poller) RefreshAll(ctx context.Context) int {
	ok := 0
	for _, t := range p.list() {
		if ctx.Err() != nil {
			return ok
		}
		if !t.Connected() {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		err := t.RefreshAccount(rctx)
		cancel()
		if p.record(t.ID(), err) {
			ok++
		}
	}
	return ok
}

// record logs a failure once per distinct error and reports success.
func (p *Poller) record(id string, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		if _, had := p.lastErr[id]; had {
			p.log.Info().Str("workspace", id).Msg("account refresh recovered")
			delete(p.lastErr, id)
		}
		return true
	}
	if errors.Is(err, engine.ErrUnsupported) {
		return false
	}
	if p.lastErr[id] != err.Error() {
		p.log.Warn().Err(err).Str("workspace", id).Msg("account refresh failed")
		p.lastErr[id] = err.Error()
	}
	return false
}
