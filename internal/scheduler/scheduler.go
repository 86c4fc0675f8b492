// Package scheduler runs the batch-sync fallback. Webhooks deliver most
// changes; the scheduler catches anything missed and is the only sync path
// for connections without webhooks.
package scheduler

import (
	"context"
	"log"
	"time"

	"elder/api/internal/email"
	"elder/api/internal/health"
	"elder/api/internal/store"
)

const defaultTick = time.Minute

// Connections with healthy webhooks only need an occasional safety-net pass.
const webhookRelaxFactor = 4

type Store interface {
	ListConnections(ctx context.Context) ([]store.Connection, error)
}

type Engine interface {
	SyncConnection(ctx context.Context, conn store.Connection, trigger string) (store.SyncRun, error)
}

type HealthChecker interface {
	Check(ctx context.Context, connectionID string) (health.Status, error)
}

type Options struct {
	DefaultInterval time.Duration
	MaxBackoffShift int
	Tick            time.Duration
	NotifyEmail     string
}

type Scheduler struct {
	store    Store
	engine   Engine
	health   HealthChecker
	email    *email.Service
	opts     Options
	now      func() time.Time
	degraded map[string]bool
}

func New(st Store, engine Engine, checker HealthChecker, emailSvc *email.Service, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 5 * time.Minute
	}
	return &Scheduler{
		store:    st,
		engine:   engine,
		health:   checker,
		email:    emailSvc,
		opts:     opts,
		now:      time.Now,
		degraded: make(map[string]bool),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Pass syncs every connection that is due.
func (s *Scheduler) Pass(ctx context.Context) {
	conns, err := s.store.ListConnections(ctx)
	if err != nil {
		log.Printf("scheduler: list connections: %v", err)
		return
	}

	for _, conn := range conns {
		healthy := s.checkHealth(ctx, conn)
		if !s.due(conn, healthy) {
			continue
		}
		run, err := s.engine.SyncConnection(ctx, conn, "scheduled")
		if err != nil {
			log.Printf("scheduler: sync %s: %v", conn.ID, err)
			continue
		}
		if run.Status != "success" {
			log.Printf("scheduler: sync %s finished %s (pulled=%d pushed=%d conflicts=%d)",
				conn.ID, run.Status, run.Pulled, run.Pushed, run.Conflicts)
		}
	}
}

// checkHealth reports whether webhooks look alive for the connection, and
// mails the operator once per degraded transition.
func (s *Scheduler) checkHealth(ctx context.Context, conn store.Connection) bool {
	if !conn.WebhooksEnabled || s.health == nil {
		return false
	}
	status, err := s.health.Check(ctx, conn.ID)
	if err != nil {
		log.Printf("scheduler: health check %s: %v", conn.ID, err)
		return false
	}

	wasDegraded := s.degraded[conn.ID]
	s.degraded[conn.ID] = status.Degraded
	if status.Degraded && !wasDegraded {
		log.Printf("scheduler: webhooks degraded for %s, falling back to batch sync", conn.ID)
		s.notifyDegraded(conn, status)
	}
	return !status.Degraded
}

func (s *Scheduler) notifyDegraded(conn store.Connection, status health.Status) {
	if s.email == nil || !s.email.IsConfigured() || s.opts.NotifyEmail == "" {
		return
	}
	last := "never"
	if !status.LastWebhookAt.IsZero() {
		last = status.LastWebhookAt.UTC().Format(time.RFC3339)
	}
	go func() {
		if err := s.email.SendDegradedNotice(s.opts.NotifyEmail, conn, last); err != nil {
			log.Printf("scheduler: degraded mail for %s: %v", conn.ID, err)
		}
	}()
}

// due applies the per-connection interval, stretched exponentially after
// consecutive failures and relaxed while webhooks are keeping up.
func (s *Scheduler) due(conn store.Connection, webhooksHealthy bool) bool {
	if conn.LastSyncAt == nil {
		return true
	}

	interval := conn.SyncInterval
	if interval <= 0 {
		interval = s.opts.DefaultInterval
	}

	shift := conn.Failures
	if s.opts.MaxBackoffShift > 0 && shift > s.opts.MaxBackoffShift {
		shift = s.opts.MaxBackoffShift
	}
	interval <<= shift

	if webhooksHealthy {
		interval *= webhookRelaxFactor
	}

	return s.now().Sub(*conn.LastSyncAt) >= interval
}
