// Package crawl implements the Crawl Orchestrator (C6): crawl session
// lifecycle, duplicate-run protection, cooperative cancellation, and the
// worker pool that drives the Incremental Indexer. Grounded on the
// teacher's session-manager shape (apps/mcp-server/internal/api/websocket
// /session_manager.go — registry RW-lock + per-session mutex + TTL sweep),
// adapted here to a session lifecycle of queued/running/{completed,
// cancelled,failed} instead of a WebSocket connection lifecycle.
package crawl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/indexer"
	"github.com/sitevoice/kb-engine/internal/observability"
)

// Status is a position in the §4.6 state machine.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Config is the input to Start.
type Config struct {
	TenantID string
	SiteID   string
	Mode     indexer.SessionType
	URLs     []string // required when Mode == SessionSelective
	Options  indexer.RunOptions
}

// Session is the persisted crawl-session record (§3 "Crawl session").
type Session struct {
	ID             string
	TenantID       string
	SiteID         string
	Mode           indexer.SessionType
	Status         Status
	StartedAt      time.Time
	EndedAt        time.Time
	ProcessedPages int
	Errors         int
	LastCrawlTime  time.Time
	LastCrawlHash  string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *Session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		ID: s.ID, TenantID: s.TenantID, SiteID: s.SiteID, Mode: s.Mode, Status: s.Status,
		StartedAt: s.StartedAt, EndedAt: s.EndedAt, ProcessedPages: s.ProcessedPages,
		Errors: s.Errors, LastCrawlTime: s.LastCrawlTime, LastCrawlHash: s.LastCrawlHash,
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	if status == StatusCompleted || status == StatusCancelled || status == StatusFailed {
		s.EndedAt = time.Now()
	}
}

// Stats summarizes the orchestrator's state for a tenant (§4.6 Stats).
type Stats struct {
	Sessions       int
	PagesProcessed int
	Errors         int
}

// Orchestrator runs crawl sessions against an Indexer, tracking lifecycle
// state in an in-process registry. One Orchestrator instance is shared by
// all tenants (I-T): every lookup is tenant-scoped. When a SessionStore is
// configured (WithSessionStore), AlreadyRunning duplicate-run protection is
// additionally enforced there, so it holds across the separate cmd/server
// and cmd/worker processes rather than only within one. Without a store,
// the in-process map is the only guarantee — adequate for a single-process
// deployment or tests, but not the cross-worker one SPEC_FULL.md describes.
type Orchestrator struct {
	ix     *indexer.Indexer
	logger observability.Logger
	store  SessionStore

	mu       sync.RWMutex
	sessions map[string]*Session
	running  map[string]string // (tenantId, siteId, mode) key -> sessionId
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithSessionStore backs AlreadyRunning duplicate-run protection with a
// durable store (PostgresSessionStore in production), so the guarantee
// spans every process running an Orchestrator against the same database.
func WithSessionStore(store SessionStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

func New(ix *indexer.Indexer, logger observability.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	o := &Orchestrator{
		ix:       ix,
		logger:   logger,
		sessions: map[string]*Session{},
		running:  map[string]string{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func runningKey(tenantID, siteID string, mode indexer.SessionType) string {
	return tenantID + "|" + siteID + "|" + string(mode)
}

// Start creates and launches a session. Rejects with AlreadyRunning if a
// session for the same (tenantId, siteId, mode) is already running
// (§4.6's duplicate-run protection).
func (o *Orchestrator) Start(ctx context.Context, cfg Config) (string, error) {
	if cfg.TenantID == "" {
		return "", errs.New(errs.ClassMissingTenantID, "crawl: tenantId required")
	}
	if cfg.Mode == indexer.SessionSelective && len(cfg.URLs) == 0 {
		return "", errs.New(errs.ClassValidationFailed, "crawl: selective mode requires at least one URL")
	}

	key := runningKey(cfg.TenantID, cfg.SiteID, cfg.Mode)
	sessionID := uuid.NewString()

	if o.store != nil {
		if err := o.store.Claim(ctx, sessionID, cfg.TenantID, cfg.SiteID, cfg.Mode); err != nil {
			return "", err
		}
	}

	o.mu.Lock()
	if _, exists := o.running[key]; exists {
		o.mu.Unlock()
		if o.store != nil {
			_ = o.store.Finish(context.Background(), sessionID, StatusFailed, 0, 0, "")
		}
		return "", errs.New(errs.ClassAlreadyRunning, "crawl: a session is already running for this site and mode")
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID: sessionID, TenantID: cfg.TenantID, SiteID: cfg.SiteID, Mode: cfg.Mode,
		Status: StatusQueued, StartedAt: time.Now(), cancel: cancel,
	}
	o.sessions[sess.ID] = sess
	o.running[key] = sess.ID
	o.mu.Unlock()

	go o.run(sessionCtx, sess, cfg, key)

	return sess.ID, nil
}

func (o *Orchestrator) run(ctx context.Context, sess *Session, cfg Config, runningKey string) {
	sess.setStatus(StatusRunning)

	opts := cfg.Options
	opts.TenantID = cfg.TenantID
	opts.SiteID = cfg.SiteID
	opts.Type = cfg.Mode
	opts.SelectiveURLs = cfg.URLs

	result, err := o.ix.Run(ctx, opts)

	sess.mu.Lock()
	sess.ProcessedPages = result.PagesProcessed
	sess.Errors = result.PagesFailed
	sess.LastCrawlTime = time.Now()
	sess.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		sess.setStatus(StatusCancelled)
	case err != nil:
		o.logger.Error("crawl: session failed", map[string]any{"sessionId": sess.ID, "error": err.Error()})
		sess.setStatus(StatusFailed)
	default:
		sess.setStatus(StatusCompleted)
	}

	o.mu.Lock()
	delete(o.running, runningKey)
	o.mu.Unlock()

	if o.store != nil {
		snap := sess.snapshot()
		if finishErr := o.store.Finish(context.Background(), sess.ID, snap.Status, snap.ProcessedPages, snap.Errors, snap.LastCrawlHash); finishErr != nil {
			o.logger.Warn("crawl: failed to persist session completion", map[string]any{"sessionId": sess.ID, "error": finishErr.Error()})
		}
	}
}

// Cancel requests cooperative cancellation (§4.6): in-flight page fetches
// complete, new tasks observe ctx.Done and exit, and the session
// transitions to cancelled once the worker pool drains.
func (o *Orchestrator) Cancel(sessionID, tenantID string) (Session, error) {
	o.mu.RLock()
	sess, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return Session{}, errs.New(errs.ClassNotFound, "crawl: session not found")
	}
	if sess.TenantID != tenantID {
		return Session{}, errs.New(errs.ClassForbidden, "crawl: session belongs to a different tenant")
	}

	sess.mu.Lock()
	status := sess.Status
	cancel := sess.cancel
	sess.mu.Unlock()

	if status == StatusQueued || status == StatusRunning {
		cancel()
	}

	return sess.snapshot(), nil
}

// Get returns a session scoped to tenantID, or NotFound/Forbidden.
func (o *Orchestrator) Get(sessionID, tenantID string) (Session, error) {
	o.mu.RLock()
	sess, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return Session{}, errs.New(errs.ClassNotFound, "crawl: session not found")
	}
	if sess.TenantID != tenantID {
		return Session{}, errs.New(errs.ClassForbidden, "crawl: session belongs to a different tenant")
	}
	return sess.snapshot(), nil
}

// Stats reports aggregate session/page/error counts for a tenant (§4.6).
func (o *Orchestrator) Stats(tenantID string) Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var s Stats
	for _, sess := range o.sessions {
		if sess.TenantID != tenantID {
			continue
		}
		snap := sess.snapshot()
		s.Sessions++
		s.PagesProcessed += snap.ProcessedPages
		s.Errors += snap.Errors
	}
	return s
}

// HealthCheck reports liveness per the health.HealthCheckable capability
// (§9). Aggregate stats are exposed via Stats(tenantId) above rather than
// health.StatsReportable's zero-arg shape, since every crawl stat in §4.6
// is tenant-scoped.
func (o *Orchestrator) HealthCheck(context.Context) error { return nil }

// Name satisfies health.HealthCheckable.
func (o *Orchestrator) Name() string { return "crawl_orchestrator" }
