// Package voice implements the Voice Session Registry (C9): short-lived,
// tenant-scoped session lifecycle, metric accounting, and attach/detach of
// an external Realtime Provider. The registry owns identity, routing and
// metrics only — speech processing itself is the provider's job (§4.9).
//
// Grounded on the teacher's ConversationSessionManager
// (apps/mcp-server/internal/api/websocket/session_manager.go): an
// in-memory registry keyed by session id, per-session mutable state, and a
// metrics sub-struct updated on every turn. Adapted here to the voice
// state machine of §4.9 and tenant-scoped Forbidden enforcement instead of
// the teacher's agent-scoped conversation model.
package voice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/observability"
)

// State is a position in the §4.9 state machine.
type State string

const (
	StateInitializing State = "initializing"
	StateListening     State = "listening"
	StateProcessing    State = "processing"
	StateSpeaking      State = "speaking"
	StatePaused        State = "paused"
	StateEnded         State = "ended"
	StateError         State = "error"
)

var validTransitions = map[State]map[State]bool{
	StateInitializing: {StateListening: true, StateEnded: true, StateError: true},
	StateListening:    {StateProcessing: true, StatePaused: true, StateEnded: true, StateError: true},
	StateProcessing:   {StateSpeaking: true, StateListening: true, StateEnded: true, StateError: true},
	StateSpeaking:     {StateListening: true, StateEnded: true, StateError: true},
	StatePaused:       {StateListening: true, StateEnded: true, StateError: true},
}

// AudioConfig is the negotiated audio format for a session.
type AudioConfig struct {
	SampleRateHz int
	Encoding     string
	Channels     int
}

// Config is the input to Create.
type Config struct {
	TenantID    string
	SiteID      string
	UserID      string
	Locale      string
	AudioConfig AudioConfig
	MaxDuration time.Duration // clamped to [60s, 1800s]
}

// LatencyStats accumulates a running count/sum for a latency dimension, so
// Metrics can report an average without retaining every sample.
type LatencyStats struct {
	Count int
	Sum   time.Duration
}

func (l *LatencyStats) observe(d time.Duration) {
	l.Count++
	l.Sum += d
}

func (l LatencyStats) Avg() time.Duration {
	if l.Count == 0 {
		return 0
	}
	return l.Sum / time.Duration(l.Count)
}

// Metrics is the per-session metric set §4.9 requires, feeding the
// registry-wide Status() snapshot used by health checks.
type Metrics struct {
	SessionsStarted int
	TotalTurns      int
	Errors          []string
	FirstToken      LatencyStats
	Partial         LatencyStats
	BargeIn         LatencyStats
}

// RealtimeProvider is the external speech/LLM transport a session can be
// attached to (§1 Non-goals: ASR/TTS/LLM completion are out of scope; the
// registry only routes to this interface).
type RealtimeProvider interface {
	Name() string
	SendText(ctx context.Context, sessionID, text string) error
	SendAudio(ctx context.Context, sessionID string, audio []byte) error
	Close(ctx context.Context, sessionID string) error
}

// QueuedInput is what AttachProvider-less sessions accumulate instead of
// routing through a provider (§4.9: "if absent, input is queued with a
// distinct result type").
type QueuedInput struct {
	Text      string
	Audio     []byte
	Timestamp time.Time
}

// Session is the registry's view of one voice session (§3 "Voice
// session"). Exported fields are a point-in-time snapshot; mutation always
// goes through the registry's locked methods.
type Session struct {
	ID          string
	TenantID    string
	SiteID      string
	UserID      string
	Status      State
	Locale      string
	AudioConfig AudioConfig
	CreatedAt   time.Time
	ExpiresAt   time.Time
	EndedAt     time.Time
	LastActivity time.Time
	Metrics     Metrics

	mu       sync.Mutex
	provider RealtimeProvider
	queue    []QueuedInput
}

func (s *Session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		ID: s.ID, TenantID: s.TenantID, SiteID: s.SiteID, UserID: s.UserID, Status: s.Status,
		Locale: s.Locale, AudioConfig: s.AudioConfig, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt,
		EndedAt: s.EndedAt, LastActivity: s.LastActivity, Metrics: s.Metrics,
	}
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StateEnded {
		return errs.New(errs.ClassValidationFailed, "voice: session already ended")
	}
	if to == StateError {
		s.Status = StateError
		return nil
	}
	if !validTransitions[s.Status][to] {
		return errs.New(errs.ClassValidationFailed, "voice: invalid transition "+string(s.Status)+" -> "+string(to))
	}
	s.Status = to
	return nil
}

const (
	minMaxDuration = 60 * time.Second
	maxMaxDuration = 1800 * time.Second
	defaultSweepInterval = 30 * time.Second
)

// Registry implements C9: an in-process, tenant-aware session table plus a
// background TTL sweep. One Registry instance is shared by all tenants
// (I-T); every lookup is tenant-scoped and cross-tenant access is
// rejected with Forbidden regardless of whether the session id is known.
type Registry struct {
	logger observability.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	sweepOnce sync.Once
	stopSweep chan struct{}
}

func NewRegistry(logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Registry{logger: logger, sessions: map[string]*Session{}, stopSweep: make(chan struct{})}
}

// StartSweep launches the background expiry sweep (§5 "Voice sessions past
// expiresAt are swept asynchronously and moved to ended"). Safe to call
// once per Registry; subsequent calls are no-ops.
func (r *Registry) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	r.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.sweepExpired()
				case <-r.stopSweep:
					return
				}
			}
		}()
	})
}

// Stop halts the background sweep.
func (r *Registry) Stop() {
	select {
	case <-r.stopSweep:
	default:
		close(r.stopSweep)
	}
}

func (r *Registry) sweepExpired() {
	now := time.Now()
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		s.mu.Lock()
		expired := s.Status != StateEnded && now.After(s.ExpiresAt)
		if expired {
			s.Status = StateEnded
			s.EndedAt = now
		}
		s.mu.Unlock()
		if expired {
			r.logger.Info("voice: session expired", map[string]any{"sessionId": s.ID})
		}
	}
}

// Create starts a new session (§4.9 Create).
func (r *Registry) Create(cfg Config) (Session, error) {
	if cfg.TenantID == "" {
		return Session{}, errs.New(errs.ClassMissingTenantID, "voice: tenantId required")
	}

	maxDuration := cfg.MaxDuration
	if maxDuration < minMaxDuration {
		maxDuration = minMaxDuration
	}
	if maxDuration > maxMaxDuration {
		maxDuration = maxMaxDuration
	}

	now := time.Now()
	sess := &Session{
		ID: uuid.NewString(), TenantID: cfg.TenantID, SiteID: cfg.SiteID, UserID: cfg.UserID,
		Status: StateInitializing, Locale: cfg.Locale, AudioConfig: cfg.AudioConfig,
		CreatedAt: now, ExpiresAt: now.Add(maxDuration), LastActivity: now,
		Metrics: Metrics{SessionsStarted: 1},
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	if err := sess.transition(StateListening); err != nil {
		return Session{}, err
	}
	return sess.snapshot(), nil
}

func (r *Registry) lookup(sessionID, tenantID string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.ClassNotFound, "voice: session not found")
	}
	if sess.TenantID != tenantID {
		return nil, errs.New(errs.ClassForbidden, "voice: session belongs to a different tenant")
	}
	return sess, nil
}

// Get returns a session scoped to tenantID (§4.9 Get).
func (r *Registry) Get(sessionID, tenantID string) (Session, error) {
	sess, err := r.lookup(sessionID, tenantID)
	if err != nil {
		return Session{}, err
	}
	return sess.snapshot(), nil
}

// AttachProvider binds a realtime transport to a session (§4.9
// AttachProvider). Any input queued before attachment is not automatically
// flushed — the caller decides whether to replay it via DrainQueue.
func (r *Registry) AttachProvider(sessionID, tenantID string, provider RealtimeProvider) error {
	sess, err := r.lookup(sessionID, tenantID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.provider = provider
	sess.mu.Unlock()
	return nil
}

// SendText routes text through the attached provider, or queues it if
// none is attached (§4.9: "if absent, input is queued with a distinct
// result type"). Input for an ended session fails with NotFound.
func (r *Registry) SendText(ctx context.Context, sessionID, tenantID, text string) (queued bool, err error) {
	sess, err := r.lookup(sessionID, tenantID)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	if sess.Status == StateEnded {
		sess.mu.Unlock()
		return false, errs.New(errs.ClassNotFound, "voice: session already ended")
	}
	provider := sess.provider
	if provider == nil {
		sess.queue = append(sess.queue, QueuedInput{Text: text, Timestamp: time.Now()})
		sess.LastActivity = time.Now()
		sess.mu.Unlock()
		return true, nil
	}
	sess.LastActivity = time.Now()
	sess.mu.Unlock()

	if err := sess.transition(StateProcessing); err != nil {
		return false, err
	}
	if err := provider.SendText(ctx, sessionID, text); err != nil {
		_ = sess.transition(StateError)
		return false, errs.Wrap(err, errs.ClassTransient, "voice: provider send failed")
	}

	sess.mu.Lock()
	sess.Metrics.TotalTurns++
	sess.mu.Unlock()
	_ = sess.transition(StateListening)
	return false, nil
}

// DrainQueue returns and clears any input queued while no provider was
// attached.
func (r *Registry) DrainQueue(sessionID, tenantID string) ([]QueuedInput, error) {
	sess, err := r.lookup(sessionID, tenantID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	queue := sess.queue
	sess.queue = nil
	return queue, nil
}

// Heartbeat refreshes lastActivity (§4.9 Heartbeat).
func (r *Registry) Heartbeat(sessionID, tenantID string) error {
	sess, err := r.lookup(sessionID, tenantID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.LastActivity = time.Now()
	sess.mu.Unlock()
	return nil
}

// End transitions a session to ended, freeing its provider and stamping
// endedAt (§4.9 End). Calling End on an already-ended session changes
// nothing and returns a NotFound error, per §8's round-trip property.
func (r *Registry) End(ctx context.Context, sessionID, tenantID string) (Session, error) {
	sess, err := r.lookup(sessionID, tenantID)
	if err != nil {
		return Session{}, err
	}

	sess.mu.Lock()
	if sess.Status == StateEnded {
		sess.mu.Unlock()
		return Session{}, errs.New(errs.ClassNotFound, "voice: session already ended")
	}
	provider := sess.provider
	sess.Status = StateEnded
	sess.EndedAt = time.Now()
	sess.provider = nil
	sess.mu.Unlock()

	if provider != nil {
		if err := provider.Close(ctx, sessionID); err != nil {
			r.logger.Warn("voice: provider close failed", map[string]any{"sessionId": sessionID, "error": err.Error()})
		}
	}
	return sess.snapshot(), nil
}

// ObserveLatency records a latency sample against one of the §4.9 latency
// vectors (firstToken, partial, bargeIn).
func (r *Registry) ObserveLatency(sessionID, tenantID, dimension string, d time.Duration) error {
	sess, err := r.lookup(sessionID, tenantID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	switch dimension {
	case "firstToken":
		sess.Metrics.FirstToken.observe(d)
	case "partial":
		sess.Metrics.Partial.observe(d)
	case "bargeIn":
		sess.Metrics.BargeIn.observe(d)
	}
	return nil
}

// RecordError appends an error string to a session's metrics.
func (r *Registry) RecordError(sessionID, tenantID, message string) error {
	sess, err := r.lookup(sessionID, tenantID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.Metrics.Errors = append(sess.Metrics.Errors, message)
	sess.mu.Unlock()
	return nil
}

// RegistryStatus is the registry-wide snapshot used by health checks.
type RegistryStatus struct {
	ActiveSessions int
	TotalStarted   int
	TotalTurns     int
	TotalErrors    int
}

// Status reports the registry-wide snapshot (§4.9: "feed the
// registry-wide Status() snapshot used by health checks").
func (r *Registry) Status() RegistryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var st RegistryStatus
	for _, s := range r.sessions {
		snap := s.snapshot()
		if snap.Status != StateEnded {
			st.ActiveSessions++
		}
		st.TotalStarted += snap.Metrics.SessionsStarted
		st.TotalTurns += snap.Metrics.TotalTurns
		st.TotalErrors += len(snap.Metrics.Errors)
	}
	return st
}

// HealthCheck reports liveness per the health.HealthCheckable capability (§9).
func (r *Registry) HealthCheck(context.Context) error { return nil }

// Name satisfies health.HealthCheckable and health.StatsReportable.
func (r *Registry) Name() string { return "voice_session_registry" }

// Stats satisfies health.StatsReportable, mirroring Status() in the
// untyped shape a status endpoint needs.
func (r *Registry) Stats() map[string]any {
	st := r.Status()
	return map[string]any{
		"activeSessions": st.ActiveSessions,
		"totalStarted":   st.TotalStarted,
		"totalTurns":     st.TotalTurns,
		"totalErrors":    st.TotalErrors,
	}
}
