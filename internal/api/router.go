package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sitevoice/kb-engine/internal/crawl"
	"github.com/sitevoice/kb-engine/internal/health"
	"github.com/sitevoice/kb-engine/internal/locale"
	"github.com/sitevoice/kb-engine/internal/observability"
	"github.com/sitevoice/kb-engine/internal/ratelimit"
	"github.com/sitevoice/kb-engine/internal/search"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
	"github.com/sitevoice/kb-engine/internal/voice"
)

// Deps is the composition root's dependency bundle for the HTTP surface.
// Every field is a fully-built component; router construction only wires
// them to routes, never builds them.
type Deps struct {
	Store        vectorstore.Store
	SearchEngine *search.Engine
	Crawl        *crawl.Orchestrator
	Voice        *voice.Registry
	Locale       *locale.Negotiator
	Limiter      *ratelimit.Limiter
	KBHealth     *health.Aggregator
	VoiceHealth  *health.Aggregator
	Logger       observability.Logger
	JWTSecret    []byte
	SupportedLocales []string
}

// NewRouter builds the gin engine for the §6 HTTP surface, applying the
// guard-layer middleware chain (correlation -> tenant -> locale ->
// rate limit) ahead of every /api/v1 route.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = observability.NewNoopLogger()
	}

	r := gin.New()
	r.Use(RecoveryLogger(deps.Logger))
	r.Use(RequestLogger(deps.Logger))
	r.Use(CorrelationMiddleware())

	h := &handlers{deps: deps}

	r.GET("/info", h.info)
	r.GET("/openapi.json", h.openapi)

	v1 := r.Group("/api/v1")
	v1.Use(TenantMiddleware(deps.JWTSecret, true))
	v1.Use(LocaleMiddleware(deps.Locale))
	if deps.Limiter != nil {
		v1.Use(ratelimit.Middleware(deps.Limiter, ratelimit.ByTenantAndEndpoint))
	}

	kb := v1.Group("/kb")
	kb.POST("/search", h.kbSearch)
	kb.POST("/reindex", h.kbReindex)
	kb.GET("/status", h.kbStatus)
	kb.GET("/health", h.kbHealthCheck)

	voiceGroup := v1.Group("/voice")
	voiceGroup.POST("/session", h.voiceCreateSession)
	voiceGroup.GET("/stream", h.voiceStream)
	voiceGroup.POST("/stream", h.voiceStreamInput)
	voiceGroup.DELETE("/session/:id", h.voiceEndSession)
	voiceGroup.GET("/health", h.voiceHealthCheck)

	return r
}
