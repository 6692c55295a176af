// Package router classifies user turns by keyword.
package router

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Route is the dispatch decision for one turn.
type Route int

const (
	RouteChat         Route = iota // Forward to the model for a free-form reply
	RouteWorkoutTool                // Generate a workout plan directly
	RouteProgressTool               // Generate a progress report directly
)

func (r Route) String() string {
	switch r {
	case RouteChat:
		return "chat"
	case RouteWorkoutTool:
		return "workout_tool"
	case RouteProgressTool:
		return "progress_tool"
	default:
		return "unknown"
	}
}

// Keyword lists are checked in order; workout keywords take precedence
// over progress keywords.
var (
	workoutKeywords  = []string{"workout plan", "routine", "workout routine", "training plan", "program"}
	progressKeywords = []string{"progress", "report", "csv", "track"}
)

// Classify maps user text to a route.
func Classify(text string) Route {
	route, _ := Match(text)
	return route
}

// Match is Classify plus the keyword that decided it. The keyword is
// empty for RouteChat.
func Match(text string) (Route, string) {
	q := strings.ToLower(strings.TrimSpace(text))
	if q == "" {
		return RouteChat, ""
	}
	for _, kw := range workoutKeywords {
		if strings.Contains(q, kw) {
			return RouteWorkoutTool, kw
		}
	}
	for _, kw := range progressKeywords {
		if strings.Contains(q, kw) {
			return RouteProgressTool, kw
		}
	}
	return RouteChat, ""
}

// Decision records why a turn was routed the way it was.
type Decision struct {
	SessionID   string    `json:"session_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	QueryLength int       `json:"query_length"`
	Route       string    `json:"route"`
	Keyword     string    `json:"keyword,omitempty"`
	// Native is set when the model was offered tool schemas first and the
	// keyword route was only a fallback.
	Native bool `json:"native,omitempty"`
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	RouteCounts   map[string]int64 `json:"route_counts"`
	KeywordCounts map[string]int64 `json:"keyword_counts"`
}

// Router classifies turns and keeps a bounded audit log of decisions.
type Router struct {
	logger      *slog.Logger
	maxAuditLog int

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router keeping at most maxAuditLog decisions.
func NewRouter(logger *slog.Logger, maxAuditLog int) *Router {
	if maxAuditLog <= 0 {
		maxAuditLog = 1000
	}
	return &Router{
		logger:      logger,
		maxAuditLog: maxAuditLog,
		auditLog:    make([]Decision, 0, maxAuditLog),
		stats: Stats{
			RouteCounts:   make(map[string]int64),
			KeywordCounts: make(map[string]int64),
		},
	}
}

// Route classifies text and records the decision.
func (r *Router) Route(sessionID, text string, native bool) Route {
	route, kw := Match(text)
	d := Decision{
		SessionID:   sessionID,
		Timestamp:   time.Now(),
		QueryLength: len(text),
		Route:       route.String(),
		Keyword:     kw,
		Native:      native,
	}
	r.recordDecision(d)

	r.logger.Debug("turn routed",
		"session_id", sessionID,
		"route", d.Route,
		"keyword", kw,
		"native", native,
	)
	return route
}

func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.maxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.RouteCounts[d.Route]++
	if d.Keyword != "" {
		r.stats.KeywordCounts[d.Keyword]++
	}
}

// GetAuditLog returns up to limit recent decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Stats{
		TotalRequests: r.stats.TotalRequests,
		RouteCounts:   make(map[string]int64, len(r.stats.RouteCounts)),
		KeywordCounts: make(map[string]int64, len(r.stats.KeywordCounts)),
	}
	for k, v := range r.stats.RouteCounts {
		out.RouteCounts[k] = v
	}
	for k, v := range r.stats.KeywordCounts {
		out.KeywordCounts[k] = v
	}
	return out
}
