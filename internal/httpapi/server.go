package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clinicware/syncbridge/internal/syncbridge"
)

type ServerConfig struct {
	// Token guards every /v1 route when set. Empty disables auth, which is
	// only sensible on a loopback bind.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the operator control surface over one engine. Routing is done by
// hand; the route table is small enough that a mux dependency buys nothing.
type Server struct {
	engine      *syncbridge.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *syncbridge.Engine, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.rateLimiter.window.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	switch parts[1] {
	case "engine":
		s.routeEngine(w, r, parts)
	case "sync":
		s.routeSync(w, r, parts)
	case "conflicts":
		s.routeConflicts(w, r, parts)
	case "alerts":
		s.routeAlerts(w, r, parts)
	case "events":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleEvents(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeEngine(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	switch {
	case parts[2] == "state" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"state": string(s.engine.State())})
	case parts[2] == "start" && r.Method == http.MethodPost:
		report, err := s.engine.Start(r.Context())
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case parts[2] == "stop" && r.Method == http.MethodPost:
		if err := s.engine.Stop(r.Context()); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": string(s.engine.State())})
	case parts[2] == "restart" && r.Method == http.MethodPost:
		report, err := s.engine.Restart(r.Context())
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeSync(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 3 && parts[2] == "status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.GetHealthReport())
	case len(parts) == 3 && parts[2] == "stats" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.GetStats())
	case len(parts) == 3 && parts[2] == "force" && r.Method == http.MethodPost:
		var body struct {
			Table string `json:"table"`
		}
		if !s.decodeJSONBody(w, r, &body) {
			return
		}
		synthesized, err := s.engine.ForceSync(r.Context(), body.Table)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"synthesizedEvents": synthesized})
	case len(parts) == 3 && parts[2] == "operations" && r.Method == http.MethodGet:
		limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
		history := s.engine.Queue().History()
		if len(history) > limit {
			history = history[len(history)-limit:]
		}
		writeJSON(w, http.StatusOK, map[string]any{"operations": history})
	case len(parts) == 4 && parts[2] == "operations" && r.Method == http.MethodGet:
		op, ok := s.engine.Queue().Operation(parts[3])
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "operation not found")
			return
		}
		writeJSON(w, http.StatusOK, op)
	case len(parts) == 3 && parts[2] == "parked" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"operations": s.engine.Queue().ParkedOperations()})
	case len(parts) == 5 && parts[2] == "parked" && parts[4] == "replay" && r.Method == http.MethodPost:
		if err := s.engine.Queue().RequeueParked(parts[3]); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeConflicts(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 3 && parts[2] == "pending" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"pending": s.engine.PendingResolutions()})
	case len(parts) == 5 && parts[2] == "pending" && parts[4] == "confirm" && r.Method == http.MethodPost:
		var body struct {
			Payload map[string]any `json:"payload"`
		}
		if !s.decodeJSONBody(w, r, &body) {
			return
		}
		if err := s.engine.ConfirmResolution(r.Context(), parts[3], body.Payload); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	case len(parts) == 5 && parts[2] == "pending" && parts[4] == "reject" && r.Method == http.MethodPost:
		if err := s.engine.RejectResolution(parts[3]); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	case len(parts) == 3 && parts[2] == "resolutions" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"resolutions": s.engine.Resolutions()})
	case len(parts) == 3 && parts[2] == "patterns" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"patterns": s.engine.Patterns().Snapshot()})
	case len(parts) == 3 && parts[2] == "patterns" && r.Method == http.MethodPut:
		var body struct {
			Pattern  string                        `json:"pattern"`
			Strategy syncbridge.ResolutionStrategy `json:"strategy"`
		}
		if !s.decodeJSONBody(w, r, &body) {
			return
		}
		if err := s.engine.Patterns().Set(body.Pattern, body.Strategy); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"patterns": s.engine.Patterns().Snapshot()})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeAlerts(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		if parseBool(r.URL.Query().Get("active"), true) {
			writeJSON(w, http.StatusOK, map[string]any{"alerts": s.engine.Alerts().Active()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": s.engine.Alerts().All()})
	case len(parts) == 4 && parts[3] == "ack" && r.Method == http.MethodPost:
		if err := s.engine.Alerts().Acknowledge(parts[2]); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	case len(parts) == 4 && parts[3] == "resolve" && r.Method == http.MethodPost:
		if err := s.engine.Alerts().Resolve(parts[2]); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncbridge.ErrRecordNotFound), errors.Is(err, syncbridge.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, syncbridge.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, syncbridge.ErrInvalidState),
		errors.Is(err, syncbridge.ErrAlreadyRunning),
		errors.Is(err, syncbridge.ErrNotRunning):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, syncbridge.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
