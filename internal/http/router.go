package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JanDub-code/tasknotify/internal/domain"
	"github.com/JanDub-code/tasknotify/internal/service/notification"
	"github.com/JanDub-code/tasknotify/internal/ws"
	"github.com/JanDub-code/tasknotify/pkg/config"
)

// Router wires HTTP endpoints to the notification service and the broker.
type Router struct {
	mux             *http.ServeMux
	logger          *slog.Logger
	notifications   notification.Service
	upgrader        websocket.Upgrader
	limiter         RateLimiter
	jwtSecret       string
	deliveryTimeout time.Duration
	readLimit       int64
	dbHealth        func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second

	rateLimitNotificationWrite = 60
	rateLimitNotificationRead  = 120
	rateLimitWarning           = 10
	rateLimitWebsocket         = 30

	healthCheckTimeout = 2 * time.Second
	defaultListLimit   = 100

	inboundEventSubscribe = "subscribeToTeam"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, notificationSvc notification.Service, limiter RateLimiter, cfg config.SocketConfig, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:             http.NewServeMux(),
		logger:          logger,
		notifications:   notificationSvc,
		limiter:         limiter,
		jwtSecret:       cfg.JWTSecret,
		deliveryTimeout: cfg.DeliveryTimeout,
		readLimit:       cfg.ReadLimitBytes,
		dbHealth:        dbHealth,
	}
	r.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.CORSOrigins)}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/notifications", r.audit("/notifications", r.handlerAuthRate("/notifications", rateLimitNotificationWrite, rateWindowDefault, r.handleNotifications)))
	r.mux.HandleFunc("/notifications/", r.audit("/notifications/", r.handlerAuthRate("/notifications/", rateLimitNotificationRead, rateWindowDefault, r.handleNotificationSubroutes)))
	r.mux.HandleFunc("/warnings", r.audit("/warnings", r.handlerAuthRate("/warnings", rateLimitWarning, rateWindowDefault, r.handleWarnings)))
	r.mux.HandleFunc("/ws", r.audit("/ws", r.handlerAuthRate("/ws", rateLimitWebsocket, rateWindowRealtime, r.handleSocket)))
}

func (r *Router) handleNotifications(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		TeamID string `json:"team_id"`
		UserID string `json:"user_id"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for notification creation", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		payload.UserID = info.UserID
	}
	created, err := r.notifications.Create(req.Context(), payload.TeamID, payload.UserID, payload.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, marshalNotification(*created))
}

func (r *Router) handleNotificationSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/notifications/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[1] == "" {
		r.notFound(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	var list func(context.Context, string, int) ([]domain.Notification, error)
	switch parts[0] {
	case "team":
		list = r.notifications.ListByTeam
	case "user":
		list = r.notifications.ListByUser
	default:
		r.notFound(w)
		return
	}
	notifications, err := list(req.Context(), parts[1], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		payload = append(payload, marshalNotification(n))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleWarnings(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	warning, err := r.notifications.Warn(payload.Message)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":   warning.Message,
		"issued_at": warning.IssuedAt.Format(time.RFC3339Nano),
	})
}

// handleSocket upgrades the request and runs the connection lifecycle: the
// client is registered under a fresh identifier, serves subscribe frames
// until the read loop ends, and is then purged from every subscription.
func (r *Router) handleSocket(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	connID := uuid.NewString()
	client := ws.NewClient(conn, r.deliveryTimeout, r.logger)
	broker := r.notifications.Broker()
	if err := broker.Register(connID, client); err != nil {
		r.logger.Error("websocket register failed", "conn_id", connID, "error", err)
		client.Close()
		return
	}
	go func() {
		defer func() {
			broker.Disconnect(connID)
			client.Close()
		}()
		if r.readLimit > 0 {
			conn.SetReadLimit(r.readLimit)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Event  string `json:"event"`
				TeamID string `json:"team_id"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				r.logger.Warn("unreadable socket frame", "conn_id", connID, "error", err)
				continue
			}
			if frame.Event != inboundEventSubscribe {
				r.logger.Warn("unsupported socket event", "conn_id", connID, "event", frame.Event)
				continue
			}
			// Request context dies with the handler; the read loop outlives it.
			if err := r.notifications.Subscribe(context.Background(), connID, frame.TeamID); err != nil {
				r.logger.Warn("subscribe failed", "conn_id", connID, "team_id", frame.TeamID, "error", err)
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "user_id", info.UserID)
			if info.TeamID != "" {
				fields = append(fields, "team_id", info.TeamID)
			}
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = struct{}{}
	}
	return func(req *http.Request) bool {
		if allowAll {
			return true
		}
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// marshalNotification formats a notification for REST payloads, mirroring the
// shape pushed over the socket.
func marshalNotification(n domain.Notification) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"team_id":    n.TeamID,
		"user_id":    n.UserID,
		"text":       n.Text,
		"created_at": n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
