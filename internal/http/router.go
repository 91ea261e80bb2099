package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paddock-dev/paddock/internal/domain"
	"github.com/paddock-dev/paddock/internal/ports"
	"github.com/paddock-dev/paddock/internal/proxy"
	"github.com/paddock-dev/paddock/internal/registry"
	"github.com/paddock-dev/paddock/internal/service/instance"
	"github.com/paddock-dev/paddock/internal/ws"
	"github.com/paddock-dev/paddock/pkg/jwt"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	instances     *instance.Service
	gateway       *proxy.Gateway
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	sessionSecret string
	channelToken  string
	dbHealth      func(context.Context) error
	runtimeHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 30
	rateLimitRead      = 120
	rateLimitProxy     = 600
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, instances *instance.Service, gateway *proxy.Gateway, hub *ws.Hub, limiter RateLimiter, sessionSecret, channelToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		instances: instances,
		gateway:   gateway,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		sessionSecret: sessionSecret,
		channelToken:  strings.TrimSpace(channelToken),
		dbHealth:      dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// SetRuntimeHealth registers the container runtime ping for /healthz.
func (r *Router) SetRuntimeHealth(check func(context.Context) error) {
	r.runtimeHealth = check
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
	r.mux.HandleFunc("/instances", r.audit("/instances", r.handleInstances))
	r.mux.HandleFunc("/instances/", r.audit("/instances/{id}", r.handleInstanceSubroutes))
	r.mux.HandleFunc("/i/", r.audit("/i/{id}", r.withRateLimit("/i/{id}", rateLimitProxy, rateWindowDefault, rateLimitKeyIP, r.handleProxy)))
	r.mux.HandleFunc("/ws/events", r.audit("/ws/events", r.handlerAuthRate("/ws/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) parseSession(token string) (string, error) {
	claims, err := jwt.ParseSession(token, r.sessionSecret)
	if err != nil {
		return "", err
	}
	return claims.AccountID, nil
}

// SessionResolver builds the proxy's optional-session lookup: it never writes
// a response, it only reports whether an authenticated web account is present.
func SessionResolver(secret string, logger *slog.Logger) proxy.SessionFunc {
	return func(req *http.Request) (string, bool) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			if cookie, cookieErr := req.Cookie(SessionCookie); cookieErr == nil {
				token = strings.TrimSpace(cookie.Value)
			}
		}
		if token == "" {
			return "", false
		}
		claims, err := jwt.ParseSession(token, secret)
		if err != nil {
			logger.Warn("session token rejected", "path", req.URL.Path, "error", err)
			return "", false
		}
		return claims.AccountID, true
	}
}

func (r *Router) handleInstances(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Provider   string `json:"provider"`
		Credential string `json:"credential"`
		Persona    string `json:"persona"`
		Owner      string `json:"owner"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	owner, ok := r.resolveOwner(w, req, payload.Owner)
	if !ok {
		return
	}

	key := "account:" + owner
	decision := r.limiter.Allow(key, rateLimitWrite, rateWindowDefault)
	r.applyRateHeaders(w, rateLimitWrite, decision)
	if !decision.allowed {
		r.recordRateLimitHit("/instances", rateMetricKey(key))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	inst, err := r.instances.Deploy(req.Context(), instance.DeployRequest{
		Owner:      owner,
		Provider:   payload.Provider,
		Credential: payload.Credential,
		Persona:    payload.Persona,
	})
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":      inst.ID,
		"status":  string(inst.Status),
		"message": "deployment started, poll for status",
	})
}

// resolveOwner determines who the instance belongs to. Channel collaborators
// authenticate with the shared service token and name a channel pseudo-owner
// explicitly; everyone else gets their session account.
func (r *Router) resolveOwner(w http.ResponseWriter, req *http.Request, requested string) (string, bool) {
	if domain.IsChannelOwner(requested) {
		if !r.verifyChannelToken(w, req) {
			return "", false
		}
		return requested, true
	}
	ctx, info, ok := r.ensureAuth(w, req)
	if !ok {
		return "", false
	}
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	return info.AccountID, true
}

func (r *Router) handleInstanceSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/instances/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	id := parts[0]

	if len(parts) == 3 && parts[1] == "channels" && parts[2] != "" {
		r.handlerAuthRate("/instances/{id}/channels", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleChannelRemoval(w, req, id, parts[2])
		})(w, req)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}

	switch req.Method {
	case http.MethodGet:
		r.handlerAuthRate("/instances/{id}", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleInstanceGet(w, req, id)
		})(w, req)
	case http.MethodDelete:
		r.handlerAuthRate("/instances/{id}", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleInstanceDestroy(w, req, id)
		})(w, req)
	case http.MethodPatch:
		r.handlerAuthRate("/instances/{id}", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleInstanceRotate(w, req, id)
		})(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleInstanceGet(w http.ResponseWriter, req *http.Request, id string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	inst, err := r.instances.Get(req.Context(), id, info.AccountID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (r *Router) handleInstanceDestroy(w http.ResponseWriter, req *http.Request, id string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	if err := r.instances.Destroy(req.Context(), id, info.AccountID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

func (r *Router) handleInstanceRotate(w http.ResponseWriter, req *http.Request, id string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	var payload struct {
		Provider   string `json:"provider"`
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	inst, err := r.instances.Rotate(req.Context(), id, info.AccountID, instance.RotateRequest{
		Provider:   payload.Provider,
		Credential: payload.Credential,
	})
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (r *Router) handleChannelRemoval(w http.ResponseWriter, req *http.Request, id, channelType string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	if err := r.instances.RemoveChannel(req.Context(), id, info.AccountID, channelType); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (r *Router) handleProxy(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/i/")
	id, rest, _ := strings.Cut(trimmed, "/")
	if id == "" {
		r.notFound(w)
		return
	}
	r.gateway.Handle(w, req, id, rest)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	instanceID := req.URL.Query().Get("instance_id")
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id query parameter required")
		return
	}
	if _, err := r.instances.Get(req.Context(), instanceID, info.AccountID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(instanceID, client)
	go func() {
		defer func() {
			r.hub.Unregister(instanceID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
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
	checks := map[string]func(context.Context) error{
		"database": r.dbHealth,
		"runtime":  r.runtimeHealth,
	}
	for name, check := range checks {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components[name] = map[string]any{"status": "up"}
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

// writeServiceError maps service failures onto the response taxonomy.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	var ownerConflict *registry.OwnerConflictError
	switch {
	case errors.As(err, &ownerConflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":              "owner already has an instance",
			"existingInstanceId": ownerConflict.ExistingID,
		})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrCapacity), errors.Is(err, ports.ErrNoPortsAvailable):
		writeError(w, http.StatusServiceUnavailable, "platform capacity reached, try again later")
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, instance.ErrChannelNotConfigured):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, instance.ErrForbidden):
		writeError(w, http.StatusForbidden, "not your instance")
	case errors.Is(err, instance.ErrNotRunning):
		writeError(w, http.StatusConflict, "instance is not running")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) missingAuthContext(w http.ResponseWriter, req *http.Request) {
	r.logger.Error("auth context missing", "path", req.URL.Path)
	writeError(w, http.StatusInternalServerError, "authorization context missing")
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
		actor := "anonymous"
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
			actor = "account"
			fields = append(fields, "account_id", info.AccountID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
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

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
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
	headers.Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	headers.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", fmt.Sprintf("%d", decision.windowEnd.Unix()))
	}
}

// verifyChannelToken ensures channel collaborator calls carry the shared secret.
func (r *Router) verifyChannelToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.channelToken
	if expected == "" {
		r.logger.Error("channel token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "channel authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Channel-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("channel token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid channel token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
