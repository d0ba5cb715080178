package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/logstream"
	"github.com/splax/kubeploy/internal/service/environment"
	"github.com/splax/kubeploy/internal/service/pipeline"
)

const (
	rateWindow         = time.Minute
	rateLimitTrigger   = 30
	rateLimitWrite     = 60
	rateLimitRead      = 240
	healthCheckTimeout = 2 * time.Second
)

// Pipeline triggers runs and reports application state.
type Pipeline interface {
	Trigger(ctx context.Context, userID, applicationID string) (pipeline.Ack, error)
	Status(ctx context.Context, userID, applicationID string) (pipeline.Status, error)
}

// Environments manages cluster-backed environments.
type Environments interface {
	Create(ctx context.Context, userID string, in environment.CreateInput) (*domain.Environment, error)
	Delete(ctx context.Context, userID, id string) error
	ListForUser(ctx context.Context, userID string) ([]domain.Environment, error)
}

// Teams manages teams and memberships.
type Teams interface {
	Create(ctx context.Context, actorID, envID, name string) (*domain.Team, error)
	List(ctx context.Context, actorID, envID string) ([]domain.Team, error)
	AddMember(ctx context.Context, actorID, teamID, userID string, role domain.Role) (*domain.UserRoleBinding, error)
	ChangeRole(ctx context.Context, actorID, teamID, userID string, role domain.Role) (*domain.UserRoleBinding, error)
	RemoveMember(ctx context.Context, actorID, teamID, userID string) error
	Delete(ctx context.Context, actorID, teamID string) error
}

// LogSessions attaches websocket clients to deployment sessions.
type LogSessions interface {
	Connect(sessionID string, sink logstream.Sink) error
	Pump(sessionID string, conn *websocket.Conn)
}

// Services bundles what the router exposes.
type Services struct {
	Pipeline     Pipeline
	Environments Environments
	Teams        Teams
	Logs         LogSessions
}

// Options configures authentication, rate limiting and health probes.
type Options struct {
	JWTSecret string
	Limiter   RateLimiter
	Health    func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	svc       Services
	jwtSecret string
	limiter   RateLimiter
	health    func(context.Context) error
	upgrader  websocket.Upgrader
	metrics   routerMetrics
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, opts Options) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		svc:       svc,
		jwtSecret: opts.JWTSecret,
		limiter:   opts.Limiter,
		health:    opts.Health,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics: newRouterMetrics(),
	}
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
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("POST /applications/{id}/deployments", r.authed(rateLimitTrigger, r.handleTrigger))
	r.mux.HandleFunc("GET /applications/{id}/status", r.authed(rateLimitRead, r.handleStatus))

	r.mux.HandleFunc("GET /environments", r.authed(rateLimitRead, r.handleListEnvironments))
	r.mux.HandleFunc("POST /environments", r.authed(rateLimitWrite, r.handleCreateEnvironment))
	r.mux.HandleFunc("DELETE /environments/{id}", r.authed(rateLimitWrite, r.handleDeleteEnvironment))
	r.mux.HandleFunc("GET /environments/{id}/teams", r.authed(rateLimitRead, r.handleListTeams))

	r.mux.HandleFunc("POST /teams", r.authed(rateLimitWrite, r.handleCreateTeam))
	r.mux.HandleFunc("DELETE /teams/{id}", r.authed(rateLimitWrite, r.handleDeleteTeam))
	r.mux.HandleFunc("POST /teams/{id}/members", r.authed(rateLimitWrite, r.handleAddMember))
	r.mux.HandleFunc("PUT /teams/{id}/members/{user}", r.authed(rateLimitWrite, r.handleChangeRole))
	r.mux.HandleFunc("DELETE /teams/{id}/members/{user}", r.authed(rateLimitWrite, r.handleRemoveMember))

	r.mux.HandleFunc("GET /ws/logs", r.audit(r.requireStreamAuth(r.handleLogsWS)))
}

func (r *Router) authed(limit int, next http.HandlerFunc) http.HandlerFunc {
	return r.audit(r.requireAuth(r.withRateLimit(limit, rateWindow, next)))
}

func (r *Router) handleTrigger(w http.ResponseWriter, req *http.Request) {
	userID, _ := userFromContext(req.Context())
	ack, err := r.svc.Pipeline.Trigger(req.Context(), userID, req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	userID, _ := userFromContext(req.Context())
	status, err := r.svc.Pipeline.Status(req.Context(), userID, req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleListEnvironments(w http.ResponseWriter, req *http.Request) {
	userID, _ := userFromContext(req.Context())
	envs, err := r.svc.Environments.ListForUser(req.Context(), userID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]map[string]any, 0, len(envs))
	for _, env := range envs {
		out = append(out, marshalEnvironment(env))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleCreateEnvironment(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name       string `json:"name"`
		Kubeconfig string `json:"kubeconfig"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID, _ := userFromContext(req.Context())
	env, err := r.svc.Environments.Create(req.Context(), userID, environment.CreateInput{Name: payload.Name, Kubeconfig: payload.Kubeconfig})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, marshalEnvironment(*env))
}

func (r *Router) handleDeleteEnvironment(w http.ResponseWriter, req *http.Request) {
	userID, _ := userFromContext(req.Context())
	if err := r.svc.Environments.Delete(req.Context(), userID, req.PathValue("id")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleListTeams(w http.ResponseWriter, req *http.Request) {
	userID, _ := userFromContext(req.Context())
	teams, err := r.svc.Teams.List(req.Context(), userID, req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]map[string]any, 0, len(teams))
	for _, t := range teams {
		out = append(out, marshalTeam(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleCreateTeam(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		EnvironmentID string `json:"environment_id"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID, _ := userFromContext(req.Context())
	team, err := r.svc.Teams.Create(req.Context(), userID, payload.EnvironmentID, payload.Name)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, marshalTeam(*team))
}

func (r *Router) handleDeleteTeam(w http.ResponseWriter, req *http.Request) {
	userID, _ := userFromContext(req.Context())
	if err := r.svc.Teams.Delete(req.Context(), userID, req.PathValue("id")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleAddMember(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role, err := domain.ParseRole(payload.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actorID, _ := userFromContext(req.Context())
	binding, err := r.svc.Teams.AddMember(req.Context(), actorID, req.PathValue("id"), payload.UserID, role)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, marshalBinding(*binding))
}

func (r *Router) handleChangeRole(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role, err := domain.ParseRole(payload.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actorID, _ := userFromContext(req.Context())
	binding, err := r.svc.Teams.ChangeRole(req.Context(), actorID, req.PathValue("id"), req.PathValue("user"), role)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalBinding(*binding))
}

func (r *Router) handleRemoveMember(w http.ResponseWriter, req *http.Request) {
	actorID, _ := userFromContext(req.Context())
	if err := r.svc.Teams.RemoveMember(req.Context(), actorID, req.PathValue("id"), req.PathValue("user")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogsWS attaches the caller to a session and blocks until either side
// goes away.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	sessionID := strings.TrimSpace(req.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	sink := logstream.NewWebsocketSink(conn, r.logger)
	if err := r.svc.Logs.Connect(sessionID, sink); err != nil {
		r.logger.Warn("log session unavailable", "session_id", sessionID, "error", err)
		sink.Close()
		return
	}
	r.svc.Logs.Pump(sessionID, conn)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.health(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func marshalEnvironment(env domain.Environment) map[string]any {
	return map[string]any{
		"id":             env.ID,
		"name":           env.Name,
		"managed":        env.Managed,
		"status":         env.Status,
		"status_message": env.StatusMessage,
		"created_at":     env.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func marshalTeam(t domain.Team) map[string]any {
	return map[string]any{
		"id":             t.ID,
		"environment_id": t.EnvironmentID,
		"name":           t.Name,
		"namespace":      t.Namespace,
	}
}

func marshalBinding(b domain.UserRoleBinding) map[string]any {
	return map[string]any{
		"team_id": b.TeamID,
		"user_id": b.UserID,
		"role":    b.Role,
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
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
		route := routeLabel(req)
		r.metrics.observe(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if userID, ok := userFromContext(ctx); ok {
			fields = append(fields, "user_id", userID)
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

// routeLabel keeps metric cardinality bounded by using the mux pattern.
func routeLabel(req *http.Request) string {
	if req.Pattern != "" {
		return req.Pattern
	}
	return "unmatched"
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
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if sr.status == 0 {
		sr.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}
