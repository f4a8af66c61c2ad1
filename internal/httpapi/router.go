package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/berth-dev/berth/internal/domain"
	"github.com/berth-dev/berth/internal/logs"
	"github.com/berth-dev/berth/internal/orchestrator"
	"github.com/berth-dev/berth/internal/repository"
	"github.com/berth-dev/berth/internal/ws"
)

const (
	healthCheckTimeout  = 2 * time.Second
	rateWindowDefault   = time.Minute
	rateLimitDeploy     = 30
	rateLimitLogRead    = 600
	rateLimitRecord     = 60
	defaultLogPageLimit = 1000
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	orchestrator orchestrator.Service
	logs         logs.Service
	deployments  repository.DeploymentRepository
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	dbHealth     func(context.Context) error
	brokerHealth func() error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deployResults      *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
}

// New assembles routes with dependencies.
func New(logger *slog.Logger, orchestratorSvc orchestrator.Service, logSvc logs.Service, deployments repository.DeploymentRepository, limiter RateLimiter, dbHealth func(context.Context) error, brokerHealth func() error) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		orchestrator: orchestratorSvc,
		logs:         logSvc,
		deployments:  deployments,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		dbHealth:     dbHealth,
		brokerHealth: brokerHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases limiter resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/deployments", r.instrument("/deployments", r.handleDeployments))
	r.mux.HandleFunc("/deployments/", r.instrument("/deployments/:id", r.handleDeploymentSubtree))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.withRateLimit("/deployments", rateLimitDeploy, rateWindowDefault, r.handleStartDeployment)(w, req)
	case http.MethodGet:
		r.handleListDeployments(w, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDeploymentSubtree dispatches /deployments/{id}[/logs[/stream]|/record].
func (r *Router) handleDeploymentSubtree(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "deployment id required")
		return
	}
	segments := strings.Split(rest, "/")
	id := segments[0]

	switch {
	case len(segments) == 1 && req.Method == http.MethodGet:
		r.handleGetDeployment(w, req, id)
	case len(segments) == 2 && segments[1] == "logs" && req.Method == http.MethodGet:
		r.withRateLimit("/deployments/:id/logs", rateLimitLogRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleListLogs(w, req, id)
		})(w, req)
	case len(segments) == 3 && segments[1] == "logs" && segments[2] == "stream" && req.Method == http.MethodGet:
		r.handleStreamLogs(w, req, id)
	case len(segments) == 2 && segments[1] == "record" && (req.Method == http.MethodPut || req.Method == http.MethodPost):
		r.withRateLimit("/deployments/:id/record", rateLimitRecord, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleUpsertRecord(w, req, id)
		})(w, req)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) handleStartDeployment(w http.ResponseWriter, req *http.Request) {
	var payload domain.DeploymentRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	accepted, err := r.orchestrator.StartDeployment(req.Context(), payload)
	if err != nil {
		r.recordDeployResult("rejected")
		var rejection *orchestrator.Rejection
		if errors.As(err, &rejection) && rejection.Reason == orchestrator.ReasonMissingField {
			writeError(w, http.StatusBadRequest, rejection.Error())
			return
		}
		r.logger.Error("deployment rejected", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.recordDeployResult("accepted")
	writeJSON(w, http.StatusOK, accepted)
}

func (r *Router) handleListLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	afterID := int64(0)
	if raw := req.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		afterID = parsed
	}
	limit := defaultLogPageLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	events, err := r.logs.List(req.Context(), deploymentID, afterID, limit)
	if err != nil {
		r.logger.Error("log query failed", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch logs")
		return
	}
	writeJSON(w, http.StatusOK, logs.MarshalEvents(events))
}

func (r *Router) handleStreamLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "deployment_id", deploymentID, "error", err)
		return
	}
	client := ws.NewClient(conn, deploymentID, r.logger)
	hub := r.logs.Hub()
	hub.Register(deploymentID, client)

	// Block on reads to detect the peer going away.
	go func() {
		defer func() {
			hub.Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) handleUpsertRecord(w http.ResponseWriter, req *http.Request, deploymentID string) {
	var payload domain.DeploymentRecordUpsert
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.DeploymentID == "" {
		payload.DeploymentID = deploymentID
	}
	if payload.DeploymentID != deploymentID {
		writeError(w, http.StatusBadRequest, "deployment id mismatch")
		return
	}
	if err := r.deployments.UpsertDeploymentRecord(req.Context(), payload); err != nil {
		r.logger.Error("deployment record upsert failed", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store deployment record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deployment_id": deploymentID, "status": "recorded"})
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) {
	deployment, err := r.deployments.GetDeploymentByID(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		r.logger.Error("deployment fetch failed", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch deployment")
		return
	}
	writeJSON(w, http.StatusOK, r.deploymentPayload(*deployment))
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	deployments, err := r.deployments.ListDeployments(req.Context(), limit)
	if err != nil {
		r.logger.Error("deployment list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}
	payload := make([]map[string]any, 0, len(deployments))
	for _, deployment := range deployments {
		payload = append(payload, r.deploymentPayload(deployment))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := map[string]any{}
	components["docker"] = componentStatus(r.orchestrator.Health(ctx), &status)
	if r.dbHealth != nil {
		components["database"] = componentStatus(r.dbHealth(ctx), &status)
	}
	if r.brokerHealth != nil {
		components["broker"] = componentStatus(r.brokerHealth(), &status)
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

func componentStatus(err error, overall *string) map[string]any {
	if err == nil {
		return map[string]any{"status": "up"}
	}
	*overall = "degraded"
	return map[string]any{"status": "down", "error": err.Error()}
}

func (r *Router) deploymentPayload(d domain.Deployment) map[string]any {
	// The caller-recorded URL wins; for succeeded deployments without one the
	// URL is derived from the artifact key layout.
	url := d.URL
	if url == "" && d.Status == domain.StatusSucceeded {
		url = r.orchestrator.PublishedURL(d.ID)
	}
	payload := map[string]any{
		"deployment_id": d.ID,
		"repo":          d.Repo,
		"branch":        d.Branch,
		"owner":         d.Owner,
		"status":        d.Status,
		"url":           url,
		"started_at":    d.StartedAt.Format(time.RFC3339Nano),
		"updated_at":    d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if d.CompletedAt != nil {
		payload["completed_at"] = d.CompletedAt.Format(time.RFC3339Nano)
	}
	if len(d.LogSnapshot) > 0 {
		payload["logs"] = d.LogSnapshot
	}
	return payload
}
