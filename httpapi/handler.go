package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/newsmesh/gpu-orchestrator/domain/pool"
	"github.com/newsmesh/gpu-orchestrator/domain/registry"

	"github.com/newsmesh/gpu-orchestrator/engine"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/eventbus"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"
)

// dispatcher is the Agent Router API's forwarding half, the same shape
// worker.Dispatcher uses so the submission API and the worker runtime
// exercise identical dispatch semantics.
type dispatcher interface {
	Call(ctx context.Context, agentName, toolName string, args, kwargs map[string]registry.Value, timeout time.Duration) (*registry.CallResult, error)
}

// handler bundles the Submission/Control API, the Agent Router API, and
// the operational endpoints (ready/metrics/audit) over one Engine.
type handler struct {
	eng   *engine.Engine
	store state.Store
	bus   eventbus.Bus
	dsp   dispatcher
	feed  *auditFeed

	callTimeout time.Duration
}

// newRouter builds the gorilla/mux router exposing every endpoint named
// in spec.md §6.
func newRouter(h *handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/jobs/submit", h.submitJob).Methods(http.MethodPost)
	r.HandleFunc("/leases", h.leaseGPU).Methods(http.MethodPost)
	r.HandleFunc("/leases/{token}/heartbeat", h.heartbeatLease).Methods(http.MethodPost)
	r.HandleFunc("/leases/{token}/release", h.releaseLease).Methods(http.MethodPost)
	r.HandleFunc("/workers/pool", h.requestPool).Methods(http.MethodPost)
	r.HandleFunc("/control/reconcile", h.reconcileNow).Methods(http.MethodPost)
	r.HandleFunc("/control/evict_pool", h.evictPool).Methods(http.MethodPost)
	r.HandleFunc("/control/drain_pool", h.drainPool).Methods(http.MethodPost)
	r.HandleFunc("/call", h.callAgent).Methods(http.MethodPost)
	r.HandleFunc("/ready", h.ready).Methods(http.MethodGet)
	r.HandleFunc("/ws/audit", h.auditWS).Methods(http.MethodGet)

	return r
}

type submitJobRequest struct {
	JobID   string          `json:"job_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (h *handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "type is required"})
		return
	}
	if err := h.eng.SubmitJob(r.Context(), req.JobID, req.Type, req.Payload, eventbus.StreamInferenceJobs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type leaseRequest struct {
	Agent       string `json:"agent"`
	MinMemoryMB int    `json:"min_memory_mb"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

func (h *handler) leaseGPU(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	l, err := h.eng.LeaseGPU(r.Context(), req.Agent, req.MinMemoryMB, req.TTLSeconds, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      l.Token,
		"gpu_index":  l.Device,
		"expires_at": l.ExpiresAt,
	})
}

func (h *handler) heartbeatLease(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	l, err := h.eng.HeartbeatLease(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": l.Token, "expires_at": l.ExpiresAt})
}

func (h *handler) releaseLease(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if err := h.eng.ReleaseLease(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type requestPoolRequest struct {
	Agent          string            `json:"agent"`
	ModelID        string            `json:"model_id"`
	AdapterID      string            `json:"adapter_id"`
	DesiredWorkers int               `json:"desired_workers"`
	HoldSeconds    int               `json:"hold_seconds"`
	Metadata       map[string]string `json:"metadata"`
}

func (h *handler) requestPool(w http.ResponseWriter, r *http.Request) {
	var req requestPoolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	id, err := h.eng.RequestPool(r.Context(), pool.Spec{
		Agent: req.Agent, ModelID: req.ModelID, AdapterID: req.AdapterID,
		DesiredWorkers: req.DesiredWorkers, HoldSeconds: req.HoldSeconds, Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pool_id": id})
}

type poolIDRequest struct {
	PoolID string `json:"pool_id"`
}

func (h *handler) reconcileNow(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.ReconcileNow(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) evictPool(w http.ResponseWriter, r *http.Request) {
	var req poolIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	if err := h.eng.EvictPool(r.Context(), req.PoolID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) drainPool(w http.ResponseWriter, r *http.Request) {
	var req poolIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	if err := h.eng.DrainPool(r.Context(), req.PoolID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callRequest struct {
	Agent  string                     `json:"agent"`
	Tool   string                     `json:"tool"`
	Args   map[string]registry.Value `json:"args"`
	Kwargs map[string]registry.Value `json:"kwargs"`
}

func (h *handler) callAgent(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	timeout := h.callTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	result, err := h.dsp.Call(r.Context(), req.Agent, req.Tool, req.Args, req.Kwargs, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ready reports 200 when the State Store answers a one-row audit read and
// the wired Event Bus answers a ping (the in-memory bus always does). It
// does not check the leader election loop.
func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.store.ListAudit(ctx, "", 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "state store unreachable"})
		return
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event bus unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
