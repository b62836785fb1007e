// Package httpapi implements the REST surface of §6: compile/execute/run,
// executions, pipelines, versioning/reload/rollback, and canary endpoints,
// as thin handlers over the core components.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/canary"
	"github.com/relaypath/pipeflow/internal/exec"
	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipelinestore"
	"github.com/relaypath/pipeflow/internal/reload"
	"github.com/relaypath/pipeflow/internal/versionstore"
)

// Handler wires the core components into an HTTP surface.
type Handler struct {
	store    *pipelinestore.Store
	versions *versionstore.Store
	canaries *canary.Router
	facade   *exec.Facade
	reload   *reload.Coordinator
	log      *zap.Logger
}

func New(store *pipelinestore.Store, versions *versionstore.Store, canaries *canary.Router, facade *exec.Facade, coordinator *reload.Coordinator, log *zap.Logger) *Handler {
	return &Handler{store: store, versions: versions, canaries: canaries, facade: facade, reload: coordinator, log: log}
}

// RegisterRoutes mounts every route under a /api/v1 subrouter.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.loggingMiddleware)

	api.HandleFunc("/compile", h.compile).Methods("POST")
	api.HandleFunc("/execute", h.execute).Methods("POST")
	api.HandleFunc("/run", h.run).Methods("POST")

	api.HandleFunc("/executions", h.listExecutions).Methods("GET")
	api.HandleFunc("/executions/{id}", h.getExecution).Methods("GET")
	api.HandleFunc("/executions/{id}", h.deleteExecution).Methods("DELETE")
	api.HandleFunc("/executions/{id}/resume", h.resumeExecution).Methods("POST")

	api.HandleFunc("/pipelines", h.listPipelines).Methods("GET")
	api.HandleFunc("/pipelines/{ref}", h.getPipeline).Methods("GET")
	api.HandleFunc("/pipelines/{hash}", h.removePipeline).Methods("DELETE")
	api.HandleFunc("/pipelines/{name}/alias", h.setAlias).Methods("PUT")
	api.HandleFunc("/pipelines/{name}/alias", h.removeAlias).Methods("DELETE")

	api.HandleFunc("/pipelines/{name}/versions", h.listVersions).Methods("GET")
	api.HandleFunc("/pipelines/{name}/reload", h.reloadPipeline).Methods("POST")
	api.HandleFunc("/pipelines/{name}/rollback", h.rollbackPipeline).Methods("POST")

	api.HandleFunc("/pipelines/{name}/canary", h.getCanaryState).Methods("GET")
	api.HandleFunc("/pipelines/{name}/canary/promote", h.promoteCanary).Methods("POST")
	api.HandleFunc("/pipelines/{name}/canary/rollback", h.rollbackCanary).Methods("POST")
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (h *Handler) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON writes v as the response body, applying an optional
// `?select=<jsonpath>` projection first.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	body := v
	if selector := r.URL.Query().Get("select"); selector != "" {
		projected, err := h.project(v, selector)
		if err == nil {
			body = projected
		} else {
			h.log.Warn("select projection failed", zap.String("selector", selector), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) project(v interface{}, selector string) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return jsonpath.Get(selector, doc)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pferrors.Kind("Internal")
	if e := pferrors.As(err); e != nil {
		kind = e.Kind
	}
	status := pferrors.StatusCode(kind)
	response := pferrors.NewResponse(err, traceIDFrom(r.Context()))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

func traceIDFrom(ctx context.Context) string {
	return "" // error responses always carry an empty trace id
}
