package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relaypath/pipeflow/internal/canary"
	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/refresolver"
)

type compileRequest struct {
	Source string `json:"source"`
	Name   string `json:"name"`
}

func (h *Handler) compile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, pferrors.InvalidInput(err.Error()))
		return
	}

	result, err := h.facade.Compile(r.Context(), req.Source, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, result)
}

type executeRequest struct {
	Ref    string                 `json:"ref"`
	Inputs map[string]interface{} `json:"inputs"`
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, pferrors.InvalidInput(err.Error()))
		return
	}

	outcome, err := h.facade.Execute(r.Context(), req.Ref, req.Inputs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, outcome)
}

type runRequest struct {
	Source string                 `json:"source"`
	Inputs map[string]interface{} `json:"inputs"`
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, pferrors.InvalidInput(err.Error()))
		return
	}

	outcome, err := h.facade.Run(r.Context(), req.Source, req.Inputs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, outcome)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.facade.List())
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok := h.facade.Get(id)
	if !ok {
		h.writeError(w, r, pferrors.NotFound("execution", id))
		return
	}
	h.writeJSON(w, r, http.StatusOK, rec)
}

func (h *Handler) deleteExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.facade.Delete(id) {
		h.writeError(w, r, pferrors.NotFound("execution", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resumeRequest struct {
	AdditionalInputs map[string]interface{} `json:"additional_inputs"`
	ResolvedNodes    map[string]interface{} `json:"resolved_nodes"`
}

func (h *Handler) resumeExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req resumeRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, pferrors.InvalidInput(err.Error()))
		return
	}

	outcome, err := h.facade.Resume(r.Context(), id, req.AdditionalInputs, req.ResolvedNodes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, outcome)
}

func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.store.ListImages())
}

func (h *Handler) getPipeline(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]

	img, err := refresolver.Resolve(h.store, ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, img)
}

func (h *Handler) removePipeline(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	extraRefs := func(candidate string) bool {
		return h.versions.ReferencesHash(candidate) || h.canaries.ReferencesHash(candidate)
	}

	removed, err := h.store.Remove(hash, extraRefs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !removed {
		if _, exists := h.store.Get(hash); exists {
			h.writeError(w, r, pferrors.Conflict("pipeline is still referenced").WithDetail("hash", hash))
			return
		}
		h.writeError(w, r, pferrors.NotFound("pipeline", hash))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type aliasRequest struct {
	Hash string `json:"hash"`
}

func (h *Handler) setAlias(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req aliasRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, pferrors.InvalidInput(err.Error()))
		return
	}

	if err := h.store.Alias(name, req.Hash); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeAlias(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	removed, err := h.store.Unalias(name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !removed {
		h.writeError(w, r, pferrors.NotFound("alias", name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	h.writeJSON(w, r, http.StatusOK, h.versions.ListVersions(name))
}

type reloadRequest struct {
	Source string         `json:"source"`
	Canary *canary.Config `json:"canary,omitempty"`
}

func (h *Handler) reloadPipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req reloadRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, pferrors.InvalidInput(err.Error()))
		return
	}

	result, err := h.reload.Reload(r.Context(), name, req.Source, req.Canary)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, result)
}

type rollbackRequest struct {
	Version *int `json:"version,omitempty"`
}

func (h *Handler) rollbackPipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req rollbackRequest
	_ = h.readJSON(r, &req) // a missing/empty body means "rollback to previous"

	result, err := h.reload.Rollback(name, req.Version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, result)
}

func (h *Handler) getCanaryState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	snapshot, ok := h.canaries.GetState(name)
	if !ok {
		h.writeError(w, r, pferrors.NotFound("canary", name))
		return
	}
	h.writeJSON(w, r, http.StatusOK, snapshot)
}

func (h *Handler) promoteCanary(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	snapshot, ok := h.canaries.Promote(name)
	if !ok {
		h.writeError(w, r, pferrors.NotFound("canary", name))
		return
	}
	h.writeJSON(w, r, http.StatusOK, snapshot)
}

func (h *Handler) rollbackCanary(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	snapshot, ok := h.canaries.Rollback(name)
	if !ok {
		h.writeError(w, r, pferrors.NotFound("canary", name))
		return
	}
	h.writeJSON(w, r, http.StatusOK, snapshot)
}
