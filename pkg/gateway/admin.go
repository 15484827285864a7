package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcpxhq/mcpx/pkg/config"
	"github.com/mcpxhq/mcpx/pkg/sessions"
	"github.com/mcpxhq/mcpx/pkg/targets"
	"go.uber.org/zap"
)

type systemState struct {
	LastUpdated   time.Time         `json:"lastUpdated"`
	Sessions      []sessions.Info   `json:"sessions"`
	TargetServers []targets.Summary `json:"targetServers"`
}

func (s *Server) handleSystemState(w http.ResponseWriter, r *http.Request) {
	state := systemState{
		LastUpdated:   time.Now().UTC(),
		Sessions:      s.registry.Snapshot(),
		TargetServers: s.targets.Summaries(),
	}
	writeJSON(w, http.StatusOK, state)
}

// handleConfigPatch replaces the whole configuration document. The new
// document is validated before it is committed; an invalid document leaves
// the running configuration untouched.
func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read request body"})
		return
	}
	doc, err := config.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	staged, err := s.store.Prepare(doc)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	}
	if _, err := staged.Commit(); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	s.logger.Info("configuration replaced",
		zap.Int("targets", len(doc.TargetServers)),
		zap.Int("profiles", len(doc.Permissions.Profiles)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// handleTargetPatch toggles the administrative active flag for one target.
func (s *Server) handleTargetPatch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		Inactive *bool `json:"inactive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Inactive == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry an inactive flag"})
		return
	}
	if err := s.targets.SetActive(name, !*body.Inactive); err != nil {
		writeTargetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "inactive": *body.Inactive})
}

// handleTargetEnv accepts corrected environment values for a target blocked
// on missing configuration and schedules a fresh dial.
func (s *Server) handleTargetEnv(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		Env map[string]string `json:"env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Env) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry env values"})
		return
	}
	if err := s.targets.SupplyEnv(name, body.Env); err != nil {
		writeTargetError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

// handleTargetRetry forces an immediate dial regardless of the backoff
// schedule. The dial outcome is reported synchronously.
func (s *Server) handleTargetRetry(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.targets.Retry(r.Context(), name); err != nil {
		writeTargetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

// handleTargetAuth starts the device-code flow for a target stuck in
// pending_auth and returns the verification prompt for the operator.
func (s *Server) handleTargetAuth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	prompt, err := s.targets.BeginAuth(r.Context(), name)
	if err != nil {
		writeTargetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

func writeTargetError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, targets.ErrUnknownTarget):
		status = http.StatusNotFound
	case errors.Is(err, targets.ErrFixedEnv):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, targets.ErrMissingEnv), errors.Is(err, targets.ErrPendingAuth):
		status = http.StatusConflict
	case errors.Is(err, targets.ErrUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
