package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
	"github.com/PROCEED-Labs/proceed-native/internal/store"
	"github.com/PROCEED-Labs/proceed-native/internal/supervisor"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// launchRequest is the JSON body for POST /v1/executions.
type launchRequest struct {
	model.ExecutionKey
	Script    string                     `json:"script"`
	Variables map[string]json.RawMessage `json:"variables"`
}

// launchResponse is returned for an accepted launch.
type launchResponse struct {
	ID  string             `json:"id"`
	Key model.ExecutionKey `json:"key"`
}

// listExecutionsResponse wraps the paginated history and the live runners.
type listExecutionsResponse struct {
	Executions []*model.Execution       `json:"executions"`
	Live       []supervisor.ProcessInfo `json:"live"`
	Total      int                      `json:"total"`
	Limit      int                      `json:"limit"`
	Offset     int                      `json:"offset"`
}

// signalResponse reports how many runners a pause or resume reached.
type signalResponse struct {
	Signalled int `json:"signalled"`
}

func (s *Server) handleLaunchExecution(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.ExecutionKey.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Script == "" {
		s.writeError(w, http.StatusBadRequest, "script is required")
		return
	}

	logger := s.logger.With("key", req.ExecutionKey.String())
	id, err := s.sup.Launch(r.Context(), supervisor.LaunchRequest{
		Key:       req.ExecutionKey,
		Script:    req.Script,
		Variables: req.Variables,
		Notify: func(ev model.Event) {
			if ev.Type == model.EventProcessFinished {
				logger.Info("admin execution finished", "code", ev.ExitCode())
			}
		},
	})
	if errors.Is(err, supervisor.ErrAlreadyExecuting) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("launch execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to launch execution")
		return
	}

	s.writeJSON(w, http.StatusAccepted, launchResponse{ID: id, Key: req.ExecutionKey})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ex, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	// History only records launches and ends; live state comes from the
	// supervisor.
	if p, ok := s.liveProcess(id); ok {
		ex.State = p.State
	}
	s.writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	executions, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if executions == nil {
		executions = []*model.Execution{}
	}
	live := s.sup.GetAllProcesses()
	states := make(map[string]model.State, len(live))
	for _, p := range live {
		states[p.ExecutionID] = p.State
	}
	for _, ex := range executions {
		if st, ok := states[ex.ID]; ok {
			ex.State = st
		}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Live:       live,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireLive(w, r)
	if !ok {
		return
	}

	if err := s.sup.Stop(p.Key); err != nil {
		s.logger.Error("stop execution", "execution_id", p.ExecutionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop execution")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireLive(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, signalResponse{Signalled: s.sup.Pause(p.Key)})
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireLive(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, signalResponse{Signalled: s.sup.Resume(p.Key)})
}

// requireLive resolves the {id} URL parameter to a live runner, writing 404
// when there is none.
func (s *Server) requireLive(w http.ResponseWriter, r *http.Request) (supervisor.ProcessInfo, bool) {
	p, ok := s.liveProcess(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "execution is not running")
	}
	return p, ok
}

func (s *Server) liveProcess(id string) (supervisor.ProcessInfo, bool) {
	for _, p := range s.sup.GetAllProcesses() {
		if p.ExecutionID == id {
			return p, true
		}
	}
	return supervisor.ProcessInfo{}, false
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
