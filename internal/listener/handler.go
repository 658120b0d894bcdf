package listener

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PROCEED-Labs/proceed-native/internal/capability"
	"github.com/PROCEED-Labs/proceed-native/internal/httpmetrics"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

const maxBodySize = 16 << 20

// Callee is the host-side view of one live runner as seen by the listener.
type Callee struct {
	Key   model.ExecutionKey
	Token string
	Scope *capability.Scope

	// Deliver stores the runner's final result.
	Deliver func(model.ResultPayload)
}

// Resolver returns the live runners selected by a (possibly partial) key.
type Resolver interface {
	Callees(sel model.ExecutionKey) []Callee
}

// callRequest is the JSON body of the call endpoint.
type callRequest struct {
	FunctionName string            `json:"functionName"`
	Args         []json.RawMessage `json:"args"`
}

type callResponse struct {
	Result any `json:"result"`
}

type calleeKey struct{}

type handler struct {
	backend  Backend
	resolver Resolver
	table    *capability.Table
	logger   *slog.Logger
}

// NewHandler builds the callback router for backend b.
func NewHandler(b Backend, resolver Resolver, table *capability.Table, logger *slog.Logger) http.Handler {
	h := &handler{backend: b, resolver: resolver, table: table, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpmetrics.Middleware(httpmetrics.Config{
		Server:   httpmetrics.ServerCallback,
		Classify: endpointClass,
		Logger:   logger,
		LogLevel: slog.LevelDebug,
	}))
	r.Route(b.Pattern(), func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/result", h.handleResult)
		r.Post("/call", h.handleCall)
	})
	return r
}

// authenticate resolves the runner addressed by the request and checks its
// bearer token. Unknown ids answer 404, bad tokens 401.
func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sel := h.backend.Selector(r)
		candidates := h.resolver.Callees(sel)
		if len(candidates) == 0 {
			h.writeError(w, http.StatusNotFound, "no running script for "+sel.String())
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		for _, c := range candidates {
			if subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) == 1 {
				ctx := context.WithValue(r.Context(), calleeKey{}, c)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		h.logger.Warn("callback rejected", "backend", h.backend.Name(), "selector", sel.String())
		h.writeError(w, http.StatusUnauthorized, "invalid bearer token")
	})
}

func (h *handler) handleResult(w http.ResponseWriter, r *http.Request) {
	c := r.Context().Value(calleeKey{}).(Callee)

	var payload model.ResultPayload
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if c.Deliver != nil {
		c.Deliver(payload)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleCall(w http.ResponseWriter, r *http.Request) {
	c := r.Context().Value(calleeKey{}).(Callee)

	var req callRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	fn, err := h.table.Lookup(req.FunctionName)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	result, err := fn(r.Context(), c.Scope, req.Args)
	if err != nil {
		h.logger.Debug("capability call failed",
			"function", req.FunctionName,
			"execution", c.Key.String(),
			"error", err,
		)
		status := http.StatusInternalServerError
		if errors.Is(err, capability.ErrUnknownService) {
			status = http.StatusNotFound
		}
		h.writeError(w, status, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, callResponse{Result: result})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// endpointClass labels callbacks by endpoint. Requests rejected before the
// inner route matched still carry the endpoint in their path.
func endpointClass(r *http.Request) string {
	for _, p := range []string{httpmetrics.RoutePattern(r), r.URL.Path} {
		if ep := path.Base(p); ep == "result" || ep == "call" {
			return ep
		}
	}
	return httpmetrics.Unmatched
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
