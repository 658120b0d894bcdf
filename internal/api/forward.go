package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
	"github.com/PROCEED-Labs/proceed-native/internal/supervisor"
)

// handleForwardRequest hands an inbound request to the in-script routes of
// every runner of the process instance and writes their combined answer.
func (s *Server) handleForwardRequest(w http.ResponseWriter, r *http.Request) {
	piid := chi.URLParam(r, "processInstanceId")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	req := model.HTTPRequest{
		Method:  r.Method,
		Path:    "/" + chi.URLParam(r, "*"),
		Headers: r.Header.Clone(),
	}
	if q := r.URL.Query(); len(q) > 0 {
		req.Query = make(map[string]string, len(q))
		for k := range q {
			req.Query[k] = q.Get(k)
		}
	}
	if len(body) > 0 {
		if json.Valid(body) {
			req.Body = body
		} else {
			req.Body, _ = json.Marshal(string(body))
		}
	}

	resp, err := s.sup.ForwardRequest(r.Context(), piid, req)
	if errors.Is(err, supervisor.ErrForwardTimeout) {
		s.writeError(w, http.StatusGatewayTimeout, "script did not answer in time")
		return
	}
	if err != nil {
		// The client went away.
		s.logger.Debug("forward request", "process_instance_id", piid, "error", err)
		return
	}

	s.writeForwarded(w, resp)
}

// writeForwarded writes a runner response. A JSON string response is
// written as plain text, anything else as JSON.
func (s *Server) writeForwarded(w http.ResponseWriter, resp model.HTTPResponse) {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if len(resp.Response) == 0 {
		w.WriteHeader(status)
		return
	}

	var text string
	if json.Unmarshal(resp.Response, &text) == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		if _, err := io.WriteString(w, text); err != nil {
			s.logger.Debug("write forwarded response", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(resp.Response); err != nil {
		s.logger.Debug("write forwarded response", "error", err)
	}
}
