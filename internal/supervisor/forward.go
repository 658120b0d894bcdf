package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

// outstandingRequest tracks one forwarded request until every runner it was
// sent to has answered. Guarded by Supervisor.mu.
type outstandingRequest struct {
	id        string
	pending   map[*entry]bool
	responses []model.HTTPResponse
	done      chan model.HTTPResponse
}

// ForwardRequest sends req to every runner of processInstanceID that opened
// an in-script route and combines their answers: no non-404 answer yields
// 404, a single one is returned unchanged, several are wrapped in one 200
// response listing them in arrival order.
func (s *Supervisor) ForwardRequest(ctx context.Context, processInstanceID string, req model.HTTPRequest) (model.HTTPResponse, error) {
	s.mu.Lock()
	or := &outstandingRequest{
		id:      model.NewID(),
		pending: make(map[*entry]bool),
		done:    make(chan model.HTTPResponse, 1),
	}
	for _, e := range s.entries {
		if e.key.ProcessInstanceID == processInstanceID && e.listenerOpen && e.proc != nil {
			or.pending[e] = true
		}
	}
	if len(or.pending) == 0 {
		s.mu.Unlock()
		forwardRequestsTotal.WithLabelValues("no_listener").Inc()
		return notFound(), nil
	}
	s.requests[or.id] = or
	targets := make([]*entry, 0, len(or.pending))
	for e := range or.pending {
		targets = append(targets, e)
	}
	s.mu.Unlock()

	msg := ipc.Message{Type: ipc.MsgHTTPRequest, ID: or.id, Request: &req}
	for _, e := range targets {
		if err := e.proc.Send(msg); err != nil {
			s.logger.Warn("forward request to runner", "execution_id", e.id, "request_id", or.id, "error", err)
			s.answer(or.id, e, notFound())
		}
	}

	timer := time.NewTimer(s.forwardTimeout)
	defer timer.Stop()

	select {
	case resp := <-or.done:
		return resp, nil
	case <-timer.C:
		s.drop(or.id)
		forwardRequestsTotal.WithLabelValues("timeout").Inc()
		return model.HTTPResponse{}, fmt.Errorf("%w after %s", ErrForwardTimeout, s.forwardTimeout)
	case <-ctx.Done():
		s.drop(or.id)
		forwardRequestsTotal.WithLabelValues("cancelled").Inc()
		return model.HTTPResponse{}, ctx.Err()
	}
}

// answer records the response of runner e to request id. Unknown requests,
// and runners that already answered, are ignored.
func (s *Supervisor) answer(id string, e *entry, resp model.HTTPResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	or, ok := s.requests[id]
	if !ok || !or.pending[e] {
		return
	}
	delete(or.pending, e)
	if resp.StatusCode != http.StatusNotFound {
		or.responses = append(or.responses, resp)
	}
	if len(or.pending) > 0 {
		return
	}

	delete(s.requests, id)
	out, outcome := reduce(or.responses)
	forwardRequestsTotal.WithLabelValues(outcome).Inc()
	or.done <- out
}

// drop forgets a request whose caller stopped waiting.
func (s *Supervisor) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
}

// pendingFor lists the requests still waiting on e. Caller holds s.mu.
func (s *Supervisor) pendingFor(e *entry) []string {
	var ids []string
	for id, or := range s.requests {
		if or.pending[e] {
			ids = append(ids, id)
		}
	}
	return ids
}

func reduce(responses []model.HTTPResponse) (model.HTTPResponse, string) {
	switch len(responses) {
	case 0:
		return notFound(), "not_found"
	case 1:
		return responses[0], "single"
	}
	list, err := json.Marshal(responses)
	if err != nil {
		return model.HTTPResponse{StatusCode: http.StatusInternalServerError}, "error"
	}
	return model.HTTPResponse{StatusCode: http.StatusOK, Response: list}, "multiple"
}

func notFound() model.HTTPResponse {
	return model.HTTPResponse{StatusCode: http.StatusNotFound}
}
