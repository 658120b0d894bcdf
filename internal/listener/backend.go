package listener

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

// Backend names accepted by ParseBackend.
const (
	BackendDirect = "direct"
	BackendShared = "shared"
)

// Backend decides how a runner's callback address encodes its execution and
// how an incoming request is mapped back to a selector.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Pattern is the chi route prefix in front of the endpoint segment.
	Pattern() string

	// Selector extracts the execution selector from a routed request.
	Selector(r *http.Request) model.ExecutionKey

	// BaseURL returns the callback base address handed to the runner of key.
	BaseURL(origin string, key model.ExecutionKey) string
}

// ParseBackend returns the backend registered under name.
func ParseBackend(name string) (Backend, error) {
	switch name {
	case BackendDirect, "":
		return Direct{}, nil
	case BackendShared:
		return Shared{}, nil
	}
	return nil, fmt.Errorf("unknown callback backend %q", name)
}

// Direct gives every runner an address that names its full
// (processId, processInstanceId, scriptIdentifier) slot.
type Direct struct{}

func (Direct) Name() string { return BackendDirect }

func (Direct) Pattern() string {
	return "/{processId}/{processInstanceId}/{scriptId}"
}

func (Direct) Selector(r *http.Request) model.ExecutionKey {
	return model.ExecutionKey{
		ProcessID:         param(r, "processId"),
		ProcessInstanceID: param(r, "processInstanceId"),
		ScriptID:          param(r, "scriptId"),
	}
}

func (Direct) BaseURL(origin string, key model.ExecutionKey) string {
	return origin + "/" + url.PathEscape(key.ProcessID) +
		"/" + url.PathEscape(key.ProcessInstanceID) +
		"/" + url.PathEscape(key.ScriptID)
}

// Shared serves every execution of a process instance under one address; the
// bearer token picks the runner.
type Shared struct{}

func (Shared) Name() string { return BackendShared }

func (Shared) Pattern() string {
	return "/{processId}/{processInstanceId}"
}

func (Shared) Selector(r *http.Request) model.ExecutionKey {
	return model.ExecutionKey{
		ProcessID:         param(r, "processId"),
		ProcessInstanceID: param(r, "processInstanceId"),
	}
}

func (Shared) BaseURL(origin string, key model.ExecutionKey) string {
	return origin + "/" + url.PathEscape(key.ProcessID) +
		"/" + url.PathEscape(key.ProcessInstanceID)
}

// param returns the decoded route parameter. chi matches on the raw path when
// the request escapes a slash, which leaves every parameter escaped.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}
