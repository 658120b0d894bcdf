package capability

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Service is a named host capability reached through getService(name) in a
// script. Methods are resolved by the service itself.
type Service interface {
	Call(ctx context.Context, method string, scope *Scope, args []json.RawMessage) (any, error)
}

// Services is the set of services available to runners.
type Services struct {
	mu sync.RWMutex
	m  map[string]Service
}

// NewServices returns an empty service set.
func NewServices() *Services {
	return &Services{m: make(map[string]Service)}
}

// Register adds svc under name, replacing any previous registration.
func (s *Services) Register(name string, svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = svc
}

// Lookup returns the service registered under name.
func (s *Services) Lookup(name string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.m[name]
	return svc, ok
}

// Names returns the registered service names, sorted.
func (s *Services) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for n := range s.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
