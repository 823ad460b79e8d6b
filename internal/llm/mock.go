package llm

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays canned responses in order, for tests and offline runs.
// Once the script is exhausted the last response repeats.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	requests  []Request
}

// NewScripted creates a client that answers with responses in order.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

// FailWith makes the call at index i (0-based) return err instead.
func (s *Scripted) FailWith(i int, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.errs) <= i {
		s.errs = append(s.errs, nil)
	}
	s.errs[i] = err
	return s
}

func (s *Scripted) Complete(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if len(s.responses) == 0 {
		return "", fmt.Errorf("scripted client has no responses")
	}
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

// Requests returns a copy of every request received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
