package engine

import "sync"

// SessionRules stores remembered approval decisions per session (thread).
// Rules never outlive the session they were made in: adapters call Forget
// when the session ends.
type SessionRules struct {
	mu    sync.Mutex
	rules map[string]map[string]Decision // threadID -> request key -> decision
}

// NewSessionRules creates an empty rule set.
func NewSessionRules() *SessionRules {
	return &SessionRules{rules: make(map[string]map[string]Decision)}
}

// Remember records decision for requests in threadID matching req.Key().
func (s *SessionRules) Remember(threadID string, req ApprovalRequest, decision Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rules[threadID]
	if !ok {
		m = make(map[string]Decision)
		s.rules[threadID] = m
	}
	m[req.Key()] = decision
}

// Lookup returns the remembered decision for req, if any.
func (s *SessionRules) Lookup(threadID string, req ApprovalRequest) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rules[threadID][req.Key()]
	return d, ok
}

// Forget drops every rule for threadID.
func (s *SessionRules) Forget(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, threadID)
}
