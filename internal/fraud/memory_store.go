package fraud

import (
	"context"
	"sync"
	"time"
)

// MemoryRuleStore is an in-memory implementation of RuleStore for demo/test
// use.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{}
}

func (s *MemoryRuleStore) LoadActiveRules(ctx context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Rule
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryRuleStore) ListRules(ctx context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

func (s *MemoryRuleStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			r := s.rules[i]
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryRuleStore) CreateRule(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, *rule)
	return nil
}

func (s *MemoryRuleStore) UpdateRule(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == rule.ID {
			keep := s.rules[i].TriggerCount
			s.rules[i] = *rule
			s.rules[i].TriggerCount = keep
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryRuleStore) DeactivateRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules[i].Active = false
			s.rules[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryRuleStore) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules[i].TriggerCount++
			s.rules[i].UpdatedAt = at
			return nil
		}
	}
	return ErrNotFound
}

// MemoryAssessmentStore keeps assessments in memory, newest last.
type MemoryAssessmentStore struct {
	mu          sync.RWMutex
	assessments []*Assessment
	byTx        map[string]*Assessment
}

func NewMemoryAssessmentStore() *MemoryAssessmentStore {
	return &MemoryAssessmentStore{byTx: make(map[string]*Assessment)}
}

func (s *MemoryAssessmentStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.RiskFactors = append([]RiskFactor(nil), a.RiskFactors...)
	cp.TriggeredRules = append([]string(nil), a.TriggeredRules...)
	cp.Recommendations = append([]string(nil), a.Recommendations...)
	s.assessments = append(s.assessments, &cp)
	s.byTx[cp.TransactionID] = &cp
	return nil
}

func (s *MemoryAssessmentStore) GetByTransaction(ctx context.Context, transactionID string) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byTx[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryAssessmentStore) ListRecent(ctx context.Context, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.assessments) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*Assessment, 0, len(s.assessments)-start)
	for i := len(s.assessments) - 1; i >= start; i-- {
		cp := *s.assessments[i]
		result = append(result, &cp)
	}
	return result, nil
}
