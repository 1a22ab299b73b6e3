package index

import (
	"context"
	"sync"

	"github.com/alertpipe/alertpipe/internal/model"
)

// MemStore keeps documents in process. Used by tests and single-node runs
// without an index backend.
type MemStore struct {
	mu      sync.RWMutex
	alerts  map[string]*model.Alert
	actions map[string]*model.Action
}

func NewMemStore() *MemStore {
	return &MemStore{
		alerts:  map[string]*model.Alert{},
		actions: map[string]*model.Action{},
	}
}

func (s *MemStore) UpsertAlert(_ context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *MemStore) GetAlert(_ context.Context, id string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) GetOpenAlert(_ context.Context, dedupeMD5 string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *model.Alert
	for _, a := range s.alerts {
		if a.DedupeMD5 != dedupeMD5 || !a.IsOpen() {
			continue
		}
		if latest == nil || a.ID > latest.ID {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemStore) OpenAlertsByStrategy(_ context.Context, strategyID int) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Alert
	for _, a := range s.alerts {
		if a.StrategyID == strategyID && a.IsOpen() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) UpsertAction(_ context.Context, action *model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *action
	s.actions[action.ID] = &cp
	return nil
}

func (s *MemStore) GetAction(_ context.Context, id string) (*model.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}
