package fake

import (
	"context"
	"sync"

	"redeploy/internal/adapter/fake/fault"
	"redeploy/internal/history"
)

var _ history.Store = (*HistoryStore)(nil)

// HistoryStore keeps entries in memory, oldest first.
type HistoryStore struct {
	CallRecorder
	Faults *fault.Injector

	mu      sync.Mutex
	entries []history.Entry
	nextID  int64
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{Faults: fault.NewInjector()}
}

func (s *HistoryStore) Record(_ context.Context, e history.Entry) error {
	s.record("Record", e)
	if err := s.Faults.Eval("Record"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	s.entries = append(s.entries, e)
	return nil
}

func (s *HistoryStore) Recent(_ context.Context, n int) ([]history.Entry, error) {
	s.record("Recent", n)
	if err := s.Faults.Eval("Recent"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *HistoryStore) Prune(_ context.Context, keep int) (int64, error) {
	s.record("Prune", keep)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) <= keep {
		return 0, nil
	}
	removed := len(s.entries) - keep
	s.entries = append([]history.Entry(nil), s.entries[removed:]...)
	return int64(removed), nil
}

// Entries returns all entries, oldest first.
func (s *HistoryStore) Entries() []history.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Entry(nil), s.entries...)
}
