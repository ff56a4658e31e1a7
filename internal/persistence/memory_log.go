package persistence

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/petrijr/hookflow/pkg/api"
)

// InMemoryLog is a goroutine-safe EventLog backed by maps. It is meant for
// tests and for embedding the engine without durability.
type InMemoryLog struct {
	mu      sync.RWMutex
	runs    map[string]RunRecord
	events  map[string][]api.Event
	current map[string]string // workflow id -> latest run id
}

// NewInMemoryLog creates an empty InMemoryLog.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{
		runs:    make(map[string]RunRecord),
		events:  make(map[string][]api.Event),
		current: make(map[string]string),
	}
}

var _ EventLog = (*InMemoryLog)(nil)

func (s *InMemoryLog) CreateRun(ctx context.Context, rec RunRecord, first api.Event) error {
	if err := validateFirst(rec, first); err != nil {
		return err
	}
	rec, first = prepareFirst(rec, first)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.current[rec.WorkflowID]; ok {
		if existing := s.runs[cur]; !existing.Status.IsTerminal() {
			return &RunExistsError{Run: existing}
		}
	}
	if _, ok := s.runs[rec.RunID]; ok {
		return &RunExistsError{Run: s.runs[rec.RunID]}
	}

	s.runs[rec.RunID] = rec
	s.events[rec.RunID] = []api.Event{first}
	s.current[rec.WorkflowID] = rec.RunID
	return nil
}

func (s *InMemoryLog) Append(ctx context.Context, runID string, expectedSeq int64, ev api.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return 0, ErrRunNotFound
	}
	if err := classifyAppend(rec, expectedSeq); err != nil {
		return 0, err
	}

	seq := expectedSeq + 1
	ev = stampEvent(ev, seq)
	s.events[runID] = append(s.events[runID], ev)
	s.runs[runID] = applyEvent(rec, seq, ev)
	return seq, nil
}

func (s *InMemoryLog) Read(ctx context.Context, runID string) iter.Seq2[api.Event, error] {
	return func(yield func(api.Event, error) bool) {
		s.mu.RLock()
		_, ok := s.runs[runID]
		// Appends never modify existing elements, so a clipped view is a
		// stable snapshot.
		events := slices.Clip(s.events[runID])
		s.mu.RUnlock()

		if !ok {
			yield(api.Event{}, ErrRunNotFound)
			return
		}
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				yield(api.Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *InMemoryLog) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[runID]
	if !ok {
		return RunRecord{}, ErrRunNotFound
	}
	return rec, nil
}

func (s *InMemoryLog) CurrentRun(ctx context.Context, workflowID string) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, ok := s.current[workflowID]
	if !ok {
		return RunRecord{}, ErrRunNotFound
	}
	return s.runs[runID], nil
}

func (s *InMemoryLog) ListActive(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, rec := range s.runs {
		if !rec.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
