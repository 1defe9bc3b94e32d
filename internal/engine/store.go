package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

// Archive persists terminal executions beyond the in-memory retention window.
type Archive interface {
	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
}

// ExecutionStore holds executions by id for status queries and cancellation.
// Safe for concurrent use.
type ExecutionStore struct {
	mu      sync.RWMutex
	execs   map[string]*Execution
	archive Archive
	logger  *slog.Logger
}

// NewExecutionStore creates an empty store. archive may be nil.
func NewExecutionStore(archive Archive, logger *slog.Logger) *ExecutionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionStore{
		execs:   make(map[string]*Execution),
		archive: archive,
		logger:  logger,
	}
}

// register adds exec. A duplicate id is a CONFLICT.
func (s *ExecutionStore) register(exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", exec.ID)
	}
	s.execs[exec.ID] = exec
	return nil
}

// Get returns a snapshot of the execution, consulting the archive on a miss.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	exec, ok := s.execs[id]
	s.mu.RUnlock()
	if ok {
		return exec.Snapshot(), nil
	}

	if s.archive != nil {
		archived, err := s.archive.GetExecution(ctx, id)
		if err == nil {
			return archived, nil
		}
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
}

// ListActive returns the ids of non-terminal executions, sorted.
func (s *ExecutionStore) ListActive() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.execs))
	for id, exec := range s.execs {
		if !exec.CurrentStatus().Terminal() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// List returns snapshots of every in-memory execution ordered by start time.
func (s *ExecutionStore) List() []*Execution {
	s.mu.RLock()
	out := make([]*Execution, 0, len(s.execs))
	for _, exec := range s.execs {
		out = append(out, exec.Snapshot())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Execution) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Cancel marks the execution cancelled. It returns false when the id is
// unknown or the execution is already terminal. A step already running is
// not interrupted; the driver stops before starting the next one.
func (s *ExecutionStore) Cancel(id string) bool {
	s.mu.RLock()
	exec, ok := s.execs[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return exec.cancel()
}

// CleanupOlderThan removes terminal executions completed before now-age.
// It returns how many were removed.
func (s *ExecutionStore) CleanupOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, exec := range s.execs {
		exec.mu.RLock()
		terminal := exec.Status.Terminal()
		completedAt := exec.CompletedAt
		exec.mu.RUnlock()

		if terminal && completedAt != nil && completedAt.Before(cutoff) {
			delete(s.execs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("removed old executions", slog.Int("count", removed), slog.Duration("age", age))
	}
	return removed
}

// persist hands a terminal execution to the archive, if any.
func (s *ExecutionStore) persist(ctx context.Context, exec *Execution) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveExecution(ctx, exec.Snapshot()); err != nil {
		s.logger.Warn("failed to archive execution",
			slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
}
