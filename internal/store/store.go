package store

import (
	"context"
	"time"

	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/pkg/schema"
)

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Executions (archive of terminal records)
	SaveExecution(ctx context.Context, exec *engine.Execution) error
	GetExecution(ctx context.Context, id string) (*engine.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*engine.Execution, error)
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Definitions registered at runtime
	SaveDefinition(ctx context.Context, def schema.WorkflowDefinition) error
	ListDefinitions(ctx context.Context) ([]*StoredDefinition, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

var _ engine.Archive = Store(nil)
