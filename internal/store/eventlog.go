package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

// EventLog provides append and replay on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps s.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent assigns the next per-execution sequence and inserts event.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event execution_id is required")
	}

	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin append", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return storeError("next sequence", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, step_id, event_type, progress, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, event.WorkflowID, nullStr(event.StepID), event.Type, event.Progress,
		nullRaw(event.Payload), event.Timestamp.UTC(), seq,
	)
	if err != nil {
		return storeError("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit event", err)
	}
	return nil
}

// GetEvents returns events of executionID after sequence since.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// ReplayEvents rebuilds step states of an execution from its events. A gap
// in the sequence is a STORE_ERROR.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*StepReplay, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}

	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, want, e.Sequence)
		}
	}

	states := make(map[string]*StepReplay)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		st, ok := states[e.StepID]
		if !ok {
			st = &StepReplay{StepID: e.StepID, Status: schema.StepStatusPending}
			states[e.StepID] = st
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			st.Status = schema.StepStatusRunning
			st.StartedAt = &ts
		case schema.EventStepRetrying:
			st.Retries++
		case schema.EventStepCompleted:
			st.Status = schema.StepStatusCompleted
			st.CompletedAt = &ts
			if st.StartedAt != nil {
				st.DurationMs = ts.Sub(*st.StartedAt).Milliseconds()
			}
		case schema.EventStepFailed, schema.EventStepCascaded:
			st.Status = schema.StepStatusFailed
			st.CompletedAt = &ts
			st.Error = payloadError(e.Payload)
		}
	}
	return states, nil
}

func payloadError(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Error
}

// Recorder copies hub events into the event log until its context ends.
type Recorder struct {
	log    *EventLog
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewRecorder creates a recorder from hub into el.
func NewRecorder(el *EventLog, hub streaming.EventHub, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{log: el, hub: hub, logger: logger}
}

// Start subscribes to every event and records them in the background.
// stop unsubscribes, drains events already delivered and waits for the
// writer to finish. Cancelling ctx also unsubscribes.
func (r *Recorder) Start(ctx context.Context) (stop func(), err error) {
	events, unsubscribe, err := r.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	writeCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		for ev := range events {
			r.record(writeCtx, ev)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			<-done
		})
	}, nil
}

func (r *Recorder) record(ctx context.Context, ev streaming.StreamEvent) {
	var payload json.RawMessage
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			r.logger.Warn("event payload not serializable", slog.String("type", ev.Type), slog.String("error", err.Error()))
		} else {
			payload = b
		}
	}
	err := r.log.AppendEvent(ctx, &Event{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		StepID:      ev.StepID,
		Type:        ev.Type,
		Progress:    ev.Progress,
		Payload:     payload,
		Timestamp:   ev.Time,
	})
	if err != nil {
		logging.LogWith(logging.WithExecutionID(ctx, ev.ExecutionID), r.logger).
			Warn("failed to record event", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}
