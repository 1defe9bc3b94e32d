package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := &Event{ExecutionID: "exec-1", WorkflowID: "wf", StepID: "s1", Type: schema.EventStepStarted}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.NotZero(t, e.ID)
	}

	// Sequences are per execution.
	e := &Event{ExecutionID: "exec-2", WorkflowID: "wf", Type: schema.EventWorkflowStarted}
	require.NoError(t, el.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
}

func TestEventLog_AppendEvent_RequiresExecution(t *testing.T) {
	el, _ := newTestEventLog(t)
	err := el.AppendEvent(context.Background(), &Event{Type: schema.EventStepStarted})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestEventLog_GetEvents(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for _, et := range []string{schema.EventStepStarted, schema.EventStepCompleted, schema.EventStepFailed} {
		require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: "exec-1", WorkflowID: "wf", StepID: "s1", Type: et}))
	}

	events, err := el.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = el.GetEvents(ctx, "exec-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, "s1", events[0].StepID)
}

func TestEventLog_GetEventsByType(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: "exec-1", WorkflowID: "wf", StepID: "s1", Type: schema.EventStepStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: "exec-1", WorkflowID: "wf", StepID: "s1", Type: schema.EventStepCompleted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: "exec-2", WorkflowID: "wf", StepID: "s2", Type: schema.EventStepStarted}))

	events, err := s.GetEventsByType(ctx, schema.EventStepStarted, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = s.GetEventsByType(ctx, schema.EventStepStarted, EventFilter{ExecutionID: "exec-2"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "s2", events[0].StepID)
}

func TestEventLog_ReplayEvents(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	add := func(step, typ string, payload string, at time.Time) {
		e := &Event{ExecutionID: "exec-1", WorkflowID: "quarterly_analysis", StepID: step, Type: typ, Timestamp: at}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		require.NoError(t, el.AppendEvent(ctx, e))
	}

	add("", schema.EventWorkflowStarted, "", now)
	add("fetch_sales_data", schema.EventStepStarted, "", now)
	add("fetch_sales_data", schema.EventStepRetrying, `{"attempt":1,"last_error":"502"}`, now.Add(50*time.Millisecond))
	add("fetch_sales_data", schema.EventStepCompleted, `{"retries":1}`, now.Add(200*time.Millisecond))
	add("email_report", schema.EventStepStarted, "", now.Add(300*time.Millisecond))
	add("email_report", schema.EventStepFailed, `{"error":"smtp down","retries":3}`, now.Add(400*time.Millisecond))
	add("archive", schema.EventStepCascaded, `{"dependency":"email_report","error":"dependency email_report failed"}`, now.Add(400*time.Millisecond))

	states, err := el.ReplayEvents(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, states, 3)

	fetch := states["fetch_sales_data"]
	assert.Equal(t, schema.StepStatusCompleted, fetch.Status)
	assert.Equal(t, 1, fetch.Retries)
	assert.InDelta(t, 200, fetch.DurationMs, 1)

	email := states["email_report"]
	assert.Equal(t, schema.StepStatusFailed, email.Status)
	assert.Equal(t, "smtp down", email.Error)

	archive := states["archive"]
	assert.Equal(t, schema.StepStatusFailed, archive.Status)
	assert.Nil(t, archive.StartedAt)
	assert.Equal(t, "dependency email_report failed", archive.Error)
}

func TestEventLog_ReplayEvents_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: "exec-1", WorkflowID: "wf", StepID: "s1", Type: schema.EventStepStarted}))
	}
	_, err := s.DB().Exec(`DELETE FROM events WHERE execution_id = 'exec-1' AND sequence = 2`)
	require.NoError(t, err)

	_, err = el.ReplayEvents(ctx, "exec-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestRecorder_PersistsHubEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	hub := streaming.NewMemoryHub(0)
	ctx := context.Background()

	stop, err := NewRecorder(el, hub, nil).Start(ctx)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: "exec-1", WorkflowID: "quarterly_analysis", Type: schema.EventWorkflowStarted,
	}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: "exec-1", WorkflowID: "quarterly_analysis", StepID: "fetch_sales_data",
		Type: schema.EventStepFailed, Progress: 25, Payload: map[string]any{"error": "boom", "retries": 3},
	}))
	stop()
	stop()

	events, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, "fetch_sales_data", events[1].StepID)
	assert.Equal(t, float64(25), events[1].Progress)
	assert.JSONEq(t, `{"error":"boom","retries":3}`, string(events[1].Payload))

	// Events published after stop are not recorded.
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{ExecutionID: "exec-1", Type: schema.EventWorkflowFailed}))
	events, err = s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecorder_StopsOnContextCancel(t *testing.T) {
	el, _ := newTestEventLog(t)
	hub := streaming.NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())

	stop, err := NewRecorder(el, hub, nil).Start(ctx)
	require.NoError(t, err)
	cancel()

	finished := make(chan struct{})
	go func() {
		stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop")
	}
}
