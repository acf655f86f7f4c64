package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/registry"
	"github.com/rendis/stepflow/pkg/schema"
)

// mockStarter records Start calls and serves instances from memory.
type mockStarter struct {
	mu        sync.Mutex
	calls     []startCall
	instances map[string]*schema.WorkflowInstance
	err       error
}

type startCall struct {
	DefinitionID string
	Input        map[string]any
	Initiator    schema.Initiator
}

func newMockStarter() *mockStarter {
	return &mockStarter{instances: make(map[string]*schema.WorkflowInstance)}
}

func (m *mockStarter) Start(_ context.Context, definitionID string, input map[string]any, exec *schema.ExecutionContext) (*schema.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, startCall{DefinitionID: definitionID, Input: input, Initiator: exec.Initiator})
	if m.err != nil {
		return nil, m.err
	}
	inst := &schema.WorkflowInstance{
		ID:           fmt.Sprintf("inst-%d", len(m.calls)),
		DefinitionID: definitionID,
		Status:       schema.InstanceStatusRunning,
		Initiator:    exec.Initiator,
	}
	m.instances[inst.ID] = inst
	return inst.Clone(), nil
}

func (m *mockStarter) GetInstance(id string) *schema.WorkflowInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[id].Clone()
}

func (m *mockStarter) setStatus(id string, status schema.InstanceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[id].Status = status
}

func (m *mockStarter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func at(hour, minute, second int) time.Time {
	return time.Date(2026, 5, 4, hour, minute, second, 0, time.UTC)
}

func newTestScheduler(starter Starter, clock *fakeClock, opts ...Option) *Scheduler {
	return New(starter, append([]Option{WithLogger(quiet), WithClock(clock.Now)}, opts...)...)
}

// --- Add / Remove / List ---

func TestAdd_Validation(t *testing.T) {
	s := newTestScheduler(newMockStarter(), &fakeClock{now: at(10, 0, 0)})

	tests := []struct {
		name  string
		sched Schedule
		code  string
	}{
		{"missing id", Schedule{DefinitionID: "d", Cron: "* * * * *"}, schema.ErrCodeValidation},
		{"missing definition", Schedule{ID: "a", Cron: "* * * * *"}, schema.ErrCodeValidation},
		{"empty cron", Schedule{ID: "a", DefinitionID: "d"}, schema.ErrCodeValidation},
		{"too few fields", Schedule{ID: "a", DefinitionID: "d", Cron: "* * *"}, schema.ErrCodeValidation},
		{"seconds field rejected", Schedule{ID: "a", DefinitionID: "d", Cron: "0 * * * * *"}, schema.ErrCodeValidation},
		{"minute out of range", Schedule{ID: "a", DefinitionID: "d", Cron: "61 * * * *"}, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(tt.sched)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, tt.code), err.Error())
		})
	}
	assert.Empty(t, s.List())
}

func TestAdd_DuplicateConflicts(t *testing.T) {
	s := newTestScheduler(newMockStarter(), &fakeClock{now: at(10, 0, 0)})
	require.NoError(t, s.Add(Schedule{ID: "nightly", DefinitionID: "d", Cron: "0 2 * * *"}))

	err := s.Add(Schedule{ID: "nightly", DefinitionID: "other", Cron: "@hourly"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestAdd_ComputesNextRun(t *testing.T) {
	s := newTestScheduler(newMockStarter(), &fakeClock{now: at(10, 0, 30)})
	require.NoError(t, s.Add(Schedule{ID: "five", DefinitionID: "d", Cron: "*/5 * * * *"}))
	require.NoError(t, s.Add(Schedule{ID: "daily", DefinitionID: "d", Cron: "@daily"}))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "daily", list[0].ID)
	assert.Equal(t, time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC), list[0].NextRun)
	assert.Equal(t, "five", list[1].ID)
	assert.Equal(t, at(10, 5, 0), list[1].NextRun)
	assert.Nil(t, list[1].LastRun)
}

func TestRemove(t *testing.T) {
	s := newTestScheduler(newMockStarter(), &fakeClock{now: at(10, 0, 0)})
	require.NoError(t, s.Add(Schedule{ID: "a", DefinitionID: "d", Cron: "* * * * *"}))

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Empty(t, s.List())
}

// --- RunDue ---

func TestRunDue_FiresDueSchedules(t *testing.T) {
	starter := newMockStarter()
	clock := &fakeClock{now: at(10, 0, 30)}
	s := newTestScheduler(starter, clock)
	require.NoError(t, s.Add(Schedule{
		ID:           "report",
		DefinitionID: "daily-report",
		Cron:         "*/5 * * * *",
		Input:        map[string]any{"region": "eu"},
	}))

	assert.Zero(t, s.RunDue(context.Background()), "not due yet")

	clock.Set(at(10, 5, 0))
	assert.Equal(t, 1, s.RunDue(context.Background()))

	require.Len(t, starter.calls, 1)
	call := starter.calls[0]
	assert.Equal(t, "daily-report", call.DefinitionID)
	assert.Equal(t, map[string]any{"region": "eu"}, call.Input)
	assert.Equal(t, schema.Initiator{Type: schema.InitiatorSystem, ID: "schedule:report"}, call.Initiator)

	st := s.List()[0]
	assert.Equal(t, "inst-1", st.LastInstanceID)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, at(10, 5, 0), *st.LastRun)
	assert.Equal(t, at(10, 10, 0), st.NextRun)

	assert.Zero(t, s.RunDue(context.Background()), "already advanced")
}

func TestRunDue_SkipsWhilePreviousInstanceActive(t *testing.T) {
	starter := newMockStarter()
	clock := &fakeClock{now: at(10, 0, 0)}
	s := newTestScheduler(starter, clock)
	require.NoError(t, s.Add(Schedule{ID: "sync", DefinitionID: "d", Cron: "* * * * *"}))

	clock.Set(at(10, 1, 0))
	require.Equal(t, 1, s.RunDue(context.Background()))

	starter.setStatus("inst-1", schema.InstanceStatusPaused)
	clock.Set(at(10, 2, 0))
	assert.Zero(t, s.RunDue(context.Background()))
	assert.Equal(t, 1, starter.callCount())
	assert.Equal(t, 1, s.List()[0].Skipped)
	assert.Equal(t, at(10, 3, 0), s.List()[0].NextRun, "a skipped run still advances")

	starter.setStatus("inst-1", schema.InstanceStatusCompleted)
	clock.Set(at(10, 3, 0))
	assert.Equal(t, 1, s.RunDue(context.Background()))
	assert.Equal(t, "inst-2", s.List()[0].LastInstanceID)
}

func TestRunDue_RecordsStartError(t *testing.T) {
	starter := newMockStarter()
	starter.err = schema.NewError(schema.ErrCodeNotFound, "workflow definition \"gone\" not found")
	clock := &fakeClock{now: at(10, 0, 0)}
	s := newTestScheduler(starter, clock)
	require.NoError(t, s.Add(Schedule{ID: "broken", DefinitionID: "gone", Cron: "* * * * *"}))

	clock.Set(at(10, 1, 0))
	assert.Zero(t, s.RunDue(context.Background()))

	st := s.List()[0]
	assert.Contains(t, st.LastError, "not found")
	assert.Empty(t, st.LastInstanceID)
	assert.NotNil(t, st.LastRun)

	starter.err = nil
	clock.Set(at(10, 2, 0))
	assert.Equal(t, 1, s.RunDue(context.Background()))
	assert.Empty(t, s.List()[0].LastError)
}

func TestRunDue_MissedOccurrencesFireOnce(t *testing.T) {
	starter := newMockStarter()
	clock := &fakeClock{now: at(10, 0, 0)}
	s := newTestScheduler(starter, clock)
	require.NoError(t, s.Add(Schedule{ID: "a", DefinitionID: "d", Cron: "* * * * *"}))

	clock.Set(at(10, 30, 0))
	assert.Equal(t, 1, s.RunDue(context.Background()))
	assert.Equal(t, at(10, 31, 0), s.List()[0].NextRun)
}

// --- Start / Stop ---

func TestStartStop(t *testing.T) {
	starter := newMockStarter()
	clock := &fakeClock{now: at(10, 0, 0)}
	s := newTestScheduler(starter, clock, WithTick(5*time.Millisecond))
	require.NoError(t, s.Add(Schedule{ID: "a", DefinitionID: "d", Cron: "* * * * *"}))
	clock.Set(at(10, 1, 0))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")

	require.Eventually(t, func() bool { return starter.callCount() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	// Restart is allowed after Stop.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestStart_StopsWithContext(t *testing.T) {
	s := newTestScheduler(newMockStarter(), &fakeClock{now: at(10, 0, 0)}, WithTick(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	done := s.done

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on context cancellation")
	}
	s.Stop()
}

// --- Engine integration ---

func TestScheduler_StartsEngineInstances(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register(&schema.WorkflowDefinition{
		ID:         "ping",
		Name:       "ping",
		Version:    "1.0.0",
		EntryPoint: "s1",
		Steps: []schema.WorkflowStep{{
			ID:     "s1",
			Type:   schema.StepTypeTransform,
			Config: schema.StepConfig{Type: schema.StepTypeTransform, Transform: &schema.TransformConfig{Expression: "$.target"}},
		}},
	}))
	eng, err := engine.New(reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	clock := &fakeClock{now: at(10, 0, 0)}
	s := newTestScheduler(eng, clock)
	require.NoError(t, s.Add(Schedule{ID: "ping", DefinitionID: "ping", Cron: "* * * * *", Input: map[string]any{"target": "db"}}))
	require.NoError(t, s.Add(Schedule{ID: "missing", DefinitionID: "nope", Cron: "* * * * *"}))

	clock.Set(at(10, 1, 0))
	assert.Equal(t, 1, s.RunDue(context.Background()))

	var id string
	for _, st := range s.List() {
		if st.ID == "missing" {
			assert.NotEmpty(t, st.LastError)
			continue
		}
		id = st.LastInstanceID
	}
	require.NotEmpty(t, id)
	require.Eventually(t, func() bool {
		inst := eng.GetInstance(id)
		return inst != nil && inst.Status == schema.InstanceStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	inst := eng.GetInstance(id)
	assert.Equal(t, "db", inst.Output)
	assert.Equal(t, schema.Initiator{Type: schema.InitiatorSystem, ID: "schedule:ping"}, inst.Initiator)
}
