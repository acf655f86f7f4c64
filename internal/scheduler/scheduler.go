package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultTick is how often the scheduler looks for due schedules.
const DefaultTick = time.Minute

// InitiatorPrefix prefixes the schedule id in the initiator of every
// instance the scheduler starts.
const InitiatorPrefix = "schedule:"

// Starter is the slice of the engine the scheduler needs.
type Starter interface {
	Start(ctx context.Context, definitionID string, input map[string]any, exec *schema.ExecutionContext) (*schema.WorkflowInstance, error)
	GetInstance(id string) *schema.WorkflowInstance
}

// Schedule starts DefinitionID with Input whenever Cron fires. Cron uses the
// standard five fields (minute hour day-of-month month day-of-week) or a
// descriptor such as @hourly.
type Schedule struct {
	ID           string         `json:"id" toml:"id"`
	DefinitionID string         `json:"definition_id" toml:"definition_id"`
	Cron         string         `json:"cron" toml:"cron"`
	Input        map[string]any `json:"input,omitempty" toml:"input"`
}

// Status reports a schedule and its last run.
type Status struct {
	Schedule
	NextRun        time.Time  `json:"next_run"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	LastInstanceID string     `json:"last_instance_id,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Skipped        int        `json:"skipped"`
}

type entry struct {
	status   Status
	schedule cron.Schedule
}

// Scheduler starts workflow instances on cron schedules. A schedule whose
// previous instance has not reached a terminal status is skipped until the
// following occurrence.
type Scheduler struct {
	starter Starter
	parser  cron.Parser
	logger  *slog.Logger
	tick    time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTick sets the polling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Scheduler that starts instances through starter.
func New(starter Starter, opts ...Option) *Scheduler {
	s := &Scheduler{
		starter: starter,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:  slog.Default(),
		tick:    DefaultTick,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers sched. The first run is the next cron occurrence after now.
func (s *Scheduler) Add(sched Schedule) error {
	if sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id is required")
	}
	if sched.DefinitionID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: definition_id is required", sched.ID)
	}
	parsed, err := s.parser.Parse(sched.Cron)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: invalid cron expression %q: %s", sched.ID, sched.Cron, err.Error()).
			WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sched.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	sched.Input = schema.DeepCopyMap(sched.Input)
	s.entries[sched.ID] = &entry{
		status:   Status{Schedule: sched, NextRun: parsed.Next(s.now())},
		schedule: parsed,
	}
	return nil
}

// Remove deletes a schedule and reports whether it existed.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok
}

// List returns every schedule ordered by id.
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := e.status
		st.Input = schema.DeepCopyMap(st.Input)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the polling loop. It returns an error if already started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return errors.New("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info("scheduler started", "schedules", len(s.List()), "tick", s.tick.String())
	return nil
}

// Stop halts the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.RunDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue fires every schedule whose next run is not after now and returns
// how many instances were started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.status.NextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].status.ID < due[j].status.ID })

	started := 0
	for _, e := range due {
		if s.fire(ctx, e, now) {
			started++
		}
	}
	return started
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) bool {
	s.mu.Lock()
	sched := e.status.Schedule
	lastID := e.status.LastInstanceID
	e.status.NextRun = e.schedule.Next(now)
	s.mu.Unlock()

	log := s.logger.With("schedule_id", sched.ID, "definition_id", sched.DefinitionID)

	if lastID != "" {
		if prev := s.starter.GetInstance(lastID); prev != nil && !prev.Status.IsTerminal() {
			s.mu.Lock()
			e.status.Skipped++
			s.mu.Unlock()
			log.Info("schedule skipped, previous instance still active",
				"instance_id", lastID,
				"status", string(prev.Status),
			)
			return false
		}
	}

	inst, err := s.starter.Start(ctx, sched.DefinitionID, sched.Input, &schema.ExecutionContext{
		Initiator: schema.Initiator{Type: schema.InitiatorSystem, ID: InitiatorPrefix + sched.ID},
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	ran := now
	e.status.LastRun = &ran
	if err != nil {
		e.status.LastError = err.Error()
		log.Error("scheduled start failed", "error", err.Error())
		return false
	}
	e.status.LastError = ""
	e.status.LastInstanceID = inst.ID
	log.Info("scheduled instance started", "instance_id", inst.ID)
	return true
}
