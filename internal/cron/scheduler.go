// Package cron submits configured recurring tasks to the runtime.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/task"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// @hourly and @every 5m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// MetaSchedule is the request metadata key naming the firing schedule.
const MetaSchedule = "schedule"

// Submitter starts a task without waiting for it. runtime.Runtime
// implements it.
type Submitter interface {
	Start(ctx context.Context, req task.Request) (string, error)
}

type Config struct {
	Schedules []config.ScheduleConfig
	Submitter Submitter
	Logger    *slog.Logger
	Location  *time.Location
}

// Fire records one schedule firing.
type Fire struct {
	Schedule string
	TaskID   string
	At       time.Time
	Err      error
}

// Scheduler owns a robfig cron instance with one entry per schedule.
type Scheduler struct {
	cron      *cronlib.Cron
	submitter Submitter
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]cronlib.EntryID
	last    map[string]Fire
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler validates every expression up front so a bad schedule fails
// startup instead of silently never firing.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("cron: submitter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(loc)),
		submitter: cfg.Submitter,
		logger:    logger.With("component", "cron"),
		entries:   make(map[string]cronlib.EntryID),
		last:      make(map[string]Fire),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, sc := range cfg.Schedules {
		if err := s.add(sc); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(sc config.ScheduleConfig) error {
	if _, dup := s.entries[sc.Name]; dup {
		return fmt.Errorf("cron: duplicate schedule %q", sc.Name)
	}
	if _, err := cronParser.Parse(sc.Cron); err != nil {
		return fmt.Errorf("cron: schedule %s: %w", sc.Name, err)
	}
	var force *task.Strategy
	if sc.ForceMode != "" {
		mode, err := task.ParseStrategy(sc.ForceMode)
		if err != nil {
			return fmt.Errorf("cron: schedule %s: %w", sc.Name, err)
		}
		force = &mode
	}
	id, err := s.cron.AddFunc(sc.Cron, func() { s.fire(sc, force) })
	if err != nil {
		return fmt.Errorf("cron: schedule %s: %w", sc.Name, err)
	}
	s.entries[sc.Name] = id
	return nil
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron scheduler started", "schedules", len(s.entries))
}

// Stop halts firing and waits for running submissions to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.logger.Info("cron scheduler stopped")
}

// RunNow fires the named schedule immediately.
func (s *Scheduler) RunNow(name string) (Fire, error) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return Fire{}, fmt.Errorf("cron: unknown schedule %q", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	last, _ := s.Last(name)
	return last, last.Err
}

// Next returns the next activation of each schedule, by name.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Names lists configured schedules in sorted order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Last returns the most recent firing of a schedule.
func (s *Scheduler) Last(name string) (Fire, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.last[name]
	return f, ok
}

func (s *Scheduler) fire(sc config.ScheduleConfig, force *task.Strategy) {
	md := make(map[string]any, len(sc.Metadata)+1)
	for k, v := range sc.Metadata {
		md[k] = v
	}
	md[MetaSchedule] = sc.Name

	req := task.Request{
		SessionID:   sc.SessionID,
		Instruction: sc.Instruction,
		ForceMode:   force,
		Metadata:    md,
	}
	now := time.Now()
	taskID, err := s.submitter.Start(s.ctx, req)

	s.mu.Lock()
	s.last[sc.Name] = Fire{Schedule: sc.Name, TaskID: taskID, At: now, Err: err}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: failed to submit task for schedule",
			"schedule_name", sc.Name,
			"error", err,
		)
		return
	}
	s.logger.Info("cron: schedule fired",
		"schedule_name", sc.Name,
		"task_id", taskID,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
