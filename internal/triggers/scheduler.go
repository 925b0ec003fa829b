package triggers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Schedule computes the next run strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

// ClockTime is a wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" in 24h form.
func ParseClockTime(raw string) (ClockTime, error) {
	hours, minutes, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return ClockTime{}, fmt.Errorf("triggers: invalid time of day %q", raw)
	}
	hour, errHour := strconv.Atoi(hours)
	minute, errMinute := strconv.Atoi(minutes)
	if errHour != nil || errMinute != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("triggers: invalid time of day %q", raw)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) on(day time.Time, location *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, location)
}

type dailySchedule struct {
	at       ClockTime
	location *time.Location
}

// Daily fires every day at the given time in location.
func Daily(at ClockTime, location *time.Location) Schedule {
	if location == nil {
		location = time.UTC
	}
	return dailySchedule{at: at, location: location}
}

func (s dailySchedule) Next(after time.Time) time.Time {
	local := after.In(s.location)
	candidate := s.at.on(local, s.location)
	for !candidate.After(after) {
		local = local.AddDate(0, 0, 1)
		candidate = s.at.on(local, s.location)
	}
	return candidate
}

func (s dailySchedule) String() string {
	return "every day " + s.at.String() + " " + s.location.String()
}

type weeklySchedule struct {
	weekday  time.Weekday
	at       ClockTime
	location *time.Location
}

// Weekly fires once a week on weekday at the given time in location.
func Weekly(weekday time.Weekday, at ClockTime, location *time.Location) Schedule {
	if location == nil {
		location = time.UTC
	}
	return weeklySchedule{weekday: weekday, at: at, location: location}
}

func (s weeklySchedule) Next(after time.Time) time.Time {
	local := after.In(s.location)
	offset := (int(s.weekday) - int(local.Weekday()) + 7) % 7
	day := local.AddDate(0, 0, offset)
	candidate := s.at.on(day, s.location)
	if !candidate.After(after) {
		candidate = s.at.on(day.AddDate(0, 0, 7), s.location)
	}
	return candidate
}

func (s weeklySchedule) String() string {
	return "every " + s.weekday.String() + " " + s.at.String() + " " + s.location.String()
}

// Job is a named scheduled task. Run receives the instant it was scheduled for.
type Job struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context, scheduledAt time.Time) error
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Clock func() time.Time
	// After returns a channel that fires once d has elapsed. Tests replace it.
	After  func(d time.Duration) <-chan time.Time
	Logger *zap.Logger
}

// Scheduler runs jobs on their schedules until shut down. A job never overlaps
// with itself: the next run is computed after the previous one returns.
type Scheduler struct {
	clock  func() time.Time
	after  func(d time.Duration) <-chan time.Time
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []Job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler constructs an idle Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{clock: clock, after: after, logger: logger}
}

// Add registers a job. Jobs added after Start are not run.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Schedule == nil || job.Run == nil {
		return fmt.Errorf("triggers: incomplete job %q", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one loop per job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(runCtx, job)
		s.logger.Info("job scheduled",
			zap.String("job", job.Name),
			zap.String("schedule", job.Schedule.String()),
			zap.Time("next_run", job.Schedule.Next(s.clock())))
	}
}

// Shutdown stops every loop and waits for running jobs to return.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	for {
		next := job.Schedule.Next(s.clock())
		wait := next.Sub(s.clock())
		select {
		case <-ctx.Done():
			return
		case <-s.after(wait):
		}
		s.runOnce(ctx, job, next)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job, scheduledAt time.Time) {
	started := s.clock()
	err := job.Run(ctx, scheduledAt)
	fields := []zap.Field{
		zap.String("job", job.Name),
		zap.Time("scheduled_at", scheduledAt),
		zap.Duration("took", s.clock().Sub(started)),
	}
	if err != nil {
		s.logger.Error("scheduled job failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("scheduled job finished", fields...)
}
