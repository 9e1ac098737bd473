// Package scheduler runs named background tasks (discovery, pricing
// refresh, health re-validation, blacklist sweep) on their own intervals
// from a single 1Hz tick loop — the Scheduler component. The tick-loop and
// context-cancellation shutdown shape is ported from gateway.go's
// StartDiscovery/runDiscovery pair, generalized from one hardcoded task to
// a registry of named tasks.
package scheduler

import (
	"context"
	"time"

	"github.com/ferro-labs/ai-gateway/internal/logging"
	"golang.org/x/time/rate"
)

// Task is one periodically-invoked unit of background work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	lastRun time.Time
}

// Scheduler owns the tick loop and the task registry. Task executions are
// launched as independent goroutines so a slow task never delays other
// tasks' due checks, but launches are paced through limiter so a moment
// where many tasks come due at once doesn't spawn them all in the same
// instant.
type Scheduler struct {
	tick    time.Duration
	tasks   []*Task
	limiter *rate.Limiter
}

// New creates a Scheduler with the given tick interval (typically 1s) and
// a launch rate limit of maxStartsPerSecond task executions per second.
func New(tick time.Duration, maxStartsPerSecond float64) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if maxStartsPerSecond <= 0 {
		maxStartsPerSecond = 5
	}
	return &Scheduler{
		tick:    tick,
		limiter: rate.NewLimiter(rate.Limit(maxStartsPerSecond), int(maxStartsPerSecond)+1),
	}
}

// Register adds a task to the schedule. Register is not safe to call
// concurrently with Run; all tasks must be registered before Run starts.
func (s *Scheduler) Register(t Task) {
	t.lastRun = time.Time{}
	s.tasks = append(s.tasks, &t)
}

// Run blocks, ticking every s.tick until ctx is cancelled. Each due task
// runs in its own goroutine and its error, if any, is logged but never
// stops the loop or any other task — one task's failure is isolated from
// the rest of the schedule.
func (s *Scheduler) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, task := range s.tasks {
				if task.lastRun.IsZero() || now.Sub(task.lastRun) >= task.Interval {
					task.lastRun = now
					s.launch(ctx, task, log)
				}
			}
		}
	}
}

func (s *Scheduler) launch(ctx context.Context, task *Task, log interface {
	Error(msg string, args ...any)
}) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("scheduled task panicked", "task", task.Name, "recovered", r)
			}
		}()
		if err := task.Run(ctx); err != nil {
			log.Error("scheduled task failed", "task", task.Name, "error", err.Error())
		}
	}()
}
