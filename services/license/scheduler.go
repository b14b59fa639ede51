package license

import (
	"context"
	"errors"
	"time"

	"clickbloom-license/pkg/task"
	"clickbloom-license/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler runs the expiry policy on a fixed interval. With a queue it
// enqueues one unique cleanup task per interval instead, so a fleet of
// replicas runs cleanup once.
type Scheduler struct {
	policy   *ExpiryPolicy
	queue    task.Enqueuer
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(policy *ExpiryPolicy, interval time.Duration) *Scheduler {
	return &Scheduler{policy: policy, interval: interval}
}

// WithQueue hands cleanup runs to the task queue.
func (s *Scheduler) WithQueue(q task.Enqueuer) *Scheduler {
	s.queue = q
	return s
}

// Start launches the loop. A non-positive interval disables it.
func (s *Scheduler) Start() {
	if s.interval <= 0 {
		zap.L().Info("[Scheduler] cleanup scheduler disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	zap.L().Info("[Scheduler] started license cleanup scheduler",
		zap.Duration("interval", s.interval), zap.Bool("queued", s.queue != nil))

	for {
		select {
		case <-ticker.C:
			if s.queue != nil {
				s.enqueue(ctx)
			} else {
				s.runOnce(ctx)
			}
		case <-ctx.Done():
			zap.L().Info("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context) {
	info, err := s.queue.Enqueue(ctx, NewCleanupTask(), asynq.Queue("low"), asynq.Unique(s.interval))
	switch {
	case errors.Is(err, asynq.ErrDuplicateTask):
		zap.L().Debug("[Scheduler] cleanup already queued")
	case err != nil:
		zap.L().Error("[Scheduler] failed to enqueue cleanup", zap.Error(err))
	default:
		zap.L().Info("[Scheduler] cleanup enqueued", zap.String("task_id", info.ID))
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()

	removed, err := s.policy.Cleanup(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] cleanup failed", zap.Int("removed", removed), zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] cleanup finished",
		zap.Int("removed", removed),
		zap.Duration("duration", time.Since(start)),
	)
}

// StartScheduler ties the scheduler to the fx lifecycle.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: s.Stop,
	})
}

func NewCleanupTask() *asynq.Task {
	return asynq.NewTask(taskname.LicenseCleanupRun, nil)
}

// CleanupHandler is the queue worker side of NewCleanupTask.
func CleanupHandler(policy *ExpiryPolicy) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		removed, err := policy.Cleanup(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("[Task] license cleanup finished", zap.String("task_type", t.Type()), zap.Int("removed", removed))
		return nil
	}
}

func RegisterTasks(mux *asynq.ServeMux, policy *ExpiryPolicy) {
	mux.Handle(taskname.LicenseCleanupRun, CleanupHandler(policy))
}
