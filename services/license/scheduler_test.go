package license_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"clickbloom-license/pkg/taskname"
	"clickbloom-license/services/license"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestSchedulerRemovesExpired(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	issued := e.issue(t, license.CreateRequest{})
	_, err := e.admin.SetStatus(ctx, issued.License.ID, license.StatusDisabled)
	require.NoError(t, err)

	s := license.NewScheduler(e.expiry, 10*time.Millisecond)
	lc := fxtest.NewLifecycle(t)
	license.StartScheduler(lc, s)
	lc.RequireStart()

	require.Eventually(t, func() bool {
		_, err := e.store.GetLicenseByID(ctx, issued.License.ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	lc.RequireStop()
}

func TestSchedulerDisabled(t *testing.T) {
	e := newEngine(t)
	issued := e.issue(t, license.CreateRequest{})
	_, err := e.admin.SetStatus(context.Background(), issued.License.ID, license.StatusDisabled)
	require.NoError(t, err)

	s := license.NewScheduler(e.expiry, 0)
	s.Start()
	require.NoError(t, s.Stop(context.Background()))

	_, err = e.store.GetLicenseByID(context.Background(), issued.License.ID)
	require.NoError(t, err)
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *recordingQueue) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	if len(q.tasks) > 1 {
		return nil, asynq.ErrDuplicateTask
	}
	return &asynq.TaskInfo{ID: "task-1", Type: t.Type()}, nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func TestSchedulerEnqueuesWithQueue(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	issued := e.issue(t, license.CreateRequest{})
	_, err := e.admin.SetStatus(ctx, issued.License.ID, license.StatusDisabled)
	require.NoError(t, err)

	q := &recordingQueue{}
	s := license.NewScheduler(e.expiry, 10*time.Millisecond).WithQueue(q)
	s.Start()
	require.Eventually(t, func() bool { return q.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop(ctx))

	require.Equal(t, taskname.LicenseCleanupRun, q.tasks[0].Type())

	// Queued runs leave the work to the worker.
	_, err = e.store.GetLicenseByID(ctx, issued.License.ID)
	require.NoError(t, err)

	require.NoError(t, license.CleanupHandler(e.expiry)(ctx, q.tasks[0]))
	_, err = e.store.GetLicenseByID(ctx, issued.License.ID)
	require.ErrorIs(t, err, license.ErrNotFound)
}
