package forward

import (
	"context"
	"sync"
	"testing"
	"time"

	"relay_bot/internal/telegram/models"

	"github.com/stretchr/testify/require"
)

func TestRegistryTryStartIsExclusive(t *testing.T) {
	r := NewRegistry()

	task, ok := r.TryStart(testRule)
	require.True(t, ok)
	require.Equal(t, models.ScanStatePending, task.State())
	require.True(t, r.IsRunning(KeyOf(testRule)))

	_, ok = r.TryStart(testRule)
	require.False(t, ok, "second scan of the same rule must be refused")

	// 同一对会话即使属于其他用户也不能并发扫描
	other := testRule
	other.OwnerID = 7
	_, ok = r.TryStart(other)
	require.False(t, ok)

	require.True(t, r.Finish(task, models.ScanStateCompleted))
	require.False(t, r.Finish(task, models.ScanStateCompleted))
	require.Equal(t, models.ScanStateCompleted, task.State())
	require.False(t, r.IsRunning(KeyOf(testRule)))

	_, ok = r.TryStart(testRule)
	require.True(t, ok)
}

func TestRegistryConcurrentAdmission(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.TryStart(testRule); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, admitted)
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry()
	mine, _ := r.TryStart(testRule)
	theirs, _ := r.TryStart(models.RuleKey{OwnerID: 7, SourceChatID: 1, DestinationChatID: 2})

	require.Equal(t, 1, r.CancelOwner(testRule.OwnerID))
	require.Error(t, mine.Context().Err())
	require.NoError(t, theirs.Context().Err())

	require.True(t, r.Cancel(KeyOf(theirs.Rule)))
	require.Error(t, theirs.Context().Err())
	require.False(t, r.Cancel(TaskKey{SourceChatID: 9, DestinationChatID: 9}))
}

func TestRegistryCancelAllWaitsForTasks(t *testing.T) {
	r := NewRegistry()
	var tasks []*Task
	for i := int64(1); i <= 3; i++ {
		task, ok := r.TryStart(models.RuleKey{OwnerID: 1, SourceChatID: i, DestinationChatID: 100})
		require.True(t, ok)
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		go func(task *Task) {
			<-task.Context().Done()
			r.Finish(task, models.ScanStateCancelled)
		}(task)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.CancelAll(ctx))
	for _, task := range tasks {
		require.Equal(t, models.ScanStateCancelled, task.State())
	}
}

func TestRegistryCancelAllHonoursDeadline(t *testing.T) {
	r := NewRegistry()
	_, ok := r.TryStart(testRule)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.CancelAll(ctx), context.DeadlineExceeded)
}

func TestRegistryRunningSnapshot(t *testing.T) {
	r := NewRegistry()
	task, _ := r.TryStart(testRule)
	r.MarkRunning(task)
	task.Record(OutcomeForwarded)
	task.Record(OutcomeForwarded)
	task.Record(OutcomeSkipped)
	task.Record(OutcomeFailed)
	r.TryStart(models.RuleKey{OwnerID: 7, SourceChatID: 1, DestinationChatID: 2})

	snapshots := r.Running(testRule.OwnerID)
	require.Len(t, snapshots, 1)
	require.Equal(t, task.ID, snapshots[0].ID)
	require.Equal(t, models.ScanStateRunning, snapshots[0].State)
	require.EqualValues(t, 2, snapshots[0].Forwarded)
	require.EqualValues(t, 1, snapshots[0].Skipped)
	require.EqualValues(t, 1, snapshots[0].Failed)
}

func TestRegistryRealtimeExclusion(t *testing.T) {
	r := NewRegistry()
	key := KeyOf(testRule)

	release, ok := r.AcquireRealtime(key)
	require.True(t, ok)

	task, ok := r.TryStart(testRule)
	require.True(t, ok)

	_, ok = r.AcquireRealtime(key)
	require.False(t, ok, "realtime must yield to a running scan")

	drained := make(chan error, 1)
	go func() { drained <- r.WaitRealtime(context.Background(), key) }()

	select {
	case <-drained:
		t.Fatalf("scan must wait for the in-flight realtime forward")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release() // 重复释放无副作用
	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("WaitRealtime did not return after release")
	}

	r.Finish(task, models.ScanStateCompleted)
	release, ok = r.AcquireRealtime(key)
	require.True(t, ok)
	release()
}

func TestRegistryWaitRealtimeCancelled(t *testing.T) {
	r := NewRegistry()
	key := KeyOf(testRule)
	release, _ := r.AcquireRealtime(key)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.WaitRealtime(ctx, key), context.Canceled)
	require.NoError(t, r.WaitRealtime(context.Background(), TaskKey{SourceChatID: 1}))
}
