package forward

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestExecutor(sleeper *recordingSleeper) *Executor {
	return NewExecutor(ExecutorOptions{
		Path:                "test",
		MaxTransientRetries: 2,
		Timeout:             time.Second,
		Sleep:               sleeper.Sleep,
	})
}

func TestExecutorSkipsNonVideo(t *testing.T) {
	tr := newFakeTransport()
	sleeper := &recordingSleeper{}

	outcome, err := newTestExecutor(sleeper).Forward(context.Background(), tr,
		Message{ID: 10, Video: false}, Peer{ChatID: 1}, Peer{ChatID: 2})

	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)
	require.Empty(t, tr.attempts(), "non-video must not reach the transport")
	require.Empty(t, sleeper.durations())
}

func TestExecutorRateLimitWaitsAndRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.copyErrs[7] = []error{&RateLimitError{RetryAfter: 5 * time.Second}}
	sleeper := &recordingSleeper{}

	outcome, err := newTestExecutor(sleeper).Forward(context.Background(), tr,
		Message{ID: 7, Video: true}, Peer{ChatID: 1}, Peer{ChatID: 2})

	require.NoError(t, err)
	require.Equal(t, OutcomeForwarded, outcome)
	require.Equal(t, []int{7, 7}, tr.attempts())
	require.Equal(t, []int{7}, tr.copiedIDs(), "exactly one copy takes effect")

	sleeps := sleeper.durations()
	require.Len(t, sleeps, 1)
	require.True(t, sleeps[0] >= 5*time.Second && sleeps[0] <= 6*time.Second, "unexpected wait %v", sleeps[0])
}

func TestExecutorRateLimitIsRetriedIndefinitely(t *testing.T) {
	tr := newFakeTransport()
	for i := 0; i < 10; i++ {
		tr.copyErrs[3] = append(tr.copyErrs[3], &RateLimitError{RetryAfter: time.Second})
	}
	sleeper := &recordingSleeper{}

	outcome, err := newTestExecutor(sleeper).Forward(context.Background(), tr,
		Message{ID: 3, Video: true}, Peer{ChatID: 1}, Peer{ChatID: 2})

	require.NoError(t, err)
	require.Equal(t, OutcomeForwarded, outcome)
	require.Len(t, sleeper.durations(), 10)
}

func TestExecutorPermanentErrorFailsImmediately(t *testing.T) {
	for _, permanent := range []error{ErrPeerNotFound, ErrNotParticipant, ErrCredentialExpired} {
		t.Run(permanent.Error(), func(t *testing.T) {
			tr := newFakeTransport()
			tr.copyErrs[9] = []error{permanent}
			sleeper := &recordingSleeper{}

			outcome, err := newTestExecutor(sleeper).Forward(context.Background(), tr,
				Message{ID: 9, Video: true}, Peer{ChatID: 1}, Peer{ChatID: 2})

			require.Equal(t, OutcomeFailed, outcome)
			require.ErrorIs(t, err, permanent)
			require.Equal(t, []int{9}, tr.attempts())
			require.Empty(t, sleeper.durations())
		})
	}
}

func TestExecutorTransientErrorsAreBounded(t *testing.T) {
	network := errors.New("connection reset")
	tr := newFakeTransport()
	tr.copyErrs[4] = []error{network, network, network}
	sleeper := &recordingSleeper{}

	outcome, err := newTestExecutor(sleeper).Forward(context.Background(), tr,
		Message{ID: 4, Video: true}, Peer{ChatID: 1}, Peer{ChatID: 2})

	require.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, network)
	require.Equal(t, []int{4, 4, 4}, tr.attempts())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.durations())
}

func TestExecutorTransientErrorRecovers(t *testing.T) {
	tr := newFakeTransport()
	tr.copyErrs[4] = []error{errors.New("timeout")}
	sleeper := &recordingSleeper{}

	outcome, err := newTestExecutor(sleeper).Forward(context.Background(), tr,
		Message{ID: 4, Video: true}, Peer{ChatID: 1}, Peer{ChatID: 2})

	require.NoError(t, err)
	require.Equal(t, OutcomeForwarded, outcome)
	require.Equal(t, []int{4}, tr.copiedIDs())
}

func TestExecutorCancelledDuringWait(t *testing.T) {
	tr := newFakeTransport()
	tr.copyErrs[5] = []error{&RateLimitError{RetryAfter: time.Minute}}

	ctx, cancel := context.WithCancel(context.Background())
	sleeper := &recordingSleeper{hook: func(time.Duration) { cancel() }}

	outcome, err := newTestExecutor(sleeper).Forward(ctx, tr,
		Message{ID: 5, Video: true}, Peer{ChatID: 1}, Peer{ChatID: 2})

	require.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, tr.copiedIDs())
}
