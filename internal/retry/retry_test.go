package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ethstats/internal/errors"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestRetrier(maxAttempts int) (*Retrier, *[]time.Duration) {
	delays := &[]time.Duration{}
	r := NewRetrier(&RetryConfig{
		MaxAttempts:     maxAttempts,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		BackoffFactor:   2,
		RotateAfter:     2,
	}, quietLogger()).WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
	return r, delays
}

var errTransient = apperrors.Wrap(apperrors.ErrTransport, errors.New("connection reset by peer"))

func TestExecute_SucceedsAfterKFailures(t *testing.T) {
	const maxAttempts = 5
	for k := 1; k < maxAttempts; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			r, _ := newTestRetrier(maxAttempts)
			rotations := 0

			calls := 0
			out, err := r.Execute(context.Background(), "op", func(attempt int) error {
				calls++
				if attempt <= k {
					return errTransient
				}
				return nil
			}, func(int) { rotations++ })

			require.NoError(t, err)
			assert.Equal(t, StateSuccess, out.State)
			assert.Equal(t, k, out.Retries)
			assert.Equal(t, k+1, calls)
			assert.LessOrEqual(t, out.Rotations, 1)
			assert.Equal(t, out.Rotations, rotations)
			if k >= 2 {
				assert.Equal(t, 1, out.Rotations)
			}
		})
	}
}

func TestExecute_RotatesOncePerCall(t *testing.T) {
	r, _ := newTestRetrier(10)
	var rotatedAt []int

	out, err := r.Execute(context.Background(), "op", func(int) error {
		return errTransient
	}, func(attempt int) { rotatedAt = append(rotatedAt, attempt) })

	require.Error(t, err)
	assert.Equal(t, StateExhausted, out.State)
	assert.Equal(t, 1, out.Rotations)
	assert.Equal(t, []int{2}, rotatedAt)
}

func TestExecute_ExhaustsAfterMaxAttempts(t *testing.T) {
	r, delays := newTestRetrier(4)

	calls := 0
	out, err := r.Execute(context.Background(), "op", func(int) error {
		calls++
		return errTransient
	}, nil)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTransportExhausted))
	assert.True(t, errors.Is(err, errTransient))
	assert.Equal(t, 4, calls)
	assert.Equal(t, StateExhausted, out.State)
	assert.Equal(t, 3, out.Retries)
	assert.Len(t, *delays, 3)
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	r, delays := newTestRetrier(5)
	appErr := apperrors.Wrap(apperrors.ErrRPC, errors.New("execution reverted"))

	calls := 0
	out, err := r.Execute(context.Background(), "op", func(int) error {
		calls++
		return appErr
	}, nil)

	assert.Equal(t, appErr, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateAborted, out.State)
	assert.Empty(t, *delays)
}

func TestExecute_StateHistory(t *testing.T) {
	r, _ := newTestRetrier(5)

	out, err := r.Execute(context.Background(), "op", func(attempt int) error {
		if attempt <= 2 {
			return errTransient
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []State{
		StateIdle,
		StateAttempting,
		StateAttempting,
		StateRotateEndpoint,
		StateAttempting,
		StateSuccess,
	}, out.History)
}

func TestExecute_BackoffDoublesAndCaps(t *testing.T) {
	r, delays := newTestRetrier(6)

	_, err := r.Execute(context.Background(), "op", func(int) error { return errTransient }, nil)
	require.Error(t, err)

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
	}, *delays)
}

func TestExecute_ContextCancelled(t *testing.T) {
	r, _ := newTestRetrier(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := r.Execute(ctx, "op", func(int) error { return nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, out.State)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errTransient))
	assert.False(t, IsRetryableError(apperrors.Wrap(apperrors.ErrRPC, nil)))
	assert.True(t, IsRetryableError(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsRetryableError(errors.New("429 Too Many Requests")))
	assert.False(t, IsRetryableError(errors.New("invalid argument")))
	assert.False(t, IsRetryableError(context.Canceled))
}
