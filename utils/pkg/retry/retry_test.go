package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return fmt.Sprintf("http %d", e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestMatrix_Retry_Do(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		require.NoError(t, Do(ctx, fastConfig(3), func() error { attempts++; return nil }))
		require.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		t.Parallel()
		attempts, retries := 0, 0
		cfg := fastConfig(3)
		cfg.OnRetry = func(int, error) { retries++ }
		err := Do(ctx, cfg, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
		require.Equal(t, 2, retries)
	})

	t.Run("exhausts attempts and wraps the last error", func(t *testing.T) {
		t.Parallel()
		cause := errors.New("connection reset")
		attempts := 0
		err := Do(ctx, fastConfig(3), func() error { attempts++; return cause })
		require.ErrorIs(t, err, cause)
		require.Equal(t, 3, attempts)
	})

	t.Run("non-retryable error returns immediately", func(t *testing.T) {
		t.Parallel()
		cause := errors.New("invalid input")
		attempts := 0
		err := Do(ctx, fastConfig(3), func() error { attempts++; return cause })
		require.Equal(t, cause, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("custom classifier", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig(4)
		cfg.Retryable = IsSerializationFailure
		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			if attempts == 1 {
				return &pgconn.PgError{Code: "40001"}
			}
			return errors.New("connection reset")
		})
		require.Error(t, err)
		require.Equal(t, 2, attempts)
	})

	t.Run("context cancellation stops retrying", func(t *testing.T) {
		t.Parallel()
		cctx, cancel := context.WithCancel(ctx)
		attempts := 0
		err := Do(cctx, fastConfig(5), func() error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errors.New("connection reset")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 2, attempts)
	})
}

func TestMatrix_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429", &httpError{statusCode: http.StatusTooManyRequests}, true},
		{"503", &httpError{statusCode: http.StatusServiceUnavailable}, true},
		{"400", &httpError{statusCode: http.StatusBadRequest}, false},
		{"serialization failure", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"plain", errors.New("invalid input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestMatrix_Retry_IsSerializationFailure(t *testing.T) {
	t.Parallel()

	require.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40P01"}))
	require.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsSerializationFailure(errors.New("40001")))
	require.NotNil(t, TxConfig().Retryable)
}

func TestMatrix_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 5; attempt++ {
		want := 500 * time.Millisecond * time.Duration(1<<uint(attempt))
		if want > 5*time.Second {
			want = 5 * time.Second
		}
		got := calculateBackoff(500*time.Millisecond, 5*time.Second, attempt)
		require.GreaterOrEqual(t, got, want/2)
		require.LessOrEqual(t, got, want)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
