package throttle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"telegram-authbot/internal/infra/throttle"
)

type stopErr struct{}

func (stopErr) Error() string   { return "stop" }
func (stopErr) StopRetry() bool { return true }

var errTransient = errors.New("transient")

func TestDoNotStarted(t *testing.T) {
	t.Parallel()

	th := throttle.New(10)
	err := th.Do(context.Background(), func() error { return nil })
	if !errors.Is(err, throttle.ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestDoRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int
		failWith  error
		opts      []throttle.Option
		wantCalls int
		wantErr   bool
	}{
		{name: "success", failures: 0, failWith: errTransient, wantCalls: 1},
		{name: "stop retryer", failures: 5, failWith: stopErr{}, wantCalls: 1, wantErr: true},
		{
			name:      "wait extractor",
			failures:  2,
			failWith:  errTransient,
			opts:      []throttle.Option{throttle.WithWaitExtractors(func(error) (time.Duration, bool) { return time.Millisecond, true })},
			wantCalls: 3,
		},
		{
			name:      "backoff until success",
			failures:  2,
			failWith:  errTransient,
			opts:      []throttle.Option{throttle.WithBaseDelay(time.Millisecond)},
			wantCalls: 3,
		},
		{
			name:      "max retries",
			failures:  10,
			failWith:  errTransient,
			opts:      []throttle.Option{throttle.WithBaseDelay(time.Millisecond), throttle.WithMaxRetries(2)},
			wantCalls: 3,
			wantErr:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			opts := append([]throttle.Option{throttle.WithRandom(func() float64 { return 0 })}, tc.opts...)
			th := throttle.New(1000, opts...)
			th.Start(context.Background())
			defer th.Stop()

			calls := 0
			err := th.Do(context.Background(), func() error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestStopCancelsWaiting(t *testing.T) {
	t.Parallel()

	th := throttle.New(1000, throttle.WithWaitExtractors(func(error) (time.Duration, bool) { return time.Hour, true }))
	th.Start(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- th.Do(context.Background(), func() error { return errTransient })
	}()

	time.Sleep(20 * time.Millisecond)
	th.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after Stop")
	}
}
