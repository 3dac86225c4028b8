package modbustcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds the attempts of one read. The last backoff entry is
// reused when there are more retries than entries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{200 * time.Millisecond},
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	for _, d := range p.Backoff {
		if d < 0 {
			return fmt.Errorf("retry policy: negative backoff %s", d)
		}
	}
	return nil
}

// backoff returns the wait before attempt n+1, n starting at 1.
func (p RetryPolicy) backoff(n int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if n > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[n-1]
}

type Executor struct {
	Policy RetryPolicy
	Logger *zap.Logger
}

func NewExecutor(policy RetryPolicy, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{Policy: policy, Logger: logger}
}

// Read issues spec against t. Timeouts and connection faults are retried up
// to MaxAttempts; device exceptions and malformed responses fail at once. A
// closed transport reads as Cancelled.
func (e *Executor) Read(ctx context.Context, t Transport, spec ReadSpec) (RawReading, error) {
	if err := e.Policy.Validate(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	logger := e.logger().With(zap.Stringer("register", spec.Register))

	var lastErr error
	attempt := 0
	for attempt < e.Policy.MaxAttempts {
		attempt++
		words, err := t.Execute(ctx, spec.Register.Type.FunctionCode(), spec.Register.Address, spec.Count)
		if err == nil {
			if len(words) != int(spec.Count) {
				return nil, &ReadError{Kind: Malformed, Attempts: attempt,
					LastCause: protocolErrorf("got %d words, want %d", len(words), spec.Count)}
			}
			return RawReading(words), nil
		}
		lastErr = err

		if expired(ctx) {
			return nil, &ReadError{Kind: Cancelled, Attempts: attempt, LastCause: err}
		}
		// a closed transport never comes back
		if errors.Is(err, ErrClosed) {
			return nil, &ReadError{Kind: Cancelled, Attempts: attempt, LastCause: err}
		}
		var devErr *DeviceExceptionError
		if errors.As(err, &devErr) {
			return nil, &ReadError{Kind: Rejected, Attempts: attempt, LastCause: err}
		}
		if !IsRetryable(err) {
			return nil, &ReadError{Kind: Malformed, Attempts: attempt, LastCause: err}
		}
		if attempt >= e.Policy.MaxAttempts {
			break
		}

		wait := e.Policy.backoff(attempt)
		logger.Debug("modbus@executor retrying", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		if err := sleep(ctx, wait); err != nil {
			return nil, &ReadError{Kind: Cancelled, Attempts: attempt, LastCause: lastErr}
		}
	}
	return nil, &ReadError{Kind: Exhausted, Attempts: attempt, LastCause: lastErr}
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// expired also catches a socket deadline that fired right at the context
// deadline, before the context itself reports it.
func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	d, ok := ctx.Deadline()
	return ok && !time.Now().Before(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
