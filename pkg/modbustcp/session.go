package modbustcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type SessionState uint8

const (
	Idle SessionState = iota
	Connecting
	Ready
	Reading
	Closing
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Reading:
		return "reading"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var ErrSessionUsed = errors.New("session already run")

// EntryResult is the outcome of one point: either Value or Err is set.
type EntryResult struct {
	Label string
	Spec  ReadSpec
	Value *DecodedValue
	Err   error
}

func (r EntryResult) OK() bool {
	return r.Err == nil && r.Value != nil
}

type Result struct {
	Device    DeviceAddress
	Entries   []EntryResult
	StartTime time.Time
	Duration  time.Duration
}

// Failed counts entries that ended with an error.
func (r *Result) Failed() int {
	n := 0
	for _, e := range r.Entries {
		if !e.OK() {
			n++
		}
	}
	return n
}

func (r *Result) OK() bool {
	return r.Failed() == 0
}

// Session runs one ordered set of reads over a single connection.
type Session struct {
	dialer   Dialer
	executor *Executor
	logger   *zap.Logger

	mu        sync.Mutex
	state     SessionState
	used      bool
	closeOnce sync.Once
	// OnStateChange, when set, observes every transition
	OnStateChange func(from, to SessionState)
}

func NewSession(dialer Dialer, policy RetryPolicy, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		dialer:   dialer,
		executor: NewExecutor(policy, logger),
		logger:   logger,
		state:    Idle,
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to SessionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if s.OnStateChange != nil && from != to {
		s.OnStateChange(from, to)
	}
}

// Run connects to addr, reads every point in order and closes the
// connection exactly once. Per-point failures are reported in the result;
// only configuration errors and connection failures return an error.
// A Session can only be run once.
func (s *Session) Run(ctx context.Context, addr DeviceAddress, points []Point) (*Result, error) {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return nil, ErrSessionUsed
	}
	s.used = true
	s.mu.Unlock()

	if err := s.executor.Policy.Validate(); err != nil {
		s.transition(Closed)
		return nil, err
	}
	points = append([]Point(nil), points...)
	for i := range points {
		resolved, err := ResolveRef(points[i].Spec.Register)
		if err != nil {
			s.transition(Closed)
			return nil, fmt.Errorf("point %q: %w", points[i].Label, err)
		}
		points[i].Spec.Register = resolved
		if err := points[i].Spec.Validate(); err != nil {
			s.transition(Closed)
			return nil, fmt.Errorf("point %q: %w", points[i].Label, err)
		}
	}

	logger := s.logger.With(zap.Stringer("device", addr))
	result := &Result{
		Device:    addr,
		Entries:   make([]EntryResult, 0, len(points)),
		StartTime: time.Now(),
	}

	s.transition(Connecting)
	transport, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		s.transition(Closed)
		logger.Warn("modbus@session connect failed", zap.Error(err))
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			err = &ConnectionError{Endpoint: addr.Endpoint(), Err: err}
		}
		return nil, err
	}
	defer s.close(transport, logger)
	s.transition(Ready)

	for _, p := range points {
		result.Entries = append(result.Entries, s.readPoint(ctx, transport, p, logger))
	}
	result.Duration = time.Since(result.StartTime)
	return result, nil
}

func (s *Session) readPoint(ctx context.Context, t Transport, p Point, logger *zap.Logger) (entry EntryResult) {
	entry = EntryResult{Label: p.Label, Spec: p.Spec}
	s.transition(Reading)
	defer s.transition(Ready)
	defer func() {
		if r := recover(); r != nil {
			entry.Value = nil
			entry.Err = fmt.Errorf("point %q: panic: %v", p.Label, r)
			logger.Error("modbus@session read panicked", zap.String("label", p.Label), zap.Any("panic", r))
		}
	}()

	raw, err := s.executor.Read(ctx, t, p.Spec)
	if err != nil {
		logger.Debug("modbus@session read failed", zap.String("label", p.Label), zap.Error(err))
		entry.Err = err
		return entry
	}
	value, err := Decode(raw, p.Spec)
	if err != nil {
		entry.Err = err
		return entry
	}
	value.Label = p.Label
	entry.Value = &value
	return entry
}

func (s *Session) close(t Transport, logger *zap.Logger) {
	s.closeOnce.Do(func() {
		s.transition(Closing)
		if err := t.Close(); err != nil {
			logger.Warn("modbus@session close", zap.Error(err))
		}
		s.transition(Closed)
	})
}
