package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-mockstate/logging"
	rcron "github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep every thirty seconds.
const DefaultSweepSchedule = "@every 30s"

// Sweeper tombstones expired entities on a cron schedule.
type Sweeper struct {
	mu       sync.Mutex
	store    Store
	cron     *rcron.Cron
	schedule string
	logger   logging.Logger
	onSweep  func([]Key)
	timeout  time.Duration
	entryID  rcron.EntryID
	running  bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger sets the logger used for sweep results and cron errors.
func WithSweepLogger(logger logging.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithSweepCallback registers fn to receive the keys tombstoned by each sweep.
func WithSweepCallback(fn func([]Key)) SweeperOption {
	return func(s *Sweeper) {
		s.onSweep = fn
	}
}

// WithSweepTimeout bounds each scheduled sweep.
func WithSweepTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.timeout = d
	}
}

// NewSweeper builds a sweeper for st. schedule accepts cron expressions with
// optional seconds and descriptors such as "@every 1m".
func NewSweeper(st Store, schedule string, opts ...SweeperOption) (*Sweeper, error) {
	if st == nil {
		return nil, fmt.Errorf("sweeper requires a store")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		store:    st,
		schedule: schedule,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = logging.Normalize(s.logger)

	adapter := &cronLogger{logger: s.logger}
	s.cron = rcron.New(
		rcron.WithParser(rcron.NewParser(
			rcron.SecondOptional|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)),
		rcron.WithChain(rcron.Recover(adapter), rcron.SkipIfStillRunning(adapter)),
		rcron.WithLogger(adapter),
	)
	id, err := s.cron.AddJob(schedule, rcron.FuncJob(s.scheduled))
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.entryID = id
	return s, nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) ([]Key, error) {
	keys, err := s.store.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed: %v", err)
		return nil, err
	}
	if len(keys) > 0 {
		s.logger.Info("expiry sweep tombstoned %d entities", len(keys))
		if s.onSweep != nil {
			s.onSweep(keys)
		}
	}
	return keys, nil
}

// Start begins the scheduled sweeps.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled run, zero when not running.
func (s *Sweeper) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

func (s *Sweeper) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}

// cronLogger adapts logging.Logger to robfig/cron's key/value logger.
type cronLogger struct {
	logger logging.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	logging.WithFields(l.logger, kvFields(keysAndValues)).Debug("cron: %s", msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := kvFields(keysAndValues)
	if err != nil {
		fields["error"] = err.Error()
	}
	logging.WithFields(l.logger, fields).Error("cron: %s", msg)
}

func kvFields(keysAndValues []any) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
