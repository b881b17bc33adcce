package application

import (
	"context"
	"errors"
	"time"

	"fieldops-cloud/internal/billing/domain"
	"fieldops-cloud/internal/logging"
	"fieldops-cloud/internal/observability/metrics"

	"github.com/google/uuid"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator mints identifiers for new rows.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator mints random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// Service runs split and revert against a unit of work.
type Service struct {
	store      billing.UnitOfWork
	recorder   Recorder
	clock      Clock
	ids        IDGenerator
	logger     *logging.Logger
	ratePlaces int32
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithRecorder sets the recorder that writes events and audit rows inside the transaction.
func WithRecorder(recorder Recorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithClock overrides the clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides the id generator.
func WithIDGenerator(ids IDGenerator) ServiceOption {
	return func(s *Service) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRatePlaces sets the precision of per-unit rates. Values below
// billing.MinRatePlaces are ignored.
func WithRatePlaces(places int32) ServiceOption {
	return func(s *Service) {
		if places >= billing.MinRatePlaces {
			s.ratePlaces = places
		}
	}
}

// NewService constructs the service.
func NewService(store billing.UnitOfWork, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, billing.ErrNilStore
	}
	s := &Service{
		store:      store,
		recorder:   nopRecorder{},
		clock:      SystemClock{},
		ids:        UUIDGenerator{},
		logger:     logging.Nop(),
		ratePlaces: billing.DefaultRatePlaces,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns a session with its line items, allocations and assignments.
func (s *Service) Get(ctx context.Context, sessionID string) (*billing.Session, error) {
	if sessionID == "" {
		return nil, billing.ErrEmptySessionID
	}
	return s.store.GetSession(ctx, sessionID)
}

// Children lists the direct split children of a session.
func (s *Service) Children(ctx context.Context, sessionID string) ([]billing.Session, error) {
	if sessionID == "" {
		return nil, billing.ErrEmptySessionID
	}
	return s.store.ListSplitChildren(ctx, sessionID)
}

// CallOption configures a single Split or Revert call.
type CallOption func(*callConfig)

type callConfig struct {
	comment string
	actor   string
}

// WithComment appends a free-text note to the generated split comment.
func WithComment(comment string) CallOption {
	return func(c *callConfig) { c.comment = comment }
}

// WithActor names who requested the operation, for audit and events.
func WithActor(actor string) CallOption {
	return func(c *callConfig) { c.actor = actor }
}

func applyCallOptions(opts []CallOption) callConfig {
	var cfg callConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

func metricResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, billing.ErrValidation), errors.Is(err, billing.ErrEmptySessionID):
		return metrics.ResultValidation
	case errors.Is(err, billing.ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, billing.ErrConflict):
		return metrics.ResultConflict
	default:
		return metrics.ResultError
	}
}
