package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/metrics"
	"github.com/google/uuid"
)

const defaultRollbackTimeout = 2 * time.Minute

// Scope collects the resources created by one provisioning attempt. On
// failure End deletes them in reverse registration order. The scope does
// not own the resources; it only keeps references.
type Scope struct {
	id       string
	rollback bool
	timeout  time.Duration
	logger   logging.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	resources    []Resource
	ended        bool
	rolledBack   bool
	rollbackErrs []error
}

type Option func(*Scope)

// WithRollback toggles deletion on failure; it is on by default.
func WithRollback(enabled bool) Option { return func(s *Scope) { s.rollback = enabled } }

// WithTimeout bounds each rollback deletion.
func WithTimeout(d time.Duration) Option { return func(s *Scope) { s.timeout = d } }

func WithLogger(l logging.Logger) Option { return func(s *Scope) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scope) { s.metrics = m } }

func Begin(opts ...Option) *Scope {
	s := &Scope{id: uuid.NewString(), rollback: true, timeout: defaultRollbackTimeout, logger: logging.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scope) ID() string { return s.id }

// Register appends r. Call it right after the remote artifact exists.
func (s *Scope) Register(r Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		s.logger.Warn("resource registered after scope end", "scope", s.id, "resource", describe(r))
		return
	}
	s.resources = append(s.resources, r)
	s.logger.Debug("resource registered", "scope", s.id, "resource", describe(r), "count", len(s.resources))
}

// Resources returns the registered resources in registration order.
func (s *Scope) Resources() []Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Resource(nil), s.resources...)
}

// End closes the scope and returns err unchanged. A non-nil err triggers the
// rollback when enabled. Only the first call has any effect.
func (s *Scope) End(ctx context.Context, err error) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logger.Warn("scope ended twice", "scope", s.id)
		return err
	}
	s.ended = true
	resources := append([]Resource(nil), s.resources...)
	s.mu.Unlock()

	if err == nil {
		s.logger.Debug("scope committed", "scope", s.id, "resources", len(resources))
		return nil
	}
	if !s.rollback {
		s.logger.Warn("scope failed, rollback disabled", "scope", s.id, "resources", len(resources), "error", err)
		return err
	}
	s.logger.Info("rolling back", "scope", s.id, "resources", len(resources), "cause", err)
	errs := s.unwind(ctx, resources)

	s.mu.Lock()
	s.rolledBack = true
	s.rollbackErrs = errs
	s.mu.Unlock()
	return err
}

// unwind deletes in reverse order. The caller's cancellation does not stop
// it; each deletion gets its own timeout instead.
func (s *Scope) unwind(ctx context.Context, resources []Resource) []error {
	base := context.WithoutCancel(ctx)
	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		dctx, cancel := context.WithTimeout(base, s.timeout)
		status, derr := r.Delete(dctx)
		cancel()
		if derr != nil && status != DeleteFailed {
			status = DeleteFailed
		}
		s.metrics.RollbackDelete(status.String())
		switch status {
		case Deleted:
			s.logger.Info("rollback deleted", "scope", s.id, "resource", describe(r))
		case AlreadyAbsent:
			s.logger.Debug("rollback skipped absent", "scope", s.id, "resource", describe(r))
		default:
			if derr == nil {
				derr = fmt.Errorf("delete %s failed", describe(r))
			}
			s.logger.Error("rollback delete failed", "scope", s.id, "resource", describe(r), "error", derr)
			errs = append(errs, derr)
		}
	}
	return errs
}

// RolledBack reports whether End ran a rollback.
func (s *Scope) RolledBack() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rolledBack
}

// RollbackErrors returns the deletion failures of the rollback, if any.
func (s *Scope) RollbackErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.rollbackErrs...)
}

// Run executes fn inside a new scope. A panic in fn rolls back and is
// re-raised.
func Run(ctx context.Context, fn func(context.Context, *Scope) error, opts ...Option) (err error) {
	s := Begin(opts...)
	defer func() {
		if r := recover(); r != nil {
			_ = s.End(ctx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	return s.End(ctx, fn(ctx, s))
}
