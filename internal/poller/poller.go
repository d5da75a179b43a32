// Package poller waits for remote asynchronous jobs to reach a terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/metrics"
)

// State of a polled job.
type State int

const (
	Submitted State = iota
	Polling
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "SUBMITTED"
	case Polling:
		return "POLLING"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is what one check observed. Message carries the remote failure reason.
type Status struct {
	State   State
	Message string
}

func Running() Status { return Status{State: Polling} }
func Done() Status { return Status{State: Finished} }
func Fail(msg string) Status { return Status{State: Failed, Message: msg} }
func (s Status) Terminal() bool { return s.State == Finished || s.State == Failed }

// CheckFunc queries the remote job once.
type CheckFunc func(ctx context.Context) (Status, error)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

const DefaultInterval = 5 * time.Second

// Poller sleeps Interval before every check. MaxAttempts bounds the number
// of checks; zero leaves only the context deadline as a bound. A check error
// accepted by Retryable counts as one more pending check.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Sleep       SleepFunc
	Retryable   func(error) bool
	Logger      logging.Logger
	Metrics     *metrics.Metrics
}

func New(interval time.Duration, maxAttempts int, logger logging.Logger, m *metrics.Metrics) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Poller{Interval: interval, MaxAttempts: maxAttempts, Sleep: sleepCtx, Retryable: Transient, Logger: logger, Metrics: m}
}

// Transient reports whether a failed check is worth repeating: network
// errors, a truncated response, or an error whose Transient method says so.
// Context errors never are.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait polls job until it finishes. A failed job returns failure.ErrJob with
// the remote message; running out of attempts returns failure.ErrPollTimeout;
// a permanent check error or context cancellation is returned as is.
func (p *Poller) Wait(ctx context.Context, job string, check CheckFunc) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = Transient
	}
	var lastErr error
	logger := p.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger.Debug("job submitted", "job", job, "state", Submitted.String())
	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := sleep(ctx, p.Interval); err != nil {
			return err
		}
		st, err := check(ctx)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return fmt.Errorf("check %s: %w", job, err)
			}
			logger.Warn("job check failed, polling on", "job", job, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		lastErr = nil
		switch st.State {
		case Finished:
			logger.Debug("job finished", "job", job, "attempts", attempt)
			p.Metrics.JobPolled("finished", attempt)
			return nil
		case Failed:
			logger.Warn("job failed", "job", job, "attempts", attempt, "message", st.Message)
			p.Metrics.JobPolled("failed", attempt)
			return failure.New(failure.ErrJob, job, st.Message)
		}
		logger.Debug("job polling", "job", job, "attempt", attempt)
	}
	p.Metrics.JobPolled("timeout", p.MaxAttempts)
	cause := fmt.Errorf("no terminal state after %d checks every %s", p.MaxAttempts, p.Interval)
	if lastErr != nil {
		cause = fmt.Errorf("%w; last check: %w", cause, lastErr)
	}
	return failure.Wrap(failure.ErrPollTimeout, job, cause)
}
