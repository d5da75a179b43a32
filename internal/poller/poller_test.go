package poller

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock records requested sleeps instead of blocking.
type fakeClock struct {
	slept []time.Duration
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	return nil
}

func (c *fakeClock) elapsed() time.Duration {
	var total time.Duration
	for _, d := range c.slept {
		total += d
	}
	return total
}

func scripted(statuses ...Status) (CheckFunc, *int) {
	calls := 0
	return func(ctx context.Context) (Status, error) {
		st := statuses[min(calls, len(statuses)-1)]
		calls++
		return st, nil
	}, &calls
}

func TestWaitFailedJobAfterThreePolls(t *testing.T) {
	clock := &fakeClock{}
	p := New(5*time.Second, 10, nil, nil)
	p.Sleep = clock.sleep
	check, calls := scripted(Running(), Running(), Fail("bad input"))

	err := p.Wait(context.Background(), "async job 42", check)

	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrJob)
	assert.Contains(t, err.Error(), "bad input")
	assert.Equal(t, 3, *calls)
	assert.GreaterOrEqual(t, clock.elapsed(), 15*time.Second)
	for _, d := range clock.slept {
		assert.Equal(t, 5*time.Second, d)
	}
}

func TestWaitFinished(t *testing.T) {
	clock := &fakeClock{}
	p := New(time.Second, 0, nil, nil)
	p.Sleep = clock.sleep
	check, calls := scripted(Running(), Done())

	require.NoError(t, p.Wait(context.Background(), "tile t1", check))
	assert.Equal(t, 2, *calls)
	assert.Len(t, clock.slept, 2)
}

func TestWaitSleepsBeforeFirstCheck(t *testing.T) {
	clock := &fakeClock{}
	p := New(time.Second, 1, nil, nil)
	p.Sleep = clock.sleep
	require.NoError(t, p.Wait(context.Background(), "job", func(ctx context.Context) (Status, error) {
		assert.Len(t, clock.slept, 1)
		return Done(), nil
	}))
}

func TestWaitTimesOut(t *testing.T) {
	clock := &fakeClock{}
	p := New(5*time.Second, 4, nil, nil)
	p.Sleep = clock.sleep
	check, calls := scripted(Running())

	err := p.Wait(context.Background(), "job", check)
	assert.ErrorIs(t, err, failure.ErrPollTimeout)
	assert.Equal(t, 4, *calls)
}

func TestWaitCheckError(t *testing.T) {
	p := New(time.Millisecond, 3, nil, nil)
	p.Sleep = (&fakeClock{}).sleep
	boom := errors.New("invalid credentials")
	err := p.Wait(context.Background(), "job", func(ctx context.Context) (Status, error) {
		return Status{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, failure.ErrJob)
}

type unavailable struct{}

func (unavailable) Error() string   { return "status 503: unavailable" }
func (unavailable) Transient() bool { return true }

func TestWaitPollsThroughTransientError(t *testing.T) {
	clock := &fakeClock{}
	p := New(5*time.Second, 5, nil, nil)
	p.Sleep = clock.sleep
	calls := 0
	err := p.Wait(context.Background(), "async job 7", func(ctx context.Context) (Status, error) {
		calls++
		switch calls {
		case 1:
			return Status{}, unavailable{}
		case 2:
			return Status{}, &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
		case 3:
			return Running(), nil
		}
		return Done(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Len(t, clock.slept, 4)
}

func TestWaitTransientErrorsExhaustAttempts(t *testing.T) {
	p := New(time.Second, 3, nil, nil)
	p.Sleep = (&fakeClock{}).sleep
	err := p.Wait(context.Background(), "job", func(ctx context.Context) (Status, error) {
		return Status{}, unavailable{}
	})
	assert.ErrorIs(t, err, failure.ErrPollTimeout)
	assert.ErrorIs(t, err, unavailable{})
	assert.Contains(t, err.Error(), "last check")
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(unavailable{}))
	assert.True(t, Transient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.False(t, Transient(errors.New("bad request")))
	assert.False(t, Transient(context.Canceled))
	assert.False(t, Transient(nil))
}

func TestWaitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(time.Hour, 0, nil, nil)
	calls := 0
	cancel()
	err := p.Wait(ctx, "job", func(ctx context.Context) (Status, error) {
		calls++
		return Running(), nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRealSleepReturnsOnDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := sleepCtx(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SUBMITTED", Submitted.String())
	assert.Equal(t, "FAILED", Failed.String())
	assert.True(t, Done().Terminal())
	assert.False(t, Running().Terminal())
}
