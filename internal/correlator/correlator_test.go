package correlator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zps-zest/zest/internal/correlator"
	"github.com/zps-zest/zest/internal/telemetry"
)

func TestComplete_ResolvesWaiter(t *testing.T) {
	c := correlator.New()
	p := c.Await(5 * time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Complete(p.ID, "hello")
	}()

	text, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, correlator.StateCompleted, p.State())
	assert.Equal(t, 0, c.Outstanding())
}

func TestComplete_BeforeWaitIsNotLost(t *testing.T) {
	c := correlator.New()
	p := c.Await(time.Second)

	require.True(t, c.Complete(p.ID, "early"))

	text, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "early", text)
}

func TestWait_TimesOutNotBeforeDeadline(t *testing.T) {
	c := correlator.New()
	start := time.Now()
	p := c.Await(100 * time.Millisecond)

	_, err := p.Wait(context.Background())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, correlator.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, correlator.StateTimedOut, p.State())
}

func TestComplete_AfterTimeoutIsIgnored(t *testing.T) {
	c := correlator.New()
	p := c.Await(20 * time.Millisecond)

	_, err := p.Wait(context.Background())
	require.ErrorIs(t, err, correlator.ErrTimeout)

	assert.False(t, c.Complete(p.ID, "too late"))
	text, err := p.Result()
	assert.Empty(t, text)
	assert.ErrorIs(t, err, correlator.ErrTimeout)
}

func TestComplete_UnknownIDIsHarmless(t *testing.T) {
	c := correlator.New()
	assert.False(t, c.Complete("no-such-id", "x"))
	assert.False(t, c.CompleteLatest("x"))

	p := c.Await(time.Second)
	assert.False(t, c.Complete("other-id", "x"))
	assert.Equal(t, correlator.StatePending, p.State())
	c.Cancel(p.ID)
}

func TestComplete_SecondCompletionIgnored(t *testing.T) {
	c := correlator.New()
	p := c.Await(time.Second)

	require.True(t, c.Complete(p.ID, "first"))
	assert.False(t, c.Complete(p.ID, "second"))

	text, _ := p.Wait(context.Background())
	assert.Equal(t, "first", text)
}

func TestCompleteLatest_ResolvesOldestFirst(t *testing.T) {
	c := correlator.New()
	first := c.Await(time.Second)
	second := c.Await(time.Second)

	require.True(t, c.CompleteLatest("one"))
	require.True(t, c.CompleteLatest("two"))

	a, _ := first.Wait(context.Background())
	b, _ := second.Wait(context.Background())
	assert.Equal(t, "one", a)
	assert.Equal(t, "two", b)
}

func TestCompleteMessage_DeduplicatesMessageIDs(t *testing.T) {
	c := correlator.New()
	first := c.Await(time.Second)
	second := c.Await(time.Second)

	require.True(t, c.CompleteMessage(first.ID, "msg-1", "reply"))
	assert.False(t, c.CompleteMessage(second.ID, "msg-1", "reply again"))
	assert.Equal(t, correlator.StatePending, second.State())

	require.True(t, c.CompleteMessage("", "msg-2", "fallback"))
	text, _ := second.Wait(context.Background())
	assert.Equal(t, "fallback", text)
}

func TestFail_PropagatesError(t *testing.T) {
	c := correlator.New()
	p := c.Await(time.Second)
	boom := errors.New("provider unavailable")

	require.True(t, c.Fail(p.ID, boom))
	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, correlator.StateFailed, p.State())
}

func TestWait_ContextCancelWithdrawsWait(t *testing.T) {
	c := correlator.New()
	p := c.Await(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, correlator.StateCanceled, p.State())
	assert.False(t, c.Complete(p.ID, "late"))
}

func TestClose_FailsOutstandingAndFutureWaits(t *testing.T) {
	c := correlator.New()
	p := c.Await(time.Minute)
	c.Close()

	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, correlator.ErrClosed)

	after := c.Await(time.Minute)
	_, err = after.Wait(context.Background())
	assert.ErrorIs(t, err, correlator.ErrClosed)
}

func TestDefaultTimeoutApplied(t *testing.T) {
	c := correlator.New(correlator.WithDefaultTimeout(42 * time.Second))
	p := c.Await(0)
	assert.Equal(t, 42*time.Second, p.Timeout)
	c.Cancel(p.ID)

	p = correlator.New().Await(-1)
	assert.Equal(t, correlator.DefaultTimeout, p.Timeout)
}

func TestConcurrentCompletions(t *testing.T) {
	c := correlator.New()
	const n = 50

	waits := make([]*correlator.Pending, n)
	for i := range waits {
		waits[i] = c.Await(5 * time.Second)
	}

	var wg sync.WaitGroup
	for _, p := range waits {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			c.Complete(id, id)
		}(p.ID)
		go func(id string) {
			defer wg.Done()
			c.Complete(id, "duplicate")
		}(p.ID)
	}
	wg.Wait()

	for _, p := range waits {
		text, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.Contains(t, []string{p.ID, "duplicate"}, text)
	}
	assert.Equal(t, 0, c.Outstanding())
}

func TestMetricsRecorded(t *testing.T) {
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	c := correlator.New(correlator.WithMetrics(m))

	p := c.Await(time.Second)
	c.Complete(p.ID, "ok")
	c.Complete("ghost", "x")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CorrelatorWaits.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CorrelatorSpurious))
}
