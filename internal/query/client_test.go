package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/transit_layer/internal/logging"
	"github.com/R3E-Network/transit_layer/pkg/testutil"
)

func newTestClient(clock *testutil.Clock) *Client {
	return New(Options{
		Now:    clock.Now,
		Retry:  &RetryConfig{MaxRetries: 1},
		Logger: logging.NewDiscard(),
	})
}

type fakeStatusErr struct{ code int }

func (e *fakeStatusErr) Error() string        { return fmt.Sprintf("status %d", e.code) }
func (e *fakeStatusErr) HTTPStatus() int      { return e.code }
func (e *fakeStatusErr) ResponseBody() []byte { return []byte(`{"detail":"down"}`) }

// =============================================================================
// Key Tests
// =============================================================================

func TestNewKey_OrderInsensitive(t *testing.T) {
	p1 := map[string]string{}
	p1["route_id"] = "r-7"
	p1["date"] = "2024-05-01"

	p2 := map[string]string{}
	p2["date"] = "2024-05-01"
	p2["route_id"] = "r-7"

	assert.Equal(t, NewKey("schedules", p1), NewKey("schedules", p2))
	assert.Equal(t, `schedules{"date":"2024-05-01","route_id":"r-7"}`, NewKey("schedules", p1).String())
}

func TestNewKey_NilValuesAreAbsent(t *testing.T) {
	withNil := NewKey("schedules", map[string]any{"route_id": "r-1", "date": nil})
	without := NewKey("schedules", map[string]any{"route_id": "r-1"})
	assert.Equal(t, without, withNil)

	assert.Equal(t, NewKey[string]("schedules", nil), NewKey("schedules", map[string]any{"date": nil}))
	assert.NotEqual(t, NewKey[string]("profile", nil), NewKey[string]("schedules", nil))
	assert.NotEqual(t, without, NewKey("schedules", map[string]any{"route_id": "r-2"}))
}

// =============================================================================
// Freshness & Retention
// =============================================================================

func TestFetch_FreshValueServedWithoutNetwork(t *testing.T) {
	clock := testutil.NewClock()
	c := newTestClient(clock)
	defer c.Close()
	key := NewKey("schedules", map[string]string{"route_id": "r-1"})

	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		return fmt.Sprintf("v%d", calls.Add(1)), nil
	}

	v, err := Fetch(context.Background(), c, key, fn)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	clock.Advance(59 * time.Second)
	v, err = Fetch(context.Background(), c, key, fn)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetch_StaleWhileRevalidate(t *testing.T) {
	clock := testutil.NewClock()
	c := newTestClient(clock)
	defer c.Close()
	key := NewKey[string]("schedules", nil)

	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		return fmt.Sprintf("v%d", calls.Add(1)), nil
	}

	_, err := Fetch(context.Background(), c, key, fn)
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	v, err := Fetch(context.Background(), c, key, fn)
	require.NoError(t, err)
	assert.Equal(t, "v1", v, "stale value must be returned immediately")

	c.Wait()
	assert.EqualValues(t, 2, calls.Load(), "background refetch must have been issued")

	v, err = Fetch(context.Background(), c, key, fn)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetch_UnusedEntryEvictedAfterRetention(t *testing.T) {
	clock := testutil.NewClock()
	c := newTestClient(clock)
	defer c.Close()
	key := NewKey[string]("schedules", nil)

	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		return fmt.Sprintf("v%d", calls.Add(1)), nil
	}

	_, err := Fetch(context.Background(), c, key, fn)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	v, err := Fetch(context.Background(), c, key, fn)
	require.NoError(t, err)
	assert.Equal(t, "v2", v, "expired entry must not be served")
	assert.EqualValues(t, 2, calls.Load())
	c.Wait()
	assert.EqualValues(t, 2, calls.Load(), "a fresh fetch needs no background revalidation")
}

func TestSweep(t *testing.T) {
	clock := testutil.NewClock()
	c := newTestClient(clock)
	defer c.Close()

	Set(c, NewKey[string]("schedules", nil), "a")
	Set(c, NewKey("schedules", map[string]string{"date": "2024-05-02"}), "b")
	require.Equal(t, 2, c.Len())

	clock.Advance(4 * time.Minute)
	assert.Equal(t, 0, c.Sweep())

	clock.Advance(time.Minute)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestSweep_KeepsObservedEntries(t *testing.T) {
	clock := testutil.NewClock()
	c := newTestClient(clock)
	defer c.Close()
	key := NewKey[string]("profile", nil)

	Set(c, key, "me")
	release := c.retain(key, func(event) {})

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, c.Sweep())

	release()
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
}

func TestStartJanitor(t *testing.T) {
	c := New(Options{Logger: logging.NewDiscard(), JanitorInterval: time.Hour})
	require.NoError(t, c.StartJanitor())
	require.NoError(t, c.StartJanitor())
	c.Close()
	assert.Error(t, c.StartJanitor())
}

// =============================================================================
// In-flight Deduplication
// =============================================================================

func TestFetch_ConcurrentCallersShareOneRequest(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()
	key := NewKey("schedules", map[string]string{"route_id": "r-1", "date": "2024-05-01"})

	counter := testutil.NewCallCounter()
	counter.Hold()
	fn := func(context.Context) ([]string, error) {
		counter.Hit()
		return []string{"08:00", "09:30"}, nil
	}

	var wg sync.WaitGroup
	results := make([][]string, 2)
	errs := make([]error, 2)
	fetch := func(i int) {
		defer wg.Done()
		results[i], errs[i] = Fetch(context.Background(), c, key, fn)
	}

	wg.Add(1)
	go fetch(0)
	<-counter.Started()

	wg.Add(1)
	go fetch(1)
	require.Eventually(t, func() bool { return c.waitersFor(key) == 2 }, time.Second, 5*time.Millisecond)

	counter.Release()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, counter.Calls())
	assert.Equal(t, results[0], results[1])
}

func TestFetch_AbandoningCallerDoesNotCancelSharedRequest(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()
	key := NewKey[string]("schedules", nil)

	counter := testutil.NewCallCounter()
	counter.Hold()
	fn := func(ctx context.Context) (string, error) {
		counter.Hit()
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "done", nil
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := Fetch(ctx1, c, key, fn)
		errCh <- err
	}()
	<-counter.Started()

	resCh := make(chan string, 1)
	go func() {
		v, _ := Fetch(context.Background(), c, key, fn)
		resCh <- v
	}()
	require.Eventually(t, func() bool { return c.waitersFor(key) == 2 }, time.Second, 5*time.Millisecond)

	cancel1()
	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	counter.Release()
	assert.Equal(t, "done", <-resCh)
	assert.Equal(t, 1, counter.Calls())
}

// =============================================================================
// Retry & Error Classification
// =============================================================================

func TestFetch_RetriesOnce(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()

	var calls atomic.Int32
	v, err := Fetch(context.Background(), c, NewKey[string]("profile", nil), func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetch_SurfacesStatusErrorAfterOneRetry(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()

	var calls atomic.Int32
	_, err := Fetch(context.Background(), c, NewKey[string]("schedules", nil), func(context.Context) ([]string, error) {
		calls.Add(1)
		return nil, &fakeStatusErr{code: 503}
	})
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load(), "one attempt plus exactly one retry")

	var qerr *Error
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, KindStatus, qerr.Kind)
	assert.Equal(t, 503, qerr.StatusCode)
	assert.JSONEq(t, `{"detail":"down"}`, string(qerr.Body))
	assert.Equal(t, "schedules", qerr.Query)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("q", nil))

	transport := Classify("q", errors.New("dial tcp: i/o timeout"))
	assert.Equal(t, KindTransport, transport.Kind)
	assert.Zero(t, transport.StatusCode)

	wrapped := fmt.Errorf("get schedules: %w", &fakeStatusErr{code: 404})
	status := Classify("q", wrapped)
	assert.Equal(t, KindStatus, status.Kind)
	assert.Equal(t, 404, status.StatusCode)

	assert.Same(t, status, Classify("other", status))
}

type fakeDecodeErr struct{}

func (fakeDecodeErr) Error() string          { return "invalid character '<'" }
func (fakeDecodeErr) UndecodableStatus() int { return 200 }
func (fakeDecodeErr) ResponseBody() []byte   { return []byte("<html>") }

func TestClassify_DecodeFailure(t *testing.T) {
	qerr := Classify("q", fmt.Errorf("get schedules: %w", fakeDecodeErr{}))
	assert.Equal(t, KindDecode, qerr.Kind)
	assert.Equal(t, 200, qerr.StatusCode)
	assert.Equal(t, []byte("<html>"), qerr.Body)
	assert.Equal(t, "decode", qerr.Kind.String())
}

func TestRetryConfig_DoesNotRetryDecodeFailure(t *testing.T) {
	rc := RetryConfig{MaxRetries: 3}
	var calls int
	_, err := rc.do(context.Background(), func(context.Context) (any, error) {
		calls++
		return nil, fakeDecodeErr{}
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryConfig_DoesNotRetryCancellation(t *testing.T) {
	rc := RetryConfig{MaxRetries: 3}
	var calls int
	_, err := rc.do(context.Background(), func(context.Context) (any, error) {
		calls++
		return nil, context.Canceled
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

// =============================================================================
// Invalidation & Removal
// =============================================================================

func TestInvalidate_ServesStaleAndRefetches(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()
	key := NewKey("profile", map[string]string{"user": "u1"})

	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		return fmt.Sprintf("v%d", calls.Add(1)), nil
	}

	_, err := Fetch(context.Background(), c, key, fn)
	require.NoError(t, err)
	c.Invalidate(key)

	v, err := Fetch(context.Background(), c, key, fn)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	c.Wait()

	v, ok := Peek[string](c, key)
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestRemove_ByName(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()

	Set(c, NewKey("profile", map[string]string{"user": "u1"}), "a")
	Set(c, NewKey("profile", map[string]string{"user": "u2"}), "b")
	Set(c, NewKey[string]("schedules", nil), []string{})

	assert.Equal(t, 2, c.Remove("profile"))
	assert.Equal(t, []string{"schedules"}, c.Keys())
}

func TestRemoveKey(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()
	u1 := NewKey("profile", map[string]string{"user": "u1"})
	u2 := NewKey("profile", map[string]string{"user": "u2"})
	Set(c, u1, "a")
	Set(c, u2, "b")

	assert.True(t, c.RemoveKey(u1))
	assert.False(t, c.RemoveKey(u1))

	_, ok := Peek[string](c, u1)
	assert.False(t, ok)
	v, ok := Peek[string](c, u2)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestRemoveKey_InFlightFetchDoesNotRepopulate(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()
	key := NewKey("profile", map[string]string{"user": "u1"})

	counter := testutil.NewCallCounter()
	counter.Hold()
	resCh := make(chan string, 1)
	go func() {
		v, _ := Fetch(context.Background(), c, key, func(context.Context) (string, error) {
			counter.Hit()
			return "before sign-out", nil
		})
		resCh <- v
	}()
	<-counter.Started()

	c.RemoveKey(key)
	counter.Release()

	assert.Equal(t, "before sign-out", <-resCh, "the caller still gets its answer")
	_, ok := Peek[string](c, key)
	assert.False(t, ok)
	assert.Empty(t, c.Keys())
}

func TestRemove_InFlightFetchDoesNotRepopulate(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()
	key := NewKey("profile", map[string]string{"user": "u1"})

	counter := testutil.NewCallCounter()
	counter.Hold()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Fetch(context.Background(), c, key, func(context.Context) (string, error) {
			counter.Hit()
			return "old", nil
		})
	}()
	<-counter.Started()

	c.Remove("profile")
	counter.Release()
	<-done

	_, ok := Peek[string](c, key)
	assert.False(t, ok)
}

func TestSet_WinsOverInFlightFetch(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()
	key := NewKey("profile", map[string]string{"user": "u1"})

	counter := testutil.NewCallCounter()
	counter.Hold()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Fetch(context.Background(), c, key, func(context.Context) (string, error) {
			counter.Hit()
			return "old", nil
		})
	}()
	<-counter.Started()

	Set(c, key, "written")
	counter.Release()
	<-done

	v, ok := Peek[string](c, key)
	require.True(t, ok)
	assert.Equal(t, "written", v)
}

func TestFetch_TypeMismatch(t *testing.T) {
	c := newTestClient(testutil.NewClock())
	defer c.Close()
	key := NewKey[string]("schedules", nil)
	Set(c, key, 42)

	_, err := Fetch(context.Background(), c, key, func(context.Context) (string, error) { return "x", nil })
	assert.Error(t, err)
}
