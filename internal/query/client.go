// Package query implements the key-addressed client-side cache that sits in
// front of the transit API: stale-while-revalidate reads, one in-flight
// request per key, a single automatic retry and time-based retention.
package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/R3E-Network/transit_layer/internal/logging"
	"github.com/R3E-Network/transit_layer/internal/metrics"
)

const (
	DefaultStaleTime       = 60 * time.Second
	DefaultGCTime          = 5 * time.Minute
	DefaultFetchTimeout    = 30 * time.Second
	DefaultJanitorInterval = time.Minute
)

// Options configures a Client. Zero values take the defaults.
type Options struct {
	// StaleTime is how long a fetched value is served without a network call.
	StaleTime time.Duration
	// GCTime is how long an unobserved, unused entry is retained.
	GCTime time.Duration
	// Retry is the retry policy; nil means DefaultRetryConfig.
	Retry *RetryConfig
	// FetchTimeout bounds one upstream fetch including its retries.
	FetchTimeout time.Duration
	// JanitorInterval is the period of the background retention sweep.
	JanitorInterval time.Duration
	// Now is the clock used for freshness and retention.
	Now    func() time.Time
	Logger *logging.Logger
}

type event int

const (
	eventUpdated event = iota + 1
	eventInvalidated
)

type listener struct {
	fn func(event)
}

type entry struct {
	data      any
	hasData   bool
	err       *Error
	updatedAt time.Time
	lastUsed  time.Time
	invalid   bool
	listeners map[*listener]struct{}
}

func (e *entry) observed() bool {
	return len(e.listeners) > 0
}

// flight is the upstream call running for a key. A fenced flight still
// answers its callers but its result is not cached.
type flight struct {
	fenced bool
}

// Client is an in-memory query cache. It is safe for concurrent use.
type Client struct {
	opts  Options
	retry RetryConfig
	log   *logging.Logger

	mu      sync.Mutex
	entries map[Key]*entry
	waiters map[Key]int
	flights map[Key]*flight
	closed  bool
	janitor *cron.Cron

	group singleflight.Group
	bg    sync.WaitGroup
}

// New creates a cache client.
func New(opts Options) *Client {
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultStaleTime
	}
	if opts.GCTime <= 0 {
		opts.GCTime = DefaultGCTime
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = DefaultJanitorInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefault("query")
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	return &Client{
		opts:    opts,
		retry:   retry,
		log:     opts.Logger,
		entries: make(map[Key]*entry),
		waiters: make(map[Key]int),
		flights: make(map[Key]*flight),
	}
}

// Fetch returns the value for key, calling fn only when the cache cannot
// answer. Fresh values are returned as is; stale values are returned
// immediately while a background revalidation runs.
func Fetch[T any](ctx context.Context, c *Client, key Key, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.fetch(ctx, key, func(ctx context.Context) (any, error) {
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	res, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("query %s: cached value has type %T", key, v)
	}
	return res, nil
}

// Set stores v under key as freshly fetched. A fetch already in flight for
// key will not overwrite it.
func Set[T any](c *Client, key Key, v T) {
	c.store(key, v, nil)
}

// Peek returns the cached value for key without fetching or touching it.
func Peek[T any](c *Client, key Key) (T, bool) {
	var zero T
	snap := c.snapshot(key)
	if !snap.hasData {
		return zero, false
	}
	res, ok := snap.data.(T)
	return res, ok
}

func (c *Client) fetch(ctx context.Context, key Key, fn func(context.Context) (any, error)) (any, error) {
	now := c.opts.Now()

	c.mu.Lock()
	e := c.lookupLocked(key, now)
	if e != nil && e.hasData {
		e.lastUsed = now
		data := e.data
		fresh := !e.invalid && now.Sub(e.updatedAt) < c.opts.StaleTime
		c.mu.Unlock()

		if fresh {
			c.record(key, "hit")
			return data, nil
		}
		c.record(key, "stale")
		c.revalidate(ctx, key, fn)
		return data, nil
	}
	c.mu.Unlock()

	c.record(key, "miss")
	return c.load(ctx, key, fn)
}

// load joins or starts the single in-flight call for key. The shared call is
// detached from ctx so one caller giving up does not fail the others.
func (c *Client) load(ctx context.Context, key Key, fn func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	c.waiters[key]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[key]--; c.waiters[key] <= 0 {
			delete(c.waiters, key)
		}
		c.mu.Unlock()
	}()

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		return c.run(shared, key, fn)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, Classify(key.name, ctx.Err())
	}
}

func (c *Client) run(ctx context.Context, key Key, fn func(context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	f := c.beginFlight(key)
	defer c.endFlight(key, f)

	c.record(key, "fetch")
	start := time.Now()
	v, err := c.retry.do(ctx, fn, func(attempt int, err error) {
		c.record(key, "retry")
		c.log.WithContext(ctx).WithError(err).WithField("query", key.String()).
			WithField("attempt", attempt).Debug("retrying query fetch")
	})
	metrics.RecordQueryFetch(key.name, err == nil, time.Since(start))

	if err != nil {
		qerr := Classify(key.name, err)
		c.record(key, "fetch_error")
		c.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"query": key.String(),
			"kind":  qerr.Kind.String(),
		}).Warn("query fetch failed")
		c.fail(key, qerr, f)
		return nil, qerr
	}

	c.store(key, v, f)
	return v, nil
}

func (c *Client) revalidate(ctx context.Context, key Key, fn func(context.Context) (any, error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bg.Add(1)
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer c.bg.Done()
		_, _ = c.load(detached, key, fn)
	}()
}

func (c *Client) beginFlight(key Key) *flight {
	f := &flight{}
	c.mu.Lock()
	c.flights[key] = f
	c.mu.Unlock()
	return f
}

func (c *Client) endFlight(key Key, f *flight) {
	c.mu.Lock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()
}

// fenceLocked stops the flight running for key, if any, from writing its
// result. Callers hold c.mu.
func (c *Client) fenceLocked(key Key) {
	if f := c.flights[key]; f != nil {
		f.fenced = true
	}
}

// store writes a fetched value. f is the flight that produced it, or nil for
// a direct write, which fences the running flight instead.
func (c *Client) store(key Key, v any, f *flight) {
	now := c.opts.Now()

	c.mu.Lock()
	if f == nil {
		c.fenceLocked(key)
	} else if f.fenced {
		c.mu.Unlock()
		c.record(key, "discard")
		return
	}
	e := c.entries[key]
	if e == nil {
		e = &entry{}
		c.entries[key] = e
	}
	e.data = v
	e.hasData = true
	e.err = nil
	e.updatedAt = now
	e.lastUsed = now
	e.invalid = false
	ls := e.listenerFuncs()
	size := len(c.entries)
	c.mu.Unlock()

	metrics.SetQueryEntries(size)
	notify(ls, eventUpdated)
}

func (c *Client) fail(key Key, qerr *Error, f *flight) {
	c.mu.Lock()
	e := c.entries[key]
	if e == nil || f.fenced {
		c.mu.Unlock()
		return
	}
	e.err = qerr
	ls := e.listenerFuncs()
	c.mu.Unlock()

	notify(ls, eventUpdated)
}

// lookupLocked returns the entry for key, evicting it first if it outlived
// the retention window. Callers hold c.mu.
func (c *Client) lookupLocked(key Key, now time.Time) *entry {
	e := c.entries[key]
	if e == nil {
		return nil
	}
	if c.expiredLocked(e, now) {
		delete(c.entries, key)
		c.record(key, "evict")
		return nil
	}
	return e
}

func (c *Client) expiredLocked(e *entry, now time.Time) bool {
	return !e.observed() && now.Sub(e.lastUsed) >= c.opts.GCTime
}

// Sweep evicts every entry that has been unobserved and unused for GCTime.
func (c *Client) Sweep() int {
	now := c.opts.Now()

	c.mu.Lock()
	var evicted []Key
	for key, e := range c.entries {
		if c.expiredLocked(e, now) {
			delete(c.entries, key)
			evicted = append(evicted, key)
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	for _, key := range evicted {
		c.record(key, "evict")
	}
	metrics.SetQueryEntries(size)
	if len(evicted) > 0 {
		c.log.WithFields(map[string]interface{}{"evicted": len(evicted), "remaining": size}).Debug("query cache swept")
	}
	return len(evicted)
}

// Invalidate marks key stale. Observers of key refetch immediately; other
// readers get the stale value plus a background refetch on next access.
func (c *Client) Invalidate(key Key) {
	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.invalid = true
	ls := e.listenerFuncs()
	c.mu.Unlock()

	c.record(key, "invalidate")
	notify(ls, eventInvalidated)
}

// Remove drops every entry whose query name is name, or every entry when
// name is empty. Observed entries keep their observers but lose their data.
// Fetches in flight for the removed keys are not cached.
func (c *Client) Remove(name string) int {
	c.mu.Lock()
	for key := range c.flights {
		if name == "" || key.name == name {
			c.fenceLocked(key)
		}
	}
	n := 0
	for key, e := range c.entries {
		if name != "" && key.name != name {
			continue
		}
		if c.dropLocked(key, e) {
			n++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	metrics.SetQueryEntries(size)
	return n
}

// RemoveKey drops the entry for key the way Remove does and reports whether
// an entry was deleted.
func (c *Client) RemoveKey(key Key) bool {
	c.mu.Lock()
	c.fenceLocked(key)
	removed := false
	if e := c.entries[key]; e != nil {
		removed = c.dropLocked(key, e)
	}
	size := len(c.entries)
	c.mu.Unlock()

	if removed {
		c.record(key, "remove")
	}
	metrics.SetQueryEntries(size)
	return removed
}

func (c *Client) dropLocked(key Key, e *entry) bool {
	if e.observed() {
		e.hasData = false
		e.data = nil
		e.err = nil
		return false
	}
	delete(c.entries, key)
	return true
}

// Len returns the number of cache entries.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the keys currently held, sorted by their string form.
func (c *Client) Keys() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.entries))
	for key := range c.entries {
		out = append(out, key.String())
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Wait blocks until background revalidations started so far have finished.
func (c *Client) Wait() {
	c.bg.Wait()
}

// Close stops the janitor and waits for background work.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	j := c.janitor
	c.janitor = nil
	c.mu.Unlock()

	if j != nil {
		<-j.Stop().Done()
	}
	c.bg.Wait()
}

// StartJanitor schedules Sweep every JanitorInterval.
func (c *Client) StartJanitor() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("query client closed")
	}
	if c.janitor != nil {
		return nil
	}

	j := cron.New()
	if _, err := j.AddFunc(fmt.Sprintf("@every %s", c.opts.JanitorInterval), func() { c.Sweep() }); err != nil {
		return fmt.Errorf("schedule cache janitor: %w", err)
	}
	j.Start()
	c.janitor = j
	return nil
}

// retain registers fn for events on key and keeps the entry from being
// evicted until the returned release func is called.
func (c *Client) retain(key Key, fn func(event)) func() {
	l := &listener{fn: fn}

	c.mu.Lock()
	e := c.lookupLocked(key, c.opts.Now())
	if e == nil {
		e = &entry{lastUsed: c.opts.Now()}
		c.entries[key] = e
	}
	if e.listeners == nil {
		e.listeners = make(map[*listener]struct{})
	}
	e.listeners[l] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if e := c.entries[key]; e != nil {
				delete(e.listeners, l)
				e.lastUsed = c.opts.Now()
				if !e.hasData && !e.observed() {
					delete(c.entries, key)
				}
			}
		})
	}
}

type entrySnapshot struct {
	data      any
	hasData   bool
	err       *Error
	updatedAt time.Time
}

func (c *Client) snapshot(key Key) entrySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return entrySnapshot{}
	}
	return entrySnapshot{data: e.data, hasData: e.hasData, err: e.err, updatedAt: e.updatedAt}
}

func (c *Client) waitersFor(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[key]
}

func (c *Client) record(key Key, ev string) {
	metrics.RecordQueryEvent(key.name, ev)
}

func (e *entry) listenerFuncs() []func(event) {
	if len(e.listeners) == 0 {
		return nil
	}
	out := make([]func(event), 0, len(e.listeners))
	for l := range e.listeners {
		out = append(out, l.fn)
	}
	return out
}

func notify(ls []func(event), ev event) {
	for _, fn := range ls {
		fn(ev)
	}
}
