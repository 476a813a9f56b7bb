package query

import (
	"context"
	"sync"
	"time"
)

// State is what an Observer exposes to its consumer.
type State[T any] struct {
	Data      T
	HasData   bool
	Loading   bool
	Err       *Error
	UpdatedAt time.Time
}

// KeyFunc derives the cache key for a parameter record.
type KeyFunc[P any] func(P) Key

// FetchFunc loads the value for a parameter record.
type FetchFunc[P, T any] func(context.Context, P) (T, error)

// Observer tracks one parameterised query: it keeps the current key's entry
// alive, refetches when parameters change and publishes state changes.
// Results belonging to superseded parameters are dropped.
type Observer[P, T any] struct {
	client *Client
	name   string
	keyFn  KeyFunc[P]
	fetch  FetchFunc[P, T]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	params  P
	key     Key
	gen     uint64
	state   State[T]
	release func()
	subs    map[int]func(State[T])
	nextSub int
	closed  bool

	wg sync.WaitGroup
}

// Observe starts observing params. The observer lives until Close or until
// ctx is done.
func Observe[P, T any](ctx context.Context, c *Client, name string, params P, keyFn KeyFunc[P], fetch FetchFunc[P, T]) *Observer[P, T] {
	ctx, cancel := context.WithCancel(ctx)
	o := &Observer[P, T]{
		client: c,
		name:   name,
		keyFn:  keyFn,
		fetch:  fetch,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]func(State[T])),
	}

	o.mu.Lock()
	o.switchLocked(params)
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.Close()
	}()
	return o
}

// State returns the latest published state.
func (o *Observer[P, T]) State() State[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Params returns the current parameters.
func (o *Observer[P, T]) Params() P {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.params
}

// Key returns the cache key of the current parameters.
func (o *Observer[P, T]) Key() Key {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.key
}

// SetParams replaces the parameters and fetches for them.
func (o *Observer[P, T]) SetParams(params P) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.switchLocked(params)
}

// Refetch fetches the current parameters again, honouring freshness.
func (o *Observer[P, T]) Refetch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.startLocked()
}

// Subscribe registers fn for state changes and returns its cancel func.
func (o *Observer[P, T]) Subscribe(fn func(State[T])) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Close stops observing. Pending results are discarded.
func (o *Observer[P, T]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	release := o.release
	o.release = nil
	o.subs = map[int]func(State[T]){}
	o.mu.Unlock()

	o.cancel()
	if release != nil {
		release()
	}
}

// Wait blocks until fetches started by this observer have returned.
func (o *Observer[P, T]) Wait() {
	o.wg.Wait()
}

func (o *Observer[P, T]) switchLocked(params P) {
	key := o.keyFn(params)
	o.params = params

	if key != o.key || o.release == nil {
		if o.release != nil {
			o.release()
		}
		o.key = key
		o.release = o.client.retain(key, o.onEvent(key))

		o.state = State[T]{}
		if v, ok := Peek[T](o.client, key); ok {
			o.state.Data = v
			o.state.HasData = true
			o.state.UpdatedAt = o.client.snapshot(key).updatedAt
		}
	}
	o.startLocked()
}

func (o *Observer[P, T]) startLocked() {
	o.gen++
	gen, key, params := o.gen, o.key, o.params
	if !o.state.HasData {
		o.state.Loading = true
	}

	o.wg.Add(1)
	go o.run(gen, key, params)
}

func (o *Observer[P, T]) run(gen uint64, key Key, params P) {
	defer o.wg.Done()

	v, err := Fetch(o.ctx, o.client, key, func(ctx context.Context) (T, error) {
		return o.fetch(ctx, params)
	})

	o.mu.Lock()
	if o.closed || gen != o.gen {
		o.mu.Unlock()
		o.client.record(key, "discard")
		return
	}
	if err != nil {
		o.state.Err = Classify(o.name, err)
	} else {
		// A write that landed while the fetch was in flight wins over it.
		snap := o.client.snapshot(key)
		if cached, ok := snap.data.(T); ok && snap.hasData {
			v = cached
		}
		o.state.Data = v
		o.state.HasData = true
		o.state.Err = nil
		o.state.UpdatedAt = snap.updatedAt
	}
	o.state.Loading = false
	st, subs := o.state, o.subscribersLocked()
	o.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

// onEvent reacts to cache updates for key made by anyone, including
// background revalidations.
func (o *Observer[P, T]) onEvent(key Key) func(event) {
	return func(ev event) {
		if ev == eventInvalidated {
			o.mu.Lock()
			if !o.closed && o.key == key {
				o.startLocked()
			}
			o.mu.Unlock()
			return
		}

		snap := o.client.snapshot(key)
		o.mu.Lock()
		if o.closed || o.key != key {
			o.mu.Unlock()
			return
		}
		if snap.hasData {
			if v, ok := snap.data.(T); ok {
				o.state.Data = v
				o.state.HasData = true
				o.state.UpdatedAt = snap.updatedAt
				o.state.Loading = false
			}
		}
		o.state.Err = snap.err
		st, subs := o.state, o.subscribersLocked()
		o.mu.Unlock()

		for _, fn := range subs {
			fn(st)
		}
	}
}

func (o *Observer[P, T]) subscribersLocked() []func(State[T]) {
	out := make([]func(State[T]), 0, len(o.subs))
	for _, fn := range o.subs {
		out = append(out, fn)
	}
	return out
}
