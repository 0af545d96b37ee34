// Package counter provides the atomic counter capability used for denormalized
// catalog counters. Backends with a native atomic increment (the SQL store's
// UPDATE ... SET n = n + 1) do not need it; backends that only offer
// compare-and-swap expose a Cell and go through Add, which retries a bounded
// number of times so no concurrent increment is lost.
package counter

import (
	"context"
	"errors"
	"sync/atomic"

	"pdfshelf/pkg/domain"
)

// DefaultMaxAttempts bounds compare-and-swap retries per increment.
const DefaultMaxAttempts = 64

var ErrDecrementMonotonic = errors.New("counter: decrementing a monotonic counter")

// Snapshot is a counter value together with the revision it was read at.
type Snapshot struct {
	Value    int64
	Revision int64
}

// Cell is a versioned counter slot supporting compare-and-swap.
type Cell interface {
	Load(ctx context.Context) (Snapshot, error)
	// CompareAndSwap stores value when the cell is still at old.Revision and
	// reports whether it did.
	CompareAndSwap(ctx context.Context, old Snapshot, value int64) (bool, error)
}

// Options tune Add.
type Options struct {
	MaxAttempts int
	// Monotonic rejects negative deltas.
	Monotonic bool
	// Floor clamps the result from below; nil means unbounded.
	Floor *int64
}

// Add applies delta to c with compare-and-swap and bounded retry. It returns
// domain.ErrCounterContention when every attempt lost a race.
func Add(ctx context.Context, c Cell, delta int64, opts Options) (int64, error) {
	if opts.Monotonic && delta < 0 {
		return 0, ErrDecrementMonotonic
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		cur, err := c.Load(ctx)
		if err != nil {
			return 0, err
		}
		next := cur.Value + delta
		if opts.Floor != nil && next < *opts.Floor {
			next = *opts.Floor
		}
		ok, err := c.CompareAndSwap(ctx, cur, next)
		if err != nil {
			return 0, err
		}
		if ok {
			return next, nil
		}
	}
	return 0, domain.ErrCounterContention.Withf("counter update lost %d races", attempts)
}

// Zero is a Floor value for counters that must never go negative.
func Zero() *int64 {
	var z int64
	return &z
}

type part struct {
	value    int64
	revision int64
}

// Value is an in-memory Cell.
type Value struct {
	p atomic.Pointer[part]
}

// NewValue returns a cell holding initial at revision 0.
func NewValue(initial int64) *Value {
	v := &Value{}
	v.p.Store(&part{value: initial})
	return v
}

func (v *Value) current() *part {
	if p := v.p.Load(); p != nil {
		return p
	}
	v.p.CompareAndSwap(nil, &part{})
	return v.p.Load()
}

func (v *Value) Load(context.Context) (Snapshot, error) {
	p := v.current()
	return Snapshot{Value: p.value, Revision: p.revision}, nil
}

func (v *Value) CompareAndSwap(_ context.Context, old Snapshot, value int64) (bool, error) {
	cur := v.current()
	if cur.revision != old.Revision {
		return false, nil
	}
	return v.p.CompareAndSwap(cur, &part{value: value, revision: cur.revision + 1}), nil
}

// Get returns the current value.
func (v *Value) Get() int64 {
	return v.current().value
}
