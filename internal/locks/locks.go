// Package locks provides the per-instance mutual exclusion used by the
// instance manager. A goroutine holds at most one instance lock at a time;
// the held lock travels in the context and a nested Lock fails.
package locks

import (
	"context"
	"sync"

	"github.com/bizportal/flowd/pkg/schema"
)

// Unlock releases a held lock.
type Unlock func()

// Locker acquires exclusive access to one instance.
type Locker interface {
	// Lock blocks until the instance is held or ctx is done. The returned
	// context carries the lock marker and must be used inside the region.
	Lock(ctx context.Context, instanceID string) (context.Context, Unlock, error)
}

type heldKey struct{}

// Held returns the instance held by ctx, if any.
func Held(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(heldKey{}).(string)
	return id, ok
}

func mark(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, heldKey{}, instanceID)
}

func checkNotHeld(ctx context.Context, instanceID string) error {
	if held, ok := Held(ctx); ok {
		return schema.NewErrorf(schema.ErrCodeLock,
			"lock %s requested while holding %s", instanceID, held)
	}
	return nil
}

// Local is an in-process Locker with one channel-based mutex per instance.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, instanceID string) (context.Context, Unlock, error) {
	if err := checkNotHeld(ctx, instanceID); err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	s, ok := l.slots[instanceID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[instanceID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(instanceID, s, false)
		return nil, nil, schema.NewErrorf(schema.ErrCodeLock, "lock %s: %v", instanceID, ctx.Err()).WithCause(ctx.Err())
	}

	var once sync.Once
	return mark(ctx, instanceID), func() {
		once.Do(func() { l.release(instanceID, s, true) })
	}, nil
}

func (l *Local) release(instanceID string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, instanceID)
	}
}

var _ Locker = (*Local)(nil)
