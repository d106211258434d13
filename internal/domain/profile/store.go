package profile

import (
	"context"
	"sync"

	"github.com/pulsecard/studysync/pkg/timeutil"
)

// Listener receives the latest record of a subscribed identity.
// A nil record means the profile does not exist (yet).
type Listener func(rec *Record)

// Subscription is a live remote subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}

// Store is the remote store adapter. Every call names the identity explicitly.
type Store interface {
	// Subscribe delivers the current record and then every change, serially
	// and in the order the store applied them.
	Subscribe(ctx context.Context, id Identity, fn Listener) (Subscription, error)

	// Update applies p atomically. Returns shared.ErrProfileNotFound when absent.
	Update(ctx context.Context, id Identity, p Patch) error

	// IncrementField adds delta to a counter. Concurrent increments compose.
	IncrementField(ctx context.Context, id Identity, field FieldPath, delta int64) error

	// Create stores a new record. Returns shared.ErrProfileExists when present.
	Create(ctx context.Context, id Identity, rec Record) error
}

// Reader reads a single record without subscribing. A nil record means absent.
type Reader interface {
	Get(ctx context.Context, id Identity) (*Record, error)
}

// StaleLister finds profiles whose day-scoped fields may need reconciling on today.
type StaleLister interface {
	ListStale(ctx context.Context, today timeutil.DayKey, limit int) ([]Identity, error)
}

// GuardedUpdater applies a patch only while the stored last study date still
// equals lastStudyDate. It reports false, with no error, when the guard does not
// hold or the profile is absent. Processes that reconcile profiles they are not
// subscribed to use it so a study event that lands in between is never reset.
type GuardedUpdater interface {
	UpdateIfUnchanged(ctx context.Context, id Identity, lastStudyDate timeutil.DayKey, p Patch) (bool, error)
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

// Unsubscribe implements Subscription.
func (f SubscriptionFunc) Unsubscribe() {
	if f != nil {
		f()
	}
}

// OnceSubscription wraps fn so that repeated Unsubscribe calls run it once.
func OnceSubscription(fn func()) Subscription {
	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(fn)
	})
}
