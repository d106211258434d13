package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/mailbox"
	"github.com/pulsecard/studysync/pkg/retry"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// ProfileStore implements profile.Store, profile.Reader, profile.StaleLister
// and profile.GuardedUpdater.
type ProfileStore struct {
	client *Client
	logger *slog.Logger
}

// NewProfileStore creates a store on an established client.
func NewProfileStore(client *Client, logger *slog.Logger) *ProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileStore{
		client: client,
		logger: logger.With("component", "firestore_profile_store"),
	}
}

// Update implements profile.Store. A document update is atomic and fails with
// NotFound when the document is absent.
func (s *ProfileStore) Update(ctx context.Context, id profile.Identity, p profile.Patch) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("firestore: update %s: %w", id, err)
	}
	if p.IsEmpty() {
		return nil
	}

	_, err := s.client.doc(id.String()).Update(ctx, toUpdates(planWrites(p)))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return shared.ErrProfileNotFound
		}
		return fmt.Errorf("firestore: update %s: %w", id, err)
	}
	return nil
}

// UpdateIfUnchanged implements profile.GuardedUpdater inside a transaction,
// which Firestore retries on contention.
func (s *ProfileStore) UpdateIfUnchanged(ctx context.Context, id profile.Identity, lastStudyDate timeutil.DayKey, p profile.Patch) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("firestore: update %s: %w", id, err)
	}
	if p.IsEmpty() {
		return true, nil
	}

	doc := s.client.doc(id.String())
	var applied bool
	err := s.client.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		current, _ := decodeRecord(snap.Data())
		if current.LastStudyDate != lastStudyDate {
			return nil
		}
		applied = true
		return tx.Update(doc, toUpdates(planWrites(p)))
	})
	if err != nil {
		return false, fmt.Errorf("firestore: update %s: %w", id, err)
	}
	return applied, nil
}

// IncrementField implements profile.Store.
func (s *ProfileStore) IncrementField(ctx context.Context, id profile.Identity, field profile.FieldPath, delta int64) error {
	if err := field.Validate(); err != nil {
		return err
	}
	var p profile.Patch
	p.Increment(field, delta)
	return s.Update(ctx, id, p)
}

// Create implements profile.Store.
func (s *ProfileStore) Create(ctx context.Context, id profile.Identity, rec profile.Record) error {
	if id.IsZero() {
		return shared.ErrInvalidIdentity
	}

	_, err := s.client.doc(id.String()).Create(ctx, encodeRecord(rec))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return shared.ErrProfileExists
		}
		return fmt.Errorf("firestore: create %s: %w", id, err)
	}
	return nil
}

// Get implements profile.Reader.
func (s *ProfileStore) Get(ctx context.Context, id profile.Identity) (*profile.Record, error) {
	snap, err := s.client.doc(id.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore: get %s: %w", id, err)
	}
	return s.decode(id, snap), nil
}

// ListStale implements profile.StaleLister. The query narrows on the stored
// date string; the day-scoped check runs here.
func (s *ProfileStore) ListStale(ctx context.Context, today timeutil.DayKey, limit int) ([]profile.Identity, error) {
	iter := s.client.fs.Collection(s.client.collection).
		Where(fieldLastStudyDate, "<", today.String()).
		Documents(ctx)
	defer iter.Stop()

	var ids []profile.Identity
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore: list stale: %w", err)
		}

		id := profile.Identity(snap.Ref.ID)
		rec := s.decode(id, snap)
		if _, patch := profile.Reconcile(*rec, today); !patch.IsEmpty() {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Subscribe implements profile.Store with the document snapshot listener.
// The listener is re-opened with backoff when the stream fails.
func (s *ProfileStore) Subscribe(ctx context.Context, id profile.Identity, fn profile.Listener) (profile.Subscription, error) {
	if id.IsZero() {
		return nil, shared.ErrInvalidIdentity
	}

	mb := mailbox.New(func(rec *profile.Record) { fn(rec) }, func(r any) {
		s.logger.Error("subscriber panicked", "identity", id, "panic", r)
	})

	subCtx, cancel := context.WithCancel(context.Background())
	go s.listen(subCtx, id, mb)

	return profile.OnceSubscription(func() {
		cancel()
		mb.Close()
	}), nil
}

func (s *ProfileStore) listen(ctx context.Context, id profile.Identity, mb *mailbox.Mailbox[*profile.Record]) {
	retrier := retry.ResubscribeRetrier(func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("snapshot listener failed, reopening", "identity", id, "attempt", attempt, "retry_in", delay, "error", err)
	})

	err := retrier.Do(ctx, func(ctx context.Context) error {
		return s.stream(ctx, id, mb)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Error("snapshot listener lost", "identity", id, "error", err)
	}
}

// stream forwards snapshots until the iterator fails or ctx is cancelled.
func (s *ProfileStore) stream(ctx context.Context, id profile.Identity, mb *mailbox.Mailbox[*profile.Record]) error {
	it := s.client.doc(id.String()).Snapshots(ctx)
	defer it.Stop()

	for {
		snap, err := it.Next()
		switch {
		case err == nil:
		case ctx.Err() != nil || status.Code(err) == codes.Canceled:
			return context.Canceled
		default:
			return err
		}

		if !snap.Exists() {
			mb.Post(nil)
			continue
		}
		mb.Post(s.decode(id, snap))
	}
}

func (s *ProfileStore) decode(id profile.Identity, snap *firestore.DocumentSnapshot) *profile.Record {
	rec, malformed := decodeRecord(snap.Data())
	if len(malformed) > 0 {
		s.logger.Warn("malformed profile fields replaced by defaults", "identity", id, "fields", malformed)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = snap.CreateTime
	}
	return &rec
}
