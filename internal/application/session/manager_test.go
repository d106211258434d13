package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/internal/infrastructure/persistence/memory"
	"github.com/pulsecard/studysync/pkg/retry"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type capturePublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *capturePublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) count(t shared.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) add(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, 0, len(l.states))
	for _, s := range l.states {
		out = append(out, s.Status)
	}
	return out
}

type fixture struct {
	manager   *Manager
	store     *memory.ProfileStore
	clock     *timeutil.FixedClock
	publisher *capturePublisher
	today     timeutil.DayKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := timeutil.NewFixedClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	store := memory.NewProfileStore(nil)
	publisher := &capturePublisher{}

	m, err := NewManager(Config{
		Store:     store,
		Policy:    timeutil.UTCPolicy(),
		Clock:     clock,
		Publisher: publisher,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return &fixture{
		manager:   m,
		store:     store,
		clock:     clock,
		publisher: publisher,
		today:     timeutil.MustParseDayKey("2025-03-10"),
	}
}

func (f *fixture) seed(t *testing.T, id profile.Identity, mutate func(*profile.Record)) {
	t.Helper()
	rec, err := profile.NewRecord("Aru", profile.Avatars()[0], nil, f.clock.Now())
	require.NoError(t, err)
	if mutate != nil {
		mutate(&rec)
	}
	require.NoError(t, f.store.Create(context.Background(), id, rec))
}

func (f *fixture) waitStatus(t *testing.T, id profile.Identity, status Status) State {
	t.Helper()
	var got State
	require.Eventually(t, func() bool {
		got = f.manager.Current()
		return got.Status == status && got.Identity == id
	}, waitFor, tick)
	return got
}

func TestNewManager_RequiresStore(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}

func TestBindIdentity_ProvisionalThenReadyWithoutSignOut(t *testing.T) {
	f := newFixture(t)
	log := &stateLog{}
	cancel := f.manager.Watch(log.add)
	defer cancel()

	require.NoError(t, f.manager.BindIdentity(context.Background(), "u1"))
	f.waitStatus(t, "u1", StatusProvisional)

	f.seed(t, "u1", nil)
	ready := f.waitStatus(t, "u1", StatusReady)
	assert.Equal(t, "Aru", ready.Record.DisplayName)

	require.Eventually(t, func() bool {
		s := log.statuses()
		return len(s) > 0 && s[len(s)-1] == StatusReady
	}, waitFor, tick)

	statuses := log.statuses()
	assert.Equal(t, StatusUnauthenticated, statuses[0])
	for _, s := range statuses[1:] {
		assert.NotEqual(t, StatusUnauthenticated, s, "sequence %v", statuses)
	}
	assert.Contains(t, statuses, StatusLoading)
	assert.Contains(t, statuses, StatusProvisional)
}

func TestBindIdentity_ReconcilesOnceWithoutWriteLoop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 4
		r.LastStudyDate = f.today.AddDays(-3)
		r.DailyProgress[profile.SubjectAnatomy] = 7
	})
	require.Equal(t, 1, f.store.Writes())

	require.NoError(t, f.manager.BindIdentity(context.Background(), "u1"))

	require.Eventually(t, func() bool {
		rec, err := f.store.Get(context.Background(), "u1")
		return err == nil && rec != nil && rec.Streak == 0 && rec.DailyProgress.IsZero()
	}, waitFor, tick)

	ready := f.waitStatus(t, "u1", StatusReady)
	assert.Equal(t, 0, ready.Record.Streak)
	assert.Equal(t, f.today.AddDays(-3), ready.Record.LastStudyDate)

	// The write's own notification reconciles to an empty patch.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.store.Writes())
	assert.Eventually(t, func() bool {
		return f.publisher.count(shared.EventDailyReset) == 1 &&
			f.publisher.count(shared.EventDailyStreakBroken) == 1
	}, waitFor, tick)
}

func TestBindIdentity_UpToDateRecordIsNotWritten(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 2
		r.LastStudyDate = f.today
		r.DailyProgress[profile.SubjectPhysiology] = 3
	})

	require.NoError(t, f.manager.BindIdentity(context.Background(), "u1"))
	ready := f.waitStatus(t, "u1", StatusReady)

	assert.Equal(t, 3, ready.Record.DailyProgress[profile.SubjectPhysiology])
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.store.Writes())
}

func TestBindIdentity_SwitchReleasesPreviousSubscription(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", nil)
	f.seed(t, "u2", nil)
	ctx := context.Background()

	require.NoError(t, f.manager.BindIdentity(ctx, "u1"))
	f.waitStatus(t, "u1", StatusReady)
	assert.Equal(t, 1, f.store.Subscribers("u1"))

	require.NoError(t, f.manager.BindIdentity(ctx, "u2"))
	f.waitStatus(t, "u2", StatusReady)
	assert.Equal(t, 0, f.store.Subscribers("u1"))
	assert.Equal(t, 1, f.store.Subscribers("u2"))

	require.NoError(t, f.store.IncrementField(ctx, "u1", profile.FieldTotalCardsRead, 1))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, profile.Identity("u2"), f.manager.Current().Identity)

	require.NoError(t, f.manager.BindIdentity(ctx, ""))
	assert.Equal(t, StatusUnauthenticated, f.manager.Current().Status)
	assert.Equal(t, 0, f.store.Subscribers("u2"))
}

func TestOnSnapshot_DropsStaleGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.BindIdentity(ctx, "u1"))
	f.manager.mu.Lock()
	staleGen := f.manager.generation
	f.manager.mu.Unlock()

	require.NoError(t, f.manager.BindIdentity(ctx, "u2"))
	f.waitStatus(t, "u2", StatusProvisional)

	rec, err := profile.NewRecord("Ghost", profile.Avatars()[1], nil, f.clock.Now())
	require.NoError(t, err)
	f.manager.onSnapshot(staleGen, "u1", &rec)

	current := f.manager.Current()
	assert.Equal(t, StatusProvisional, current.Status)
	assert.Equal(t, profile.Identity("u2"), current.Identity)
}

func TestReconciliationWriteFailure_PublishesNotice(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 3
		r.LastStudyDate = f.today.Previous()
		r.DailyProgress[profile.SubjectAnatomy] = 2
	})
	f.store.FailWrites(errors.New("permission denied"))

	require.NoError(t, f.manager.BindIdentity(context.Background(), "u1"))
	ready := f.waitStatus(t, "u1", StatusReady)

	assert.Equal(t, 3, ready.Record.Streak)
	assert.True(t, ready.Record.DailyProgress.IsZero())
	assert.Eventually(t, func() bool {
		return f.publisher.count(shared.EventWriteFailed) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, f.store.Writes())
}

// racingStore lets another device study anatomy right before the first write
// it receives lands.
type racingStore struct {
	*memory.ProfileStore
	today timeutil.DayKey
	once  sync.Once
}

func (s *racingStore) studyElsewhere(ctx context.Context, id profile.Identity) {
	s.once.Do(func() {
		rec, err := s.ProfileStore.Get(ctx, id)
		if err != nil || rec == nil {
			return
		}
		reconciled, dayPatch := profile.Reconcile(*rec, s.today)
		_, studyPatch := profile.ApplyStudyEvent(reconciled, s.today, profile.SubjectAnatomy)
		_ = s.ProfileStore.Update(ctx, id, dayPatch.Merge(studyPatch))
	})
}

func (s *racingStore) Update(ctx context.Context, id profile.Identity, p profile.Patch) error {
	s.studyElsewhere(ctx, id)
	return s.ProfileStore.Update(ctx, id, p)
}

func (s *racingStore) UpdateIfUnchanged(ctx context.Context, id profile.Identity, last timeutil.DayKey, p profile.Patch) (bool, error) {
	s.studyElsewhere(ctx, id)
	return s.ProfileStore.UpdateIfUnchanged(ctx, id, last, p)
}

func TestReconciliation_DoesNotResetStudyFromAnotherDevice(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 5
		r.LastStudyDate = f.today.AddDays(-3)
		r.DailyProgress[profile.SubjectAnatomy] = 4
		r.TotalCardsRead = 10
	})

	store := &racingStore{ProfileStore: f.store, today: f.today}
	m, err := NewManager(Config{
		Store:     store,
		Policy:    timeutil.UTCPolicy(),
		Clock:     f.clock,
		Publisher: f.publisher,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.BindIdentity(context.Background(), "u1"))

	require.Eventually(t, func() bool {
		s := m.Current()
		return s.IsReady() && s.Record.LastStudyDate == f.today
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	rec, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Streak)
	assert.Equal(t, f.today, rec.LastStudyDate)
	assert.Equal(t, 1, rec.DailyProgress[profile.SubjectAnatomy])
	assert.Equal(t, 11, rec.TotalCardsRead)

	ready := m.Current()
	assert.Equal(t, 1, ready.Record.Streak)
	assert.Equal(t, 1, ready.Record.DailyProgress[profile.SubjectAnatomy])

	assert.Equal(t, 0, f.publisher.count(shared.EventDailyReset))
	assert.Equal(t, 0, f.publisher.count(shared.EventDailyStreakBroken))
	assert.Equal(t, 0, f.publisher.count(shared.EventWriteFailed))
}

// flakySubscribeStore fails the first failures subscribe calls.
type flakySubscribeStore struct {
	*memory.ProfileStore
	failures int32
	calls    atomic.Int32
}

func (s *flakySubscribeStore) Subscribe(ctx context.Context, id profile.Identity, fn profile.Listener) (profile.Subscription, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, errors.New("change feed unavailable")
	}
	return s.ProfileStore.Subscribe(ctx, id, fn)
}

func TestBindIdentity_SubscribeFailure(t *testing.T) {
	tests := []struct {
		name       string
		failures   int32
		wantErr    bool
		wantStatus Status
		wantCalls  int32
	}{
		{name: "recovers after a retry", failures: 1, wantStatus: StatusReady, wantCalls: 2},
		{name: "gives up", failures: 100, wantErr: true, wantStatus: StatusUnauthenticated, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "u1", nil)
			store := &flakySubscribeStore{ProfileStore: f.store, failures: tt.failures}

			m, err := NewManager(Config{
				Store:  store,
				Policy: timeutil.UTCPolicy(),
				Clock:  f.clock,
				SubscribeRetrier: retry.New(
					retry.WithMaxAttempts(3),
					retry.WithInitialDelay(time.Millisecond),
					retry.WithRetryIf(func(error) bool { return true }),
				),
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = m.Close() })

			err = m.BindIdentity(context.Background(), "u1")
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			assert.Eventually(t, func() bool {
				return m.Current().Status == tt.wantStatus
			}, waitFor, tick)
			assert.Equal(t, tt.wantCalls, store.calls.Load())
		})
	}
}

// slowPublisher delays every event so notices are still queued at Close.
type slowPublisher struct {
	capturePublisher
}

func (p *slowPublisher) Publish(e shared.Event) error {
	time.Sleep(10 * time.Millisecond)
	return p.capturePublisher.Publish(e)
}

func TestClose_PublishesQueuedNotices(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 3
		r.LastStudyDate = f.today.Previous()
		r.DailyProgress[profile.SubjectAnatomy] = 2
	})
	f.store.FailWrites(errors.New("permission denied"))

	publisher := &slowPublisher{}
	m, err := NewManager(Config{
		Store:     f.store,
		Policy:    timeutil.UTCPolicy(),
		Clock:     f.clock,
		Publisher: publisher,
	})
	require.NoError(t, err)

	require.NoError(t, m.BindIdentity(context.Background(), "u1"))
	require.Eventually(t, func() bool { return m.Current().IsReady() }, waitFor, tick)

	require.NoError(t, m.Close())
	assert.Equal(t, 1, publisher.count(shared.EventWriteFailed))
}

func TestRefresh_ReconcilesAfterMidnight(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 1
		r.LastStudyDate = f.today
		r.DailyProgress[profile.SubjectBiochemistry] = 4
	})

	require.NoError(t, f.manager.BindIdentity(context.Background(), "u1"))
	f.waitStatus(t, "u1", StatusReady)

	f.clock.Advance(24 * time.Hour)
	f.manager.Refresh()

	require.Eventually(t, func() bool {
		s := f.manager.Current()
		return s.IsReady() && s.Record.DailyProgress.IsZero() && s.Record.Streak == 1
	}, waitFor, tick)
	assert.Eventually(t, func() bool { return f.store.Writes() == 2 }, waitFor, tick)
}

type fakeProvider struct {
	mu sync.Mutex
	fn func(profile.Identity)
}

func (p *fakeProvider) OnIdentityChange(fn func(profile.Identity)) func() {
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
	fn("")
	return func() {
		p.mu.Lock()
		p.fn = nil
		p.mu.Unlock()
	}
}

func (p *fakeProvider) emit(id profile.Identity) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func TestFollowIdentity(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", nil)
	provider := &fakeProvider{}

	cancel := f.manager.FollowIdentity(provider)
	assert.Equal(t, StatusUnauthenticated, f.manager.Current().Status)

	provider.emit("u1")
	f.waitStatus(t, "u1", StatusReady)

	cancel()
	provider.emit("")
	assert.Equal(t, StatusReady, f.manager.Current().Status)
}

func TestClose_IsIdempotentAndRejectsBinds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", nil)
	require.NoError(t, f.manager.BindIdentity(context.Background(), "u1"))
	f.waitStatus(t, "u1", StatusReady)

	require.NoError(t, f.manager.Close())
	require.NoError(t, f.manager.Close())

	assert.Equal(t, 0, f.store.Subscribers("u1"))
	assert.ErrorIs(t, f.manager.BindIdentity(context.Background(), "u2"), shared.ErrSessionClosed)
}

func TestState_Profile(t *testing.T) {
	_, _, err := Unauthenticated().Profile()
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	_, _, err = Provisional("u1").Profile()
	assert.ErrorIs(t, err, shared.ErrProfileNotReady)

	id, rec, err := Ready("u1", profile.Record{Streak: 2}).Profile()
	require.NoError(t, err)
	assert.Equal(t, profile.Identity("u1"), id)
	assert.Equal(t, 2, rec.Streak)
}
