package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/mailbox"
	"github.com/pulsecard/studysync/pkg/retry"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// notifyChannel is the LISTEN channel the profiles trigger notifies on.
const notifyChannel = "profile_changed"

const profileColumns = `identity, display_name, avatar_ref, streak, last_study_date,
	total_cards_read, daily_goals, daily_progress, created_at`

// ProfileStore implements profile.Store, profile.Reader, profile.StaleLister
// and profile.GuardedUpdater.
type ProfileStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewProfileStore creates a new store. Run Migrate first.
func NewProfileStore(conn *Connection, logger *slog.Logger) *ProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileStore{
		conn:   conn,
		logger: logger.With("component", "postgres_profile_store"),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITES
// ══════════════════════════════════════════════════════════════════════════════

// Update implements profile.Store with a single UPDATE statement.
func (s *ProfileStore) Update(ctx context.Context, id profile.Identity, p profile.Patch) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("postgres: update %s: %w", id, err)
	}
	if p.IsEmpty() {
		return nil
	}

	query, args, err := buildUpdate(id, p)
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", id, err)
	}

	tag, err := s.conn.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrProfileNotFound
	}
	return nil
}

// UpdateIfUnchanged implements profile.GuardedUpdater.
func (s *ProfileStore) UpdateIfUnchanged(ctx context.Context, id profile.Identity, lastStudyDate timeutil.DayKey, p profile.Patch) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("postgres: update %s: %w", id, err)
	}
	if p.IsEmpty() {
		return true, nil
	}

	query, args, err := buildGuardedUpdate(id, lastStudyDate, p)
	if err != nil {
		return false, fmt.Errorf("postgres: update %s: %w", id, err)
	}

	tag, err := s.conn.Pool().Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("postgres: update %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
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

	goals, err := json.Marshal(rec.DailyGoals)
	if err != nil {
		return fmt.Errorf("postgres: create %s: %w", id, err)
	}
	progress, err := json.Marshal(rec.DailyProgress)
	if err != nil {
		return fmt.Errorf("postgres: create %s: %w", id, err)
	}

	query := `
		INSERT INTO profiles (` + profileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)
		ON CONFLICT (identity) DO NOTHING`

	tag, err := s.conn.Pool().Exec(ctx, query,
		id.String(),
		rec.DisplayName,
		rec.AvatarRef,
		rec.Streak,
		dateArg(rec.LastStudyDate),
		rec.TotalCardsRead,
		string(goals),
		string(progress),
		rec.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrProfileExists
		}
		return fmt.Errorf("postgres: create %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrProfileExists
	}
	return nil
}

// buildUpdate composes one UPDATE for a patch. Sets are applied first and
// increments read the post-set value, so a set and an increment of the same
// progress field in one patch yield set + delta.
func buildUpdate(id profile.Identity, p profile.Patch) (string, []interface{}, error) {
	args := []interface{}{id.String()}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var assignments []string

	if p.Streak != nil {
		assignments = append(assignments, "streak = "+arg(*p.Streak))
	}
	if p.LastStudyDate != nil {
		assignments = append(assignments, "last_study_date = "+arg(dateArg(*p.LastStudyDate))+"::date")
	}
	if p.DailyGoals != nil {
		goals, err := json.Marshal(p.DailyGoals)
		if err != nil {
			return "", nil, err
		}
		assignments = append(assignments, "daily_goals = "+arg(string(goals))+"::jsonb")
	}

	progress := "daily_progress"
	if len(p.DailyProgress) > 0 {
		sets, err := json.Marshal(p.DailyProgress)
		if err != nil {
			return "", nil, err
		}
		progress = "(daily_progress || " + arg(string(sets)) + "::jsonb)"
	}

	var bumped []string
	for _, f := range sortedIncrements(p) {
		delta := p.Increments[f]
		if f == profile.FieldTotalCardsRead {
			assignments = append(assignments, "total_cards_read = total_cards_read + "+arg(delta))
			continue
		}
		subject, _ := f.Subject()
		key := arg(string(subject))
		bumped = append(bumped, fmt.Sprintf("%s::text, COALESCE((%s->>%s::text)::bigint, 0) + %s",
			key, progress, key, arg(delta)))
	}

	switch {
	case len(bumped) > 0:
		assignments = append(assignments, fmt.Sprintf("daily_progress = %s || jsonb_build_object(%s)",
			progress, strings.Join(bumped, ", ")))
	case progress != "daily_progress":
		assignments = append(assignments, "daily_progress = "+progress)
	}

	if len(assignments) == 0 {
		return "", nil, errors.New("empty patch")
	}

	query := "UPDATE profiles SET " + strings.Join(assignments, ", ") + " WHERE identity = $1"
	return query, args, nil
}

// buildGuardedUpdate narrows buildUpdate to rows whose last study date is
// still lastStudyDate. A NULL column matches the zero date.
func buildGuardedUpdate(id profile.Identity, lastStudyDate timeutil.DayKey, p profile.Patch) (string, []interface{}, error) {
	query, args, err := buildUpdate(id, p)
	if err != nil {
		return "", nil, err
	}
	args = append(args, dateArg(lastStudyDate))
	query += fmt.Sprintf(" AND last_study_date IS NOT DISTINCT FROM $%d::date", len(args))
	return query, args, nil
}

func sortedIncrements(p profile.Patch) []profile.FieldPath {
	fields := make([]profile.FieldPath, 0, len(p.Increments))
	for f, delta := range p.Increments {
		if delta != 0 {
			fields = append(fields, f)
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

// dateArg maps the zero day to SQL NULL.
func dateArg(d timeutil.DayKey) interface{} {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// Get implements profile.Reader.
func (s *ProfileStore) Get(ctx context.Context, id profile.Identity) (*profile.Record, error) {
	row := s.conn.Pool().QueryRow(ctx, "SELECT "+profileColumns+" FROM profiles WHERE identity = $1", id.String())

	rec, malformed, err := scanRecord(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get %s: %w", id, err)
	}
	if len(malformed) > 0 {
		s.logger.Warn("malformed profile fields replaced by defaults", "identity", id, "fields", malformed)
	}
	return &rec, nil
}

// ListStale implements profile.StaleLister.
func (s *ProfileStore) ListStale(ctx context.Context, today timeutil.DayKey, limit int) ([]profile.Identity, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.conn.Pool().Query(ctx, `
		SELECT identity FROM profiles
		WHERE last_study_date < $1::date
		  AND (
		        EXISTS (SELECT 1 FROM jsonb_each_text(daily_progress) p WHERE p.value <> '0')
		        OR (last_study_date < $2::date AND streak <> 0)
		      )
		ORDER BY identity
		LIMIT $3`,
		today.String(), today.Previous().String(), limitArg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale: %w", err)
	}

	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profile.Identity, error) {
		var id string
		err := row.Scan(&id)
		return profile.Identity(id), err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale: %w", err)
	}
	return ids, nil
}

func scanRecord(row pgx.Row) (profile.Record, []string, error) {
	var (
		identity        string
		rec             profile.Record
		lastStudy       *time.Time
		total           int64
		goalsJSON       []byte
		progressJSON    []byte
		malformed       []string
		decodeErr       error
		goals, progress map[string]int
	)

	err := row.Scan(&identity, &rec.DisplayName, &rec.AvatarRef, &rec.Streak, &lastStudy,
		&total, &goalsJSON, &progressJSON, &rec.CreatedAt)
	if err != nil {
		return profile.Record{}, nil, err
	}

	rec.TotalCardsRead = int(total)
	if lastStudy != nil {
		rec.LastStudyDate = timeutil.DayKeyOf(*lastStudy, time.UTC)
	}

	if goals, decodeErr = decodeCounters(goalsJSON); decodeErr != nil {
		malformed = append(malformed, "daily_goals")
	}
	if progress, decodeErr = decodeCounters(progressJSON); decodeErr != nil {
		malformed = append(malformed, "daily_progress")
	}

	rec.DailyGoals = make(profile.Goals, len(profile.Subjects()))
	rec.DailyProgress = make(profile.Progress, len(profile.Subjects()))
	for _, subject := range profile.Subjects() {
		rec.DailyGoals[subject] = goals[string(subject)]
		rec.DailyProgress[subject] = progress[string(subject)]
	}

	return rec, malformed, nil
}

// decodeCounters reads a JSONB object of subject counters. Non-numeric
// entries are skipped and reported.
func decodeCounters(raw []byte) (map[string]int, error) {
	out := make(map[string]int)
	if len(raw) == 0 {
		return out, nil
	}

	var values map[string]interface{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return out, err
	}

	var bad []string
	for k, v := range values {
		n, ok := v.(float64)
		if !ok {
			bad = append(bad, k)
			continue
		}
		out[k] = int(n)
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return out, fmt.Errorf("non-numeric counters: %s", strings.Join(bad, ", "))
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTIONS
// ══════════════════════════════════════════════════════════════════════════════

// Subscribe implements profile.Store.
// Each subscription holds one pooled connection in LISTEN mode. LISTEN is
// active before the first read, so no committed change can be missed.
func (s *ProfileStore) Subscribe(ctx context.Context, id profile.Identity, fn profile.Listener) (profile.Subscription, error) {
	if id.IsZero() {
		return nil, shared.ErrInvalidIdentity
	}

	conn, err := s.listen(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: subscribe %s: %w", id, err)
	}

	mb := mailbox.New(func(rec *profile.Record) { fn(rec) }, func(r any) {
		s.logger.Error("subscriber panicked", "identity", id, "panic", r)
	})

	subCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.watch(subCtx, id, conn, mb)
	}()

	return profile.OnceSubscription(func() {
		cancel()
		<-done
		mb.Close()
	}), nil
}

func (s *ProfileStore) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.conn.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Conn().Close(ctx)
		conn.Release()
		return nil, err
	}
	return conn, nil
}

// release returns a listening connection to the pool, or destroys it when it
// cannot be cleaned up.
func (s *ProfileStore) release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

func (s *ProfileStore) watch(ctx context.Context, id profile.Identity, conn *pgxpool.Conn, mb *mailbox.Mailbox[*profile.Record]) {
	s.deliver(ctx, id, mb)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			s.release(conn)
			if ctx.Err() != nil {
				return
			}

			s.logger.Warn("change feed dropped, re-listening", "identity", id, "error", err)
			conn, err = s.relisten(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("change feed lost", "identity", id, "error", err)
				}
				return
			}
			// Changes may have been committed while the feed was down.
			s.deliver(ctx, id, mb)
			continue
		}

		if n.Payload == id.String() {
			s.deliver(ctx, id, mb)
		}
	}
}

func (s *ProfileStore) relisten(ctx context.Context) (*pgxpool.Conn, error) {
	retrier := retry.ResubscribeRetrier(func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("re-listen failed", "attempt", attempt, "retry_in", delay, "error", err)
	})

	var conn *pgxpool.Conn
	err := retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = s.listen(ctx)
		return err
	})
	return conn, err
}

func (s *ProfileStore) deliver(ctx context.Context, id profile.Identity, mb *mailbox.Mailbox[*profile.Record]) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to read profile after change", "identity", id, "error", err)
		}
		return
	}
	mb.Post(rec)
}
