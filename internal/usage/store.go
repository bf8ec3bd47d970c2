// Package usage persists per-key token counters partitioned by UTC day.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hragent/usageguard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DayLayout is the format of a day partition.
const DayLayout = "2006-01-02"

const defaultTimeout = 5 * time.Second

var (
	// ErrStoreUnavailable wraps every database failure surfaced by Store.
	ErrStoreUnavailable = errors.New("usage: durable store unavailable")
	// ErrInvalidDelta is returned for negative increments.
	ErrInvalidDelta = errors.New("usage: negative delta")
	// ErrInvalidKey is returned for empty usage keys or day partitions.
	ErrInvalidKey = errors.New("usage: empty key")
)

// Partition returns the UTC day partition that t falls into.
func Partition(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// DayUsage is one partition of a key's history.
type DayUsage struct {
	Day    string `json:"day"`
	Tokens int64  `json:"tokens"`
}

// Failure describes a reconciliation job that could not be applied.
type Failure struct {
	JobID    string
	Kind     string
	UsageKey string
	Day      string
	Payload  []byte
	Err      error
	FailedAt time.Time
}

// Store is the durable counter store.
type Store struct {
	db      *gorm.DB
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to compute today's partition.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTimeout bounds every database call.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewStore constructs a Store backed by GORM.
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today returns the partition for the store clock's current instant.
func (s *Store) Today() string {
	return Partition(s.now())
}

// IncrementOrCreate adds delta to key's counter in today's partition.
func (s *Store) IncrementOrCreate(ctx context.Context, key string, delta int64) error {
	return s.IncrementOrCreateDay(ctx, s.Today(), key, delta)
}

// IncrementOrCreateDay adds delta to key's counter in the given partition,
// creating the row at delta when absent. The write is a single upsert so
// concurrent increments for the same key always sum.
func (s *Store) IncrementOrCreateDay(ctx context.Context, day, key string, delta int64) error {
	day, key = strings.TrimSpace(day), strings.TrimSpace(key)
	if day == "" || key == "" {
		return ErrInvalidKey
	}
	if delta < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDelta, delta)
	}
	if delta == 0 {
		return nil
	}

	dbCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	row := models.TokenUsage{Day: day, UsageKey: key, Tokens: delta, CreatedAt: now, UpdatedAt: now}
	errUpsert := s.db.WithContext(dbCtx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "usage_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"tokens":     gorm.Expr("token_usages.tokens + ?", delta),
			"updated_at": now,
		}),
	}).Create(&row).Error
	if errUpsert != nil {
		return fmt.Errorf("%w: increment %s/%s: %w", ErrStoreUnavailable, day, key, errUpsert)
	}
	return nil
}

// Read returns key's counter in today's partition; ok is false when no row exists.
func (s *Store) Read(ctx context.Context, key string) (int64, bool, error) {
	return s.ReadDay(ctx, s.Today(), key)
}

// ReadDay returns key's counter in the given partition.
func (s *Store) ReadDay(ctx context.Context, day, key string) (int64, bool, error) {
	day, key = strings.TrimSpace(day), strings.TrimSpace(key)
	if day == "" || key == "" {
		return 0, false, ErrInvalidKey
	}

	dbCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row models.TokenUsage
	errFind := s.db.WithContext(dbCtx).
		Select("tokens").
		Where("day = ? AND usage_key = ?", day, key).
		Take(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if errFind != nil {
		return 0, false, fmt.Errorf("%w: read %s/%s: %w", ErrStoreUnavailable, day, key, errFind)
	}
	return row.Tokens, true, nil
}

// History lists key's counters for the last days partitions ending today,
// newest first. Days without usage are reported with zero tokens.
func (s *Store) History(ctx context.Context, key string, days int) ([]DayUsage, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidKey
	}
	if days <= 0 {
		return []DayUsage{}, nil
	}

	today := s.now().UTC()
	partitions := make([]string, days)
	for i := range partitions {
		partitions[i] = Partition(today.AddDate(0, 0, -i))
	}

	dbCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []models.TokenUsage
	if errFind := s.db.WithContext(dbCtx).
		Select("day", "tokens").
		Where("usage_key = ? AND day IN ?", key, partitions).
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("%w: history %s: %w", ErrStoreUnavailable, key, errFind)
	}

	byDay := make(map[string]int64, len(rows))
	for _, row := range rows {
		byDay[row.Day] = row.Tokens
	}
	out := make([]DayUsage, 0, days)
	for _, day := range partitions {
		out = append(out, DayUsage{Day: day, Tokens: byDay[day]})
	}
	return out, nil
}

// RecordFailure stores a failed reconciliation job for later inspection.
func (s *Store) RecordFailure(ctx context.Context, failure Failure) error {
	failedAt := failure.FailedAt
	if failedAt.IsZero() {
		failedAt = s.now()
	}
	message := ""
	if failure.Err != nil {
		message = failure.Err.Error()
	}
	row := models.JobFailure{
		JobID:     failure.JobID,
		Kind:      failure.Kind,
		UsageKey:  failure.UsageKey,
		Day:       failure.Day,
		Error:     message,
		FailedAt:  failedAt.UTC(),
		CreatedAt: s.now().UTC(),
	}
	if len(failure.Payload) > 0 {
		row.Payload = datatypes.JSON(failure.Payload)
	}

	dbCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if errCreate := s.db.WithContext(dbCtx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("%w: record failure %s: %w", ErrStoreUnavailable, failure.JobID, errCreate)
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, errDB := s.db.DB()
	if errDB != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, errDB)
	}
	dbCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if errPing := sqlDB.PingContext(dbCtx); errPing != nil {
		return fmt.Errorf("%w: ping: %w", ErrStoreUnavailable, errPing)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}
