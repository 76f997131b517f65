package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
)

// GuestSessionRepository — хранилище гостевых сессий.
// Все изменения атомарны на уровне одной строки.
type GuestSessionRepository interface {
	// Create сохраняет новую сессию. Дубликат id → ErrConflict.
	Create(ctx context.Context, s *model.GuestSession) error
	// GetByID возвращает сессию без учёта срока жизни.
	GetByID(ctx context.Context, id string) (*model.GuestSession, error)
	// DeleteExpiredByID удаляет сессию, только если она истекла к now.
	// Возвращает true, если строка удалена.
	DeleteExpiredByID(ctx context.Context, id string, now time.Time) (bool, error)
	// FindActiveByIP возвращает живую сессию IP с самой поздней активностью.
	FindActiveByIP(ctx context.Context, ip string, now time.Time) (*model.GuestSession, error)
	// Touch обновляет last_activity_at живой сессии.
	Touch(ctx context.Context, id string, at time.Time) error
	// IncrementCounter атомарно увеличивает счётчик функции живой сессии
	// и обновляет last_activity_at.
	IncrementCounter(ctx context.Context, id string, feature model.Feature, at time.Time) (*model.GuestSession, error)
	// DeleteExpired удаляет все сессии, истёкшие к now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type guestSessionRepo struct {
	db DBTX
}

// NewGuestSessionRepository создаёт репозиторий гостевых сессий.
func NewGuestSessionRepository(db DBTX) GuestSessionRepository {
	return &guestSessionRepo{db: db}
}

const guestSessionColumns = `id, ip_address, created_at, expires_at, last_activity_at,
	merge_count, redaction_count, conversion_count, split_count, compression_count`

// counterColumns — единственный источник имён колонок для динамического UPDATE.
var counterColumns = map[model.Feature]string{
	model.FeatureMerge:       "merge_count",
	model.FeatureRedaction:   "redaction_count",
	model.FeatureConversion:  "conversion_count",
	model.FeatureSplit:       "split_count",
	model.FeatureCompression: "compression_count",
}

func scanGuestSession(row pgx.Row) (*model.GuestSession, error) {
	s := &model.GuestSession{}
	err := row.Scan(
		&s.ID, &s.IPAddress, &s.CreatedAt, &s.ExpiresAt, &s.LastActivityAt,
		&s.MergeCount, &s.RedactionCount, &s.ConversionCount, &s.SplitCount, &s.CompressionCount,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *guestSessionRepo) Create(ctx context.Context, s *model.GuestSession) error {
	query := `
		INSERT INTO guest_sessions (id, ip_address, created_at, expires_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Exec(ctx, query, s.ID, s.IPAddress, s.CreatedAt, s.ExpiresAt, s.LastActivityAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: сессия %s уже существует", ErrConflict, s.ID)
		}
		return fmt.Errorf("ошибка создания гостевой сессии: %w", err)
	}
	return nil
}

func (r *guestSessionRepo) GetByID(ctx context.Context, id string) (*model.GuestSession, error) {
	query := `SELECT ` + guestSessionColumns + ` FROM guest_sessions WHERE id = $1`

	s, err := scanGuestSession(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения гостевой сессии: %w", err)
	}
	return s, nil
}

func (r *guestSessionRepo) DeleteExpiredByID(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM guest_sessions WHERE id = $1 AND expires_at <= $2`, id, now)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления гостевой сессии: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *guestSessionRepo) FindActiveByIP(ctx context.Context, ip string, now time.Time) (*model.GuestSession, error) {
	query := `
		SELECT ` + guestSessionColumns + `
		FROM guest_sessions
		WHERE ip_address = $1 AND expires_at > $2
		ORDER BY last_activity_at DESC, created_at DESC
		LIMIT 1`

	s, err := scanGuestSession(r.db.QueryRow(ctx, query, ip, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска гостевой сессии по IP: %w", err)
	}
	return s, nil
}

func (r *guestSessionRepo) Touch(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE guest_sessions
		SET last_activity_at = GREATEST(last_activity_at, $2)
		WHERE id = $1 AND expires_at > $2`, id, at)
	if err != nil {
		return fmt.Errorf("ошибка обновления активности сессии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *guestSessionRepo) IncrementCounter(ctx context.Context, id string, feature model.Feature, at time.Time) (*model.GuestSession, error) {
	column, ok := counterColumns[feature]
	if !ok {
		return nil, fmt.Errorf("неизвестная функция квоты: %q", feature)
	}

	query := `
		UPDATE guest_sessions
		SET ` + column + ` = ` + column + ` + 1,
			last_activity_at = GREATEST(last_activity_at, $2)
		WHERE id = $1 AND expires_at > $2
		RETURNING ` + guestSessionColumns

	s, err := scanGuestSession(r.db.QueryRow(ctx, query, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка увеличения счётчика %s: %w", feature, err)
	}
	return s, nil
}

func (r *guestSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM guest_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки гостевых сессий: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
