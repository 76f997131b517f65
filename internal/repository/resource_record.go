package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
)

// ResourceRecordRepository — хранилище записей реестра артефактов.
// Записи не удаляются физически: удаление — это флаг deleted.
type ResourceRecordRepository interface {
	// Insert сохраняет новую запись. Дубликат artifact_id → ErrConflict.
	Insert(ctx context.Context, rec *model.ResourceRecord) error
	// GetByID возвращает запись по идентификатору артефакта.
	GetByID(ctx context.Context, artifactID string) (*model.ResourceRecord, error)
	// ListExpired возвращает неудалённые записи с expires_at <= now,
	// отсортированные по expires_at (самые просроченные первыми).
	// limit <= 0 — без ограничения.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.ResourceRecord, error)
	// MarkDeleted выставляет deleted и deleted_at, если запись ещё не удалена.
	// Возвращает true, если флаг изменён этим вызовом.
	MarkDeleted(ctx context.Context, artifactID string, at time.Time) (bool, error)
	// ListByOwner возвращает записи владельца, новые первыми.
	ListByOwner(ctx context.Context, owner model.Owner, includeDeleted bool, limit, offset int) ([]*model.ResourceRecord, error)
	// Statistics считает агрегаты по реестру на момент now.
	Statistics(ctx context.Context, now time.Time) (*model.LedgerStatistics, error)
}

type resourceRecordRepo struct {
	db DBTX
}

// NewResourceRecordRepository создаёт репозиторий реестра артефактов.
func NewResourceRecordRepository(db DBTX) ResourceRecordRepository {
	return &resourceRecordRepo{db: db}
}

const resourceColumns = `artifact_id, folder, user_id, guest_session_id, actor_class, size,
	display_name, mime_type, feature, created_at, expires_at, deleted, deleted_at`

// scanResource читает строку в ResourceRecord (порядок колонок — resourceColumns).
func scanResource(row pgx.Row) (*model.ResourceRecord, error) {
	rec := &model.ResourceRecord{}
	var folder, class string
	err := row.Scan(
		&rec.ArtifactID, &folder, &rec.UserID, &rec.GuestSessionID, &class, &rec.Size,
		&rec.DisplayName, &rec.MimeType, &rec.Feature, &rec.CreatedAt, &rec.ExpiresAt,
		&rec.Deleted, &rec.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Folder = model.Folder(folder)
	rec.ActorClass = model.ActorClass(class)
	return rec, nil
}

func (r *resourceRecordRepo) Insert(ctx context.Context, rec *model.ResourceRecord) error {
	query := `
		INSERT INTO resource_records (artifact_id, folder, user_id, guest_session_id, actor_class,
			size, display_name, mime_type, feature, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		rec.ArtifactID, string(rec.Folder), rec.UserID, rec.GuestSessionID, string(rec.ActorClass),
		rec.Size, rec.DisplayName, rec.MimeType, rec.Feature, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: артефакт %s уже зарегистрирован", ErrConflict, rec.ArtifactID)
		}
		return fmt.Errorf("ошибка регистрации артефакта: %w", err)
	}
	return nil
}

func (r *resourceRecordRepo) GetByID(ctx context.Context, artifactID string) (*model.ResourceRecord, error) {
	query := `SELECT ` + resourceColumns + ` FROM resource_records WHERE artifact_id = $1`

	rec, err := scanResource(r.db.QueryRow(ctx, query, artifactID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения артефакта: %w", err)
	}
	return rec, nil
}

func (r *resourceRecordRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.ResourceRecord, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM resource_records
		WHERE NOT deleted AND expires_at <= $1
		ORDER BY expires_at ASC, artifact_id ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения просроченных артефактов: %w", err)
	}
	defer rows.Close()

	return collectResources(rows)
}

func (r *resourceRecordRepo) MarkDeleted(ctx context.Context, artifactID string, at time.Time) (bool, error) {
	query := `
		UPDATE resource_records
		SET deleted = TRUE, deleted_at = $2
		WHERE artifact_id = $1 AND NOT deleted`

	tag, err := r.db.Exec(ctx, query, artifactID, at)
	if err != nil {
		return false, fmt.Errorf("ошибка пометки артефакта удалённым: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Ничего не изменено: либо уже удалён, либо записи нет
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM resource_records WHERE artifact_id = $1)`, artifactID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка проверки артефакта: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *resourceRecordRepo) ListByOwner(ctx context.Context, owner model.Owner, includeDeleted bool, limit, offset int) ([]*model.ResourceRecord, error) {
	column, value := "user_id", owner.UserID
	if owner.IsGuest() {
		column, value = "guest_session_id", owner.GuestSessionID
	}

	// column выбирается из фиксированного набора выше
	query := `SELECT ` + resourceColumns + ` FROM resource_records WHERE ` + column + ` = $1`
	if !includeDeleted {
		query += ` AND NOT deleted`
	}
	query += ` ORDER BY created_at DESC, artifact_id ASC LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения артефактов владельца: %w", err)
	}
	defer rows.Close()

	return collectResources(rows)
}

func (r *resourceRecordRepo) Statistics(ctx context.Context, now time.Time) (*model.LedgerStatistics, error) {
	stats := &model.LedgerStatistics{
		FilesByActorClass: make(map[string]int),
		FilesByFeature:    make(map[string]int),
	}

	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE NOT deleted AND expires_at <= $1),
			COUNT(*) FILTER (WHERE deleted)
		FROM resource_records`, now,
	).Scan(&stats.TotalFiles, &stats.ExpiredFiles, &stats.DeletedFiles)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта артефактов: %w", err)
	}

	if err := r.groupCount(ctx, "actor_class", stats.FilesByActorClass); err != nil {
		return nil, err
	}
	if err := r.groupCount(ctx, "feature", stats.FilesByFeature); err != nil {
		return nil, err
	}
	return stats, nil
}

// groupCount заполняет dst количеством записей по значениям column.
func (r *resourceRecordRepo) groupCount(ctx context.Context, column string, dst map[string]int) error {
	rows, err := r.db.Query(ctx,
		`SELECT `+column+`, COUNT(*) FROM resource_records GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("ошибка группировки по %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("ошибка сканирования группы %s: %w", column, err)
		}
		dst[key] = n
	}
	return rows.Err()
}

func collectResources(rows pgx.Rows) ([]*model.ResourceRecord, error) {
	var result []*model.ResourceRecord
	for rows.Next() {
		rec, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования артефакта: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
