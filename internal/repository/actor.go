package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
)

// ActorRepository — тарифы аутентифицированных пользователей.
type ActorRepository interface {
	GetByID(ctx context.Context, id string) (*model.Actor, error)
	// Upsert создаёт или обновляет тариф пользователя.
	Upsert(ctx context.Context, a *model.Actor) error
}

type actorRepo struct {
	db DBTX
}

// NewActorRepository создаёт репозиторий тарифов.
func NewActorRepository(db DBTX) ActorRepository {
	return &actorRepo{db: db}
}

func (r *actorRepo) GetByID(ctx context.Context, id string) (*model.Actor, error) {
	a := &model.Actor{}
	var tier string
	err := r.db.QueryRow(ctx,
		`SELECT id, tier, updated_at FROM actors WHERE id = $1`, id,
	).Scan(&a.ID, &tier, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	a.Tier = model.ActorClass(tier)
	return a, nil
}

func (r *actorRepo) Upsert(ctx context.Context, a *model.Actor) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO actors (id, tier, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = NOW()
		RETURNING updated_at`, a.ID, string(a.Tier),
	).Scan(&a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения тарифа пользователя: %w", err)
	}
	return nil
}
