// actors.go — справочник тарифов аутентифицированных пользователей.
// Обёртка над ActorRepository с expirable LRU-кэшем.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/repository"
)

// Prometheus-метрики кэша тарифов.
var (
	actorCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_actor_cache_hits_total",
		Help: "Общее количество попаданий в кэш тарифов пользователей.",
	})
	actorCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_actor_cache_misses_total",
		Help: "Общее количество промахов кэша тарифов пользователей.",
	})
)

// ActorDirectory — тарифы пользователей с кэшированием.
// Каждый экземпляр сервиса держит собственный кэш; устаревание ограничено TTL.
type ActorDirectory struct {
	repo   repository.ActorRepository
	cache  *expirable.LRU[string, model.ActorClass]
	logger *slog.Logger
}

// NewActorDirectory создаёт справочник с кэшем на maxSize записей и TTL.
func NewActorDirectory(repo repository.ActorRepository, maxSize int, ttl time.Duration, logger *slog.Logger) *ActorDirectory {
	return &ActorDirectory{
		repo:   repo,
		cache:  expirable.NewLRU[string, model.ActorClass](maxSize, nil, ttl),
		logger: logger.With(slog.String("component", "actor_directory")),
	}
}

// Tier возвращает тариф пользователя. Неизвестный пользователь → ErrNotFound.
func (d *ActorDirectory) Tier(ctx context.Context, userID string) (model.ActorClass, error) {
	if tier, ok := d.cache.Get(userID); ok {
		actorCacheHitsTotal.Inc()
		return tier, nil
	}
	actorCacheMissesTotal.Inc()

	actor, err := d.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	d.cache.Add(userID, actor.Tier)
	return actor.Tier, nil
}

// Upsert сохраняет тариф пользователя и сбрасывает запись кэша.
// Допустимы только free и paid: гостевой класс выводится из сессии.
func (d *ActorDirectory) Upsert(ctx context.Context, userID string, tier string) (*model.Actor, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: пустой идентификатор пользователя", ErrValidation)
	}
	class, err := model.ParseActorClass(tier)
	if err != nil || class == model.ClassGuest {
		return nil, fmt.Errorf("%w: недопустимый тариф %q, допустимые: free, paid", ErrValidation, tier)
	}

	actor := &model.Actor{ID: userID, Tier: class}
	if err := d.repo.Upsert(ctx, actor); err != nil {
		return nil, err
	}
	d.cache.Remove(userID)

	d.logger.Info("Тариф пользователя обновлён",
		slog.String("user_id", userID),
		slog.String("tier", string(class)),
	)
	return actor, nil
}
