// guest_sessions.go — реестр гостевых сессий.
//
// Сессия живёт фиксированное окно от создания; активность его не продлевает.
// Истёкшая сессия удаляется при первом обращении к ней (Get) и фоновой
// очисткой (Purge). Счётчики функций только растут.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/quota"
	"github.com/bigkaa/docforge/lifecycle-module/internal/repository"
)

var (
	guestSessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_guest_sessions_created_total",
		Help: "Общее количество созданных гостевых сессий",
	})

	guestSessionsPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_guest_sessions_purged_total",
		Help: "Общее количество удалённых истёкших гостевых сессий",
	})
)

// DefaultGuestSessionWindow — окно жизни гостевой сессии по умолчанию.
const DefaultGuestSessionWindow = 24 * time.Hour

// GuestSessionRegistry — сервис гостевых сессий.
type GuestSessionRegistry struct {
	repo          repository.GuestSessionRepository
	limits        *quota.Limits
	window        time.Duration
	purgeInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGuestSessionRegistry создаёт реестр гостевых сессий.
func NewGuestSessionRegistry(
	repo repository.GuestSessionRepository,
	limits *quota.Limits,
	window time.Duration,
	purgeInterval time.Duration,
	logger *slog.Logger,
) *GuestSessionRegistry {
	if window <= 0 {
		window = DefaultGuestSessionWindow
	}
	return &GuestSessionRegistry{
		repo:          repo,
		limits:        limits,
		window:        window,
		purgeInterval: purgeInterval,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger.With(slog.String("component", "guest_sessions")),
	}
}

// Window возвращает окно жизни сессии.
func (r *GuestSessionRegistry) Window() time.Duration {
	return r.window
}

// Limits возвращает лимиты квот.
func (r *GuestSessionRegistry) Limits() *quota.Limits {
	return r.limits
}

// Create создаёт сессию для IP с нулевыми счётчиками.
func (r *GuestSessionRegistry) Create(ctx context.Context, ip string) (*model.GuestSession, error) {
	now := r.now()
	s := &model.GuestSession{
		ID:             uuid.New().String(),
		IPAddress:      ip,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.window),
		LastActivityAt: now,
	}

	if err := r.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("ошибка создания гостевой сессии: %w", err)
	}
	guestSessionsCreatedTotal.Inc()

	r.logger.Debug("Гостевая сессия создана",
		slog.String("session_id", s.ID),
		slog.String("ip", ip),
		slog.Time("expires_at", s.ExpiresAt),
	)
	return s, nil
}

// Get возвращает живую сессию. Истёкшая сессия удаляется, и возвращается ErrNotFound.
func (r *GuestSessionRegistry) Get(ctx context.Context, id string) (*model.GuestSession, error) {
	s, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := r.now()
	if !s.IsExpired(now) {
		return s, nil
	}

	deleted, err := r.repo.DeleteExpiredByID(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if deleted {
		guestSessionsPurgedTotal.Inc()
		r.logger.Debug("Истёкшая гостевая сессия удалена при обращении",
			slog.String("session_id", id),
		)
	}
	return nil, ErrNotFound
}

// FindActiveByIP возвращает живую сессию IP с самой поздней активностью.
func (r *GuestSessionRegistry) FindActiveByIP(ctx context.Context, ip string) (*model.GuestSession, error) {
	s, err := r.repo.FindActiveByIP(ctx, ip, r.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// Touch обновляет время последней активности. Срок жизни не продлевается.
func (r *GuestSessionRegistry) Touch(ctx context.Context, id string) (time.Time, error) {
	now := r.now()
	if err := r.repo.Touch(ctx, id, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return now, nil
}

// IncrementCounter атомарно увеличивает счётчик функции на единицу.
func (r *GuestSessionRegistry) IncrementCounter(ctx context.Context, id string, feature model.Feature) (*model.GuestSession, error) {
	s, err := r.repo.IncrementCounter(ctx, id, feature, r.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// CanPerform проверяет квоту функции.
// Отсутствующая или истёкшая сессия → Allowed=false без ошибки.
// Сбой чтения → Allowed=false и ошибка: квота никогда не открывается при сбое.
func (r *GuestSessionRegistry) CanPerform(ctx context.Context, id string, feature model.Feature) (quota.Decision, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return r.limits.Evaluate(nil, feature, r.now()), nil
		}
		return quota.Decision{Feature: feature, MaxCount: r.limits.Max(feature)}, err
	}
	return r.limits.Evaluate(s, feature, r.now()), nil
}

// Status возвращает решения по всем функциям для сессии.
func (r *GuestSessionRegistry) Status(ctx context.Context, id string) ([]quota.Decision, error) {
	s, err := r.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := r.now()
	decisions := make([]quota.Decision, 0, len(model.AllFeatures))
	for _, f := range model.AllFeatures {
		decisions = append(decisions, r.limits.Evaluate(s, f, now))
	}
	return decisions, nil
}

// Purge удаляет все истёкшие сессии. Возвращает количество удалённых.
func (r *GuestSessionRegistry) Purge(ctx context.Context) (int, error) {
	n, err := r.repo.DeleteExpired(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		guestSessionsPurgedTotal.Add(float64(n))
		r.logger.Info("Истёкшие гостевые сессии удалены", slog.Int("count", n))
	}
	return n, nil
}

// Start запускает периодическую очистку истёкших сессий.
// purgeInterval <= 0 — фоновая очистка отключена.
func (r *GuestSessionRegistry) Start(ctx context.Context) {
	if r.purgeInterval <= 0 {
		r.logger.Info("Фоновая очистка гостевых сессий отключена")
		return
	}

	purgeCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-purgeCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.Purge(purgeCtx); err != nil && purgeCtx.Err() == nil {
					r.logger.Error("Ошибка очистки гостевых сессий", slog.String("error", err.Error()))
				}
			}
		}
	}()

	r.logger.Info("Фоновая очистка гостевых сессий запущена",
		slog.String("interval", r.purgeInterval.String()),
	)
}

// Stop останавливает фоновую очистку.
func (r *GuestSessionRegistry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("Фоновая очистка гостевых сессий остановлена")
}
