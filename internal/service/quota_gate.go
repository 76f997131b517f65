// quota_gate.go — проверка гостевой квоты вокруг квотируемой операции.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/quota"
)

var (
	quotaRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_quota_rejections_total",
		Help: "Количество отказов по гостевой квоте",
	}, []string{"feature"})

	quotaConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_quota_consumed_total",
		Help: "Количество учтённых гостевых операций",
	}, []string{"feature"})
)

// QuotaRegistry — операции реестра сессий, нужные для квоты.
type QuotaRegistry interface {
	CanPerform(ctx context.Context, id string, feature model.Feature) (quota.Decision, error)
	IncrementCounter(ctx context.Context, id string, feature model.Feature) (*model.GuestSession, error)
}

// QuotaGate — обёртка квотируемых операций.
type QuotaGate struct {
	registry QuotaRegistry
	limits   *quota.Limits
	logger   *slog.Logger
}

// NewQuotaGate создаёт проверку квоты.
func NewQuotaGate(registry QuotaRegistry, limits *quota.Limits, logger *slog.Logger) *QuotaGate {
	return &QuotaGate{
		registry: registry,
		limits:   limits,
		logger:   logger.With(slog.String("component", "quota_gate")),
	}
}

// Run выполняет op с учётом квоты функции.
//
// Аутентифицированный запрос выполняется без проверки и без учёта.
// Гостевой запрос проверяется до op: при исчерпанной квоте op не вызывается
// и возвращается *QuotaExceededError. Счётчик увеличивается один раз и только
// после успешного op. Сбой проверки квоты отказывает в операции.
func (g *QuotaGate) Run(ctx context.Context, req model.Requester, feature model.Feature, op func(ctx context.Context) error) error {
	if req.Authenticated() {
		return op(ctx)
	}

	if req.Session == nil {
		quotaRejectionsTotal.WithLabelValues(string(feature)).Inc()
		return &QuotaExceededError{Feature: feature, MaxCount: g.limits.Max(feature)}
	}
	sessionID := req.Session.ID

	decision, err := g.registry.CanPerform(ctx, sessionID, feature)
	if err != nil {
		return fmt.Errorf("ошибка проверки квоты %s: %w", feature, err)
	}
	if !decision.Allowed {
		quotaRejectionsTotal.WithLabelValues(string(feature)).Inc()
		g.logger.Info("Гостевая квота исчерпана",
			slog.String("session_id", sessionID),
			slog.String("feature", string(feature)),
			slog.Int("current", decision.CurrentCount),
			slog.Int("max", decision.MaxCount),
		)
		return &QuotaExceededError{
			Feature:      feature,
			CurrentCount: decision.CurrentCount,
			MaxCount:     decision.MaxCount,
		}
	}

	if err := op(ctx); err != nil {
		return err
	}

	updated, err := g.registry.IncrementCounter(ctx, sessionID, feature)
	if err != nil {
		return fmt.Errorf("ошибка учёта квоты %s: %w", feature, err)
	}
	quotaConsumedTotal.WithLabelValues(string(feature)).Inc()
	*req.Session = *updated

	return nil
}
