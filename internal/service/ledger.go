// ledger.go — реестр артефактов (Resource Ledger).
//
// Каждый артефакт в хранилище получает запись с владельцем, классом владельца
// и сроком аренды. Класс фиксируется при регистрации и не пересчитывается
// при смене тарифа. Записи не удаляются: удаление — флаг deleted.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/lease"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/repository"
)

// TierLookup — определение тарифа аутентифицированного пользователя.
// Неизвестный пользователь → ErrNotFound.
type TierLookup interface {
	Tier(ctx context.Context, userID string) (model.ActorClass, error)
}

// TrackInput — параметры регистрации артефакта.
type TrackInput struct {
	ArtifactID  string
	Folder      model.Folder
	Owner       model.Owner
	Size        int64
	DisplayName string
	MimeType    string
	Feature     string
}

// ResourceLedger — сервис реестра артефактов.
type ResourceLedger struct {
	repo   repository.ResourceRecordRepository
	tiers  TierLookup
	policy *lease.Policy
	now    func() time.Time
	logger *slog.Logger
}

// NewResourceLedger создаёт реестр артефактов.
func NewResourceLedger(
	repo repository.ResourceRecordRepository,
	tiers TierLookup,
	policy *lease.Policy,
	logger *slog.Logger,
) *ResourceLedger {
	return &ResourceLedger{
		repo:   repo,
		tiers:  tiers,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// Track регистрирует артефакт, уже записанный в хранилище.
// Гостевая сессия → класс guest; пользователь → тариф из справочника.
func (l *ResourceLedger) Track(ctx context.Context, in TrackInput) (*model.ResourceRecord, error) {
	if !in.Owner.Valid() {
		return nil, &InvalidOwnerError{Owner: in.Owner}
	}
	if _, err := model.ParseFolder(string(in.Folder)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.ArtifactID == "" {
		return nil, fmt.Errorf("%w: пустой идентификатор артефакта", ErrValidation)
	}

	class, err := l.classify(ctx, in.Owner)
	if err != nil {
		return nil, err
	}

	now := l.now()
	rec := &model.ResourceRecord{
		ArtifactID:  in.ArtifactID,
		Folder:      in.Folder,
		ActorClass:  class,
		Size:        in.Size,
		DisplayName: in.DisplayName,
		MimeType:    in.MimeType,
		Feature:     in.Feature,
		CreatedAt:   now,
		ExpiresAt:   l.policy.ExpiresAt(class, now),
	}
	if in.Owner.IsUser() {
		uid := in.Owner.UserID
		rec.UserID = &uid
	} else {
		gid := in.Owner.GuestSessionID
		rec.GuestSessionID = &gid
	}

	if err := l.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: артефакт %s", ErrConflict, in.ArtifactID)
		}
		return nil, err
	}

	l.logger.Debug("Артефакт зарегистрирован",
		slog.String("artifact_id", rec.ArtifactID),
		slog.String("folder", string(rec.Folder)),
		slog.String("actor_class", string(rec.ActorClass)),
		slog.String("feature", rec.Feature),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	return rec, nil
}

func (l *ResourceLedger) classify(ctx context.Context, owner model.Owner) (model.ActorClass, error) {
	if owner.IsGuest() {
		return model.ClassGuest, nil
	}
	tier, err := l.tiers.Tier(ctx, owner.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", &OwnerNotFoundError{UserID: owner.UserID}
		}
		return "", fmt.Errorf("ошибка определения тарифа %s: %w", owner.UserID, err)
	}
	return tier, nil
}

// ListExpired возвращает неудалённые записи с истёкшей арендой, самые просроченные первыми.
// limit <= 0 — все такие записи.
func (l *ResourceLedger) ListExpired(ctx context.Context, limit int) ([]*model.ResourceRecord, error) {
	return l.repo.ListExpired(ctx, l.now(), limit)
}

// MarkDeleted помечает запись удалённой. Повторный вызов — no-op.
// Неизвестный идентификатор → ErrNotFound.
func (l *ResourceLedger) MarkDeleted(ctx context.Context, artifactID string) error {
	changed, err := l.repo.MarkDeleted(ctx, artifactID, l.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if changed {
		l.logger.Debug("Артефакт помечен удалённым", slog.String("artifact_id", artifactID))
	}
	return nil
}

// Get возвращает запись по идентификатору артефакта.
func (l *ResourceLedger) Get(ctx context.Context, artifactID string) (*model.ResourceRecord, error) {
	rec, err := l.repo.GetByID(ctx, artifactID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListByOwner возвращает записи владельца, включая удалённые, если includeDeleted.
func (l *ResourceLedger) ListByOwner(ctx context.Context, owner model.Owner, includeDeleted bool, limit, offset int) ([]*model.ResourceRecord, error) {
	if !owner.Valid() {
		return nil, &InvalidOwnerError{Owner: owner}
	}
	return l.repo.ListByOwner(ctx, owner, includeDeleted, limit, offset)
}

// Statistics возвращает агрегаты по реестру.
func (l *ResourceLedger) Statistics(ctx context.Context) (*model.LedgerStatistics, error) {
	return l.repo.Statistics(ctx, l.now())
}
