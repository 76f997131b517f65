// admin.go — административный API: реестр артефактов, очистка,
// гостевые сессии, тарифы пользователей.
// Авторизация: RequireRole(admin) на уровне middleware.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/docforge/lifecycle-module/internal/api/errors"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/service"
)

// AdminLedger — чтение реестра для администратора.
type AdminLedger interface {
	Get(ctx context.Context, artifactID string) (*model.ResourceRecord, error)
	ListByOwner(ctx context.Context, owner model.Owner, includeDeleted bool, limit, offset int) ([]*model.ResourceRecord, error)
	Statistics(ctx context.Context) (*model.LedgerStatistics, error)
}

// SweepController — управление очисткой. Реализуется *service.Sweeper.
type SweepController interface {
	RunOnce(ctx context.Context) (*service.SweepResult, error)
	Reclaim(ctx context.Context, artifactID string) (*model.ResourceRecord, error)
	Status() service.SweeperStatus
}

// SessionPurger — удаление истёкших гостевых сессий.
type SessionPurger interface {
	Purge(ctx context.Context) (int, error)
}

// ActorWriter — запись тарифа пользователя.
type ActorWriter interface {
	Upsert(ctx context.Context, userID, tier string) (*model.Actor, error)
}

// AdminHandler — обработчик /api/v1/admin.
type AdminHandler struct {
	ledger   AdminLedger
	sweeper  SweepController
	sessions SessionPurger
	actors   ActorWriter
	logger   *slog.Logger
}

// NewAdminHandler создаёт административный обработчик.
func NewAdminHandler(
	ledger AdminLedger,
	sweeper SweepController,
	sessions SessionPurger,
	actors ActorWriter,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		ledger:   ledger,
		sweeper:  sweeper,
		sessions: sessions,
		actors:   actors,
		logger:   logger.With(slog.String("component", "admin_handler")),
	}
}

// GetStatistics обрабатывает GET /api/v1/admin/resources/statistics.
func (h *AdminHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Statistics(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListResources обрабатывает GET /api/v1/admin/resources.
// Ровно один из параметров userId, guestSessionId обязателен.
// Удалённые записи включаются.
func (h *AdminHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	owner := model.Owner{
		UserID:         r.URL.Query().Get("userId"),
		GuestSessionID: r.URL.Query().Get("guestSessionId"),
	}
	if !owner.Valid() {
		apierrors.ValidationError(w, "Укажите ровно один из параметров userId, guestSessionId")
		return
	}
	limit, offset := paginationParams(r)

	recs, err := h.ledger.ListByOwner(r.Context(), owner, true, limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, "list_resources", err)
		return
	}
	writeJSON(w, http.StatusOK, toFileList(recs, true, limit, offset))
}

// GetResource обрабатывает GET /api/v1/admin/resources/{id}.
func (h *AdminHandler) GetResource(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "get_resource", err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec, true))
}

// DeleteResource обрабатывает DELETE /api/v1/admin/resources/{id}.
// Объект удаляется из хранилища немедленно, запись помечается удалённой.
func (h *AdminHandler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sweeper.Reclaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "delete_resource", err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec, true))
}

// TriggerSweep обрабатывает POST /api/v1/admin/sweeps.
// Тик не прерывается при разрыве соединения клиентом.
func (h *AdminHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		if errors.Is(err, service.ErrSweepInProgress) {
			apierrors.Conflict(w, "Очистка уже выполняется")
			return
		}
		writeServiceError(w, h.logger, "trigger_sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type sweeperStatusResponse struct {
	service.SweeperStatus
	IntervalSeconds float64 `json:"intervalSeconds"`
}

// GetSweeperStatus обрабатывает GET /api/v1/admin/sweeper.
func (h *AdminHandler) GetSweeperStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.sweeper.Status()
	writeJSON(w, http.StatusOK, sweeperStatusResponse{
		SweeperStatus:   st,
		IntervalSeconds: st.Interval.Seconds(),
	})
}

// PurgeGuestSessions обрабатывает POST /api/v1/admin/guest-sessions/purge.
func (h *AdminHandler) PurgeGuestSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.sessions.Purge(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "purge_sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

type actorRequest struct {
	Tier string `json:"tier"`
}

type actorResponse struct {
	ID   string `json:"id"`
	Tier string `json:"tier"`
}

// PutActor обрабатывает PUT /api/v1/admin/actors/{id}.
func (h *AdminHandler) PutActor(w http.ResponseWriter, r *http.Request) {
	var body actorRequest
	if err := decodeJSON(r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	actor, err := h.actors.Upsert(r.Context(), chi.URLParam(r, "id"), body.Tier)
	if err != nil {
		writeServiceError(w, h.logger, "put_actor", err)
		return
	}
	writeJSON(w, http.StatusOK, actorResponse{ID: actor.ID, Tier: string(actor.Tier)})
}
