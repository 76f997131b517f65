// guest.go — состояние гостевых квот для текущего запроса.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/docforge/lifecycle-module/internal/api/middleware"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/quota"
)

// GuestHandler — обработчик /api/v1/guest.
type GuestHandler struct {
	quotas QuotaReporter
	logger *slog.Logger
}

// NewGuestHandler создаёт обработчик гостевых квот.
func NewGuestHandler(quotas QuotaReporter, logger *slog.Logger) *GuestHandler {
	return &GuestHandler{
		quotas: quotas,
		logger: logger.With(slog.String("component", "guest_handler")),
	}
}

type quotaStatusResponse struct {
	Authenticated bool             `json:"authenticated"`
	SessionID     string           `json:"sessionId,omitempty"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
	Source        string           `json:"source,omitempty"`
	Features      []quota.Decision `json:"features"`
}

// QuotaStatus обрабатывает GET /api/v1/guest/quota.
// Для аутентифицированного пользователя квоты не применяются: features пуст.
func (h *GuestHandler) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	req := middleware.RequesterFromContext(r.Context())

	if req.Authenticated() || req.Session == nil {
		writeJSON(w, http.StatusOK, quotaStatusResponse{
			Authenticated: req.Authenticated(),
			Features:      []quota.Decision{},
		})
		return
	}

	decisions, err := h.quotas.Status(r.Context(), req.Session.ID)
	if err != nil {
		writeServiceError(w, h.logger, "quota_status", err)
		return
	}

	expiresAt := req.Session.ExpiresAt
	writeJSON(w, http.StatusOK, quotaStatusResponse{
		SessionID: req.Session.ID,
		ExpiresAt: &expiresAt,
		Source:    string(req.SessionSource.Kind),
		Features:  decisions,
	})
}
