// handler.go — общие типы и вспомогательные функции HTTP-обработчиков.
// Обработчики зависят от узких интерфейсов сервисного слоя.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/docforge/lifecycle-module/internal/api/errors"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/quota"
	"github.com/bigkaa/docforge/lifecycle-module/internal/pdfclient"
	"github.com/bigkaa/docforge/lifecycle-module/internal/service"
)

// Processor — функции обработки от имени запрашивающего.
// Реализуется *service.ProcessingService.
type Processor interface {
	Upload(ctx context.Context, req model.Requester, r io.Reader, name, contentType string) (*service.Artifact, error)
	Merge(ctx context.Context, req model.Requester, in service.MergeRequest) (*service.Artifact, error)
	Split(ctx context.Context, req model.Requester, in service.SplitRequest) ([]*service.Artifact, error)
	Compress(ctx context.Context, req model.Requester, in service.CompressRequest) (*service.Artifact, error)
	Convert(ctx context.Context, req model.Requester, in service.ConvertRequest) (*service.Artifact, error)
	Redact(ctx context.Context, req model.Requester, in service.RedactRequest) (*service.Artifact, error)
	GetOwn(ctx context.Context, req model.Requester, artifactID string) (*model.ResourceRecord, error)
	ListOwn(ctx context.Context, req model.Requester, limit, offset int) ([]*model.ResourceRecord, error)
	DownloadURL(ctx context.Context, req model.Requester, artifactID string) (*service.Artifact, error)
	DetectPII(ctx context.Context, req model.Requester, in service.DetectPIIRequest) (*pdfclient.PIIResult, error)
}

// QuotaReporter — состояние квот гостевой сессии.
type QuotaReporter interface {
	Status(ctx context.Context, sessionID string) ([]quota.Decision, error)
}

// --- Ответы API ---

// fileResponse — запись реестра в ответе API.
type fileResponse struct {
	ArtifactID     string     `json:"artifactId"`
	Folder         string     `json:"folder"`
	DisplayName    string     `json:"displayName"`
	MimeType       string     `json:"mimeType"`
	Size           int64      `json:"size"`
	Feature        string     `json:"feature"`
	ActorClass     string     `json:"actorClass"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	Deleted        bool       `json:"deleted"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	UserID         *string    `json:"userId,omitempty"`
	GuestSessionID *string    `json:"guestSessionId,omitempty"`
	URL            string     `json:"url,omitempty"`
}

// fileListResponse — страница записей.
type fileListResponse struct {
	Items  []fileResponse `json:"items"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// toFileResponse конвертирует запись реестра. withOwner добавляет владельца
// (только для административного API).
func toFileResponse(rec *model.ResourceRecord, withOwner bool) fileResponse {
	resp := fileResponse{
		ArtifactID:  rec.ArtifactID,
		Folder:      string(rec.Folder),
		DisplayName: rec.DisplayName,
		MimeType:    rec.MimeType,
		Size:        rec.Size,
		Feature:     rec.Feature,
		ActorClass:  string(rec.ActorClass),
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		Deleted:     rec.Deleted,
		DeletedAt:   rec.DeletedAt,
	}
	if withOwner {
		resp.UserID = rec.UserID
		resp.GuestSessionID = rec.GuestSessionID
	}
	return resp
}

func toArtifactResponse(a *service.Artifact) fileResponse {
	resp := toFileResponse(a.Record, false)
	resp.URL = a.URL
	return resp
}

func toFileList(recs []*model.ResourceRecord, withOwner bool, limit, offset int) fileListResponse {
	items := make([]fileResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toFileResponse(rec, withOwner))
	}
	return fileListResponse{Items: items, Limit: limit, Offset: offset}
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса. Неизвестные поля — ошибка.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// paginationParams разбирает limit и offset из query.
// limit по умолчанию 100, ограничен диапазоном 1-1000.
func paginationParams(r *http.Request) (limit, offset int) {
	limit, offset = 100, 0

	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = min(max(v, 1), 1000)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// writeServiceError переводит ошибку сервисного слоя в ответ API.
// Неизвестные ошибки логируются и отдаются как 500.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var (
		quotaErr      *service.QuotaExceededError
		processingErr *service.ProcessingError
		ownerErr      *service.OwnerNotFoundError
		invalidOwner  *service.InvalidOwnerError
	)

	switch {
	case errors.As(err, &quotaErr):
		apierrors.QuotaExceeded(w, "Гостевая квота исчерпана, войдите в аккаунт для продолжения",
			apierrors.QuotaDetails{
				Feature:      string(quotaErr.Feature),
				CurrentCount: quotaErr.CurrentCount,
				MaxCount:     quotaErr.MaxCount,
			})
	case errors.As(err, &processingErr):
		apierrors.ProcessingFailed(w, processingErr.Detail)
	case errors.As(err, &ownerErr):
		apierrors.Forbidden(w, "Пользователь не зарегистрирован")
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Файл не найден")
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrEngineUnavailable):
		apierrors.PDFServiceUnavailable(w, "PDF-сервис недоступен, повторите позже")
	case errors.Is(err, service.ErrStorageUnavailable):
		apierrors.StorageUnavailable(w, "Хранилище недоступно, повторите позже")
	default:
		if errors.As(err, &invalidOwner) {
			// Запрос без владельца дошёл до сервиса: middleware не подключён
			logger.Error("Запрос без владельца", slog.String("op", op))
		} else {
			logger.Error("Ошибка обработки запроса",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
		}
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
