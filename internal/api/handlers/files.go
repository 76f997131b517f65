// files.go — обработчики артефактов запрашивающего:
// загрузка исходника, список, метаданные, ссылка на скачивание.
// Скачивание по подписанной ссылке локального хранилища.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/docforge/lifecycle-module/internal/api/errors"
	"github.com/bigkaa/docforge/lifecycle-module/internal/api/middleware"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage/filestore"
)

// multipartOverhead — запас на заголовки multipart сверх размера файла.
const multipartOverhead = 1 << 20

// FilesHandler — обработчик /api/v1/files.
type FilesHandler struct {
	processor     Processor
	maxUploadSize int64
	logger        *slog.Logger
}

// NewFilesHandler создаёт обработчик артефактов.
func NewFilesHandler(processor Processor, maxUploadSize int64, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		processor:     processor,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "files_handler")),
	}
}

// UploadFile обрабатывает POST /api/v1/files.
// Multipart form: file (обязательно).
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil { // 32 MB buffer
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.PayloadTooLarge(w, fmt.Sprintf("Файл превышает допустимый размер %d байт", h.maxUploadSize))
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	if header.Size > h.maxUploadSize {
		apierrors.PayloadTooLarge(w, fmt.Sprintf("Файл превышает допустимый размер %d байт", h.maxUploadSize))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req := middleware.RequesterFromContext(r.Context())
	artifact, err := h.processor.Upload(r.Context(), req, file, header.Filename, contentType)
	if err != nil {
		writeServiceError(w, h.logger, "upload", err)
		return
	}

	writeJSON(w, http.StatusCreated, toArtifactResponse(artifact))
}

// ListFiles обрабатывает GET /api/v1/files.
func (h *FilesHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	req := middleware.RequesterFromContext(r.Context())

	recs, err := h.processor.ListOwn(r.Context(), req, limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, "list_files", err)
		return
	}
	writeJSON(w, http.StatusOK, toFileList(recs, false, limit, offset))
}

// GetFile обрабатывает GET /api/v1/files/{id}.
// Чужой артефакт неотличим от отсутствующего.
func (h *FilesHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	req := middleware.RequesterFromContext(r.Context())

	rec, err := h.processor.GetOwn(r.Context(), req, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "get_file", err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec, false))
}

// GetFileURL обрабатывает GET /api/v1/files/{id}/url.
func (h *FilesHandler) GetFileURL(w http.ResponseWriter, r *http.Request) {
	req := middleware.RequesterFromContext(r.Context())

	artifact, err := h.processor.DownloadURL(r.Context(), req, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "file_url", err)
		return
	}
	writeJSON(w, http.StatusOK, toArtifactResponse(artifact))
}

// SignedObjects — объекты локального хранилища, выдаваемые по подписи.
// Реализуется *filestore.FileStore.
type SignedObjects interface {
	VerifySignature(folder model.Folder, artifactID, expires, signature string) error
	Stat(ctx context.Context, artifactID string, folder model.Folder) (*storage.Object, error)
	Get(ctx context.Context, artifactID string, folder model.Folder) (io.ReadCloser, error)
}

// DownloadHandler — обработчик GET /files/{folder}/{id}.
type DownloadHandler struct {
	objects SignedObjects
	logger  *slog.Logger
}

// NewDownloadHandler создаёт обработчик скачивания.
func NewDownloadHandler(objects SignedObjects, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		objects: objects,
		logger:  logger.With(slog.String("component", "download_handler")),
	}
}

// Download отдаёт объект по подписанной ссылке.
// Неверная подпись — 403, истёкшая ссылка — 403, удалённый объект — 404.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	folder, err := model.ParseFolder(chi.URLParam(r, "folder"))
	if err != nil {
		apierrors.NotFound(w, "Файл не найден")
		return
	}
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	if err := h.objects.VerifySignature(folder, id, q.Get("expires"), q.Get("signature")); err != nil {
		if errors.Is(err, filestore.ErrSignatureExpired) {
			apierrors.Forbidden(w, "Срок действия ссылки истёк")
			return
		}
		apierrors.Forbidden(w, "Неверная подпись ссылки")
		return
	}

	obj, err := h.objects.Stat(r.Context(), id, folder)
	if err != nil {
		h.writeObjectError(w, id, err)
		return
	}
	body, err := h.objects.Get(r.Context(), id, folder)
	if err != nil {
		h.writeObjectError(w, id, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", obj.Size))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("Скачивание прервано",
			slog.String("artifact_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (h *DownloadHandler) writeObjectError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrObjectNotFound) {
		apierrors.NotFound(w, "Файл не найден")
		return
	}
	h.logger.Error("Ошибка чтения объекта",
		slog.String("artifact_id", id),
		slog.String("error", err.Error()),
	)
	apierrors.StorageUnavailable(w, "Хранилище недоступно")
}
