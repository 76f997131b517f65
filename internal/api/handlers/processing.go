// processing.go — обработчики функций обработки PDF:
// merge, split, compress, convert, redact, detect-pii.
// Гостевые запросы проходят через квоту на уровне сервиса.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/docforge/lifecycle-module/internal/api/errors"
	"github.com/bigkaa/docforge/lifecycle-module/internal/api/middleware"
	"github.com/bigkaa/docforge/lifecycle-module/internal/pdfclient"
	"github.com/bigkaa/docforge/lifecycle-module/internal/service"
)

// ProcessingHandler — обработчик функций обработки.
type ProcessingHandler struct {
	processor Processor
	logger    *slog.Logger
}

// NewProcessingHandler создаёт обработчик функций обработки.
func NewProcessingHandler(processor Processor, logger *slog.Logger) *ProcessingHandler {
	return &ProcessingHandler{
		processor: processor,
		logger:    logger.With(slog.String("component", "processing_handler")),
	}
}

type mergeRequest struct {
	FileIDs    []string `json:"fileIds"`
	OutputName string   `json:"outputName"`
}

type splitRequest struct {
	FileID     string `json:"fileId"`
	Mode       string `json:"mode"`
	Value      string `json:"value"`
	MaxSizeKB  int    `json:"maxSizeKb"`
	OutputName string `json:"outputName"`
}

type compressRequest struct {
	FileID     string `json:"fileId"`
	Level      string `json:"level"`
	OutputName string `json:"outputName"`
}

type convertRequest struct {
	FileID     string `json:"fileId"`
	Target     string `json:"target"`
	OutputName string `json:"outputName"`
}

type detectPIIRequest struct {
	FileID     string   `json:"fileId"`
	Categories []string `json:"categories"`
	// ConfidenceThreshold — nil, если порог не передан
	ConfidenceThreshold *float64 `json:"confidenceThreshold"`
}

type redactRequest struct {
	FileID     string                 `json:"fileId"`
	Areas      []pdfclient.RedactArea `json:"areas"`
	Settings   map[string]any         `json:"settings"`
	OutputName string                 `json:"outputName"`
}

// splitResponse — части разбитого документа.
type splitResponse struct {
	Files []fileResponse `json:"files"`
}

// Merge обрабатывает POST /api/v1/merge.
func (h *ProcessingHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var body mergeRequest
	if err := decodeJSON(r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	artifact, err := h.processor.Merge(r.Context(), middleware.RequesterFromContext(r.Context()), service.MergeRequest{
		FileIDs:    body.FileIDs,
		OutputName: body.OutputName,
	})
	if err != nil {
		writeServiceError(w, h.logger, "merge", err)
		return
	}
	writeJSON(w, http.StatusCreated, toArtifactResponse(artifact))
}

// Split обрабатывает POST /api/v1/split.
func (h *ProcessingHandler) Split(w http.ResponseWriter, r *http.Request) {
	var body splitRequest
	if err := decodeJSON(r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	artifacts, err := h.processor.Split(r.Context(), middleware.RequesterFromContext(r.Context()), service.SplitRequest{
		FileID:     body.FileID,
		Mode:       pdfclient.SplitMode(body.Mode),
		Value:      body.Value,
		MaxSizeKB:  body.MaxSizeKB,
		OutputName: body.OutputName,
	})
	if err != nil {
		writeServiceError(w, h.logger, "split", err)
		return
	}

	resp := splitResponse{Files: make([]fileResponse, 0, len(artifacts))}
	for _, a := range artifacts {
		resp.Files = append(resp.Files, toArtifactResponse(a))
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Compress обрабатывает POST /api/v1/compress.
func (h *ProcessingHandler) Compress(w http.ResponseWriter, r *http.Request) {
	var body compressRequest
	if err := decodeJSON(r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	artifact, err := h.processor.Compress(r.Context(), middleware.RequesterFromContext(r.Context()), service.CompressRequest{
		FileID:     body.FileID,
		Level:      body.Level,
		OutputName: body.OutputName,
	})
	if err != nil {
		writeServiceError(w, h.logger, "compress", err)
		return
	}
	writeJSON(w, http.StatusCreated, toArtifactResponse(artifact))
}

// Convert обрабатывает POST /api/v1/convert.
func (h *ProcessingHandler) Convert(w http.ResponseWriter, r *http.Request) {
	var body convertRequest
	if err := decodeJSON(r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	artifact, err := h.processor.Convert(r.Context(), middleware.RequesterFromContext(r.Context()), service.ConvertRequest{
		FileID:     body.FileID,
		Target:     pdfclient.ConvertTarget(body.Target),
		OutputName: body.OutputName,
	})
	if err != nil {
		writeServiceError(w, h.logger, "convert", err)
		return
	}
	writeJSON(w, http.StatusCreated, toArtifactResponse(artifact))
}

// Redact обрабатывает POST /api/v1/redact.
func (h *ProcessingHandler) Redact(w http.ResponseWriter, r *http.Request) {
	var body redactRequest
	if err := decodeJSON(r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	artifact, err := h.processor.Redact(r.Context(), middleware.RequesterFromContext(r.Context()), service.RedactRequest{
		FileID:     body.FileID,
		Areas:      body.Areas,
		Settings:   body.Settings,
		OutputName: body.OutputName,
	})
	if err != nil {
		writeServiceError(w, h.logger, "redact", err)
		return
	}
	writeJSON(w, http.StatusCreated, toArtifactResponse(artifact))
}

// DetectPII обрабатывает POST /api/v1/detect-pii.
// Находки возвращаются как есть; координаты передаются в Redact.
func (h *ProcessingHandler) DetectPII(w http.ResponseWriter, r *http.Request) {
	var body detectPIIRequest
	if err := decodeJSON(r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}
	threshold := pdfclient.DefaultPIIConfidence
	if body.ConfidenceThreshold != nil {
		threshold = *body.ConfidenceThreshold
	}

	res, err := h.processor.DetectPII(r.Context(), middleware.RequesterFromContext(r.Context()), service.DetectPIIRequest{
		FileID:              body.FileID,
		Categories:          body.Categories,
		ConfidenceThreshold: threshold,
	})
	if err != nil {
		writeServiceError(w, h.logger, "detect-pii", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
