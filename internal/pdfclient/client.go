// Пакет pdfclient — HTTP-клиент внешнего PDF-сервиса.
// Сервис читает исходники из папки uploads и пишет результаты в temp
// того же хранилища; клиент передаёт только идентификаторы артефактов.
package pdfclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable — PDF-сервис недоступен (сеть, таймаут, 5xx).
var ErrUnavailable = errors.New("PDF-сервис недоступен")

// Error — отказ PDF-сервиса в обработке (4xx).
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("PDF-сервис вернул %d: %s", e.StatusCode, e.Detail)
}

// Client — клиент PDF-сервиса.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиента. timeout ограничивает один запрос обработки.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
			},
		},
		logger: logger.With(slog.String("component", "pdf_client")),
	}
}

// BaseURL возвращает адрес PDF-сервиса.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// --- Запросы и ответы ---

// MergeResult — результат объединения.
type MergeResult struct {
	FileID      string `json:"fileId"`
	SourceCount int    `json:"sourceCount"`
	PageCount   int    `json:"pageCount"`
}

// RedactArea — прямоугольная область закрашивания на странице.
type RedactArea struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// RedactResult — результат закрашивания.
type RedactResult struct {
	FileID            string `json:"fileId"`
	RedactionsApplied int    `json:"redactions_applied"`
}

// PIICategories — категории персональных данных, которые распознаёт PDF-сервис.
var PIICategories = []string{
	"SSN", "EMAIL", "PHONE", "CREDIT_CARD", "DATE_OF_BIRTH", "ZIP_CODE", "ADDRESS", "NAME",
}

// DefaultPIIConfidence — порог уверенности по умолчанию.
const DefaultPIIConfidence = 0.7

// PIIFinding — найденный фрагмент персональных данных.
// BBox — координаты на странице [x0, y0, x1, y1].
type PIIFinding struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	Name       string    `json:"name"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Page       int       `json:"page"`
	BBox       []float64 `json:"bbox"`
}

// PIIStatistics — агрегаты по находкам.
type PIIStatistics struct {
	Total        int            `json:"total"`
	ByCategory   map[string]int `json:"by_category"`
	ByConfidence map[string]int `json:"by_confidence"`
}

// PIIResult — результат поиска персональных данных.
type PIIResult struct {
	Findings   []PIIFinding  `json:"findings"`
	Statistics PIIStatistics `json:"statistics"`
}

// ConvertTarget — целевой формат конвертации.
type ConvertTarget string

const (
	TargetWord       ConvertTarget = "word"
	TargetPowerPoint ConvertTarget = "powerpoint"
)

// FileResult — результат операций с одним выходным файлом.
type FileResult struct {
	FileName  string `json:"fileName"`
	PageCount int    `json:"pageCount,omitempty"`
}

// SplitMode — способ разбиения документа.
type SplitMode string

const (
	SplitByPattern SplitMode = "pattern"
	SplitByRange   SplitMode = "range"
	SplitExtract   SplitMode = "extract"
	SplitBySize    SplitMode = "size"
)

// SplitRequest — параметры разбиения. Value интерпретируется по Mode:
// число страниц (pattern), диапазоны "1-3,4-6" (range), страницы "1,3,5-7" (extract),
// максимальный размер в КБ (size).
type SplitRequest struct {
	FileID     string
	Mode       SplitMode
	Value      string
	MaxSizeKB  int
	OutputName string
}

type splitResponse struct {
	Files []string `json:"files"`
}

// --- Операции ---

// Merge объединяет документы в указанном порядке.
func (c *Client) Merge(ctx context.Context, fileIDs []string, outputName string) (*MergeResult, error) {
	var res MergeResult
	err := c.post(ctx, "/merge", map[string]any{
		"fileIds":    fileIDs,
		"outputName": outputName,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Redact закрашивает области документа.
func (c *Client) Redact(ctx context.Context, fileID, outputName string, areas []RedactArea, settings map[string]any) (*RedactResult, error) {
	var res RedactResult
	err := c.post(ctx, "/redact", map[string]any{
		"fileId":     fileID,
		"outputName": outputName,
		"areas":      areas,
		"settings":   settings,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DetectPII ищет персональные данные в документе из uploads.
// Новых файлов не создаёт.
func (c *Client) DetectPII(ctx context.Context, fileID string, categories []string, confidenceThreshold float64) (*PIIResult, error) {
	var res PIIResult
	err := c.post(ctx, "/detect-pii", map[string]any{
		"fileId":              fileID,
		"categories":          categories,
		"confidenceThreshold": confidenceThreshold,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.Findings == nil {
		res.Findings = []PIIFinding{}
	}
	return &res, nil
}

// Convert конвертирует PDF в документ Word или PowerPoint.
func (c *Client) Convert(ctx context.Context, fileID string, target ConvertTarget, outputName string) (*FileResult, error) {
	var path string
	switch target {
	case TargetWord:
		path = "/convert/pdf-to-word"
	case TargetPowerPoint:
		path = "/convert/pdf-to-powerpoint"
	default:
		return nil, fmt.Errorf("неизвестный формат конвертации %q", target)
	}

	var res FileResult
	if err := c.post(ctx, path, map[string]any{
		"fileId":     fileID,
		"outputName": outputName,
	}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Compress сжимает документ. level: low, medium, high.
func (c *Client) Compress(ctx context.Context, fileID, level, outputName string) (*FileResult, error) {
	var res FileResult
	if err := c.post(ctx, "/compress", map[string]any{
		"fileId":           fileID,
		"compressionLevel": level,
		"outputName":       outputName,
	}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Split разбивает документ и возвращает идентификаторы частей в temp.
func (c *Client) Split(ctx context.Context, req SplitRequest) ([]string, error) {
	body := map[string]any{
		"fileId":     req.FileID,
		"outputName": req.OutputName,
	}
	switch req.Mode {
	case SplitByPattern:
		body["splitByPattern"] = req.Value
	case SplitByRange:
		body["splitByRange"] = req.Value
	case SplitExtract:
		body["extractPages"] = req.Value
	case SplitBySize:
		body["maxSizeKB"] = req.MaxSizeKB
	default:
		return nil, fmt.Errorf("неизвестный режим разбиения %q", req.Mode)
	}

	var res splitResponse
	if err := c.post(ctx, "/split/"+string(req.Mode), body, &res); err != nil {
		return nil, err
	}
	return res.Files, nil
}

// Health проверяет доступность PDF-сервиса (GET /health).
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса Health: %w", err)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health вернул %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// post отправляет JSON и декодирует ответ в out.
// 4xx → *Error с detail сервиса, 5xx и сетевые ошибки → ErrUnavailable.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("сериализация запроса %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Запрос к PDF-сервису",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s вернул %d: %s", ErrUnavailable, path, resp.StatusCode, readDetail(resp.Body))
	}
	if resp.StatusCode >= 400 {
		return &Error{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа %s: %w", path, err)
	}
	return nil
}

// readDetail извлекает поле detail из тела ошибки.
// detail может быть строкой или списком ошибок валидации.
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(raw))
	}

	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	return string(body.Detail)
}
