package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/docforge/lifecycle-module/internal/api/middleware"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/service"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage/filestore"
)

var guestRequester = model.Requester{
	Session:       &model.GuestSession{ID: "sess-1", ExpiresAt: testNow.Add(time.Hour)},
	SessionSource: model.SessionSource{Kind: model.SourceCookie},
}

// withRequester помещает Requester в контекст, как это делает GuestSession middleware.
func withRequester(r *http.Request, req model.Requester) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), middleware.ContextKeyRequester, req))
}

// multipartBody строит multipart-тело с полем file.
func multipartBody(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(content)
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

// errorCode извлекает код ошибки из тела ответа.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело ответа не JSON: %s", rec.Body.String())
	}
	return body.Error.Code
}

func filesRouter(h *FilesHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/files", h.UploadFile)
	r.Get("/api/v1/files", h.ListFiles)
	r.Get("/api/v1/files/{id}", h.GetFile)
	r.Get("/api/v1/files/{id}/url", h.GetFileURL)
	return r
}

func TestUploadFile_Success(t *testing.T) {
	var gotName string
	var gotBody []byte
	proc := &mockProcessor{uploadFn: func(_ context.Context, req model.Requester, r io.Reader, name, _ string) (*service.Artifact, error) {
		if req.Session == nil || req.Session.ID != "sess-1" {
			t.Errorf("Requester не передан в сервис: %+v", req)
		}
		gotName = name
		gotBody, _ = io.ReadAll(r)
		return &service.Artifact{
			Record: testRecord("a1.pdf", model.Owner{GuestSessionID: "sess-1"}),
			URL:    "http://files.test/uploads/a1.pdf",
		}, nil
	}}
	h := NewFilesHandler(proc, 1<<20, testLogger())

	body, ct := multipartBody(t, "report.pdf", []byte("%PDF-1.7 test"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	filesRouter(h).ServeHTTP(rec, withRequester(req, guestRequester))

	if rec.Code != http.StatusCreated {
		t.Fatalf("статус: хотели 201, получили %d (%s)", rec.Code, rec.Body.String())
	}
	if gotName != "report.pdf" || string(gotBody) != "%PDF-1.7 test" {
		t.Errorf("сервис получил name=%q body=%q", gotName, gotBody)
	}

	var resp fileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ArtifactID != "a1.pdf" || resp.URL == "" {
		t.Errorf("ответ: %+v", resp)
	}
	if resp.GuestSessionID != nil || resp.UserID != nil {
		t.Error("владелец не должен раскрываться в пользовательском API")
	}
}

func TestUploadFile_TooLarge(t *testing.T) {
	proc := &mockProcessor{uploadFn: func(context.Context, model.Requester, io.Reader, string, string) (*service.Artifact, error) {
		t.Fatal("сервис не должен вызываться")
		return nil, nil
	}}
	h := NewFilesHandler(proc, 16, testLogger())

	body, ct := multipartBody(t, "big.pdf", bytes.Repeat([]byte("x"), 64))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	filesRouter(h).ServeHTTP(rec, withRequester(req, guestRequester))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("статус: хотели 413, получили %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "PAYLOAD_TOO_LARGE" {
		t.Errorf("код: %s", code)
	}
}

func TestUploadFile_MissingFile(t *testing.T) {
	h := NewFilesHandler(&mockProcessor{}, 1<<20, testLogger())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("description", "без файла")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	filesRouter(h).ServeHTTP(rec, withRequester(req, guestRequester))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("статус: хотели 400, получили %d", rec.Code)
	}
}

func TestListFiles_Pagination(t *testing.T) {
	var gotLimit, gotOffset int
	proc := &mockProcessor{listOwnFn: func(_ context.Context, _ model.Requester, limit, offset int) ([]*model.ResourceRecord, error) {
		gotLimit, gotOffset = limit, offset
		return []*model.ResourceRecord{testRecord("a1.pdf", model.Owner{GuestSessionID: "sess-1"})}, nil
	}}
	h := NewFilesHandler(proc, 1<<20, testLogger())

	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 100, 0},
		{"?limit=5&offset=10", 5, 10},
		{"?limit=0&offset=-3", 1, 0},
		{"?limit=5000", 1000, 0},
		{"?limit=abc", 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/files"+tt.query, nil)
			rec := httptest.NewRecorder()
			filesRouter(h).ServeHTTP(rec, withRequester(req, guestRequester))

			if rec.Code != http.StatusOK {
				t.Fatalf("статус: хотели 200, получили %d", rec.Code)
			}
			if gotLimit != tt.wantLimit || gotOffset != tt.wantOffset {
				t.Errorf("limit/offset: хотели %d/%d, получили %d/%d", tt.wantLimit, tt.wantOffset, gotLimit, gotOffset)
			}

			var resp fileListResponse
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			if len(resp.Items) != 1 {
				t.Errorf("items: хотели 1, получили %d", len(resp.Items))
			}
		})
	}
}

func TestGetFile_NotOwned(t *testing.T) {
	proc := &mockProcessor{getOwnFn: func(_ context.Context, _ model.Requester, id string) (*model.ResourceRecord, error) {
		if id != "foreign.pdf" {
			t.Errorf("id: %s", id)
		}
		return nil, service.ErrNotFound
	}}
	h := NewFilesHandler(proc, 1<<20, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/foreign.pdf", nil)
	rec := httptest.NewRecorder()
	filesRouter(h).ServeHTTP(rec, withRequester(req, guestRequester))

	if rec.Code != http.StatusNotFound {
		t.Errorf("статус: хотели 404, получили %d", rec.Code)
	}
}

func TestGetFileURL(t *testing.T) {
	proc := &mockProcessor{urlFn: func(_ context.Context, _ model.Requester, id string) (*service.Artifact, error) {
		return &service.Artifact{
			Record: testRecord(id, model.Owner{GuestSessionID: "sess-1"}),
			URL:    "http://files.test/uploads/" + id,
		}, nil
	}}
	h := NewFilesHandler(proc, 1<<20, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/a1.pdf/url", nil)
	rec := httptest.NewRecorder()
	filesRouter(h).ServeHTTP(rec, withRequester(req, guestRequester))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус: хотели 200, получили %d", rec.Code)
	}
	var resp fileResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.URL != "http://files.test/uploads/a1.pdf" {
		t.Errorf("url: %s", resp.URL)
	}
}

func TestDownload(t *testing.T) {
	objects := &mockObjects{content: map[string]string{"uploads/a1.pdf": "%PDF-data"}}

	tests := []struct {
		name      string
		path      string
		verifyErr error
		want      int
	}{
		{"успех", "/files/uploads/a1.pdf?expires=1&signature=s", nil, http.StatusOK},
		{"неверная подпись", "/files/uploads/a1.pdf?expires=1&signature=bad", filestore.ErrSignatureInvalid, http.StatusForbidden},
		{"истёкшая ссылка", "/files/uploads/a1.pdf?expires=1&signature=s", filestore.ErrSignatureExpired, http.StatusForbidden},
		{"неизвестная папка", "/files/other/a1.pdf?expires=1&signature=s", nil, http.StatusNotFound},
		{"удалённый объект", "/files/temp/gone.pdf?expires=1&signature=s", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects.verifyErr = tt.verifyErr
			h := NewDownloadHandler(objects, testLogger())
			r := chi.NewRouter()
			r.Get("/files/{folder}/{id}", h.Download)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.want {
				t.Fatalf("статус: хотели %d, получили %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusOK {
				if rec.Body.String() != "%PDF-data" {
					t.Errorf("тело: %q", rec.Body.String())
				}
				if got := rec.Header().Get("Content-Length"); got != fmt.Sprint(len("%PDF-data")) {
					t.Errorf("Content-Length: %s", got)
				}
			}
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"квота", &service.QuotaExceededError{Feature: model.FeatureMerge, CurrentCount: 3, MaxCount: 3}, http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
		{"обработка", &service.ProcessingError{Detail: "битый PDF"}, http.StatusUnprocessableEntity, "PROCESSING_FAILED"},
		{"валидация", fmt.Errorf("%w: пусто", service.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"не найдено", service.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"пользователь не найден", &service.OwnerNotFoundError{UserID: "u1"}, http.StatusForbidden, "FORBIDDEN"},
		{"PDF-сервис", fmt.Errorf("%w: timeout", service.ErrEngineUnavailable), http.StatusBadGateway, "PDF_SERVICE_UNAVAILABLE"},
		{"хранилище", fmt.Errorf("%w: s3", service.ErrStorageUnavailable), http.StatusBadGateway, "STORAGE_UNAVAILABLE"},
		{"неизвестная", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"без владельца", &service.InvalidOwnerError{}, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, testLogger(), "test", tt.err)
			if rec.Code != tt.wantCode {
				t.Errorf("статус: хотели %d, получили %d", tt.wantCode, rec.Code)
			}
			if code := errorCode(t, rec); code != tt.wantBody {
				t.Errorf("код: хотели %s, получили %s", tt.wantBody, code)
			}
		})
	}
}

func TestWriteServiceError_QuotaDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, testLogger(), "merge",
		&service.QuotaExceededError{Feature: model.FeatureMerge, CurrentCount: 3, MaxCount: 3})

	var body struct {
		Error struct {
			Details struct {
				Feature      string `json:"feature"`
				CurrentCount int    `json:"currentCount"`
				MaxCount     int    `json:"maxCount"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	d := body.Error.Details
	if d.Feature != "merge" || d.CurrentCount != 3 || d.MaxCount != 3 {
		t.Errorf("details: %+v", d)
	}
}
