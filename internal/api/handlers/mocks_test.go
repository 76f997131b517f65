package handlers

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/quota"
	"github.com/bigkaa/docforge/lifecycle-module/internal/pdfclient"
	"github.com/bigkaa/docforge/lifecycle-module/internal/service"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRecord(id string, owner model.Owner) *model.ResourceRecord {
	rec := &model.ResourceRecord{
		ArtifactID:  id,
		Folder:      model.FolderUploads,
		ActorClass:  model.ClassGuest,
		Size:        1024,
		DisplayName: "doc.pdf",
		MimeType:    "application/pdf",
		Feature:     model.FeatureUpload,
		CreatedAt:   testNow,
		ExpiresAt:   testNow.Add(5 * time.Minute),
	}
	if owner.UserID != "" {
		rec.UserID = &owner.UserID
		rec.ActorClass = model.ClassFree
	}
	if owner.GuestSessionID != "" {
		rec.GuestSessionID = &owner.GuestSessionID
	}
	return rec
}

// mockProcessor — мок Processor с функциональными полями.
type mockProcessor struct {
	uploadFn   func(ctx context.Context, req model.Requester, r io.Reader, name, contentType string) (*service.Artifact, error)
	mergeFn    func(ctx context.Context, req model.Requester, in service.MergeRequest) (*service.Artifact, error)
	splitFn    func(ctx context.Context, req model.Requester, in service.SplitRequest) ([]*service.Artifact, error)
	compressFn func(ctx context.Context, req model.Requester, in service.CompressRequest) (*service.Artifact, error)
	convertFn  func(ctx context.Context, req model.Requester, in service.ConvertRequest) (*service.Artifact, error)
	redactFn   func(ctx context.Context, req model.Requester, in service.RedactRequest) (*service.Artifact, error)
	getOwnFn   func(ctx context.Context, req model.Requester, id string) (*model.ResourceRecord, error)
	listOwnFn  func(ctx context.Context, req model.Requester, limit, offset int) ([]*model.ResourceRecord, error)
	urlFn      func(ctx context.Context, req model.Requester, id string) (*service.Artifact, error)
	detectFn   func(ctx context.Context, req model.Requester, in service.DetectPIIRequest) (*pdfclient.PIIResult, error)
}

func (m *mockProcessor) Upload(ctx context.Context, req model.Requester, r io.Reader, name, contentType string) (*service.Artifact, error) {
	return m.uploadFn(ctx, req, r, name, contentType)
}

func (m *mockProcessor) Merge(ctx context.Context, req model.Requester, in service.MergeRequest) (*service.Artifact, error) {
	return m.mergeFn(ctx, req, in)
}

func (m *mockProcessor) Split(ctx context.Context, req model.Requester, in service.SplitRequest) ([]*service.Artifact, error) {
	return m.splitFn(ctx, req, in)
}

func (m *mockProcessor) Compress(ctx context.Context, req model.Requester, in service.CompressRequest) (*service.Artifact, error) {
	return m.compressFn(ctx, req, in)
}

func (m *mockProcessor) Convert(ctx context.Context, req model.Requester, in service.ConvertRequest) (*service.Artifact, error) {
	return m.convertFn(ctx, req, in)
}

func (m *mockProcessor) Redact(ctx context.Context, req model.Requester, in service.RedactRequest) (*service.Artifact, error) {
	return m.redactFn(ctx, req, in)
}

func (m *mockProcessor) GetOwn(ctx context.Context, req model.Requester, id string) (*model.ResourceRecord, error) {
	return m.getOwnFn(ctx, req, id)
}

func (m *mockProcessor) ListOwn(ctx context.Context, req model.Requester, limit, offset int) ([]*model.ResourceRecord, error) {
	return m.listOwnFn(ctx, req, limit, offset)
}

func (m *mockProcessor) DownloadURL(ctx context.Context, req model.Requester, id string) (*service.Artifact, error) {
	return m.urlFn(ctx, req, id)
}

func (m *mockProcessor) DetectPII(ctx context.Context, req model.Requester, in service.DetectPIIRequest) (*pdfclient.PIIResult, error) {
	return m.detectFn(ctx, req, in)
}

// mockQuotaReporter — мок QuotaReporter.
type mockQuotaReporter struct {
	statusFn func(ctx context.Context, id string) ([]quota.Decision, error)
}

func (m *mockQuotaReporter) Status(ctx context.Context, id string) ([]quota.Decision, error) {
	return m.statusFn(ctx, id)
}

// mockAdminLedger — мок AdminLedger.
type mockAdminLedger struct {
	getFn   func(ctx context.Context, id string) (*model.ResourceRecord, error)
	listFn  func(ctx context.Context, owner model.Owner, includeDeleted bool, limit, offset int) ([]*model.ResourceRecord, error)
	statsFn func(ctx context.Context) (*model.LedgerStatistics, error)
}

func (m *mockAdminLedger) Get(ctx context.Context, id string) (*model.ResourceRecord, error) {
	return m.getFn(ctx, id)
}

func (m *mockAdminLedger) ListByOwner(ctx context.Context, owner model.Owner, includeDeleted bool, limit, offset int) ([]*model.ResourceRecord, error) {
	return m.listFn(ctx, owner, includeDeleted, limit, offset)
}

func (m *mockAdminLedger) Statistics(ctx context.Context) (*model.LedgerStatistics, error) {
	return m.statsFn(ctx)
}

// mockSweeper — мок SweepController.
type mockSweeper struct {
	runFn     func(ctx context.Context) (*service.SweepResult, error)
	reclaimFn func(ctx context.Context, id string) (*model.ResourceRecord, error)
	status    service.SweeperStatus
}

func (m *mockSweeper) RunOnce(ctx context.Context) (*service.SweepResult, error) {
	return m.runFn(ctx)
}

func (m *mockSweeper) Reclaim(ctx context.Context, id string) (*model.ResourceRecord, error) {
	return m.reclaimFn(ctx, id)
}

func (m *mockSweeper) Status() service.SweeperStatus {
	return m.status
}

// mockPurger — мок SessionPurger.
type mockPurger struct {
	n   int
	err error
}

func (m *mockPurger) Purge(context.Context) (int, error) {
	return m.n, m.err
}

// mockActors — мок ActorWriter.
type mockActors struct {
	upsertFn func(ctx context.Context, id, tier string) (*model.Actor, error)
}

func (m *mockActors) Upsert(ctx context.Context, id, tier string) (*model.Actor, error) {
	return m.upsertFn(ctx, id, tier)
}

// mockObjects — мок SignedObjects.
type mockObjects struct {
	verifyErr error
	content   map[string]string
}

func (m *mockObjects) VerifySignature(model.Folder, string, string, string) error {
	return m.verifyErr
}

func (m *mockObjects) Stat(_ context.Context, id string, folder model.Folder) (*storage.Object, error) {
	data, ok := m.content[storage.Key(folder, id)]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &storage.Object{ArtifactID: id, Folder: folder, Size: int64(len(data)), ContentType: "application/pdf"}, nil
}

func (m *mockObjects) Get(_ context.Context, id string, folder model.Folder) (io.ReadCloser, error) {
	data, ok := m.content[storage.Key(folder, id)]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(strings.NewReader(data)), nil
}
