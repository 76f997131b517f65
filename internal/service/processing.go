// processing.go — оркестрация функций обработки PDF.
//
// Квотируемая функция:
//  1. Валидация запроса
//  2. Проверка исходников: живые записи реестра в uploads, принадлежащие запрашивающему
//  3. Проверка квоты (для гостей)
//  4. Вызов PDF-сервиса
//  5. Регистрация результатов из temp в реестре; при сбое объект удаляется
//  6. Подписанные ссылки на результаты
//
// Загрузка исходника и поиск персональных данных квотой не ограничены:
// поиск проверяет исходник так же, но результатов в хранилище не создаёт.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/pdfclient"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage"
)

// Engine — операции PDF-сервиса. Реализуется *pdfclient.Client.
type Engine interface {
	Merge(ctx context.Context, fileIDs []string, outputName string) (*pdfclient.MergeResult, error)
	Redact(ctx context.Context, fileID, outputName string, areas []pdfclient.RedactArea, settings map[string]any) (*pdfclient.RedactResult, error)
	Convert(ctx context.Context, fileID string, target pdfclient.ConvertTarget, outputName string) (*pdfclient.FileResult, error)
	Compress(ctx context.Context, fileID, level, outputName string) (*pdfclient.FileResult, error)
	Split(ctx context.Context, req pdfclient.SplitRequest) ([]string, error)
	DetectPII(ctx context.Context, fileID string, categories []string, confidenceThreshold float64) (*pdfclient.PIIResult, error)
}

// Artifact — зарегистрированный артефакт со ссылкой на скачивание.
type Artifact struct {
	Record *model.ResourceRecord
	URL    string
}

// MergeRequest — объединение документов в указанном порядке.
type MergeRequest struct {
	FileIDs    []string
	OutputName string
}

// SplitRequest — разбиение документа.
type SplitRequest struct {
	FileID     string
	Mode       pdfclient.SplitMode
	Value      string
	MaxSizeKB  int
	OutputName string
}

// CompressRequest — сжатие документа.
type CompressRequest struct {
	FileID     string
	Level      string
	OutputName string
}

// ConvertRequest — конвертация документа.
type ConvertRequest struct {
	FileID     string
	Target     pdfclient.ConvertTarget
	OutputName string
}

// RedactRequest — закрашивание областей документа.
type RedactRequest struct {
	FileID     string
	Areas      []pdfclient.RedactArea
	Settings   map[string]any
	OutputName string
}

// DetectPIIRequest — поиск персональных данных перед закрашиванием.
type DetectPIIRequest struct {
	FileID              string
	Categories          []string
	ConfidenceThreshold float64
}

// ProcessingService — функции обработки PDF от имени запрашивающего.
type ProcessingService struct {
	ledger *ResourceLedger
	store  storage.Gateway
	engine Engine
	gate   *QuotaGate
	urlTTL time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewProcessingService создаёт сервис обработки.
func NewProcessingService(
	ledger *ResourceLedger,
	store storage.Gateway,
	engine Engine,
	gate *QuotaGate,
	urlTTL time.Duration,
	logger *slog.Logger,
) *ProcessingService {
	return &ProcessingService{
		ledger: ledger,
		store:  store,
		engine: engine,
		gate:   gate,
		urlTTL: urlTTL,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "processing")),
	}
}

// Upload сохраняет исходник в uploads и регистрирует его.
func (p *ProcessingService) Upload(ctx context.Context, req model.Requester, r io.Reader, name, contentType string) (*Artifact, error) {
	owner := req.Owner()
	if !owner.Valid() {
		return nil, &InvalidOwnerError{Owner: owner}
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: не указано имя файла", ErrValidation)
	}

	obj, err := p.store.Put(ctx, model.FolderUploads, r, name, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	rec, err := p.ledger.Track(ctx, TrackInput{
		ArtifactID:  obj.ArtifactID,
		Folder:      model.FolderUploads,
		Owner:       owner,
		Size:        obj.Size,
		DisplayName: filepath.Base(name),
		MimeType:    obj.ContentType,
		Feature:     model.FeatureUpload,
	})
	if err != nil {
		p.discard(model.FolderUploads, obj.ArtifactID)
		return nil, err
	}

	return p.withURL(ctx, rec)
}

// Merge объединяет два и более документа.
func (p *ProcessingService) Merge(ctx context.Context, req model.Requester, in MergeRequest) (*Artifact, error) {
	if len(in.FileIDs) < 2 {
		return nil, fmt.Errorf("%w: для объединения нужно минимум 2 файла", ErrValidation)
	}
	if err := p.checkInputs(ctx, req, in.FileIDs...); err != nil {
		return nil, err
	}

	var out []*Artifact
	err := p.gate.Run(ctx, req, model.FeatureMerge, func(ctx context.Context) error {
		res, err := p.engine.Merge(ctx, in.FileIDs, outputName(".pdf"))
		if err != nil {
			return engineError(err)
		}
		out, err = p.trackOutputs(ctx, req, model.FeatureMerge, []string{res.FileID},
			displayName(in.OutputName, "merged.pdf"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Split разбивает документ на части.
func (p *ProcessingService) Split(ctx context.Context, req model.Requester, in SplitRequest) ([]*Artifact, error) {
	switch in.Mode {
	case pdfclient.SplitByPattern, pdfclient.SplitByRange, pdfclient.SplitExtract:
		if strings.TrimSpace(in.Value) == "" {
			return nil, fmt.Errorf("%w: не указаны страницы для разбиения", ErrValidation)
		}
	case pdfclient.SplitBySize:
		if in.MaxSizeKB <= 0 {
			return nil, fmt.Errorf("%w: maxSizeKB должен быть положительным", ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: неизвестный режим разбиения %q", ErrValidation, in.Mode)
	}
	if err := p.checkInputs(ctx, req, in.FileID); err != nil {
		return nil, err
	}

	var out []*Artifact
	err := p.gate.Run(ctx, req, model.FeatureSplit, func(ctx context.Context) error {
		files, err := p.engine.Split(ctx, pdfclient.SplitRequest{
			FileID:     in.FileID,
			Mode:       in.Mode,
			Value:      in.Value,
			MaxSizeKB:  in.MaxSizeKB,
			OutputName: outputName(""),
		})
		if err != nil {
			return engineError(err)
		}
		if len(files) == 0 {
			return &ProcessingError{Detail: "разбиение не дало ни одного файла"}
		}
		base := strings.TrimSuffix(displayName(in.OutputName, "split.pdf"), ".pdf")
		names := make([]string, len(files))
		for i := range files {
			names[i] = fmt.Sprintf("%s_part%d.pdf", base, i+1)
		}
		out, err = p.trackOutputs(ctx, req, model.FeatureSplit, files, names...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Compress сжимает документ. Уровень: low, medium, high.
func (p *ProcessingService) Compress(ctx context.Context, req model.Requester, in CompressRequest) (*Artifact, error) {
	switch in.Level {
	case "low", "medium", "high":
	default:
		return nil, fmt.Errorf("%w: уровень сжатия %q, допустимые: low, medium, high", ErrValidation, in.Level)
	}
	if err := p.checkInputs(ctx, req, in.FileID); err != nil {
		return nil, err
	}

	var out []*Artifact
	err := p.gate.Run(ctx, req, model.FeatureCompression, func(ctx context.Context) error {
		res, err := p.engine.Compress(ctx, in.FileID, in.Level, outputName(".pdf"))
		if err != nil {
			return engineError(err)
		}
		out, err = p.trackOutputs(ctx, req, model.FeatureCompression, []string{res.FileName},
			displayName(in.OutputName, "compressed.pdf"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Convert конвертирует PDF в Word или PowerPoint.
func (p *ProcessingService) Convert(ctx context.Context, req model.Requester, in ConvertRequest) (*Artifact, error) {
	var ext string
	switch in.Target {
	case pdfclient.TargetWord:
		ext = ".docx"
	case pdfclient.TargetPowerPoint:
		ext = ".pptx"
	default:
		return nil, fmt.Errorf("%w: формат %q, допустимые: word, powerpoint", ErrValidation, in.Target)
	}
	if err := p.checkInputs(ctx, req, in.FileID); err != nil {
		return nil, err
	}

	var out []*Artifact
	err := p.gate.Run(ctx, req, model.FeatureConversion, func(ctx context.Context) error {
		res, err := p.engine.Convert(ctx, in.FileID, in.Target, outputName(ext))
		if err != nil {
			return engineError(err)
		}
		out, err = p.trackOutputs(ctx, req, model.FeatureConversion, []string{res.FileName},
			displayName(in.OutputName, "converted"+ext))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Redact закрашивает области документа.
func (p *ProcessingService) Redact(ctx context.Context, req model.Requester, in RedactRequest) (*Artifact, error) {
	if len(in.Areas) == 0 {
		return nil, fmt.Errorf("%w: не указаны области закрашивания", ErrValidation)
	}
	if err := p.checkInputs(ctx, req, in.FileID); err != nil {
		return nil, err
	}

	var out []*Artifact
	err := p.gate.Run(ctx, req, model.FeatureRedaction, func(ctx context.Context) error {
		res, err := p.engine.Redact(ctx, in.FileID, outputName(".pdf"), in.Areas, in.Settings)
		if err != nil {
			return engineError(err)
		}
		out, err = p.trackOutputs(ctx, req, model.FeatureRedaction, []string{res.FileID},
			displayName(in.OutputName, "redacted.pdf"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// DetectPII ищет персональные данные в загруженном документе.
// Результат — только находки, артефактов не создаётся, поэтому квота
// не расходуется: учитывается последующее закрашивание.
func (p *ProcessingService) DetectPII(ctx context.Context, req model.Requester, in DetectPIIRequest) (*pdfclient.PIIResult, error) {
	if len(in.Categories) == 0 {
		return nil, fmt.Errorf("%w: не указаны категории персональных данных", ErrValidation)
	}
	for _, c := range in.Categories {
		if !slices.Contains(pdfclient.PIICategories, c) {
			return nil, fmt.Errorf("%w: неизвестная категория %q", ErrValidation, c)
		}
	}
	if in.ConfidenceThreshold < 0 || in.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("%w: порог уверенности должен быть в диапазоне 0..1", ErrValidation)
	}
	if err := p.checkInputs(ctx, req, in.FileID); err != nil {
		return nil, err
	}

	res, err := p.engine.DetectPII(ctx, in.FileID, in.Categories, in.ConfidenceThreshold)
	if err != nil {
		return nil, engineError(err)
	}

	p.logger.Debug("Поиск персональных данных завершён",
		slog.String("file_id", in.FileID),
		slog.Int("findings", len(res.Findings)),
	)
	return res, nil
}

// GetOwn возвращает запись, принадлежащую запрашивающему.
// Чужая запись неотличима от отсутствующей.
func (p *ProcessingService) GetOwn(ctx context.Context, req model.Requester, artifactID string) (*model.ResourceRecord, error) {
	rec, err := p.ledger.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if !rec.OwnedBy(req.Owner()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ListOwn возвращает неудалённые записи запрашивающего.
func (p *ProcessingService) ListOwn(ctx context.Context, req model.Requester, limit, offset int) ([]*model.ResourceRecord, error) {
	owner := req.Owner()
	if !owner.Valid() {
		return []*model.ResourceRecord{}, nil
	}
	return p.ledger.ListByOwner(ctx, owner, false, limit, offset)
}

// DownloadURL подписывает ссылку на живой артефакт запрашивающего.
func (p *ProcessingService) DownloadURL(ctx context.Context, req model.Requester, artifactID string) (*Artifact, error) {
	rec, err := p.GetOwn(ctx, req, artifactID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted || rec.IsExpired(p.now()) {
		return nil, ErrNotFound
	}
	return p.withURL(ctx, rec)
}

// checkInputs проверяет, что исходники — живые загрузки запрашивающего.
func (p *ProcessingService) checkInputs(ctx context.Context, req model.Requester, ids ...string) error {
	owner := req.Owner()
	now := p.now()
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: пустой идентификатор файла", ErrValidation)
		}
		rec, err := p.ledger.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: файл %s", ErrNotFound, id)
			}
			return err
		}
		if rec.Deleted || rec.Folder != model.FolderUploads || !rec.OwnedBy(owner) || rec.IsExpired(now) {
			return fmt.Errorf("%w: файл %s", ErrNotFound, id)
		}
	}
	return nil
}

// trackOutputs регистрирует результаты PDF-сервиса из temp.
// Незарегистрированные объекты удаляются, чтобы в хранилище не было
// артефактов без записи в реестре.
func (p *ProcessingService) trackOutputs(ctx context.Context, req model.Requester, feature model.Feature, ids []string, names ...string) ([]*Artifact, error) {
	out := make([]*Artifact, 0, len(ids))
	for i, id := range ids {
		obj, err := p.store.Stat(ctx, id, model.FolderTemp)
		if err != nil {
			p.discard(model.FolderTemp, ids[i:]...)
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, &ProcessingError{Detail: "результат обработки не найден в хранилище: " + id}
			}
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}

		name := id
		if i < len(names) {
			name = names[i]
		}
		rec, err := p.ledger.Track(ctx, TrackInput{
			ArtifactID:  id,
			Folder:      model.FolderTemp,
			Owner:       req.Owner(),
			Size:        obj.Size,
			DisplayName: name,
			MimeType:    obj.ContentType,
			Feature:     string(feature),
		})
		if err != nil {
			p.discard(model.FolderTemp, ids[i:]...)
			return nil, err
		}

		a, err := p.withURL(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}

	p.logger.Info("Результаты обработки зарегистрированы",
		slog.String("feature", string(feature)),
		slog.Int("count", len(out)),
		slog.Bool("guest", !req.Authenticated()),
	)
	return out, nil
}

func (p *ProcessingService) withURL(ctx context.Context, rec *model.ResourceRecord) (*Artifact, error) {
	url, err := p.store.SignedURL(ctx, rec.ArtifactID, rec.Folder, p.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &Artifact{Record: rec, URL: url}, nil
}

// discard удаляет объекты без записи в реестре. Ошибки только логируются:
// оставшийся объект не имеет записи и не будет выдан клиенту.
func (p *ProcessingService) discard(folder model.Folder, ids ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := p.store.Delete(ctx, id, folder); err != nil {
			p.logger.Warn("Не удалось удалить незарегистрированный объект",
				slog.String("artifact_id", id),
				slog.String("folder", string(folder)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// engineError переводит ошибки PDF-сервиса в ошибки сервисного слоя.
func engineError(err error) error {
	var pdfErr *pdfclient.Error
	switch {
	case errors.As(err, &pdfErr):
		return &ProcessingError{Detail: pdfErr.Detail}
	case errors.Is(err, pdfclient.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	default:
		return err
	}
}

// outputName генерирует имя результата для PDF-сервиса.
func outputName(ext string) string {
	return storage.GenerateArtifactID("out" + ext)
}

func displayName(requested, fallback string) string {
	if name := strings.TrimSpace(requested); name != "" {
		return filepath.Base(name)
	}
	return fallback
}
