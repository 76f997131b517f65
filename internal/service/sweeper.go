// sweeper.go — фоновая очистка артефактов с истёкшей арендой.
//
// Каждый тик:
//  1. Получает из реестра до maxPerTick неудалённых записей с истёкшей арендой
//     (самые просроченные первыми); остаток обрабатывается следующими тиками
//  2. Делит их на пакеты фиксированного размера
//  3. В пакете удаляет объекты параллельно: хранилище → пометка в реестре
//
// Ошибка одного артефакта не прерывает пакет и следующие пакеты: запись
// остаётся неудалённой и попадёт в следующий тик. Повторов внутри тика нет.
// Тик, стартующий во время выполнения предыдущего, пропускается.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_sweep_runs_total",
		Help: "Общее количество выполненных тиков очистки",
	})

	sweepSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_sweep_skipped_total",
		Help: "Количество тиков, пропущенных из-за незавершённого предыдущего",
	})

	sweepItemsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_sweep_items_deleted_total",
		Help: "Общее количество удалённых артефактов",
	})

	sweepItemErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_sweep_item_errors_total",
		Help: "Общее количество ошибок удаления артефактов",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lm_sweep_duration_seconds",
		Help:    "Длительность тика очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// Значения по умолчанию.
const (
	DefaultSweepBatchSize   = 10
	DefaultSweepItemTimeout = 30 * time.Second
	// defaultBatchesPerTick — maxPerTick по умолчанию в пакетах
	defaultBatchesPerTick = 50
)

// SweepState — фаза работы очистки.
type SweepState string

const (
	SweepIdle     SweepState = "idle"
	SweepScanning SweepState = "scanning"
	SweepDeleting SweepState = "deleting"
)

// ReclaimLedger — операции реестра, нужные очистке.
type ReclaimLedger interface {
	ListExpired(ctx context.Context, limit int) ([]*model.ResourceRecord, error)
	MarkDeleted(ctx context.Context, artifactID string) error
	Get(ctx context.Context, artifactID string) (*model.ResourceRecord, error)
}

// ItemError — ошибка удаления одного артефакта.
type ItemError struct {
	ArtifactID string       `json:"artifactId"`
	Folder     model.Folder `json:"folder"`
	Error      string       `json:"error"`
}

// SweepResult — результат одного тика.
type SweepResult struct {
	StartedAt    time.Time     `json:"startedAt"`
	Scanned      int           `json:"scanned"`
	DeletedCount int           `json:"deletedCount"`
	ErrorCount   int           `json:"errorCount"`
	Errors       []ItemError   `json:"errors"`
	Duration     time.Duration `json:"-"`
}

// SweeperStatus — снимок состояния для административного API.
type SweeperStatus struct {
	State      SweepState    `json:"state"`
	Interval   time.Duration `json:"-"`
	BatchSize  int           `json:"batchSize"`
	MaxPerTick int           `json:"maxPerTick"`
	LastResult *SweepResult  `json:"lastResult,omitempty"`
}

// Sweeper — сервис очистки артефактов.
type Sweeper struct {
	ledger      ReclaimLedger
	store       storage.Gateway
	interval    time.Duration
	batchSize   int
	maxPerTick  int
	itemTimeout time.Duration
	logger      *slog.Logger

	runMu sync.Mutex // один тик за раз

	mu    sync.RWMutex
	state SweepState
	last  *SweepResult

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper создаёт сервис очистки.
// Нулевые и отрицательные batchSize, maxPerTick и itemTimeout заменяются
// значениями по умолчанию.
func NewSweeper(
	ledger ReclaimLedger,
	store storage.Gateway,
	interval time.Duration,
	batchSize int,
	maxPerTick int,
	itemTimeout time.Duration,
	logger *slog.Logger,
) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	if maxPerTick <= 0 {
		maxPerTick = defaultBatchesPerTick * batchSize
	}
	if itemTimeout <= 0 {
		itemTimeout = DefaultSweepItemTimeout
	}
	return &Sweeper{
		ledger:      ledger,
		store:       store,
		interval:    interval,
		batchSize:   batchSize,
		maxPerTick:  maxPerTick,
		itemTimeout: itemTimeout,
		logger:      logger.With(slog.String("component", "sweeper")),
		state:       SweepIdle,
	}
}

// Start запускает фоновую горутину с периодическим тикером.
// Первый тик выполняется сразу.
func (s *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка артефактов запущена",
		slog.String("interval", s.interval.String()),
		slog.Int("batch_size", s.batchSize),
		slog.Int("max_per_tick", s.maxPerTick),
		slog.String("item_timeout", s.itemTimeout.String()),
	)
}

// Stop останавливает фоновый процесс и дожидается завершения текущего тика.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Очистка артефактов остановлена")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	_, err := s.RunOnce(ctx)
	switch {
	case err == nil, errors.Is(err, ErrSweepInProgress):
	case ctx.Err() != nil:
	default:
		s.logger.Error("Ошибка тика очистки", slog.String("error", err.Error()))
	}
}

// RunOnce выполняет один тик очистки.
// Если тик уже выполняется — ErrSweepInProgress без ожидания.
// Ошибка возвращается только при сбое чтения реестра; ошибки
// отдельных артефактов собираются в SweepResult.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	if !s.runMu.TryLock() {
		sweepSkippedTotal.Inc()
		s.logger.Debug("Тик очистки пропущен: предыдущий не завершён")
		return nil, ErrSweepInProgress
	}
	defer s.runMu.Unlock()
	defer s.setState(SweepIdle)

	start := time.Now()
	result := &SweepResult{StartedAt: start.UTC(), Errors: []ItemError{}}

	s.setState(SweepScanning)
	expired, err := s.ledger.ListExpired(ctx, s.maxPerTick)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения просроченных артефактов: %w", err)
	}
	result.Scanned = len(expired)

	if len(expired) == 0 {
		result.Duration = time.Since(start)
		s.finish(result)
		s.logger.Debug("Тик очистки: просроченных артефактов нет")
		return result, nil
	}

	s.setState(SweepDeleting)
	for i := 0; i < len(expired); i += s.batchSize {
		end := min(i+s.batchSize, len(expired))
		s.sweepBatch(ctx, expired[i:end], result)
	}

	result.Duration = time.Since(start)
	s.finish(result)

	s.logger.Info("Тик очистки завершён",
		slog.Int("scanned", result.Scanned),
		slog.Int("deleted", result.DeletedCount),
		slog.Int("errors", result.ErrorCount),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// sweepBatch удаляет артефакты пакета параллельно и дожидается всех.
func (s *Sweeper) sweepBatch(ctx context.Context, batch []*model.ResourceRecord, result *SweepResult) {
	errs := make([]error, len(batch))

	var g errgroup.Group
	for i, rec := range batch {
		g.Go(func() error {
			errs[i] = s.reclaim(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		rec := batch[i]
		if err == nil {
			result.DeletedCount++
			continue
		}
		result.ErrorCount++
		result.Errors = append(result.Errors, ItemError{
			ArtifactID: rec.ArtifactID,
			Folder:     rec.Folder,
			Error:      err.Error(),
		})
		s.logger.Error("Ошибка удаления артефакта",
			slog.String("artifact_id", rec.ArtifactID),
			slog.String("folder", string(rec.Folder)),
			slog.String("error", err.Error()),
		)
	}
}

// reclaim удаляет объект из хранилища и помечает запись удалённой.
// Операция ограничена itemTimeout; зависший вызов хранилища
// засчитывается как ошибка артефакта.
func (s *Sweeper) reclaim(ctx context.Context, rec *model.ResourceRecord) error {
	itemCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if err := s.store.Delete(itemCtx, rec.ArtifactID, rec.Folder); err != nil {
			done <- fmt.Errorf("удаление из хранилища: %w", err)
			return
		}
		if err := s.ledger.MarkDeleted(itemCtx, rec.ArtifactID); err != nil {
			done <- fmt.Errorf("пометка в реестре: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-itemCtx.Done():
		return fmt.Errorf("таймаут удаления артефакта (%s): %w", s.itemTimeout, itemCtx.Err())
	}
}

// Reclaim немедленно удаляет один артефакт независимо от срока аренды.
// Уже удалённая запись возвращается без изменений.
func (s *Sweeper) Reclaim(ctx context.Context, artifactID string) (*model.ResourceRecord, error) {
	rec, err := s.ledger.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return rec, nil
	}

	if err := s.reclaim(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	sweepItemsDeletedTotal.Inc()

	s.logger.Info("Артефакт удалён по запросу", slog.String("artifact_id", artifactID))
	return s.ledger.Get(ctx, artifactID)
}

// Status возвращает текущее состояние и результат последнего тика.
func (s *Sweeper) Status() SweeperStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SweeperStatus{
		State:      s.state,
		Interval:   s.interval,
		BatchSize:  s.batchSize,
		MaxPerTick: s.maxPerTick,
		LastResult: s.last,
	}
}

func (s *Sweeper) setState(st SweepState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sweeper) finish(result *SweepResult) {
	sweepRunsTotal.Inc()
	sweepItemsDeletedTotal.Add(float64(result.DeletedCount))
	sweepItemErrorsTotal.Add(float64(result.ErrorCount))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
}
