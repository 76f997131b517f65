// dephealth.go — состояние PostgreSQL и PDF-сервиса в метриках topologymetrics.
//
// Без PostgreSQL модуль не может ни учитывать квоты, ни вести реестр
// артефактов, поэтому зависимость критическая. PDF-сервис нужен только
// для операций обработки: загрузка, скачивание и удаление файлов
// работают и без него, поэтому он помечен как некритический.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig описывает зависимости модуля для topologymetrics.
type DephealthConfig struct {
	ServiceID string
	Group     string

	// DB — пул PostgreSQL, обёрнутый в *sql.DB (stdlib.OpenDBFromPool).
	// Проверка идёт через него, отдельные соединения не открываются.
	DB *sql.DB
	// PostgresURL попадает только в лейблы метрик, пароль в нём не нужен.
	PostgresURL string

	PDFServiceURL string
	CheckInterval time.Duration

	// Registerer — nil означает глобальный prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// DephealthService публикует состояние PostgreSQL и PDF-сервиса
// в метриках app_dependency_* рядом с остальными метриками модуля.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService проверяет конфигурацию и регистрирует обе зависимости.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	if cfg.DB == nil {
		return nil, errors.New("dephealth: не задан пул PostgreSQL")
	}
	if cfg.PDFServiceURL == "" {
		return nil, errors.New("dephealth: не задан адрес PDF-сервиса")
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PostgresURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		),
		dephealth.HTTP("pdf-service",
			dephealth.FromURL(cfg.PDFServiceURL),
			dephealth.WithHTTPHealthPath("/health"),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(false),
		),
	}
	if cfg.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(cfg.Registerer))
	}

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}
	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

func (ds *DephealthService) Start(ctx context.Context) error {
	if err := ds.dh.Start(ctx); err != nil {
		return err
	}
	ds.logger.Info("Проверки PostgreSQL и PDF-сервиса запущены")
	return nil
}

func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Проверки зависимостей остановлены")
}

// Health — последний результат проверок, ключ вида "pdf-service:host:port".
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
