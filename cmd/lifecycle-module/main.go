// Точка входа Lifecycle Module — учёт и очистка временных артефактов
// PDF-сервиса, гостевые сессии и квоты.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт хранилище артефактов и клиент PDF-сервиса, сервисный слой и
// API handlers, запускает фоновые задачи (очистка артефактов, очистка
// гостевых сессий, topologymetrics), HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/docforge/lifecycle-module/internal/api/handlers"
	"github.com/bigkaa/docforge/lifecycle-module/internal/api/middleware"
	"github.com/bigkaa/docforge/lifecycle-module/internal/config"
	"github.com/bigkaa/docforge/lifecycle-module/internal/database"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/lease"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/quota"
	"github.com/bigkaa/docforge/lifecycle-module/internal/pdfclient"
	"github.com/bigkaa/docforge/lifecycle-module/internal/repository"
	"github.com/bigkaa/docforge/lifecycle-module/internal/server"
	"github.com/bigkaa/docforge/lifecycle-module/internal/service"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage/filestore"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage/s3store"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Lifecycle Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage", cfg.StorageType),
	)

	if os.Getenv("LM_DEPHEALTH_GROUP") == "" {
		logger.Warn("LM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Хранилище артефактов
	var (
		store          storage.Gateway
		downloads      *handlers.DownloadHandler
		storageChecker handlers.ReadinessChecker
	)
	switch cfg.StorageType {
	case config.StorageLocal:
		fs, fsErr := filestore.New(cfg.StorageDataDir, cfg.StorageSigningSecret, cfg.PublicBaseURL)
		if fsErr != nil {
			logger.Error("Ошибка инициализации локального хранилища", slog.String("error", fsErr.Error()))
			os.Exit(1)
		}
		store = fs
		downloads = handlers.NewDownloadHandler(fs, logger)
		logger.Info("Локальное хранилище готово", slog.String("data_dir", fs.DataDir()))

	default:
		s3, s3Err := s3store.New(s3store.Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		}, logger)
		if s3Err != nil {
			logger.Error("Ошибка инициализации S3-хранилища", slog.String("error", s3Err.Error()))
			os.Exit(1)
		}
		store = s3
		storageChecker = handlers.ReadinessFunc(func() (string, string) {
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s3.Ping(pingCtx); err != nil {
				return "fail", err.Error()
			}
			return "ok", ""
		})
		logger.Info("S3-хранилище готово",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("endpoint", cfg.S3Endpoint),
		)
	}

	// 6. Клиент PDF-сервиса
	engine := pdfclient.New(cfg.PDFServiceURL, cfg.PDFServiceTimeout, logger)

	// 7. Политики: сроки аренды и гостевые квоты
	policy, err := lease.NewPolicy(cfg.LeaseGuest, cfg.LeaseFree, cfg.LeasePaid)
	if err != nil {
		logger.Error("Некорректная политика аренды", slog.String("error", err.Error()))
		os.Exit(1)
	}
	limits, err := quota.NewLimits(cfg.QuotaMax, cfg.QuotaOverrides)
	if err != nil {
		logger.Error("Некорректные квоты", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 8. Repositories
	recordRepo := repository.NewResourceRecordRepository(pool)
	sessionRepo := repository.NewGuestSessionRepository(pool)
	actorRepo := repository.NewActorRepository(pool)

	// 9. Services
	actors := service.NewActorDirectory(actorRepo, cfg.ActorCacheSize, cfg.ActorCacheTTL, logger)
	ledger := service.NewResourceLedger(recordRepo, actors, policy, logger)
	sessions := service.NewGuestSessionRegistry(sessionRepo, limits, cfg.GuestSessionWindow, cfg.GuestPurgeInterval, logger)
	resolver := service.NewSessionResolver(sessions, logger)
	gate := service.NewQuotaGate(sessions, limits, logger)
	processing := service.NewProcessingService(ledger, store, engine, gate, cfg.SignedURLTTL, logger)
	sweeper := service.NewSweeper(ledger, store, cfg.SweepInterval, cfg.SweepBatchSize, cfg.SweepMaxPerTick, cfg.SweepItemTimeout, logger)

	// 10. JWT middleware (необязательная аутентификация)
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.JWTIssuer,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 11. Handlers
	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		storageChecker,
		middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.JWKSClientTimeout),
	)

	srv := server.New(cfg, logger, server.Handlers{
		Health:      healthHandler,
		Files:       handlers.NewFilesHandler(processing, cfg.MaxUploadSize, logger),
		Processing:  handlers.NewProcessingHandler(processing, logger),
		Guest:       handlers.NewGuestHandler(sessions, logger),
		Admin:       handlers.NewAdminHandler(ledger, sweeper, sessions, actors, logger),
		Download:    downloads,
		JWTAuth:     jwtAuth,
		RateLimiter: middleware.NewGuestRateLimiter(cfg.GuestRateLimit, cfg.GuestRateWindow, cfg.TrustProxyHeaders),
		GuestSession: middleware.GuestSession(resolver, middleware.CookieConfig{
			Name:   cfg.GuestCookieName,
			Secure: cfg.GuestCookieSecure,
			MaxAge: sessions.Window(),
		}, cfg.TrustProxyHeaders, logger),
	})

	// 12. Запуск фоновых задач
	sweeper.Start(ctx)
	sessions.Start(ctx)

	// 12.1 topologymetrics — мониторинг зависимостей (PostgreSQL + PDF-сервис)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "lifecycle-module",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PostgresURL:   cfg.DatabaseURL(),
		PDFServiceURL: cfg.PDFServiceURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 13. Запуск HTTP-сервера (блокирующий вызов с graceful shutdown)
	runErr := srv.Run()

	// 14. Остановка фоновых задач после HTTP-сервера
	sweeper.Stop()
	sessions.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Сервер завершился с ошибкой", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Lifecycle Module остановлен")
}
