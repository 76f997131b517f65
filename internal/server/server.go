// Пакет server — HTTP-сервер Lifecycle Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	apierrors "github.com/bigkaa/docforge/lifecycle-module/internal/api/errors"
	"github.com/bigkaa/docforge/lifecycle-module/internal/api/handlers"
	"github.com/bigkaa/docforge/lifecycle-module/internal/api/middleware"
	"github.com/bigkaa/docforge/lifecycle-module/internal/config"
)

// Handlers — обработчики и middleware, из которых собирается роутер.
type Handlers struct {
	Health     *handlers.HealthHandler
	Files      *handlers.FilesHandler
	Processing *handlers.ProcessingHandler
	Guest      *handlers.GuestHandler
	Admin      *handlers.AdminHandler
	// Download — nil, если хранилище выдаёт собственные подписанные ссылки (S3, R2)
	Download *handlers.DownloadHandler

	JWTAuth     *middleware.JWTAuth
	RateLimiter *middleware.GuestRateLimiter
	// GuestSession — middleware привязки гостевой сессии
	GuestSession func(http.Handler) http.Handler
}

// Server — HTTP-сервер Lifecycle Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(cfg, logger, h),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // загрузка больших файлов
		WriteTimeout:      5 * time.Minute, // обработка PDF-сервисом
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты.
//
// Публичные: /health/*, /metrics, /files/{folder}/{id}.
// Пользовательские (/api/v1): JWT (необязательный) → лимит гостевых
// запросов → гостевая сессия.
// Административные (/api/v1/admin): JWT + роль администратора.
func NewRouter(cfg *config.Config, logger *slog.Logger, h Handlers) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger, cfg.TrustProxyHeaders))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.NotFound(w, "Маршрут не найден")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Метод не поддерживается")
	})

	// Health и metrics проверяются Kubernetes напрямую, без API Gateway.
	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Get("/metrics", h.Health.GetMetrics)

	if h.Download != nil {
		router.Get("/files/{folder}/{id}", h.Download.Download)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(h.JWTAuth.Middleware())

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(cfg.AdminRole))

			r.Get("/resources/statistics", h.Admin.GetStatistics)
			r.Get("/resources", h.Admin.ListResources)
			r.Get("/resources/{id}", h.Admin.GetResource)
			r.Delete("/resources/{id}", h.Admin.DeleteResource)
			r.Post("/sweeps", h.Admin.TriggerSweep)
			r.Get("/sweeper", h.Admin.GetSweeperStatus)
			r.Post("/guest-sessions/purge", h.Admin.PurgeGuestSessions)
			r.Put("/actors/{id}", h.Admin.PutActor)
		})

		r.Group(func(r chi.Router) {
			if h.RateLimiter != nil {
				r.Use(h.RateLimiter.Middleware())
			}
			r.Use(h.GuestSession)

			r.Post("/files", h.Files.UploadFile)
			r.Get("/files", h.Files.ListFiles)
			r.Get("/files/{id}", h.Files.GetFile)
			r.Get("/files/{id}/url", h.Files.GetFileURL)

			r.Post("/merge", h.Processing.Merge)
			r.Post("/split", h.Processing.Split)
			r.Post("/compress", h.Processing.Compress)
			r.Post("/convert", h.Processing.Convert)
			r.Post("/redact", h.Processing.Redact)
			r.Post("/detect-pii", h.Processing.DetectPII)

			r.Get("/guest/quota", h.Guest.QuotaStatus)
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
