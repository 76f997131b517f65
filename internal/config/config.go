// Пакет config — загрузка и валидация конфигурации Lifecycle Module
// из переменных окружения (префикс LM_).
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Типы backend-хранилища артефактов.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
	StorageR2    = "r2"
)

// Config содержит все параметры конфигурации Lifecycle Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8030-8039)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Разрешённые CORS origins
	CORSAllowedOrigins []string
	// Максимальный размер загружаемого файла в байтах
	MaxUploadSize int64
	// Доверять X-Forwarded-For / X-Real-IP при определении IP клиента
	TrustProxyHeaders bool

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Хранилище артефактов ---

	// Тип хранилища: local, s3, r2
	StorageType string
	// Корневая директория локального хранилища
	StorageDataDir string
	// Секрет подписи ссылок локального хранилища
	StorageSigningSecret string
	// Внешний базовый URL сервиса (для подписанных ссылок local)
	PublicBaseURL string
	// Endpoint S3-совместимого хранилища (для r2 обязателен)
	S3Endpoint string
	S3Region   string
	S3Bucket   string
	// Ключи доступа S3
	S3AccessKeyID     string
	S3SecretAccessKey string
	// Path-style адресация бакета (MinIO и т.п.)
	S3UsePathStyle bool
	// Время жизни подписанной ссылки на скачивание
	SignedURLTTL time.Duration

	// --- Политика аренды артефактов ---

	LeaseGuest time.Duration
	LeaseFree  time.Duration
	LeasePaid  time.Duration

	// --- Очистка просроченных артефактов ---

	// Интервал запуска sweeper
	SweepInterval time.Duration
	// Размер пакета параллельных удалений
	SweepBatchSize int
	// Таймаут удаления одного артефакта
	SweepItemTimeout time.Duration
	// Максимум записей, выбираемых за один тик; остаток ждёт следующего
	SweepMaxPerTick int

	// --- Гостевые сессии ---

	// Окно жизни гостевой сессии (фиксируется при создании)
	GuestSessionWindow time.Duration
	GuestCookieName    string
	GuestCookieSecure  bool
	// Интервал фоновой очистки просроченных сессий
	GuestPurgeInterval time.Duration
	// Лимит запросов гостя с одного IP за окно
	GuestRateLimit  int
	GuestRateWindow time.Duration

	// --- Квоты ---

	// Максимум операций на функцию по умолчанию
	QuotaMax int
	// Переопределения по функциям: feature → max
	QuotaOverrides map[string]int

	// --- JWT ---

	JWTJWKSURL          string
	JWTIssuer           string
	JWTLeeway           time.Duration
	JWKSClientTimeout   time.Duration
	JWKSRefreshInterval time.Duration
	// Роль, открывающая административные endpoints
	AdminRole string
	// Кэш тарифов пользователей
	ActorCacheSize int
	ActorCacheTTL  time.Duration

	// --- PDF-сервис ---

	PDFServiceURL     string
	PDFServiceTimeout time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("LM_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("LM_PORT: %w", err)
	}
	if cfg.Port < 8030 || cfg.Port > 8039 {
		return nil, fmt.Errorf("LM_PORT: значение %d вне допустимого диапазона 8030-8039", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("LM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("LM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.CORSAllowedOrigins = parseCSV(getEnvDefault("LM_CORS_ALLOWED_ORIGINS", "*"))

	maxUpload, err := getEnvInt("LM_MAX_UPLOAD_SIZE", 100<<20)
	if err != nil {
		return nil, fmt.Errorf("LM_MAX_UPLOAD_SIZE: %w", err)
	}
	if maxUpload <= 0 {
		return nil, fmt.Errorf("LM_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}
	cfg.MaxUploadSize = int64(maxUpload)

	cfg.TrustProxyHeaders, err = getEnvBool("LM_TRUST_PROXY_HEADERS", true)
	if err != nil {
		return nil, fmt.Errorf("LM_TRUST_PROXY_HEADERS: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("LM_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("LM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("LM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("LM_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("LM_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("LM_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("LM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("LM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Хранилище ---

	if err := loadStorage(cfg); err != nil {
		return nil, err
	}

	// --- Аренда ---

	if cfg.LeaseGuest, err = getEnvPositiveDuration("LM_LEASE_GUEST", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LeaseFree, err = getEnvPositiveDuration("LM_LEASE_FREE", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LeasePaid, err = getEnvPositiveDuration("LM_LEASE_PAID", 15*time.Minute); err != nil {
		return nil, err
	}

	// --- Sweeper ---

	if cfg.SweepInterval, err = getEnvPositiveDuration("LM_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	cfg.SweepBatchSize, err = getEnvInt("LM_SWEEP_BATCH_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("LM_SWEEP_BATCH_SIZE: %w", err)
	}
	if cfg.SweepBatchSize < 1 || cfg.SweepBatchSize > 100 {
		return nil, fmt.Errorf("LM_SWEEP_BATCH_SIZE: значение %d вне допустимого диапазона 1-100", cfg.SweepBatchSize)
	}
	if cfg.SweepItemTimeout, err = getEnvPositiveDuration("LM_SWEEP_ITEM_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	cfg.SweepMaxPerTick, err = getEnvInt("LM_SWEEP_MAX_PER_TICK", 50*cfg.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("LM_SWEEP_MAX_PER_TICK: %w", err)
	}
	if cfg.SweepMaxPerTick < cfg.SweepBatchSize {
		return nil, fmt.Errorf("LM_SWEEP_MAX_PER_TICK: значение %d меньше размера пакета %d", cfg.SweepMaxPerTick, cfg.SweepBatchSize)
	}

	// --- Гостевые сессии ---

	if cfg.GuestSessionWindow, err = getEnvPositiveDuration("LM_GUEST_SESSION_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	cfg.GuestCookieName = getEnvDefault("LM_GUEST_COOKIE_NAME", "guest_session")
	cfg.GuestCookieSecure, err = getEnvBool("LM_GUEST_COOKIE_SECURE", false)
	if err != nil {
		return nil, fmt.Errorf("LM_GUEST_COOKIE_SECURE: %w", err)
	}
	if cfg.GuestPurgeInterval, err = getEnvPositiveDuration("LM_GUEST_PURGE_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	cfg.GuestRateLimit, err = getEnvInt("LM_GUEST_RATE_LIMIT", 120)
	if err != nil {
		return nil, fmt.Errorf("LM_GUEST_RATE_LIMIT: %w", err)
	}
	if cfg.GuestRateLimit < 1 {
		return nil, fmt.Errorf("LM_GUEST_RATE_LIMIT: значение должно быть не меньше 1")
	}
	if cfg.GuestRateWindow, err = getEnvPositiveDuration("LM_GUEST_RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	// --- Квоты ---

	cfg.QuotaMax, err = getEnvInt("LM_QUOTA_MAX", 3)
	if err != nil {
		return nil, fmt.Errorf("LM_QUOTA_MAX: %w", err)
	}
	if cfg.QuotaMax < 0 {
		return nil, fmt.Errorf("LM_QUOTA_MAX: значение не может быть отрицательным")
	}
	cfg.QuotaOverrides, err = parseQuotaOverrides(getEnvDefault("LM_QUOTA_OVERRIDES", ""))
	if err != nil {
		return nil, fmt.Errorf("LM_QUOTA_OVERRIDES: %w", err)
	}

	// --- JWT ---

	if cfg.JWTJWKSURL, err = getEnvRequired("LM_JWT_JWKS_URL"); err != nil {
		return nil, err
	}
	cfg.JWTIssuer = getEnvDefault("LM_JWT_ISSUER", "")
	if cfg.JWTLeeway, err = getEnvDuration("LM_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("LM_JWT_LEEWAY: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvDuration("LM_JWKS_CLIENT_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("LM_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("LM_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("LM_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.AdminRole = getEnvDefault("LM_ADMIN_ROLE", "lifecycle-admin")
	cfg.ActorCacheSize, err = getEnvInt("LM_ACTOR_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("LM_ACTOR_CACHE_SIZE: %w", err)
	}
	if cfg.ActorCacheSize < 1 {
		return nil, fmt.Errorf("LM_ACTOR_CACHE_SIZE: значение должно быть не меньше 1")
	}
	if cfg.ActorCacheTTL, err = getEnvPositiveDuration("LM_ACTOR_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}

	// --- PDF-сервис ---

	if cfg.PDFServiceURL, err = getEnvRequired("LM_PDF_SERVICE_URL"); err != nil {
		return nil, err
	}
	cfg.PDFServiceURL = strings.TrimRight(cfg.PDFServiceURL, "/")
	if cfg.PDFServiceTimeout, err = getEnvPositiveDuration("LM_PDF_SERVICE_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("LM_DEPHEALTH_GROUP", "docforge")
	if cfg.DephealthCheckInterval, err = getEnvPositiveDuration("LM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}

	// --- Graceful shutdown ---

	if cfg.ShutdownTimeout, err = getEnvDuration("LM_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("LM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadStorage читает параметры backend-хранилища.
// Для local обязательны секрет подписи и внешний URL, для s3/r2 — бакет и ключи.
func loadStorage(cfg *Config) error {
	var err error

	cfg.StorageType = strings.ToLower(getEnvDefault("LM_STORAGE_TYPE", StorageLocal))
	if cfg.SignedURLTTL, err = getEnvPositiveDuration("LM_SIGNED_URL_TTL", 15*time.Minute); err != nil {
		return err
	}

	switch cfg.StorageType {
	case StorageLocal:
		cfg.StorageDataDir = getEnvDefault("LM_STORAGE_DATA_DIR", "./data")
		if cfg.StorageSigningSecret, err = getEnvRequired("LM_STORAGE_SIGNING_SECRET"); err != nil {
			return err
		}
		if cfg.PublicBaseURL, err = getEnvRequired("LM_PUBLIC_BASE_URL"); err != nil {
			return err
		}
		cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	case StorageS3, StorageR2:
		cfg.S3Endpoint = getEnvDefault("LM_S3_ENDPOINT", "")
		if cfg.StorageType == StorageR2 && cfg.S3Endpoint == "" {
			return fmt.Errorf("LM_S3_ENDPOINT: обязателен для LM_STORAGE_TYPE=r2")
		}
		defaultRegion := "us-east-1"
		if cfg.StorageType == StorageR2 {
			defaultRegion = "auto"
		}
		cfg.S3Region = getEnvDefault("LM_S3_REGION", defaultRegion)
		if cfg.S3Bucket, err = getEnvRequired("LM_S3_BUCKET"); err != nil {
			return err
		}
		if cfg.S3AccessKeyID, err = getEnvRequired("LM_S3_ACCESS_KEY_ID"); err != nil {
			return err
		}
		if cfg.S3SecretAccessKey, err = getEnvRequired("LM_S3_SECRET_ACCESS_KEY"); err != nil {
			return err
		}
		if cfg.S3UsePathStyle, err = getEnvBool("LM_S3_USE_PATH_STYLE", false); err != nil {
			return fmt.Errorf("LM_S3_USE_PATH_STYLE: %w", err)
		}

	default:
		return fmt.Errorf("LM_STORAGE_TYPE: недопустимое значение %q, допустимые: local, s3, r2", cfg.StorageType)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для меток topologymetrics).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.User(c.DBUser),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvPositiveDuration — getEnvDuration с проверкой d > 0.
// Ошибка уже содержит имя переменной.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: длительность должна быть положительной, получено %s", key, d)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseQuotaOverrides разбирает "merge=5,split=3" в map.
// Имена функций проверяются позже, при построении лимитов квот.
func parseQuotaOverrides(s string) (map[string]int, error) {
	items := parseCSV(s)
	if len(items) == 0 {
		return nil, nil
	}
	result := make(map[string]int, len(items))
	for _, item := range items {
		name, val, ok := strings.Cut(item, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("некорректный элемент %q, ожидается feature=max", item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("некорректный максимум для %q: %q", name, val)
		}
		result[name] = n
	}
	return result, nil
}
