// Пакет s3store — хранилище артефактов в S3-совместимом бакете (AWS S3, Cloudflare R2, MinIO).
// Ключ объекта: {folder}/{artifactID}, как у PDF-сервиса.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage"
)

// Config — параметры подключения к бакету.
type Config struct {
	// Endpoint — пустой для AWS S3, обязателен для R2 и MinIO
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Store — реализация storage.Gateway поверх S3 API.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  *slog.Logger
}

// New создаёт клиента S3. Доступ к бакету не проверяется: для этого есть Ping.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("не заданы обязательные параметры: ключи доступа и бакет")
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	))

	opts := s3.Options{
		Region:           cfg.Region,
		Credentials:      creds,
		UsePathStyle:     cfg.UsePathStyle,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
		// R2 и MinIO не поддерживают checksum-трейлеры по умолчанию
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	client := s3.New(opts)

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		logger:  logger.With(slog.String("component", "s3store")),
	}, nil
}

// Ping проверяет доступность бакета (HeadBucket).
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("бакет %s недоступен: %w", s.bucket, err)
	}
	return nil
}

// Put загружает объект. Нераспознаваемый поток буферизуется в памяти:
// подпись запроса требует seekable тело.
func (s *Store) Put(ctx context.Context, folder model.Folder, r io.Reader, originalName, contentType string) (*storage.Object, error) {
	artifactID := storage.GenerateArtifactID(originalName)
	key := storage.Key(folder, artifactID)

	body, size, err := seekableBody(r)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения данных: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки объекта %s: %w", key, err)
	}

	s.logger.Debug("Объект загружен",
		slog.String("key", key),
		slog.Int64("size", size),
	)
	return &storage.Object{
		ArtifactID:  artifactID,
		Folder:      folder,
		Size:        size,
		ContentType: contentType,
	}, nil
}

func (s *Store) Get(ctx context.Context, artifactID string, folder model.Folder) (io.ReadCloser, error) {
	if err := storage.ValidateArtifactID(artifactID); err != nil {
		return nil, err
	}
	key := storage.Key(folder, artifactID)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("ошибка получения объекта %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *Store) Stat(ctx context.Context, artifactID string, folder model.Folder) (*storage.Object, error) {
	if err := storage.ValidateArtifactID(artifactID); err != nil {
		return nil, err
	}
	key := storage.Key(folder, artifactID)

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("ошибка получения метаданных %s: %w", key, err)
	}

	return &storage.Object{
		ArtifactID:  artifactID,
		Folder:      folder,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Delete удаляет объект. Отсутствующий объект считается удалённым.
func (s *Store) Delete(ctx context.Context, artifactID string, folder model.Folder) error {
	if err := storage.ValidateArtifactID(artifactID); err != nil {
		return err
	}
	key := storage.Key(folder, artifactID)

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", key, err)
	}
	return nil
}

// SignedURL возвращает presigned GET ссылку.
func (s *Store) SignedURL(ctx context.Context, artifactID string, folder model.Folder, ttl time.Duration) (string, error) {
	if err := storage.ValidateArtifactID(artifactID); err != nil {
		return "", err
	}
	key := storage.Key(folder, artifactID)

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("ошибка подписи ссылки %s: %w", key, err)
	}
	return req.URL, nil
}

// isNotFound распознаёт ответы S3 об отсутствии объекта.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func seekableBody(r io.Reader) (io.ReadSeeker, int64, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, err
		}
		end, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, err
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, 0, err
		}
		return rs, end - start, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}
