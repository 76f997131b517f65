// Пакет filestore — локальное хранилище артефактов на диске.
// Файлы лежат в {dataDir}/{folder}/{artifactID}; ссылки на скачивание
// подписываются HMAC-SHA256 и обслуживаются самим сервисом.
package filestore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage"
)

// Ошибки проверки подписанной ссылки.
var (
	ErrSignatureInvalid = errors.New("неверная подпись ссылки")
	ErrSignatureExpired = errors.New("срок действия ссылки истёк")
)

// FileStore — локальная реализация storage.Gateway.
type FileStore struct {
	dataDir string
	secret  []byte
	// baseURL — внешний адрес сервиса для подписанных ссылок
	baseURL string
	now     func() time.Time
}

// New создаёт FileStore и директории папок uploads и temp.
func New(dataDir string, signingSecret, baseURL string) (*FileStore, error) {
	if signingSecret == "" {
		return nil, fmt.Errorf("секрет подписи ссылок не задан")
	}
	for _, f := range []model.Folder{model.FolderUploads, model.FolderTemp} {
		dir := filepath.Join(dataDir, string(f))
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}

	return &FileStore{
		dataDir: dataDir,
		secret:  []byte(signingSecret),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// DataDir возвращает корневую директорию хранилища.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

func (fs *FileStore) fullPath(artifactID string, folder model.Folder) (string, error) {
	if err := storage.ValidateArtifactID(artifactID); err != nil {
		return "", err
	}
	if _, err := model.ParseFolder(string(folder)); err != nil {
		return "", err
	}
	return filepath.Join(fs.dataDir, string(folder), artifactID), nil
}

// Put записывает данные на диск.
//
// Паттерн: temp файл → запись → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (fs *FileStore) Put(_ context.Context, folder model.Folder, r io.Reader, originalName, contentType string) (*storage.Object, error) {
	artifactID := storage.GenerateArtifactID(originalName)
	fullPath, err := fs.fullPath(artifactID, folder)
	if err != nil {
		return nil, err
	}
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	if contentType == "" {
		contentType = detectContentType(artifactID)
	}
	return &storage.Object{
		ArtifactID:  artifactID,
		Folder:      folder,
		Size:        size,
		ContentType: contentType,
	}, nil
}

// Get открывает файл для чтения.
func (fs *FileStore) Get(_ context.Context, artifactID string, folder model.Folder) (io.ReadCloser, error) {
	fullPath, err := fs.fullPath(artifactID, folder)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, storage.Key(folder, artifactID))
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", artifactID, err)
	}
	return f, nil
}

// Stat возвращает размер и тип содержимого файла.
func (fs *FileStore) Stat(_ context.Context, artifactID string, folder model.Folder) (*storage.Object, error) {
	fullPath, err := fs.fullPath(artifactID, folder)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, storage.Key(folder, artifactID))
		}
		return nil, fmt.Errorf("ошибка получения информации о файле %s: %w", artifactID, err)
	}

	return &storage.Object{
		ArtifactID:  artifactID,
		Folder:      folder,
		Size:        info.Size(),
		ContentType: detectContentType(artifactID),
	}, nil
}

// Delete удаляет файл с диска. Возвращает nil, если файла уже нет.
func (fs *FileStore) Delete(_ context.Context, artifactID string, folder model.Folder) error {
	fullPath, err := fs.fullPath(artifactID, folder)
	if err != nil {
		return err
	}

	err = os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", artifactID, err)
	}
	return nil
}

// SignedURL формирует ссылку вида
// {baseURL}/files/{folder}/{id}?expires={unix}&signature={hmac}.
func (fs *FileStore) SignedURL(_ context.Context, artifactID string, folder model.Folder, ttl time.Duration) (string, error) {
	if _, err := fs.fullPath(artifactID, folder); err != nil {
		return "", err
	}

	expires := strconv.FormatInt(fs.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", fs.sign(folder, artifactID, expires))

	return fmt.Sprintf("%s/files/%s/%s?%s",
		fs.baseURL, folder, url.PathEscape(artifactID), q.Encode()), nil
}

// VerifySignature проверяет подпись и срок действия ссылки.
func (fs *FileStore) VerifySignature(folder model.Folder, artifactID, expires, signature string) error {
	expected := fs.sign(folder, artifactID, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureInvalid
	}

	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if fs.now().Unix() >= exp {
		return ErrSignatureExpired
	}
	return nil
}

func (fs *FileStore) sign(folder model.Folder, artifactID, expires string) string {
	mac := hmac.New(sha256.New, fs.secret)
	mac.Write([]byte(string(folder) + "/" + artifactID + "/" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// detectContentType определяет MIME-тип по расширению.
func detectContentType(artifactID string) string {
	if ct := mime.TypeByExtension(filepath.Ext(artifactID)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
