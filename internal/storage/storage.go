// Пакет storage — шлюз к объектному хранилищу артефактов.
// Объект адресуется парой (папка, идентификатор артефакта).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
)

// ErrObjectNotFound — объект отсутствует в хранилище.
var ErrObjectNotFound = errors.New("объект не найден в хранилище")

// Object — метаданные объекта хранилища.
type Object struct {
	ArtifactID  string
	Folder      model.Folder
	Size        int64
	ContentType string
}

// Gateway — операции над объектами хранилища.
// Delete идемпотентен: отсутствие объекта не ошибка.
type Gateway interface {
	// Put сохраняет содержимое под новым идентификатором артефакта.
	Put(ctx context.Context, folder model.Folder, r io.Reader, originalName, contentType string) (*Object, error)
	// Get открывает объект на чтение. Вызывающий обязан закрыть ReadCloser.
	Get(ctx context.Context, artifactID string, folder model.Folder) (io.ReadCloser, error)
	// Stat возвращает метаданные объекта или ErrObjectNotFound.
	Stat(ctx context.Context, artifactID string, folder model.Folder) (*Object, error)
	Delete(ctx context.Context, artifactID string, folder model.Folder) error
	// SignedURL возвращает временную ссылку на скачивание.
	SignedURL(ctx context.Context, artifactID string, folder model.Folder, ttl time.Duration) (string, error)
}

// GenerateArtifactID создаёт идентификатор артефакта: uuid + расширение исходного имени.
func GenerateArtifactID(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !validExt(ext) {
		ext = ""
	}
	return uuid.New().String() + ext
}

// Key — ключ объекта в хранилище: {folder}/{artifactID}.
func Key(folder model.Folder, artifactID string) string {
	return path.Join(string(folder), artifactID)
}

// ValidateArtifactID отсекает идентификаторы, выходящие за пределы папки.
func ValidateArtifactID(artifactID string) error {
	if artifactID == "" || len(artifactID) > 128 {
		return fmt.Errorf("недопустимая длина идентификатора артефакта")
	}
	if strings.ContainsAny(artifactID, `/\`) || strings.Contains(artifactID, "..") {
		return fmt.Errorf("недопустимый идентификатор артефакта %q", artifactID)
	}
	return nil
}

// validExt — расширение из латиницы и цифр, не длиннее 10 символов.
func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 10 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
