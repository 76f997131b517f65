// Пакет model — доменные модели Lifecycle Module.
package model

import (
	"fmt"
	"time"
)

// Folder — логическая папка хранилища артефактов.
type Folder string

const (
	// FolderUploads — исходные файлы, загруженные пользователем.
	FolderUploads Folder = "uploads"
	// FolderTemp — результаты обработки PDF-сервисом.
	FolderTemp Folder = "temp"
)

// ParseFolder проверяет имя папки.
func ParseFolder(s string) (Folder, error) {
	switch f := Folder(s); f {
	case FolderUploads, FolderTemp:
		return f, nil
	default:
		return "", fmt.Errorf("неизвестная папка %q, допустимые: uploads, temp", s)
	}
}

// ActorClass — классификация владельца артефакта, определяющая срок аренды.
type ActorClass string

const (
	ClassGuest ActorClass = "guest"
	ClassFree  ActorClass = "free"
	ClassPaid  ActorClass = "paid"
)

// ParseActorClass проверяет имя тарифа.
func ParseActorClass(s string) (ActorClass, error) {
	switch c := ActorClass(s); c {
	case ClassGuest, ClassFree, ClassPaid:
		return c, nil
	default:
		return "", fmt.Errorf("неизвестный тариф %q, допустимые: guest, free, paid", s)
	}
}

// Owner — владелец артефакта: ровно одно из полей заполнено.
type Owner struct {
	// UserID — идентификатор аутентифицированного пользователя
	UserID string
	// GuestSessionID — идентификатор гостевой сессии
	GuestSessionID string
}

// IsGuest — владелец является гостевой сессией.
func (o Owner) IsGuest() bool {
	return o.GuestSessionID != "" && o.UserID == ""
}

// IsUser — владелец является аутентифицированным пользователем.
func (o Owner) IsUser() bool {
	return o.UserID != "" && o.GuestSessionID == ""
}

// Valid — заполнено ровно одно поле.
func (o Owner) Valid() bool {
	return o.IsGuest() || o.IsUser()
}

// ResourceRecord — запись реестра об одном артефакте в хранилище.
// После создания меняются только Deleted и DeletedAt.
type ResourceRecord struct {
	ArtifactID     string
	Folder         Folder
	UserID         *string
	GuestSessionID *string
	ActorClass     ActorClass
	Size           int64
	DisplayName    string
	MimeType       string
	Feature        string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Deleted        bool
	DeletedAt      *time.Time
}

// Owner возвращает владельца записи.
func (r *ResourceRecord) Owner() Owner {
	var o Owner
	if r.UserID != nil {
		o.UserID = *r.UserID
	}
	if r.GuestSessionID != nil {
		o.GuestSessionID = *r.GuestSessionID
	}
	return o
}

// OwnedBy проверяет принадлежность записи владельцу.
func (r *ResourceRecord) OwnedBy(o Owner) bool {
	if !o.Valid() {
		return false
	}
	return r.Owner() == o
}

// IsExpired — срок аренды истёк на момент now (граница включительно).
func (r *ResourceRecord) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// LedgerStatistics — агрегаты по реестру артефактов.
type LedgerStatistics struct {
	TotalFiles        int            `json:"totalFiles"`
	ExpiredFiles      int            `json:"expiredFiles"`
	DeletedFiles      int            `json:"deletedFiles"`
	FilesByActorClass map[string]int `json:"filesByActorClass"`
	FilesByFeature    map[string]int `json:"filesByFeature"`
}
