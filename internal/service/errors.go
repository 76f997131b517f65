// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
)

var (
	// ErrNotFound — ресурс не найден (или не принадлежит запрашивающему).
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrSweepInProgress — очистка уже выполняется.
	ErrSweepInProgress = errors.New("очистка уже выполняется")
	// ErrEngineUnavailable — PDF-сервис недоступен.
	ErrEngineUnavailable = errors.New("PDF-сервис недоступен")
	// ErrStorageUnavailable — хранилище артефактов недоступно.
	ErrStorageUnavailable = errors.New("хранилище артефактов недоступно")
)

// InvalidOwnerError — у артефакта нет владельца либо владельцев двое.
// Ошибка программирования вызывающего кода.
type InvalidOwnerError struct {
	Owner model.Owner
}

func (e *InvalidOwnerError) Error() string {
	return fmt.Sprintf("некорректный владелец артефакта: user=%q guest_session=%q",
		e.Owner.UserID, e.Owner.GuestSessionID)
}

// OwnerNotFoundError — аутентифицированный владелец не найден в справочнике.
type OwnerNotFoundError struct {
	UserID string
}

func (e *OwnerNotFoundError) Error() string {
	return fmt.Sprintf("пользователь %s не найден", e.UserID)
}

// QuotaExceededError — гостевая квота функции исчерпана.
type QuotaExceededError struct {
	Feature      model.Feature
	CurrentCount int
	MaxCount     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("квота функции %s исчерпана: %d из %d", e.Feature, e.CurrentCount, e.MaxCount)
}

// ProcessingError — PDF-сервис отказал в обработке (некорректный документ, параметры).
type ProcessingError struct {
	Detail string
}

func (e *ProcessingError) Error() string {
	return "ошибка обработки документа: " + e.Detail
}
