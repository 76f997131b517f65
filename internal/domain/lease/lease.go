// Пакет lease — расчёт срока аренды артефакта по классу владельца.
// Длительности задаются при создании Policy, вызовы For не имеют побочных
// эффектов и не возвращают ошибок. Неизвестный класс получает гостевой срок:
// политика ошибается в сторону более короткого хранения.
package lease

import (
	"fmt"
	"time"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
)

// Значения по умолчанию.
const (
	DefaultGuest = 5 * time.Minute
	DefaultFree  = 10 * time.Minute
	DefaultPaid  = 15 * time.Minute
)

// Policy — таблица сроков аренды.
type Policy struct {
	guest time.Duration
	free  time.Duration
	paid  time.Duration
}

// NewPolicy создаёт политику. Все длительности должны быть положительными.
func NewPolicy(guest, free, paid time.Duration) (*Policy, error) {
	if guest <= 0 || free <= 0 || paid <= 0 {
		return nil, fmt.Errorf("сроки аренды должны быть положительными: guest=%s free=%s paid=%s", guest, free, paid)
	}
	return &Policy{guest: guest, free: free, paid: paid}, nil
}

// DefaultPolicy — 5m / 10m / 15m.
func DefaultPolicy() *Policy {
	return &Policy{guest: DefaultGuest, free: DefaultFree, paid: DefaultPaid}
}

// For возвращает срок аренды для класса владельца.
func (p *Policy) For(class model.ActorClass) time.Duration {
	switch class {
	case model.ClassFree:
		return p.free
	case model.ClassPaid:
		return p.paid
	default:
		return p.guest
	}
}

// ExpiresAt возвращает момент истечения аренды, начатой в createdAt.
func (p *Policy) ExpiresAt(class model.ActorClass, createdAt time.Time) time.Time {
	return createdAt.Add(p.For(class))
}
