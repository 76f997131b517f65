// Пакет quota — лимиты гостевых функций и чистая проверка квоты.
package quota

import (
	"fmt"
	"time"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
)

// DefaultMax — лимит операций на функцию по умолчанию.
const DefaultMax = 3

// Limits — максимальное число операций на каждую функцию.
type Limits struct {
	max map[model.Feature]int
}

// NewLimits строит лимиты: defaultMax для всех функций плюс переопределения.
// Ключи overrides — имена функций (merge, split, ...).
func NewLimits(defaultMax int, overrides map[string]int) (*Limits, error) {
	if defaultMax < 0 {
		return nil, fmt.Errorf("лимит квоты не может быть отрицательным: %d", defaultMax)
	}

	l := &Limits{max: make(map[model.Feature]int, len(model.AllFeatures))}
	for _, f := range model.AllFeatures {
		l.max[f] = defaultMax
	}
	for name, n := range overrides {
		f, err := model.ParseFeature(name)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("лимит квоты %s не может быть отрицательным: %d", name, n)
		}
		l.max[f] = n
	}
	return l, nil
}

// DefaultLimits — по 3 операции на каждую функцию.
func DefaultLimits() *Limits {
	l, _ := NewLimits(DefaultMax, nil)
	return l
}

// Max возвращает лимит функции. Неизвестная функция получает 0.
func (l *Limits) Max(f model.Feature) int {
	return l.max[f]
}

// Decision — результат проверки квоты.
type Decision struct {
	Feature      model.Feature `json:"feature"`
	Allowed      bool          `json:"allowed"`
	CurrentCount int           `json:"currentCount"`
	MaxCount     int           `json:"maxCount"`
}

// Evaluate сравнивает счётчик сессии с лимитом.
// Отсутствующая или истёкшая сессия всегда даёт Allowed=false, CurrentCount=0.
func (l *Limits) Evaluate(s *model.GuestSession, f model.Feature, now time.Time) Decision {
	d := Decision{Feature: f, MaxCount: l.Max(f)}
	if s == nil || s.IsExpired(now) {
		return d
	}
	d.CurrentCount = s.Count(f)
	d.Allowed = d.CurrentCount < d.MaxCount
	return d
}
