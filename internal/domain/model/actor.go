package model

import "time"

// Actor — аутентифицированный пользователь и его текущий тариф.
// Тариф синхронизируется биллингом через административный API.
type Actor struct {
	ID        string
	Tier      ActorClass
	UpdatedAt time.Time
}
