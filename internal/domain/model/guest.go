package model

import (
	"fmt"
	"time"
)

// Feature — функция, использование которой гостем ограничено квотой.
type Feature string

const (
	FeatureMerge       Feature = "merge"
	FeatureRedaction   Feature = "redaction"
	FeatureConversion  Feature = "conversion"
	FeatureSplit       Feature = "split"
	FeatureCompression Feature = "compression"
)

// FeatureUpload — имя функции для загруженных исходников (квотой не ограничена).
const FeatureUpload = "upload"

// AllFeatures — все квотируемые функции в стабильном порядке.
var AllFeatures = []Feature{
	FeatureMerge,
	FeatureRedaction,
	FeatureConversion,
	FeatureSplit,
	FeatureCompression,
}

// ParseFeature проверяет имя квотируемой функции.
func ParseFeature(s string) (Feature, error) {
	for _, f := range AllFeatures {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("неизвестная функция %q", s)
}

// GuestSession — анонимный пользователь, идентифицируемый cookie и IP.
// ExpiresAt фиксируется при создании и не продлевается активностью.
type GuestSession struct {
	ID             string
	IPAddress      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time

	MergeCount       int
	RedactionCount   int
	ConversionCount  int
	SplitCount       int
	CompressionCount int
}

// IsExpired — сессия логически мертва на момент now.
func (s *GuestSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Count возвращает счётчик использования функции.
func (s *GuestSession) Count(f Feature) int {
	switch f {
	case FeatureMerge:
		return s.MergeCount
	case FeatureRedaction:
		return s.RedactionCount
	case FeatureConversion:
		return s.ConversionCount
	case FeatureSplit:
		return s.SplitCount
	case FeatureCompression:
		return s.CompressionCount
	default:
		return 0
	}
}

// SourceKind — откуда взята гостевая сессия текущего запроса.
type SourceKind string

const (
	// SourceCookie — сессия найдена по cookie.
	SourceCookie SourceKind = "cookie"
	// SourceIPAffinity — сессия подобрана по IP-адресу.
	// Эвристика против сброса квоты, не аутентификация.
	SourceIPAffinity SourceKind = "ip-affinity"
	// SourceCreated — новая сессия.
	SourceCreated SourceKind = "created"
)

// SessionSource — тег происхождения сессии. Не используется для контроля доступа.
type SessionSource struct {
	Kind SourceKind
}

// IsAffinityHint — сессия выбрана только по совпадению IP.
func (s SessionSource) IsAffinityHint() bool {
	return s.Kind == SourceIPAffinity
}

// Requester — от чьего имени выполняется запрос.
// Либо UserID (аутентифицированный пользователь), либо Session (гость).
type Requester struct {
	UserID        string
	Session       *GuestSession
	SessionSource SessionSource
}

// Authenticated — запрос несёт аутентифицированного пользователя.
func (r Requester) Authenticated() bool {
	return r.UserID != ""
}

// Owner возвращает владельца для артефактов, созданных в запросе.
func (r Requester) Owner() Owner {
	if r.Authenticated() {
		return Owner{UserID: r.UserID}
	}
	if r.Session != nil {
		return Owner{GuestSessionID: r.Session.ID}
	}
	return Owner{}
}
