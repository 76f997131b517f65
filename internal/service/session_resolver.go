// session_resolver.go — выбор гостевой сессии для входящего запроса.
//
// Порядок:
//  1. Аутентифицированный запрос: сессия не нужна, гостевая cookie сбрасывается
//  2. Cookie указывает на живую сессию: используется она
//  3. Иначе живая сессия того же IP (affinity): cookie переустанавливается
//  4. Иначе новая сессия
//
// Найденная сессия получает отметку активности. Совпадение IP — эвристика
// против сброса квоты удалением cookie, а не аутентификация.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
)

var guestSessionsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lm_guest_sessions_resolved_total",
	Help: "Количество запросов с гостевой сессией по источнику (cookie, ip-affinity, created)",
}, []string{"source"})

// ResolveInput — данные запроса для выбора сессии.
type ResolveInput struct {
	Authenticated bool
	// CookieID — значение гостевой cookie (пусто, если cookie нет)
	CookieID string
	IP       string
}

// Resolution — результат выбора сессии.
type Resolution struct {
	// Session — nil для аутентифицированного запроса
	Session *model.GuestSession
	Source  model.SessionSource
	// SetCookie — клиенту нужно выдать cookie с Session.ID
	SetCookie bool
	// ClearCookie — клиенту нужно удалить гостевую cookie
	ClearCookie bool
}

// SessionStore — операции реестра сессий, нужные для выбора.
type SessionStore interface {
	Create(ctx context.Context, ip string) (*model.GuestSession, error)
	Get(ctx context.Context, id string) (*model.GuestSession, error)
	FindActiveByIP(ctx context.Context, ip string) (*model.GuestSession, error)
}

// SessionToucher — отметка активности сессии.
type SessionToucher interface {
	Touch(ctx context.Context, id string) (time.Time, error)
}

// SessionResolver — политика выбора гостевой сессии.
type SessionResolver struct {
	store   SessionStore
	toucher SessionToucher
	// group объединяет одновременные find-or-create одного IP,
	// чтобы параллельные запросы без cookie не плодили сессии
	group singleflight.Group
	// sharedTimeout ограничивает общий find-or-create
	sharedTimeout time.Duration
	logger        *slog.Logger
}

// DefaultResolveTimeout — предел общего поиска или создания сессии для IP.
const DefaultResolveTimeout = 10 * time.Second

// NewSessionResolver создаёт политику выбора сессии поверх реестра.
func NewSessionResolver(registry *GuestSessionRegistry, logger *slog.Logger) *SessionResolver {
	return newSessionResolver(registry, registry, logger)
}

func newSessionResolver(store SessionStore, toucher SessionToucher, logger *slog.Logger) *SessionResolver {
	return &SessionResolver{
		store:         store,
		toucher:       toucher,
		sharedTimeout: DefaultResolveTimeout,
		logger:        logger.With(slog.String("component", "session_resolver")),
	}
}

// Resolve выбирает сессию для запроса.
func (sr *SessionResolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	if in.Authenticated {
		return &Resolution{ClearCookie: in.CookieID != ""}, nil
	}

	res, err := sr.lookup(ctx, in)
	if err != nil {
		return nil, err
	}

	at, err := sr.toucher.Touch(ctx, res.Session.ID)
	if errors.Is(err, ErrNotFound) {
		// Сессия истекла между выбором и отметкой: повторный выбор без cookie
		sr.logger.Debug("Гостевая сессия истекла при отметке активности",
			slog.String("session_id", res.Session.ID),
		)
		res, err = sr.lookup(ctx, ResolveInput{IP: in.IP})
		if err != nil {
			return nil, err
		}
		at, err = sr.toucher.Touch(ctx, res.Session.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка отметки активности сессии %s: %w", res.Session.ID, err)
	}
	res.Session.LastActivityAt = at

	guestSessionsResolvedTotal.WithLabelValues(string(res.Source.Kind)).Inc()
	return res, nil
}

func (sr *SessionResolver) lookup(ctx context.Context, in ResolveInput) (*Resolution, error) {
	if in.CookieID != "" {
		s, err := sr.store.Get(ctx, in.CookieID)
		switch {
		case err == nil:
			return &Resolution{
				Session: s,
				Source:  model.SessionSource{Kind: model.SourceCookie},
			}, nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("ошибка получения гостевой сессии: %w", err)
		}
	}

	type found struct {
		session *model.GuestSession
		kind    model.SourceKind
	}

	// Общая работа не зависит от отмены запроса, открывшего её:
	// остальные ожидающие запросы того же IP получат результат
	ch := sr.group.DoChan(in.IP, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sr.sharedTimeout)
		defer cancel()

		s, err := sr.store.FindActiveByIP(ctx, in.IP)
		if err == nil {
			return found{session: s, kind: model.SourceIPAffinity}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("ошибка поиска гостевой сессии по IP: %w", err)
		}

		s, err = sr.store.Create(ctx, in.IP)
		if err != nil {
			return nil, err
		}
		return found{session: s, kind: model.SourceCreated}, nil
	})

	var f found
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		f = r.Val.(found)
	}
	// Результат singleflight общий для всех ожидающих: каждому своя копия
	session := *f.session

	if f.kind == model.SourceIPAffinity {
		sr.logger.Debug("Гостевая сессия подобрана по IP",
			slog.String("session_id", session.ID),
			slog.String("ip", in.IP),
		)
	}
	return &Resolution{
		Session:   &session,
		Source:    model.SessionSource{Kind: f.kind},
		SetCookie: true,
	}, nil
}
