// guest.go — привязка гостевой сессии к запросу.
//
// Выполняется после JWT middleware. Результат (пользователь или гостевая
// сессия) помещается в контекст как model.Requester; cookie выставляется
// или сбрасывается по решению SessionResolver.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/docforge/lifecycle-module/internal/api/errors"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/service"
)

// ContextKeyRequester — model.Requester в контексте запроса.
const ContextKeyRequester contextKey = "requester"

// SessionResolver — выбор гостевой сессии. Реализуется *service.SessionResolver.
type SessionResolver interface {
	Resolve(ctx context.Context, in service.ResolveInput) (*service.Resolution, error)
}

// CookieConfig — параметры гостевой cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	// MaxAge равен окну жизни сессии
	MaxAge time.Duration
}

// GuestSession возвращает middleware привязки гостевой сессии.
func GuestSession(resolver SessionResolver, cookie CookieConfig, trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "guest_session"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := SubjectFromContext(r.Context())

			in := service.ResolveInput{
				Authenticated: subject != "",
				IP:            ClientIP(r, trustProxy),
			}
			if c, err := r.Cookie(cookie.Name); err == nil {
				in.CookieID = c.Value
			}

			res, err := resolver.Resolve(r.Context(), in)
			if err != nil {
				logger.Error("Ошибка привязки гостевой сессии",
					slog.String("ip", in.IP),
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w, "Не удалось определить гостевую сессию")
				return
			}

			switch {
			case res.ClearCookie:
				http.SetCookie(w, &http.Cookie{
					Name:     cookie.Name,
					Value:    "",
					Path:     "/",
					MaxAge:   -1,
					HttpOnly: true,
					Secure:   cookie.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			case res.SetCookie:
				http.SetCookie(w, &http.Cookie{
					Name:     cookie.Name,
					Value:    res.Session.ID,
					Path:     "/",
					MaxAge:   int(cookie.MaxAge.Seconds()),
					HttpOnly: true,
					Secure:   cookie.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			req := model.Requester{
				UserID:        subject,
				Session:       res.Session,
				SessionSource: res.Source,
			}
			ctx := context.WithValue(r.Context(), ContextKeyRequester, req)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequesterFromContext извлекает model.Requester из контекста запроса.
func RequesterFromContext(ctx context.Context) model.Requester {
	req, _ := ctx.Value(ContextKeyRequester).(model.Requester)
	return req
}
