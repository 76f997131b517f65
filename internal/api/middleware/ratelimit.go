// ratelimit.go — ограничение частоты гостевых запросов с одного IP.
// Аутентифицированные запросы не ограничиваются.
// Лимитеры хранятся в expirable LRU: неактивные IP вытесняются сами.
package middleware

import (
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	apierrors "github.com/bigkaa/docforge/lifecycle-module/internal/api/errors"
)

// maxTrackedIPs — предел числа отслеживаемых адресов.
const maxTrackedIPs = 10000

// GuestRateLimiter — per-IP token bucket.
type GuestRateLimiter struct {
	limit      rate.Limit
	burst      int
	trustProxy bool
	limiters   *expirable.LRU[string, *rate.Limiter]
}

// NewGuestRateLimiter создаёт ограничитель: requests запросов за window с одного IP.
func NewGuestRateLimiter(requests int, window time.Duration, trustProxy bool) *GuestRateLimiter {
	return &GuestRateLimiter{
		limit:      rate.Limit(float64(requests) / window.Seconds()),
		burst:      requests,
		trustProxy: trustProxy,
		// Лимитер неактивного IP за 3 окна полностью восстанавливается
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedIPs, nil, 3*window),
	}
}

// Allow расходует один токен IP.
func (l *GuestRateLimiter) Allow(ip string) bool {
	lim, ok := l.limiters.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		// Add может гоняться с параллельным запросом того же IP:
		// в худшем случае один лишний токен
		l.limiters.Add(ip, lim)
	}
	return lim.Allow()
}

// Middleware возвращает HTTP middleware ограничения.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func (l *GuestRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SubjectFromContext(r.Context()) == "" && !l.Allow(ClientIP(r, l.trustProxy)) {
				w.Header().Set("Retry-After", "1")
				apierrors.RateLimited(w, "Слишком много запросов, повторите позже")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
