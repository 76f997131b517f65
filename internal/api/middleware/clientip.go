package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP определяет IP клиента.
// trustProxy — доверять X-Forwarded-For / X-Real-IP (сервис за gateway).
// Из X-Forwarded-For берётся первый адрес цепочки.
func ClientIP(r *http.Request, trustProxy bool) string {
	var ip string
	if trustProxy {
		ip = r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip = r.Header.Get("X-Real-IP")
		}
		if first, _, found := strings.Cut(ip, ","); found {
			ip = first
		}
		ip = strings.TrimSpace(ip)
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}
	return ip
}
