package middleware

import (
	"net"
	"net/http"

	"github.com/zhouzirui/kudos-pass/backend/internal/ratelimit"
	"github.com/zhouzirui/kudos-pass/backend/pkg/utils"
)

// Admit 按客户端 IP 限流，超出预算时返回 429。guard 为 nil 时放行所有请求。
func Admit(guard *ratelimit.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guard.Allow(ClientIP(r), "") {
				utils.RespondError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP strips the port; chi's RealIP middleware has already applied
// X-Forwarded-For when present.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
