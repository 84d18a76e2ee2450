package auth

import (
	"log"
	"net/http"
	"strings"
)

// 免认证路由白名单（前缀匹配）
var publicPrefixes = []string{
	"/health",
	"/metrics",
	"/api/docs",
	"/api/openapi",
}

func isPublicRoute(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// bearerToken 从 Authorization 头提取令牌；WebSocket 握手无法自定义请求头，允许 ?access_token=
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", false
		}
		return parts[1], true
	}
	if strings.HasPrefix(r.URL.Path, "/ws/") {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// Middleware 创建认证中间件
//
// JWT 模式：校验 Bearer Token，subject 作为 owner。
// 开发模式（未配置 JWT_SECRET）：owner 取自 X-User-ID 请求头。
// 没有身份的非公开请求返回 401。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if !cfg.Enabled() {
				owner := strings.TrimSpace(r.Header.Get(DevOwnerHeader))
				if owner == "" {
					owner = r.URL.Query().Get("user_id")
				}
				if owner == "" {
					http.Error(w, `{"error":"missing X-User-ID header"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, `{"error":"missing or invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
			claims, err := ParseToken(cfg, token)
			if err != nil {
				log.Printf("[auth] token parse error: %v", err)
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), claims.Subject)))
		})
	}
}
