package server

import (
	"log"
	"net/http"
	"runtime/debug"

	"genflow/internal/apiserver/auth"
)

// Router 返回配置好的 HTTP 路由
//
// 健康检查与文档:
//   - GET /health
//   - GET /metrics
//   - GET /api/openapi.yaml
//   - GET /api/docs
//
// Run:
//   - POST   /api/v1/runs                     - 提交
//   - GET    /api/v1/runs                     - 列出本人的 Run
//   - GET    /api/v1/runs/{id}                - 详情
//   - DELETE /api/v1/runs/{id}                - 删除已结束的 Run
//   - GET    /api/v1/runs/{id}/events         - 增量轮询
//   - GET    /api/v1/runs/{id}/snapshot       - 快照轮询
//   - POST   /api/v1/runs/{id}/cancel         - 取消
//   - POST   /api/v1/runs/{id}/regenerate     - 基于反馈重新生成
//   - POST   /api/v1/runs/{id}/followup       - 追问
//
// WebSocket:
//   - GET    /ws/runs/{id}/events?cursor=     - 实时事件推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", MetricsHandler(h.gatherer))
	mux.HandleFunc("GET /api/openapi.yaml", h.OpenAPISpec)
	mux.HandleFunc("GET /api/docs", h.Docs)

	// Run 接口；启用校验时仅对 /api/v1 子树生效
	runMux := http.NewServeMux()
	h.runs.RegisterRoutes(runMux)
	var runAPI http.Handler = runMux
	if h.validate != nil {
		runAPI = h.validate(runMux)
	}
	mux.Handle("/api/v1/", runAPI)

	apiHandler := MetricsMiddleware(h.metrics)(mux)
	authMiddleware := auth.Middleware(h.authCfg)
	authedHandler := authMiddleware(apiHandler)
	corsHandler := corsMiddleware(h.serverCfg.CORSOrigin)(authedHandler)

	// WebSocket 绕过 metrics 中间件（包装后的 ResponseWriter 不支持 Hijack）
	topMux := http.NewServeMux()
	topMux.Handle("GET /ws/runs/{id}/events", authMiddleware(http.HandlerFunc(h.gateway.HandleWebSocket)))
	topMux.Handle("/", corsHandler)

	return recoverMiddleware(topMux)
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.DevOwnerHeader)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoverMiddleware 捕获处理器 panic，返回 500 而不是中断进程
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Printf("[http.panic] %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
