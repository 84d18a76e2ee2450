// Package server 提供 HTTP API 入口
//
// 文件组织：
//   - common.go: Handler 定义与通用工具函数
//   - handler.go: 路由与中间件链
//   - openapi.go: 基于 OpenAPI 文档的请求校验
//   - websocket.go: WebSocket 事件网关
//   - metrics.go: Prometheus HTTP 指标
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"genflow/api"
	"genflow/internal/apiserver/auth"
	"genflow/internal/apiserver/run"
	"genflow/internal/config"
	"genflow/internal/shared/eventbus"
	"genflow/internal/shared/metrics"
)

// Deps Handler 依赖
type Deps struct {
	Runs     *run.Service
	Bus      eventbus.RunEventBus // 可为空，WebSocket 退化为轮询
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // /metrics 导出源，为空时使用默认 Registry
	Auth     auth.Config
	Server   config.ServerConfig
}

// Handler API 处理器，持有路由所需的全部组件
type Handler struct {
	runs      *run.Handler
	gateway   *EventGateway
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	authCfg   auth.Config
	serverCfg config.ServerConfig

	validate func(http.Handler) http.Handler
	specYAML []byte
}

// NewHandler 创建 Handler；启用请求校验时加载内嵌 OpenAPI 文档
func NewHandler(deps Deps) (*Handler, error) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	h := &Handler{
		runs:      run.NewHandler(deps.Runs),
		gateway:   NewEventGateway(deps.Runs, deps.Bus, deps.Metrics),
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		authCfg:   deps.Auth,
		serverCfg: deps.Server,
	}

	spec, err := api.SpecYAML()
	if err != nil {
		return nil, fmt.Errorf("read openapi document: %w", err)
	}
	h.specYAML = spec

	if deps.Server.ValidateRequests {
		doc, err := api.LoadSpec()
		if err != nil {
			return nil, err
		}
		if h.validate, err = RequestValidator(doc); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Gateway 返回 WebSocket 事件网关（关闭服务时断开连接）
func (h *Handler) Gateway() *EventGateway {
	return h.gateway
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OpenAPISpec 返回 OpenAPI 文档
//
// 路由: GET /api/openapi.yaml
func (h *Handler) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(h.specYAML)
}

// Docs 返回 API 文档页面
//
// 路由: GET /api/docs
func (h *Handler) Docs(w http.ResponseWriter, r *http.Request) {
	page, err := api.DocsFS.ReadFile("docs/index.html")
	if err != nil {
		writeError(w, http.StatusNotFound, "docs not available")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}
