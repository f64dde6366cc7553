// Copyright 2026 inquest-platform
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"inquest-platform/internal/api/http/middleware"
)

// Router HTTP 路由装配
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware

	jwtAuth           *jwt.HertzJWTMiddleware
	auditExperimental bool
}

// NewRouter 创建路由装配器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// SetJWT 启用 JWT 认证；作用于变更类路由
func (r *Router) SetJWT(auth *jwt.HertzJWTMiddleware) {
	r.jwtAuth = auth
}

// SetAuditExperimental 开启准入审计接口（实验性）
func (r *Router) SetAuditExperimental(enabled bool) {
	r.auditExperimental = enabled
}

// Build 构建 Hertz Server 并注册路由
func (r *Router) Build(addr string, opts ...hertzconfig.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	h := server.Default(opts...)

	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api", r.middleware.CORS())
	api.GET("/health", r.handler.HealthCheck)

	if r.jwtAuth != nil {
		api.POST("/login", r.jwtAuth.LoginHandler)
	}

	mutating := api.Group("/")
	if r.jwtAuth != nil {
		mutating.Use(r.jwtAuth.MiddlewareFunc())
	}
	mutating.POST("/query", r.handler.Query)

	investigate := mutating.Group("/investigate")
	{
		investigate.POST("/start", r.handler.StartInvestigation)
		investigate.POST("/stop/:id", r.handler.StopInvestigation)
	}
	api.GET("/investigate/:id", r.handler.GetInvestigation)

	graph := api.Group("/graph")
	{
		graph.GET("/entities/:id", r.handler.GetEntity)
		graph.GET("/contradictions", r.handler.ListContradictions)
	}

	if r.auditExperimental {
		api.GET("/admissions/audit", r.handler.AdmissionAudit)
	}

	return h
}
