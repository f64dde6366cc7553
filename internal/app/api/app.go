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

package api

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"inquest-platform/internal/admission"
	"inquest-platform/internal/api/http"
	"inquest-platform/internal/api/http/middleware"
	"inquest-platform/internal/app"
	"inquest-platform/internal/arbiter"
	"inquest-platform/internal/investigation"
	"inquest-platform/internal/ledger"
	"inquest-platform/pkg/config"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用：装配准入、账本、仲裁、调查循环与 HTTP 路由
type App struct {
	config       *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	decay        *ledger.DecayScheduler
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	auditSize := 1024
	if cfg != nil && cfg.API.Audit.RingSize > 0 {
		auditSize = cfg.API.Audit.RingSize
	}
	audit := admission.NewAuditLog(auditSize, bootstrap.Logger)

	admissionCfg := config.AdmissionConfig{}
	if cfg != nil {
		admissionCfg = cfg.Admission
	}
	controller := admission.New(admissionCfg, bootstrap.Counters, audit, bootstrap.Logger)

	hyps := arbiter.NewHypothesisStore()
	arb := arbiter.New(bootstrap.LedgerStore, hyps, nil, bootstrap.Logger)

	search := app.NewSearchFromConfig(cfg)
	prop := app.NewProposerFromConfig(cfg)

	defaultSteps, stepsCap := 5, 20
	proposerTimeout := 60 * time.Second
	retryOnFailure := true
	if cfg != nil {
		if cfg.Investigation.MaxStepsDefault > 0 {
			defaultSteps = cfg.Investigation.MaxStepsDefault
		}
		if cfg.Investigation.MaxStepsCap > 0 {
			stepsCap = cfg.Investigation.MaxStepsCap
		}
		proposerTimeout = config.ParseDuration(cfg.Investigation.ProposerTimeout, proposerTimeout)
		retryOnFailure = cfg.Investigation.RetryOnFailure
	}
	manager := investigation.NewManager(investigation.NewMemoryStore(), defaultSteps, stepsCap)
	runner := investigation.NewRunner(controller, search, prop, arb, hyps, bootstrap.Logger,
		proposerTimeout, retryOnFailure)

	handler := http.NewHandler(controller, bootstrap.LedgerStore, arb, hyps, manager, runner,
		search, prop, proposerTimeout)
	router := http.NewRouter(handler, middleware.NewMiddleware())
	if cfg != nil {
		router.SetAuditExperimental(cfg.API.Audit.Experimental)
	}

	if cfg != nil && cfg.API.Middleware.Auth && cfg.API.Middleware.JWTKey != "" {
		timeout := config.ParseDuration(cfg.API.Middleware.JWTTimeout, time.Hour)
		maxRefresh := config.ParseDuration(cfg.API.Middleware.JWTMaxRefresh, time.Hour)
		jwtAuth, err := middleware.NewJWTAuth([]byte(cfg.API.Middleware.JWTKey), timeout, maxRefresh)
		if err != nil {
			bootstrap.Logger.Warn("JWT 初始化失败，将跳过认证", "error", err)
		} else {
			router.SetJWT(jwtAuth)
			bootstrap.Logger.Info("JWT 认证已启用")
		}
	}

	appObj := &App{
		config: bootstrap,
		router: router,
	}

	// 控制面/数据面切分：账本为 postgres 时衰减巡检由 worker 负责，
	// 内存账本只在 API 进程内可见，巡检随 API 一起跑
	if cfg == nil || cfg.Ledger.Type != "postgres" {
		appObj.decay = newDecayScheduler(bootstrap)
	}

	return appObj, nil
}

// newDecayScheduler 按配置创建衰减巡检器
func newDecayScheduler(bootstrap *app.Bootstrap) *ledger.DecayScheduler {
	age := 7 * 24 * time.Hour
	rate := 0.9
	interval := time.Hour
	if bootstrap.Config != nil {
		age = config.ParseDuration(bootstrap.Config.Decay.AgeThreshold, age)
		if r := bootstrap.Config.Decay.Rate; r > 0 && r < 1 {
			rate = r
		}
		interval = config.ParseDuration(bootstrap.Config.Decay.Interval, interval)
	}
	policy := ledger.NewFixedRatePolicy(age, rate)
	return ledger.NewDecayScheduler(bootstrap.LedgerStore, policy, interval, bootstrap.Logger)
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.config.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 日志配置对齐
	output := os.Stdout
	if a.config.Config != nil && a.config.Config.Log.File != "" {
		f, err := os.OpenFile(a.config.Config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}
	levelVar := &slog.LevelVar{}
	if a.config.Config != nil {
		levelVar.Set(hlogLevel(a.config.Config.Log.Level))
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	// 可选：启用链路追踪（OpenTelemetry）
	if a.config.Config != nil && a.config.Config.Monitoring.Tracing.Enable {
		serviceName := a.config.Config.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "inquest-api"
		}
		exportEndpoint := a.config.Config.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if a.config.Config.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			p := provider.NewOpenTelemetryProvider(opts...)
			a.otelProvider = p
			tracerOpt, cfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(cfg))
			a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	// Start 会阻塞到 Stop，放入 goroutine 以免挡住 HTTP 监听
	if a.decay != nil {
		go a.decay.Start(context.Background())
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.decay != nil {
		a.decay.Stop()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		return a.hertz.Shutdown(ctx)
	}
	return nil
}

// hlogLevel 字符串转 slog.Level
func hlogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
