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

package worker

import (
	"context"
	"fmt"
	"time"

	"inquest-platform/internal/app"
	"inquest-platform/internal/ledger"
	"inquest-platform/pkg/config"
	"inquest-platform/pkg/log"
)

// App Worker 应用：共享账本上的衰减巡检数据面。
// API 是控制面；账本为 postgres 时只有 Worker 执行衰减。
type App struct {
	config *config.Config
	logger *log.Logger
	decay  *ledger.DecayScheduler
}

// NewApp 创建 Worker 应用
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil || cfg.Ledger.Type != "postgres" || cfg.Ledger.DSN == "" {
		return nil, fmt.Errorf("worker 需要 ledger.type=postgres：内存账本的衰减在 API 进程内执行")
	}

	bootstrap, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		return nil, err
	}

	age := 7 * 24 * time.Hour
	rate := 0.9
	interval := time.Hour
	age = config.ParseDuration(cfg.Decay.AgeThreshold, age)
	if r := cfg.Decay.Rate; r > 0 && r < 1 {
		rate = r
	}
	interval = config.ParseDuration(cfg.Decay.Interval, interval)

	policy := ledger.NewFixedRatePolicy(age, rate)
	scheduler := ledger.NewDecayScheduler(bootstrap.LedgerStore, policy, interval, bootstrap.Logger)

	return &App{
		config: cfg,
		logger: bootstrap.Logger,
		decay:  scheduler,
	}, nil
}

// Start 启动衰减巡检后立即返回，信号处理留在 cmd 层
func (a *App) Start() error {
	a.logger.Info("Worker 启动：衰减巡检")
	go a.decay.Start(context.Background())
	return nil
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	a.decay.Stop()
	a.logger.Info("Worker 已关闭")
	return nil
}
