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

package app

import (
	"context"
	"fmt"

	"inquest-platform/internal/admission"
	"inquest-platform/internal/ledger"
	"inquest-platform/internal/proposer"
	"inquest-platform/pkg/config"
	"inquest-platform/pkg/log"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写装配逻辑
type Bootstrap struct {
	Config      *config.Config
	Logger      *log.Logger
	LedgerStore ledger.Store
	Counters    admission.CounterStore
}

// NewBootstrap 根据配置创建共享后端（日志、账本存储、计数后端）
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志failed: %w", err)
	}

	var store ledger.Store
	if cfg != nil && cfg.Ledger.Type == "postgres" && cfg.Ledger.DSN != "" {
		store, err = ledger.NewPostgresStore(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, fmt.Errorf("初始化账本存储(postgres)failed: %w", err)
		}
		logger.Info("证据账本使用 PostgreSQL 后端")
	} else {
		store = ledger.NewMemoryStore()
	}

	var counters admission.CounterStore
	if cfg != nil && cfg.Counters.Type == "redis" && cfg.Counters.Addr != "" {
		counters, err = admission.NewRedisCounters(ctx, cfg.Counters.Addr, cfg.Counters.Password, cfg.Counters.DB)
		if err != nil {
			return nil, fmt.Errorf("初始化计数后端(redis)failed: %w", err)
		}
		logger.Info("准入计数使用 Redis 后端", "addr", cfg.Counters.Addr)
	} else {
		counters = admission.NewMemoryCounters()
	}

	return &Bootstrap{
		Config:      cfg,
		Logger:      logger,
		LedgerStore: store,
		Counters:    counters,
	}, nil
}

// NewProposerFromConfig 根据配置创建提议方；provider=rule 或无 API key 时
// 回落到规则提议方
func NewProposerFromConfig(cfg *config.Config) proposer.Proposer {
	if cfg == nil || cfg.Proposer.Provider == "rule" || cfg.Proposer.APIKey == "" {
		rule := proposer.NewRuleProposer()
		if cfg != nil {
			rule.CostPerCallUSD = cfg.Admission.CostPerCall
		}
		return rule
	}
	p, err := proposer.NewOpenAIProposer(proposer.OpenAIOptions{
		Provider:          cfg.Proposer.Provider,
		Model:             cfg.Proposer.Model,
		APIKey:            cfg.Proposer.APIKey,
		BaseURL:           cfg.Proposer.BaseURL,
		RequestsPerMinute: cfg.Proposer.RequestsPerMinute,
		MaxConcurrent:     cfg.Proposer.MaxConcurrent,
		CostPerCallUSD:    cfg.Admission.CostPerCall,
	})
	if err != nil {
		return proposer.NewRuleProposer()
	}
	return p
}

// NewSearchFromConfig 根据配置创建检索客户端；无 endpoint 时返回空语料 stub
func NewSearchFromConfig(cfg *config.Config) proposer.SearchClient {
	if cfg == nil || cfg.Search.Endpoint == "" {
		return &proposer.StaticSearch{}
	}
	return proposer.NewHTTPSearch(cfg.Search.Endpoint, cfg.Search.TopK)
}
