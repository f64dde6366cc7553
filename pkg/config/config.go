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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API           APIConfig           `mapstructure:"api"`
	Admission     AdmissionConfig     `mapstructure:"admission"`
	Counters      CountersConfig      `mapstructure:"counters"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Decay         DecayConfig         `mapstructure:"decay"`
	Investigation InvestigationConfig `mapstructure:"investigation"`
	Proposer      ProposerConfig      `mapstructure:"proposer"`
	Search        SearchConfig        `mapstructure:"search"`
	Log           LogConfig           `mapstructure:"log"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// AuditConfig 准入决策审计查询接口配置
type AuditConfig struct {
	Experimental bool `mapstructure:"experimental"` // true 时开放 GET /api/admissions/audit
	RingSize     int  `mapstructure:"ring_size"`    // 内存保留的最近决策条数，<=0 默认 1024
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// AdmissionConfig 准入控制配置（每调用方滑动窗口 + 全局预算 + 等待队列）
type AdmissionConfig struct {
	PerCaller      PerCallerLimits `mapstructure:"per_caller"`
	Global         GlobalLimits    `mapstructure:"global"`
	Queue          QueueConfig     `mapstructure:"queue"`
	ConcurrencyCap int             `mapstructure:"concurrency_cap"` // 同时在途请求上限，<=0 默认 4
	CostPerCall    float64         `mapstructure:"cost_per_call"`   // 单次 LLM 调用估算成本（美元）
	MinQueryLen    int             `mapstructure:"min_query_len"`   // 短于此长度的重复 query 视为 spam，<=0 默认 12
	SpamCooldown   string          `mapstructure:"spam_cooldown"`   // 重复短 query 冷却期，如 "30s"
}

// PerCallerLimits 每调用方滑动窗口上限
type PerCallerLimits struct {
	PerMinute int `mapstructure:"per_minute"` // <=0 默认 2
	PerHour   int `mapstructure:"per_hour"`   // <=0 默认 20
	PerDay    int `mapstructure:"per_day"`    // <=0 默认 100
}

// GlobalLimits 全局硬上限；触顶时对所有调用方拒绝直至窗口滚动
type GlobalLimits struct {
	HourlyCalls     int     `mapstructure:"hourly_calls"`      // <=0 默认 60
	DailyCalls      int     `mapstructure:"daily_calls"`       // <=0 默认 300
	MonthlyCostUSD  float64 `mapstructure:"monthly_cost_usd"`  // <=0 默认 33.0
}

// QueueConfig 等待队列配置
type QueueConfig struct {
	MaxSize int    `mapstructure:"max_size"` // <=0 默认 20
	Timeout string `mapstructure:"timeout"`  // 如 "30s"
}

// CountersConfig 计数后端配置
type CountersConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// LedgerConfig 证据账本存储配置
type LedgerConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// DecayConfig 置信度衰减配置
type DecayConfig struct {
	AgeThreshold string  `mapstructure:"age_threshold"` // 未被强化多久开始衰减，如 "168h"
	Rate         float64 `mapstructure:"rate"`          // 每周期保留比例，(0,1)，默认 0.9
	Interval     string  `mapstructure:"interval"`      // 衰减巡检周期，如 "1h"
}

// InvestigationConfig 自治调查循环配置
type InvestigationConfig struct {
	MaxStepsDefault int    `mapstructure:"max_steps_default"` // <=0 默认 5
	MaxStepsCap     int    `mapstructure:"max_steps_cap"`     // 单会话步数硬顶，<=0 默认 20
	ProposerTimeout string `mapstructure:"proposer_timeout"`  // 单次 propose 超时，如 "60s"
	RetryOnFailure  bool   `mapstructure:"retry_on_failure"`  // proposer 失败时是否重试一次
}

// ProposerConfig 提议方（LLM 黑盒）配置
type ProposerConfig struct {
	Provider          string  `mapstructure:"provider"` // openai | rule
	Model             string  `mapstructure:"model"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"` // <=0 不限
	MaxConcurrent     int     `mapstructure:"max_concurrent"`      // <=0 不限
}

// SearchConfig 语料检索协作方配置
type SearchConfig struct {
	Endpoint string `mapstructure:"endpoint"` // 空则使用静态 stub
	TopK     int    `mapstructure:"top_k"`    // <=0 默认 5
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// replaceEnvVars 替换配置中的 ${ENV_VAR} 引用（目前仅 proposer api_key / ledger dsn / counters password）
func replaceEnvVars(config *Config) {
	config.Proposer.APIKey = expandEnv(config.Proposer.APIKey)
	config.Ledger.DSN = expandEnv(config.Ledger.DSN)
	config.Counters.Password = expandEnv(config.Counters.Password)
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "$") {
		envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
		if val := os.Getenv(envVar); val != "" {
			return val
		}
	}
	return s
}

// ParseDuration 解析时长字符串，空串或非法时返回 fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
