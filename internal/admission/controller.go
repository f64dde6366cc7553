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

package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"inquest-platform/pkg/config"
	"inquest-platform/pkg/log"
	"inquest-platform/pkg/metrics"
)

// 拒绝原因；对外暴露在 429/503 响应与审计记录里
const (
	ReasonAdmitted    = "admitted"
	ReasonSpam        = "spam"
	ReasonCallerLimit = "caller_limit"
	ReasonGlobalLimit = "global_limit"
	ReasonBudget      = "budget_exhausted"
	ReasonQueueFull   = "queue_full"
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
)

// Decision 准入裁决。Allowed 为 true 时 Release 必须在请求结束后调用
// 恰好一次，归还并发槽位。
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Waited     time.Duration
	Release    func()
}

// Controller 准入控制器：spam 守门 -> 每调用方窗口 -> 全局窗口 ->
// 并发闸门/队列 -> 成本预算。每一步失败即拒绝（fail-closed）：后端
// 故障或超限一律不放行，已占的窗口槽位不回滚。
type Controller struct {
	counters CounterStore
	gate     *Gate
	audit    *AuditLog
	logger   *log.Logger

	perMinute int
	perHour   int
	perDay    int

	globalHourly   int
	globalDaily    int
	monthlyCostUSD float64
	costPerCall    float64

	minQueryLen  int
	spamCooldown time.Duration

	spamMu   sync.Mutex
	spamSeen map[string]time.Time

	now func() time.Time
}

// New 创建准入控制器
func New(cfg config.AdmissionConfig, counters CounterStore, audit *AuditLog, logger *log.Logger) *Controller {
	perMinute := cfg.PerCaller.PerMinute
	if perMinute <= 0 {
		perMinute = 2
	}
	perHour := cfg.PerCaller.PerHour
	if perHour <= 0 {
		perHour = 20
	}
	perDay := cfg.PerCaller.PerDay
	if perDay <= 0 {
		perDay = 100
	}
	globalHourly := cfg.Global.HourlyCalls
	if globalHourly <= 0 {
		globalHourly = 60
	}
	globalDaily := cfg.Global.DailyCalls
	if globalDaily <= 0 {
		globalDaily = 300
	}
	monthlyCost := cfg.Global.MonthlyCostUSD
	if monthlyCost <= 0 {
		monthlyCost = 33.0
	}
	minQueryLen := cfg.MinQueryLen
	if minQueryLen <= 0 {
		minQueryLen = 12
	}
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}

	return &Controller{
		counters:       counters,
		gate:           NewGate(cfg.ConcurrencyCap, cfg.Queue.MaxSize, config.ParseDuration(cfg.Queue.Timeout, 30*time.Second)),
		audit:          audit,
		logger:         logger,
		perMinute:      perMinute,
		perHour:        perHour,
		perDay:         perDay,
		globalHourly:   globalHourly,
		globalDaily:    globalDaily,
		monthlyCostUSD: monthlyCost,
		costPerCall:    cfg.CostPerCall,
		minQueryLen:    minQueryLen,
		spamCooldown:   config.ParseDuration(cfg.SpamCooldown, 30*time.Second),
		spamSeen:       make(map[string]time.Time),
		now:            time.Now,
	}
}

// HashCaller 调用方标识脱敏：审计与计数都只见哈希前缀
func HashCaller(callerID string) string {
	sum := sha256.Sum256([]byte(callerID))
	return hex.EncodeToString(sum[:])[:16]
}

// Admit 对一次昂贵调用做准入裁决。estimatedCost <=0 时用配置的单次成本。
func (c *Controller) Admit(ctx context.Context, callerID, query string, estimatedCost float64) (*Decision, error) {
	callerHash := HashCaller(callerID)
	if estimatedCost <= 0 {
		estimatedCost = c.costPerCall
	}

	if c.isSpam(callerHash, query) {
		return c.deny(callerHash, query, ReasonSpam, c.spamCooldown), nil
	}

	// 每调用方三个窗口逐级检查。后级拒绝不回滚前级占位：
	// 偶发少放行可接受，超发不可接受。
	callerWindows := []struct {
		suffix  string
		window  time.Duration
		ceiling int
	}{
		{"minute", time.Minute, c.perMinute},
		{"hour", time.Hour, c.perHour},
		{"day", 24 * time.Hour, c.perDay},
	}
	for _, w := range callerWindows {
		ok, retryAfter, err := c.counters.CheckAndIncrement(ctx, "caller:"+callerHash+":"+w.suffix, w.window, w.ceiling)
		if err != nil {
			c.logger.Error("admission counter backend failed", "key", w.suffix, "err", err)
			return nil, err
		}
		if !ok {
			return c.deny(callerHash, query, ReasonCallerLimit, retryAfter), nil
		}
	}

	globalWindows := []struct {
		key     string
		window  time.Duration
		ceiling int
	}{
		{"global:hour", time.Hour, c.globalHourly},
		{"global:day", 24 * time.Hour, c.globalDaily},
	}
	for _, w := range globalWindows {
		ok, retryAfter, err := c.counters.CheckAndIncrement(ctx, w.key, w.window, w.ceiling)
		if err != nil {
			return nil, err
		}
		if !ok {
			return c.deny(callerHash, query, ReasonGlobalLimit, retryAfter), nil
		}
	}

	result, waited, release := c.gate.Acquire(ctx)
	switch result {
	case AcquireQueueFull:
		return c.deny(callerHash, query, ReasonQueueFull, 0), nil
	case AcquireTimeout:
		metrics.AdmissionDecisions.WithLabelValues("timeout").Inc()
		d := &Decision{Reason: ReasonTimeout, RetryAfter: c.gate.timeout, Waited: waited}
		c.record(callerHash, query, d)
		return d, nil
	case AcquireCanceled:
		return c.deny(callerHash, query, ReasonCanceled, 0), nil
	}

	// 成本是最后一道闸：被前面任何一级拒绝的调用绝不计入预算
	costKey := "month:" + c.now().UTC().Format("2006-01")
	if estimatedCost > 0 {
		ok, err := c.counters.AddCost(ctx, costKey, estimatedCost, c.monthlyCostUSD)
		if err != nil {
			release()
			return nil, err
		}
		if !ok {
			release()
			return c.deny(callerHash, query, ReasonBudget, 0), nil
		}
		if total, err := c.counters.CostTotal(ctx, costKey); err == nil {
			metrics.MonthlyCostUSD.Set(total)
		}
	}

	metrics.AdmissionDecisions.WithLabelValues("admitted").Inc()
	if waited > 0 {
		metrics.AdmissionDecisions.WithLabelValues("queued").Inc()
	}
	d := &Decision{Allowed: true, Reason: ReasonAdmitted, Waited: waited, Release: release}
	c.record(callerHash, query, d)
	return d, nil
}

// isSpam 短于阈值的 query 在冷却期内重复出现即判定 spam
func (c *Controller) isSpam(callerHash, query string) bool {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	if len(normalized) >= c.minQueryLen {
		return false
	}
	sum := sha256.Sum256([]byte(normalized))
	key := callerHash + "|" + hex.EncodeToString(sum[:8])
	now := c.now()

	c.spamMu.Lock()
	defer c.spamMu.Unlock()
	last, seen := c.spamSeen[key]
	c.spamSeen[key] = now
	if len(c.spamSeen) > 4096 {
		for k, ts := range c.spamSeen {
			if now.Sub(ts) > c.spamCooldown {
				delete(c.spamSeen, k)
			}
		}
	}
	return seen && now.Sub(last) < c.spamCooldown
}

func (c *Controller) deny(callerHash, query, reason string, retryAfter time.Duration) *Decision {
	metrics.AdmissionDecisions.WithLabelValues("rejected").Inc()
	d := &Decision{Reason: reason, RetryAfter: retryAfter}
	c.record(callerHash, query, d)
	return d
}

func (c *Controller) record(callerHash, query string, d *Decision) {
	if c.audit == nil {
		return
	}
	c.audit.Record(AuditRecord{
		Time:         c.now(),
		CallerHash:   callerHash,
		QueryPreview: queryPreview(query),
		Allowed:      d.Allowed,
		Reason:       d.Reason,
		RetryAfter:   d.RetryAfter,
		Waited:       d.Waited,
	})
}

// queryPreview 审计只留 query 前缀，按 rune 截断避免劈开多字节字符
func queryPreview(query string) string {
	const maxPreview = 64
	r := []rune(query)
	if len(r) <= maxPreview {
		return query
	}
	return string(r[:maxPreview])
}

// Audit 审计日志访问器
func (c *Controller) Audit() *AuditLog {
	return c.audit
}
