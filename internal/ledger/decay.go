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

package ledger

import (
	"context"
	"errors"
	"time"

	"inquest-platform/pkg/log"
	"inquest-platform/pkg/metrics"
)

// DecayPolicy 衰减曲线策略；具体比例是可调策略而非硬编码常量
type DecayPolicy interface {
	// AgeThreshold 目标多久未被强化后进入衰减
	AgeThreshold() time.Duration
	// Next 给定当前 confidence，返回衰减一个周期后的值
	Next(confidence float64) float64
	// Rate 标识用比例，写入 Score.DecayFactor
	Rate() float64
}

// FixedRatePolicy 固定比例衰减：每周期 confidence 乘以 rate
type FixedRatePolicy struct {
	Age        time.Duration
	RetainRate float64 // (0,1)
}

// NewFixedRatePolicy 创建固定比例策略；非法参数回落 7 天 / 0.9
func NewFixedRatePolicy(age time.Duration, rate float64) *FixedRatePolicy {
	if age <= 0 {
		age = 7 * 24 * time.Hour
	}
	if rate <= 0 || rate >= 1 {
		rate = 0.9
	}
	return &FixedRatePolicy{Age: age, RetainRate: rate}
}

func (p *FixedRatePolicy) AgeThreshold() time.Duration { return p.Age }
func (p *FixedRatePolicy) Next(confidence float64) float64 {
	return clampScore(confidence * p.RetainRate)
}
func (p *FixedRatePolicy) Rate() float64 { return p.RetainRate }

// DecayScheduler 周期巡检陈旧评分并衰减 confidence；不可被外部调用方触发
type DecayScheduler struct {
	store    Store
	policy   DecayPolicy
	interval time.Duration
	logger   *log.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewDecayScheduler 创建衰减巡检器；interval <=0 时默认 1h
func NewDecayScheduler(store Store, policy DecayPolicy, interval time.Duration, logger *log.Logger) *DecayScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &DecayScheduler{
		store:    store,
		policy:   policy,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动巡检循环（阻塞，通常 go s.Start(ctx)）
func (s *DecayScheduler) Start(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("衰减巡检失败", "error", err)
			} else if n > 0 {
				s.logger.Info("衰减巡检完成", "decayed", n)
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop 停止巡检并等待当前轮结束
func (s *DecayScheduler) Stop() {
	close(s.stop)
	<-s.done
}

// RunOnce 执行一轮衰减；每次应用产生一条 reason=decay 的证据链记录，审计链保持完整。
// 证据来源带巡检周期时间戳，避免去重索引挡住后续周期。
func (s *DecayScheduler) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()
	stale, err := s.store.StaleScores(ctx, now.Add(-s.policy.AgeThreshold()))
	if err != nil {
		return 0, err
	}
	sourceID := SystemSourcePrefix + "decay:" + now.UTC().Format(time.RFC3339)
	decayed := 0
	for _, sc := range stale {
		next := s.policy.Next(sc.Confidence)
		if next == sc.Confidence {
			continue
		}
		_, err := s.store.ApplyChange(ctx, ChangeRequest{
			Target:           sc.Target,
			Field:            FieldConfidence,
			Delta:            next - sc.Confidence,
			Reason:           "decay",
			EvidenceSourceID: sourceID,
			DecidedBy:        "system",
		})
		if errors.Is(err, ErrDuplicateEvidence) {
			continue
		}
		if err != nil {
			return decayed, err
		}
		decayed++
		metrics.DecayApplied.Inc()
	}
	return decayed, nil
}
