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
	"sync"
	"time"
)

// MemoryCounters 内存计数后端：每 key 保留窗口内的时间戳序列。
// 单进程部署用；多副本部署用 RedisCounters。
type MemoryCounters struct {
	mu    sync.Mutex
	slots map[string][]time.Time
	costs map[string]float64
	now   func() time.Time
}

// NewMemoryCounters 创建内存计数后端
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		slots: make(map[string][]time.Time),
		costs: make(map[string]float64),
		now:   time.Now,
	}
}

// CheckAndIncrement 滑动窗口检查并占位
func (m *MemoryCounters) CheckAndIncrement(ctx context.Context, key string, window time.Duration, ceiling int) (bool, time.Duration, error) {
	if ceiling <= 0 {
		return true, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	nowT := m.now()
	cutoff := nowT.Add(-window)
	kept := m.slots[key][:0]
	for _, ts := range m.slots[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.slots[key] = kept

	if len(kept) >= ceiling {
		retryAfter := kept[0].Add(window).Sub(nowT)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}
	m.slots[key] = append(kept, nowT)
	return true, 0, nil
}

// AddCost 累加成本并检查上限
func (m *MemoryCounters) AddCost(ctx context.Context, key string, amount, ceiling float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ceiling > 0 && m.costs[key]+amount > ceiling {
		return false, nil
	}
	m.costs[key] += amount
	return true, nil
}

// CostTotal 当前累计成本
func (m *MemoryCounters) CostTotal(ctx context.Context, key string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costs[key], nil
}
