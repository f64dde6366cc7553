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

	"inquest-platform/pkg/metrics"
)

// AcquireResult 并发闸门裁决
type AcquireResult int

const (
	// AcquireOK 拿到槽位（可能经过排队）
	AcquireOK AcquireResult = iota
	// AcquireQueueFull 队列已满，立即拒绝
	AcquireQueueFull
	// AcquireTimeout 排队超时，槽位始终未空出
	AcquireTimeout
	// AcquireCanceled 排队期间调用方撤销
	AcquireCanceled
)

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Gate 并发闸门：cap 个在途槽位 + 有界 FIFO 等待队列。
// 槽位释放时唤醒队首等待者，槽位随唤醒转移，不经过计数。
type Gate struct {
	capacity int
	maxQueue int
	timeout  time.Duration

	mu       sync.Mutex
	inflight int
	waiters  []*waiter
}

// NewGate 创建并发闸门
func NewGate(capacity, maxQueue int, timeout time.Duration) *Gate {
	if capacity <= 0 {
		capacity = 4
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gate{capacity: capacity, maxQueue: maxQueue, timeout: timeout}
}

// Acquire 获取在途槽位；队满/超时/撤销时返回相应裁决。
// waited 为实际排队时长，直通时为 0。
func (g *Gate) Acquire(ctx context.Context) (result AcquireResult, waited time.Duration, release func()) {
	g.mu.Lock()
	if g.inflight < g.capacity {
		g.inflight++
		g.mu.Unlock()
		return AcquireOK, 0, g.release
	}
	if len(g.waiters) >= g.maxQueue {
		g.mu.Unlock()
		return AcquireQueueFull, 0, nil
	}
	w := &waiter{ready: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	metrics.QueueDepth.Set(float64(len(g.waiters)))
	g.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		waited = time.Since(start)
		metrics.QueueWaitSeconds.Observe(waited.Seconds())
		return AcquireOK, waited, g.release
	case <-timer.C:
		if g.leaveQueue(w) {
			return AcquireTimeout, time.Since(start), nil
		}
		// 计时器触发与唤醒竞争：槽位已转移，照常接受
		waited = time.Since(start)
		metrics.QueueWaitSeconds.Observe(waited.Seconds())
		return AcquireOK, waited, g.release
	case <-ctx.Done():
		if g.leaveQueue(w) {
			return AcquireCanceled, time.Since(start), nil
		}
		// 唤醒已发生：归还槽位再报告撤销
		g.release()
		return AcquireCanceled, time.Since(start), nil
	}
}

// leaveQueue 从队列中部移除等待者；已被唤醒时返回 false
func (g *Gate) leaveQueue(w *waiter) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.granted {
		return false
	}
	for i, cand := range g.waiters {
		if cand == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			metrics.QueueDepth.Set(float64(len(g.waiters)))
			return true
		}
	}
	return false
}

// release 归还槽位：有等待者则按 FIFO 转移，否则减在途计数
func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		metrics.QueueDepth.Set(float64(len(g.waiters)))
		w.granted = true
		close(w.ready)
		return
	}
	g.inflight--
}

// Inflight 当前在途数（监控与测试用）
func (g *Gate) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// QueueLen 当前排队数
func (g *Gate) QueueLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
