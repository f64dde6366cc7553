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
	"strings"
	"testing"
	"time"

	"inquest-platform/pkg/config"
	"inquest-platform/pkg/log"
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return logger
}

func generousConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		PerCaller: config.PerCallerLimits{PerMinute: 100, PerHour: 1000, PerDay: 10000},
		Global:    config.GlobalLimits{HourlyCalls: 1000, DailyCalls: 10000, MonthlyCostUSD: 1000},
		Queue:     config.QueueConfig{MaxSize: 10, Timeout: "1s"},

		ConcurrencyCap: 8,
		MinQueryLen:    4,
		SpamCooldown:   "30s",
	}
}

func TestAdmit_PerMinuteThrottle(t *testing.T) {
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }

	counters := NewMemoryCounters()
	counters.now = clock

	cfg := generousConfig()
	cfg.PerCaller.PerMinute = 2
	ctrl := New(cfg, counters, NewAuditLog(16, nil), newTestLogger(t))
	ctrl.now = clock

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		current = base.Add(time.Duration(i) * 15 * time.Second)
		d, err := ctrl.Admit(ctx, "caller-a", "who owns Acme Corp", 0)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("admit %d denied: %s", i, d.Reason)
		}
		d.Release()
	}

	// 第三次仍在第一分钟内：最早槽位在 base+60s 滚出
	current = base.Add(15 * time.Second)
	d, err := ctrl.Admit(ctx, "caller-a", "and who owns Globex", 0)
	if err != nil {
		t.Fatalf("third admit: %v", err)
	}
	if d.Allowed {
		t.Fatal("third call within the minute should be denied")
	}
	if d.Reason != ReasonCallerLimit {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonCallerLimit)
	}
	if d.RetryAfter != 45*time.Second {
		t.Errorf("retry_after = %v, want 45s", d.RetryAfter)
	}

	// 其他调用方不受影响
	d, err = ctrl.Admit(ctx, "caller-b", "who owns Acme Corp", 0)
	if err != nil {
		t.Fatalf("caller-b admit: %v", err)
	}
	if !d.Allowed {
		t.Errorf("caller-b denied: %s", d.Reason)
	}
	d.Release()

	// 窗口滚动后恢复
	current = base.Add(61 * time.Second)
	d, err = ctrl.Admit(ctx, "caller-a", "retry after the window", 0)
	if err != nil {
		t.Fatalf("post-window admit: %v", err)
	}
	if !d.Allowed {
		t.Errorf("post-window call denied: %s", d.Reason)
	}
	d.Release()
}

func TestAdmit_MonthlyBudgetExhausted(t *testing.T) {
	counters := NewMemoryCounters()
	cfg := generousConfig()
	cfg.Global.MonthlyCostUSD = 33.0
	ctrl := New(cfg, counters, NewAuditLog(16, nil), newTestLogger(t))

	ctx := context.Background()
	costKey := "month:" + time.Now().UTC().Format("2006-01")
	if ok, err := counters.AddCost(ctx, costKey, 32.90, 33.0); err != nil || !ok {
		t.Fatalf("seed cost: ok=%v err=%v", ok, err)
	}

	// $0.15 会把当月成本推过 $33.00
	d, err := ctrl.Admit(ctx, "caller-a", "expensive question about Acme", 0.15)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Allowed {
		t.Fatal("call exceeding monthly budget should be denied")
	}
	if d.Reason != ReasonBudget {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonBudget)
	}
	if total, _ := counters.CostTotal(ctx, costKey); total != 32.90 {
		t.Errorf("denied call charged the budget: total = %v", total)
	}

	// 更便宜的调用仍可放行
	d, err = ctrl.Admit(ctx, "caller-a", "cheaper question about Acme", 0.05)
	if err != nil {
		t.Fatalf("cheap admit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("cheap call denied: %s", d.Reason)
	}
	d.Release()
	if total, _ := counters.CostTotal(ctx, costKey); total != 32.95 {
		t.Errorf("cost total = %v, want 32.95", total)
	}
}

func TestAdmit_SpamCooldown(t *testing.T) {
	counters := NewMemoryCounters()
	cfg := generousConfig()
	cfg.MinQueryLen = 12
	ctrl := New(cfg, counters, NewAuditLog(16, nil), newTestLogger(t))

	ctx := context.Background()
	d, err := ctrl.Admit(ctx, "caller-a", "acme?", 0)
	if err != nil {
		t.Fatalf("first short query: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("first short query denied: %s", d.Reason)
	}
	d.Release()

	// 冷却期内重复同一短 query
	d, err = ctrl.Admit(ctx, "caller-a", "  ACME? ", 0)
	if err != nil {
		t.Fatalf("repeat short query: %v", err)
	}
	if d.Allowed || d.Reason != ReasonSpam {
		t.Errorf("repeat short query: allowed=%v reason=%q", d.Allowed, d.Reason)
	}

	// 另一调用方发同一短 query 不受影响
	d, err = ctrl.Admit(ctx, "caller-b", "acme?", 0)
	if err != nil {
		t.Fatalf("caller-b short query: %v", err)
	}
	if !d.Allowed {
		t.Errorf("caller-b denied: %s", d.Reason)
	}
	d.Release()
}

func TestGate_FIFOOrder(t *testing.T) {
	g := NewGate(1, 5, time.Second)

	_, _, releaseA := g.Acquire(context.Background())

	order := make(chan string, 2)
	acquire := func(name string) {
		res, _, release := g.Acquire(context.Background())
		if res != AcquireOK {
			t.Errorf("%s: result = %v", name, res)
			return
		}
		order <- name
		release()
	}

	go acquire("b")
	waitForQueueLen(t, g, 1)
	go acquire("c")
	waitForQueueLen(t, g, 2)

	releaseA()

	if first := <-order; first != "b" {
		t.Errorf("first served = %q, want b", first)
	}
	if second := <-order; second != "c" {
		t.Errorf("second served = %q, want c", second)
	}
}

func TestGate_QueueFullAndTimeout(t *testing.T) {
	g := NewGate(1, 1, 50*time.Millisecond)

	_, _, releaseA := g.Acquire(context.Background())
	defer releaseA()

	done := make(chan AcquireResult, 1)
	go func() {
		res, _, _ := g.Acquire(context.Background())
		done <- res
	}()
	waitForQueueLen(t, g, 1)

	// 队列已满
	res, _, _ := g.Acquire(context.Background())
	if res != AcquireQueueFull {
		t.Errorf("result = %v, want AcquireQueueFull", res)
	}

	// 排队者超时
	select {
	case res := <-done:
		if res != AcquireTimeout {
			t.Errorf("queued result = %v, want AcquireTimeout", res)
		}
	case <-time.After(time.Second):
		t.Fatal("queued waiter never timed out")
	}
	if g.QueueLen() != 0 {
		t.Errorf("queue len = %d after timeout", g.QueueLen())
	}
}

func TestGate_CancelLeavesQueue(t *testing.T) {
	g := NewGate(1, 2, time.Second)
	_, _, releaseA := g.Acquire(context.Background())
	defer releaseA()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan AcquireResult, 1)
	go func() {
		res, _, _ := g.Acquire(ctx)
		done <- res
	}()
	waitForQueueLen(t, g, 1)
	cancel()

	select {
	case res := <-done:
		if res != AcquireCanceled {
			t.Errorf("result = %v, want AcquireCanceled", res)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled waiter never returned")
	}
	if g.QueueLen() != 0 {
		t.Errorf("queue len = %d after cancel", g.QueueLen())
	}
}

func waitForQueueLen(t *testing.T, g *Gate, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.QueueLen() != n {
		if time.Now().After(deadline) {
			t.Fatalf("queue never reached len %d (now %d)", n, g.QueueLen())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAuditLog_RingKeepsNewest(t *testing.T) {
	a := NewAuditLog(4, nil)
	for i := 0; i < 6; i++ {
		caller := string(rune('a' + i))
		a.Record(AuditRecord{CallerHash: caller, QueryPreview: "query " + caller, Reason: ReasonAdmitted})
	}
	recent := a.Recent()
	if len(recent) != 4 {
		t.Fatalf("recent len = %d, want 4", len(recent))
	}
	want := []string{"c", "d", "e", "f"}
	for i, rec := range recent {
		if rec.CallerHash != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, rec.CallerHash, want[i])
		}
		if rec.QueryPreview != "query "+want[i] {
			t.Errorf("recent[%d] preview = %q, want %q", i, rec.QueryPreview, "query "+want[i])
		}
	}
}

func TestAdmit_AuditCarriesQueryPreview(t *testing.T) {
	audit := NewAuditLog(8, nil)
	ctrl := New(generousConfig(), NewMemoryCounters(), audit, newTestLogger(t))

	long := strings.Repeat("who owns acme ", 10) // 140 字符
	d, err := ctrl.Admit(context.Background(), "caller-a", long, 0)
	if err != nil || !d.Allowed {
		t.Fatalf("admit: allowed=%v err=%v", d != nil && d.Allowed, err)
	}
	d.Release()

	recent := audit.Recent()
	if len(recent) != 1 {
		t.Fatalf("audit len = %d, want 1", len(recent))
	}
	preview := recent[0].QueryPreview
	if len([]rune(preview)) != 64 {
		t.Errorf("preview length = %d runes, want 64", len([]rune(preview)))
	}
	if !strings.HasPrefix(long, preview) {
		t.Errorf("preview %q is not a prefix of the query", preview)
	}
}

func TestMemoryCounters_WindowRollsOver(t *testing.T) {
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	current := base
	m := NewMemoryCounters()
	m.now = func() time.Time { return current }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, _, err := m.CheckAndIncrement(ctx, "k", time.Minute, 3)
		if err != nil || !ok {
			t.Fatalf("slot %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, retryAfter, err := m.CheckAndIncrement(ctx, "k", time.Minute, 3)
	if err != nil {
		t.Fatalf("fourth: %v", err)
	}
	if ok {
		t.Fatal("fourth slot within window should be denied")
	}
	if retryAfter != time.Minute {
		t.Errorf("retry_after = %v, want 1m", retryAfter)
	}

	current = base.Add(time.Minute + time.Second)
	ok, _, err = m.CheckAndIncrement(ctx, "k", time.Minute, 3)
	if err != nil || !ok {
		t.Errorf("post-window slot: ok=%v err=%v", ok, err)
	}
}
