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
	"strings"
	"testing"
	"time"

	"inquest-platform/pkg/log"
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return logger
}

func TestDecay_ReducesConfidenceWithAuditEntry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target := Ref{Kind: KindEntity, ID: "ent-1"}

	_, err := s.ApplyChange(ctx, ChangeRequest{
		Target: target, Field: FieldConfidence, Delta: 80,
		Reason: "initial evidence", EvidenceSourceID: "doc-1", DecidedBy: "arbiter",
	})
	if err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}

	// 阈值取纳秒级，立即视为陈旧
	policy := NewFixedRatePolicy(time.Nanosecond, 0.9)
	sched := NewDecayScheduler(s, policy, time.Hour, newTestLogger(t))
	time.Sleep(2 * time.Millisecond)

	n, err := sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 decay application, got %d", n)
	}

	sc, _ := s.GetScore(ctx, target)
	if sc.Confidence != 72 {
		t.Errorf("expected confidence 72 after one decay cycle, got %v", sc.Confidence)
	}

	history, _ := s.History(ctx, target)
	last := history[len(history)-1]
	if last.Reason != "decay" {
		t.Errorf("decay must leave a reason=decay entry, got %q", last.Reason)
	}
	if !strings.HasPrefix(last.EvidenceSourceID, SystemSourcePrefix+"decay:") {
		t.Errorf("decay entry must cite a system source, got %q", last.EvidenceSourceID)
	}
	if last.DecidedBy != "system" {
		t.Errorf("decay entry decided_by = %q", last.DecidedBy)
	}
	// 系统来源不得计入 source 多样性
	if sc.SourceCount != 1 {
		t.Errorf("system source must not count toward diversity, source_count = %d", sc.SourceCount)
	}
}

func TestDecay_FreshScoresUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target := Ref{Kind: KindEntity, ID: "ent-1"}
	_, _ = s.ApplyChange(ctx, ChangeRequest{
		Target: target, Field: FieldConfidence, Delta: 80,
		Reason: "initial evidence", EvidenceSourceID: "doc-1", DecidedBy: "arbiter",
	})

	policy := NewFixedRatePolicy(time.Hour, 0.9)
	sched := NewDecayScheduler(s, policy, time.Hour, newTestLogger(t))
	n, err := sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("fresh score must not decay, got %d applications", n)
	}
	sc, _ := s.GetScore(ctx, target)
	if sc.Confidence != 80 {
		t.Errorf("confidence changed without staleness: %v", sc.Confidence)
	}
}

func TestFixedRatePolicy_Defaults(t *testing.T) {
	p := NewFixedRatePolicy(0, 0)
	if p.AgeThreshold() != 7*24*time.Hour {
		t.Errorf("default age threshold = %v", p.AgeThreshold())
	}
	if p.Rate() != 0.9 {
		t.Errorf("default rate = %v", p.Rate())
	}
	if got := p.Next(50); got != 45 {
		t.Errorf("Next(50) = %v, want 45", got)
	}
}
