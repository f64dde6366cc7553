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
	"sync"
	"testing"
)

func TestMemoryStore_ApplyChange_RequiresEvidence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target := Ref{Kind: KindEntity, ID: "ent-1"}

	_, err := s.ApplyChange(ctx, ChangeRequest{
		Target: target, Field: FieldSuspicion, Delta: 10, Reason: "no citation",
	})
	if !errors.Is(err, ErrMissingEvidence) {
		t.Fatalf("expected ErrMissingEvidence, got %v", err)
	}
	if _, err := s.GetScore(ctx, target); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected change must not create score state, got %v", err)
	}
}

func TestMemoryStore_ApplyChange_UpdatesScoreAndChain(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target := Ref{Kind: KindEntity, ID: "ent-1"}

	entry, err := s.ApplyChange(ctx, ChangeRequest{
		Target: target, Field: FieldSuspicion, Delta: 20,
		Reason: "offshore transfer", EvidenceSourceID: "doc-17", DecidedBy: "arbiter",
	})
	if err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if entry.OldValue != 0 || entry.NewValue != 20 || entry.Delta != 20 {
		t.Errorf("entry values mismatch: %+v", entry)
	}

	sc, err := s.GetScore(ctx, target)
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if sc.Suspicion != 20 {
		t.Errorf("expected suspicion 20, got %v", sc.Suspicion)
	}
	if sc.SourceCount != 1 || sc.SourceDiversity != 100 {
		t.Errorf("expected 1 source / diversity 100, got %d / %v", sc.SourceCount, sc.SourceDiversity)
	}

	history, err := s.History(ctx, target)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 chain entry, got %d", len(history))
	}
	if history[0].EvidenceSourceID != "doc-17" {
		t.Errorf("chain entry missing evidence source: %+v", history[0])
	}
}

func TestMemoryStore_ApplyChange_DuplicateEvidenceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target := Ref{Kind: KindEntity, ID: "ent-1"}
	req := ChangeRequest{
		Target: target, Field: FieldSuspicion, Delta: 20,
		Reason: "same proof again", EvidenceSourceID: "doc-17", DecidedBy: "arbiter",
	}

	if _, err := s.ApplyChange(ctx, req); err != nil {
		t.Fatalf("first ApplyChange: %v", err)
	}
	_, err := s.ApplyChange(ctx, req)
	if !errors.Is(err, ErrDuplicateEvidence) {
		t.Fatalf("expected ErrDuplicateEvidence, got %v", err)
	}

	sc, _ := s.GetScore(ctx, target)
	if sc.Suspicion != 20 {
		t.Errorf("duplicate evidence must not compound: suspicion = %v", sc.Suspicion)
	}
	history, _ := s.History(ctx, target)
	if len(history) != 1 {
		t.Errorf("expected 1 chain entry after duplicate, got %d", len(history))
	}
}

func TestMemoryStore_ApplyChange_ClampsToRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target := Ref{Kind: KindEntity, ID: "ent-1"}

	entry, err := s.ApplyChange(ctx, ChangeRequest{
		Target: target, Field: FieldConfidence, Delta: 150,
		Reason: "overshooting delta", EvidenceSourceID: "doc-1", DecidedBy: "arbiter",
	})
	if err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if entry.NewValue != 100 || entry.Delta != 100 {
		t.Errorf("expected clamp to 100, got new=%v delta=%v", entry.NewValue, entry.Delta)
	}
}

func TestMemoryStore_SourceDiversity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target := Ref{Kind: KindEntity, ID: "ent-1"}

	// 两个不同字段引用同一来源：2 次引用、1 个去重来源
	_, _ = s.ApplyChange(ctx, ChangeRequest{Target: target, Field: FieldSuspicion, Delta: 10, Reason: "r", EvidenceSourceID: "doc-1", DecidedBy: "arbiter"})
	_, _ = s.ApplyChange(ctx, ChangeRequest{Target: target, Field: FieldConfidence, Delta: 10, Reason: "r", EvidenceSourceID: "doc-1", DecidedBy: "arbiter"})
	sc, _ := s.GetScore(ctx, target)
	if sc.SourceCount != 1 || sc.SourceDiversity != 50 {
		t.Errorf("expected 1 source / diversity 50, got %d / %v", sc.SourceCount, sc.SourceDiversity)
	}

	_, _ = s.ApplyChange(ctx, ChangeRequest{Target: target, Field: FieldSuspicion, Delta: 10, Reason: "r", EvidenceSourceID: "doc-2", DecidedBy: "arbiter"})
	sc, _ = s.GetScore(ctx, target)
	if sc.SourceCount != 2 {
		t.Errorf("expected 2 sources, got %d", sc.SourceCount)
	}
}

func TestMemoryStore_UpsertEntity_DedupeAndAlias(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	e1, created, err := s.UpsertEntity(ctx, Entity{Type: EntityPerson, Name: "John Smith"}, "doc-1", "arbiter")
	if err != nil || !created {
		t.Fatalf("first UpsertEntity: created=%v err=%v", created, err)
	}
	e2, created, err := s.UpsertEntity(ctx, Entity{Type: EntityPerson, Name: "JOHN  SMITH"}, "doc-2", "arbiter")
	if err != nil {
		t.Fatalf("second UpsertEntity: %v", err)
	}
	if created {
		t.Error("same normalized name must not create a second entity")
	}
	if e2.ID != e1.ID {
		t.Errorf("expected same entity id, got %s vs %s", e2.ID, e1.ID)
	}
	if !containsString(e2.Aliases, "JOHN  SMITH") {
		t.Errorf("rename must become an alias, aliases = %v", e2.Aliases)
	}

	// 创建本身要有链条记录
	history, _ := s.History(ctx, Ref{Kind: KindEntity, ID: e1.ID})
	if len(history) != 1 || history[0].Field != FieldCreated {
		t.Errorf("expected one FieldCreated entry, got %+v", history)
	}
}

func TestMemoryStore_UpsertRelationship_TripleUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rel := Relationship{
		FromEntity: "ent-a", ToEntity: "ent-b", RelationType: "paid",
		SupportingExcerpt: "wire of $2m", EvidenceSourceID: "doc-9",
	}

	r1, created, err := s.UpsertRelationship(ctx, rel, "arbiter")
	if err != nil || !created {
		t.Fatalf("first UpsertRelationship: created=%v err=%v", created, err)
	}
	r2, created, err := s.UpsertRelationship(ctx, rel, "arbiter")
	if err != nil {
		t.Fatalf("second UpsertRelationship: %v", err)
	}
	if created || r2.ID != r1.ID {
		t.Errorf("re-proposing same triple must be a no-op, created=%v id=%s/%s", created, r1.ID, r2.ID)
	}
}

func TestMemoryStore_ConcurrentSameTarget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	target := Ref{Kind: KindEntity, ID: "ent-1"}

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.ApplyChange(ctx, ChangeRequest{
				Target: target, Field: FieldSuspicion, Delta: 1,
				Reason: "concurrent", EvidenceSourceID: "doc-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i/26)), DecidedBy: "arbiter",
			})
		}(i)
	}
	wg.Wait()

	sc, err := s.GetScore(ctx, target)
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	history, _ := s.History(ctx, target)
	if float64(len(history)) != sc.Suspicion {
		t.Errorf("score must equal sum of applied deltas: %d entries vs suspicion %v", len(history), sc.Suspicion)
	}
}
