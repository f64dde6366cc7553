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
	"sync"
	"time"

	"github.com/google/uuid"

	"inquest-platform/pkg/metrics"
)

// targetState 单目标状态：评分 + 证据链 + 去重索引；持有自己的锁，跨目标写入可并行
type targetState struct {
	mu        sync.Mutex
	score     Score
	chain     []ChainEntry
	seen      map[string]struct{} // field|source 去重
	sources   map[string]struct{} // 非系统证据来源（去重）
	citations int                 // 非系统证据引用总次数
}

// memoryStore 内存实现：map + 外层锁管理目标分配，目标内自持锁
type memoryStore struct {
	mu             sync.Mutex
	targets        map[string]*targetState
	entities       map[string]*Entity
	byNorm         map[string]string // normalized_name -> entity id
	relByID        map[string]*Relationship
	relByTriple    map[string]string // from|to|type -> relationship id
	contradictions []Contradiction
}

// NewMemoryStore 创建内存版证据账本
func NewMemoryStore() Store {
	return &memoryStore{
		targets:     make(map[string]*targetState),
		entities:    make(map[string]*Entity),
		byNorm:      make(map[string]string),
		relByID:     make(map[string]*Relationship),
		relByTriple: make(map[string]string),
	}
}

// NormalizeName 实体名归一化（小写 + 压缩空白）
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func (s *memoryStore) getOrCreateTarget(key string) *targetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.targets[key]
	if !ok {
		ts = &targetState{
			seen:    make(map[string]struct{}),
			sources: make(map[string]struct{}),
		}
		s.targets[key] = ts
	}
	return ts
}

func (s *memoryStore) getTarget(key string) *targetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets[key]
}

func (s *memoryStore) ApplyChange(ctx context.Context, req ChangeRequest) (*ChainEntry, error) {
	if req.EvidenceSourceID == "" {
		return nil, ErrMissingEvidence
	}
	ts := s.getOrCreateTarget(req.Target.Key())
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.applyLocked(req, time.Now())
}

// applyLocked 在持有目标锁的前提下追加链条记录并更新评分；两写在同一临界区内完成
func (ts *targetState) applyLocked(req ChangeRequest, now time.Time) (*ChainEntry, error) {
	dedupeKey := string(req.Field) + "|" + req.EvidenceSourceID
	if _, dup := ts.seen[dedupeKey]; dup {
		return nil, ErrDuplicateEvidence
	}

	var old float64
	switch req.Field {
	case FieldConfidence:
		old = ts.score.Confidence
	case FieldSuspicion:
		old = ts.score.Suspicion
	case FieldCreated:
		old = 0
	}
	newValue := clampScore(old + req.Delta)
	if req.Field == FieldCreated {
		newValue = 0
	}

	entry := ChainEntry{
		ID:               "ev-" + uuid.New().String(),
		Target:           req.Target,
		Field:            req.Field,
		OldValue:         old,
		NewValue:         newValue,
		Delta:            newValue - old,
		Reason:           req.Reason,
		EvidenceSourceID: req.EvidenceSourceID,
		DecidedBy:        req.DecidedBy,
		CreatedAt:        now,
	}
	ts.chain = append(ts.chain, entry)
	ts.seen[dedupeKey] = struct{}{}

	if ts.score.FirstSeen.IsZero() {
		ts.score.FirstSeen = now
		ts.score.Target = req.Target
	}
	ts.score.LastSeen = now
	switch req.Field {
	case FieldConfidence:
		ts.score.Confidence = newValue
	case FieldSuspicion:
		ts.score.Suspicion = newValue
	}
	if req.Reason == "decay" && old > 0 {
		ts.score.DecayFactor = newValue / old
	}
	// 多样性只统计评分字段的非系统证据；创建记录不算一次“引用”
	if (req.Field == FieldConfidence || req.Field == FieldSuspicion) &&
		!strings.HasPrefix(req.EvidenceSourceID, SystemSourcePrefix) {
		ts.sources[req.EvidenceSourceID] = struct{}{}
		ts.citations++
	}
	ts.score.SourceCount = len(ts.sources)
	if ts.citations > 0 {
		ts.score.SourceDiversity = float64(len(ts.sources)) / float64(ts.citations) * 100
	}

	metrics.LedgerAppends.WithLabelValues(string(req.Field)).Inc()
	return &entry, nil
}

func (s *memoryStore) GetScore(ctx context.Context, target Ref) (*Score, error) {
	ts := s.getTarget(target.Key())
	if ts == nil {
		return nil, ErrNotFound
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	sc := ts.score
	return &sc, nil
}

func (s *memoryStore) History(ctx context.Context, target Ref) ([]ChainEntry, error) {
	ts := s.getTarget(target.Key())
	if ts == nil {
		return nil, nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]ChainEntry, len(ts.chain))
	copy(out, ts.chain)
	return out, nil
}

func (s *memoryStore) HasEvidence(ctx context.Context, target Ref, field Field, evidenceSourceID string) (bool, error) {
	ts := s.getTarget(target.Key())
	if ts == nil {
		return false, nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.seen[string(field)+"|"+evidenceSourceID]
	return ok, nil
}

func (s *memoryStore) EvidenceSources(ctx context.Context, target Ref) ([]string, error) {
	ts := s.getTarget(target.Key())
	if ts == nil {
		return nil, nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, 0, len(ts.sources))
	for src := range ts.sources {
		out = append(out, src)
	}
	return out, nil
}

func (s *memoryStore) CitationCount(ctx context.Context, target Ref) (int, error) {
	ts := s.getTarget(target.Key())
	if ts == nil {
		return 0, nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.citations, nil
}

func (s *memoryStore) UpsertEntity(ctx context.Context, e Entity, evidenceSourceID, decidedBy string) (*Entity, bool, error) {
	if evidenceSourceID == "" {
		return nil, false, ErrMissingEvidence
	}
	norm := e.NormalizedName
	if norm == "" {
		norm = NormalizeName(e.Name)
	}

	s.mu.Lock()
	if id, ok := s.byNorm[norm]; ok {
		existing := s.entities[id]
		// 身份不可变：同名实体重复出现时，差异名称记为别名
		if e.Name != existing.Name && !containsString(existing.Aliases, e.Name) {
			existing.Aliases = append(existing.Aliases, e.Name)
		}
		cp := *existing
		s.mu.Unlock()
		return &cp, false, nil
	}
	now := time.Now()
	created := &Entity{
		ID:             "ent-" + uuid.New().String(),
		Type:           e.Type,
		Name:           e.Name,
		NormalizedName: norm,
		CreatedAt:      now,
	}
	s.entities[created.ID] = created
	s.byNorm[norm] = created.ID
	s.mu.Unlock()

	ref := Ref{Kind: KindEntity, ID: created.ID}
	ts := s.getOrCreateTarget(ref.Key())
	ts.mu.Lock()
	_, err := ts.applyLocked(ChangeRequest{
		Target:           ref,
		Field:            FieldCreated,
		Reason:           "entity created: " + e.Name,
		EvidenceSourceID: evidenceSourceID,
		DecidedBy:        decidedBy,
	}, now)
	ts.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	cp := *created
	return &cp, true, nil
}

func (s *memoryStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memoryStore) UpsertRelationship(ctx context.Context, r Relationship, decidedBy string) (*Relationship, bool, error) {
	if r.EvidenceSourceID == "" {
		return nil, false, ErrMissingEvidence
	}
	triple := r.FromEntity + "|" + r.ToEntity + "|" + r.RelationType

	s.mu.Lock()
	if id, ok := s.relByTriple[triple]; ok {
		cp := *s.relByID[id]
		s.mu.Unlock()
		return &cp, false, nil
	}
	now := time.Now()
	created := &Relationship{
		ID:                "rel-" + uuid.New().String(),
		FromEntity:        r.FromEntity,
		ToEntity:          r.ToEntity,
		RelationType:      r.RelationType,
		SupportingExcerpt: r.SupportingExcerpt,
		EvidenceSourceID:  r.EvidenceSourceID,
		CreatedAt:         now,
	}
	s.relByID[created.ID] = created
	s.relByTriple[triple] = created.ID
	s.mu.Unlock()

	ref := Ref{Kind: KindRelationship, ID: created.ID}
	ts := s.getOrCreateTarget(ref.Key())
	ts.mu.Lock()
	_, err := ts.applyLocked(ChangeRequest{
		Target:           ref,
		Field:            FieldCreated,
		Reason:           "relationship created: " + r.RelationType,
		EvidenceSourceID: r.EvidenceSourceID,
		DecidedBy:        decidedBy,
	}, now)
	ts.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	cp := *created
	return &cp, true, nil
}

func (s *memoryStore) RecordContradiction(ctx context.Context, c Contradiction) (*Contradiction, error) {
	if c.ID == "" {
		c.ID = "contra-" + uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.contradictions = append(s.contradictions, c)
	s.mu.Unlock()
	metrics.ContradictionsTotal.Inc()
	return &c, nil
}

func (s *memoryStore) ListContradictions(ctx context.Context) ([]Contradiction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Contradiction, len(s.contradictions))
	copy(out, s.contradictions)
	return out, nil
}

func (s *memoryStore) StaleScores(ctx context.Context, olderThan time.Time) ([]Score, error) {
	s.mu.Lock()
	states := make([]*targetState, 0, len(s.targets))
	for _, ts := range s.targets {
		states = append(states, ts)
	}
	s.mu.Unlock()

	var out []Score
	for _, ts := range states {
		ts.mu.Lock()
		if !ts.score.LastSeen.IsZero() && ts.score.LastSeen.Before(olderThan) && ts.score.Confidence > 0 {
			out = append(out, ts.score)
		}
		ts.mu.Unlock()
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
