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

package arbiter

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"inquest-platform/internal/ledger"
)

// Status 假说生命周期状态；终态不可逆
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var (
	// ErrAlreadyDecided 对已终态假说的二次仲裁
	ErrAlreadyDecided = errors.New("arbiter: hypothesis already decided")
	// ErrUnknownHypothesis 假说未登记
	ErrUnknownHypothesis = errors.New("arbiter: unknown hypothesis")
)

// ProposedUpdate 单条候选图变更。实体型更新填 TargetName/EntityType；
// 关系型更新填 From/To/RelationType（实体名，由仲裁时解析或创建）。
type ProposedUpdate struct {
	TargetName string            `json:"target_name,omitempty"`
	EntityType ledger.EntityType `json:"entity_type,omitempty"`

	From              string `json:"from,omitempty"`
	To                string `json:"to,omitempty"`
	RelationType      string `json:"relation_type,omitempty"`
	SupportingExcerpt string `json:"supporting_excerpt,omitempty"`

	Field            ledger.Field `json:"field"`
	Delta            float64      `json:"delta"`
	Reason           string       `json:"reason"`
	EvidenceSourceID string       `json:"evidence_source_id"`
}

// IsRelationship 是否关系型更新
func (u ProposedUpdate) IsRelationship() bool {
	return u.From != "" && u.To != "" && u.RelationType != ""
}

// Hypothesis 待仲裁的候选变更集。刻意不携带原始用户 query：
// 仲裁方只见结构化断言与被引证据，重述同一请求无法左右评分。
type Hypothesis struct {
	ID               string           `json:"id"`
	Statement        string           `json:"statement"`
	Updates          []ProposedUpdate `json:"updates"`
	CitedEvidenceIDs []string         `json:"cited_evidence_ids"`
	Status           Status           `json:"status"`
	ProposerID       string           `json:"proposer_id"`
	CreatedAt        time.Time        `json:"created_at"`
	DecidedAt        time.Time        `json:"decided_at,omitempty"`
	DecisionReason   string           `json:"decision_reason,omitempty"`
}

// HypothesisStore 假说登记簿：pending -> approved|rejected 恰好一次
type HypothesisStore struct {
	mu       sync.Mutex
	byID     map[string]*Hypothesis
	inflight map[string]struct{}
}

// NewHypothesisStore 创建内存登记簿
func NewHypothesisStore() *HypothesisStore {
	return &HypothesisStore{
		byID:     make(map[string]*Hypothesis),
		inflight: make(map[string]struct{}),
	}
}

// Register 登记新假说；ID 为空时生成
func (s *HypothesisStore) Register(h *Hypothesis) *Hypothesis {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == "" {
		h.ID = "hyp-" + uuid.New().String()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	h.Status = StatusPending
	cp := *h
	s.byID[h.ID] = &cp
	return h
}

// Get 按 ID 取假说副本
func (s *HypothesisStore) Get(id string) (*Hypothesis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

// Begin 占用仲裁权；已终态或正在仲裁返回 ErrAlreadyDecided
func (s *HypothesisStore) Begin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byID[id]
	if !ok {
		return ErrUnknownHypothesis
	}
	if h.Status != StatusPending {
		return ErrAlreadyDecided
	}
	if _, busy := s.inflight[id]; busy {
		return ErrAlreadyDecided
	}
	s.inflight[id] = struct{}{}
	return nil
}

// abort 释放仲裁权但不写终态（存储故障时假说留在 pending）
func (s *HypothesisStore) abort(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Decide 写入终态并释放仲裁权；对已终态假说返回 ErrAlreadyDecided
func (s *HypothesisStore) Decide(id string, status Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byID[id]
	if !ok {
		return ErrUnknownHypothesis
	}
	delete(s.inflight, id)
	if h.Status != StatusPending {
		return ErrAlreadyDecided
	}
	h.Status = status
	h.DecisionReason = reason
	h.DecidedAt = time.Now()
	return nil
}

// List 返回全部假说副本（登记序不保证）
func (s *HypothesisStore) List() []Hypothesis {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Hypothesis, 0, len(s.byID))
	for _, h := range s.byID {
		out = append(out, *h)
	}
	return out
}
