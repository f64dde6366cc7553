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

package proposer

import (
	"context"
	"fmt"
	"strings"

	"inquest-platform/internal/arbiter"
	"inquest-platform/internal/ledger"
)

// RuleProposer 确定性规则提议方：开发与测试环境免外部依赖。
// 每篇文档产出一条 suspicion 更新，目标为文档标题命名的实体。
type RuleProposer struct {
	DeltaPerDoc    float64
	CostPerCallUSD float64
}

// NewRuleProposer 创建规则提议方
func NewRuleProposer() *RuleProposer {
	return &RuleProposer{DeltaPerDoc: 10}
}

// Propose 按规则生成候选更新；无文档时产出空提议
func (p *RuleProposer) Propose(ctx context.Context, query string, docs []DocumentRef) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	proposal := &Proposal{
		Statement:        "rule-based assessment for: " + query,
		EstimatedCostUSD: p.CostPerCallUSD,
		ProposerID:       "rule",
	}
	for _, d := range docs {
		name := strings.TrimSpace(d.Title)
		if name == "" {
			continue
		}
		proposal.Updates = append(proposal.Updates, arbiter.ProposedUpdate{
			TargetName:       name,
			EntityType:       ledger.EntityOrganization,
			Field:            ledger.FieldSuspicion,
			Delta:            p.DeltaPerDoc,
			Reason:           firstLine(d.Snippet),
			EvidenceSourceID: d.ID,
		})
		proposal.CitedEvidenceIDs = append(proposal.CitedEvidenceIDs, d.ID)
		proposal.SuggestedFollowUps = append(proposal.SuggestedFollowUps,
			"financial records of "+name)
	}
	return proposal, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// StaticSearch 固定语料检索 stub；terms -> docs 映射由构造时给定
type StaticSearch struct {
	Docs map[string][]DocumentRef
}

// Search 返回 terms 对应的固定文档集；未命中返回空集
func (s *StaticSearch) Search(ctx context.Context, terms string) ([]DocumentRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs := s.Docs[terms]
	out := make([]DocumentRef, len(docs))
	copy(out, docs)
	return out, nil
}
