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
	"errors"

	"inquest-platform/internal/arbiter"
)

// ErrUnavailable 黑盒提议方失败或超时；对调查循环是可恢复故障
var ErrUnavailable = errors.New("proposer: backend unavailable")

// DocumentRef 语料检索结果引用；核心不解析文档格式
type DocumentRef struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// SearchClient 语料/检索协作方（边界契约，实现在域外）
type SearchClient interface {
	Search(ctx context.Context, terms string) ([]DocumentRef, error)
}

// Proposal 低信提议方的产出：候选图变更 + 被引证据 + 后续查询建议。
// 转成 arbiter.Hypothesis 后，原始 query 与 follow-up 不会进入仲裁。
type Proposal struct {
	Statement          string                   `json:"statement"`
	Updates            []arbiter.ProposedUpdate `json:"updates"`
	CitedEvidenceIDs   []string                 `json:"cited_evidence_ids"`
	SuggestedFollowUps []string                 `json:"suggested_follow_ups"`
	EstimatedCostUSD   float64                  `json:"estimated_cost_usd"`
	ProposerID         string                   `json:"proposer_id"`
}

// Hypothesis 按仲裁边界裁剪 Proposal：只携带结构化断言与证据
func (p *Proposal) Hypothesis() *arbiter.Hypothesis {
	return &arbiter.Hypothesis{
		Statement:        p.Statement,
		Updates:          p.Updates,
		CitedEvidenceIDs: p.CitedEvidenceIDs,
		ProposerID:       p.ProposerID,
	}
}

// Proposer 黑盒能力：任何满足签名的后端（本地模型、远端 API、规则 stub）皆可
type Proposer interface {
	Propose(ctx context.Context, query string, docs []DocumentRef) (*Proposal, error)
}
