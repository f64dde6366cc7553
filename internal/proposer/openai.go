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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"inquest-platform/internal/arbiter"
	"inquest-platform/internal/ledger"
	"inquest-platform/pkg/metrics"
)

const proposalSystemPrompt = `You are an investigation assistant. Given a query and retrieved documents,
propose graph updates as strict JSON:
{"statement": "...",
 "updates": [{"target_name": "...", "entity_type": "person|organization|location|amount|date",
              "field": "confidence|suspicion", "delta": -100..100, "reason": "...",
              "evidence_source_id": "<document id>"},
             {"from": "...", "to": "...", "relation_type": "...", "supporting_excerpt": "...",
              "field": "confidence", "delta": 0..100, "reason": "...",
              "evidence_source_id": "<document id>"}],
 "follow_ups": ["..."]}
Every update must cite one of the provided document ids. Output JSON only.`

// OpenAIProposer OpenAI 兼容后端的提议方；RPM + 并发双重限流
type OpenAIProposer struct {
	provider    string
	model       string
	apiKey      string
	baseURL     string
	costPerCall float64
	client      *resty.Client
	limiter     *rate.Limiter
	semaphore   chan struct{}
}

// OpenAIOptions OpenAI 提议方配置
type OpenAIOptions struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	RequestsPerMinute float64
	MaxConcurrent     int
	CostPerCallUSD    float64
	Timeout           time.Duration
}

// NewOpenAIProposer 创建 OpenAI 兼容提议方；baseURL 为空时用默认或 OPENAI_BASE_URL
func NewOpenAIProposer(opts OpenAIOptions) (*OpenAIProposer, error) {
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
		if envURL := os.Getenv("OPENAI_BASE_URL"); envURL != "" {
			opts.BaseURL = envURL
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}

	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(1 * time.Second)
	client.SetRetryMaxWaitTime(5 * time.Second)

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		rps := opts.RequestsPerMinute / 60.0
		burst := int(rps * 2)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	provider := opts.Provider
	if provider == "" {
		provider = "openai"
	}

	return &OpenAIProposer{
		provider:    provider,
		model:       opts.Model,
		apiKey:      opts.APIKey,
		baseURL:     opts.BaseURL,
		costPerCall: opts.CostPerCallUSD,
		client:      client,
		limiter:     limiter,
		semaphore:   make(chan struct{}, opts.MaxConcurrent),
	}, nil
}

// Propose 调用聊天补全接口，解析结构化候选更新
func (p *OpenAIProposer) Propose(ctx context.Context, query string, docs []DocumentRef) (*Proposal, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}

	timer := prometheus.NewTimer(metrics.ProposerDuration)
	defer timer.ObserveDuration()

	request := map[string]interface{}{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": proposalSystemPrompt},
			{"role": "user", "content": buildUserPrompt(query, docs)},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+p.apiKey).
		SetBody(request).
		Post(p.baseURL + "/chat/completions")

	if err != nil {
		return nil, fmt.Errorf("%w: 调用 %s API failed: %v", ErrUnavailable, p.provider, err)
	}
	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: %s API 返回 %d", ErrUnavailable, p.provider, response.StatusCode())
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, fmt.Errorf("解析 %s 响应failed: %w", p.provider, err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s API 没有返回结果", ErrUnavailable, p.provider)
	}

	return p.parseProposal(result.Choices[0].Message.Content, docs)
}

// buildUserPrompt 拼装查询与检索文档
func buildUserPrompt(query string, docs []DocumentRef) string {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(query)
	b.WriteString("\n\nDocuments:\n")
	for _, d := range docs {
		fmt.Fprintf(&b, "- id=%s title=%q snippet=%q\n", d.ID, d.Title, d.Snippet)
	}
	return b.String()
}

// wireUpdate 模型输出的单条更新（JSON 线格式）
type wireUpdate struct {
	TargetName        string  `json:"target_name"`
	EntityType        string  `json:"entity_type"`
	From              string  `json:"from"`
	To                string  `json:"to"`
	RelationType      string  `json:"relation_type"`
	SupportingExcerpt string  `json:"supporting_excerpt"`
	Field             string  `json:"field"`
	Delta             float64 `json:"delta"`
	Reason            string  `json:"reason"`
	EvidenceSourceID  string  `json:"evidence_source_id"`
}

// parseProposal 解析并裁剪模型输出：丢弃未引用提供文档的更新
func (p *OpenAIProposer) parseProposal(content string, docs []DocumentRef) (*Proposal, error) {
	var wire struct {
		Statement string       `json:"statement"`
		Updates   []wireUpdate `json:"updates"`
		FollowUps []string     `json:"follow_ups"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &wire); err != nil {
		return nil, fmt.Errorf("解析提议 JSON failed: %w", err)
	}

	known := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		known[d.ID] = struct{}{}
	}

	proposal := &Proposal{
		Statement:          wire.Statement,
		SuggestedFollowUps: wire.FollowUps,
		EstimatedCostUSD:   p.costPerCall,
		ProposerID:         p.provider + ":" + p.model,
	}
	cited := make(map[string]struct{})
	for _, u := range wire.Updates {
		if _, ok := known[u.EvidenceSourceID]; !ok {
			continue
		}
		upd := arbiter.ProposedUpdate{
			TargetName:        u.TargetName,
			EntityType:        ledger.EntityType(u.EntityType),
			From:              u.From,
			To:                u.To,
			RelationType:      u.RelationType,
			SupportingExcerpt: u.SupportingExcerpt,
			Field:             ledger.Field(u.Field),
			Delta:             u.Delta,
			Reason:            u.Reason,
			EvidenceSourceID:  u.EvidenceSourceID,
		}
		proposal.Updates = append(proposal.Updates, upd)
		if _, seen := cited[u.EvidenceSourceID]; !seen {
			cited[u.EvidenceSourceID] = struct{}{}
			proposal.CitedEvidenceIDs = append(proposal.CitedEvidenceIDs, u.EvidenceSourceID)
		}
	}
	return proposal, nil
}

// stripCodeFence 去掉模型偶发包裹的 markdown 代码块
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
