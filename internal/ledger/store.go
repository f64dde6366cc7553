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
	"time"
)

var (
	// ErrMissingEvidence 无 evidence_source_id 的评分变更被拒绝；本子系统的承重不变量
	ErrMissingEvidence = errors.New("ledger: score change without evidence_source_id")
	// ErrDuplicateEvidence 同一 (target, field, evidence_source_id) 已有记录；对调用方是 no-op 而非故障
	ErrDuplicateEvidence = errors.New("ledger: evidence already applied to this field")
	// ErrNotFound 目标不存在
	ErrNotFound = errors.New("ledger: target not found")
)

// Store 证据账本：当前派生状态 + 追加式证据链
type Store interface {
	// ApplyChange 追加一条证据链记录并更新对应 Score；两写同原子单元。
	// EvidenceSourceID 为空返回 ErrMissingEvidence；重复证据返回 ErrDuplicateEvidence。
	ApplyChange(ctx context.Context, req ChangeRequest) (*ChainEntry, error)
	// GetScore 返回目标当前评分；不存在返回 ErrNotFound
	GetScore(ctx context.Context, target Ref) (*Score, error)
	// History 返回目标的全部证据链记录（按时间序）
	History(ctx context.Context, target Ref) ([]ChainEntry, error)
	// HasEvidence 判断 (target, field, evidenceSourceID) 是否已有记录
	HasEvidence(ctx context.Context, target Ref, field Field, evidenceSourceID string) (bool, error)
	// EvidenceSources 返回目标评分字段曾引用过的去重证据来源（不含 system: 前缀来源与创建记录）
	EvidenceSources(ctx context.Context, target Ref) ([]string, error)
	// CitationCount 返回目标评分字段的非系统证据引用总次数（含重复来源）
	CitationCount(ctx context.Context, target Ref) (int, error)

	// UpsertEntity 按 normalized_name 去重创建实体；已存在且名称不同时记为别名。
	// created=true 时已同步写入一条 FieldCreated 证据链记录。
	UpsertEntity(ctx context.Context, e Entity, evidenceSourceID, decidedBy string) (entity *Entity, created bool, err error)
	// GetEntity 按 ID 取实体
	GetEntity(ctx context.Context, id string) (*Entity, error)
	// UpsertRelationship 按 (from,to,type) 去重创建关系；同证据重复提交为 no-op
	UpsertRelationship(ctx context.Context, r Relationship, decidedBy string) (rel *Relationship, created bool, err error)

	// RecordContradiction 追加一条矛盾记录
	RecordContradiction(ctx context.Context, c Contradiction) (*Contradiction, error)
	// ListContradictions 返回全部矛盾记录
	ListContradictions(ctx context.Context) ([]Contradiction, error)

	// StaleScores 返回 LastSeen 早于 olderThan 的评分，供衰减巡检
	StaleScores(ctx context.Context, olderThan time.Time) ([]Score, error)
}

// clampScore 评分值截断到 [0,100]
func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
