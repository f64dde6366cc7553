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

import "time"

// TargetKind 账本目标类型
type TargetKind string

const (
	KindEntity       TargetKind = "entity"
	KindRelationship TargetKind = "relationship"
)

// Ref 指向一个 Entity 或 Relationship
type Ref struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// Key 唯一键，用于锁分片与索引
func (r Ref) Key() string {
	return string(r.Kind) + ":" + r.ID
}

// EntityType 实体类型枚举
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityLocation     EntityType = "location"
	EntityAmount       EntityType = "amount"
	EntityDate         EntityType = "date"
)

// Entity 图节点；身份一经创建不可变，改名记为别名
type Entity struct {
	ID             string     `json:"id"`
	Type           EntityType `json:"type"`
	Name           string     `json:"name"`
	NormalizedName string     `json:"normalized_name"`
	Aliases        []string   `json:"aliases,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Relationship 图边；(from, to, relation_type) 唯一
type Relationship struct {
	ID                string    `json:"id"`
	FromEntity        string    `json:"from_entity"`
	ToEntity          string    `json:"to_entity"`
	RelationType      string    `json:"relation_type"`
	SupportingExcerpt string    `json:"supporting_excerpt"`
	EvidenceSourceID  string    `json:"evidence_source_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// Field 可被证据驱动变更的评分字段
type Field string

const (
	FieldConfidence Field = "confidence"
	FieldSuspicion  Field = "suspicion"
	// FieldCreated 目标创建本身的链条记录
	FieldCreated Field = "created"
)

// Score 附着在单个目标上的评分状态
type Score struct {
	Target          Ref       `json:"target"`
	Confidence      float64   `json:"confidence"` // [0,100]
	Suspicion       float64   `json:"suspicion"`  // [0,100]
	SourceCount     int       `json:"source_count"`
	SourceDiversity float64   `json:"source_diversity"` // [0,100]
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	DecayFactor     float64   `json:"decay_factor"`
}

// ChainEntry 证据链单条记录；创建后永不更新或删除
type ChainEntry struct {
	ID               string    `json:"id"`
	Target           Ref       `json:"target"`
	Field            Field     `json:"field"`
	OldValue         float64   `json:"old_value"`
	NewValue         float64   `json:"new_value"`
	Delta            float64   `json:"delta"`
	Reason           string    `json:"reason"`
	EvidenceSourceID string    `json:"evidence_source_id"`
	DecidedBy        string    `json:"decided_by"`
	CreatedAt        time.Time `json:"created_at"`
}

// Contradiction 一对互斥事实
type Contradiction struct {
	ID          string    `json:"id"`
	Target      Ref       `json:"target"`
	RefA        string    `json:"ref_a"` // 证据来源 A
	RefB        string    `json:"ref_b"` // 证据来源 B
	Description string    `json:"description"`
	Severity    string    `json:"severity"` // low | medium | high
	Resolution  string    `json:"resolution,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChangeRequest ApplyChange 的输入；Delta 为期望的增量，实际增量受 [0,100] 截断
type ChangeRequest struct {
	Target           Ref
	Field            Field
	Delta            float64
	Reason           string
	EvidenceSourceID string
	DecidedBy        string
}

// SystemSourcePrefix 系统生成的证据来源前缀；此类来源不计入 source 多样性
const SystemSourcePrefix = "system:"
