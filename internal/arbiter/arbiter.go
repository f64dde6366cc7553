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
	"context"
	"errors"
	"fmt"
	"strings"

	"inquest-platform/internal/ledger"
	"inquest-platform/pkg/log"
	"inquest-platform/pkg/metrics"
)

const decidedBy = "arbiter"

// Verdict 单次仲裁结果
type Verdict struct {
	HypothesisID   string                 `json:"hypothesis_id"`
	Approved       bool                   `json:"approved"`
	AppliedEntries []ledger.ChainEntry    `json:"applied_entries,omitempty"`
	Contradictions []ledger.Contradiction `json:"contradictions,omitempty"`
	SkippedUpdates int                    `json:"skipped_updates"`
	Reason         string                 `json:"reason,omitempty"`
}

// Arbiter 受信裁决方：校验假说并决定如何落账。
// 与 proposer 是刻意的两权分立——仲裁方拿不到调用方原始提示词。
type Arbiter struct {
	store     ledger.Store
	hyps      *HypothesisStore
	diversity DiversityPolicy
	logger    *log.Logger
}

// New 创建仲裁器；diversity 为 nil 时使用 ProportionalDiversity
func New(store ledger.Store, hyps *HypothesisStore, diversity DiversityPolicy, logger *log.Logger) *Arbiter {
	if diversity == nil {
		diversity = ProportionalDiversity{}
	}
	return &Arbiter{store: store, hyps: hyps, diversity: diversity, logger: logger}
}

// Hypotheses 假说登记簿（供 API 查询）
func (a *Arbiter) Hypotheses() *HypothesisStore {
	return a.hyps
}

// Arbitrate 对已登记假说仲裁恰好一次；重复调用返回 ErrAlreadyDecided。
// 即使全部更新被去重或净增量为零，也会登记 rejected 终态——仲裁从不静默跳过。
func (a *Arbiter) Arbitrate(ctx context.Context, hypothesisID string) (*Verdict, error) {
	if err := a.hyps.Begin(hypothesisID); err != nil {
		return nil, err
	}
	h, ok := a.hyps.Get(hypothesisID)
	if !ok {
		return nil, ErrUnknownHypothesis
	}

	verdict := &Verdict{HypothesisID: hypothesisID}
	var applyErr error
	for _, update := range h.Updates {
		if err := a.applyUpdate(ctx, h, update, verdict); err != nil {
			applyErr = err
			break
		}
	}
	if applyErr != nil {
		// 存储故障：假说保持 pending，留给上层重试或放弃
		a.hyps.abort(hypothesisID)
		return nil, fmt.Errorf("arbitrate hypothesis %s: %w", hypothesisID, applyErr)
	}

	if len(verdict.AppliedEntries) > 0 {
		verdict.Approved = true
		if err := a.hyps.Decide(hypothesisID, StatusApproved, ""); err != nil {
			return nil, err
		}
		metrics.ArbitrationVerdicts.WithLabelValues("approved").Inc()
	} else {
		verdict.Reason = "all proposed updates deduplicated or net-zero after adjustment"
		if err := a.hyps.Decide(hypothesisID, StatusRejected, verdict.Reason); err != nil {
			return nil, err
		}
		metrics.ArbitrationVerdicts.WithLabelValues("rejected").Inc()
	}
	a.logger.Info("仲裁完成",
		"hypothesis_id", hypothesisID,
		"approved", verdict.Approved,
		"applied", len(verdict.AppliedEntries),
		"skipped", verdict.SkippedUpdates,
		"contradictions", len(verdict.Contradictions))
	return verdict, nil
}

// applyUpdate 处理单条候选更新：解析目标、去重、反证减半、多样性加权、落账
func (a *Arbiter) applyUpdate(ctx context.Context, h *Hypothesis, update ProposedUpdate, verdict *Verdict) error {
	if update.EvidenceSourceID == "" {
		return ledger.ErrMissingEvidence
	}

	target, created, err := a.resolveTarget(ctx, update)
	if err != nil {
		return err
	}
	if created {
		// 目标创建本身已产生一条链条记录，计为一次账本变更
		history, errH := a.store.History(ctx, target)
		if errH == nil && len(history) > 0 {
			verdict.AppliedEntries = append(verdict.AppliedEntries, history[0])
		}
	}

	if update.Field != ledger.FieldConfidence && update.Field != ledger.FieldSuspicion {
		return nil
	}
	if update.Delta == 0 {
		verdict.SkippedUpdates++
		return nil
	}

	// 同一证据对同一字段不再二次立案
	dup, err := a.store.HasEvidence(ctx, target, update.Field, update.EvidenceSourceID)
	if err != nil {
		return err
	}
	if dup {
		verdict.SkippedUpdates++
		return nil
	}

	delta := update.Delta
	if opposing := a.findCounterEvidence(ctx, target, update); opposing != nil {
		delta = delta / 2
		contra, errC := a.store.RecordContradiction(ctx, ledger.Contradiction{
			Target:      target,
			RefA:        update.EvidenceSourceID,
			RefB:        opposing.EvidenceSourceID,
			Description: fmt.Sprintf("proposed %s %+.1f conflicts with prior %+.1f", update.Field, update.Delta, opposing.Delta),
			Severity:    contradictionSeverity(opposing.Delta),
		})
		if errC != nil {
			return errC
		}
		verdict.Contradictions = append(verdict.Contradictions, *contra)
	}

	delta = delta * a.diversityWeight(ctx, target, update.EvidenceSourceID)
	if delta == 0 {
		verdict.SkippedUpdates++
		return nil
	}

	entry, err := a.store.ApplyChange(ctx, ledger.ChangeRequest{
		Target:           target,
		Field:            update.Field,
		Delta:            delta,
		Reason:           update.Reason,
		EvidenceSourceID: update.EvidenceSourceID,
		DecidedBy:        decidedBy,
	})
	if errors.Is(err, ledger.ErrDuplicateEvidence) {
		verdict.SkippedUpdates++
		return nil
	}
	if err != nil {
		return err
	}
	verdict.AppliedEntries = append(verdict.AppliedEntries, *entry)
	return nil
}

// resolveTarget 确定更新目标；目标实体/关系不存在时先行创建（各自产生创建链条记录）
func (a *Arbiter) resolveTarget(ctx context.Context, update ProposedUpdate) (ledger.Ref, bool, error) {
	if update.IsRelationship() {
		from, _, err := a.store.UpsertEntity(ctx, ledger.Entity{Name: update.From, Type: update.EntityType}, update.EvidenceSourceID, decidedBy)
		if err != nil {
			return ledger.Ref{}, false, err
		}
		to, _, err := a.store.UpsertEntity(ctx, ledger.Entity{Name: update.To}, update.EvidenceSourceID, decidedBy)
		if err != nil {
			return ledger.Ref{}, false, err
		}
		rel, created, err := a.store.UpsertRelationship(ctx, ledger.Relationship{
			FromEntity:        from.ID,
			ToEntity:          to.ID,
			RelationType:      update.RelationType,
			SupportingExcerpt: update.SupportingExcerpt,
			EvidenceSourceID:  update.EvidenceSourceID,
		}, decidedBy)
		if err != nil {
			return ledger.Ref{}, false, err
		}
		return ledger.Ref{Kind: ledger.KindRelationship, ID: rel.ID}, created, nil
	}

	entity, created, err := a.store.UpsertEntity(ctx, ledger.Entity{Name: update.TargetName, Type: update.EntityType}, update.EvidenceSourceID, decidedBy)
	if err != nil {
		return ledger.Ref{}, false, err
	}
	return ledger.Ref{Kind: ledger.KindEntity, ID: entity.ID}, created, nil
}

// findCounterEvidence 在既有链条中找同字段、增量方向相反、来源不同的非系统记录
func (a *Arbiter) findCounterEvidence(ctx context.Context, target ledger.Ref, update ProposedUpdate) *ledger.ChainEntry {
	history, err := a.store.History(ctx, target)
	if err != nil {
		return nil
	}
	for i := range history {
		e := history[i]
		if e.Field != update.Field {
			continue
		}
		if strings.HasPrefix(e.EvidenceSourceID, ledger.SystemSourcePrefix) {
			continue
		}
		if e.EvidenceSourceID == update.EvidenceSourceID {
			continue
		}
		if e.Delta*update.Delta < 0 {
			return &e
		}
	}
	return nil
}

// diversityWeight 计入本次引用后的来源多样性权重
func (a *Arbiter) diversityWeight(ctx context.Context, target ledger.Ref, incomingSource string) float64 {
	sources, err := a.store.EvidenceSources(ctx, target)
	if err != nil {
		return 1
	}
	citations, err := a.store.CitationCount(ctx, target)
	if err != nil {
		return 1
	}
	distinct := len(sources)
	if !containsSource(sources, incomingSource) {
		distinct++
	}
	return a.diversity.Weight(distinct, citations+1)
}

func containsSource(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func contradictionSeverity(opposingDelta float64) string {
	mag := opposingDelta
	if mag < 0 {
		mag = -mag
	}
	switch {
	case mag >= 20:
		return "high"
	case mag >= 10:
		return "medium"
	default:
		return "low"
	}
}
