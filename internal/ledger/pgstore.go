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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"inquest-platform/pkg/metrics"
)

// pgStore PostgreSQL 实现；ApplyChange 的链条写入与评分更新在同一事务内提交
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的证据账本；dsn 为连接串
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &pgStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭连接池（可选，用于优雅退出）
func (s *pgStore) Close() {
	s.pool.Close()
}

func (s *pgStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			normalized_name TEXT NOT NULL UNIQUE,
			aliases TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			from_entity TEXT NOT NULL,
			to_entity TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			supporting_excerpt TEXT NOT NULL DEFAULT '',
			evidence_source_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (from_entity, to_entity, relation_type)
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			suspicion DOUBLE PRECISION NOT NULL DEFAULT 0,
			source_count INT NOT NULL DEFAULT 0,
			source_diversity DOUBLE PRECISION NOT NULL DEFAULT 0,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			decay_factor DOUBLE PRECISION NOT NULL DEFAULT 0,
			citations INT NOT NULL DEFAULT 0,
			PRIMARY KEY (target_kind, target_id)
		)`,
		`CREATE TABLE IF NOT EXISTS evidence_chain (
			id TEXT PRIMARY KEY,
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			field TEXT NOT NULL,
			old_value DOUBLE PRECISION NOT NULL,
			new_value DOUBLE PRECISION NOT NULL,
			delta DOUBLE PRECISION NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			evidence_source_id TEXT NOT NULL,
			decided_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (target_kind, target_id, field, evidence_source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS contradictions (
			id TEXT PRIMARY KEY,
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			ref_a TEXT NOT NULL,
			ref_b TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'low',
			resolution TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgStore) ApplyChange(ctx context.Context, req ChangeRequest) (*ChainEntry, error) {
	if req.EvidenceSourceID == "" {
		return nil, ErrMissingEvidence
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := s.applyChangeTx(ctx, tx, req, time.Now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	metrics.LedgerAppends.WithLabelValues(string(req.Field)).Inc()
	return entry, nil
}

// applyChangeTx 在给定事务内完成链条追加 + 评分更新；评分行 FOR UPDATE 串行化同目标写入
func (s *pgStore) applyChangeTx(ctx context.Context, tx pgx.Tx, req ChangeRequest, now time.Time) (*ChainEntry, error) {
	// 评分行不存在时先建零值行，随后 FOR UPDATE 取得行锁
	_, err := tx.Exec(ctx,
		`INSERT INTO scores (target_kind, target_id, first_seen, last_seen) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (target_kind, target_id) DO NOTHING`,
		string(req.Target.Kind), req.Target.ID, now)
	if err != nil {
		return nil, err
	}
	var confidence, suspicion float64
	err = tx.QueryRow(ctx,
		`SELECT confidence, suspicion FROM scores WHERE target_kind = $1 AND target_id = $2 FOR UPDATE`,
		string(req.Target.Kind), req.Target.ID).Scan(&confidence, &suspicion)
	if err != nil {
		return nil, err
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM evidence_chain
		  WHERE target_kind = $1 AND target_id = $2 AND field = $3 AND evidence_source_id = $4)`,
		string(req.Target.Kind), req.Target.ID, string(req.Field), req.EvidenceSourceID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateEvidence
	}

	var old float64
	switch req.Field {
	case FieldConfidence:
		old = confidence
	case FieldSuspicion:
		old = suspicion
	}
	newValue := old
	if req.Field == FieldConfidence || req.Field == FieldSuspicion {
		newValue = clampScore(old + req.Delta)
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
	_, err = tx.Exec(ctx,
		`INSERT INTO evidence_chain (id, target_kind, target_id, field, old_value, new_value, delta, reason, evidence_source_id, decided_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, string(entry.Target.Kind), entry.Target.ID, string(entry.Field),
		entry.OldValue, entry.NewValue, entry.Delta, entry.Reason,
		entry.EvidenceSourceID, entry.DecidedBy, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEvidence
		}
		return nil, err
	}

	var distinct, citations int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(DISTINCT evidence_source_id), COUNT(*) FROM evidence_chain
		  WHERE target_kind = $1 AND target_id = $2 AND field IN ('confidence','suspicion')
		    AND evidence_source_id NOT LIKE $3`,
		string(req.Target.Kind), req.Target.ID, SystemSourcePrefix+"%").Scan(&distinct, &citations)
	if err != nil {
		return nil, err
	}
	diversity := 0.0
	if citations > 0 {
		diversity = float64(distinct) / float64(citations) * 100
	}

	setConfidence := confidence
	setSuspicion := suspicion
	switch req.Field {
	case FieldConfidence:
		setConfidence = newValue
	case FieldSuspicion:
		setSuspicion = newValue
	}
	decayFactor := -1.0
	if req.Reason == "decay" && old > 0 {
		decayFactor = newValue / old
	}
	_, err = tx.Exec(ctx,
		`UPDATE scores SET confidence = $3, suspicion = $4, source_count = $5, source_diversity = $6,
		        last_seen = $7, citations = $8,
		        decay_factor = CASE WHEN $9 >= 0 THEN $9 ELSE decay_factor END
		  WHERE target_kind = $1 AND target_id = $2`,
		string(req.Target.Kind), req.Target.ID,
		setConfidence, setSuspicion, distinct, diversity, now, citations, decayFactor)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *pgStore) GetScore(ctx context.Context, target Ref) (*Score, error) {
	var sc Score
	sc.Target = target
	err := s.pool.QueryRow(ctx,
		`SELECT confidence, suspicion, source_count, source_diversity, first_seen, last_seen, decay_factor
		   FROM scores WHERE target_kind = $1 AND target_id = $2`,
		string(target.Kind), target.ID).
		Scan(&sc.Confidence, &sc.Suspicion, &sc.SourceCount, &sc.SourceDiversity,
			&sc.FirstSeen, &sc.LastSeen, &sc.DecayFactor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *pgStore) History(ctx context.Context, target Ref) ([]ChainEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, field, old_value, new_value, delta, reason, evidence_source_id, decided_by, created_at
		   FROM evidence_chain WHERE target_kind = $1 AND target_id = $2 ORDER BY created_at, id`,
		string(target.Kind), target.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChainEntry
	for rows.Next() {
		var e ChainEntry
		var field string
		e.Target = target
		if err := rows.Scan(&e.ID, &field, &e.OldValue, &e.NewValue, &e.Delta,
			&e.Reason, &e.EvidenceSourceID, &e.DecidedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Field = Field(field)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) HasEvidence(ctx context.Context, target Ref, field Field, evidenceSourceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM evidence_chain
		  WHERE target_kind = $1 AND target_id = $2 AND field = $3 AND evidence_source_id = $4)`,
		string(target.Kind), target.ID, string(field), evidenceSourceID).Scan(&exists)
	return exists, err
}

func (s *pgStore) EvidenceSources(ctx context.Context, target Ref) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT evidence_source_id FROM evidence_chain
		  WHERE target_kind = $1 AND target_id = $2 AND field IN ('confidence','suspicion')
		    AND evidence_source_id NOT LIKE $3`,
		string(target.Kind), target.ID, SystemSourcePrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *pgStore) CitationCount(ctx context.Context, target Ref) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM evidence_chain
		  WHERE target_kind = $1 AND target_id = $2 AND field IN ('confidence','suspicion')
		    AND evidence_source_id NOT LIKE $3`,
		string(target.Kind), target.ID, SystemSourcePrefix+"%").Scan(&n)
	return n, err
}

func (s *pgStore) UpsertEntity(ctx context.Context, e Entity, evidenceSourceID, decidedBy string) (*Entity, bool, error) {
	if evidenceSourceID == "" {
		return nil, false, ErrMissingEvidence
	}
	norm := e.NormalizedName
	if norm == "" {
		norm = NormalizeName(e.Name)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var existing Entity
	err = tx.QueryRow(ctx,
		`SELECT id, type, name, normalized_name, aliases, created_at FROM entities WHERE normalized_name = $1 FOR UPDATE`,
		norm).Scan(&existing.ID, &existing.Type, &existing.Name, &existing.NormalizedName, &existing.Aliases, &existing.CreatedAt)
	if err == nil {
		if e.Name != existing.Name && !containsString(existing.Aliases, e.Name) {
			existing.Aliases = append(existing.Aliases, e.Name)
			if _, err := tx.Exec(ctx, `UPDATE entities SET aliases = $2 WHERE id = $1`, existing.ID, existing.Aliases); err != nil {
				return nil, false, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	now := time.Now()
	created := Entity{
		ID:             "ent-" + uuid.New().String(),
		Type:           e.Type,
		Name:           e.Name,
		NormalizedName: norm,
		CreatedAt:      now,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO entities (id, type, name, normalized_name, aliases, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		created.ID, string(created.Type), created.Name, created.NormalizedName, []string{}, created.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// 并发创建同一 normalized_name：对手已插入，读回已有行返回
			if errRb := tx.Rollback(ctx); errRb != nil {
				return nil, false, err
			}
			var dup Entity
			errSel := s.pool.QueryRow(ctx,
				`SELECT id, type, name, normalized_name, aliases, created_at FROM entities WHERE normalized_name = $1`,
				norm).Scan(&dup.ID, &dup.Type, &dup.Name, &dup.NormalizedName, &dup.Aliases, &dup.CreatedAt)
			if errSel != nil {
				return nil, false, errSel
			}
			return &dup, false, nil
		}
		return nil, false, err
	}
	_, err = s.applyChangeTx(ctx, tx, ChangeRequest{
		Target:           Ref{Kind: KindEntity, ID: created.ID},
		Field:            FieldCreated,
		Reason:           "entity created: " + created.Name,
		EvidenceSourceID: evidenceSourceID,
		DecidedBy:        decidedBy,
	}, now)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &created, true, nil
}

func (s *pgStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, name, normalized_name, aliases, created_at FROM entities WHERE id = $1`, id).
		Scan(&e.ID, &e.Type, &e.Name, &e.NormalizedName, &e.Aliases, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *pgStore) UpsertRelationship(ctx context.Context, r Relationship, decidedBy string) (*Relationship, bool, error) {
	if r.EvidenceSourceID == "" {
		return nil, false, ErrMissingEvidence
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var existing Relationship
	err = tx.QueryRow(ctx,
		`SELECT id, from_entity, to_entity, relation_type, supporting_excerpt, evidence_source_id, created_at
		   FROM relationships WHERE from_entity = $1 AND to_entity = $2 AND relation_type = $3`,
		r.FromEntity, r.ToEntity, r.RelationType).
		Scan(&existing.ID, &existing.FromEntity, &existing.ToEntity, &existing.RelationType,
			&existing.SupportingExcerpt, &existing.EvidenceSourceID, &existing.CreatedAt)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	now := time.Now()
	created := Relationship{
		ID:                "rel-" + uuid.New().String(),
		FromEntity:        r.FromEntity,
		ToEntity:          r.ToEntity,
		RelationType:      r.RelationType,
		SupportingExcerpt: r.SupportingExcerpt,
		EvidenceSourceID:  r.EvidenceSourceID,
		CreatedAt:         now,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO relationships (id, from_entity, to_entity, relation_type, supporting_excerpt, evidence_source_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		created.ID, created.FromEntity, created.ToEntity, created.RelationType,
		created.SupportingExcerpt, created.EvidenceSourceID, created.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// 并发创建同一三元组：读回已有行返回
			if errRb := tx.Rollback(ctx); errRb != nil {
				return nil, false, err
			}
			var dup Relationship
			errSel := s.pool.QueryRow(ctx,
				`SELECT id, from_entity, to_entity, relation_type, supporting_excerpt, evidence_source_id, created_at
				   FROM relationships WHERE from_entity = $1 AND to_entity = $2 AND relation_type = $3`,
				r.FromEntity, r.ToEntity, r.RelationType).
				Scan(&dup.ID, &dup.FromEntity, &dup.ToEntity, &dup.RelationType,
					&dup.SupportingExcerpt, &dup.EvidenceSourceID, &dup.CreatedAt)
			if errSel != nil {
				return nil, false, errSel
			}
			return &dup, false, nil
		}
		return nil, false, err
	}
	_, err = s.applyChangeTx(ctx, tx, ChangeRequest{
		Target:           Ref{Kind: KindRelationship, ID: created.ID},
		Field:            FieldCreated,
		Reason:           "relationship created: " + created.RelationType,
		EvidenceSourceID: created.EvidenceSourceID,
		DecidedBy:        decidedBy,
	}, now)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &created, true, nil
}

func (s *pgStore) RecordContradiction(ctx context.Context, c Contradiction) (*Contradiction, error) {
	if c.ID == "" {
		c.ID = "contra-" + uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contradictions (id, target_kind, target_id, ref_a, ref_b, description, severity, resolution, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, string(c.Target.Kind), c.Target.ID, c.RefA, c.RefB, c.Description, c.Severity, c.Resolution, c.CreatedAt)
	if err != nil {
		return nil, err
	}
	metrics.ContradictionsTotal.Inc()
	return &c, nil
}

func (s *pgStore) ListContradictions(ctx context.Context) ([]Contradiction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, target_kind, target_id, ref_a, ref_b, description, severity, resolution, created_at
		   FROM contradictions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contradiction
	for rows.Next() {
		var c Contradiction
		var kind string
		if err := rows.Scan(&c.ID, &kind, &c.Target.ID, &c.RefA, &c.RefB,
			&c.Description, &c.Severity, &c.Resolution, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Target.Kind = TargetKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgStore) StaleScores(ctx context.Context, olderThan time.Time) ([]Score, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT target_kind, target_id, confidence, suspicion, source_count, source_diversity, first_seen, last_seen, decay_factor
		   FROM scores WHERE last_seen < $1 AND confidence > 0`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Score
	for rows.Next() {
		var sc Score
		var kind string
		if err := rows.Scan(&kind, &sc.Target.ID, &sc.Confidence, &sc.Suspicion, &sc.SourceCount,
			&sc.SourceDiversity, &sc.FirstSeen, &sc.LastSeen, &sc.DecayFactor); err != nil {
			return nil, err
		}
		sc.Target.Kind = TargetKind(kind)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
