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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"inquest-platform/internal/admission"
	"inquest-platform/internal/api/http/middleware"
	"inquest-platform/internal/arbiter"
	"inquest-platform/internal/investigation"
	"inquest-platform/internal/ledger"
	"inquest-platform/internal/proposer"
	"inquest-platform/pkg/config"
	"inquest-platform/pkg/log"
)

// newTestStack 装配内存后端的完整处理链
func newTestStack(t *testing.T, admissionCfg config.AdmissionConfig) (*Handler, ledger.Store) {
	t.Helper()
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	store := ledger.NewMemoryStore()
	hyps := arbiter.NewHypothesisStore()
	arb := arbiter.New(store, hyps, nil, logger)
	ctrl := admission.New(admissionCfg, admission.NewMemoryCounters(), admission.NewAuditLog(64, nil), logger)

	search := &proposer.StaticSearch{Docs: map[string][]proposer.DocumentRef{
		"who owns Acme Corp": {{ID: "doc-1", Title: "Acme Corp", Snippet: "registered owner unclear"}},
	}}
	prop := proposer.NewRuleProposer()

	manager := investigation.NewManager(investigation.NewMemoryStore(), 3, 5)
	runner := investigation.NewRunner(ctrl, search, prop, arb, hyps, logger, time.Second, false)

	return NewHandler(ctrl, store, arb, hyps, manager, runner, search, prop, time.Second), store
}

func generousAdmission() config.AdmissionConfig {
	return config.AdmissionConfig{
		PerCaller:      config.PerCallerLimits{PerMinute: 100, PerHour: 1000, PerDay: 10000},
		Global:         config.GlobalLimits{HourlyCalls: 1000, DailyCalls: 10000, MonthlyCostUSD: 1000},
		Queue:          config.QueueConfig{MaxSize: 10, Timeout: "1s"},
		ConcurrencyCap: 8,
	}
}

func buildServer(h *Handler, auditEnabled bool) *server.Hertz {
	r := NewRouter(h, middleware.NewMiddleware())
	r.SetAuditExperimental(auditEnabled)
	return r.Build(":0")
}

func postJSON(s *server.Hertz, path string, payload interface{}, headers ...ut.Header) *ut.ResponseRecorder {
	body, _ := json.Marshal(payload)
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	return ut.PerformRequest(s.Engine, "POST", path, &ut.Body{Body: bytes.NewReader(body), Len: len(body)}, headers...)
}

func TestHealthCheck(t *testing.T) {
	h, _ := newTestStack(t, generousAdmission())
	s := buildServer(h, false)

	w := ut.PerformRequest(s.Engine, "GET", "/api/health", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Errorf("health status = %d", resp.StatusCode())
	}
	if !bytes.Contains(resp.Body(), []byte("ok")) {
		t.Errorf("health body: %s", resp.Body())
	}
}

func TestQuery_AppliesVerdict(t *testing.T) {
	h, store := newTestStack(t, generousAdmission())
	s := buildServer(h, false)

	w := postJSON(s, "/api/query", map[string]string{"query": "who owns Acme Corp"},
		ut.Header{Key: "X-Caller-ID", Value: "analyst-1"})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("query status = %d body = %s", resp.StatusCode(), resp.Body())
	}

	var body struct {
		HypothesisID string `json:"hypothesis_id"`
		Verdict      struct {
			Approved bool `json:"approved"`
		} `json:"verdict"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.HypothesisID == "" || !body.Verdict.Approved {
		t.Fatalf("expected approved verdict, body = %s", resp.Body())
	}

	// 裁决已落账
	contradictions, err := store.ListContradictions(context.Background())
	if err != nil {
		t.Fatalf("list contradictions: %v", err)
	}
	if len(contradictions) != 0 {
		t.Errorf("unexpected contradictions: %v", contradictions)
	}
}

func TestQuery_ThrottledWith429(t *testing.T) {
	cfg := generousAdmission()
	cfg.PerCaller.PerMinute = 1
	h, _ := newTestStack(t, cfg)
	s := buildServer(h, false)

	w := postJSON(s, "/api/query", map[string]string{"query": "who owns Acme Corp"},
		ut.Header{Key: "X-Caller-ID", Value: "analyst-1"})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("first query status = %d", got)
	}

	w = postJSON(s, "/api/query", map[string]string{"query": "and what about Globex"},
		ut.Header{Key: "X-Caller-ID", Value: "analyst-1"})
	resp := w.Result()
	if resp.StatusCode() != 429 {
		t.Fatalf("second query status = %d, want 429", resp.StatusCode())
	}

	var body struct {
		Reason     string `json:"reason"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Reason != admission.ReasonCallerLimit {
		t.Errorf("reason = %q, want %q", body.Reason, admission.ReasonCallerLimit)
	}
	if body.RetryAfter <= 0 || body.RetryAfter > 60 {
		t.Errorf("retry_after = %d, want within (0,60]", body.RetryAfter)
	}

	// 不同调用方不受影响
	w = postJSON(s, "/api/query", map[string]string{"query": "who owns Acme Corp"},
		ut.Header{Key: "X-Caller-ID", Value: "analyst-2"})
	if got := w.Result().StatusCode(); got != 200 {
		t.Errorf("analyst-2 status = %d, want 200", got)
	}
}

func TestQuery_MissingQueryRejected(t *testing.T) {
	h, _ := newTestStack(t, generousAdmission())
	s := buildServer(h, false)

	w := postJSON(s, "/api/query", map[string]string{})
	if got := w.Result().StatusCode(); got != 400 {
		t.Errorf("status = %d, want 400", got)
	}
}

func TestInvestigationLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestStack(t, generousAdmission())
	s := buildServer(h, false)

	w := postJSON(s, "/api/investigate/start", map[string]interface{}{
		"query":     "who owns Acme Corp",
		"max_steps": 2,
	}, ut.Header{Key: "X-Caller-ID", Value: "analyst-1"})
	resp := w.Result()
	if resp.StatusCode() != 202 {
		t.Fatalf("start status = %d body = %s", resp.StatusCode(), resp.Body())
	}
	var started struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(resp.Body(), &started); err != nil || started.SessionID == "" {
		t.Fatalf("start response: %s", resp.Body())
	}

	// 轮询直到会话终态
	deadline := time.Now().Add(2 * time.Second)
	var snap struct {
		Status string `json:"status"`
	}
	for {
		w = ut.PerformRequest(s.Engine, "GET", "/api/investigate/"+started.SessionID,
			&ut.Body{Body: bytes.NewReader(nil), Len: 0})
		resp = w.Result()
		if resp.StatusCode() != 200 {
			t.Fatalf("get status = %d", resp.StatusCode())
		}
		if err := json.Unmarshal(resp.Body(), &snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if snap.Status != string(investigation.StatusRunning) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached a terminal state: %s", resp.Body())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 终态会话的 stop 请求不被受理
	w = postJSON(s, "/api/investigate/stop/"+started.SessionID, nil)
	resp = w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("stop status = %d", resp.StatusCode())
	}
	var stopped struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.Unmarshal(resp.Body(), &stopped); err != nil {
		t.Fatalf("decode stop: %v", err)
	}
	if stopped.Accepted {
		t.Error("stop accepted on terminal session")
	}
}

func TestStopInvestigation_UnknownSession(t *testing.T) {
	h, _ := newTestStack(t, generousAdmission())
	s := buildServer(h, false)

	w := postJSON(s, "/api/investigate/stop/session-missing", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("status = %d, want 404", got)
	}
}

func TestGetEntity_WithScoreAndHistory(t *testing.T) {
	h, store := newTestStack(t, generousAdmission())
	s := buildServer(h, false)

	ctx := context.Background()
	entity, _, err := store.UpsertEntity(ctx, ledger.Entity{Name: "Acme Corp", Type: ledger.EntityOrganization}, "doc-1", "arbiter")
	if err != nil {
		t.Fatalf("upsert entity: %v", err)
	}
	target := ledger.Ref{Kind: ledger.KindEntity, ID: entity.ID}
	if _, err := store.ApplyChange(ctx, ledger.ChangeRequest{
		Target: target, Field: ledger.FieldSuspicion, Delta: 25,
		Reason: "flagged wire", EvidenceSourceID: "doc-1", DecidedBy: "arbiter",
	}); err != nil {
		t.Fatalf("apply change: %v", err)
	}

	w := ut.PerformRequest(s.Engine, "GET", "/api/graph/entities/"+entity.ID,
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("status = %d", resp.StatusCode())
	}
	var body struct {
		Entity  ledger.Entity       `json:"entity"`
		Score   ledger.Score        `json:"score"`
		History []ledger.ChainEntry `json:"history"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Entity.ID != entity.ID {
		t.Errorf("entity id = %q", body.Entity.ID)
	}
	if body.Score.Suspicion != 25 {
		t.Errorf("suspicion = %v, want 25", body.Score.Suspicion)
	}
	if len(body.History) != 2 {
		t.Errorf("history len = %d, want 2 (created + change)", len(body.History))
	}

	w = ut.PerformRequest(s.Engine, "GET", "/api/graph/entities/ent-missing",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("missing entity status = %d, want 404", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestStack(t, generousAdmission())
	s := buildServer(h, false)

	w := ut.PerformRequest(s.Engine, "GET", "/metrics", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("metrics status = %d", resp.StatusCode())
	}
	if !bytes.Contains(resp.Body(), []byte("inquest_")) {
		t.Errorf("metrics body missing inquest_ collectors: %.200s", resp.Body())
	}
}
