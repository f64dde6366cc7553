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
	"errors"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"inquest-platform/internal/admission"
	"inquest-platform/internal/arbiter"
	"inquest-platform/internal/investigation"
	"inquest-platform/internal/ledger"
	"inquest-platform/internal/proposer"
	"inquest-platform/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	admitter  *admission.Controller
	store     ledger.Store
	arb       *arbiter.Arbiter
	hyps      *arbiter.HypothesisStore
	manager   *investigation.Manager
	runner    *investigation.Runner
	search    proposer.SearchClient
	prop      proposer.Proposer
	proposerT time.Duration
}

// NewHandler 创建 HTTP 处理器
func NewHandler(admitter *admission.Controller, store ledger.Store, arb *arbiter.Arbiter,
	hyps *arbiter.HypothesisStore, manager *investigation.Manager, runner *investigation.Runner,
	search proposer.SearchClient, prop proposer.Proposer, proposerTimeout time.Duration) *Handler {
	if proposerTimeout <= 0 {
		proposerTimeout = 60 * time.Second
	}
	return &Handler{
		admitter:  admitter,
		store:     store,
		arb:       arb,
		hyps:      hyps,
		manager:   manager,
		runner:    runner,
		search:    search,
		prop:      prop,
		proposerT: proposerTimeout,
	}
}

// callerID 调用方标识：X-Caller-ID 头优先，否则客户端 IP
func callerID(ctx *app.RequestContext) string {
	if id := string(ctx.GetHeader("X-Caller-ID")); id != "" {
		return id
	}
	return ctx.ClientIP()
}

// rejectThrottled 限流响应：429 + 具体原因 + retry_after 秒数
func rejectThrottled(ctx *app.RequestContext, d *admission.Decision) {
	seconds := int(d.RetryAfter.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	ctx.Header("Retry-After", strconv.Itoa(seconds))
	ctx.JSON(consts.StatusTooManyRequests, map[string]interface{}{
		"error":       "request throttled",
		"reason":      d.Reason,
		"retry_after": seconds,
	})
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{
		"status": "ok",
	})
}

type queryRequest struct {
	Query string `json:"query"`
}

// Query 单轮调查查询：准入 -> 检索 -> 提议 -> 仲裁
// POST /api/query
func (h *Handler) Query(c context.Context, ctx *app.RequestContext) {
	var req queryRequest
	if err := ctx.BindAndValidate(&req); err != nil || req.Query == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "query is required",
		})
		return
	}

	decision, err := h.admitter.Admit(c, callerID(ctx), req.Query, 0)
	if err != nil {
		hlog.CtxErrorf(c, "admission backend failed: %v", err)
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"error": "admission backend unavailable",
		})
		return
	}
	if !decision.Allowed {
		rejectThrottled(ctx, decision)
		return
	}
	defer decision.Release()

	docs, err := h.search.Search(c, req.Query)
	if err != nil {
		hlog.CtxErrorf(c, "search failed: %v", err)
		docs = nil
	}

	callCtx, cancel := context.WithTimeout(c, h.proposerT)
	proposal, err := h.prop.Propose(callCtx, req.Query, docs)
	cancel()
	if err != nil {
		hlog.CtxErrorf(c, "proposer failed: %v", err)
		ctx.JSON(consts.StatusBadGateway, map[string]string{
			"error": "proposer unavailable",
		})
		return
	}

	response := map[string]interface{}{
		"statement":  proposal.Statement,
		"follow_ups": proposal.SuggestedFollowUps,
	}
	if len(proposal.Updates) > 0 {
		hyp := h.hyps.Register(proposal.Hypothesis())
		verdict, err := h.arb.Arbitrate(c, hyp.ID)
		if err != nil {
			hlog.CtxErrorf(c, "arbitration failed for %s: %v", hyp.ID, err)
			ctx.JSON(consts.StatusInternalServerError, map[string]string{
				"error": "arbitration failed",
			})
			return
		}
		response["hypothesis_id"] = hyp.ID
		response["verdict"] = verdict
	}
	ctx.JSON(consts.StatusOK, response)
}

type startRequest struct {
	Query    string `json:"query"`
	MaxSteps int    `json:"max_steps"`
}

// StartInvestigation 启动有界自主调查
// POST /api/investigate/start
func (h *Handler) StartInvestigation(c context.Context, ctx *app.RequestContext) {
	var req startRequest
	if err := ctx.BindAndValidate(&req); err != nil || req.Query == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "query is required",
		})
		return
	}

	s, err := h.manager.Create(c, req.Query, req.MaxSteps)
	if err != nil {
		hlog.CtxErrorf(c, "create session failed: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "failed to create session",
		})
		return
	}
	// 循环脱离请求生命周期运行；停止手段是 stop 接口与步数上限
	go h.runner.Run(context.Background(), s)

	ctx.JSON(consts.StatusAccepted, map[string]interface{}{
		"session_id": s.ID,
		"max_steps":  s.MaxSteps,
	})
}

// StopInvestigation 请求停止调查；停止在下一次准入前生效
// POST /api/investigate/stop/:id
func (h *Handler) StopInvestigation(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	accepted, err := h.manager.Stop(c, id)
	if err != nil {
		if errors.Is(err, investigation.ErrSessionNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{
				"error": "session not found",
			})
			return
		}
		hlog.CtxErrorf(c, "stop session %s failed: %v", id, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "failed to stop session",
		})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"session_id": id,
		"accepted":   accepted,
	})
}

// GetInvestigation 查询会话状态与事件
// GET /api/investigate/:id
func (h *Handler) GetInvestigation(c context.Context, ctx *app.RequestContext) {
	s, err := h.manager.Get(c, ctx.Param("id"))
	if err != nil {
		ctx.JSON(consts.StatusNotFound, map[string]string{
			"error": "session not found",
		})
		return
	}
	ctx.JSON(consts.StatusOK, s.Snapshot())
}

// GetEntity 实体详情：实体 + 当前评分 + 证据链
// GET /api/graph/entities/:id
func (h *Handler) GetEntity(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	entity, err := h.store.GetEntity(c, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{
				"error": "entity not found",
			})
			return
		}
		hlog.CtxErrorf(c, "get entity %s failed: %v", id, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "storage failure",
		})
		return
	}

	target := ledger.Ref{Kind: ledger.KindEntity, ID: id}
	response := map[string]interface{}{
		"entity": entity,
	}
	if score, err := h.store.GetScore(c, target); err == nil {
		response["score"] = score
	}
	if history, err := h.store.History(c, target); err == nil {
		response["history"] = history
	}
	ctx.JSON(consts.StatusOK, response)
}

// ListContradictions 矛盾记录列表
// GET /api/graph/contradictions
func (h *Handler) ListContradictions(c context.Context, ctx *app.RequestContext) {
	contradictions, err := h.store.ListContradictions(c)
	if err != nil {
		hlog.CtxErrorf(c, "list contradictions failed: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "storage failure",
		})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"contradictions": contradictions,
	})
}

// AdmissionAudit 准入审计记录（实验性接口，路由层门控）
// GET /api/admissions/audit
func (h *Handler) AdmissionAudit(c context.Context, ctx *app.RequestContext) {
	audit := h.admitter.Audit()
	if audit == nil {
		ctx.JSON(consts.StatusOK, map[string]interface{}{
			"decisions": []admission.AuditRecord{},
		})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"decisions": audit.Recent(),
	})
}

// Metrics Prometheus 文本导出
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "metrics encoding failed",
		})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
