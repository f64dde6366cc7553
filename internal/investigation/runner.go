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

package investigation

import (
	"context"
	"errors"
	"time"

	"inquest-platform/internal/admission"
	"inquest-platform/internal/arbiter"
	"inquest-platform/internal/proposer"
	"inquest-platform/pkg/log"
	"inquest-platform/pkg/metrics"
)

// Admitter 准入裁决方；自主步与交互调用烧同一份预算
type Admitter interface {
	Admit(ctx context.Context, callerID, query string, estimatedCost float64) (*admission.Decision, error)
}

// Runner 有界调查循环执行器。每步：停止检查 -> 准入 -> 检索 ->
// 提议 -> 仲裁。任何一步失败都让会话走到明确的终态。
type Runner struct {
	admitter Admitter
	search   proposer.SearchClient
	prop     proposer.Proposer
	arb      *arbiter.Arbiter
	hyps     *arbiter.HypothesisStore
	logger   *log.Logger

	proposerTimeout time.Duration
	retryOnFailure  bool
}

// NewRunner 创建执行器；proposerTimeout <=0 默认 60s
func NewRunner(admitter Admitter, search proposer.SearchClient, prop proposer.Proposer,
	arb *arbiter.Arbiter, hyps *arbiter.HypothesisStore, logger *log.Logger,
	proposerTimeout time.Duration, retryOnFailure bool) *Runner {
	if proposerTimeout <= 0 {
		proposerTimeout = 60 * time.Second
	}
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}
	return &Runner{
		admitter:        admitter,
		search:          search,
		prop:            prop,
		arb:             arb,
		hyps:            hyps,
		logger:          logger,
		proposerTimeout: proposerTimeout,
		retryOnFailure:  retryOnFailure,
	}
}

// Run 执行会话直到终态。阻塞；调用方自行决定是否放入 goroutine。
// 一次 Run 至多触发 MaxSteps 次仲裁。
func (r *Runner) Run(ctx context.Context, s *Session) {
	logger := r.logger.With("session", s.ID)
	for {
		// 停止检查严格先于准入：收到停止请求的会话不再消耗预算
		if s.StopRequested() || ctx.Err() != nil {
			r.finish(s, StatusStopped, ReasonStopRequested)
			return
		}
		if s.StepsUsed() >= s.MaxSteps {
			r.finish(s, StatusLimitReached, ReasonMaxSteps)
			return
		}
		query, ok := s.nextQuery()
		if !ok {
			r.finish(s, StatusCompleted, ReasonNoFollowUps)
			return
		}

		decision, err := r.admitter.Admit(ctx, "session:"+s.ID, query, 0)
		if err != nil {
			logger.Error("admission backend failed", "err", err)
			r.finish(s, StatusStopped, ReasonAdmissionDenied)
			return
		}
		if !decision.Allowed {
			logger.Info("step denied by admission", "reason", decision.Reason)
			r.finish(s, StatusStopped, ReasonAdmissionDenied+":"+decision.Reason)
			return
		}

		ev := r.step(ctx, s, query)
		decision.Release()

		s.recordStep(ev)
		metrics.SessionSteps.Inc()

		if ev.Reason == ReasonProposerUnavailable {
			r.finish(s, StatusStopped, ReasonProposerUnavailable)
			return
		}
	}
}

// step 执行已获准入的一步；失败通过 Event.Reason 上报
func (r *Runner) step(ctx context.Context, s *Session, query string) Event {
	ev := Event{Query: query}

	docs, err := r.search.Search(ctx, query)
	if err != nil {
		r.logger.Warn("search failed", "session", s.ID, "err", err)
		docs = nil
	}

	proposal, err := r.propose(ctx, query, docs)
	if err != nil {
		ev.Reason = ReasonProposerUnavailable
		return ev
	}

	s.addFollowUps(proposal.SuggestedFollowUps)

	if len(proposal.Updates) == 0 {
		ev.Reason = "no_updates_proposed"
		return ev
	}

	h := r.hyps.Register(proposal.Hypothesis())
	ev.HypothesisID = h.ID
	verdict, err := r.arb.Arbitrate(ctx, h.ID)
	if err != nil {
		ev.Reason = "arbitration_failed"
		return ev
	}
	if verdict.Approved {
		ev.Verdict = string(arbiter.StatusApproved)
	} else {
		ev.Verdict = string(arbiter.StatusRejected)
	}
	ev.Reason = verdict.Reason
	return ev
}

// propose 带超时调用提议方；可恢复故障重试一次
func (r *Runner) propose(ctx context.Context, query string, docs []proposer.DocumentRef) (*proposer.Proposal, error) {
	attempts := 1
	if r.retryOnFailure {
		attempts = 2
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, r.proposerTimeout)
		proposal, err := r.prop.Propose(callCtx, query, docs)
		cancel()
		if err == nil {
			return proposal, nil
		}
		lastErr = err
		if !errors.Is(err, proposer.ErrUnavailable) {
			break
		}
	}
	return nil, lastErr
}

func (r *Runner) finish(s *Session, status Status, reason string) {
	if s.finish(status, reason) {
		metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
		r.logger.Info("session finished",
			"session", s.ID,
			"status", string(status),
			"reason", reason,
			"steps", s.StepsUsed(),
		)
	}
}
