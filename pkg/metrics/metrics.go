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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry 独立注册表，避免与默认全局注册表互相污染
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		AdmissionDecisions, QueueDepth, QueueWaitSeconds,
		ArbitrationVerdicts, LedgerAppends, ContradictionsTotal, DecayApplied,
		SessionSteps, SessionsTotal, MonthlyCostUSD, ProposerDuration,
	)
}

// AdmissionDecisions 准入决策总数（按结果）
var AdmissionDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "inquest_admission_decisions_total",
		Help: "准入决策总数（按结果）",
	},
	[]string{"decision"}, // admitted | rejected | queued | timeout
)

// QueueDepth 等待队列当前深度
var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "inquest_admission_queue_depth",
		Help: "等待队列当前深度",
	},
)

// QueueWaitSeconds 队列等待时长（秒）
var QueueWaitSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "inquest_admission_queue_wait_seconds",
		Help:    "队列等待时长（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// ArbitrationVerdicts 仲裁裁决总数（按结果）
var ArbitrationVerdicts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "inquest_arbitration_verdicts_total",
		Help: "仲裁裁决总数（按结果）",
	},
	[]string{"verdict"}, // approved | rejected
)

// LedgerAppends 证据链追加总数（按字段）
var LedgerAppends = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "inquest_ledger_appends_total",
		Help: "证据链追加总数（按字段）",
	},
	[]string{"field"},
)

// ContradictionsTotal 矛盾记录总数
var ContradictionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "inquest_contradictions_total",
		Help: "矛盾记录总数",
	},
)

// DecayApplied 衰减应用总数
var DecayApplied = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "inquest_decay_applied_total",
		Help: "衰减应用总数",
	},
)

// SessionSteps 调查会话步数总数
var SessionSteps = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "inquest_session_steps_total",
		Help: "调查会话步数总数",
	},
)

// SessionsTotal 调查会话总数（按终态）
var SessionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "inquest_sessions_total",
		Help: "调查会话总数（按终态）",
	},
	[]string{"status"}, // completed | stopped | limit_reached
)

// MonthlyCostUSD 当月累计成本（美元）
var MonthlyCostUSD = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "inquest_monthly_cost_usd",
		Help: "当月累计成本（美元）",
	},
)

// ProposerDuration 单次 propose 调用耗时（秒）
var ProposerDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "inquest_proposer_duration_seconds",
		Help:    "单次 propose 调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz /metrics 复用）
func WritePrometheus(w io.Writer) error {
	mfs, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
