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

package admission

import (
	"sync"
	"time"

	"inquest-platform/pkg/log"
)

// AuditRecord 单次准入裁决的审计记录；CallerHash 为脱敏后的调用方标识，
// QueryPreview 为截断后的 query 前缀，供滥用排查区分问了什么
type AuditRecord struct {
	Time         time.Time     `json:"time"`
	CallerHash   string        `json:"caller_hash"`
	QueryPreview string        `json:"query_preview,omitempty"`
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	Waited       time.Duration `json:"waited,omitempty"`
}

// AuditLog 有界环形审计日志；写满后覆盖最旧记录
type AuditLog struct {
	mu     sync.Mutex
	ring   []AuditRecord
	next   int
	filled bool
	logger *log.Logger
}

// NewAuditLog 创建审计日志；size <=0 默认 256
func NewAuditLog(size int, logger *log.Logger) *AuditLog {
	if size <= 0 {
		size = 256
	}
	return &AuditLog{ring: make([]AuditRecord, size), logger: logger}
}

// Record 记录一次裁决
func (a *AuditLog) Record(rec AuditRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	a.mu.Lock()
	a.ring[a.next] = rec
	a.next = (a.next + 1) % len(a.ring)
	if a.next == 0 {
		a.filled = true
	}
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Info("admission decision",
			"caller", rec.CallerHash,
			"query", rec.QueryPreview,
			"allowed", rec.Allowed,
			"reason", rec.Reason,
			"retry_after", rec.RetryAfter.String(),
		)
	}
}

// Recent 按时间正序返回留存记录
func (a *AuditLog) Recent() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.filled {
		out := make([]AuditRecord, a.next)
		copy(out, a.ring[:a.next])
		return out
	}
	out := make([]AuditRecord, 0, len(a.ring))
	out = append(out, a.ring[a.next:]...)
	out = append(out, a.ring[:a.next]...)
	return out
}
