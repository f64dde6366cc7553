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
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status 会话生命周期状态；running 之外皆为终态且不可逆
type Status string

const (
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusLimitReached Status = "limit_reached"
	StatusCompleted    Status = "completed"
)

// 终态原因
const (
	ReasonStopRequested       = "stop_requested"
	ReasonAdmissionDenied     = "admission_denied"
	ReasonProposerUnavailable = "proposer_unavailable"
	ReasonNoFollowUps         = "no_unseen_follow_ups"
	ReasonMaxSteps            = "max_steps"
)

// Event 单步执行记录
type Event struct {
	Step         int       `json:"step"`
	Query        string    `json:"query"`
	HypothesisID string    `json:"hypothesis_id,omitempty"`
	Verdict      string    `json:"verdict,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// Session 一次有界自主调查。状态只由 runner 推进；外部只能请求停止，
// 停止在下一次准入前生效。
type Session struct {
	ID        string
	RootQuery string
	MaxSteps  int
	CreatedAt time.Time

	mu            sync.Mutex
	status        Status
	stoppedReason string
	stepsUsed     int
	events        []Event
	updatedAt     time.Time

	asked   map[string]struct{}
	pending []string

	stopRequested bool
}

// NewSession 创建会话；首个待问查询即根查询
func NewSession(rootQuery string, maxSteps int) *Session {
	now := time.Now()
	return &Session{
		ID:        "session-" + uuid.New().String(),
		RootQuery: rootQuery,
		MaxSteps:  maxSteps,
		CreatedAt: now,

		status:    StatusRunning,
		updatedAt: now,
		asked:     make(map[string]struct{}),
		pending:   []string{rootQuery},
	}
}

// RequestStop 协作式停止请求；对已终态会话是 no-op，返回是否受理
func (s *Session) RequestStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return false
	}
	s.stopRequested = true
	s.updatedAt = time.Now()
	return true
}

// StopRequested 是否收到停止请求
func (s *Session) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// finish 写入终态；恰好一次，重复调用 no-op
func (s *Session) finish(status Status, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return false
	}
	s.status = status
	s.stoppedReason = reason
	s.updatedAt = time.Now()
	return true
}

// nextQuery 取首个未问过的待决查询并标记已问；耗尽时 ok=false
func (s *Session) nextQuery() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		q := s.pending[0]
		s.pending = s.pending[1:]
		if _, seen := s.asked[q]; seen {
			continue
		}
		s.asked[q] = struct{}{}
		return q, true
	}
	return "", false
}

// addFollowUps 追加候选后续查询；去重在取出时做
func (s *Session) addFollowUps(queries []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, queries...)
	s.updatedAt = time.Now()
}

// recordStep 记录一步并递增步数
func (s *Session) recordStep(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepsUsed++
	ev.Step = s.stepsUsed
	ev.At = time.Now()
	s.events = append(s.events, ev)
	s.updatedAt = ev.At
}

// StepsUsed 已消耗步数
func (s *Session) StepsUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepsUsed
}

// CurrentStatus 当前状态
func (s *Session) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot 会话只读快照（API 层用）
type Snapshot struct {
	ID            string    `json:"id"`
	RootQuery     string    `json:"root_query"`
	Status        Status    `json:"status"`
	StoppedReason string    `json:"stopped_reason,omitempty"`
	StepsUsed     int       `json:"steps_used"`
	MaxSteps      int       `json:"max_steps"`
	Events        []Event   `json:"events"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot 复制当前会话状态
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	return Snapshot{
		ID:            s.ID,
		RootQuery:     s.RootQuery,
		Status:        s.status,
		StoppedReason: s.stoppedReason,
		StepsUsed:     s.stepsUsed,
		MaxSteps:      s.MaxSteps,
		Events:        events,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.updatedAt,
	}
}
