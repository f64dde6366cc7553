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
)

// Manager 会话生命周期管理；步数上限在创建时钉死
type Manager struct {
	store        SessionStore
	defaultSteps int
	maxStepsCap  int
}

// NewManager 创建 Manager；defaultSteps <=0 默认 5，cap <=0 默认 10
func NewManager(store SessionStore, defaultSteps, maxStepsCap int) *Manager {
	if defaultSteps <= 0 {
		defaultSteps = 5
	}
	if maxStepsCap <= 0 {
		maxStepsCap = 10
	}
	return &Manager{store: store, defaultSteps: defaultSteps, maxStepsCap: maxStepsCap}
}

// Create 创建会话；maxSteps <=0 用默认值，超出硬上限时收敛到上限
func (m *Manager) Create(ctx context.Context, rootQuery string, maxSteps int) (*Session, error) {
	if maxSteps <= 0 {
		maxSteps = m.defaultSteps
	}
	if maxSteps > m.maxStepsCap {
		maxSteps = m.maxStepsCap
	}
	s := NewSession(rootQuery, maxSteps)
	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get 按 ID 取会话
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// Stop 请求停止会话；返回是否受理
func (m *Manager) Stop(ctx context.Context, id string) (bool, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.RequestStop(), nil
}
