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
	"context"
	"time"
)

// CounterStore 准入计数后端。CheckAndIncrement 必须原子：并发调用下
// 任一窗口绝不超发（宁可少放行，不可多放行）。
type CounterStore interface {
	// CheckAndIncrement 滑动窗口检查并占位。窗口内已达 ceiling 时
	// 返回 ok=false 与到最早槽位滚出为止的 retryAfter，且不占位。
	CheckAndIncrement(ctx context.Context, key string, window time.Duration, ceiling int) (ok bool, retryAfter time.Duration, err error)

	// AddCost 累加成本并检查上限；超限时返回 false 且不累加
	AddCost(ctx context.Context, key string, amount, ceiling float64) (bool, error)

	// CostTotal 当前累计成本
	CostTotal(ctx context.Context, key string) (float64, error)
}
