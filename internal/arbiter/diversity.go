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

// DiversityPolicy 来源多样性加权策略：十条来自同一文档的引用
// 对评分的推动要小于十条来自十个文档的引用
type DiversityPolicy interface {
	// Weight 给定去重来源数与引用总次数（均含本次），返回 (0,1] 权重
	Weight(distinctSources, totalCitations int) float64
}

// ProportionalDiversity 默认策略：weight = distinct / total
type ProportionalDiversity struct{}

func (ProportionalDiversity) Weight(distinctSources, totalCitations int) float64 {
	if totalCitations <= 0 || distinctSources <= 0 {
		return 1
	}
	w := float64(distinctSources) / float64(totalCitations)
	if w > 1 {
		return 1
	}
	return w
}
