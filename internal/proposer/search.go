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

package proposer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPSearch 远端检索服务客户端；协作方接口为 GET ?q=<terms>&top_k=<n>
type HTTPSearch struct {
	endpoint string
	topK     int
	client   *resty.Client
}

// NewHTTPSearch 创建检索客户端
func NewHTTPSearch(endpoint string, topK int) *HTTPSearch {
	if topK <= 0 {
		topK = 5
	}
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	return &HTTPSearch{endpoint: endpoint, topK: topK, client: client}
}

// Search 查询检索服务
func (s *HTTPSearch) Search(ctx context.Context, terms string) ([]DocumentRef, error) {
	response, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("q", terms).
		SetQueryParam("top_k", strconv.Itoa(s.topK)).
		Get(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("调用检索服务failed: %w", err)
	}
	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("检索服务返回 %d", response.StatusCode())
	}

	var result struct {
		Documents []DocumentRef `json:"documents"`
	}
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, fmt.Errorf("解析检索响应failed: %w", err)
	}
	return result.Documents, nil
}
