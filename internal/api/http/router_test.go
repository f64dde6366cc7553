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
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/ut"

	"inquest-platform/internal/api/http/middleware"
)

func TestRouter_AuditRouteDisabledByDefault(t *testing.T) {
	h, _ := newTestStack(t, generousAdmission())
	s := buildServer(h, false)

	w := ut.PerformRequest(s.Engine, "GET", "/api/admissions/audit", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if got := w.Result().StatusCode(); got != 404 {
		t.Fatalf("GET /api/admissions/audit status = %d, want 404", got)
	}
}

func TestRouter_AuditRouteEnabled(t *testing.T) {
	h, _ := newTestStack(t, generousAdmission())
	s := buildServer(h, true)

	// 先产生一条裁决
	w := postJSON(s, "/api/query", map[string]string{"query": "who owns Acme Corp"},
		ut.Header{Key: "X-Caller-ID", Value: "analyst-1"})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("query status = %d", got)
	}

	w = ut.PerformRequest(s.Engine, "GET", "/api/admissions/audit", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("audit status = %d, want 200 when enabled", resp.StatusCode())
	}
	if !bytes.Contains(resp.Body(), []byte("admitted")) {
		t.Errorf("audit body missing decision: %s", resp.Body())
	}
}

func TestRouter_JWTGuardsMutatingRoutes(t *testing.T) {
	h, _ := newTestStack(t, generousAdmission())
	jwtAuth, err := middleware.NewJWTAuth([]byte("test-signing-key"), time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("jwt init: %v", err)
	}
	r := NewRouter(h, middleware.NewMiddleware())
	r.SetJWT(jwtAuth)
	s := r.Build(":0")

	// 无令牌的变更请求被拒
	w := postJSON(s, "/api/query", map[string]string{"query": "who owns Acme Corp"})
	if got := w.Result().StatusCode(); got != 401 {
		t.Errorf("unauthenticated query status = %d, want 401", got)
	}

	// 只读路由不受 JWT 门控
	w = ut.PerformRequest(s.Engine, "GET", "/api/health", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if got := w.Result().StatusCode(); got != 200 {
		t.Errorf("health status = %d, want 200", got)
	}
}
