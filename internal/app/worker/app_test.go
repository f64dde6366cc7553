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

package worker

import (
	"context"
	"testing"
	"time"

	"inquest-platform/internal/ledger"
	"inquest-platform/pkg/config"
	"inquest-platform/pkg/log"
)

func TestNewApp_RequiresPostgresLedger(t *testing.T) {
	if _, err := NewApp(context.Background(), &config.Config{}); err == nil {
		t.Fatal("expected error when ledger is not postgres")
	}
}

// Start 须立即返回，否则 cmd 层装不上信号处理、Shutdown 永远到不了
func TestStart_ReturnsBeforeSchedulerStops(t *testing.T) {
	logger, err := log.NewLogger(&log.Config{})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	policy := ledger.NewFixedRatePolicy(time.Hour, 0.9)
	a := &App{
		logger: logger,
		decay:  ledger.NewDecayScheduler(ledger.NewMemoryStore(), policy, time.Hour, logger),
	}

	done := make(chan error, 1)
	go func() { done <- a.Start() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return, scheduler must run in the background")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
