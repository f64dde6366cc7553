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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inquest-platform/internal/ledger"
)

func TestRuleProposer_CitesEveryDocument(t *testing.T) {
	p := NewRuleProposer()
	docs := []DocumentRef{
		{ID: "doc-1", Title: "Acme Corp", Snippet: "offshore transfer flagged"},
		{ID: "doc-2", Title: "Globex Ltd", Snippet: "audit log mismatch"},
	}

	proposal, err := p.Propose(context.Background(), "shell companies", docs)
	require.NoError(t, err)
	require.Len(t, proposal.Updates, 2)
	for i, u := range proposal.Updates {
		assert.Equal(t, docs[i].ID, u.EvidenceSourceID, "update %d", i)
		assert.Equal(t, ledger.FieldSuspicion, u.Field, "update %d", i)
	}
	assert.Len(t, proposal.SuggestedFollowUps, 2)

	h := proposal.Hypothesis()
	assert.NotEmpty(t, h.Statement)
	assert.Len(t, h.Updates, 2)
}

func TestParseProposal_DropsUncitedUpdates(t *testing.T) {
	p := &OpenAIProposer{provider: "openai", model: "test"}
	content := "```json\n" + `{
		"statement": "two firms linked",
		"updates": [
			{"target_name": "Acme Corp", "entity_type": "organization",
			 "field": "suspicion", "delta": 15, "reason": "flagged wire",
			 "evidence_source_id": "doc-1"},
			{"target_name": "Phantom Inc", "entity_type": "organization",
			 "field": "suspicion", "delta": 40, "reason": "hallucinated",
			 "evidence_source_id": "doc-999"}
		],
		"follow_ups": ["Acme Corp subsidiaries"]
	}` + "\n```"

	proposal, err := p.parseProposal(content, []DocumentRef{{ID: "doc-1"}})
	require.NoError(t, err)
	// 引用了未提供文档的更新被丢弃
	require.Len(t, proposal.Updates, 1)
	assert.Equal(t, "Acme Corp", proposal.Updates[0].TargetName)
	assert.Equal(t, []string{"doc-1"}, proposal.CitedEvidenceIDs)
}

func TestStaticSearch_UnknownTermsEmpty(t *testing.T) {
	s := &StaticSearch{Docs: map[string][]DocumentRef{
		"acme": {{ID: "doc-1", Title: "Acme Corp"}},
	}}
	docs, err := s.Search(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, docs)
}
