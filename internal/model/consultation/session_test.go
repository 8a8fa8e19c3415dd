package consultation

import "testing"

func TestStageOf(t *testing.T) {
	if StageOf(nil) != StageGreeting {
		t.Fatal("expected greeting for empty conversation")
	}
	if StageOf([]Message{{Role: RoleUser, Content: GreetingPlaceholder}}) != StageOngoing {
		t.Fatal("expected ongoing for non-empty conversation")
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	original := Session{
		ID: "s1",
		Conversation: []Message{{
			Role:           RoleUser,
			Content:        "my head hurts",
			EnrichmentData: &EnrichmentData{Keywords: []string{"headache"}, Severity: "moderate"},
		}},
		Report: &Report{Symptoms: []string{"headache"}},
	}

	clone := original.Clone()
	clone.Conversation[0].Content = "changed"
	clone.Conversation[0].EnrichmentData.Keywords[0] = "changed"
	clone.Report.Symptoms[0] = "changed"

	if original.Conversation[0].Content != "my head hurts" {
		t.Fatal("conversation shared with clone")
	}
	if original.Conversation[0].EnrichmentData.Keywords[0] != "headache" {
		t.Fatal("enrichment keywords shared with clone")
	}
	if original.Report.Symptoms[0] != "headache" {
		t.Fatal("report shared with clone")
	}
}
