package agent

import (
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestConvertMessages(t *testing.T) {
	in := []Message{
		{Role: models.RoleUser, Content: "question"},
		{Role: models.RoleAssistant, Content: "answer"},
		{Role: models.RoleUser, Content: ""},
		{Role: models.RoleUser, Content: "followup"},
	}
	out := convertMessages(in)
	if len(out) != 3 {
		t.Fatalf("converted %d messages, want 3 (empty content dropped)", len(out))
	}
	if out[0].Role != "user" || out[1].Role != "assistant" || out[2].Role != "user" {
		t.Errorf("roles = %v %v %v", out[0].Role, out[1].Role, out[2].Role)
	}
}

func TestMaxTokens(t *testing.T) {
	if got := maxTokens(0); got != defaultMaxTokens {
		t.Errorf("maxTokens(0) = %d, want default", got)
	}
	if got := maxTokens(-5); got != defaultMaxTokens {
		t.Errorf("maxTokens(-5) = %d, want default", got)
	}
	if got := maxTokens(512); got != 512 {
		t.Errorf("maxTokens(512) = %d", got)
	}
}
