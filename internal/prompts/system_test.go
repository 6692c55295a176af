package prompts

import (
	"strings"
	"testing"
)

func TestSystemPrompt(t *testing.T) {
	got := SystemPrompt("beginner", "lose weight")

	for _, want := range []string{
		"You are Gymbro",
		"generate_workout_plan",
		"generate_progress_report",
		LengthConstraint,
		"Current user fitness level: beginner",
		"Current user fitness goals: lose weight",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.HasPrefix(got, BaseSystemPrompt()) {
		t.Error("prompt should start with the persona")
	}
	if strings.Index(got, LengthConstraint) > strings.Index(got, "Current user fitness level") {
		t.Error("length constraint should precede the attribute lines")
	}
}

func TestSystemPrompt_OmitsEmptyAttributes(t *testing.T) {
	got := SystemPrompt("", "")
	if strings.Contains(got, "Current user fitness") {
		t.Errorf("empty attributes should be omitted:\n%s", got)
	}
	if !strings.HasSuffix(got, LengthConstraint) {
		t.Error("prompt should end with the length constraint")
	}
}
