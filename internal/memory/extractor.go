package memory

import (
	"strings"

	"github.com/nugget/gymbro/internal/llm"
)

// extractWindow is how many trailing messages Extract looks at.
const extractWindow = 5

var levelKeywords = []string{"beginner", "intermediate", "advanced"}

var goalRules = []struct {
	keywords []string
	goal     string
}{
	{[]string{"muscle", "strength"}, "build muscle"},
	{[]string{"weight", "lose", "fat"}, "lose weight"},
	{[]string{"endurance", "cardio"}, "improve endurance"},
}

// Extract infers fitness level and goals from the most recent user
// messages. Messages are scanned oldest to newest, so a later mention
// overrides an earlier one. Within a single message the first matching
// rule wins. When nothing matches, level and goals are returned as is.
func Extract(messages []llm.Message, level, goals string) (string, string) {
	recent := messages
	if len(recent) > extractWindow {
		recent = recent[len(recent)-extractWindow:]
	}

	for _, m := range recent {
		if m.Role != llm.RoleUser {
			continue
		}
		text := strings.ToLower(m.Content)

		for _, kw := range levelKeywords {
			if strings.Contains(text, kw) {
				level = kw
				break
			}
		}

	goals:
		for _, rule := range goalRules {
			for _, kw := range rule.keywords {
				if strings.Contains(text, kw) {
					goals = rule.goal
					break goals
				}
			}
		}
	}
	return level, goals
}
