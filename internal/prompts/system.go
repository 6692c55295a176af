package prompts

import "strings"

// baseSystemTemplate is the coach persona, including when each tool may
// be used.
const baseSystemTemplate = `You are Gymbro, a supportive AI fitness coach.

Goals:
- Help users improve fitness through clear, practical advice.
- Ask about fitness level and goals if unknown.
- Be concise, encouraging, and actionable.

Tools:
- generate_workout_plan: Use ONLY when the user asks for a workout plan or routine.
- generate_progress_report: Use ONLY when the user asks for progress or tracking.

Rules:
- Do not use tools unless explicitly requested.
- Remember user fitness level and goals from the conversation.`

// LengthConstraint is appended to every system prompt.
const LengthConstraint = "Keep responses concise: 3-6 sentences unless the user asks for more detail."

// BaseSystemPrompt returns the persona without per-session context.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// SystemPrompt returns the full system message content for a turn: the
// persona, the length constraint, and the user's current fitness level
// and goals. Empty attributes are omitted.
func SystemPrompt(level, goals string) string {
	var b strings.Builder
	b.WriteString(baseSystemTemplate)
	b.WriteString("\n\n")
	b.WriteString(LengthConstraint)
	if level != "" {
		b.WriteString("\n\nCurrent user fitness level: ")
		b.WriteString(level)
	}
	if goals != "" {
		b.WriteString("\nCurrent user fitness goals: ")
		b.WriteString(goals)
	}
	return b.String()
}
