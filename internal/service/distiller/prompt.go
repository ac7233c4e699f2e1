package distiller

import (
	"fmt"
	"strings"

	"github.com/sandevgo/longmem/internal/core"
)

const promptTemplate = `You are a memory distillation system for a personal AI assistant.

You will be given a conversation segment and the list of currently stored
memories. Decide which memory operations to apply.

ACTIONS:
  - add: new user-specific information not covered by a stored memory
  - update: the user said something that changes a stored memory's value
    (reference the stored memory by its id)
  - keep: a stored memory was considered and is still valid (reference by id)
  - expire: deactivate a stored memory (reference by id). Triggers: the user
    explicitly contradicted it, it describes a completed event or past date,
    its confidence is below 0.5 and nothing reinforced it, it duplicates
    another memory, or it is irrelevant to the recent conversation.

WHAT TO CAPTURE (from USER turns only):
  - Name, age, location, language, timezone
  - Preferences: "I prefer...", "I like...", "I always...", "I never..."
  - Constraints: "Don't call before 11", "I'm allergic to..."
  - Relationships: "My daughter Meera", "My boss Priya", "My dog Rex"
  - Commitments: "I have a meeting every Tuesday at 3 PM"
  - Skills: "I've been coding in Rust for 3 years"
  - Life events: "I just moved to Berlin"

WHAT TO SKIP:
  - Greetings, thanks, filler, jokes
  - World facts and definitions that hold for any user
  - The assistant's own statements or suggestions
  - Topics merely discussed ("user asked about chess")

FIELDS for add:
  - type: one of preference | fact | commitment | relationship | event | skill | constraint
  - category: a short grouping tag (e.g. schedule, diet, language)
  - key: snake_case canonical concept (e.g. favorite_color, allergy)
  - value: the fact itself, short
  - confidence: 0.95 = stated directly, 0.7 = inferred, 0.5 = ambiguous
  - source_turn: the first turn number in the segment where this appeared

If the segment contains no memory-worthy information, return {"actions": []}.

STORED MEMORIES:
%s

CONVERSATION SEGMENT (turns %d to %d):
%s

Return ONLY valid JSON. No markdown. No code fences. No commentary.
{"actions": [...]}`

func buildPrompt(window []core.TurnRecord, existing []core.Memory, startTurn, endTurn int64) string {
	var memText string
	if len(existing) == 0 {
		memText = "(none yet — this is the start of the conversation)"
	} else {
		lines := make([]string, 0, len(existing))
		for _, m := range existing {
			lines = append(lines, fmt.Sprintf("%s | %s | %s | %s | %.2f",
				m.ID, m.Type, m.Key, m.Value, m.Confidence))
		}
		memText = strings.Join(lines, "\n")
	}

	var convo strings.Builder
	for _, t := range window {
		convo.WriteString(strings.ToUpper(t.Role))
		convo.WriteString(": ")
		convo.WriteString(t.Content)
		convo.WriteString("\n")
	}

	return fmt.Sprintf(promptTemplate, memText, startTurn, endTurn, convo.String())
}
