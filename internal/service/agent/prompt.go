package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sandevgo/longmem/internal/core"
)

const systemPromptHeader = `You are a helpful assistant with persistent memory across a long conversation.
`

const behaviorRules = `## Behavior Rules
- Apply memories implicitly, weaving them into your responses naturally
- Do NOT parrot memories back unless it is natural to mention them
- If the current user message contradicts a memory, follow the current message
- If you are uncertain whether a remembered fact still holds, ask to confirm
- Be concise and helpful`

// buildSystemPrompt composes the static template with the profile section
// and the per-query memories section. Memories whose keys are already in
// the profile are not repeated.
func buildSystemPrompt(profile map[string]string, queryMemories []core.Memory) string {
	var b strings.Builder
	b.WriteString(systemPromptHeader)

	if len(profile) > 0 {
		b.WriteString("\n## User Profile\n")
		keys := make([]string, 0, len(profile))
		for k := range profile {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, profile[k])
		}
	}

	var memLines []string
	for _, m := range queryMemories {
		if _, inProfile := profile[m.Key]; inProfile {
			continue
		}
		memLines = append(memLines, fmt.Sprintf("- [%s] %s: %s", m.Type, m.Key, m.Value))
	}
	if len(memLines) > 0 {
		b.WriteString("\n## Relevant Memories\n")
		b.WriteString(strings.Join(memLines, "\n"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(behaviorRules)
	return b.String()
}
