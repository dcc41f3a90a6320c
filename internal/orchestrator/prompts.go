package orchestrator

import (
	"fmt"
	"strings"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
	"github.com/alias8818/CouncilRouter-sub001/internal/provider"
)

// initialPrompt is the round-0 prompt, identical for every member.
func initialPrompt(query string, messages []council.ContextMessage, tools []council.ToolDefinition) provider.Prompt {
	return provider.Prompt{
		System: "You are one member of a council of AI models answering the same " +
			"question independently. Answer directly and completely. Do not mention " +
			"the council.",
		User:    query,
		Context: messages,
		Tools:   tools,
	}
}

// deliberationPrompt asks one member to revise its answer after reading the
// council's latest answers. The member's own answer is included only when
// showOwn is set.
func deliberationPrompt(query string, latest []council.InitialResponse, selfID string, showOwn bool, round int) provider.Prompt {
	var b strings.Builder
	b.WriteString("Original question:\n")
	b.WriteString(query)
	b.WriteString("\n\nCouncil answers so far:\n")
	for _, r := range latest {
		if r.MemberID == selfID && !showOwn {
			continue
		}
		label := r.MemberID
		if r.MemberID == selfID {
			label += " (you)"
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", label, r.Content)
	}
	b.WriteString("\nReconsider your answer in light of the council's. Provide your " +
		"revised final answer, or restate your previous answer if you stand by it. " +
		"Output only the answer.")

	return provider.Prompt{
		System: fmt.Sprintf("You are one member of a council of AI models, now in "+
			"deliberation round %d. Revise your answer after reading your peers'.", round),
		User: b.String(),
	}
}

// codeMarkers are substrings that suggest a query is about code. Two hits
// (or a fenced block) classify the query as a code request for the devil's
// advocate domain gate.
var codeMarkers = []string{
	"func ", "def ", "class ", "import ", "#include", "package ",
	"return ", "const ", "struct ", "=>", "();", "</",
	"stack trace", "compile", "refactor", "debug", "segfault",
	"exception", "unit test", "regex",
}

func looksLikeCode(query string) bool {
	if strings.Contains(query, "```") {
		return true
	}
	lower := strings.ToLower(query)
	hits := 0
	for _, marker := range codeMarkers {
		if strings.Contains(lower, marker) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}
