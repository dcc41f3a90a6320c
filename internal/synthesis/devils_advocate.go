package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
	"github.com/alias8818/CouncilRouter-sub001/internal/provider"
)

// Critique severity grades.
const (
	SeverityMinor    = "minor"
	SeverityModerate = "moderate"
	SeverityCritical = "critical"
)

// CritiqueResult is the structured outcome of one critique pass.
type CritiqueResult struct {
	Weaknesses  []string `json:"weaknesses"`
	Suggestions []string `json:"suggestions"`
	Severity    string   `json:"severity"`
}

// Strength maps severity onto [0,1] for the confidence adjustment: minor 0,
// moderate 0.5, critical 1.
func (c *CritiqueResult) Strength() float64 {
	switch c.Severity {
	case SeverityCritical:
		return 1.0
	case SeverityModerate:
		return 0.5
	default:
		return 0.0
	}
}

// warrantsRewrite reports whether the critique justifies a rewrite pass.
func (c *CritiqueResult) warrantsRewrite() bool {
	return c.Severity != SeverityMinor || len(c.Weaknesses) > 0
}

// DevilsAdvocate runs an adversarial critique over a synthesis result and,
// when the critique is substantive, asks for a rewrite. Failures anywhere in
// the pass degrade to the original synthesis; the advocate never fails a
// request.
type DevilsAdvocate struct {
	caller *provider.Caller
	logger *slog.Logger
}

// NewDevilsAdvocate wraps a provider caller.
func NewDevilsAdvocate(caller *provider.Caller) *DevilsAdvocate {
	return &DevilsAdvocate{
		caller: caller,
		logger: slog.Default().With("component", "devils-advocate"),
	}
}

// Critique asks one member to attack the synthesis and parses the structured
// result. A response that fails JSON parsing falls back to scanning list
// lines; a missing severity is inferred from the weakness count.
func (d *DevilsAdvocate) Critique(ctx context.Context, member council.CouncilMember, query, synthesis string, responses []council.InitialResponse) (*CritiqueResult, error) {
	prompt := provider.Prompt{
		System: "You are a devil's advocate reviewing an AI council's consensus answer. " +
			"Find genuine weaknesses: factual errors, missing considerations, logical gaps, " +
			"or unsupported claims. Respond with JSON only: " +
			`{"weaknesses": ["..."], "suggestions": ["..."], "severity": "minor|moderate|critical"}`,
		User: critiquePrompt(query, synthesis, responses),
	}
	result, err := d.caller.Call(ctx, member, prompt)
	if err != nil {
		return nil, fmt.Errorf("critique call: %w", err)
	}
	return parseCritique(result.Content), nil
}

// Rewrite asks the member to improve the synthesis using the critique. Any
// failure, including an empty rewrite, returns the original synthesis.
func (d *DevilsAdvocate) Rewrite(ctx context.Context, member council.CouncilMember, query, synthesis string, critique *CritiqueResult) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\nCurrent answer:\n")
	b.WriteString(synthesis)
	b.WriteString("\n\nA reviewer found these weaknesses:\n")
	for _, w := range critique.Weaknesses {
		fmt.Fprintf(&b, "- %s\n", w)
	}
	if len(critique.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range critique.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	b.WriteString("\nRewrite the answer to address the weaknesses. Keep everything that was already correct. Output only the improved answer.")

	prompt := provider.Prompt{
		System: "You improve answers based on review feedback. Output only the improved answer.",
		User:   b.String(),
	}
	result, err := d.caller.Call(ctx, member, prompt)
	if err != nil {
		d.logger.Warn("rewrite call failed, keeping original synthesis", "member", member.ID, "err", err)
		return synthesis
	}
	if strings.TrimSpace(result.Content) == "" {
		d.logger.Warn("rewrite returned empty content, keeping original synthesis", "member", member.ID)
		return synthesis
	}
	return result.Content
}

// SynthesizeWithCritique runs Critique and, when warranted, Rewrite over a
// decision. The returned decision carries the adjusted confidence:
// adjusted agreement = clamp(agreement - 0.3*strength, 0, 1), with the
// confidence grade re-derived and never upgraded past the original.
func (d *DevilsAdvocate) SynthesizeWithCritique(ctx context.Context, member council.CouncilMember, query string, decision *council.ConsensusDecision, responses []council.InitialResponse) *council.ConsensusDecision {
	critique, err := d.Critique(ctx, member, query, decision.Content, responses)
	if err != nil {
		d.logger.Warn("critique failed, keeping original synthesis", "member", member.ID, "err", err)
		return decision
	}

	if !critique.warrantsRewrite() {
		d.logger.Info("critique found no substantive weaknesses",
			"member", member.ID, "severity", critique.Severity)
		return decision
	}

	content := d.Rewrite(ctx, member, query, decision.Content, critique)

	adjusted := decision.AgreementLevel - 0.3*critique.Strength()
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 1 {
		adjusted = 1
	}

	out := *decision
	out.Content = content
	out.AgreementLevel = adjusted
	out.Confidence = council.ConfidenceFromAgreement(adjusted).Floor(decision.Confidence)
	out.Timestamp = time.Now().UTC()

	d.logger.Info("devil's advocate rewrote synthesis",
		"member", member.ID,
		"severity", critique.Severity,
		"weaknesses", len(critique.Weaknesses),
		"agreement", fmt.Sprintf("%.2f->%.2f", decision.AgreementLevel, adjusted))
	return &out
}

func critiquePrompt(query, synthesis string, responses []council.InitialResponse) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\nConsensus answer under review:\n")
	b.WriteString(synthesis)
	if len(responses) > 0 {
		b.WriteString("\n\nIndividual council answers for reference:\n")
		for _, r := range responses {
			if !r.OK {
				continue
			}
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", r.MemberID, r.Content)
		}
	}
	b.WriteString("\nRespond with the critique JSON now.")
	return b.String()
}

// parseCritique extracts a CritiqueResult from the member's reply. Strict
// JSON is tried first (with any markdown fence stripped); failing that,
// numbered and bulleted lines are collected as weaknesses. Severity falls
// back to the weakness count: five or more is critical, two or more is
// moderate, anything else minor.
func parseCritique(content string) *CritiqueResult {
	critique := &CritiqueResult{}

	cleaned := stripFences(content)
	if err := json.Unmarshal([]byte(cleaned), critique); err != nil {
		critique.Weaknesses = scanListItems(content)
		critique.Suggestions = nil
		critique.Severity = ""
	}

	switch critique.Severity {
	case SeverityMinor, SeverityModerate, SeverityCritical:
	default:
		critique.Severity = severityFromCount(len(critique.Weaknesses))
	}
	return critique
}

func severityFromCount(n int) string {
	switch {
	case n >= 5:
		return SeverityCritical
	case n >= 2:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

// stripFences unwraps a ```json ... ``` fenced block so fenced replies still
// parse as JSON.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.LastIndex(trimmed, "```"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.TrimSpace(trimmed)
}

// scanListItems collects "1. ...", "- ..." and "* ..." lines.
func scanListItems(content string) []string {
	var items []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "- "):
			items = append(items, strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "* "):
			items = append(items, strings.TrimSpace(line[2:]))
		default:
			if item, ok := trimOrdinal(line); ok {
				items = append(items, item)
			}
		}
	}
	return items
}

// trimOrdinal strips a leading "<digits>." or "<digits>)" marker.
func trimOrdinal(line string) (string, bool) {
	i := 0
	for i < len(line) && unicode.IsDigit(rune(line[i])) {
		i++
	}
	if i == 0 || i >= len(line) {
		return "", false
	}
	if line[i] != '.' && line[i] != ')' {
		return "", false
	}
	return strings.TrimSpace(line[i+1:]), true
}
