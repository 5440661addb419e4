package policy

import (
	"fmt"
	"strings"
)

// StrictFormatNote is appended to the evaluator prompt on the single
// retry after a structured-output parse failure.
const StrictFormatNote = "IMPORTANT: respond with valid JSON only. " +
	"No markdown, no code fences, no commentary outside the JSON object."

// DescribePrompt condenses the policy into the instruction sent with
// each image batch, so the model describes what the rules care about
// instead of everything in frame.
func DescribePrompt(p *Policy) string {
	var b strings.Builder
	b.WriteString("Describe each image factually and concisely. Focus on details relevant to these compliance rules:\n")

	for _, rule := range p.Rules {
		if rule.IsSpeech() {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", rule.Description)
	}

	if refs := p.EnabledReferences(); len(refs) > 0 {
		b.WriteString("\nReference images are provided first. For each scene image, note any matches against them:\n")
		for _, ref := range refs {
			fmt.Fprintf(&b, "- %s (%s, %s)", ref.Label, ref.Category, ref.MatchMode)
			if len(ref.Checks) > 0 {
				fmt.Fprintf(&b, ": %s", strings.Join(ref.Checks, "; "))
			}
			b.WriteString("\n")
		}
	}

	if p.CustomPrompt != "" {
		b.WriteString("\nAdditional context: ")
		b.WriteString(p.CustomPrompt)
		b.WriteString("\n")
	}

	return b.String()
}

// EvaluatePrompt frames the evaluator call: rules, prior context, and
// the required output shape.
func EvaluatePrompt(p *Policy, priorContext string, strict bool) string {
	var b strings.Builder
	b.WriteString("Evaluate the observations against each rule and return JSON with fields summary, verdicts, recommendations.\n\nRules:\n")
	for _, rule := range p.Rules {
		fmt.Fprintf(&b, "- [%s] (%s) %s\n", rule.ID, rule.Severity, rule.Description)
	}

	if priorContext != "" {
		b.WriteString("\nPrior context from earlier windows:\n")
		b.WriteString(priorContext)
		b.WriteString("\n")
	}
	if p.CustomPrompt != "" {
		b.WriteString("\nAdditional context: ")
		b.WriteString(p.CustomPrompt)
		b.WriteString("\n")
	}
	if strict {
		b.WriteString("\n")
		b.WriteString(StrictFormatNote)
	}
	return b.String()
}
