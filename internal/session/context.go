package session

import (
	"fmt"
	"strings"
	"time"

	"vigil/internal/policy"
)

// windowState is the cross-window memory of one session. It is owned
// by the dispatcher goroutine and mutated only after a window's report
// has been emitted, so the next window always sees settled context.
type windowState struct {
	satisfied    map[string]bool           // rule id -> at-least-once satisfied
	lastVerdicts map[string]policy.Verdict // rule id -> previous window verdict
	transcript   policy.Transcript         // accumulated across windows
}

func newWindowState() *windowState {
	return &windowState{
		satisfied:    make(map[string]bool),
		lastVerdicts: make(map[string]policy.Verdict),
	}
}

// appendTranscript folds a window's transcript into the session-wide
// accumulation, so phrase counting for at_least_n rules sees the whole
// session.
func (w *windowState) appendTranscript(t *policy.Transcript) {
	if t == nil || t.FullText == "" {
		return
	}
	if w.transcript.FullText != "" {
		w.transcript.FullText += " "
	}
	w.transcript.FullText += t.FullText
	w.transcript.Segments = append(w.transcript.Segments, t.Segments...)
	if t.Language != "" {
		w.transcript.Language = t.Language
	}
	w.transcript.Duration += t.Duration
}

// accumulated returns the session-wide transcript, or nil when nothing
// has been heard yet.
func (w *windowState) accumulated() *policy.Transcript {
	if w.transcript.FullText == "" && len(w.transcript.Segments) == 0 {
		return nil
	}
	t := w.transcript
	if t.Segments == nil {
		t.Segments = []policy.TranscriptSegment{}
	}
	return &t
}

// update folds a window's verdicts into the cross-window state. Called
// strictly after the report is emitted.
func (w *windowState) update(report *policy.Report, pol *policy.Policy) {
	for _, v := range report.AllVerdicts {
		w.lastVerdicts[v.RuleID] = v
		rule, ok := pol.RuleByID(v.RuleID)
		if !ok {
			continue
		}
		if v.Compliant && (rule.Frequency == policy.FrequencyAtLeastOnce || rule.Frequency == policy.FrequencyAtLeastN) {
			w.satisfied[v.RuleID] = true
		}
	}
}

// checklistLine describes a checklist rule's stored status for prior
// context.
type checklistLine struct {
	rule      policy.Rule
	status    policy.ChecklistStatus
	expiresAt *time.Time
}

// buildPriorContext renders the evaluator-facing summary of previous
// windows. Rules with "always" frequency get their last verdict as
// recent context and are always re-evaluated; satisfied at-least-once
// rules are marked SATISFIED so the evaluator does not re-flag them.
func buildPriorContext(pol *policy.Policy, state *windowState, checklist []checklistLine) string {
	var b strings.Builder

	if pol.PriorContext != "" {
		b.WriteString(pol.PriorContext)
		b.WriteString("\n")
	}

	for _, rule := range pol.Rules {
		if state.satisfied[rule.ID] {
			fmt.Fprintf(&b, "Rule %s (%s): SATISFIED in an earlier window. Do not flag it again.\n",
				rule.ID, rule.Description)
			continue
		}
		if rule.Frequency == policy.FrequencyAlways {
			if prev, ok := state.lastVerdicts[rule.ID]; ok {
				verdict := "compliant"
				if !prev.Compliant {
					verdict = "non-compliant"
				}
				fmt.Fprintf(&b, "Rule %s: previous window was %s (%s). Re-evaluate on the new evidence; never assume it still holds.\n",
					rule.ID, verdict, prev.Reason)
			}
		}
	}

	for _, line := range checklist {
		switch line.status {
		case policy.ChecklistCompliant:
			until := ""
			if line.expiresAt != nil {
				until = " until " + line.expiresAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "Checklist rule %s (%s): already attested, valid%s. Do not flag it.\n",
				line.rule.ID, line.rule.Description, until)
		case policy.ChecklistExpired:
			fmt.Fprintf(&b, "Checklist rule %s (%s): attestation expired and must be re-verified.\n",
				line.rule.ID, line.rule.Description)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
