package session

import (
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/checklist"
	"vigil/internal/policy"
)

// verdictPipeline applies the session-side verdict semantics around
// each dispatch: speech rule routing, checklist state, and suppression
// of already-satisfied at-least-once rules.
type verdictPipeline struct {
	pol    *policy.Policy
	store  *checklist.Store
	state  *windowState
	now    func() time.Time
	logger zerolog.Logger
}

// prepare builds the evaluator-facing policy and prior context for one
// window. Speech rules are withheld from the evaluator when there is
// no transcript to judge them against; the pipeline synthesizes their
// verdicts itself in finish.
func (vp *verdictPipeline) prepare(transcript *policy.Transcript) (evalPol *policy.Policy, withheld []policy.Rule, lines []checklistLine, prior string) {
	noSpeech := transcript == nil || transcript.FullText == ""

	clone := *vp.pol
	clone.Rules = nil
	for _, rule := range vp.pol.Rules {
		if rule.IsSpeech() && vp.pol.IncludeAudio && noSpeech {
			withheld = append(withheld, rule)
			continue
		}
		clone.Rules = append(clone.Rules, rule)
	}

	if vp.store != nil {
		for _, rule := range vp.pol.Rules {
			if rule.Mode != policy.ModeChecklist {
				continue
			}
			status, expiresAt, err := vp.store.Status(rule, vp.now())
			if err != nil {
				vp.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("checklist lookup failed, treating as pending")
				status = policy.ChecklistPending
			}
			lines = append(lines, checklistLine{rule: rule, status: status, expiresAt: expiresAt})
		}
	}

	prior = buildPriorContext(vp.pol, vp.state, lines)
	return &clone, withheld, lines, prior
}

// finish settles the report's verdict list after dispatch: synthesized
// speech verdicts, checklist carry-over and persistence, and the
// satisfied-rule overrides. The report's aggregates are recomputed.
func (vp *verdictPipeline) finish(report *policy.Report, withheld []policy.Rule, lines []checklistLine) {
	byRule := make(map[string]int, len(report.AllVerdicts))
	for i, v := range report.AllVerdicts {
		byRule[v.RuleID] = i
	}

	// Speech rules with nothing to hear fail closed; checklist-mode
	// speech rules just stay pending.
	for _, rule := range withheld {
		v := policy.Verdict{
			RuleID:    rule.ID,
			Compliant: false,
			Severity:  rule.Severity,
			Reason:    "no speech detected",
			Mode:      rule.Mode,
		}
		if rule.Mode == policy.ModeChecklist {
			v.ChecklistStatus = policy.ChecklistPending
		}
		if i, ok := byRule[rule.ID]; ok {
			report.AllVerdicts[i] = v
		} else {
			byRule[rule.ID] = len(report.AllVerdicts)
			report.AllVerdicts = append(report.AllVerdicts, v)
		}
	}

	// A satisfied at-least-once rule can never regress into an
	// incident; the evaluator was told, but the invariant is enforced
	// here rather than trusted to a prompt.
	for i, v := range report.AllVerdicts {
		if vp.state.satisfied[v.RuleID] && !v.Compliant {
			report.AllVerdicts[i].Compliant = true
			report.AllVerdicts[i].Reason = "satisfied in an earlier window"
		}
	}

	for _, line := range lines {
		vp.finishChecklist(report, byRule, line)
	}

	report.Finalize()
}

func (vp *verdictPipeline) finishChecklist(report *policy.Report, byRule map[string]int, line checklistLine) {
	idx, has := byRule[line.rule.ID]

	// A still-valid attestation overrides whatever this window saw.
	if line.status == policy.ChecklistCompliant {
		v := policy.Verdict{
			RuleID:          line.rule.ID,
			Compliant:       true,
			Severity:        line.rule.Severity,
			Reason:          "attested within validity window",
			Mode:            policy.ModeChecklist,
			ChecklistStatus: policy.ChecklistCompliant,
			ExpiresAt:       line.expiresAt,
		}
		if has {
			report.AllVerdicts[idx] = v
		} else {
			byRule[line.rule.ID] = len(report.AllVerdicts)
			report.AllVerdicts = append(report.AllVerdicts, v)
		}
		return
	}

	if !has {
		return
	}
	v := &report.AllVerdicts[idx]
	v.Mode = policy.ModeChecklist

	if v.Compliant {
		if vp.store != nil {
			expires, err := vp.store.MarkCompliant(line.rule, vp.now())
			if err != nil {
				vp.logger.Warn().Err(err).Str("rule_id", line.rule.ID).Msg("persisting checklist attestation failed")
			} else {
				v.ExpiresAt = &expires
			}
		}
		v.ChecklistStatus = policy.ChecklistCompliant
		return
	}

	if vp.store != nil {
		if err := vp.store.MarkPending(line.rule); err != nil {
			vp.logger.Warn().Err(err).Str("rule_id", line.rule.ID).Msg("persisting checklist pending failed")
		}
	}
	v.ChecklistStatus = policy.ChecklistPending
}
