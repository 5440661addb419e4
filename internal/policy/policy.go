// Package policy defines the compliance policy model, the report
// model, and the canonical JSON surface for both.
package policy

import (
	"encoding/json"
	"fmt"

	"vigil/internal/log"
)

// Severity of a rule and of the verdicts it produces.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Mode distinguishes rules re-evaluated every window from rules
// satisfied once and held for a validity duration.
type Mode string

const (
	ModeIncident  Mode = "incident"
	ModeChecklist Mode = "checklist"
)

// Frequency captures how often a rule must hold.
type Frequency string

const (
	FrequencyAlways      Frequency = "always"
	FrequencyAtLeastOnce Frequency = "at_least_once"
	FrequencyAtLeastN    Frequency = "at_least_n"
)

// Rule is one natural-language compliance rule. Immutable within a
// session.
type Rule struct {
	ID               string    `json:"id"`
	Description      string    `json:"description"`
	Type             string    `json:"type,omitempty"`
	Severity         Severity  `json:"severity"`
	Mode             Mode      `json:"mode,omitempty"`
	ValidityDuration int       `json:"validity_duration,omitempty"` // seconds, checklist only
	Frequency        Frequency `json:"frequency,omitempty"`
	FrequencyCount   int       `json:"frequency_count,omitempty"` // at_least_n only
}

// IsSpeech reports whether the rule is evaluated against the audio
// transcript rather than the visual observations.
func (r Rule) IsSpeech() bool {
	return r.Type == "speech" || r.Type == "audio"
}

// ReferenceImage is a known person, badge, or object the evaluator
// matches observations against.
type ReferenceImage struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	ImageBase64 string   `json:"image_base64"`
	Category    string   `json:"category"`   // people|badges|objects
	MatchMode   string   `json:"match_mode"` // must_match|must_not_match
	Checks      []string `json:"checks,omitempty"`
}

// Policy is the full compliance policy for one session or window.
type Policy struct {
	Rules               []Rule           `json:"rules"`
	CustomPrompt        string           `json:"custom_prompt,omitempty"`
	IncludeAudio        bool             `json:"include_audio,omitempty"`
	ReferenceImages     []ReferenceImage `json:"reference_images,omitempty"`
	EnabledReferenceIDs []string         `json:"enabled_reference_ids,omitempty"`
	PriorContext        string           `json:"prior_context,omitempty"`
}

// Parse decodes a policy from its canonical JSON form and applies
// defaults. Unknown fields are ignored.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	p.Normalize()
	return &p, nil
}

// Normalize fills missing fields with defaults and logs any
// unrecognized enum values before defaulting them.
func (p *Policy) Normalize() {
	logger := log.WithComponent("policy")
	for i := range p.Rules {
		rule := &p.Rules[i]
		switch rule.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		case "":
			rule.Severity = SeverityMedium
		default:
			logger.Warn().Str("rule_id", rule.ID).Str("severity", string(rule.Severity)).Msg("unknown severity, defaulting to medium")
			rule.Severity = SeverityMedium
		}
		switch rule.Mode {
		case ModeIncident, ModeChecklist:
		case "":
			rule.Mode = ModeIncident
		default:
			logger.Warn().Str("rule_id", rule.ID).Str("mode", string(rule.Mode)).Msg("unknown mode, defaulting to incident")
			rule.Mode = ModeIncident
		}
		switch rule.Frequency {
		case FrequencyAlways, FrequencyAtLeastOnce, FrequencyAtLeastN:
		case "":
			rule.Frequency = FrequencyAlways
		default:
			logger.Warn().Str("rule_id", rule.ID).Str("frequency", string(rule.Frequency)).Msg("unknown frequency, defaulting to always")
			rule.Frequency = FrequencyAlways
		}
		if rule.Frequency == FrequencyAtLeastN && rule.FrequencyCount <= 0 {
			rule.FrequencyCount = 1
		}
	}
}

// EnabledReferences returns the reference images selected for this
// run, in policy order.
func (p *Policy) EnabledReferences() []ReferenceImage {
	if len(p.EnabledReferenceIDs) == 0 {
		return nil
	}
	enabled := make(map[string]bool, len(p.EnabledReferenceIDs))
	for _, id := range p.EnabledReferenceIDs {
		enabled[id] = true
	}
	var refs []ReferenceImage
	for _, ref := range p.ReferenceImages {
		if enabled[ref.ID] {
			refs = append(refs, ref)
		}
	}
	return refs
}

// RuleByID looks up a rule by id.
func (p *Policy) RuleByID(id string) (Rule, bool) {
	for _, rule := range p.Rules {
		if rule.ID == id {
			return rule, true
		}
	}
	return Rule{}, false
}
