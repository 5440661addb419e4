package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	p, err := Parse([]byte(`{"rules": [{"id": "r1", "description": "wear a helmet"}]}`))
	require.NoError(t, err)
	require.Len(t, p.Rules, 1)

	rule := p.Rules[0]
	assert.Equal(t, SeverityMedium, rule.Severity)
	assert.Equal(t, ModeIncident, rule.Mode)
	assert.Equal(t, FrequencyAlways, rule.Frequency)
}

func TestParseDefaultsUnknownEnums(t *testing.T) {
	p, err := Parse([]byte(`{"rules": [
		{"id": "r1", "description": "x", "severity": "extreme", "mode": "panic", "frequency": "sometimes"}
	]}`))
	require.NoError(t, err)

	rule := p.Rules[0]
	assert.Equal(t, SeverityMedium, rule.Severity)
	assert.Equal(t, ModeIncident, rule.Mode)
	assert.Equal(t, FrequencyAlways, rule.Frequency)
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	p, err := Parse([]byte(`{"rules": [], "some_future_field": 42}`))
	require.NoError(t, err)
	assert.Empty(t, p.Rules)
}

func TestParseAtLeastNCountDefaults(t *testing.T) {
	p, err := Parse([]byte(`{"rules": [{"id": "r1", "description": "say hello", "frequency": "at_least_n"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Rules[0].FrequencyCount)
}

func TestPolicyJSONRoundTrip(t *testing.T) {
	original := &Policy{
		Rules: []Rule{
			{
				ID: "r1", Description: "all personnel wear helmets",
				Severity: SeverityHigh, Mode: ModeIncident, Frequency: FrequencyAlways,
			},
			{
				ID: "r2", Description: "safety briefing given", Type: "speech",
				Severity: SeverityCritical, Mode: ModeChecklist,
				ValidityDuration: 28800, Frequency: FrequencyAtLeastOnce,
			},
		},
		CustomPrompt: "construction site",
		IncludeAudio: true,
		ReferenceImages: []ReferenceImage{
			{ID: "u", Label: "site badge", ImageBase64: "aGk=", Category: "badges",
				MatchMode: "must_match", Checks: []string{"badge visible", "badge current"}},
		},
		EnabledReferenceIDs: []string{"u"},
		PriorContext:        "previous shift was compliant",
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestEnabledReferencesFiltersAndOrders(t *testing.T) {
	p := &Policy{
		ReferenceImages: []ReferenceImage{
			{ID: "a", Label: "first"},
			{ID: "b", Label: "second"},
			{ID: "c", Label: "third"},
		},
		EnabledReferenceIDs: []string{"c", "a"},
	}

	refs := p.EnabledReferences()
	require.Len(t, refs, 2)
	// Policy order wins, not enablement order.
	assert.Equal(t, "a", refs[0].ID)
	assert.Equal(t, "c", refs[1].ID)
}

func TestIsSpeech(t *testing.T) {
	assert.True(t, Rule{Type: "speech"}.IsSpeech())
	assert.True(t, Rule{Type: "audio"}.IsSpeech())
	assert.False(t, Rule{Type: "visual"}.IsSpeech())
	assert.False(t, Rule{}.IsSpeech())
}

func TestReportFinalize(t *testing.T) {
	r := &Report{
		AllVerdicts: []Verdict{
			{RuleID: "r1", Compliant: true},
			{RuleID: "r2", Compliant: false, Reason: "no helmet"},
			{RuleID: "r3", Compliant: false, Reason: "no vest"},
		},
	}
	r.Finalize()

	assert.False(t, r.OverallCompliant)
	require.Len(t, r.Incidents, 2)
	assert.Equal(t, "r2", r.Incidents[0].RuleID)
	assert.Equal(t, "r3", r.Incidents[1].RuleID)
}

func TestReportFinalizeAllCompliant(t *testing.T) {
	r := &Report{AllVerdicts: []Verdict{{RuleID: "r1", Compliant: true}}}
	r.Finalize()

	assert.True(t, r.OverallCompliant)
	assert.Empty(t, r.Incidents)
	assert.NotNil(t, r.Incidents)
}
