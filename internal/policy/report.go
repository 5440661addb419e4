package policy

import "time"

// ChecklistStatus tracks a checklist rule across windows.
type ChecklistStatus string

const (
	ChecklistPending   ChecklistStatus = "pending"
	ChecklistCompliant ChecklistStatus = "compliant"
	ChecklistExpired   ChecklistStatus = "expired"
)

// Verdict is the evaluator's decision for one rule.
type Verdict struct {
	RuleID          string          `json:"rule_id"`
	Compliant       bool            `json:"compliant"`
	Severity        Severity        `json:"severity"`
	Reason          string          `json:"reason"`
	Timestamp       float64         `json:"timestamp,omitempty"` // evidence time, seconds
	Mode            Mode            `json:"mode,omitempty"`
	ChecklistStatus ChecklistStatus `json:"checklist_status,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
}

// FrameObservation is the report-facing view of one analyzed keyframe.
type FrameObservation struct {
	Timestamp   float64 `json:"timestamp"`
	Description string  `json:"description"`
	Trigger     string  `json:"trigger"`
	ChangeScore float64 `json:"change_score"`
	ImageBase64 string  `json:"image_base64,omitempty"`
}

// TranscriptSegment is one timed span of recognized speech.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the audio transcription of a source or window.
type Transcript struct {
	FullText string              `json:"full_text"`
	Segments []TranscriptSegment `json:"segments"`
	Language string              `json:"language,omitempty"`
	Duration float64             `json:"duration,omitempty"`
}

// ReportBody is what the evaluator collaborator returns: the verdicts
// plus the narrative parts of a report.
type ReportBody struct {
	Summary         string    `json:"summary"`
	Verdicts        []Verdict `json:"verdicts"`
	Recommendations []string  `json:"recommendations"`
}

// Report is the per-window (or per-file) analysis result.
type Report struct {
	VideoID             string             `json:"video_id"`
	Summary             string             `json:"summary"`
	OverallCompliant    bool               `json:"overall_compliant"`
	Incidents           []Verdict          `json:"incidents"`
	AllVerdicts         []Verdict          `json:"all_verdicts"`
	Recommendations     []string           `json:"recommendations"`
	FrameObservations   []FrameObservation `json:"frame_observations"`
	Transcript          *Transcript        `json:"transcript,omitempty"`
	AnalyzedAt          time.Time          `json:"analyzed_at"`
	TotalFramesAnalyzed int                `json:"total_frames_analyzed"`
	VideoDuration       float64            `json:"video_duration"`
	Error               string             `json:"error,omitempty"`
}

// Finalize derives the aggregate fields from the verdict list:
// incidents are the non-compliant verdicts and overall compliance
// requires all verdicts compliant.
func (r *Report) Finalize() {
	r.Incidents = r.Incidents[:0]
	r.OverallCompliant = true
	for _, v := range r.AllVerdicts {
		if !v.Compliant {
			r.Incidents = append(r.Incidents, v)
			r.OverallCompliant = false
		}
	}
	if r.Incidents == nil {
		r.Incidents = []Verdict{}
	}
}
