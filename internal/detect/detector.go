package detect

import (
	"github.com/rs/zerolog"

	"vigil/internal/log"
	"vigil/internal/media"
)

// Reason explains why a keyframe was emitted.
type Reason string

const (
	ReasonFirst   Reason = "first"
	ReasonChanged Reason = "changed"
	ReasonMaxGap  Reason = "max_gap"
	ReasonLast    Reason = "last"
)

// Candidate is a frame the detector decided to keep.
type Candidate struct {
	Frame  *media.Frame
	Reason Reason
	Score  float64
}

// Options are the detector tunables. Intervals are in seconds of media
// time, matching frame timestamps.
type Options struct {
	ChangeThreshold     float64
	EarlyExitSimilarity float64
	GlobalWeight        float64
	BlurKernel          int
	MinChangeInterval   float64
	MaxGap              float64
}

// Detector compares each frame against the last kept keyframe, not the
// previous frame, so slow drift accumulates until it crosses the
// threshold instead of escaping one invisible step at a time. Debounce
// and max-gap filtering happen inline: a Candidate coming out of
// Process has already passed both.
type Detector struct {
	opts Options

	ref         *Preprocessed
	lastKept    float64
	hasKeyframe bool

	lastFrame *media.Frame
	lastPre   *Preprocessed
	lastScore float64

	logger zerolog.Logger
}

// New returns a detector with empty reference state.
func New(opts Options) *Detector {
	return &Detector{
		opts:   opts,
		logger: log.WithComponent("detect"),
	}
}

// Process examines one frame and returns a Candidate when the frame
// should be kept, or nil.
func (d *Detector) Process(frame *media.Frame) *Candidate {
	pre := Preprocess(frame.Image, d.opts.BlurKernel)
	d.lastFrame = frame
	d.lastPre = pre

	if d.ref == nil {
		d.lastScore = 1.0
		return d.keep(frame, pre, ReasonFirst, 1.0)
	}

	// A live stream that resizes invalidates the reference outright.
	if frame.Width != d.ref.Width || frame.Height != d.ref.Height {
		d.logger.Info().
			Int("old_width", d.ref.Width).Int("old_height", d.ref.Height).
			Int("new_width", frame.Width).Int("new_height", frame.Height).
			Msg("resolution change, resetting reference")
		d.lastScore = 1.0
		return d.keep(frame, pre, ReasonFirst, 1.0)
	}

	score := d.score(pre)
	d.lastScore = score

	since := frame.Timestamp - d.lastKept
	if score >= d.opts.ChangeThreshold && since >= d.opts.MinChangeInterval {
		return d.keep(frame, pre, ReasonChanged, score)
	}
	if since >= d.opts.MaxGap {
		return d.keep(frame, pre, ReasonMaxGap, score)
	}
	return nil
}

// Flush emits the final frame of a bounded source with reason "last",
// unless a keyframe was already kept within the debounce interval of
// it.
func (d *Detector) Flush() *Candidate {
	if d.lastFrame == nil {
		return nil
	}
	if d.hasKeyframe && d.lastFrame.Timestamp-d.lastKept < d.opts.MinChangeInterval {
		return nil
	}
	return d.keep(d.lastFrame, d.lastPre, ReasonLast, d.lastScore)
}

// Reset clears all reference state, as if no frame had been seen.
func (d *Detector) Reset() {
	d.ref = nil
	d.hasKeyframe = false
	d.lastKept = 0
	d.lastFrame = nil
	d.lastPre = nil
	d.lastScore = 0
}

// score runs the two-stage comparison against the reference keyframe.
// The early exit on high histogram similarity skips SSIM entirely,
// which is where static scenes save their CPU.
func (d *Detector) score(current *Preprocessed) float64 {
	global := HistCorrelation(d.ref.Hist, current.Hist)
	if global >= d.opts.EarlyExitSimilarity {
		return 0
	}

	local := SSIM(d.ref.Gray, current.Gray)
	alpha := d.opts.GlobalWeight
	return 1 - (alpha*global + (1-alpha)*local)
}

func (d *Detector) keep(frame *media.Frame, pre *Preprocessed, reason Reason, score float64) *Candidate {
	d.ref = pre
	d.lastKept = frame.Timestamp
	d.hasKeyframe = true

	d.logger.Debug().
		Int("index", frame.Index).
		Float64("timestamp", frame.Timestamp).
		Str("reason", string(reason)).
		Float64("score", score).
		Msg("keyframe kept")

	return &Candidate{Frame: frame, Reason: reason, Score: score}
}
