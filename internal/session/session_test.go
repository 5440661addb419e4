package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/checklist"
	"vigil/internal/config"
	"vigil/internal/dispatch"
	"vigil/internal/media"
	"vigil/internal/policy"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func uniformFrame(ts float64, c color.RGBA) *media.Frame {
	const w, h = 32, 24
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return &media.Frame{Timestamp: ts, Image: img, Width: w, Height: h}
}

// fakeSource replays scripted frames. A file source ends with
// ErrEndOfStream; a live source blocks until cancelled, or fails with
// errAfter once the script runs out.
type fakeSource struct {
	frames   []*media.Frame
	live     bool
	errAfter error
	delay    time.Duration

	mu  sync.Mutex
	pos int
}

func (f *fakeSource) Next(ctx context.Context) (*media.Frame, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	pos := f.pos
	f.pos++
	f.mu.Unlock()

	if pos < len(f.frames) {
		fr := f.frames[pos]
		fr.Index = pos
		return fr, nil
	}
	if f.errAfter != nil {
		return nil, f.errAfter
	}
	if f.live {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, media.ErrEndOfStream
}

func (f *fakeSource) Close() error { return nil }
func (f *fakeSource) Live() bool   { return f.live }

type fakeDescriber struct{}

func (fakeDescriber) Describe(ctx context.Context, images [][]byte, prompt string) ([]string, error) {
	out := make([]string, len(images))
	for i := range out {
		out[i] = fmt.Sprintf("frame description %d", i)
	}
	return out, nil
}

// blockingDescriber parks until its context dies, signalling entry.
type blockingDescriber struct {
	entered chan struct{}
}

func (d *blockingDescriber) Describe(ctx context.Context, images [][]byte, prompt string) ([]string, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type scriptedEvaluator struct {
	mu    sync.Mutex
	calls []dispatch.EvalRequest
	fn    func(call int, req dispatch.EvalRequest) (*policy.ReportBody, error)
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, req dispatch.EvalRequest) (*policy.ReportBody, error) {
	e.mu.Lock()
	call := len(e.calls)
	e.calls = append(e.calls, req)
	e.mu.Unlock()

	if e.fn != nil {
		return e.fn(call, req)
	}
	verdicts := make([]policy.Verdict, 0, len(req.Policy.Rules))
	for _, rule := range req.Policy.Rules {
		verdicts = append(verdicts, policy.Verdict{RuleID: rule.ID, Compliant: true, Reason: "observed"})
	}
	return &policy.ReportBody{Summary: "window summary", Verdicts: verdicts}, nil
}

func (e *scriptedEvaluator) call(i int) dispatch.EvalRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[i]
}

func (e *scriptedEvaluator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeTranscriber struct {
	transcript *policy.Transcript
	err        error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, source, language string) (*policy.Transcript, error) {
	return f.transcript, f.err
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.KeyframeDir = ""
	cfg.RateLimitPerMinute = 100000
	cfg.RateLimitPerHour = 1000000
	return cfg
}

func newFileManager(t *testing.T, collab Collaborators, store *checklist.Store, frames func() []*media.Frame) *Manager {
	t.Helper()
	m := NewManager(testConfig(), collab, store, nil)
	m.openFile = func(ctx context.Context, path string, cfg config.Config) (media.Source, *media.Metadata, error) {
		return &fakeSource{frames: frames()}, &media.Metadata{Duration: 1.0}, nil
	}
	return m
}

func startLive(t *testing.T, pol *policy.Policy, collab Collaborators, src *fakeSource) *Session {
	t.Helper()
	m := NewManager(testConfig(), collab, nil, nil)
	m.openLive = func(uri string, cfg config.Config) (media.Source, error) { return src, nil }
	s, err := m.StartLiveMonitoring("rtsp://cam", pol)
	require.NoError(t, err)
	return s
}

func collectEvents(t *testing.T, s *Session) []ProgressEvent {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	var events []ProgressEvent
	for e := range s.Progress() {
		events = append(events, e)
	}
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Terminal(), "stream must end on a terminal event")
	return events
}

func eventKinds(events []ProgressEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func visualPolicy() *policy.Policy {
	return &policy.Policy{Rules: []policy.Rule{
		{ID: "helmet", Description: "all personnel wear helmets"},
	}}
}

func TestFileAnalysisSingleReport(t *testing.T) {
	evaluator := &scriptedEvaluator{}
	m := newFileManager(t, Collaborators{Describer: fakeDescriber{}, Evaluator: evaluator}, nil, func() []*media.Frame {
		return []*media.Frame{
			uniformFrame(0.0, red),
			uniformFrame(0.3, red),
			uniformFrame(0.6, red),
		}
	})

	s, err := m.StartFileAnalysis(context.Background(), "site.mp4", visualPolicy())
	require.NoError(t, err)
	events := collectEvents(t, s)

	// A static clip keeps the first frame plus the trailing one.
	assert.Equal(t,
		[]string{EventKeyframe, EventKeyframe, EventDispatching, EventReport, EventComplete},
		eventKinds(events))

	reports := s.Reports()
	require.Len(t, reports, 1)
	report := reports[0]
	assert.Empty(t, report.Error)
	assert.Equal(t, 3, report.TotalFramesAnalyzed)
	assert.Equal(t, 1.0, report.VideoDuration)
	require.Len(t, report.FrameObservations, 2)
	assert.Equal(t, "first", report.FrameObservations[0].Trigger)
	assert.Equal(t, "last", report.FrameObservations[1].Trigger)
	assert.True(t, report.OverallCompliant)
	assert.Nil(t, report.Transcript) // audio not requested
}

func TestFileAnalysisBestEffortOnDecodeFailure(t *testing.T) {
	evaluator := &scriptedEvaluator{}
	m := NewManager(testConfig(), Collaborators{Describer: fakeDescriber{}, Evaluator: evaluator}, nil, nil)
	m.openFile = func(ctx context.Context, path string, cfg config.Config) (media.Source, *media.Metadata, error) {
		return &fakeSource{
			frames:   []*media.Frame{uniformFrame(0.0, red), uniformFrame(0.3, red)},
			errAfter: errors.New("mjpeg decode failed"),
		}, &media.Metadata{Duration: 5.0}, nil
	}

	s, err := m.StartFileAnalysis(context.Background(), "broken.mp4", visualPolicy())
	require.NoError(t, err)
	events := collectEvents(t, s)

	assert.Equal(t, EventError, events[len(events)-1].Kind)
	reports := s.Reports()
	require.Len(t, reports, 1)
	// What was collected before the failure still gets analyzed.
	assert.Len(t, reports[0].FrameObservations, 1)
	assert.Contains(t, reports[0].Error, "decode failed")
	assert.Equal(t, 1, evaluator.count())
}

func TestLiveSatisfiedRuleNeverRegresses(t *testing.T) {
	pol := &policy.Policy{Rules: []policy.Rule{
		{ID: "greet", Description: "worker waves at the camera", Frequency: policy.FrequencyAtLeastOnce},
	}}
	evaluator := &scriptedEvaluator{fn: func(call int, req dispatch.EvalRequest) (*policy.ReportBody, error) {
		compliant := call == 0
		return &policy.ReportBody{
			Summary:  "window summary",
			Verdicts: []policy.Verdict{{RuleID: "greet", Compliant: compliant, Reason: "scripted"}},
		}, nil
	}}

	src := &fakeSource{live: true, delay: 20 * time.Millisecond, frames: []*media.Frame{
		uniformFrame(0.0, red),
		uniformFrame(2.0, red), // closes the 2s first window
		uniformFrame(2.3, blue),
		uniformFrame(8.4, blue), // closes the 6s second window
	}}
	s := startLive(t, pol, Collaborators{Describer: fakeDescriber{}, Evaluator: evaluator}, src)

	require.Eventually(t, func() bool { return len(s.Reports()) == 2 }, 10*time.Second, 10*time.Millisecond)
	s.Stop()
	events := collectEvents(t, s)
	assert.Equal(t, EventStopped, events[len(events)-1].Kind)

	// The second window was told, and the override holds regardless.
	assert.Contains(t, evaluator.call(1).PriorContext, "SATISFIED")

	second := s.Reports()[1]
	require.Len(t, second.AllVerdicts, 1)
	assert.True(t, second.AllVerdicts[0].Compliant)
	assert.Equal(t, "satisfied in an earlier window", second.AllVerdicts[0].Reason)
	assert.Empty(t, second.Incidents)
	assert.True(t, second.OverallCompliant)
}

func TestLiveAlwaysRuleReflagsEveryWindow(t *testing.T) {
	pol := visualPolicy() // "always" frequency by default
	evaluator := &scriptedEvaluator{fn: func(call int, req dispatch.EvalRequest) (*policy.ReportBody, error) {
		return &policy.ReportBody{
			Summary:  "window summary",
			Verdicts: []policy.Verdict{{RuleID: "helmet", Compliant: false, Reason: "bare head visible"}},
		}, nil
	}}

	src := &fakeSource{live: true, delay: 20 * time.Millisecond, frames: []*media.Frame{
		uniformFrame(0.0, red),
		uniformFrame(2.0, red),
		uniformFrame(2.3, blue),
		uniformFrame(8.4, blue),
	}}
	s := startLive(t, pol, Collaborators{Describer: fakeDescriber{}, Evaluator: evaluator}, src)

	require.Eventually(t, func() bool { return len(s.Reports()) == 2 }, 10*time.Second, 10*time.Millisecond)
	s.Stop()
	collectEvents(t, s)

	// The previous verdict is context, never a shield.
	assert.Contains(t, evaluator.call(1).PriorContext, "previous window was non-compliant")
	second := s.Reports()[1]
	require.Len(t, second.Incidents, 1)
	assert.False(t, second.OverallCompliant)
}

func TestSilentAudioFailsSpeechRulesClosed(t *testing.T) {
	pol := &policy.Policy{
		IncludeAudio: true,
		Rules: []policy.Rule{
			{ID: "helmet", Description: "all personnel wear helmets"},
			{ID: "announce", Description: "supervisor announces the lift", Type: "speech"},
		},
	}
	evaluator := &scriptedEvaluator{}
	m := newFileManager(t, Collaborators{Describer: fakeDescriber{}, Evaluator: evaluator}, nil, func() []*media.Frame {
		return []*media.Frame{uniformFrame(0.0, red)}
	})

	s, err := m.StartFileAnalysis(context.Background(), "silent.mp4", pol)
	require.NoError(t, err)
	collectEvents(t, s)

	// The evaluator never saw the speech rule.
	require.Equal(t, 1, evaluator.count())
	require.Len(t, evaluator.call(0).Policy.Rules, 1)
	assert.Equal(t, "helmet", evaluator.call(0).Policy.Rules[0].ID)

	report := s.Reports()[0]
	require.NotNil(t, report.Transcript)
	assert.Empty(t, report.Transcript.Segments)

	var announce *policy.Verdict
	for i := range report.AllVerdicts {
		if report.AllVerdicts[i].RuleID == "announce" {
			announce = &report.AllVerdicts[i]
		}
	}
	require.NotNil(t, announce)
	assert.False(t, announce.Compliant)
	assert.Equal(t, "no speech detected", announce.Reason)
	assert.False(t, report.OverallCompliant)
}

func TestSilentAudioLeavesChecklistSpeechPending(t *testing.T) {
	store, err := checklist.Open("")
	require.NoError(t, err)
	defer store.Close()

	pol := &policy.Policy{
		IncludeAudio: true,
		Rules: []policy.Rule{
			{ID: "briefing", Description: "safety briefing spoken aloud", Type: "speech",
				Mode: policy.ModeChecklist, ValidityDuration: 3600},
		},
	}
	evaluator := &scriptedEvaluator{}
	m := newFileManager(t, Collaborators{Describer: fakeDescriber{}, Evaluator: evaluator}, store, func() []*media.Frame {
		return []*media.Frame{uniformFrame(0.0, red)}
	})

	s, err := m.StartFileAnalysis(context.Background(), "silent.mp4", pol)
	require.NoError(t, err)
	collectEvents(t, s)

	report := s.Reports()[0]
	require.Len(t, report.AllVerdicts, 1)
	v := report.AllVerdicts[0]
	assert.False(t, v.Compliant)
	assert.Equal(t, policy.ChecklistPending, v.ChecklistStatus)
}

func TestTranscriptReachesEvaluator(t *testing.T) {
	pol := &policy.Policy{
		IncludeAudio: true,
		Rules: []policy.Rule{
			{ID: "helmet", Description: "all personnel wear helmets"},
			{ID: "announce", Description: "supervisor announces the lift", Type: "speech"},
		},
	}
	transcriber := &fakeTranscriber{transcript: &policy.Transcript{
		FullText: "lift starting, all clear",
		Segments: []policy.TranscriptSegment{{Start: 0, End: 2, Text: "lift starting, all clear"}},
	}}
	evaluator := &scriptedEvaluator{}
	m := newFileManager(t, Collaborators{Describer: fakeDescriber{}, Evaluator: evaluator, Transcriber: transcriber}, nil, func() []*media.Frame {
		return []*media.Frame{uniformFrame(0.0, red)}
	})

	s, err := m.StartFileAnalysis(context.Background(), "spoken.mp4", pol)
	require.NoError(t, err)
	collectEvents(t, s)

	// With audible speech both rules go to the evaluator.
	require.Equal(t, 1, evaluator.count())
	req := evaluator.call(0)
	assert.Len(t, req.Policy.Rules, 2)
	require.NotNil(t, req.Transcript)
	assert.Equal(t, "lift starting, all clear", req.Transcript.FullText)

	report := s.Reports()[0]
	require.NotNil(t, report.Transcript)
	assert.Equal(t, "lift starting, all clear", report.Transcript.FullText)
}

func TestChecklistAttestationCarriesAcrossSessions(t *testing.T) {
	store, err := checklist.Open("")
	require.NoError(t, err)
	defer store.Close()

	newPolicy := func() *policy.Policy {
		return &policy.Policy{Rules: []policy.Rule{
			{ID: "extinguisher", Description: "fire extinguisher inspection tag visible",
				Mode: policy.ModeChecklist, ValidityDuration: 3600},
		}}
	}

	// First run: the rule is verified on camera.
	first := &scriptedEvaluator{}
	m1 := newFileManager(t, Collaborators{Describer: fakeDescriber{}, Evaluator: first}, store, func() []*media.Frame {
		return []*media.Frame{uniformFrame(0.0, red)}
	})
	s1, err := m1.StartFileAnalysis(context.Background(), "shift1.mp4", newPolicy())
	require.NoError(t, err)
	collectEvents(t, s1)

	r1 := s1.Reports()[0]
	require.Len(t, r1.AllVerdicts, 1)
	assert.Equal(t, policy.ChecklistCompliant, r1.AllVerdicts[0].ChecklistStatus)
	require.NotNil(t, r1.AllVerdicts[0].ExpiresAt)

	// Second run, same store: the evaluator calls it non-compliant but
	// the stored attestation is still valid and wins.
	second := &scriptedEvaluator{fn: func(call int, req dispatch.EvalRequest) (*policy.ReportBody, error) {
		return &policy.ReportBody{
			Summary:  "window summary",
			Verdicts: []policy.Verdict{{RuleID: "extinguisher", Compliant: false, Reason: "tag not visible"}},
		}, nil
	}}
	m2 := newFileManager(t, Collaborators{Describer: fakeDescriber{}, Evaluator: second}, store, func() []*media.Frame {
		return []*media.Frame{uniformFrame(0.0, red)}
	})
	s2, err := m2.StartFileAnalysis(context.Background(), "shift2.mp4", newPolicy())
	require.NoError(t, err)
	collectEvents(t, s2)

	assert.Contains(t, second.call(0).PriorContext, "already attested")
	r2 := s2.Reports()[0]
	require.Len(t, r2.AllVerdicts, 1)
	v := r2.AllVerdicts[0]
	assert.True(t, v.Compliant)
	assert.Equal(t, "attested within validity window", v.Reason)
	assert.True(t, r2.OverallCompliant)
}

func TestStopMidDispatchDiscardsWindow(t *testing.T) {
	describer := &blockingDescriber{entered: make(chan struct{}, 1)}
	src := &fakeSource{live: true, delay: 20 * time.Millisecond, frames: []*media.Frame{
		uniformFrame(0.0, red),
		uniformFrame(2.0, red),
	}}
	s := startLive(t, visualPolicy(), Collaborators{Describer: describer, Evaluator: &scriptedEvaluator{}}, src)

	select {
	case <-describer.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("window was never dispatched")
	}
	s.Stop()

	events := collectEvents(t, s)
	assert.Equal(t, EventStopped, events[len(events)-1].Kind)
	// The in-flight result is discarded, not reported.
	assert.Empty(t, s.Reports())
}

func TestLiveUnreachableSourceTerminates(t *testing.T) {
	src := &fakeSource{live: true, errAfter: fmt.Errorf("ffmpeg gave up: %w", media.ErrUnreadableSource)}
	s := startLive(t, visualPolicy(), Collaborators{Describer: fakeDescriber{}, Evaluator: &scriptedEvaluator{}}, src)

	events := collectEvents(t, s)
	assert.Equal(t, EventSourceUnreachable, events[len(events)-1].Kind)
	assert.Empty(t, s.Reports())
}

func TestManagerTracksAndReapsSessions(t *testing.T) {
	evaluator := &scriptedEvaluator{}
	m := newFileManager(t, Collaborators{Describer: fakeDescriber{}, Evaluator: evaluator}, nil, func() []*media.Frame {
		return []*media.Frame{uniformFrame(0.0, red)}
	})

	s, err := m.StartFileAnalysis(context.Background(), "short.mp4", visualPolicy())
	require.NoError(t, err)

	collectEvents(t, s)
	require.Eventually(t, func() bool {
		_, ok := m.Get(s.ID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, m.Stop(s.ID))
}

func TestStopUnknownSession(t *testing.T) {
	m := NewManager(testConfig(), Collaborators{}, nil, nil)
	assert.Error(t, m.Stop("no-such-session"))
}
