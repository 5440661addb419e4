package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/dispatch"
	"vigil/internal/log"
	"vigil/internal/media"
	"vigil/internal/policy"
	"vigil/internal/sink"
	"vigil/internal/ws"
)

const progressBuffer = 128

// Session owns one analysis run: the source, detector state, sink,
// dispatch engine, and cross-window memory. Nothing here is shared
// with other sessions except the rate limiter and checklist store.
type Session struct {
	ID   string
	live bool
	uri  string

	cfg         config.Config
	pol         *policy.Policy
	source      media.Source
	meta        *media.Metadata
	engine      *dispatch.Engine
	transcriber dispatch.Transcriber
	pipeline    *verdictPipeline
	hub         *ws.ProgressHub

	progress chan ProgressEvent
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	reports []*policy.Report

	logger zerolog.Logger
}

// Progress returns the session's event stream. It is closed after the
// terminal event; it is not restartable.
func (s *Session) Progress() <-chan ProgressEvent { return s.progress }

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reports returns the reports emitted so far.
func (s *Session) Reports() []*policy.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*policy.Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// Stop cancels the session cooperatively. In-flight collaborator calls
// finish but their results are discarded.
func (s *Session) Stop() {
	s.stopOnce.Do(s.cancel)
}

func (s *Session) runContext() context.Context { return s.runCtx }

func (s *Session) emit(event ProgressEvent) {
	event.SessionID = s.ID
	event.Timestamp = time.Now().UTC()

	if event.Report != nil {
		s.mu.Lock()
		s.reports = append(s.reports, event.Report)
		s.mu.Unlock()
	}
	if s.hub != nil {
		s.hub.Broadcast(s.ID, event)
	}

	select {
	case s.progress <- event:
	default:
		s.logger.Warn().Str("kind", event.Kind).Msg("progress consumer slow, dropping event")
	}
}

func (s *Session) detectorOptions() detect.Options {
	return detect.Options{
		ChangeThreshold:     s.cfg.ChangeThreshold,
		EarlyExitSimilarity: s.cfg.EarlyExitSimilarity,
		GlobalWeight:        s.cfg.GlobalWeight,
		BlurKernel:          s.cfg.BlurKernel,
		MinChangeInterval:   s.cfg.MinChangeInterval.Seconds(),
		MaxGap:              s.cfg.MaxGap.Seconds(),
	}
}

// transcribe runs the optional transcriber. A policy with audio
// enabled always yields a transcript on the report, empty when nothing
// was heard or no transcriber is wired.
func (s *Session) transcribe(ctx context.Context) *policy.Transcript {
	if !s.pol.IncludeAudio {
		return nil
	}
	empty := &policy.Transcript{Segments: []policy.TranscriptSegment{}}
	if s.transcriber == nil {
		return empty
	}
	t, err := s.transcriber.Transcribe(ctx, s.uri, "")
	if err != nil {
		s.logger.Warn().Err(err).Msg("transcription failed, continuing without audio")
		return empty
	}
	if t == nil {
		return empty
	}
	if t.Segments == nil {
		t.Segments = []policy.TranscriptSegment{}
	}
	return t
}

// runFile analyzes a bounded source to one report.
func (s *Session) runFile(ctx context.Context) {
	defer close(s.done)
	defer close(s.progress)
	defer s.source.Close()

	quality := s.cfg.JPEGQuality
	snk := sink.New(s.cfg.KeyframeMaxWidth, quality, s.cfg.KeyframeDir)
	defer snk.Close()
	det := detect.New(s.detectorOptions())

	var observations []*sink.Observation
	frames := 0
	readErr := ""

	for {
		frame, err := s.source.Next(ctx)
		if err != nil {
			if errors.Is(err, media.ErrEndOfStream) {
				break
			}
			if ctx.Err() != nil {
				s.emit(ProgressEvent{Kind: EventStopped})
				return
			}
			// Dispatch whatever was collected before surfacing the
			// failure.
			s.logger.Error().Err(err).Msg("file decode failed")
			readErr = err.Error()
			break
		}
		frames++
		if cand := det.Process(frame); cand != nil {
			obs, err := snk.Accept(cand)
			if err != nil {
				s.logger.Warn().Err(err).Msg("sink rejected keyframe")
				continue
			}
			observations = append(observations, obs)
			s.emit(ProgressEvent{Kind: EventKeyframe, Message: string(cand.Reason)})
		}
	}

	if readErr == "" {
		if cand := det.Flush(); cand != nil {
			if obs, err := snk.Accept(cand); err == nil {
				observations = append(observations, obs)
				s.emit(ProgressEvent{Kind: EventKeyframe, Message: string(cand.Reason)})
			}
		}
	}

	transcript := s.transcribe(ctx)

	s.emit(ProgressEvent{Kind: EventDispatching})
	evalPol, withheld, lines, prior := s.pipeline.prepare(transcript)

	duration := 0.0
	if s.meta != nil {
		duration = s.meta.Duration
	}
	report := s.engine.Run(ctx, dispatch.WindowInput{
		VideoID:      s.ID,
		Observations: observations,
		Transcript:   transcript,
		Policy:       evalPol,
		PriorContext: prior,
		TotalFrames:  frames,
		Duration:     duration,
	})
	if ctx.Err() != nil {
		s.emit(ProgressEvent{Kind: EventStopped})
		return
	}

	s.pipeline.finish(report, withheld, lines)
	if s.pol.IncludeAudio && report.Transcript == nil {
		report.Transcript = transcript
	}
	if readErr != "" && report.Error == "" {
		report.Error = readErr
	}

	s.emit(ProgressEvent{Kind: EventReport, Report: report})
	if readErr != "" {
		s.emit(ProgressEvent{Kind: EventError, Message: readErr})
		return
	}
	s.emit(ProgressEvent{Kind: EventComplete})
}

// windowAccum is one live window's worth of keyframes.
type windowAccum struct {
	index        int
	observations []*sink.Observation
	frames       int
	start        float64
	end          float64
}

// runLive monitors an unbounded source, one report per window. The
// detector may accumulate window N+1 while window N dispatches; the
// engine's semaphore keeps dispatch itself serialized.
func (s *Session) runLive(ctx context.Context) {
	defer close(s.done)
	defer close(s.progress)
	defer s.source.Close()

	snk := sink.New(s.cfg.KeyframeMaxWidth, s.cfg.JPEGQualityLive, s.cfg.KeyframeDir)
	defer snk.Close()
	det := detect.New(s.detectorOptions())

	ring := media.NewRing()
	windows := make(chan *windowAccum, 1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var unreachable error
	g, runCtx := errgroup.WithContext(runCtx)

	// Grabber: decode as fast as the source yields, freshest frame
	// wins.
	g.Go(func() error {
		for {
			frame, err := s.source.Next(runCtx)
			if err != nil {
				if runCtx.Err() != nil {
					return nil
				}
				if errors.Is(err, media.ErrUnreadableSource) {
					unreachable = err
					return err
				}
				return err
			}
			ring.Put(frame)
		}
	})

	// Detector: consume the freshest frame, cut windows on media time.
	g.Go(func() error {
		defer close(windows)

		index := 0
		windowDur := s.cfg.FirstWindowDuration.Seconds()
		start := -1.0
		accum := &windowAccum{index: index}

		for {
			frame, err := ring.Take(runCtx)
			if err != nil {
				return nil
			}
			if start < 0 {
				start = frame.Timestamp
				accum.start = frame.Timestamp
				s.emit(ProgressEvent{Kind: EventWindowStarted, WindowIndex: index})
			}
			accum.frames++

			if cand := det.Process(frame); cand != nil {
				obs, err := snk.Accept(cand)
				if err != nil {
					s.logger.Warn().Err(err).Msg("sink rejected keyframe")
				} else {
					accum.observations = append(accum.observations, obs)
					s.emit(ProgressEvent{Kind: EventKeyframe, WindowIndex: index, Message: string(cand.Reason)})
				}
			}

			if frame.Timestamp-start >= windowDur {
				accum.end = frame.Timestamp
				if len(accum.observations) > 0 {
					select {
					case windows <- accum:
					case <-runCtx.Done():
						return nil
					}
				}
				index++
				windowDur = s.cfg.WindowDuration.Seconds()
				start = -1
				accum = &windowAccum{index: index}
			}
		}
	})

	// Dispatcher: serialized analysis; cross-window state settles only
	// after each report is out.
	g.Go(func() error {
		for accum := range windows {
			s.dispatchWindow(runCtx, accum)
			if runCtx.Err() != nil {
				return nil
			}
		}
		return nil
	})

	g.Wait()

	switch {
	case unreachable != nil:
		s.emit(ProgressEvent{Kind: EventSourceUnreachable, Message: unreachable.Error()})
	case ctx.Err() != nil:
		s.emit(ProgressEvent{Kind: EventStopped})
	default:
		s.emit(ProgressEvent{Kind: EventError, Message: "live pipeline ended unexpectedly"})
	}
}

func (s *Session) dispatchWindow(ctx context.Context, accum *windowAccum) {
	if s.pol.IncludeAudio && s.transcriber != nil {
		if t, err := s.transcriber.Transcribe(ctx, s.uri, ""); err == nil {
			s.pipeline.state.appendTranscript(t)
		} else if ctx.Err() == nil {
			s.logger.Warn().Err(err).Int("window", accum.index).Msg("window transcription failed")
		}
	}

	transcript := s.pipeline.state.accumulated()
	if s.pol.IncludeAudio && transcript == nil {
		transcript = &policy.Transcript{Segments: []policy.TranscriptSegment{}}
	}

	s.emit(ProgressEvent{Kind: EventDispatching, WindowIndex: accum.index})
	evalPol, withheld, lines, prior := s.pipeline.prepare(transcript)

	report := s.engine.Run(ctx, dispatch.WindowInput{
		VideoID:      s.ID,
		WindowIndex:  accum.index,
		Observations: accum.observations,
		Transcript:   transcript,
		Policy:       evalPol,
		PriorContext: prior,
		TotalFrames:  accum.frames,
		Duration:     accum.end - accum.start,
	})
	if ctx.Err() != nil {
		// Stopped mid-dispatch: the result is discarded, no further
		// reports.
		return
	}

	s.pipeline.finish(report, withheld, lines)
	if s.pol.IncludeAudio && report.Transcript == nil {
		report.Transcript = transcript
	}

	s.emit(ProgressEvent{Kind: EventReport, WindowIndex: accum.index, Report: report})
	s.pipeline.state.update(report, s.pol)
}

func newSessionLogger(id string) zerolog.Logger {
	return log.WithSession("session", id)
}
