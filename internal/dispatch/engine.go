package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/log"
	"vigil/internal/policy"
	"vigil/internal/sink"
)

// State of the per-window dispatch machine.
type State string

const (
	StateIdle       State = "idle"
	StateDescribing State = "describing"
	StateEvaluating State = "evaluating"
	StateReporting  State = "reporting"
	StateRetrying   State = "retrying"
)

const (
	retryAttempts   = 3
	retryBackoffMin = time.Second
	retryBackoffMax = 30 * time.Second
)

// WindowInput is one accumulated analysis window handed to the engine
// as a whole unit.
type WindowInput struct {
	VideoID      string
	WindowIndex  int
	Observations []*sink.Observation
	Transcript   *policy.Transcript
	Policy       *policy.Policy
	PriorContext string
	TotalFrames  int
	Duration     float64 // seconds of media covered
}

// Options configure one engine instance.
type Options struct {
	BatchSize       int
	DescribeTimeout time.Duration
	EvaluateTimeout time.Duration
}

// Engine drives Describing, Evaluating, and Reporting for one session.
// The single-slot semaphore makes at-most-one-in-flight structural: a
// second Run blocks until the first completes, which is exactly the
// overlapping-window discipline the session relies on.
type Engine struct {
	describer Describer
	evaluator Evaluator
	limiter   *Limiter
	opts      Options

	inFlight chan struct{}

	mu    sync.Mutex
	state State

	logger zerolog.Logger
}

// NewEngine wires an engine to its collaborators and shared limiter.
func NewEngine(describer Describer, evaluator Evaluator, limiter *Limiter, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	return &Engine{
		describer: describer,
		evaluator: evaluator,
		limiter:   limiter,
		opts:      opts,
		inFlight:  make(chan struct{}, 1),
		state:     StateIdle,
		logger:    log.WithComponent("dispatch"),
	}
}

// State returns the current machine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run processes one window to a Report. It never returns nil and never
// returns an error: failures land in the report's Error field with
// whatever observations were collected. Cancellation yields a partial
// report the caller is expected to discard.
func (e *Engine) Run(ctx context.Context, in WindowInput) *policy.Report {
	select {
	case e.inFlight <- struct{}{}:
	case <-ctx.Done():
		return e.partial(in, nil, fmt.Sprintf("cancelled: %v", ctx.Err()))
	}
	defer func() {
		<-e.inFlight
		e.setState(StateIdle)
	}()

	e.setState(StateDescribing)
	if err := e.describeAll(ctx, in); err != nil {
		e.logger.Error().Err(err).Int("window", in.WindowIndex).Msg("describe gave up")
		return e.partial(in, nil, fmt.Sprintf("describe failed: %v", err))
	}

	e.setState(StateEvaluating)
	body, err := e.evaluate(ctx, in)
	if err != nil {
		e.logger.Error().Err(err).Int("window", in.WindowIndex).Msg("evaluate gave up")
		return e.partial(in, nil, fmt.Sprintf("evaluate failed: %v", err))
	}

	e.setState(StateReporting)
	return e.report(in, body, "")
}

// describeAll batches the observations into describe calls, filling in
// descriptions. Enabled reference images ride along with every batch
// and shrink its observation capacity accordingly.
func (e *Engine) describeAll(ctx context.Context, in WindowInput) error {
	refs := in.Policy.EnabledReferences()
	refImages := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		data, err := base64.StdEncoding.DecodeString(ref.ImageBase64)
		if err != nil {
			e.logger.Warn().Str("reference_id", ref.ID).Err(err).Msg("undecodable reference image, skipping")
			continue
		}
		refImages = append(refImages, data)
	}

	batchSize := e.opts.BatchSize - len(refImages)
	if batchSize < 1 {
		batchSize = 1
	}
	prompt := policy.DescribePrompt(in.Policy)

	for start := 0; start < len(in.Observations); start += batchSize {
		end := start + batchSize
		if end > len(in.Observations) {
			end = len(in.Observations)
		}
		batch := in.Observations[start:end]

		images := make([][]byte, 0, len(refImages)+len(batch))
		images = append(images, refImages...)
		for _, obs := range batch {
			images = append(images, obs.JPEG)
		}

		var descriptions []string
		err := e.withRetry(ctx, "describe", func(callCtx context.Context) error {
			var callErr error
			descriptions, callErr = e.describer.Describe(callCtx, images, prompt)
			return callErr
		}, e.opts.DescribeTimeout)
		if err != nil {
			return err
		}

		// Descriptions for the reference images, if present, are
		// positional noise; only the tail maps onto the batch.
		offset := len(descriptions) - len(batch)
		if offset < 0 {
			offset = 0
		}
		for i, obs := range batch {
			if offset+i < len(descriptions) {
				obs.Description = descriptions[offset+i]
			}
		}
	}
	return nil
}

// evaluate calls the evaluator, retrying exactly once with a strict
// prompt if the structured output cannot be parsed.
func (e *Engine) evaluate(ctx context.Context, in WindowInput) (*policy.ReportBody, error) {
	req := EvalRequest{
		Observations: in.Observations,
		Transcript:   in.Transcript,
		Policy:       in.Policy,
		PriorContext: in.PriorContext,
	}

	body, err := e.evaluateOnce(ctx, req)
	if err == nil {
		return body, nil
	}
	if !errors.Is(err, ErrParseFailure) {
		return nil, err
	}

	e.logger.Warn().Int("window", in.WindowIndex).Msg("evaluator output unparseable, retrying with strict prompt")
	req.Strict = true
	return e.evaluateOnce(ctx, req)
}

func (e *Engine) evaluateOnce(ctx context.Context, req EvalRequest) (*policy.ReportBody, error) {
	var body *policy.ReportBody
	err := e.withRetry(ctx, "evaluate", func(callCtx context.Context) error {
		var callErr error
		body, callErr = e.evaluator.Evaluate(callCtx, req)
		return callErr
	}, e.opts.EvaluateTimeout)
	return body, err
}

// withRetry runs one rate-limited collaborator call with up to three
// attempts, doubling backoff between transient failures. Permanent
// failures and parse failures return immediately.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(context.Context) error, timeout time.Duration) error {
	backoff := retryBackoffMin
	for attempt := 1; ; attempt++ {
		if err := e.limiter.Acquire(ctx); err != nil {
			return err
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) || attempt >= retryAttempts {
			return err
		}

		e.setState(StateRetrying)
		e.logger.Warn().Str("op", op).Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("transient failure, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryBackoffMax {
			backoff = retryBackoffMax
		}
	}
}

// report assembles the final Report from the evaluator body.
func (e *Engine) report(in WindowInput, body *policy.ReportBody, errMsg string) *policy.Report {
	r := &policy.Report{
		VideoID:             in.VideoID,
		FrameObservations:   frameObservations(in.Observations),
		Transcript:          in.Transcript,
		AnalyzedAt:          time.Now().UTC(),
		TotalFramesAnalyzed: in.TotalFrames,
		VideoDuration:       in.Duration,
		Error:               errMsg,
	}
	if body != nil {
		r.Summary = body.Summary
		r.AllVerdicts = normalizeVerdicts(body.Verdicts, in.Policy)
		r.Recommendations = body.Recommendations
	}
	if r.AllVerdicts == nil {
		r.AllVerdicts = []policy.Verdict{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	r.Finalize()
	return r
}

// partial builds the give-up report: whatever was collected plus the
// error, never a raised error or an empty response.
func (e *Engine) partial(in WindowInput, body *policy.ReportBody, errMsg string) *policy.Report {
	r := e.report(in, body, errMsg)
	if r.Summary == "" {
		r.Summary = "analysis incomplete: " + errMsg
	}
	r.OverallCompliant = false
	return r
}

// normalizeVerdicts drops verdicts naming unknown rules and inherits
// severity and mode from the policy when the evaluator omits them.
func normalizeVerdicts(verdicts []policy.Verdict, p *policy.Policy) []policy.Verdict {
	out := make([]policy.Verdict, 0, len(verdicts))
	for _, v := range verdicts {
		rule, ok := p.RuleByID(v.RuleID)
		if !ok {
			continue
		}
		if v.Severity == "" {
			v.Severity = rule.Severity
		}
		if v.Mode == "" {
			v.Mode = rule.Mode
		}
		out = append(out, v)
	}
	return out
}

func frameObservations(observations []*sink.Observation) []policy.FrameObservation {
	out := make([]policy.FrameObservation, 0, len(observations))
	for _, obs := range observations {
		out = append(out, policy.FrameObservation{
			Timestamp:   obs.Timestamp,
			Description: obs.Description,
			Trigger:     string(obs.Reason),
			ChangeScore: obs.Score,
			ImageBase64: base64.StdEncoding.EncodeToString(obs.JPEG),
		})
	}
	return out
}
