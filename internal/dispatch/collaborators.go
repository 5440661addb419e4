// Package dispatch calls the external describe and evaluate
// collaborators with batching, retries, rate limiting, and the
// at-most-one-in-flight discipline.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"vigil/internal/policy"
	"vigil/internal/sink"
)

// Describer is the VLM collaborator: ordered images in, one textual
// description per image out. The wire format behind it is not this
// package's concern.
type Describer interface {
	Describe(ctx context.Context, images [][]byte, prompt string) ([]string, error)
}

// EvalRequest carries everything the evaluator needs for one window.
type EvalRequest struct {
	Observations []*sink.Observation
	Transcript   *policy.Transcript
	Policy       *policy.Policy
	PriorContext string
	Strict       bool // set on the retry after a parse failure
}

// Evaluator is the compliance evaluator collaborator.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvalRequest) (*policy.ReportBody, error)
}

// Transcriber is the optional audio transcription collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, source string, language string) (*policy.Transcript, error)
}

// ErrParseFailure means the evaluator's structured output could not be
// parsed or validated. Evaluator implementations return it (wrapped or
// bare) to trigger the single strict-prompt retry.
var ErrParseFailure = errors.New("evaluator output could not be parsed")

// TransientError marks a collaborator failure worth retrying: timeout,
// 429, or a 5xx class response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried. Deadline
// overruns count as transient even when not wrapped.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}
