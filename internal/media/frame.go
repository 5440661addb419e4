// Package media decodes video sources into frames via ffmpeg and
// provides the single-slot capture ring for live feeds.
package media

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrUnreadableSource means the source cannot be opened or has
	// persistently stopped decoding. Fatal to the session.
	ErrUnreadableSource = errors.New("unreadable source")

	// ErrEndOfStream marks the natural end of a bounded source.
	ErrEndOfStream = errors.New("end of stream")
)

// Frame is one decoded video frame.
type Frame struct {
	Index     int
	Timestamp float64 // seconds from source start
	Image     image.Image
	Width     int
	Height    int
}

// Source yields a lazy sequence of frames. Bounded sources end with
// ErrEndOfStream; live sources run until Close or ErrUnreadableSource.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
	Live() bool
}
