// Package sink turns accepted keyframes into transport-ready
// observations and persists them to disk off the detection path.
package sink

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"

	"vigil/internal/detect"
	"vigil/internal/log"
)

const writeQueueSize = 16

// Observation is a keyframe prepared for dispatch: downscaled, JPEG
// encoded, carrying its trigger reason and change score. Description
// is filled in after the describe call returns.
type Observation struct {
	Index       int
	Timestamp   float64
	Reason      detect.Reason
	Score       float64
	JPEG        []byte
	Width       int
	Height      int
	Description string
}

type writeJob struct {
	path string
	data []byte
}

// Sink assigns the strictly monotonic observation index at accept time
// and never blocks detection on disk: writes go through a small bounded
// queue that drops its oldest pending entry on overflow.
type Sink struct {
	maxWidth int
	quality  int
	dir      string

	next  int
	queue chan writeJob
	done  chan struct{}
	wg    sync.WaitGroup

	logger zerolog.Logger
}

// New creates a sink. quality is in (0,1]. A non-empty dir enables the
// async disk writer.
func New(maxWidth int, quality float64, dir string) *Sink {
	q := int(quality * 100)
	if q < 1 {
		q = 1
	} else if q > 100 {
		q = 100
	}

	s := &Sink{
		maxWidth: maxWidth,
		quality:  q,
		dir:      dir,
		queue:    make(chan writeJob, writeQueueSize),
		done:     make(chan struct{}),
		logger:   log.WithComponent("sink"),
	}
	if dir != "" {
		s.wg.Add(1)
		go s.writer()
	}
	return s
}

// Accept converts a kept candidate into an Observation, queueing the
// optional disk write.
func (s *Sink) Accept(c *detect.Candidate) (*Observation, error) {
	img := downscale(c.Frame.Image, s.maxWidth)
	bounds := img.Bounds()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, fmt.Errorf("encoding keyframe: %w", err)
	}

	obs := &Observation{
		Index:     s.next,
		Timestamp: c.Frame.Timestamp,
		Reason:    c.Reason,
		Score:     c.Score,
		JPEG:      buf.Bytes(),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
	}
	s.next++

	if s.dir != "" {
		name := fmt.Sprintf("keyframe_%06d_%s.jpg", obs.Index, obs.Reason)
		s.enqueue(writeJob{path: filepath.Join(s.dir, name), data: obs.JPEG})
	}

	return obs, nil
}

// enqueue adds a write job, dropping the oldest pending job when the
// queue is full. Current detection always wins over stale writes.
func (s *Sink) enqueue(job writeJob) {
	for {
		select {
		case s.queue <- job:
			return
		default:
		}
		select {
		case dropped := <-s.queue:
			s.logger.Warn().Str("path", dropped.path).Msg("write queue full, dropping oldest pending keyframe")
		default:
		}
	}
}

func (s *Sink) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case job := <-s.queue:
					s.write(job)
				default:
					return
				}
			}
		case job := <-s.queue:
			s.write(job)
		}
	}
}

func (s *Sink) write(job writeJob) {
	if err := os.WriteFile(job.path, job.data, 0644); err != nil {
		s.logger.Warn().Err(err).Str("path", job.path).Msg("keyframe write failed")
	}
}

// Close flushes pending writes and stops the writer.
func (s *Sink) Close() {
	if s.dir != "" {
		close(s.done)
		s.wg.Wait()
	}
}

// downscale resizes to at most maxWidth, preserving aspect ratio.
// Frames already narrow enough pass through untouched.
func downscale(src image.Image, maxWidth int) image.Image {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w <= maxWidth || maxWidth <= 0 {
		return src
	}

	scale := float64(maxWidth) / float64(w)
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, int(float64(h)*scale)))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)
	return dst
}
