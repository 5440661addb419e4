package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/log"
)

const (
	liveBackoffMin  = 100 * time.Millisecond
	liveBackoffMax  = 5 * time.Second
	liveMaxFailures = 30
)

// LiveSource decodes an unbounded device or network stream through
// ffmpeg. Decode faults are recoverable: the pipeline restarts with
// bounded exponential backoff until 30 consecutive failures exhaust the
// budget. Timestamps are synthesized from the wall clock.
type LiveSource struct {
	uri            string
	sampleInterval time.Duration
	idleTimeout    time.Duration
	start          time.Time

	frames chan *Frame
	errs   chan error
	stop   chan struct{}

	mu  sync.Mutex
	cmd *exec.Cmd

	closeOnce sync.Once
	logger    zerolog.Logger
}

// OpenLive starts the decode loop for a live device or URL.
func OpenLive(uri string, sampleInterval, idleTimeout time.Duration) (*LiveSource, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty uri", ErrUnreadableSource)
	}
	src := &LiveSource{
		uri:            uri,
		sampleInterval: sampleInterval,
		idleTimeout:    idleTimeout,
		start:          time.Now(),
		frames:         make(chan *Frame),
		errs:           make(chan error, 1),
		stop:           make(chan struct{}),
		logger:         log.WithComponent("media.live"),
	}
	go src.run()
	return src, nil
}

// Next blocks for the next decoded frame. An idle live pipeline is
// kicked over after the idle timeout and counts as a decode failure.
func (s *LiveSource) Next(ctx context.Context) (*Frame, error) {
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case frame := <-s.frames:
			return frame, nil
		case err := <-s.errs:
			return nil, err
		case <-idle.C:
			s.logger.Warn().Str("uri", s.uri).Msg("live source idle, restarting decoder")
			s.killCurrent()
			idle.Reset(s.idleTimeout)
		}
	}
}

// Close tears down the decode loop and the ffmpeg process.
func (s *LiveSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.killCurrent()
	})
	return nil
}

// Live reports whether this source is unbounded.
func (s *LiveSource) Live() bool { return true }

func (s *LiveSource) killCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

// run restarts the ffmpeg pipeline until Close or the failure budget
// is exhausted. Any successfully decoded frame resets both the budget
// and the backoff.
func (s *LiveSource) run() {
	backoff := liveBackoffMin
	failures := 0
	index := 0

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		delivered, err := s.decodeOnce(&index)
		if delivered {
			failures = 0
			backoff = liveBackoffMin
		}

		select {
		case <-s.stop:
			return
		default:
		}

		failures++
		if failures >= liveMaxFailures {
			s.logger.Error().Err(err).Str("uri", s.uri).Int("failures", failures).Msg("live source failure budget exhausted")
			s.errs <- fmt.Errorf("%w: %s: %d consecutive decode failures", ErrUnreadableSource, s.uri, failures)
			return
		}

		s.logger.Warn().Err(err).Str("uri", s.uri).
			Int("failures", failures).Dur("backoff", backoff).
			Msg("live decode fault, backing off")

		select {
		case <-s.stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > liveBackoffMax {
			backoff = liveBackoffMax
		}
	}
}

// decodeOnce runs one ffmpeg pipeline to exhaustion. It reports whether
// at least one frame was delivered downstream.
func (s *LiveSource) decodeOnce(index *int) (bool, error) {
	cmd := exec.Command("ffmpeg", s.ffmpegArgs()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, err
	}
	if err := cmd.Start(); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cmd = nil
		s.mu.Unlock()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	}()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	delivered := false
	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		select {
		case <-s.stop:
			return delivered, nil
		default:
		}

		n, readErr := stdout.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			for {
				data := extractJPEG(&buffer)
				if data == nil {
					break
				}
				img, decErr := jpeg.Decode(bytes.NewReader(data))
				if decErr != nil {
					continue
				}
				bounds := img.Bounds()
				frame := &Frame{
					Index:     *index,
					Timestamp: time.Since(s.start).Seconds(),
					Image:     img,
					Width:     bounds.Dx(),
					Height:    bounds.Dy(),
				}
				*index++
				select {
				case <-s.stop:
					return delivered, nil
				case s.frames <- frame:
					delivered = true
				}
			}
		}
		if readErr != nil {
			return delivered, readErr
		}
	}
}

// ffmpegArgs builds the decode command for the source type. RTSP gets
// TCP transport, plain paths are treated as V4L2 devices.
func (s *LiveSource) ffmpegArgs() []string {
	rate := fmt.Sprintf("fps=1/%.3f", s.sampleInterval.Seconds())

	switch {
	case strings.HasPrefix(s.uri, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", s.uri,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-vf", rate,
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(s.uri, "http://"), strings.HasPrefix(s.uri, "https://"):
		return []string{
			"-i", s.uri,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-vf", rate,
			"-q:v", "5",
			"-",
		}
	default:
		return []string{
			"-f", "v4l2",
			"-i", s.uri,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-vf", rate,
			"-q:v", "5",
			"-",
		}
	}
}
