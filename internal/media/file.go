package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/log"
)

// FileSource decodes a bounded video file sequentially through ffmpeg,
// sampled at a fixed interval. Timestamps are reconstructed from the
// frame counter; the container is never seeked.
type FileSource struct {
	path           string
	sampleInterval time.Duration
	meta           *Metadata

	cmd    *exec.Cmd
	stdout io.ReadCloser
	buffer []byte
	chunk  []byte
	index  int
	closed bool
	logger zerolog.Logger
}

// OpenFile probes the file and starts the ffmpeg decode pipeline.
func OpenFile(ctx context.Context, path string, sampleInterval time.Duration) (*FileSource, error) {
	meta, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-i", path,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-vf", fmt.Sprintf("fps=1/%.3f", sampleInterval.Seconds()),
		"-q:v", "5",
		"-",
	}
	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrUnreadableSource, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrUnreadableSource, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting ffmpeg: %v", ErrUnreadableSource, err)
	}

	// Consume stderr silently so ffmpeg never blocks on a full pipe.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	src := &FileSource{
		path:           path,
		sampleInterval: sampleInterval,
		meta:           meta,
		cmd:            cmd,
		stdout:         stdout,
		buffer:         make([]byte, 0, 1024*1024),
		chunk:          make([]byte, 8192),
		logger:         log.WithComponent("media.file"),
	}

	src.logger.Info().
		Str("path", path).
		Float64("duration", meta.Duration).
		Int("width", meta.Width).
		Int("height", meta.Height).
		Msg("opened file source")

	return src, nil
}

// Metadata returns the probed container metadata.
func (s *FileSource) Metadata() *Metadata {
	return s.meta
}

// Next returns the next sampled frame or ErrEndOfStream.
func (s *FileSource) Next(ctx context.Context) (*Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if data := extractJPEG(&s.buffer); data != nil {
			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				// Transient decode fault, skip this frame.
				s.logger.Warn().Err(err).Int("index", s.index).Msg("skipping undecodable frame")
				continue
			}
			bounds := img.Bounds()
			frame := &Frame{
				Index:     s.index,
				Timestamp: float64(s.index) * s.sampleInterval.Seconds(),
				Image:     img,
				Width:     bounds.Dx(),
				Height:    bounds.Dy(),
			}
			s.index++
			return frame, nil
		}

		n, err := s.stdout.Read(s.chunk)
		if n > 0 {
			s.buffer = append(s.buffer, s.chunk[:n]...)
			continue
		}
		if err != nil {
			if err == io.EOF {
				return nil, ErrEndOfStream
			}
			return nil, fmt.Errorf("%w: reading frames: %v", ErrUnreadableSource, err)
		}
	}
}

// Close releases the decoder process.
func (s *FileSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.stdout.Close()
	if s.cmd != nil {
		s.cmd.Wait()
	}
	return nil
}

// Live reports whether this source is unbounded.
func (s *FileSource) Live() bool { return false }
