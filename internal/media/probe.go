package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Metadata describes a bounded source as reported by ffprobe.
type Metadata struct {
	Duration float64 // seconds
	FPS      float64
	Width    int
	Height   int
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
}

// Probe reads container metadata from a file via ffprobe.
func Probe(ctx context.Context, path string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe %s: %v", ErrUnreadableSource, path, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("%w: ffprobe output: %v", ErrUnreadableSource, err)
	}

	meta := &Metadata{}
	if parsed.Format.Duration != "" {
		meta.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	}
	for _, stream := range parsed.Streams {
		if stream.CodecType != "video" {
			continue
		}
		meta.Width = stream.Width
		meta.Height = stream.Height
		meta.FPS = parseFrameRate(stream.RFrameRate)
		if meta.Duration == 0 && stream.Duration != "" {
			meta.Duration, _ = strconv.ParseFloat(stream.Duration, 64)
		}
		break
	}

	if meta.Width == 0 || meta.Height == 0 {
		return nil, fmt.Errorf("%w: %s has no video stream", ErrUnreadableSource, path)
	}

	return meta, nil
}

// parseFrameRate converts ffprobe's "num/den" rational to a float.
func parseFrameRate(raw string) float64 {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
