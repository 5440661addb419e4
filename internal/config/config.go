// Package config holds the engine configuration with defaults and
// environment overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"vigil/internal/log"
)

// Config collects every tunable of the detection and dispatch engine.
// Values are fixed for the lifetime of a session.
type Config struct {
	// SampleInterval is the frame polling cadence when decode outpaces
	// the desired rate.
	SampleInterval time.Duration

	// ChangeThreshold is the minimum combined change score that emits a
	// keyframe.
	ChangeThreshold float64

	// MinChangeInterval suppresses keyframes arriving too soon after the
	// last accepted one.
	MinChangeInterval time.Duration

	// MaxGap forces a keyframe when nothing has been accepted for this
	// long.
	MaxGap time.Duration

	// EarlyExitSimilarity skips the SSIM stage when the histogram
	// similarity is at least this value.
	EarlyExitSimilarity float64

	// GlobalWeight is the histogram share of the combined score.
	GlobalWeight float64

	// BlurKernel is the Gaussian blur kernel size applied before the
	// histogram comparison. Must be odd.
	BlurKernel int

	// KeyframeMaxWidth bounds the downscaled observation width in pixels.
	KeyframeMaxWidth int

	// JPEGQuality for bulk (file) encodes, JPEGQualityLive for live
	// single-frame encodes. Range (0,1].
	JPEGQuality     float64
	JPEGQualityLive float64

	// KeyframeDir, when set, enables async persistence of accepted
	// keyframes to disk.
	KeyframeDir string

	// WindowDuration and FirstWindowDuration shape live monitoring
	// windows. The first window is short for fast initial feedback.
	WindowDuration      time.Duration
	FirstWindowDuration time.Duration

	// DispatchBatchSize caps observations per describe call.
	DispatchBatchSize int

	// RateLimitPerMinute and RateLimitPerHour bound calls per provider,
	// process-wide.
	RateLimitPerMinute int
	RateLimitPerHour   int

	// DescribeTimeout and EvaluateTimeout bound single collaborator
	// attempts.
	DescribeTimeout time.Duration
	EvaluateTimeout time.Duration

	// LiveIdleTimeout aborts a live read that yields nothing for this
	// long.
	LiveIdleTimeout time.Duration

	// ChecklistDB is the SQLite path for checklist rule state. Empty
	// keeps checklist state in memory only.
	ChecklistDB string
}

// Default returns the engine defaults.
func Default() Config {
	return Config{
		SampleInterval:      300 * time.Millisecond,
		ChangeThreshold:     0.10,
		MinChangeInterval:   500 * time.Millisecond,
		MaxGap:              10 * time.Second,
		EarlyExitSimilarity: 0.95,
		GlobalWeight:        0.4,
		BlurKernel:          7,
		KeyframeMaxWidth:    512,
		JPEGQuality:         0.6,
		JPEGQualityLive:     0.8,
		WindowDuration:      6 * time.Second,
		FirstWindowDuration: 2 * time.Second,
		DispatchBatchSize:   5,
		RateLimitPerMinute:  30,
		RateLimitPerHour:    500,
		DescribeTimeout:     60 * time.Second,
		EvaluateTimeout:     30 * time.Second,
		LiveIdleTimeout:     5 * time.Second,
	}
}

// FromEnv returns Default overlaid with any VIGIL_* environment
// overrides. Invalid values are logged and the default kept.
func FromEnv() Config {
	cfg := Default()
	logger := log.WithComponent("config")

	envDuration := func(key string, dst *time.Duration) {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			*dst = time.Duration(secs * float64(time.Second))
			return
		}
		logger.Warn().Str("key", key).Str("value", raw).Msg("invalid duration override, keeping default")
	}
	envFloat := func(key string, dst *float64) {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			*dst = v
			return
		}
		logger.Warn().Str("key", key).Str("value", raw).Msg("invalid float override, keeping default")
	}
	envInt := func(key string, dst *int) {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			*dst = v
			return
		}
		logger.Warn().Str("key", key).Str("value", raw).Msg("invalid integer override, keeping default")
	}

	envDuration("VIGIL_SAMPLE_INTERVAL", &cfg.SampleInterval)
	envFloat("VIGIL_CHANGE_THRESHOLD", &cfg.ChangeThreshold)
	envDuration("VIGIL_MIN_CHANGE_INTERVAL", &cfg.MinChangeInterval)
	envDuration("VIGIL_MAX_GAP", &cfg.MaxGap)
	envFloat("VIGIL_EARLY_EXIT_SIMILARITY", &cfg.EarlyExitSimilarity)
	envFloat("VIGIL_GLOBAL_WEIGHT", &cfg.GlobalWeight)
	envInt("VIGIL_BLUR_KERNEL", &cfg.BlurKernel)
	envInt("VIGIL_KEYFRAME_MAX_WIDTH", &cfg.KeyframeMaxWidth)
	envFloat("VIGIL_JPEG_QUALITY", &cfg.JPEGQuality)
	envFloat("VIGIL_JPEG_QUALITY_LIVE", &cfg.JPEGQualityLive)
	envDuration("VIGIL_WINDOW_DURATION", &cfg.WindowDuration)
	envDuration("VIGIL_FIRST_WINDOW_DURATION", &cfg.FirstWindowDuration)
	envInt("VIGIL_DISPATCH_BATCH_SIZE", &cfg.DispatchBatchSize)
	envInt("VIGIL_RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	envInt("VIGIL_RATE_LIMIT_PER_HOUR", &cfg.RateLimitPerHour)
	if dir, ok := os.LookupEnv("VIGIL_KEYFRAME_DIR"); ok {
		cfg.KeyframeDir = dir
	}
	if db, ok := os.LookupEnv("VIGIL_CHECKLIST_DB"); ok {
		cfg.ChecklistDB = db
	}

	return cfg
}
