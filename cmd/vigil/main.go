// Command vigil runs the change detector against a video source and
// prints the keyframe timeline, without calling any model service.
// Useful for tuning thresholds before paying for analysis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/log"
	"vigil/internal/media"
	"vigil/internal/sink"
)

func main() {
	var (
		fileF        = flag.String("file", "", "Video file to analyze")
		liveF        = flag.String("live", "", "Live device or URL to monitor")
		keyframeDirF = flag.String("keyframes", "", "Directory to save keyframe JPEGs")
		thresholdF   = flag.Float64("threshold", 0, "Change threshold override")
		logLevelF    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		consoleF     = flag.Bool("console", true, "Human-readable log output")
	)
	flag.Parse()

	log.Configure(log.Config{Level: *logLevelF, Console: *consoleF})
	logger := log.WithComponent("cli")

	if (*fileF == "") == (*liveF == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -file or -live is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.FromEnv()
	if *keyframeDirF != "" {
		cfg.KeyframeDir = *keyframeDirF
	}
	if *thresholdF > 0 {
		cfg.ChangeThreshold = *thresholdF
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		source media.Source
		err    error
	)
	if *fileF != "" {
		var fs *media.FileSource
		fs, err = media.OpenFile(ctx, *fileF, cfg.SampleInterval)
		if err == nil {
			meta := fs.Metadata()
			fmt.Printf("source: %s (%dx%d, %.1fs, %.2f fps)\n",
				*fileF, meta.Width, meta.Height, meta.Duration, meta.FPS)
			source = fs
		}
	} else {
		source, err = media.OpenLive(*liveF, cfg.SampleInterval, cfg.LiveIdleTimeout)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("opening source")
	}
	defer source.Close()

	quality := cfg.JPEGQuality
	if source.Live() {
		quality = cfg.JPEGQualityLive
	}
	snk := sink.New(cfg.KeyframeMaxWidth, quality, cfg.KeyframeDir)
	defer snk.Close()

	det := detect.New(detect.Options{
		ChangeThreshold:     cfg.ChangeThreshold,
		EarlyExitSimilarity: cfg.EarlyExitSimilarity,
		GlobalWeight:        cfg.GlobalWeight,
		BlurKernel:          cfg.BlurKernel,
		MinChangeInterval:   cfg.MinChangeInterval.Seconds(),
		MaxGap:              cfg.MaxGap.Seconds(),
	})

	frames := 0
	keyframes := 0
	for {
		frame, nextErr := source.Next(ctx)
		if nextErr != nil {
			if errors.Is(nextErr, media.ErrEndOfStream) {
				break
			}
			if ctx.Err() != nil {
				break
			}
			logger.Fatal().Err(nextErr).Msg("decode failed")
		}
		frames++
		if cand := det.Process(frame); cand != nil {
			if _, err := snk.Accept(cand); err != nil {
				logger.Warn().Err(err).Msg("keyframe encode failed")
				continue
			}
			keyframes++
			fmt.Printf("%8.2fs  %-8s  score=%.3f\n", frame.Timestamp, cand.Reason, cand.Score)
		}
	}
	if ctx.Err() == nil {
		if cand := det.Flush(); cand != nil {
			if _, err := snk.Accept(cand); err == nil {
				keyframes++
				fmt.Printf("%8.2fs  %-8s  score=%.3f\n", cand.Frame.Timestamp, cand.Reason, cand.Score)
			}
		}
	}

	fmt.Printf("\n%d frames analyzed, %d keyframes kept\n", frames, keyframes)
}
