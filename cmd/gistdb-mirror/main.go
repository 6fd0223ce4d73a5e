package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/agentworkforce/gistdb/internal/app"
	"github.com/agentworkforce/gistdb/internal/config"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file read before the environment")
	exportDir := flag.String("export-dir", "", "directory receiving one file per document (overrides GISTDB_MIRROR_EXPORT_DIR)")
	interval := flag.Duration("interval", 0, "refresh interval (overrides GISTDB_MIRROR_INTERVAL)")
	jitter := flag.Float64("interval-jitter", -1, "refresh jitter ratio in [0,1] (overrides GISTDB_MIRROR_JITTER_RATIO)")
	timeout := flag.Duration("timeout", 0, "per-cycle timeout (overrides GISTDB_REQUEST_TIMEOUT)")
	once := flag.Bool("once", false, "refresh once and exit")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*envFile)
	if err != nil {
		glog.Exitf("config: %v", err)
	}
	if *exportDir == "" {
		*exportDir = cfg.MirrorExportDir
	}
	if *interval <= 0 {
		*interval = cfg.MirrorInterval
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *jitter < 0 {
		*jitter = cfg.MirrorJitterRatio
	}
	if *timeout <= 0 {
		*timeout = cfg.RequestTimeout
	}

	a, err := app.New(cfg, app.GlogLogger{})
	if err != nil {
		glog.Exitf("init: %v", err)
	}
	defer a.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.Start(rootCtx)

	cycle := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		result, err := a.MirrorOnce(ctx, *exportDir)
		if err != nil {
			glog.Warningf("mirror cycle failed: %v", err)
			return
		}
		glog.Infof("mirror cycle done: written=%d removed=%d unchanged=%d kept=%d",
			len(result.Written), len(result.Removed), result.Unchanged, len(result.Kept))
	}

	if *once {
		cycle(rootCtx)
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	loop(rootCtx, *interval, *jitter, rng.Float64, cycle)
	glog.Infof("mirror stopping: %v", rootCtx.Err())
}

// loop runs cycle immediately and then after every jittered delay until ctx
// is done.
func loop(ctx context.Context, interval time.Duration, jitter float64, sample func() float64, cycle func(context.Context)) {
	cycle(ctx)
	timer := time.NewTimer(nextDelay(interval, jitter, sample()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			cycle(ctx)
			timer.Reset(nextDelay(interval, jitter, sample()))
		}
	}
}

func clampRatio(value float64) float64 {
	switch {
	case value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}

// nextDelay spreads base across [base*(1-ratio), base*(1+ratio)] with sample
// in [0,1] picking the point. The result is never below one millisecond.
func nextDelay(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = clampRatio(ratio)
	if ratio == 0 {
		return base
	}
	factor := 1 + (2*clampRatio(sample)-1)*ratio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
