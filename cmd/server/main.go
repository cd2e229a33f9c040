// Command server is the composition root of the privacy-preserving analytics
// ingestion engine: it wires config -> store -> cache -> metrics -> token
// service -> rate limiter -> collector -> shuffler -> reducer (ticker-driven)
// -> gin router, then serves. Wiring order and "continue in degraded mode"
// handling for optional dependencies follow the teacher's cmd/engine/main.go.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/rawblock/privanalytics/internal/api"
	"github.com/rawblock/privanalytics/internal/collector"
	"github.com/rawblock/privanalytics/internal/config"
	"github.com/rawblock/privanalytics/internal/metrics"
	"github.com/rawblock/privanalytics/internal/noise"
	"github.com/rawblock/privanalytics/internal/noncecache"
	"github.com/rawblock/privanalytics/internal/ratelimit"
	"github.com/rawblock/privanalytics/internal/reducer"
	"github.com/rawblock/privanalytics/internal/shuffler"
	"github.com/rawblock/privanalytics/internal/store"
	"github.com/rawblock/privanalytics/internal/token"
)

// reducerInterval is how often the reducer's background ticker runs; this is
// not spec.md-enumerated configuration, so it stays a constant rather than
// growing the env surface beyond what §6 lists.
const reducerInterval = 1 * time.Minute

func main() {
	log.Println("Starting privacy-preserving analytics ingestion engine...")

	cfg := config.Load()

	st, err := store.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: unable to connect to store: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(context.Background()); err != nil {
		log.Fatalf("FATAL: schema init failed: %v", err)
	}

	var cache *noncecache.Cache
	if cfg.RedisURL != "" {
		cache, err = noncecache.Connect(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: Redis unavailable, continuing without the replay fast-path cache: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	} else {
		log.Println("REDIS_URL not set — running without the replay fast-path cache (Postgres remains authoritative)")
	}

	sink := metrics.Prometheus{}

	tokenSvc := token.NewService([]byte(cfg.UploadTokenSecret), st,
		time.Duration(cfg.UploadTokenTTLSeconds)*time.Second)

	limiter := ratelimit.New(cfg.RateLimitBucketPerMin)
	defer limiter.Stop()

	col := collector.New(st, cache, sink, cfg.MaxOutOfOrderSeconds)

	maxTokenTTL := 2 * time.Duration(cfg.UploadTokenTTLSeconds) * time.Second
	shuf := shuffler.New(tokenSvc, limiter, st, cache, col, sink, maxTokenTTL)
	defer shuf.Stop()

	var noiseSource noise.Source = noise.CryptoNoiseSource{}
	if cfg.DeterministicNoise {
		log.Println("DETERMINISTIC_NOISE=true — reducer will use seeded, reproducible Laplace noise (not for production traffic)")
		noiseSource = noise.DeterministicNoiseSource{Seed: "privanalytics-reducer"}
	}

	red := reducer.New(st, noiseSource, sink,
		cfg.MinReportsPerWindow, cfg.AggregateDPEpsilon, cfg.SNRFloor, cfg.AlphaSmoothing)

	wsHub := api.NewHub()
	go wsHub.Run()

	stopReducer := make(chan struct{})
	go runReducerLoop(red, stopReducer)
	defer close(stopReducer)

	handler := &api.Handler{
		Tokens:               tokenSvc,
		Shuffler:             shuf,
		Collector:            col,
		Reducer:              red,
		Store:                st,
		Hub:                  wsHub,
		AllowedOrigins:       cfg.AllowedOrigins,
		AdminAuthToken:       cfg.AdminAuthToken,
		LiveWatermarkSeconds: cfg.LiveWatermarkSeconds,
		CSPHeaderValue:       cfg.CSPHeaderValue,
	}

	r := api.SetupRouter(handler, os.Getenv("GIN_MODE"))

	log.Printf("Engine listening on :%s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("FATAL: server exited: %v", err)
	}
}

// runReducerLoop ticks the reducer over the current UTC day every
// reducerInterval. Overlapping ticks coalesce via the reducer's own atomic
// isRunning guard, per spec.md §5's "at-most-one concurrent run" requirement.
func runReducerLoop(red *reducer.Reducer, stop <-chan struct{}) {
	ticker := time.NewTicker(reducerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now().UTC()
			day := now.Truncate(24 * time.Hour)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := red.Run(ctx, day, day); err != nil {
				log.Printf("[Reducer] run failed: %v", err)
			}
			cancel()
		case <-stop:
			return
		}
	}
}
