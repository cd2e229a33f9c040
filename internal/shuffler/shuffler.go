// Package shuffler implements the randomized-hold admission stage that sits
// between the public upload endpoint and the Collector, per spec.md §4.4. It
// decorrelates arrival time from event time and is the sole writer of the
// replay-guarding nonce.
package shuffler

import (
	"context"
	"crypto/rand"
	"log"
	"math/big"
	"time"

	"github.com/rawblock/privanalytics/internal/apierr"
	"github.com/rawblock/privanalytics/internal/collector"
	"github.com/rawblock/privanalytics/internal/metrics"
	"github.com/rawblock/privanalytics/internal/models"
	"github.com/rawblock/privanalytics/internal/noncecache"
	"github.com/rawblock/privanalytics/internal/ratelimit"
	"github.com/rawblock/privanalytics/internal/store"
	"github.com/rawblock/privanalytics/internal/token"
)

// holdBounds fixes the random-hold window at [0, 120] seconds, per spec.md
// §4.4 step 4. An explicit Open Question decision: this stays a package
// constant, not a configuration knob, since the spec states the bound
// directly rather than deriving it from any other parameter.
var holdBounds = [2]time.Duration{0, 120 * time.Second}

const (
	nonceMaxTTLSlack  = 5 * time.Minute
	noncePurgeInterval = 15 * time.Minute
	forwardMaxAttempts = 3
	forwardRetryDelay  = 200 * time.Millisecond
)

// Shuffler is the admission-control stage in front of Collector.
type Shuffler struct {
	tokens     *token.Service
	limiter    *ratelimit.Limiter
	store      store.Store
	cache      *noncecache.Cache
	collector  *collector.Collector
	metrics    metrics.Sink
	maxTokenTTL time.Duration
	stop       chan struct{}
}

// New constructs a Shuffler and starts its background nonce-purge loop.
func New(tokens *token.Service, limiter *ratelimit.Limiter, st store.Store, cache *noncecache.Cache,
	col *collector.Collector, sink metrics.Sink, maxTokenTTL time.Duration) *Shuffler {
	s := &Shuffler{
		tokens:      tokens,
		limiter:     limiter,
		store:       st,
		cache:       cache,
		collector:   col,
		metrics:     sink,
		maxTokenTTL: maxTokenTTL,
		stop:        make(chan struct{}),
	}
	go s.purgeLoop()
	return s
}

// Stop halts the background purge loop.
func (s *Shuffler) Stop() {
	close(s.stop)
}

// HandleRequest is the input to Handle, mirroring POST /shuffle's body plus
// the request metadata Handle needs.
type HandleRequest struct {
	Token          string
	Origin         string
	SourceIP       string
	Nonce          string
	Batch          []models.PrivatizedEvent
	BypassDelay    bool // set when X-Bypass-Delay is present (tests only)
}

// Handle runs the full admission sequence of spec.md §4.4 steps 1-6.
func (s *Shuffler) Handle(ctx context.Context, req HandleRequest) error {
	verified, err := s.tokens.Verify(ctx, req.Token, req.Origin)
	if err != nil {
		return err
	}

	if allowed, _ := s.limiter.AllowForPlan(verified.SiteID, req.SourceIP, verified.Plan); !allowed {
		s.metrics.RateLimited()
		return apierr.ErrRateLimited
	}

	if seen, _ := s.cache.SeenNonce(ctx, verified.SiteID, req.Nonce); seen {
		s.metrics.ReplayRejected()
		return apierr.ErrReplay
	}
	if err := s.store.InsertNonce(ctx, verified.SiteID, req.Nonce); err != nil {
		if apierr.Is(err, apierr.KindReplay) {
			s.metrics.ReplayRejected()
		}
		return err
	}

	if !req.BypassDelay {
		hold, err := randomHold()
		if err != nil {
			return err
		}
		s.metrics.ShuffleHold(hold)
		select {
		case <-time.After(hold):
		case <-ctx.Done():
			// Per spec.md §4.4's cancellation note: the nonce is already
			// committed, so we must still attempt the forward rather than
			// abandon it — fall through instead of returning here.
		}
	}

	// The nonce is now committed. Correctness requires we never leave it
	// committed without a completed forward, so retry the Collector call a
	// bounded number of times before surfacing an error.
	forwardCtx := context.Background()
	var forwardErr error
	for attempt := 0; attempt < forwardMaxAttempts; attempt++ {
		forwardErr = s.collector.Ingest(forwardCtx, collector.Request{
			SiteID:           verified.SiteID,
			ServerReceivedAt: time.Now().UTC(),
			Reports:          req.Batch,
		})
		if forwardErr == nil {
			return nil
		}
		log.Printf("[Shuffler] forward to collector failed (attempt %d/%d): %v", attempt+1, forwardMaxAttempts, forwardErr)
		time.Sleep(forwardRetryDelay)
	}
	return forwardErr
}

// randomHold draws a uniform random duration within holdBounds using
// crypto/rand, since the hold is a privacy control, not a test convenience.
func randomHold() (time.Duration, error) {
	span := holdBounds[1] - holdBounds[0]
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return 0, err
	}
	return holdBounds[0] + time.Duration(n.Int64()), nil
}

// purgeLoop opportunistically deletes nonce rows older than the maximum
// token TTL plus slack, per spec.md §4.4 step 6. Grounded on the
// ticker+cleanup-ticker shape used elsewhere in this pipeline's ancestry for
// periodic background maintenance.
func (s *Shuffler) purgeLoop() {
	ticker := time.NewTicker(noncePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-(s.maxTokenTTL + nonceMaxTTLSlack))
			n, err := s.store.PurgeNoncesBefore(context.Background(), cutoff)
			if err != nil {
				log.Printf("[Shuffler] nonce purge failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[Shuffler] purged %d expired nonce rows", n)
			}
		case <-s.stop:
			return
		}
	}
}
