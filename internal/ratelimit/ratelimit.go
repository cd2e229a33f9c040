// Package ratelimit implements per-(site_id, source_ip) token-bucket
// admission control in front of the shuffler, per spec.md §4.3. Adapted from
// the teacher's per-IP bucket limiter, keyed here on site+IP so one noisy
// site cannot exhaust another's budget.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rawblock/privanalytics/internal/models"
)

const cleanupIdleDuration = 10 * time.Minute

// planMultiplier scales the base bucket capacity by plan, per spec.md §4.3's
// "bucket size is plan-aware (free < standard < pro)".
var planMultiplier = map[models.Plan]float64{
	models.PlanFree:     1.0,
	models.PlanStandard: 2.0,
	models.PlanPro:      4.0,
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

// Limiter holds per-(site,ip) bucket state. The refill rate is driven by the
// RATE_LIMIT_BUCKET_PER_MIN configuration value; burst equals the same
// figure, matching the teacher's ratio of capacity to per-minute rate.
type Limiter struct {
	rate    float64 // tokens added per second
	burst   float64 // max bucket capacity
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// New constructs a Limiter allowing ratePerMin requests per minute per
// (site_id, ip) pair.
func New(ratePerMin int) *Limiter {
	rl := &Limiter{
		rate:    float64(ratePerMin) / 60.0,
		burst:   float64(ratePerMin),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip against siteID may proceed, and if
// not, how long the caller should wait before retrying. It admits at the base
// (free-plan) capacity; callers that know the site's plan should use
// AllowForPlan instead.
func (rl *Limiter) Allow(siteID, ip string) (bool, time.Duration) {
	return rl.admit(siteID, ip, planMultiplier[models.PlanFree])
}

// AllowForPlan is Allow with the bucket's rate and capacity scaled by plan,
// per spec.md §4.3 ("bucket size is plan-aware: free < standard < pro").
// The multiplier is applied on every call: a (site,ip) bucket starts full at
// the capacity of the plan seen on first use, and each later call refills and
// caps it using the plan passed to that call.
func (rl *Limiter) AllowForPlan(siteID, ip string, plan models.Plan) (bool, time.Duration) {
	mult, ok := planMultiplier[plan]
	if !ok {
		mult = planMultiplier[models.PlanFree]
	}
	return rl.admit(siteID, ip, mult)
}

func (rl *Limiter) admit(siteID, ip string, multiplier float64) (bool, time.Duration) {
	key := siteID + "|" + ip
	rate := rl.rate * multiplier
	burst := rl.burst * multiplier

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: burst}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastSeen = now

	if b.tokens >= 1.0 {
		b.tokens--
		return true, 0
	}

	retryAfter := time.Duration((1.0-b.tokens)/rate*1000) * time.Millisecond
	return false, retryAfter
}

// Stop halts the background cleanup goroutine.
func (rl *Limiter) Stop() {
	close(rl.stop)
}

func (rl *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-cleanupIdleDuration)
			rl.mu.Lock()
			for key, b := range rl.buckets {
				b.mu.Lock()
				idle := b.lastSeen.Before(cutoff)
				b.mu.Unlock()
				if idle {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}
