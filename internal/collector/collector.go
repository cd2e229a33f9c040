// Package collector validates and persists the reports a Shuffler batch
// carries, per spec.md §4.5. It is the last stop before raw storage: after
// this point data is durable and every subsequent read is via the Reducer.
package collector

import (
	"context"
	"time"

	"github.com/rawblock/privanalytics/internal/apierr"
	"github.com/rawblock/privanalytics/internal/metrics"
	"github.com/rawblock/privanalytics/internal/models"
	"github.com/rawblock/privanalytics/internal/noncecache"
	"github.com/rawblock/privanalytics/internal/store"
)

// Collector turns a validated batch into durable RawReport/LdpReport rows.
type Collector struct {
	store                store.Store
	cache                *noncecache.Cache
	metrics               metrics.Sink
	maxOutOfOrderSeconds  int
}

// New constructs a Collector. cache may be nil, in which case every plan
// lookup falls through to Store.GetPlan.
func New(st store.Store, cache *noncecache.Cache, sink metrics.Sink, maxOutOfOrderSeconds int) *Collector {
	return &Collector{store: st, cache: cache, metrics: sink, maxOutOfOrderSeconds: maxOutOfOrderSeconds}
}

// Request is the input Ingest requires, mirroring spec.md §4.4 step 5's call
// into the Collector.
type Request struct {
	SiteID           string
	ServerReceivedAt time.Time
	Reports          []models.PrivatizedEvent
}

// Ingest validates every event in the batch and persists the survivors in a
// single transaction, per spec.md §4.5.
func (c *Collector) Ingest(ctx context.Context, req Request) error {
	plan, err := c.planForSite(ctx, req.SiteID)
	if err != nil {
		return err
	}

	var raw []store.RawReport
	var ldp []store.LdpReport

	for _, ev := range req.Reports {
		if ev.SiteID != req.SiteID {
			// Cross-site smuggling: drop silently, no metric, per spec.md §4.5.
			continue
		}

		delta := req.ServerReceivedAt.Sub(ev.ClientTimestamp)
		if delta > time.Duration(c.maxOutOfOrderSeconds)*time.Second {
			c.metrics.EventDroppedLate(req.SiteID)
			continue
		}

		// Route through the tagged-union representation to validate Kind
		// the same way the reducer will later read it back: an event whose
		// Kind doesn't resolve to a known variant is dropped here rather
		// than persisted as a row the reducer can never bucket.
		if ev.ToTagged().Metric() == "" {
			continue
		}

		day := ev.ClientTimestamp.UTC().Truncate(24 * time.Hour)

		switch plan {
		case models.PlanPro:
			ldp = append(ldp, store.LdpReport{
				SiteID:           req.SiteID,
				Kind:             string(ev.Kind),
				Day:              day,
				Payload:          ev.Payload,
				EpsilonUsed:      ev.EpsilonUsed,
				SamplingRate:     ev.SamplingRate,
				ServerReceivedAt: req.ServerReceivedAt,
			})
		case models.PlanFree, models.PlanStandard:
			raw = append(raw, store.RawReport{
				SiteID:           req.SiteID,
				Kind:             string(ev.Kind),
				Day:              day,
				Payload:          ev.Payload,
				EpsilonUsed:      ev.EpsilonUsed,
				SamplingRate:     ev.SamplingRate,
				ServerReceivedAt: req.ServerReceivedAt,
			})
		default:
			return apierr.ErrPlanForbidden
		}

		c.metrics.EventReceived(req.SiteID)
	}

	if len(raw) == 0 && len(ldp) == 0 {
		return nil
	}
	return c.store.InsertBatch(ctx, req.SiteID, raw, ldp)
}

// planForSite reads through the Redis plan cache (if enabled) ahead of
// Store.GetPlan, since every batch in a hot site looks up the same plan.
func (c *Collector) planForSite(ctx context.Context, siteID string) (models.Plan, error) {
	if plan, ok := c.cache.Plan(ctx, siteID); ok {
		return plan, nil
	}
	plan, err := c.store.GetPlan(ctx, siteID)
	if err != nil {
		return "", err
	}
	c.cache.CachePlan(ctx, siteID, plan)
	return plan, nil
}
