// Package reducer implements the periodic aggregation pass that turns raw
// and LDP reports into published differentially-private windows, per
// spec.md §4.6 — the heart of the pipeline. Guarded by an atomic isRunning
// flag so overlapping ticks or a manual on-demand Run never race, the same
// coalescing pattern the teacher's block scanner uses for historical scans.
package reducer

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/rawblock/privanalytics/internal/metrics"
	"github.com/rawblock/privanalytics/internal/models"
	"github.com/rawblock/privanalytics/internal/noise"
	"github.com/rawblock/privanalytics/internal/rr"
	"github.com/rawblock/privanalytics/internal/store"
)

const (
	uniqueWindowLength = 3 * time.Minute
	otherWindowLength  = 15 * time.Minute

	epsNum = 1e-9
)

// Reducer aggregates raw/LDP reports into dp_windows and site_epsilon_log.
type Reducer struct {
	store               store.Store
	noiseSource         noise.Source
	metrics             metrics.Sink
	minReportsPerWindow int
	aggregateEpsilon    float64
	snrFloor            float64
	alpha               float64
	isRunning           atomic.Bool
}

// New constructs a Reducer.
func New(st store.Store, noiseSource noise.Source, sink metrics.Sink,
	minReportsPerWindow int, aggregateEpsilon, snrFloor, alpha float64) *Reducer {
	return &Reducer{
		store:               st,
		noiseSource:         noiseSource,
		metrics:             sink,
		minReportsPerWindow: minReportsPerWindow,
		aggregateEpsilon:    aggregateEpsilon,
		snrFloor:            snrFloor,
		alpha:               alpha,
	}
}

// bucketKey groups reports for aggregation.
type bucketKey struct {
	siteID      string
	metric      string
	windowStart time.Time
}

type bucket struct {
	reports []taggedReport
}

// taggedReport pairs a report's models.TaggedEvent — the tagged-union
// representation spec.md §9 calls for — with the bookkeeping fields the
// reducer needs that live outside the union (the historical-import side
// channel and the ledger day), regardless of which table the row came from.
type taggedReport struct {
	tagged           models.TaggedEvent
	day              time.Time
	value            float64
	historicalImport bool
	serverReceivedAt time.Time
}

// Run scans [startDay, endDay] and publishes aggregates. It is a no-op,
// returning immediately, if another run is already in progress.
func (r *Reducer) Run(ctx context.Context, startDay, endDay time.Time) error {
	if !r.isRunning.CompareAndSwap(false, true) {
		log.Println("[Reducer] run already in progress, skipping")
		return nil
	}
	defer r.isRunning.Store(false)

	start := time.Now()
	defer func() { r.metrics.ReducerRun(time.Since(start)) }()

	buckets, plans, err := r.collectBuckets(ctx, startDay, endDay)
	if err != nil {
		return fmt.Errorf("failed to collect buckets: %w", err)
	}

	tx, err := r.store.BeginReduce(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reduce transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// The privacy ledger recomputes the epsilon spent per (site, day, plan)
	// over every report in the scanned range, independent of whether its
	// bucket clears the minimum-report threshold or the SNR floor: a
	// suppressed or sub-threshold bucket still cost its reporters epsilon,
	// and the ledger must reflect that regardless of what gets published.
	// Each report's own day (its client-timestamp day, matching the
	// persisted RawReport/LdpReport.Day column) keys its contribution, not
	// the bucket's server-time windowStart — the two can diverge across a
	// UTC midnight boundary within the out-of-order tolerance.
	epsilonBySiteDayPlan := map[string]float64{}
	for key, b := range buckets {
		plan := plans[key.siteID]
		for _, rep := range b.reports {
			var contribution float64
			switch plan {
			case models.PlanPro:
				contribution = rep.tagged.EpsilonUsed
			case models.PlanStandard:
				contribution = math.Min(r.aggregateEpsilon, math.Max(0, rep.tagged.EpsilonUsed))
			default:
				continue // free plan reports don't draw against an epsilon budget
			}
			ledgerKey := key.siteID + "|" + rep.day.Format("2006-01-02") + "|" + string(plan)
			epsilonBySiteDayPlan[ledgerKey] += contribution
		}
	}

	for key, b := range buckets {
		plan := plans[key.siteID]
		n := len(b.reports)

		historicalBypass := false
		for _, rep := range b.reports {
			if rep.historicalImport {
				historicalBypass = true
				break
			}
		}
		if n < r.minReportsPerWindow && !historicalBypass {
			r.metrics.BucketSkipped("below_threshold")
			continue
		}

		windowEnd := key.windowStart.Add(windowLength(key.metric))

		var window store.DpWindow
		var ok bool

		switch plan {
		case models.PlanPro:
			window, ok = r.aggregatePro(key, windowEnd, b.reports)
		case models.PlanStandard:
			window, ok = r.aggregateStandard(key, windowEnd, b.reports)
		default:
			window, ok = r.aggregateFree(key, windowEnd, b.reports)
		}
		if !ok {
			continue
		}

		if err := tx.UpsertWindow(ctx, window); err != nil {
			return fmt.Errorf("failed to upsert window for %s/%s: %w", key.siteID, key.metric, err)
		}
	}

	for ledgerKey, total := range epsilonBySiteDayPlan {
		siteID, day, plan := splitLedgerKey(ledgerKey)
		dayTime, err := time.Parse("2006-01-02", day)
		if err != nil {
			return fmt.Errorf("failed to parse ledger day %q: %w", day, err)
		}
		if err := tx.UpsertEpsilonLog(ctx, store.SiteEpsilonLog{
			SiteID:       siteID,
			Day:          dayTime,
			Plan:         models.Plan(plan),
			EpsilonTotal: total,
		}); err != nil {
			return fmt.Errorf("failed to upsert epsilon log for %s: %w", siteID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reducer transaction: %w", err)
	}
	committed = true
	return nil
}

// RunDryRun computes the same aggregates Run would, without writing
// anything, so an operator can compare a candidate configuration change
// against production before committing it. Adapted from the teacher's
// production-vs-experimental shadow comparison pattern.
func (r *Reducer) RunDryRun(ctx context.Context, startDay, endDay time.Time) ([]store.DpWindow, error) {
	buckets, plans, err := r.collectBuckets(ctx, startDay, endDay)
	if err != nil {
		return nil, err
	}

	var windows []store.DpWindow
	for key, b := range buckets {
		plan := plans[key.siteID]
		n := len(b.reports)
		historicalBypass := false
		for _, rep := range b.reports {
			if rep.historicalImport {
				historicalBypass = true
				break
			}
		}
		if n < r.minReportsPerWindow && !historicalBypass {
			continue
		}

		windowEnd := key.windowStart.Add(windowLength(key.metric))
		var window store.DpWindow
		var ok bool
		switch plan {
		case models.PlanPro:
			window, ok = r.aggregatePro(key, windowEnd, b.reports)
		case models.PlanStandard:
			window, ok = r.aggregateStandard(key, windowEnd, b.reports)
		default:
			window, ok = r.aggregateFree(key, windowEnd, b.reports)
		}
		if ok {
			windows = append(windows, window)
		}
	}
	return windows, nil
}

func (r *Reducer) collectBuckets(ctx context.Context, startDay, endDay time.Time) (map[bucketKey]*bucket, map[string]models.Plan, error) {
	raw, err := r.store.RawReportsInRange(ctx, startDay, endDay)
	if err != nil {
		return nil, nil, err
	}
	ldp, err := r.store.LdpReportsInRange(ctx, startDay, endDay)
	if err != nil {
		return nil, nil, err
	}

	buckets := map[bucketKey]*bucket{}
	plans := map[string]models.Plan{}

	for _, rep := range raw {
		report, ok := toTaggedReport(rep.SiteID, rep.Kind, rep.Payload, rep.EpsilonUsed, rep.SamplingRate, rep.Day, rep.ServerReceivedAt)
		if !ok {
			continue
		}
		key := bucketKey{siteID: rep.SiteID, metric: report.tagged.Metric(), windowStart: rep.ServerReceivedAt.Truncate(time.Minute)}
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.reports = append(b.reports, report)
		if _, ok := plans[rep.SiteID]; !ok {
			plans[rep.SiteID] = models.PlanStandard
		}
	}

	for _, rep := range ldp {
		report, ok := toTaggedReport(rep.SiteID, rep.Kind, rep.Payload, rep.EpsilonUsed, rep.SamplingRate, rep.Day, rep.ServerReceivedAt)
		if !ok {
			continue
		}
		key := bucketKey{siteID: rep.SiteID, metric: report.tagged.Metric(), windowStart: rep.ServerReceivedAt.Truncate(time.Minute)}
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.reports = append(b.reports, report)
		plans[rep.SiteID] = models.PlanPro
	}

	// RawReports alone can't distinguish free from standard plan (both land
	// in the same table); resolve the actual plan from the store so the free
	// clear-count path is only taken for genuinely free sites.
	for siteID, guessedPlan := range plans {
		if guessedPlan == models.PlanPro {
			continue
		}
		actual, err := r.store.GetPlan(ctx, siteID)
		if err != nil {
			return nil, nil, err
		}
		plans[siteID] = actual
	}

	return buckets, plans, nil
}

// toTaggedReport rebuilds the models.PrivatizedEvent a stored row came from
// and routes it through ToTagged(), so the reducer's bucket/metric/bit
// derivation shares one implementation with the wire decoder instead of
// re-deriving it from the raw payload map. ok is false for a row whose Kind
// doesn't map to a known tagged variant — a malformed row Ingest should
// already have kept out, handled here defensively.
func toTaggedReport(siteID, kind string, payload map[string]interface{}, epsilonUsed, samplingRate float64, day, serverReceivedAt time.Time) (taggedReport, bool) {
	ev := models.PrivatizedEvent{
		SiteID:       siteID,
		Kind:         models.Kind(kind),
		Payload:      payload,
		EpsilonUsed:  epsilonUsed,
		SamplingRate: samplingRate,
	}
	tagged := ev.ToTagged()
	if tagged.Metric() == "" {
		return taggedReport{}, false
	}

	value := 1.0
	historical := ev.IsHistoricalImport()
	if historical {
		value = ev.HistoricalValue()
	}

	return taggedReport{
		tagged:           tagged,
		day:              day,
		value:            value,
		historicalImport: historical,
		serverReceivedAt: serverReceivedAt,
	}, true
}

func windowLength(metric string) time.Duration {
	if metric == string(models.KindUnique) {
		return uniqueWindowLength
	}
	return otherWindowLength
}

// aggregatePro implements the LDP (pro plan) aggregation path of spec.md
// §4.6: RR-decode the bucket's randomized bits and gate on SNR.
func (r *Reducer) aggregatePro(key bucketKey, windowEnd time.Time, reports []taggedReport) (store.DpWindow, bool) {
	if len(reports) == 0 {
		return store.DpWindow{}, false
	}
	// All reports in a bucket must share channel parameters; the first
	// report's epsilon/sampling rate are authoritative per spec.md §4.6.
	epsilon := reports[0].tagged.EpsilonUsed
	samplingRate := reports[0].tagged.SamplingRate

	var ones float64
	total := 0.0
	for _, rep := range reports {
		ones += float64(rep.tagged.Bit())
		total++
	}

	estimate, variance := rr.UnbiasedEstimate(ones, total, epsilon, samplingRate, r.alpha)
	se := rr.StandardError(variance)
	if se == 0 || estimate/se < r.snrFloor {
		r.metrics.BucketSkipped("below_snr")
		return store.DpWindow{}, false
	}

	ci80Low, ci80High := rr.ConfidenceInterval(estimate, se, rr.Z80)
	ci95Low, ci95High := rr.ConfidenceInterval(estimate, se, rr.Z95)
	ci80Low, ci95Low = math.Max(0, ci80Low), math.Max(0, ci95Low)

	return store.DpWindow{
		SiteID:      key.siteID,
		Plan:        models.PlanPro,
		Metric:      key.metric,
		WindowStart: key.windowStart,
		WindowEnd:   windowEnd,
		Value:       estimate,
		Variance:    variance,
		CI80Low:     ci80Low,
		CI80High:    ci80High,
		CI95Low:     ci95Low,
		CI95High:    ci95High,
	}, true
}

// aggregateStandard implements the central-DP (standard plan) path: sum the
// bucket's row values and add Laplace noise scaled by the aggregate epsilon.
func (r *Reducer) aggregateStandard(key bucketKey, windowEnd time.Time, reports []taggedReport) (store.DpWindow, bool) {
	var baseValue float64
	for _, rep := range reports {
		baseValue += rep.value
	}

	eps := math.Max(r.aggregateEpsilon, epsNum)
	seedKey := key.siteID + "|" + key.metric + "|" + key.windowStart.Format(time.RFC3339)
	noiseVal, err := r.noiseSource.Laplace(eps, seedKey)
	if err != nil {
		log.Printf("[Reducer] noise draw failed for %s/%s: %v", key.siteID, key.metric, err)
		return store.DpWindow{}, false
	}

	value := math.Max(0, baseValue+noiseVal)
	scale := 1.0 / eps
	variance := scale * scale
	se := rr.StandardError(variance)
	ci80Low, ci80High := rr.ConfidenceInterval(value, se, rr.Z80)
	ci95Low, ci95High := rr.ConfidenceInterval(value, se, rr.Z95)
	ci80Low, ci95Low = math.Max(0, ci80Low), math.Max(0, ci95Low)

	return store.DpWindow{
		SiteID:      key.siteID,
		Plan:        models.PlanStandard,
		Metric:      key.metric,
		WindowStart: key.windowStart,
		WindowEnd:   windowEnd,
		Value:       value,
		Variance:    variance,
		CI80Low:     ci80Low,
		CI80High:    ci80High,
		CI95Low:     ci95Low,
		CI95High:    ci95High,
	}, true
}

// aggregateFree implements the clear-count (free plan) path: no noise, a
// Poisson-style variance placeholder so downstream CIs stay non-degenerate.
func (r *Reducer) aggregateFree(key bucketKey, windowEnd time.Time, reports []taggedReport) (store.DpWindow, bool) {
	var baseValue float64
	for _, rep := range reports {
		baseValue += rep.value
	}

	variance := math.Max(1, baseValue)
	se := rr.StandardError(variance)
	ci80Low, ci80High := rr.ConfidenceInterval(baseValue, se, rr.Z80)
	ci95Low, ci95High := rr.ConfidenceInterval(baseValue, se, rr.Z95)
	ci80Low, ci95Low = math.Max(0, ci80Low), math.Max(0, ci95Low)

	return store.DpWindow{
		SiteID:      key.siteID,
		Plan:        models.PlanFree,
		Metric:      key.metric,
		WindowStart: key.windowStart,
		WindowEnd:   windowEnd,
		Value:       baseValue,
		Variance:    variance,
		CI80Low:     ci80Low,
		CI80High:    ci80High,
		CI95Low:     ci95Low,
		CI95High:    ci95High,
	}, true
}

func splitLedgerKey(key string) (siteID, day, plan string) {
	parts := make([]string, 0, 3)
	cur := ""
	for _, c := range key {
		if c == '|' {
			parts = append(parts, cur)
			cur = ""
			continue
		}
		cur += string(c)
	}
	parts = append(parts, cur)
	if len(parts) != 3 {
		return "", "", ""
	}
	return parts[0], parts[1], parts[2]
}
