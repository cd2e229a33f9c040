package collector

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/privanalytics/internal/models"
	"github.com/rawblock/privanalytics/internal/store"
)

type fakeSink struct {
	received   map[string]int
	droppedLate map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{received: map[string]int{}, droppedLate: map[string]int{}}
}

func (f *fakeSink) EventReceived(siteID string)       { f.received[siteID]++ }
func (f *fakeSink) EventDroppedLate(siteID string)    { f.droppedLate[siteID]++ }
func (f *fakeSink) BucketSkipped(reason string)       {}
func (f *fakeSink) ReplayRejected()                   {}
func (f *fakeSink) RateLimited()                      {}
func (f *fakeSink) ShuffleHold(d time.Duration)        {}
func (f *fakeSink) ReducerRun(d time.Duration)         {}

type fakeStore struct {
	plan       models.Plan
	insertedRaw []store.RawReport
	insertedLdp []store.LdpReport
}

func (f *fakeStore) CreateToken(ctx context.Context, t store.UploadToken) error { return nil }
func (f *fakeStore) TokenByJTI(ctx context.Context, jti string) (*store.UploadToken, error) {
	return nil, nil
}
func (f *fakeStore) TokensForSite(ctx context.Context, siteID string) ([]store.UploadToken, error) {
	return nil, nil
}
func (f *fakeStore) RevokeByJTI(ctx context.Context, jti string) (int64, error)      { return 0, nil }
func (f *fakeStore) RevokeByHash(ctx context.Context, tokenHash string) (int64, error) { return 0, nil }
func (f *fakeStore) RevokeBySite(ctx context.Context, siteID string) (int64, error)   { return 0, nil }
func (f *fakeStore) InsertNonce(ctx context.Context, siteID, jti string) error        { return nil }
func (f *fakeStore) PurgeNoncesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeStore) GetPlan(ctx context.Context, siteID string) (models.Plan, error) {
	return f.plan, nil
}
func (f *fakeStore) InsertBatch(ctx context.Context, siteID string, raw []store.RawReport, ldp []store.LdpReport) error {
	f.insertedRaw = append(f.insertedRaw, raw...)
	f.insertedLdp = append(f.insertedLdp, ldp...)
	return nil
}
func (f *fakeStore) RawReportsInRange(ctx context.Context, start, end time.Time) ([]store.RawReport, error) {
	return nil, nil
}
func (f *fakeStore) LdpReportsInRange(ctx context.Context, start, end time.Time) ([]store.LdpReport, error) {
	return nil, nil
}
func (f *fakeStore) WindowsForSite(ctx context.Context, siteID, metric string, since *time.Time) ([]store.DpWindow, error) {
	return nil, nil
}
func (f *fakeStore) BeginReduce(ctx context.Context) (store.ReduceTx, error) { return nil, nil }
func (f *fakeStore) Close()                                                 {}

func TestIngestDropsCrossSiteSmuggling(t *testing.T) {
	st := &fakeStore{plan: models.PlanFree}
	sink := newFakeSink()
	c := New(st, nil, sink, 300)

	now := time.Now().UTC()
	req := Request{
		SiteID:           "site-a",
		ServerReceivedAt: now,
		Reports: []models.PrivatizedEvent{
			{SiteID: "site-b", Kind: models.KindPageview, ClientTimestamp: now, Payload: map[string]interface{}{}},
		},
	}

	if err := c.Ingest(context.Background(), req); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(st.insertedRaw) != 0 {
		t.Errorf("expected no rows inserted for a cross-site event, got %d", len(st.insertedRaw))
	}
	if sink.received["site-a"] != 0 {
		t.Error("expected no events_received_total increment for a dropped cross-site event")
	}
}

func TestIngestDropsStaleEvents(t *testing.T) {
	st := &fakeStore{plan: models.PlanFree}
	sink := newFakeSink()
	c := New(st, nil, sink, 300)

	now := time.Now().UTC()
	req := Request{
		SiteID:           "site-a",
		ServerReceivedAt: now,
		Reports: []models.PrivatizedEvent{
			{SiteID: "site-a", Kind: models.KindPageview, ClientTimestamp: now.Add(-10 * time.Minute), Payload: map[string]interface{}{}},
		},
	}

	if err := c.Ingest(context.Background(), req); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(st.insertedRaw) != 0 {
		t.Errorf("expected stale event to be dropped, got %d rows", len(st.insertedRaw))
	}
	if sink.droppedLate["site-a"] != 1 {
		t.Errorf("expected events_dropped_late_total to be incremented once, got %d", sink.droppedLate["site-a"])
	}
}

func TestIngestRoutesFreePlanToRawReports(t *testing.T) {
	st := &fakeStore{plan: models.PlanFree}
	sink := newFakeSink()
	c := New(st, nil, sink, 300)

	now := time.Now().UTC()
	req := Request{
		SiteID:           "site-a",
		ServerReceivedAt: now,
		Reports: []models.PrivatizedEvent{
			{SiteID: "site-a", Kind: models.KindPageview, ClientTimestamp: now, Payload: map[string]interface{}{}},
		},
	}

	if err := c.Ingest(context.Background(), req); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(st.insertedRaw) != 1 {
		t.Fatalf("expected 1 raw report, got %d", len(st.insertedRaw))
	}
	if len(st.insertedLdp) != 0 {
		t.Errorf("expected 0 ldp reports for a free-plan site, got %d", len(st.insertedLdp))
	}
	if sink.received["site-a"] != 1 {
		t.Errorf("expected events_received_total = 1, got %d", sink.received["site-a"])
	}
}

func TestIngestRoutesProPlanToLdpReports(t *testing.T) {
	st := &fakeStore{plan: models.PlanPro}
	sink := newFakeSink()
	c := New(st, nil, sink, 300)

	now := time.Now().UTC()
	req := Request{
		SiteID:           "site-a",
		ServerReceivedAt: now,
		Reports: []models.PrivatizedEvent{
			{SiteID: "site-a", Kind: models.KindPageview, ClientTimestamp: now, Payload: map[string]interface{}{"randomized_bit": 1}},
		},
	}

	if err := c.Ingest(context.Background(), req); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(st.insertedLdp) != 1 {
		t.Fatalf("expected 1 ldp report, got %d", len(st.insertedLdp))
	}
	if len(st.insertedRaw) != 0 {
		t.Errorf("expected 0 raw reports for a pro-plan site, got %d", len(st.insertedRaw))
	}
}

func TestIngestEmptyBatchDoesNotCallStore(t *testing.T) {
	st := &fakeStore{plan: models.PlanFree}
	sink := newFakeSink()
	c := New(st, nil, sink, 300)

	if err := c.Ingest(context.Background(), Request{SiteID: "site-a", ServerReceivedAt: time.Now()}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(st.insertedRaw) != 0 || len(st.insertedLdp) != 0 {
		t.Error("expected no rows inserted for an empty batch")
	}
}
