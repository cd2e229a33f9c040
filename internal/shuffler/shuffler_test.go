package shuffler

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/privanalytics/internal/apierr"
	"github.com/rawblock/privanalytics/internal/collector"
	"github.com/rawblock/privanalytics/internal/models"
	"github.com/rawblock/privanalytics/internal/ratelimit"
	"github.com/rawblock/privanalytics/internal/store"
	"github.com/rawblock/privanalytics/internal/token"
)

type fakeSink struct{}

func (fakeSink) EventReceived(string)          {}
func (fakeSink) EventDroppedLate(string)       {}
func (fakeSink) BucketSkipped(string)          {}
func (fakeSink) ReplayRejected()               {}
func (fakeSink) RateLimited()                  {}
func (fakeSink) ShuffleHold(time.Duration)     {}
func (fakeSink) ReducerRun(time.Duration)      {}

type fakeStore struct {
	tokensByJTI map[string]*store.UploadToken
	nonces      map[string]bool
	plan        models.Plan
	insertedRaw []store.RawReport
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokensByJTI: map[string]*store.UploadToken{}, nonces: map[string]bool{}, plan: models.PlanFree}
}

func (f *fakeStore) CreateToken(ctx context.Context, t store.UploadToken) error {
	cp := t
	f.tokensByJTI[t.JTI] = &cp
	return nil
}
func (f *fakeStore) TokenByJTI(ctx context.Context, jti string) (*store.UploadToken, error) {
	t, ok := f.tokensByJTI[jti]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}
func (f *fakeStore) TokensForSite(ctx context.Context, siteID string) ([]store.UploadToken, error) {
	var out []store.UploadToken
	for _, t := range f.tokensByJTI {
		if t.SiteID == siteID {
			out = append(out, *t)
		}
	}
	return out, nil
}
func (f *fakeStore) RevokeByJTI(ctx context.Context, jti string) (int64, error)      { return 0, nil }
func (f *fakeStore) RevokeByHash(ctx context.Context, tokenHash string) (int64, error) { return 0, nil }
func (f *fakeStore) RevokeBySite(ctx context.Context, siteID string) (int64, error)   { return 0, nil }
func (f *fakeStore) InsertNonce(ctx context.Context, siteID, jti string) error {
	key := siteID + ":" + jti
	if f.nonces[key] {
		return apierr.ErrReplay
	}
	f.nonces[key] = true
	return nil
}
func (f *fakeStore) PurgeNoncesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeStore) GetPlan(ctx context.Context, siteID string) (models.Plan, error) {
	return f.plan, nil
}
func (f *fakeStore) InsertBatch(ctx context.Context, siteID string, raw []store.RawReport, ldp []store.LdpReport) error {
	f.insertedRaw = append(f.insertedRaw, raw...)
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

func newTestShuffler(t *testing.T) (*Shuffler, *token.Service, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	tokens := token.NewService([]byte("secret"), st, 15*time.Minute)
	limiter := ratelimit.New(600)
	col := collector.New(st, nil, fakeSink{}, 300)
	s := New(tokens, limiter, st, nil, col, fakeSink{}, 15*time.Minute)
	t.Cleanup(func() {
		s.Stop()
		limiter.Stop()
	})
	return s, tokens, st
}

func TestHandleAcceptsValidBatchWithBypass(t *testing.T) {
	s, tokens, st := newTestShuffler(t)
	ctx := context.Background()

	issued, err := tokens.Issue(ctx, token.IssueRequest{
		SiteID: "site-a", AllowedOrigin: "*", EpsilonBudget: 1.0, SamplingRate: 1.0,
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	req := HandleRequest{
		Token:       issued.Token,
		Origin:      "",
		SourceIP:    "1.2.3.4",
		Nonce:       "nonce-1",
		BypassDelay: true,
		Batch: []models.PrivatizedEvent{
			{SiteID: "site-a", Kind: models.KindPageview, ClientTimestamp: time.Now().UTC(), Payload: map[string]interface{}{}},
		},
	}

	if err := s.Handle(ctx, req); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(st.insertedRaw) != 1 {
		t.Errorf("expected 1 raw report persisted, got %d", len(st.insertedRaw))
	}
}

func TestHandleRejectsReplayedNonce(t *testing.T) {
	s, tokens, _ := newTestShuffler(t)
	ctx := context.Background()

	issued, err := tokens.Issue(ctx, token.IssueRequest{
		SiteID: "site-a", AllowedOrigin: "*", EpsilonBudget: 1.0, SamplingRate: 1.0,
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	req := HandleRequest{Token: issued.Token, Nonce: "nonce-1", SourceIP: "1.2.3.4", BypassDelay: true}
	if err := s.Handle(ctx, req); err != nil {
		t.Fatalf("first Handle call failed: %v", err)
	}
	if err := s.Handle(ctx, req); !apierr.Is(err, apierr.KindReplay) {
		t.Errorf("expected a replay error on the second call, got %v", err)
	}
}

func TestHandleRejectsInvalidToken(t *testing.T) {
	s, _, _ := newTestShuffler(t)
	ctx := context.Background()

	req := HandleRequest{Token: "not-a-real-token", Nonce: "n", SourceIP: "1.2.3.4", BypassDelay: true}
	if err := s.Handle(ctx, req); !apierr.Is(err, apierr.KindInvalidToken) {
		t.Errorf("expected KindInvalidToken, got %v", err)
	}
}
