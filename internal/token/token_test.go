package token

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/privanalytics/internal/apierr"
	"github.com/rawblock/privanalytics/internal/models"
	"github.com/rawblock/privanalytics/internal/store"
)

// memStore is a minimal in-memory Store stub for token tests.
type memStore struct {
	byJTI map[string]*store.UploadToken
}

func newMemStore() *memStore {
	return &memStore{byJTI: make(map[string]*store.UploadToken)}
}

func (m *memStore) CreateToken(ctx context.Context, t store.UploadToken) error {
	cp := t
	m.byJTI[t.JTI] = &cp
	return nil
}

func (m *memStore) TokenByJTI(ctx context.Context, jti string) (*store.UploadToken, error) {
	t, ok := m.byJTI[jti]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) TokensForSite(ctx context.Context, siteID string) ([]store.UploadToken, error) {
	var out []store.UploadToken
	for _, t := range m.byJTI {
		if t.SiteID == siteID && t.RevokedAt == nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) RevokeByJTI(ctx context.Context, jti string) (int64, error) {
	t, ok := m.byJTI[jti]
	if !ok || t.RevokedAt != nil {
		return 0, nil
	}
	now := time.Now().UTC()
	t.RevokedAt = &now
	return 1, nil
}

func (m *memStore) RevokeByHash(ctx context.Context, tokenHash string) (int64, error) {
	var n int64
	for _, t := range m.byJTI {
		if t.TokenHash == tokenHash && t.RevokedAt == nil {
			now := time.Now().UTC()
			t.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memStore) RevokeBySite(ctx context.Context, siteID string) (int64, error) {
	var n int64
	for _, t := range m.byJTI {
		if t.SiteID == siteID && t.RevokedAt == nil {
			now := time.Now().UTC()
			t.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertNonce(ctx context.Context, siteID, jti string) error { return nil }
func (m *memStore) PurgeNoncesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (m *memStore) GetPlan(ctx context.Context, siteID string) (models.Plan, error) {
	return models.PlanFree, nil
}
func (m *memStore) InsertBatch(ctx context.Context, siteID string, raw []store.RawReport, ldp []store.LdpReport) error {
	return nil
}
func (m *memStore) RawReportsInRange(ctx context.Context, start, end time.Time) ([]store.RawReport, error) {
	return nil, nil
}
func (m *memStore) LdpReportsInRange(ctx context.Context, start, end time.Time) ([]store.LdpReport, error) {
	return nil, nil
}
func (m *memStore) WindowsForSite(ctx context.Context, siteID, metric string, since *time.Time) ([]store.DpWindow, error) {
	return nil, nil
}
func (m *memStore) BeginReduce(ctx context.Context) (store.ReduceTx, error) { return nil, nil }
func (m *memStore) Close()                                                 {}

func newTestService() (*Service, *memStore) {
	st := newMemStore()
	svc := NewService([]byte("test-secret"), st, 15*time.Minute)
	return svc, st
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	res, err := svc.Issue(ctx, IssueRequest{
		SiteID:        "site-a",
		AllowedOrigin: "*.example.com",
		EpsilonBudget: 1.0,
		SamplingRate: 1.0,
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if res.Token == "" {
		t.Fatal("expected a non-empty token string")
	}

	verified, err := svc.Verify(ctx, res.Token, "https://app.example.com")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if verified.SiteID != "site-a" {
		t.Errorf("SiteID = %q, want site-a", verified.SiteID)
	}
	if verified.JTI != res.JTI {
		t.Errorf("JTI = %q, want %q", verified.JTI, res.JTI)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	res, err := svc.Issue(ctx, IssueRequest{SiteID: "site-a", AllowedOrigin: "*", EpsilonBudget: 1.0, SamplingRate: 1.0})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	tampered := res.Token + "x"
	if _, err := svc.Verify(ctx, tampered, ""); !apierr.Is(err, apierr.KindInvalidToken) {
		t.Errorf("expected KindInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	res, err := svc.Issue(ctx, IssueRequest{SiteID: "site-a", AllowedOrigin: "*", EpsilonBudget: 1.0, SamplingRate: 1.0, TTLSeconds: 1})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := svc.Verify(ctx, res.Token, ""); !apierr.Is(err, apierr.KindExpired) {
		t.Errorf("expected KindExpired, got %v", err)
	}
}

func TestVerifyRejectsOriginMismatch(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	res, err := svc.Issue(ctx, IssueRequest{SiteID: "site-a", AllowedOrigin: "*.example.com", EpsilonBudget: 1.0, SamplingRate: 1.0})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := svc.Verify(ctx, res.Token, "https://evil.com"); !apierr.Is(err, apierr.KindOriginMismatch) {
		t.Errorf("expected KindOriginMismatch, got %v", err)
	}
}

func TestVerifyRejectsRevokedToken(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	res, err := svc.Issue(ctx, IssueRequest{SiteID: "site-a", AllowedOrigin: "*", EpsilonBudget: 1.0, SamplingRate: 1.0})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := svc.RevokeByJTI(ctx, res.JTI); err != nil {
		t.Fatalf("RevokeByJTI failed: %v", err)
	}

	if _, err := svc.Verify(ctx, res.Token, ""); err == nil {
		t.Error("expected an error verifying a revoked token, got nil")
	}
}

func TestIssueRejectsTTLOverride(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Issue(ctx, IssueRequest{
		SiteID: "site-a", AllowedOrigin: "*", EpsilonBudget: 1.0, SamplingRate: 1.0,
		TTLSeconds: int((31 * time.Minute).Seconds()),
	})
	if !apierr.Is(err, apierr.KindInvalidInput) {
		t.Errorf("expected KindInvalidInput for an oversized ttl override, got %v", err)
	}
}

func TestOriginMatchesWildcard(t *testing.T) {
	cases := []struct {
		origin, pattern string
		want            bool
	}{
		{"https://app.example.com", "*.example.com", true},
		{"https://example.com", "*.example.com", false},
		{"https://evil.com", "*.example.com", false},
		{"https://app.example.com", "app.example.com", true},
	}
	for _, c := range cases {
		got, err := originMatches(c.origin, c.pattern)
		if err != nil {
			t.Fatalf("originMatches error: %v", err)
		}
		if got != c.want {
			t.Errorf("originMatches(%q, %q) = %v, want %v", c.origin, c.pattern, got, c.want)
		}
	}
}
