// Package store defines the transactional persistence boundary the rest of
// the pipeline talks to. The Reducer, Collector, Shuffler, and Token service
// never touch SQL directly — only this interface, matching spec.md §1's
// collaborator boundary ("the reducer talks to a Clock, a Store, a
// NoiseSource, and a Metrics sink").
package store

import (
	"context"
	"time"

	"github.com/rawblock/privanalytics/internal/models"
)

// UploadToken is the persisted upload-token row.
type UploadToken struct {
	ID             int64
	SiteID         string
	JTI            string
	Plan           models.Plan
	AllowedOrigin  string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	SamplingRate   float64
	EpsilonBudget  float64
	TokenHash      string
	RevokedAt      *time.Time
}

// Valid reports whether the token row is usable at time now, ignoring
// signature/hash verification (which the caller has already performed).
func (t UploadToken) Valid(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// RawReport is a persisted free/standard-plan report row.
type RawReport struct {
	ID               int64
	SiteID           string
	Kind             string
	Day              time.Time
	Payload          map[string]interface{}
	EpsilonUsed      float64
	SamplingRate     float64
	ServerReceivedAt time.Time
}

// LdpReport is a persisted pro-plan (local-DP) report row.
type LdpReport struct {
	ID               int64
	SiteID           string
	Kind             string
	Day              time.Time
	Payload          map[string]interface{}
	EpsilonUsed      float64
	SamplingRate     float64
	ServerReceivedAt time.Time
}

// DpWindow is a persisted aggregate row.
type DpWindow struct {
	SiteID      string
	Plan        models.Plan
	Metric      string
	WindowStart time.Time
	WindowEnd   time.Time
	Value       float64
	Variance    float64
	CI80Low     float64
	CI80High    float64
	CI95Low     float64
	CI95High    float64
}

// SiteEpsilonLog is a persisted per-(site,day,plan) epsilon ledger row.
type SiteEpsilonLog struct {
	SiteID       string
	Day          time.Time
	Plan         models.Plan
	EpsilonTotal float64
}

// ReduceTx is the single transaction a reducer run commits its aggregates
// and ledger updates through, per spec.md §4.6 ("a single transaction per
// reducer run for aggregates and ledger").
type ReduceTx interface {
	UpsertWindow(ctx context.Context, w DpWindow) error
	UpsertEpsilonLog(ctx context.Context, e SiteEpsilonLog) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the full persistence surface spec.md §3/§6 requires.
type Store interface {
	// Tokens
	CreateToken(ctx context.Context, t UploadToken) error
	TokenByJTI(ctx context.Context, jti string) (*UploadToken, error)
	TokensForSite(ctx context.Context, siteID string) ([]UploadToken, error)
	RevokeByJTI(ctx context.Context, jti string) (int64, error)
	RevokeByHash(ctx context.Context, tokenHash string) (int64, error)
	RevokeBySite(ctx context.Context, siteID string) (int64, error)

	// Nonces — InsertNonce returns an *apierr.Error with KindReplay on a
	// unique-constraint violation.
	InsertNonce(ctx context.Context, siteID, jti string) error
	PurgeNoncesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Plans
	GetPlan(ctx context.Context, siteID string) (models.Plan, error)

	// Reports — InsertBatch commits all rows in a single transaction.
	InsertBatch(ctx context.Context, siteID string, raw []RawReport, ldp []LdpReport) error
	RawReportsInRange(ctx context.Context, start, end time.Time) ([]RawReport, error)
	LdpReportsInRange(ctx context.Context, start, end time.Time) ([]LdpReport, error)

	// Aggregates
	WindowsForSite(ctx context.Context, siteID, metric string, since *time.Time) ([]DpWindow, error)
	BeginReduce(ctx context.Context) (ReduceTx, error)

	Close()
}
