package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/privanalytics/internal/apierr"
	"github.com/rawblock/privanalytics/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the pgx-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}
	log.Println("[Store] connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema applies the embedded logical schema. Idempotent (IF NOT EXISTS
// throughout), safe to call on every startup.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("[Store] schema initialized")
	return nil
}

// Pool exposes the underlying connection pool for callers that need direct
// access to it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) CreateToken(ctx context.Context, t UploadToken) error {
	const sql = `
		INSERT INTO upload_tokens
			(site_id, jti, plan, allowed_origin, iat, exp, sampling_rate, epsilon_budget, token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, sql,
		t.SiteID, t.JTI, string(t.Plan), t.AllowedOrigin, t.IssuedAt, t.ExpiresAt,
		t.SamplingRate, t.EpsilonBudget, t.TokenHash)
	if err != nil {
		return fmt.Errorf("failed to insert upload_tokens: %v", err)
	}
	return nil
}

func (s *PostgresStore) TokenByJTI(ctx context.Context, jti string) (*UploadToken, error) {
	const sql = `
		SELECT id, site_id, jti, plan, allowed_origin, iat, exp, sampling_rate, epsilon_budget, token_hash, revoked_at
		FROM upload_tokens WHERE jti = $1`
	row := s.pool.QueryRow(ctx, sql, jti)
	return scanToken(row)
}

func (s *PostgresStore) TokensForSite(ctx context.Context, siteID string) ([]UploadToken, error) {
	const sql = `
		SELECT id, site_id, jti, plan, allowed_origin, iat, exp, sampling_rate, epsilon_budget, token_hash, revoked_at
		FROM upload_tokens WHERE site_id = $1 AND revoked_at IS NULL`
	rows, err := s.pool.Query(ctx, sql, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []UploadToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *tok)
	}
	return tokens, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (*UploadToken, error) {
	var t UploadToken
	var plan string
	if err := row.Scan(&t.ID, &t.SiteID, &t.JTI, &plan, &t.AllowedOrigin, &t.IssuedAt, &t.ExpiresAt,
		&t.SamplingRate, &t.EpsilonBudget, &t.TokenHash, &t.RevokedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.Plan = models.Plan(plan)
	return &t, nil
}

func (s *PostgresStore) RevokeByJTI(ctx context.Context, jti string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE upload_tokens SET revoked_at = now() WHERE jti = $1 AND revoked_at IS NULL`, jti)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RevokeByHash(ctx context.Context, tokenHash string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE upload_tokens SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RevokeBySite(ctx context.Context, siteID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE upload_tokens SET revoked_at = now() WHERE site_id = $1 AND revoked_at IS NULL`, siteID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertNonce guards against replay: a unique-constraint violation on jti is
// surfaced as apierr.ErrReplay, the single source of truth per spec.md §4.2.
func (s *PostgresStore) InsertNonce(ctx context.Context, siteID, jti string) error {
	const sql = `INSERT INTO token_nonce (site_id, jti) VALUES ($1, $2)`
	_, err := s.pool.Exec(ctx, sql, siteID, jti)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.ErrReplay
		}
		return fmt.Errorf("failed to insert token_nonce: %v", err)
	}
	return nil
}

// uniqueViolationCode is the Postgres SQLSTATE for a unique-constraint
// violation, raised when two concurrent /shuffle calls race to insert the
// same nonce.
const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func (s *PostgresStore) PurgeNoncesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM token_nonce WHERE seen_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, siteID string) (models.Plan, error) {
	var plan string
	err := s.pool.QueryRow(ctx, `SELECT plan FROM site_plan WHERE site_id = $1`, siteID).Scan(&plan)
	if err == pgx.ErrNoRows {
		return models.PlanFree, nil
	}
	if err != nil {
		return "", err
	}
	return models.Plan(plan), nil
}

// InsertBatch commits every raw/LDP report for a batch in a single
// transaction, following the same begin/defer-rollback/commit shape as the
// teacher's SaveAnalysisResult.
func (s *PostgresStore) InsertBatch(ctx context.Context, siteID string, raw []RawReport, ldp []LdpReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const rawSQL = `
		INSERT INTO raw_reports (site_id, kind, day, payload, epsilon_used, sampling_rate, server_received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, r := range raw {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal raw report payload: %v", err)
		}
		if _, err := tx.Exec(ctx, rawSQL, siteID, r.Kind, r.Day, payload, r.EpsilonUsed, r.SamplingRate, r.ServerReceivedAt); err != nil {
			return fmt.Errorf("failed to insert raw_reports: %v", err)
		}
	}

	const ldpSQL = `
		INSERT INTO ldp_reports (site_id, kind, day, payload, epsilon_used, sampling_rate, server_received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, r := range ldp {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal ldp report payload: %v", err)
		}
		if _, err := tx.Exec(ctx, ldpSQL, siteID, r.Kind, r.Day, payload, r.EpsilonUsed, r.SamplingRate, r.ServerReceivedAt); err != nil {
			return fmt.Errorf("failed to insert ldp_reports: %v", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RawReportsInRange(ctx context.Context, start, end time.Time) ([]RawReport, error) {
	const sql = `
		SELECT id, site_id, kind, day, payload, epsilon_used, sampling_rate, server_received_at
		FROM raw_reports WHERE day >= $1 AND day <= $2`
	rows, err := s.pool.Query(ctx, sql, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawReport
	for rows.Next() {
		var r RawReport
		var payload []byte
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Kind, &r.Day, &payload, &r.EpsilonUsed, &r.SamplingRate, &r.ServerReceivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw report payload: %v", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LdpReportsInRange(ctx context.Context, start, end time.Time) ([]LdpReport, error) {
	const sql = `
		SELECT id, site_id, kind, day, payload, epsilon_used, sampling_rate, server_received_at
		FROM ldp_reports WHERE day >= $1 AND day <= $2`
	rows, err := s.pool.Query(ctx, sql, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LdpReport
	for rows.Next() {
		var r LdpReport
		var payload []byte
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Kind, &r.Day, &payload, &r.EpsilonUsed, &r.SamplingRate, &r.ServerReceivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ldp report payload: %v", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) WindowsForSite(ctx context.Context, siteID, metric string, since *time.Time) ([]DpWindow, error) {
	sql := `
		SELECT site_id, plan, metric, window_start, window_end, value, variance, ci80_low, ci80_high, ci95_low, ci95_high
		FROM dp_windows WHERE site_id = $1 AND metric = $2`
	args := []interface{}{siteID, metric}
	if since != nil {
		sql += ` AND window_start >= $3`
		args = append(args, *since)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DpWindow
	for rows.Next() {
		var w DpWindow
		var plan string
		if err := rows.Scan(&w.SiteID, &plan, &w.Metric, &w.WindowStart, &w.WindowEnd, &w.Value, &w.Variance,
			&w.CI80Low, &w.CI80High, &w.CI95Low, &w.CI95High); err != nil {
			return nil, err
		}
		w.Plan = models.Plan(plan)
		out = append(out, w)
	}
	return out, rows.Err()
}

// pgReduceTx is the ReduceTx implementation backing a single reducer-run
// transaction: every UpsertWindow / UpsertEpsilonLog call in a run shares it.
type pgReduceTx struct {
	tx pgx.Tx
}

func (s *PostgresStore) BeginReduce(ctx context.Context) (ReduceTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgReduceTx{tx: tx}, nil
}

// UpsertWindow finds-or-creates a DpWindow row on (site_id, plan, metric,
// window_start) and overwrites it, matching spec.md §4.6's upsert rule. The
// ON CONFLICT clause is the same approach as the teacher's SaveAnonSetWindow.
func (r *pgReduceTx) UpsertWindow(ctx context.Context, w DpWindow) error {
	const sql = `
		INSERT INTO dp_windows
			(site_id, plan, metric, window_start, window_end, value, variance, ci80_low, ci80_high, ci95_low, ci95_high, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (site_id, plan, metric, window_start) DO UPDATE SET
			window_end = EXCLUDED.window_end,
			value = EXCLUDED.value,
			variance = EXCLUDED.variance,
			ci80_low = EXCLUDED.ci80_low,
			ci80_high = EXCLUDED.ci80_high,
			ci95_low = EXCLUDED.ci95_low,
			ci95_high = EXCLUDED.ci95_high,
			published_at = now()`
	_, err := r.tx.Exec(ctx, sql,
		w.SiteID, string(w.Plan), w.Metric, w.WindowStart, w.WindowEnd,
		w.Value, w.Variance, w.CI80Low, w.CI80High, w.CI95Low, w.CI95High)
	if err != nil {
		return fmt.Errorf("failed to upsert dp_windows: %v", err)
	}
	return nil
}

// UpsertEpsilonLog replaces (not increments) the ledger total for
// (site_id, day, plan), keeping a rerun over the same range idempotent.
func (r *pgReduceTx) UpsertEpsilonLog(ctx context.Context, e SiteEpsilonLog) error {
	const sql = `
		INSERT INTO site_epsilon_log (site_id, day, plan, epsilon_total)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site_id, day, plan) DO UPDATE SET epsilon_total = EXCLUDED.epsilon_total`
	_, err := r.tx.Exec(ctx, sql, e.SiteID, e.Day, string(e.Plan), e.EpsilonTotal)
	if err != nil {
		return fmt.Errorf("failed to upsert site_epsilon_log: %v", err)
	}
	return nil
}

func (r *pgReduceTx) Commit(ctx context.Context) error   { return r.tx.Commit(ctx) }
func (r *pgReduceTx) Rollback(ctx context.Context) error { return r.tx.Rollback(ctx) }
