package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// CompanyRepo stores learned per-domain email patterns so later jobs can
// reuse them instead of re-probing the vendor.
type CompanyRepo struct{ Pool PgxPool }

// NewCompanyRepo constructs a CompanyRepo with the given pool.
func NewCompanyRepo(p PgxPool) *CompanyRepo { return &CompanyRepo{Pool: p} }

// PatternsByDomains returns domain -> pattern for the domains that have one.
// Domains are matched case-insensitively.
func (r *CompanyRepo) PatternsByDomains(ctx domain.Context, domains []string) (map[string]string, error) {
	tracer := otel.Tracer("repo.companies")
	ctx, span := tracer.Start(ctx, "companies.PatternsByDomains")
	defer span.End()
	out := make(map[string]string, len(domains))
	if len(domains) == 0 {
		return out, nil
	}
	lowered := make([]string, 0, len(domains))
	for _, d := range domains {
		lowered = append(lowered, strings.ToLower(d))
	}
	q := `SELECT domain, detected_email_pattern FROM companies
		WHERE lower(domain) = ANY($1) AND detected_email_pattern IS NOT NULL`
	rows, err := r.Pool.Query(ctx, q, lowered)
	if err != nil {
		return nil, fmt.Errorf("op=company.patterns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dom, pattern string
		if err := rows.Scan(&dom, &pattern); err != nil {
			return nil, fmt.Errorf("op=company.patterns_scan: %w", err)
		}
		out[strings.ToLower(dom)] = pattern
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=company.patterns: %w", err)
	}
	return out, nil
}

// UpsertPattern stores the detected pattern for a domain. An existing row is
// only overwritten when the new confidence is at least as high.
func (r *CompanyRepo) UpsertPattern(ctx domain.Context, dom, pattern string, confidence float64) error {
	tracer := otel.Tracer("repo.companies")
	ctx, span := tracer.Start(ctx, "companies.UpsertPattern")
	defer span.End()
	q := `INSERT INTO companies (id, domain, detected_email_pattern, email_pattern_confidence, updated_at)
		VALUES ($1, lower($2), $3, $4, $5)
		ON CONFLICT (domain) DO UPDATE
		SET detected_email_pattern=EXCLUDED.detected_email_pattern,
			email_pattern_confidence=EXCLUDED.email_pattern_confidence,
			updated_at=EXCLUDED.updated_at
		WHERE companies.email_pattern_confidence <= EXCLUDED.email_pattern_confidence`
	_, err := r.Pool.Exec(ctx, q, uuid.New().String(), dom, pattern, confidence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=company.upsert_pattern: %w", err)
	}
	return nil
}
