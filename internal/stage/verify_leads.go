package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
	"github.com/fairyhunter13/leadgen-engine/internal/service/permutate"
)

// learnedPatternConfidence is stored with patterns confirmed by a live
// verification during a run.
const learnedPatternConfidence = 0.8

// VerifyLeads is the domain-learning batch verifier. It groups leads by
// company domain and keeps three per-run sets: domains with a known working
// pattern, catch-all domains, and domains without MX records. Known patterns
// are hydrated from the company store at start and written back on exit.
//
// Policy note: this stage records catch-all answers as NOT verified, while
// the scrape stage accepts them. The divergence is deliberate.
type VerifyLeads struct {
	Verifiers     VerifierFactory
	Companies     domain.CompanyRepository
	MaxCandidates int
}

// verifiedLead is one output row of the stage.
type verifiedLead struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Website   string `json:"website"`
	Email     string `json:"email"`
}

type verifyLeadsResult struct {
	VerifiedLeads []verifiedLead `json:"verified_leads"`
}

type verifyLeadsHook struct {
	JobID         string         `json:"job_id"`
	Status        string         `json:"status"`
	TotalInput    int            `json:"total_input"`
	TotalVerified int            `json:"total_verified"`
	VerifiedLeads []verifiedLead `json:"verified_leads"`
}

// Run implements Stage.
func (s *VerifyLeads) Run(ctx domain.Context, job domain.Job, rt *Runtime) (json.RawMessage, any, error) {
	var cfg domain.VerifyLeadsConfig
	if err := json.Unmarshal(job.Config, &cfg); err != nil {
		return nil, nil, fmt.Errorf("op=verify_leads.config: %w", err)
	}
	if len(cfg.Leads) == 0 {
		return nil, nil, fmt.Errorf("op=verify_leads.config: no leads: %w", domain.ErrInvalidArgument)
	}
	maxCandidates := s.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = permutate.DefaultMaxPermutations
	}

	v := s.Verifiers()
	defer v.Close()

	// Group by domain, preserving first-appearance order of domains and
	// input order within each bucket. Leads whose website yields no domain
	// cannot be probed and fail up front.
	buckets := make(map[string][]int)
	var order []string
	var noDomain []int
	domains := make([]string, 0)
	for i, lead := range cfg.Leads {
		d := NormalizeWebsite(lead.Website)
		if d == "" {
			noDomain = append(noDomain, i)
			continue
		}
		if _, seen := buckets[d]; !seen {
			order = append(order, d)
			domains = append(domains, d)
		}
		buckets[d] = append(buckets[d], i)
	}

	known := s.hydratePatterns(ctx, domains)
	perm := permutate.New(known)
	learned := make(map[string]string)
	catchAll := make(map[string]struct{})
	dead := make(map[string]struct{})
	var verified []verifiedLead

	fail := func(ctx domain.Context, lead domain.Lead, reason string) error {
		return rt.RecordFailure(ctx, "verify_lead", lead, reason)
	}

	for _, idx := range noDomain {
		if err := fail(ctx, cfg.Leads[idx], "invalid company website"); err != nil {
			return nil, nil, err
		}
	}

	for _, d := range order {
		for _, idx := range buckets[d] {
			lead := cfg.Leads[idx]
			if _, isDead := dead[d]; isDead {
				if err := fail(ctx, lead, "no MX records found for domain"); err != nil {
					return nil, nil, err
				}
				continue
			}
			candidates := perm.Generate(lead.FirstName, lead.LastName, d, maxCandidates)
			if len(candidates) == 0 {
				if err := fail(ctx, lead, "could not generate candidate addresses"); err != nil {
					return nil, nil, err
				}
				continue
			}
			if _, isCatchAll := catchAll[d]; isCatchAll {
				// Every probe would come back catch-all; one is enough.
				candidates = candidates[:1]
			}

			found := false
			var itemErr error
			for _, cand := range candidates {
				res, vErr := v.Verify(ctx, cand)
				if vErr != nil {
					if errors.Is(vErr, context.Canceled) || errors.Is(vErr, context.DeadlineExceeded) {
						return nil, nil, vErr
					}
					continue
				}
				if res.Status == domain.VerificationValid {
					verified = append(verified, verifiedLead{
						FirstName: lead.FirstName,
						LastName:  lead.LastName,
						Website:   lead.Website,
						Email:     cand,
					})
					if pat := perm.DetectPattern(cand, lead.FirstName, lead.LastName); pat != "" {
						perm.KnownPatterns[d] = pat
						learned[d] = pat
					}
					found = true
					itemErr = rt.RecordSuccess(ctx)
					break
				}
				if res.Status == domain.VerificationCatchAll {
					catchAll[d] = struct{}{}
					found = true
					itemErr = fail(ctx, lead, "catch-all domain - email may or may not exist")
					break
				}
				if res.Status == domain.VerificationInvalid && strings.Contains(strings.ToLower(res.Reason), "no mx") {
					dead[d] = struct{}{}
					found = true
					itemErr = fail(ctx, lead, res.Reason)
					break
				}
			}
			if !found {
				itemErr = fail(ctx, lead, "no deliverable address found")
			}
			if itemErr != nil {
				return nil, nil, itemErr
			}
		}
	}

	s.persistPatterns(ctx, learned)

	if verified == nil {
		verified = []verifiedLead{}
	}
	result, err := json.Marshal(verifyLeadsResult{VerifiedLeads: verified})
	if err != nil {
		return nil, nil, fmt.Errorf("op=verify_leads.result: %w", err)
	}
	hook := verifyLeadsHook{
		JobID:         job.ID,
		Status:        string(domain.JobCompleted),
		TotalInput:    len(cfg.Leads),
		TotalVerified: len(verified),
		VerifiedLeads: verified,
	}
	return result, hook, nil
}

// hydratePatterns loads previously learned patterns. A store error only
// costs extra probes, so it is logged and swallowed.
func (s *VerifyLeads) hydratePatterns(ctx domain.Context, domains []string) map[string]string {
	if s.Companies == nil || len(domains) == 0 {
		return nil
	}
	known, err := s.Companies.PatternsByDomains(ctx, domains)
	if err != nil {
		slog.Warn("failed to hydrate company patterns", slog.Any("error", err))
		return nil
	}
	if len(known) > 0 {
		slog.Info("hydrated company patterns", slog.Int("count", len(known)))
	}
	return known
}

func (s *VerifyLeads) persistPatterns(ctx domain.Context, learned map[string]string) {
	if s.Companies == nil {
		return
	}
	for d, pat := range learned {
		if err := s.Companies.UpsertPattern(ctx, d, pat, learnedPatternConfidence); err != nil {
			slog.Warn("failed to persist learned pattern",
				slog.String("domain", d),
				slog.String("pattern", pat),
				slog.Any("error", err))
		}
	}
}

// NormalizeWebsite reduces a website value to a bare lowercase domain:
// scheme, www. prefix, path, and port are stripped.
func NormalizeWebsite(website string) string {
	d := strings.TrimSpace(strings.ToLower(website))
	for _, prefix := range []string{"https://", "http://"} {
		d = strings.TrimPrefix(d, prefix)
	}
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.IndexByte(d, ':'); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}
