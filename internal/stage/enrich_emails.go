package stage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
	"github.com/fairyhunter13/leadgen-engine/internal/service/permutate"
)

// EnrichEmails finds addresses for people whose company domain is already
// known, skipping profile enrichment and domain discovery entirely.
type EnrichEmails struct {
	Verifiers VerifierFactory
	Companies domain.CompanyRepository
}

type enrichedItem struct {
	LinkedInURL   string `json:"linkedin_url,omitempty"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	CompanyDomain string `json:"company_domain"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

type enrichEmailsResult struct {
	Items []enrichedItem `json:"items"`
}

type enrichEmailsHook struct {
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Items     []enrichedItem `json:"items"`
}

// Run implements Stage.
func (s *EnrichEmails) Run(ctx domain.Context, job domain.Job, rt *Runtime) (json.RawMessage, any, error) {
	var cfg domain.EnrichEmailsConfig
	if err := json.Unmarshal(job.Config, &cfg); err != nil {
		return nil, nil, fmt.Errorf("op=enrich_emails.config: %w", err)
	}
	if len(cfg.Items) == 0 {
		return nil, nil, fmt.Errorf("op=enrich_emails.config: no items: %w", domain.ErrInvalidArgument)
	}

	v := s.Verifiers()
	defer v.Close()

	domains := make([]string, 0, len(cfg.Items))
	for _, it := range cfg.Items {
		if d := strings.ToLower(strings.TrimSpace(it.CompanyDomain)); d != "" {
			domains = append(domains, d)
		}
	}
	var known map[string]string
	if s.Companies != nil && len(domains) > 0 {
		known, _ = s.Companies.PatternsByDomains(ctx, domains)
	}
	perm := permutate.New(known)
	finder := &EmailFinder{Verifier: v, Permutator: perm}
	learned := make(map[string]string)

	items := make([]enrichedItem, 0, len(cfg.Items))
	for _, it := range cfg.Items {
		d := strings.ToLower(strings.TrimSpace(it.CompanyDomain))
		out := enrichedItem{
			LinkedInURL:   it.LinkedInURL,
			FirstName:     it.FirstName,
			LastName:      it.LastName,
			CompanyDomain: d,
		}
		if d == "" {
			items = append(items, out)
			if err := rt.RecordFailure(ctx, "enrich_email", it, "missing company domain"); err != nil {
				return nil, nil, err
			}
			continue
		}
		email, verified, pattern, err := finder.Find(ctx, it.FirstName, it.LastName, d)
		if err != nil {
			return nil, nil, err
		}
		out.Email = email
		out.EmailVerified = verified
		items = append(items, out)
		if pattern != "" {
			perm.KnownPatterns[d] = pattern
			learned[d] = pattern
		}
		var itemErr error
		if email != "" {
			itemErr = rt.RecordSuccess(ctx)
		} else {
			itemErr = rt.RecordFailure(ctx, "enrich_email", it, "no deliverable address found")
		}
		if itemErr != nil {
			return nil, nil, itemErr
		}
	}

	if s.Companies != nil {
		for d, pat := range learned {
			_ = s.Companies.UpsertPattern(ctx, d, pat, learnedPatternConfidence)
		}
	}

	result, err := json.Marshal(enrichEmailsResult{Items: items})
	if err != nil {
		return nil, nil, fmt.Errorf("op=enrich_emails.result: %w", err)
	}
	hook := enrichEmailsHook{
		JobID:     job.ID,
		Status:    string(domain.JobCompleted),
		Processed: rt.Processed(),
		Failed:    rt.Failed(),
		Items:     items,
	}
	return result, hook, nil
}
