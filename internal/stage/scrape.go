package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
	"github.com/fairyhunter13/leadgen-engine/internal/service/permutate"
)

// ScrapeProfiles enriches LinkedIn URLs through the profile vendor in
// parallel chunks, then finds an email for each enriched member
// sequentially so the verifier's limiter is shared fairly.
//
// Policy note: email finding here accepts catch-all answers (see EmailFinder).
type ScrapeProfiles struct {
	Profiles  domain.ProfileClient
	Verifiers VerifierFactory
	ChunkSize int
	// ChunkPause spaces chunks out so the profile vendor is not hammered.
	ChunkPause time.Duration
}

type scrapeResult struct {
	Profiles []domain.EnrichedMember `json:"profiles"`
}

type scrapeHook struct {
	JobID     string                  `json:"job_id"`
	Status    string                  `json:"status"`
	Processed int                     `json:"processed"`
	Failed    int                     `json:"failed"`
	Results   []domain.EnrichedMember `json:"results"`
}

// Run implements Stage.
func (s *ScrapeProfiles) Run(ctx domain.Context, job domain.Job, rt *Runtime) (json.RawMessage, any, error) {
	var cfg domain.ScrapeProfilesConfig
	if err := json.Unmarshal(job.Config, &cfg); err != nil {
		return nil, nil, fmt.Errorf("op=scrape.config: %w", err)
	}
	if len(cfg.LinkedInURLs) == 0 {
		return nil, nil, fmt.Errorf("op=scrape.config: no linkedin_urls: %w", domain.ErrInvalidArgument)
	}
	enrich := cfg.EnrichProfiles == nil || *cfg.EnrichProfiles
	findEmails := cfg.FindEmails == nil || *cfg.FindEmails

	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 50
	}

	var finder *EmailFinder
	if findEmails && s.Verifiers != nil {
		v := s.Verifiers()
		defer v.Close()
		finder = &EmailFinder{Verifier: v, Permutator: permutate.New(nil)}
	}

	profiles := make([]domain.EnrichedMember, 0, len(cfg.LinkedInURLs))
	urls := cfg.LinkedInURLs
	for start := 0; start < len(urls); start += chunkSize {
		end := start + chunkSize
		if end > len(urls) {
			end = len(urls)
		}
		chunk := urls[start:end]

		members := make([]domain.EnrichedMember, len(chunk))
		errs := make([]error, len(chunk))
		if enrich {
			var wg sync.WaitGroup
			for i, u := range chunk {
				wg.Add(1)
				go func(i int, u string) {
					defer wg.Done()
					members[i], errs[i] = s.Profiles.Enrich(ctx, u)
				}(i, u)
			}
			wg.Wait()
		} else {
			for i, u := range chunk {
				members[i] = domain.EnrichedMember{LinkedInURL: u}
			}
		}

		for i := range members {
			if errs[i] != nil {
				if errors.Is(errs[i], context.Canceled) {
					return nil, nil, errs[i]
				}
				if err := rt.RecordFailure(ctx, "scrape_profile", chunk[i], errs[i].Error()); err != nil {
					return nil, nil, err
				}
				continue
			}
			m := members[i]
			if finder != nil && m.CompanyDomain != "" && m.FirstName != "" && m.LastName != "" {
				email, verified, _, err := finder.Find(ctx, m.FirstName, m.LastName, m.CompanyDomain)
				if err != nil {
					return nil, nil, err
				}
				m.Email = email
				m.EmailVerified = verified
			}
			profiles = append(profiles, m)
			if err := rt.RecordSuccess(ctx); err != nil {
				return nil, nil, err
			}
		}

		if end < len(urls) && s.ChunkPause > 0 {
			select {
			case <-time.After(s.ChunkPause):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
	}

	result, err := json.Marshal(scrapeResult{Profiles: profiles})
	if err != nil {
		return nil, nil, fmt.Errorf("op=scrape.result: %w", err)
	}
	hook := scrapeHook{
		JobID:     job.ID,
		Status:    string(domain.JobCompleted),
		Processed: rt.Processed(),
		Failed:    rt.Failed(),
		Results:   profiles,
	}
	return result, hook, nil
}
