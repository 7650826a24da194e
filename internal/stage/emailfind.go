package stage

import (
	"context"
	"errors"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
	"github.com/fairyhunter13/leadgen-engine/internal/service/permutate"
)

// MaxEmailCandidates bounds probing when finding an address for an enriched
// profile. Lower than the bulk-verify cap; the scrape stage has many more
// people per run and the limiter budget is shared.
const MaxEmailCandidates = 8

// EmailFinder probes permutations for one person until a deliverable address
// turns up. Unlike the bulk-verify stage it accepts catch-all answers, since
// a scraped profile has no alternative signal to fall back on.
type EmailFinder struct {
	Verifier   domain.EmailVerifier
	Permutator *permutate.Permutator
}

// Find returns the first accepted address, whether it verified as strictly
// valid, and the pattern it used. Empty email means nothing was accepted.
func (f *EmailFinder) Find(ctx domain.Context, firstName, lastName, dom string) (email string, verified bool, pattern string, err error) {
	candidates := f.Permutator.Generate(firstName, lastName, dom, MaxEmailCandidates)
	for _, cand := range candidates {
		res, vErr := f.Verifier.Verify(ctx, cand)
		if vErr != nil {
			if errors.Is(vErr, context.Canceled) || errors.Is(vErr, context.DeadlineExceeded) {
				return "", false, "", vErr
			}
			continue
		}
		switch res.Status {
		case domain.VerificationValid:
			return cand, true, f.Permutator.DetectPattern(cand, firstName, lastName), nil
		case domain.VerificationCatchAll:
			return cand, false, "", nil
		}
	}
	return "", false, "", nil
}
