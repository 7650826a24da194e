package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// VerifyEmails runs a plain verification pass over a list of raw addresses.
type VerifyEmails struct {
	Verifiers VerifierFactory
}

type verifyEmailsResult struct {
	Results []domain.VerificationResult `json:"results"`
}

type verifyEmailsHook struct {
	JobID       string                      `json:"job_id"`
	Status      string                      `json:"status"`
	TotalEmails int                         `json:"total_emails"`
	TotalValid  int                         `json:"total_valid"`
	Results     []domain.VerificationResult `json:"results"`
}

// Run implements Stage.
func (s *VerifyEmails) Run(ctx domain.Context, job domain.Job, rt *Runtime) (json.RawMessage, any, error) {
	var cfg domain.VerifyEmailsConfig
	if err := json.Unmarshal(job.Config, &cfg); err != nil {
		return nil, nil, fmt.Errorf("op=verify_emails.config: %w", err)
	}
	if len(cfg.Emails) == 0 {
		return nil, nil, fmt.Errorf("op=verify_emails.config: no emails: %w", domain.ErrInvalidArgument)
	}

	v := s.Verifiers()
	defer v.Close()

	results := make([]domain.VerificationResult, 0, len(cfg.Emails))
	totalValid := 0
	for _, email := range cfg.Emails {
		res, err := v.Verify(ctx, email)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, err
			}
			res = domain.VerificationResult{
				Email:  email,
				Status: domain.VerificationUnknown,
				Reason: err.Error(),
			}
		}
		results = append(results, res)

		var itemErr error
		switch res.Status {
		case domain.VerificationValid, domain.VerificationCatchAll:
			if res.Status == domain.VerificationValid {
				totalValid++
			}
			itemErr = rt.RecordSuccess(ctx)
		default:
			itemErr = rt.RecordFailure(ctx, "verify_email", email, res.Reason)
		}
		if itemErr != nil {
			return nil, nil, itemErr
		}
	}

	result, err := json.Marshal(verifyEmailsResult{Results: results})
	if err != nil {
		return nil, nil, fmt.Errorf("op=verify_emails.result: %w", err)
	}
	hook := verifyEmailsHook{
		JobID:       job.ID,
		Status:      string(domain.JobCompleted),
		TotalEmails: len(cfg.Emails),
		TotalValid:  totalValid,
		Results:     results,
	}
	return result, hook, nil
}
