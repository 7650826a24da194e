package usecase

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// Export formats. JSON returns the stored result document verbatim; CSV
// flattens it with a per-kind column order.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Export returns the job's result in the requested format plus a content
// type. Exporting a job that has not completed is invalid; a completed job
// without results is not found.
func (s JobService) Export(ctx domain.Context, id, format string) ([]byte, string, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if job.Status != domain.JobCompleted {
		return nil, "", fmt.Errorf("%w: job is %s, not completed", domain.ErrInvalidArgument, job.Status)
	}
	if len(job.Result) == 0 {
		return nil, "", fmt.Errorf("%w: job has no results", domain.ErrNotFound)
	}

	switch format {
	case FormatJSON, "":
		return job.Result, "application/json", nil
	case FormatCSV:
		b, err := resultToCSV(job)
		if err != nil {
			return nil, "", err
		}
		return b, "text/csv", nil
	}
	return nil, "", fmt.Errorf("%w: unsupported format %q", domain.ErrInvalidArgument, format)
}

func resultToCSV(job domain.Job) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	switch job.Kind {
	case domain.KindScrapeProfiles:
		var res struct {
			Profiles []domain.EnrichedMember `json:"profiles"`
		}
		if err := json.Unmarshal(job.Result, &res); err != nil {
			return nil, fmt.Errorf("op=export.parse_result: %w", err)
		}
		_ = w.Write([]string{"first_name", "last_name", "full_name", "email", "email_verified",
			"job_title", "company_name", "company_domain", "linkedin_url", "location"})
		for _, m := range res.Profiles {
			_ = w.Write([]string{m.FirstName, m.LastName, m.FullName, m.Email,
				strconv.FormatBool(m.EmailVerified), m.JobTitle, m.CompanyName,
				m.CompanyDomain, m.LinkedInURL, m.Location})
		}
	case domain.KindBulkVerifyLeads:
		var res struct {
			VerifiedLeads []struct {
				FirstName string `json:"first_name"`
				LastName  string `json:"last_name"`
				Website   string `json:"website"`
				Email     string `json:"email"`
			} `json:"verified_leads"`
		}
		if err := json.Unmarshal(job.Result, &res); err != nil {
			return nil, fmt.Errorf("op=export.parse_result: %w", err)
		}
		_ = w.Write([]string{"first_name", "last_name", "website", "email"})
		for _, l := range res.VerifiedLeads {
			_ = w.Write([]string{l.FirstName, l.LastName, l.Website, l.Email})
		}
	case domain.KindBulkVerifyEmails:
		var res struct {
			Results []domain.VerificationResult `json:"results"`
		}
		if err := json.Unmarshal(job.Result, &res); err != nil {
			return nil, fmt.Errorf("op=export.parse_result: %w", err)
		}
		_ = w.Write([]string{"email", "status", "is_deliverable", "is_catch_all", "mx_found", "reason"})
		for _, r := range res.Results {
			_ = w.Write([]string{r.Email, string(r.Status), strconv.FormatBool(r.IsDeliverable),
				strconv.FormatBool(r.IsCatchAll), strconv.FormatBool(r.MXFound), r.Reason})
		}
	case domain.KindEnrichEmails:
		var res struct {
			Items []struct {
				FirstName     string `json:"first_name"`
				LastName      string `json:"last_name"`
				CompanyDomain string `json:"company_domain"`
				Email         string `json:"email"`
				EmailVerified bool   `json:"email_verified"`
			} `json:"items"`
		}
		if err := json.Unmarshal(job.Result, &res); err != nil {
			return nil, fmt.Errorf("op=export.parse_result: %w", err)
		}
		_ = w.Write([]string{"first_name", "last_name", "company_domain", "email", "email_verified"})
		for _, it := range res.Items {
			_ = w.Write([]string{it.FirstName, it.LastName, it.CompanyDomain, it.Email,
				strconv.FormatBool(it.EmailVerified)})
		}
	default:
		return nil, fmt.Errorf("%w: csv export not supported for kind %q", domain.ErrInvalidArgument, job.Kind)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("op=export.csv: %w", err)
	}
	return buf.Bytes(), nil
}
