// Package rapidapi fetches LinkedIn profile data through a RapidAPI-hosted
// scraping provider and maps it into the engine's member shape.
package rapidapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/leadgen-engine/internal/adapter/observability"
	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// Client calls the profile provider. A DomainFinder, when set, supplies the
// company domain for profiles whose experience entries carry no usable URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiHost    string
	domains    domain.DomainFinder
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithDomainFinder sets the fallback used when a profile carries no company URL.
func WithDomainFinder(f domain.DomainFinder) Option { return func(c *Client) { c.domains = f } }

// New constructs a Client. baseURL should include the scheme, e.g.
// "https://fresh-linkedin-profile-data.p.rapidapi.com".
func New(baseURL, apiKey, apiHost string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiHost:    apiHost,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type profileEnvelope struct {
	Data profilePayload `json:"data"`
}

type profilePayload struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	FullName    string `json:"full_name"`
	Headline    string `json:"headline"`
	Location    string `json:"location"`
	Experiences []struct {
		Title       string `json:"title"`
		Company     string `json:"company"`
		IsCurrent   bool   `json:"is_current"`
		CompanyInfo struct {
			URL     string `json:"url"`
			Website string `json:"website"`
		} `json:"company_info"`
	} `json:"experiences"`
}

// Enrich fetches the profile behind linkedinURL. Provider failures degrade to
// a bare member carrying only the URL so callers can keep their row counts.
func (c *Client) Enrich(ctx domain.Context, linkedinURL string) (domain.EnrichedMember, error) {
	member := domain.EnrichedMember{LinkedInURL: linkedinURL}
	normalized := NormalizeLinkedInURL(linkedinURL)
	if normalized == "" {
		return member, fmt.Errorf("%w: empty linkedin url", domain.ErrInvalidArgument)
	}

	endpoint := c.baseURL + "/get-linkedin-profile?linkedin_url=" + url.QueryEscape(normalized)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return member, fmt.Errorf("op=profile.request: %w", err)
	}
	req.Header.Set("X-RapidAPI-Key", c.apiKey)
	req.Header.Set("X-RapidAPI-Host", c.apiHost)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.ProfileEnrichmentsTotal.WithLabelValues("error").Inc()
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			return member, fmt.Errorf("%w: profile provider: %v", domain.ErrUpstreamTimeout, err)
		}
		return member, fmt.Errorf("op=profile.call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		observability.ProfileEnrichmentsTotal.WithLabelValues("rate_limited").Inc()
		return member, fmt.Errorf("%w: profile provider", domain.ErrUpstreamRateLimit)
	case resp.StatusCode != http.StatusOK:
		observability.ProfileEnrichmentsTotal.WithLabelValues("error").Inc()
		slog.Warn("profile provider non-200",
			slog.Int("status", resp.StatusCode),
			slog.String("linkedin_url", normalized))
		return member, fmt.Errorf("op=profile.call: provider returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return member, fmt.Errorf("op=profile.read: %w", err)
	}
	var env profileEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		observability.ProfileEnrichmentsTotal.WithLabelValues("error").Inc()
		return member, fmt.Errorf("op=profile.decode: %w", err)
	}

	p := env.Data
	member.FirstName = p.FirstName
	member.LastName = p.LastName
	member.FullName = p.FullName
	member.JobTitle = p.Headline
	member.Location = p.Location
	if member.FullName == "" && (p.FirstName != "" || p.LastName != "") {
		member.FullName = strings.TrimSpace(p.FirstName + " " + p.LastName)
	}

	for _, exp := range p.Experiences {
		if member.CompanyName == "" && exp.Company != "" {
			member.CompanyName = exp.Company
			member.JobTitle = firstNonEmpty(exp.Title, member.JobTitle)
		}
		if member.CompanyDomain == "" {
			member.CompanyDomain = domainFromCompanyURL(firstNonEmpty(exp.CompanyInfo.Website, exp.CompanyInfo.URL))
		}
		if member.CompanyName != "" && member.CompanyDomain != "" {
			break
		}
	}

	if member.CompanyDomain == "" && member.CompanyName != "" && c.domains != nil {
		d, err := c.domains.FindDomain(ctx, member.CompanyName)
		if err != nil {
			slog.Debug("domain lookup failed",
				slog.String("company", member.CompanyName),
				slog.Any("error", err))
		} else {
			member.CompanyDomain = d
		}
	}

	observability.ProfileEnrichmentsTotal.WithLabelValues("ok").Inc()
	return member, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// NormalizeLinkedInURL strips query strings and trailing slashes so the
// provider sees a canonical profile URL.
func NormalizeLinkedInURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimRight(raw, "/")
}

// domainFromCompanyURL extracts a bare mail domain from a company website
// URL. LinkedIn company page URLs carry no mail domain and are rejected.
func domainFromCompanyURL(raw string) string {
	if raw == "" {
		return ""
	}
	host := raw
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return ""
		}
		host = u.Host
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	if host == "" || strings.HasSuffix(host, "linkedin.com") {
		return ""
	}
	return host
}
