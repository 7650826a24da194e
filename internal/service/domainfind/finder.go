// Package domainfind guesses a company's mail domain from its name by
// probing candidate domains for MX records.
package domainfind

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// domainSuffixes are tried in order of likelihood.
var domainSuffixes = []string{".com", ".io", ".co", ".net", ".org", ".ai", ".dev"}

// noiseWords are stripped from company names before forming candidate bases.
var noiseWords = map[string]struct{}{
	"inc": {}, "inc.": {}, "incorporated": {}, "corp": {}, "corp.": {}, "corporation": {},
	"llc": {}, "llc.": {}, "ltd": {}, "ltd.": {}, "limited": {}, "co": {}, "co.": {},
	"company": {}, "companies": {}, "group": {}, "holdings": {}, "plc": {},
	"the": {}, "and": {}, "&": {}, "technologies": {}, "technology": {}, "tech": {},
	"solutions": {}, "services": {}, "consulting": {}, "partners": {}, "labs": {},
}

const minBaseLen = 3

// MXResolver is the DNS surface the finder needs; *net.Resolver satisfies it.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Finder resolves company names to mail domains. Results, including misses,
// are cached in-process for the lifetime of the finder; when a Redis client
// is provided the cache is additionally shared across processes.
type Finder struct {
	resolver     MXResolver
	rdb          *redis.Client
	queryTimeout time.Duration
	totalTimeout time.Duration

	mu    sync.RWMutex
	cache map[string]string // lowercased company name -> domain, "" = known miss
}

// Option configures a Finder.
type Option func(*Finder)

// WithResolver replaces the DNS resolver, mainly for tests.
func WithResolver(r MXResolver) Option { return func(f *Finder) { f.resolver = r } }

// WithRedis adds a shared cache in front of DNS probing.
func WithRedis(rdb *redis.Client) Option { return func(f *Finder) { f.rdb = rdb } }

// WithTimeouts overrides the per-query and total DNS budgets.
func WithTimeouts(query, total time.Duration) Option {
	return func(f *Finder) {
		f.queryTimeout = query
		f.totalTimeout = total
	}
}

// New constructs a Finder with default 3s/5s DNS budgets.
func New(opts ...Option) *Finder {
	f := &Finder{
		resolver:     &net.Resolver{},
		queryTimeout: 3 * time.Second,
		totalTimeout: 5 * time.Second,
		cache:        make(map[string]string),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

const redisKeyPrefix = "domainfind:"
const redisMiss = "!"
const redisTTL = 24 * time.Hour

// FindDomain returns the first candidate domain with MX records, or "" when
// none resolves within the DNS budget.
func (f *Finder) FindDomain(ctx context.Context, companyName string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(companyName))
	if key == "" {
		return "", nil
	}

	f.mu.RLock()
	cached, hit := f.cache[key]
	f.mu.RUnlock()
	if hit {
		return cached, nil
	}

	if f.rdb != nil {
		if v, err := f.rdb.Get(ctx, redisKeyPrefix+key).Result(); err == nil {
			if v == redisMiss {
				v = ""
			}
			f.store(key, v)
			return v, nil
		}
	}

	bases := CandidateBases(companyName)
	if len(bases) == 0 {
		f.store(key, "")
		return "", nil
	}

	deadline, cancel := context.WithTimeout(ctx, f.totalTimeout)
	defer cancel()

	for _, base := range bases {
		for _, suffix := range domainSuffixes {
			domain := base + suffix
			ok, err := f.hasMX(deadline, domain)
			if err != nil {
				// Budget exhausted; do not cache a miss we did not prove.
				return "", nil
			}
			if ok {
				slog.Info("found company domain", slog.String("company", companyName), slog.String("domain", domain))
				f.store(key, domain)
				f.storeShared(ctx, key, domain)
				return domain, nil
			}
		}
	}

	f.store(key, "")
	f.storeShared(ctx, key, redisMiss)
	return "", nil
}

func (f *Finder) store(key, domain string) {
	f.mu.Lock()
	f.cache[key] = domain
	f.mu.Unlock()
}

func (f *Finder) storeShared(ctx context.Context, key, value string) {
	if f.rdb == nil {
		return
	}
	if err := f.rdb.Set(ctx, redisKeyPrefix+key, value, redisTTL).Err(); err != nil {
		slog.Debug("shared domain cache write failed", slog.Any("error", err))
	}
}

// hasMX probes one domain. A nil error with false means a proven miss; a
// non-nil error means the overall budget ran out.
func (f *Finder) hasMX(ctx context.Context, domain string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	qctx, cancel := context.WithTimeout(ctx, f.queryTimeout)
	defer cancel()
	mx, err := f.resolver.LookupMX(qctx, domain)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return len(mx) > 0, nil
}

// CandidateBases normalises a company name into up to three domain bases:
// all survivors concatenated, the first survivor, and the first two
// concatenated. Bases shorter than three characters are rejected.
func CandidateBases(name string) []string {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(name)))
	survivors := words[:0:0]
	for _, w := range words {
		if _, noisy := noiseWords[w]; !noisy {
			survivors = append(survivors, w)
		}
	}
	if len(survivors) == 0 {
		survivors = words
	}
	if len(survivors) == 0 {
		return nil
	}

	var bases []string
	add := func(b string) {
		if len(b) < minBaseLen {
			return
		}
		for _, existing := range bases {
			if existing == b {
				return
			}
		}
		bases = append(bases, b)
	}

	all := ""
	for _, w := range survivors {
		all += cleanWord(w)
	}
	add(all)
	add(cleanWord(survivors[0]))
	if len(survivors) >= 2 {
		add(cleanWord(survivors[0]) + cleanWord(survivors[1]))
	}
	return bases
}

func cleanWord(w string) string {
	var b strings.Builder
	for _, ch := range w {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
