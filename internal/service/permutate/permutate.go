// Package permutate generates candidate email addresses from a person's name
// and a company domain, and recognises which naming pattern a confirmed
// address used.
package permutate

import "strings"

// CommonPatterns lists local-part patterns in descending order of how often
// companies use them. {f} and {l} expand to the first letters of the names.
var CommonPatterns = []string{
	"{first}.{last}", // john.smith@  (~50% of companies)
	"{f}{last}",      // jsmith@
	"{f}.{last}",     // j.smith@
	"{first}",        // john@
	"{first}{last}",  // johnsmith@
	"{first}_{last}", // john_smith@
	"{first}{l}",     // johns@
	"{last}.{first}", // smith.john@
}

// DefaultMaxPermutations caps Generate output.
const DefaultMaxPermutations = 13

var nameSuffixes = []string{" jr", " sr", " iii", " ii", " iv"}

// Permutator generates candidates, optionally seeded with patterns already
// known to work for specific domains.
type Permutator struct {
	// KnownPatterns maps domain -> working pattern. A matching entry is
	// expanded first so the winning address is probed before any guess.
	KnownPatterns map[string]string
}

// New constructs a Permutator. known may be nil.
func New(known map[string]string) *Permutator {
	if known == nil {
		known = make(map[string]string)
	}
	return &Permutator{KnownPatterns: known}
}

// Generate returns up to max distinct addresses for the person, most likely
// first. It returns nil when either name normalises to nothing or the domain
// is empty.
func (p *Permutator) Generate(firstName, lastName, domain string, max int) []string {
	if max <= 0 {
		max = DefaultMaxPermutations
	}
	first := NormalizeName(firstName)
	last := NormalizeName(lastName)
	if first == "" || last == "" || domain == "" {
		return nil
	}

	var out []string
	seen := make(map[string]struct{})
	add := func(email string) {
		if email == "" {
			return
		}
		if _, dup := seen[email]; dup {
			return
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}

	if pat, ok := p.KnownPatterns[domain]; ok {
		add(Apply(pat, first, last, domain))
	}
	for _, pat := range CommonPatterns {
		add(Apply(pat, first, last, domain))
	}

	if len(out) > max {
		out = out[:max]
	}
	return out
}

// DetectPattern returns the pattern whose expansion matches the email's local
// part, or "" when none does. Inputs go through the same normalisation as
// Generate so the mapping is an exact inverse.
func (p *Permutator) DetectPattern(email, firstName, lastName string) string {
	first := NormalizeName(firstName)
	last := NormalizeName(lastName)
	local, _, found := strings.Cut(email, "@")
	if !found {
		local = email
	}
	local = strings.ToLower(local)
	for _, pat := range CommonPatterns {
		if expandLocal(pat, first, last) == local {
			return pat
		}
	}
	return ""
}

// Apply expands a pattern into a full address. first and last must already be
// normalised.
func Apply(pattern, first, last, domain string) string {
	local := expandLocal(pattern, first, last)
	if local == "" {
		return ""
	}
	return local + "@" + domain
}

func expandLocal(pattern, first, last string) string {
	f, l := "", ""
	if first != "" {
		f = first[:1]
	}
	if last != "" {
		l = last[:1]
	}
	r := strings.NewReplacer(
		"{first}", first,
		"{last}", last,
		"{f}", f,
		"{l}", l,
	)
	return r.Replace(pattern)
}

// NormalizeName lowercases a name, strips generational suffixes, maps spaces
// to hyphens and drops everything that is not a letter or hyphen.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, suf := range nameSuffixes {
		if strings.HasSuffix(name, suf) {
			name = strings.TrimSuffix(name, suf)
		}
	}
	var b strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z':
			b.WriteRune(ch)
		case ch == '-':
			b.WriteRune(ch)
		case ch == ' ':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
