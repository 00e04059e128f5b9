package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/polisai/siterelay/pkg/domain"
)

// Rule is one declarative substitution. Rules run in declared order after
// the built-in passes; a literal Pattern is replaced verbatim, a Regex
// Pattern may reference submatches in Replacement ($1).
type Rule struct {
	Name        string
	Pattern     string
	Replacement string
	Regex       bool
	Kinds       []Kind
}

// step is one entry of the compiled rewrite table.
type step struct {
	name  string
	kinds kindSet
	apply func(string) string
}

type domainMapping struct {
	from string
	to   string
}

// Ruleset is the compiled rewrite table of one site under one proxy base URL.
// A Ruleset is immutable and safe for concurrent use.
type Ruleset struct {
	site    *domain.SiteProfile
	base    string
	host    string
	prefix  string
	routed  []string
	domains []domainMapping
	steps   []step
	// domainSteps is the substitution-only subset used for static CSS/JS.
	domainSteps []step
}

// Compile builds the rewrite table for site. proxyBaseURL is the public
// scheme://host of the relay; when empty, absolute upstream URLs become
// proxy-relative paths.
func Compile(site *domain.SiteProfile, proxyBaseURL string) (*Ruleset, error) {
	if site == nil {
		return &Ruleset{}, nil
	}
	if strings.TrimSpace(site.Name) == "" {
		return nil, fmt.Errorf("rewrite: site name is required")
	}
	base, host, err := parseBase(proxyBaseURL)
	if err != nil {
		return nil, err
	}

	rs := &Ruleset{site: site, base: base, host: host, prefix: site.LocalPrefix()}

	rs.domains, err = domainMappings(site)
	if err != nil {
		return nil, err
	}
	rs.routed = routedPrefixes(rs.prefix, rs.domains)
	for _, m := range rs.domains {
		if host != "" && containsFold(host, m.from) {
			return nil, fmt.Errorf("rewrite: proxy host %q contains upstream domain %q", host, m.from)
		}
		for _, other := range rs.domains {
			if containsFold(other.to, m.from) {
				return nil, fmt.Errorf("rewrite: local path %q contains upstream domain %q", other.to, m.from)
			}
		}
	}

	rs.domainSteps = rs.compileDomainSteps()

	inject, err := compileScripts(site.Scripts)
	if err != nil {
		return nil, err
	}
	steps := []step{
		inject,
		{name: "html-hygiene", kinds: kinds(KindHTML), apply: stripHygiene},
	}
	steps = append(steps, rs.domainSteps...)
	steps = append(steps,
		step{name: "relative-attributes", kinds: kinds(KindHTML), apply: rs.rewriteAttributes},
		step{name: "relative-srcset", kinds: kinds(KindHTML), apply: rs.rewriteSrcset},
		step{name: "css-url", kinds: kinds(KindHTML, KindCSS), apply: rs.rewriteCSSURLs},
	)
	jsStep, err := rs.compileJSPrefixes(site.JSPathPrefixes)
	if err != nil {
		return nil, err
	}
	if jsStep != nil {
		steps = append(steps, *jsStep)
	}
	for _, spec := range site.RewriteRules {
		custom, err := compileRule(ruleFromSpec(spec))
		if err != nil {
			return nil, err
		}
		steps = append(steps, custom)
	}
	rs.steps = append(steps, step{name: "collapse", kinds: allText, apply: rs.collapse})
	return rs, nil
}

// Apply runs every step registered for kind over text.
func (rs *Ruleset) Apply(text string, kind Kind) string {
	return applySteps(rs.steps, text, kind)
}

// SubstituteDomains runs only the domain substitution steps.
func (rs *Ruleset) SubstituteDomains(text string) string {
	return applySteps(rs.domainSteps, text, KindHTML)
}

// Prefix is the local path prefix of the site, e.g. "/acme".
func (rs *Ruleset) Prefix() string {
	return rs.prefix
}

func applySteps(steps []step, text string, kind Kind) string {
	for _, s := range steps {
		if s.kinds.has(kind) {
			text = s.apply(text)
		}
	}
	return text
}

func ruleFromSpec(spec domain.RuleSpec) Rule {
	rule := Rule{
		Name:        spec.Name,
		Pattern:     spec.Pattern,
		Replacement: spec.Replacement,
		Regex:       spec.Regex,
	}
	for _, ct := range spec.ContentTypes {
		rule.Kinds = append(rule.Kinds, parseKind(ct))
	}
	return rule
}

func compileRule(rule Rule) (step, error) {
	name := strings.TrimSpace(rule.Name)
	if rule.Pattern == "" {
		return step{}, fmt.Errorf("rewrite: pattern is required for rule %q", name)
	}
	set := allText
	if len(rule.Kinds) > 0 {
		set = kinds(rule.Kinds...)
	}
	if !rule.Regex {
		pattern, replacement := rule.Pattern, rule.Replacement
		return step{name: name, kinds: set, apply: func(s string) string {
			return strings.ReplaceAll(s, pattern, replacement)
		}}, nil
	}
	expr, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return step{}, fmt.Errorf("rewrite: invalid pattern for rule %q: %w", name, err)
	}
	replacement := rule.Replacement
	return step{name: name, kinds: set, apply: func(s string) string {
		return expr.ReplaceAllString(s, replacement)
	}}, nil
}

func parseBase(raw string) (base, host string, err error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", fmt.Errorf("rewrite: invalid proxy base URL %q", raw)
	}
	return u.Scheme + "://" + u.Host, u.Host, nil
}

// domainMappings returns the site's domain table with the site's own domain
// mapped to its prefix, ordered longest domain first.
func domainMappings(site *domain.SiteProfile) ([]domainMapping, error) {
	var out []domainMapping
	seen := make(map[string]bool)
	for _, ad := range site.AssetDomains {
		from := strings.ToLower(strings.TrimSpace(ad.From))
		to := strings.TrimRight(strings.TrimSpace(ad.To), "/")
		if from == "" || strings.ContainsAny(from, "/ ") {
			return nil, fmt.Errorf("rewrite: invalid asset domain %q for site %s", ad.From, site.Name)
		}
		if !strings.HasPrefix(to, "/") || strings.HasPrefix(to, "//") {
			return nil, fmt.Errorf("rewrite: local path for %s must start with a single /", from)
		}
		if seen[from] {
			continue
		}
		seen[from] = true
		out = append(out, domainMapping{from: from, to: to})
	}
	if d := strings.ToLower(strings.TrimSpace(site.Domain)); d != "" && !seen[d] {
		out = append(out, domainMapping{from: d, to: site.LocalPrefix()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].from) > len(out[j].from)
	})
	return out, nil
}

func routedPrefixes(prefix string, mappings []domainMapping) []string {
	routed := []string{prefix}
	for _, m := range mappings {
		if m.to != prefix && !contains(routed, m.to) {
			routed = append(routed, m.to)
		}
	}
	sort.SliceStable(routed, func(i, j int) bool {
		return len(routed[i]) > len(routed[j])
	})
	return routed
}

// maxDomainPasses bounds the domain substitution loop on adversarial input.
const maxDomainPasses = 16

type domainSub struct {
	from          string
	escaped       *regexp.Regexp
	absolute      *regexp.Regexp
	bare          *regexp.Regexp
	target        string
	escapedTarget string
	bareTarget    string
}

// compileDomainSteps builds the domain substitution step. Per domain, longest
// first, it rewrites JSON-escaped absolute URLs, absolute and
// protocol-relative URLs, then any bare occurrence. No replacement contains
// an upstream domain; the step repeats while a replacement glued to the
// following text forms a domain again.
func (rs *Ruleset) compileDomainSteps() []step {
	if len(rs.domains) == 0 {
		return nil
	}
	subs := make([]domainSub, 0, len(rs.domains))
	for _, m := range rs.domains {
		target := rs.base + m.to
		quoted := regexp.QuoteMeta(m.from)
		subs = append(subs, domainSub{
			from:          m.from,
			escaped:       regexp.MustCompile(`(?i)(?:https?:)?\\/\\/` + quoted),
			absolute:      regexp.MustCompile(`(?i)(?:https?:)?//` + quoted),
			bare:          regexp.MustCompile(`(?i)` + quoted),
			target:        target,
			escapedTarget: strings.ReplaceAll(target, "/", `\/`),
			bareTarget:    rs.host + m.to,
		})
	}
	apply := func(s string) string {
		for pass := 0; pass < maxDomainPasses; pass++ {
			found := false
			for _, sub := range subs {
				if !sub.bare.MatchString(s) {
					continue
				}
				found = true
				s = sub.escaped.ReplaceAllLiteralString(s, sub.escapedTarget)
				s = sub.absolute.ReplaceAllLiteralString(s, sub.target)
				s = sub.bare.ReplaceAllLiteralString(s, sub.bareTarget)
			}
			if !found {
				break
			}
		}
		return s
	}
	return []step{{name: "domain-map", kinds: allText, apply: apply}}
}

func (rs *Ruleset) compileJSPrefixes(prefixes []string) (*step, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), prefixes...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	alts := make([]string, 0, len(sorted))
	for _, p := range sorted {
		if len(p) < 2 || p[0] != '/' || p[1] == '/' {
			return nil, fmt.Errorf("rewrite: js path prefix %q must start with a single /", p)
		}
		if rs.routedAt(p) {
			return nil, fmt.Errorf("rewrite: js path prefix %q is already routed", p)
		}
		alts = append(alts, regexp.QuoteMeta(p))
	}
	expr := regexp.MustCompile("[\"'`](" + strings.Join(alts, "|") + ")")
	return &step{name: "js-path-prefix", kinds: kinds(KindHTML, KindJS), apply: func(s string) string {
		return replaceGroup(expr, s, 1, func(value, tail string) string {
			if rs.routedAt(tail) {
				return value
			}
			return rs.prefix + value
		})
	}}, nil
}

// routedAt reports whether path already starts with one of the site's local
// prefixes on a segment boundary.
func (rs *Ruleset) routedAt(path string) bool {
	for _, p := range rs.routed {
		if strings.HasPrefix(path, p) && (len(path) == len(p) || segmentEnd(path[len(p)])) {
			return true
		}
	}
	return false
}

// relative re-roots a root-relative path under the site prefix.
func (rs *Ruleset) relative(path string) string {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.HasPrefix(path, `/\`) {
		return path
	}
	if rs.routedAt(path) {
		return path
	}
	return rs.prefix + path
}

// collapse folds doubled local prefixes ("/acme/acme/" to "/acme/").
func (rs *Ruleset) collapse(s string) string {
	for _, p := range rs.routed {
		doubled := p + p + "/"
		for strings.Contains(s, doubled) {
			s = strings.ReplaceAll(s, doubled, p+"/")
		}
	}
	return s
}

func segmentEnd(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return false
	case c == '-' || c == '_' || c == '.' || c == '~' || c == '%':
		return false
	default:
		return true
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
