package rewrite

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/polisai/siterelay/pkg/domain"
)

var (
	attrPattern      = regexp.MustCompile(`(?i)\s(?:href|src|action|formaction|poster|data-src|data-href)\s*=\s*("[^"]*"|'[^']*'|[^\s"'>]+)`)
	srcsetPattern    = regexp.MustCompile(`(?i)\s(?:srcset|data-srcset)\s*=\s*("[^"]*"|'[^']*'|[^\s"'>]+)`)
	cssURLPattern    = regexp.MustCompile(`(?i)url\(\s*("[^"]*"|'[^']*'|[^\s"')]*)\s*\)`)
	integrityPattern = regexp.MustCompile(`(?i)\s+integrity\s*=\s*(?:"[^"]*"|'[^']*'|[^\s"'>]+)`)
	cspMetaPattern   = regexp.MustCompile(`(?i)<meta\s[^>]*http-equiv\s*=\s*["']?content-security-policy(?:-report-only)?["']?[^>]*>`)
	headOpenPattern  = regexp.MustCompile(`(?i)<head(?:\s[^>]*)?>`)
	bodyOpenPattern  = regexp.MustCompile(`(?i)<body(?:\s[^>]*)?>`)
	bodyClosePattern = regexp.MustCompile(`(?i)</body`)
	htmlClosePattern = regexp.MustCompile(`(?i)</html`)
	scriptIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// markerAttr tags injected scripts so a document is never injected twice.
const markerAttr = "data-siterelay"

// stripHygiene removes subresource integrity attributes and CSP meta tags,
// which no longer hold once a document is rewritten. Removal can splice a
// new match together, so it runs to a fixpoint.
func stripHygiene(s string) string {
	for {
		next := integrityPattern.ReplaceAllLiteralString(s, "")
		next = cspMetaPattern.ReplaceAllLiteralString(next, "")
		if next == s {
			return s
		}
		s = next
	}
}

func (rs *Ruleset) rewriteAttributes(s string) string {
	return replaceGroup(attrPattern, s, 1, func(value, _ string) string {
		return mapQuoted(value, rs.relative)
	})
}

func (rs *Ruleset) rewriteSrcset(s string) string {
	return replaceGroup(srcsetPattern, s, 1, func(value, _ string) string {
		return mapQuoted(value, rs.rewriteCandidates)
	})
}

// rewriteCandidates re-roots every URL of a srcset candidate list.
func (rs *Ruleset) rewriteCandidates(list string) string {
	if strings.Contains(list, "data:") {
		return list
	}
	parts := strings.Split(list, ",")
	for i, part := range parts {
		trimmed := strings.TrimLeft(part, " \t\r\n")
		lead := part[:len(part)-len(trimmed)]
		candidate, descriptor := trimmed, ""
		if idx := strings.IndexAny(trimmed, " \t\r\n"); idx >= 0 {
			candidate, descriptor = trimmed[:idx], trimmed[idx:]
		}
		parts[i] = lead + rs.relative(candidate) + descriptor
	}
	return strings.Join(parts, ",")
}

func (rs *Ruleset) rewriteCSSURLs(s string) string {
	return replaceGroup(cssURLPattern, s, 1, func(value, _ string) string {
		return mapQuoted(value, rs.relative)
	})
}

type compiledScript struct {
	marker string
	markup string
}

// compileScripts builds the injection step. It runs ahead of the other
// steps so injected markup is rewritten like the rest of the document, and
// the data-siterelay marker keeps a second pass from injecting again.
func compileScripts(scripts []domain.ScriptInjection) (step, error) {
	var head, tail []compiledScript
	for i, sc := range scripts {
		id := strings.TrimSpace(sc.ID)
		if id == "" {
			id = fmt.Sprintf("script-%d", i)
		}
		if !scriptIDPattern.MatchString(id) {
			return step{}, fmt.Errorf("rewrite: invalid script id %q", id)
		}
		marker := fmt.Sprintf(`%s="%s"`, markerAttr, id)
		cs := compiledScript{marker: marker, markup: fmt.Sprintf("<script %s>%s</script>", marker, sc.Content)}
		switch sc.Position {
		case domain.ScriptBodyEnd:
			tail = append(tail, cs)
		case domain.ScriptHead, "":
			head = append(head, cs)
		default:
			return step{}, fmt.Errorf("rewrite: unknown script position %q", sc.Position)
		}
	}
	return step{name: "inject-scripts", kinds: kinds(KindHTML), apply: func(s string) string {
		if block := pending(s, head); block != "" {
			s = insertHead(s, block)
		}
		if block := pending(s, tail); block != "" {
			s = insertBodyEnd(s, block)
		}
		return s
	}}, nil
}

func pending(doc string, scripts []compiledScript) string {
	var b strings.Builder
	for _, sc := range scripts {
		if !strings.Contains(doc, sc.marker) {
			b.WriteString(sc.markup)
		}
	}
	return b.String()
}

func insertHead(doc, block string) string {
	if loc := headOpenPattern.FindStringIndex(doc); loc != nil {
		return doc[:loc[1]] + block + doc[loc[1]:]
	}
	if loc := bodyOpenPattern.FindStringIndex(doc); loc != nil {
		return doc[:loc[0]] + block + doc[loc[0]:]
	}
	return block + doc
}

func insertBodyEnd(doc, block string) string {
	for _, re := range []*regexp.Regexp{bodyClosePattern, htmlClosePattern} {
		if all := re.FindAllStringIndex(doc, -1); len(all) > 0 {
			idx := all[len(all)-1][0]
			return doc[:idx] + block + doc[idx:]
		}
	}
	return doc + block
}

// mapQuoted applies fn to an attribute value with its quotes removed.
func mapQuoted(value string, fn func(string) string) string {
	if n := len(value); n >= 2 && (value[0] == '"' || value[0] == '\'') && value[n-1] == value[0] {
		return value[:1] + fn(value[1:n-1]) + value[n-1:]
	}
	return fn(value)
}

// replaceGroup rewrites capture group g of every match of re. fn receives the
// group text and the remainder of s starting at the group.
func replaceGroup(re *regexp.Regexp, s string, g int, fn func(value, tail string) string) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(matches)*8)
	last := 0
	for _, m := range matches {
		start, end := m[2*g], m[2*g+1]
		if start < 0 {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(fn(s[start:end], s[start:]))
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}
