package rewrite

import (
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/polisai/siterelay/pkg/domain"
)

var htmlFragments = []string{
	`<a href="/foo">foo</a>`,
	`<a href='/acme/bar'>bar</a>`,
	`<a href=/docs>docs</a>`,
	`<img src="https://cdn.acme.com/i.png" srcset="/a.png 1x, //cdn.acme.com/b.png 2x">`,
	`<link rel="stylesheet" href="//www.acme.com/s.css" integrity="sha384-abc">`,
	`<meta http-equiv="Content-Security-Policy" content="default-src 'self'">`,
	`<div style="background:url(/img/bg.png)"></div>`,
	`<form action="/login" method="post"></form>`,
	`<script>fetch("/api/items"); var u = "https://www.acme.com/x";</script>`,
	`<script>var cfg = {"cdn":"https:\/\/cdn.acme.com\/js"};</script>`,
	`<p>Visit acme.com or WWW.ACME.COM today</p>`,
	`<a href="/acme/acme/deep">deep</a>`,
	`<a href="/acme-cdn/x.png">asset</a>`,
	`<head>`, `</head>`, `<body class="x">`, `</body>`, `<html>`, `</html>`,
	`<img src="data:image/png;base64,iVBOR/w==">`,
	`<a href="#top">`, `<a href="https://other.net/y">`,
	`<<broken href="/>`, `url(`, `"`, `'`,
}

var cssFragments = []string{
	`.a{background:url(/a.png)}`,
	`.b{background:url("https://cdn.acme.com/b.png")}`,
	`@import url('//www.acme.com/base.css');`,
	`.c{background:url(/acme/c.png)}`,
	`/* acme.com */`,
	`.d{content:"/api/x"}`,
	`url()`,
}

var jsFragments = []string{
	`fetch("/api/items")`,
	"fetch(`/api/search?q=1`)",
	`location.href = 'https://www.acme.com/account'`,
	`var a = "/acme/api/done";`,
	`var b = "https:\/\/cdn.acme.com\/x";`,
	`// see acme.com`,
	`load('/other/path')`,
}

var separators = []string{" ", "\n", "", "\t"}

func documentGen(fragments []string) *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		n := rapid.IntRange(0, 12).Draw(t, "n")
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteString(rapid.SampledFrom(fragments).Draw(t, "fragment"))
			b.WriteString(rapid.SampledFrom(separators).Draw(t, "sep"))
		}
		return b.String()
	})
}

type fixture struct {
	contentType string
	fragments   []string
}

var fixtures = []fixture{
	{"text/html; charset=utf-8", htmlFragments},
	{"text/css", cssFragments},
	{"application/javascript", jsFragments},
}

func TestRewriteIsIdempotent(t *testing.T) {
	e := newEngine()
	site := acmeSite()
	for _, fx := range fixtures {
		t.Run(fx.contentType, func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				base := rapid.SampledFrom([]string{"", proxyBase}).Draw(t, "base")
				doc := documentGen(fx.fragments).Draw(t, "doc")

				once := e.Rewrite([]byte(doc), fx.contentType, site, base)
				twice := e.Rewrite(once, fx.contentType, site, base)
				if string(once) != string(twice) {
					t.Fatalf("rewrite not idempotent\nonce:  %q\ntwice: %q", once, twice)
				}
			})
		})
	}
}

func TestRewriteLeavesNoUpstreamDomain(t *testing.T) {
	e := newEngine()
	site := acmeSite()
	for _, fx := range fixtures {
		t.Run(fx.contentType, func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				base := rapid.SampledFrom([]string{"", proxyBase}).Draw(t, "base")
				doc := documentGen(fx.fragments).Draw(t, "doc")

				out := strings.ToLower(string(e.Rewrite([]byte(doc), fx.contentType, site, base)))
				for _, from := range []string{"www.acme.com", "cdn.acme.com", "acme.com"} {
					if strings.Contains(out, from) {
						t.Fatalf("residual domain %q in %q", from, out)
					}
				}
			})
		})
	}
}

func TestRewriteSubstituteDomainsIsIdempotent(t *testing.T) {
	e := newEngine()
	site := acmeSite()
	rapid.Check(t, func(t *rapid.T) {
		doc := documentGen(cssFragments).Draw(t, "doc")
		once := e.SubstituteDomains([]byte(doc), "text/css", site, proxyBase)
		twice := e.SubstituteDomains(once, "text/css", site, proxyBase)
		if string(once) != string(twice) {
			t.Fatalf("domain substitution not idempotent: %q vs %q", once, twice)
		}
	})
}

func TestRewriteNeverPanics(t *testing.T) {
	e := newEngine()
	sites := []*domain.SiteProfile{acmeSite(), {Name: "bare"}}
	rapid.Check(t, func(t *rapid.T) {
		site := rapid.SampledFrom(sites).Draw(t, "site")
		body := rapid.SliceOf(rapid.Byte()).Draw(t, "body")
		ct := rapid.SampledFrom([]string{"text/html", "text/css", "application/javascript", "image/png"}).Draw(t, "ct")
		_ = e.Rewrite(body, ct, site, proxyBase)
		_ = e.SubstituteDomains(body, ct, site, proxyBase)
	})
}
