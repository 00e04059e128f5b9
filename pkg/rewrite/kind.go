package rewrite

import (
	"mime"
	"strings"
)

// Kind is the rewrite dispatch class of a response body.
type Kind uint8

const (
	// KindOther bodies pass through untouched.
	KindOther Kind = iota
	KindHTML
	KindCSS
	KindJS
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindCSS:
		return "css"
	case KindJS:
		return "js"
	default:
		return "other"
	}
}

// DetectKind normalizes a Content-Type header value into a Kind.
func DetectKind(contentType string) Kind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "text/html", "application/xhtml+xml":
		return KindHTML
	case "text/css":
		return KindCSS
	case "application/javascript", "text/javascript", "application/x-javascript",
		"application/ecmascript", "text/ecmascript":
		return KindJS
	default:
		return KindOther
	}
}

// parseKind accepts a short name ("html", "css", "js") or a media type.
func parseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "html":
		return KindHTML
	case "css":
		return KindCSS
	case "js", "javascript":
		return KindJS
	default:
		return DetectKind(name)
	}
}

// kindSet is a bitmask of Kinds.
type kindSet uint8

const allText = kindSet(1<<KindHTML | 1<<KindCSS | 1<<KindJS)

func kinds(ks ...Kind) kindSet {
	var set kindSet
	for _, k := range ks {
		set |= 1 << k
	}
	return set
}

func (s kindSet) has(k Kind) bool {
	return s&(1<<k) != 0
}
