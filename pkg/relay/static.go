package relay

import (
	"path"
	"strings"
)

var staticExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".mjs": {}, ".map": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".avif": {}, ".svg": {}, ".ico": {}, ".bmp": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".mp3": {}, ".mp4": {}, ".webm": {}, ".ogg": {}, ".wav": {},
}

var staticPrefixes = []string{"static", "cdn", "images", "assets"}

// isStatic reports whether a site-relative path names a static asset, either
// by extension or by living under an asset-class prefix.
func isStatic(rel string) bool {
	if _, ok := staticExtensions[strings.ToLower(path.Ext(rel))]; ok {
		return true
	}
	first, _ := splitFirst(rel)
	for _, prefix := range staticPrefixes {
		if strings.EqualFold(first, prefix) {
			return true
		}
	}
	return false
}
