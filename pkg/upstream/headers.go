package upstream

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are per-connection headers (RFC 7230) that never cross the relay.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardingIdentityHeaders would reveal the end user's address upstream.
var forwardingIdentityHeaders = []string{
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Forwarded-Port",
	"X-Forwarded-Server",
	"Via",
	"X-Real-IP",
	"X-Client-IP",
	"True-Client-IP",
	"CF-Connecting-IP",
}

// IsHopByHopHeader identifies HTTP hop-by-hop headers that should not be forwarded.
func IsHopByHopHeader(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// OutboundHeaders clones client headers for the upstream request, dropping
// hop-by-hop headers, headers named in Connection, forwarding identity,
// the client's own cookies and the relay's request ID.
func OutboundHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	for _, field := range src.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range forwardingIdentityHeaders {
		dst.Del(h)
	}
	dst.Del("Cookie")
	dst.Del("X-Request-Id")
	return dst
}

// CopyResponseHeaders copies upstream response headers to dst, filtering
// hop-by-hop headers and any name in strip.
func CopyResponseHeaders(dst, src http.Header, strip ...string) {
	for key, values := range src {
		if IsHopByHopHeader(key) || containsFold(strip, key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
