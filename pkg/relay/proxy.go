package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/polisai/siterelay/pkg/cache"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/quota"
	"github.com/polisai/siterelay/pkg/rewrite"
	"github.com/polisai/siterelay/pkg/upstream"
)

// strippedResponseHeaders never reach the client. Cookies of the premium
// account stay upstream; the security headers would break rewritten pages.
var strippedResponseHeaders = []string{
	"Set-Cookie",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"Strict-Transport-Security",
	"Alt-Svc",
}

// acceptedEncodings are the encodings upstream.DecodeBody understands.
const acceptedEncodings = "gzip, deflate, br"

// serveSite runs the proxy state machine for one site request.
func (h *Handler) serveSite(w http.ResponseWriter, r *http.Request, rt route) (string, error) {
	ctx := r.Context()
	site := rt.site

	sess, err := h.sessions.Resolve(r)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(sess.Site, site.Name) {
		return "", domain.Errorf(domain.ErrAccessDenied, "session belongs to site %q", sess.Site)
	}
	if !h.validator.Validate(ctx, sess) {
		return "", domain.Errorf(domain.ErrAccessDenied, "dashboard rejected session")
	}
	if !rt.asset && site.IsBanned(rt.rel) {
		return "", domain.Errorf(domain.ErrAccessDenied, "path %s is banned", rt.rel)
	}

	if !rt.asset && rt.rel == "/" && r.Method == http.MethodGet && site.RedirectPath != "" && site.RedirectPath != "/" {
		http.Redirect(w, r, site.LocalPrefix()+site.RedirectPath, http.StatusFound)
		return "redirect", nil
	}

	static := rt.asset || isStatic(rt.rel)
	cacheable := static && h.assets != nil && r.Method == http.MethodGet && r.Header.Get("Range") == ""
	assetKey := cache.AssetKey(rt.host, rt.rel, r.URL.RawQuery)
	if cacheable {
		if asset, ok := h.assets.Get(assetKey); ok {
			h.metrics.RecordCacheLookup("asset", true)
			writeCachedAsset(w, asset)
			return "cached", nil
		}
		h.metrics.RecordCacheLookup("asset", false)
	}

	download := !rt.asset && site.IsDownload(rt.rel)
	if download && h.quota != nil {
		decision := h.quota.CheckAllowed(ctx, sess.UserEmail, site.ToolName(), sess.Product)
		if !decision.Allowed {
			return "", quotaError(site.Name, decision.Limit)
		}
	}

	bundles, err := h.credentials.Bundles(ctx, sess.Prefix)
	if err != nil {
		return "", err
	}
	bundle, err := h.selector.Pick(bundles)
	if err != nil {
		return "", err
	}

	body, err := readRequestBody(r, h.maxBodyBytes)
	if err != nil {
		return "", err
	}

	aux := !rt.asset && site.IsAuxiliaryJSON(rt.rel)
	req := upstream.Request{
		Site:    site.Name,
		Class:   requestClass(static, download, aux),
		Method:  r.Method,
		URL:     upstreamURL(site, rt, r.URL.RawQuery),
		Header:  h.outboundHeaders(r, site),
		Cookies: bundle.Cookies,
		Body:    body,
	}
	if site.UsesExternalOutboundProxy {
		req.OutboundProxy = bundle.OutboundProxy
	}

	var result *upstream.Result
	switch {
	case download && site.Download.Token != nil:
		result, err = h.executeWithToken(ctx, site, req)
	case h.shouldRender(site, r, req.Class):
		result, err = h.render(ctx, req)
	default:
		result, err = h.upstream.Execute(ctx, req)
	}
	if err != nil {
		if aux && errors.Is(err, domain.ErrUpstreamUnavailable) {
			h.writeAuxFallback(w, site, "unavailable")
			return "aux_fallback", nil
		}
		return "", err
	}

	if result.Redirect != nil {
		h.writeRedirect(w, site, result.Redirect)
		return "redirect", nil
	}

	resp := result.Response
	if aux && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusTooManyRequests) {
		h.writeAuxFallback(w, site, strconv.Itoa(resp.StatusCode))
		return "aux_fallback", nil
	}

	header, out := h.responseFor(r, site, rt, static, resp)
	if cacheable && resp.StatusCode == http.StatusOK {
		h.assets.Set(assetKey, cache.CachedAsset{Status: resp.StatusCode, Header: header.Clone(), Body: out})
	}
	for key, values := range header {
		w.Header()[key] = values
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(out)
	}

	if download && h.quota != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.recordDownload(r, site, sess, rt.rel)
	}
	return "ok", nil
}

func requestClass(static, download, aux bool) upstream.Class {
	switch {
	case download:
		return upstream.ClassDownload
	case static:
		return upstream.ClassAsset
	case aux:
		return upstream.ClassAuxiliary
	default:
		return upstream.ClassNavigation
	}
}

func upstreamURL(site *domain.SiteProfile, rt route, rawQuery string) string {
	scheme := site.Scheme
	if scheme == "" {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: rt.host, Path: rt.rel, RawQuery: rawQuery}
	return u.String()
}

// outboundHeaders prepares client headers for upstream: relay identity is
// removed, Origin and Referer are mapped back onto the upstream site and the
// site's default headers win.
func (h *Handler) outboundHeaders(r *http.Request, site *domain.SiteProfile) http.Header {
	header := upstream.OutboundHeaders(r.Header)
	header.Set("Accept-Encoding", acceptedEncodings)

	if header.Get("Origin") != "" {
		header.Set("Origin", site.Origin())
	}
	if referer := header.Get("Referer"); referer != "" {
		if mapped, ok := h.upstreamReferer(referer, site); ok {
			header.Set("Referer", mapped)
		} else {
			header.Del("Referer")
		}
	}
	for key, value := range site.DefaultHeaders {
		header.Set(key, value)
	}
	return header
}

// upstreamReferer maps a relay URL under the site prefix back to the
// upstream origin.
func (h *Handler) upstreamReferer(referer string, site *domain.SiteProfile) (string, bool) {
	u, err := url.Parse(referer)
	if err != nil {
		return "", false
	}
	prefix := site.LocalPrefix()
	if u.Path != prefix && !strings.HasPrefix(u.Path, prefix+"/") {
		return "", false
	}
	rel := strings.TrimPrefix(u.Path, prefix)
	if rel == "" {
		rel = "/"
	}
	mapped := site.Origin() + rel
	if u.RawQuery != "" {
		mapped += "?" + u.RawQuery
	}
	return mapped, true
}

// responseFor builds the client headers and body for an upstream response.
func (h *Handler) responseFor(r *http.Request, site *domain.SiteProfile, rt route, static bool, resp *upstream.Response) (http.Header, []byte) {
	header := make(http.Header, len(resp.Header))
	strip := append(append([]string(nil), strippedResponseHeaders...), site.StripResponseHeaders...)
	upstream.CopyResponseHeaders(header, resp.Header, strip...)

	body := resp.Body
	contentType := resp.Header.Get("Content-Type")
	kind := rewrite.DetectKind(contentType)
	textual := kind == rewrite.KindCSS || kind == rewrite.KindJS || (kind == rewrite.KindHTML && !static)

	if textual && !site.SkipsRewrite(rt.rel) && len(body) > 0 {
		decoded, err := upstream.DecodeBody(body, resp.Header.Get("Content-Encoding"))
		if err != nil {
			h.logger.Warn("Response decode failed, relaying as is", "site", site.Name, "path", rt.rel, "error", err)
		} else {
			if static {
				body = h.rewriter.SubstituteDomains(decoded, contentType, site, h.publicURL)
			} else {
				body = h.rewriter.Rewrite(decoded, contentType, site, h.publicURL)
			}
			header.Del("Content-Encoding")
		}
	}

	if location := header.Get("Location"); location != "" {
		header.Set("Location", h.rewriter.RewriteLocation(location, site, h.publicURL))
	}
	if r.Method != http.MethodHead && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return header, body
}

func (h *Handler) writeRedirect(w http.ResponseWriter, site *domain.SiteProfile, redirect *upstream.Redirect) {
	strip := append(append([]string(nil), strippedResponseHeaders...), site.StripResponseHeaders...)
	strip = append(strip, "Content-Length", "Content-Encoding", "Content-Type")
	upstream.CopyResponseHeaders(w.Header(), redirect.Header, strip...)
	w.Header().Set("Location", h.rewriter.RewriteLocation(redirect.Location, site, h.publicURL))
	w.WriteHeader(redirect.StatusCode)
}

func (h *Handler) writeAuxFallback(w http.ResponseWriter, site *domain.SiteProfile, reason string) {
	h.metrics.RecordAuxFallback(site.Name, reason)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

func writeCachedAsset(w http.ResponseWriter, asset cache.CachedAsset) {
	for key, values := range asset.Header {
		w.Header()[key] = append([]string(nil), values...)
	}
	w.Header().Set("X-Relay-Cache", "hit")
	w.WriteHeader(asset.Status)
	_, _ = w.Write(asset.Body)
}

// recordDownload reports a completed download without holding up the
// response. Failures are logged by the gate.
func (h *Handler) recordDownload(r *http.Request, site *domain.SiteProfile, sess domain.UserSession, rel string) {
	usage := quota.Usage{
		Website: site.Domain,
		IP:      clientIP(r),
		Info:    map[string]any{"path": rel, "query": r.URL.RawQuery},
	}
	ctx := context.WithoutCancel(r.Context())
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, h.recordTimeout)
		defer cancel()
		h.quota.RecordUsage(ctx, sess.UserEmail, site.ToolName(), sess.Product, usage)
	}()
}

func readRequestBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, domain.Errorf(domain.ErrAccessDenied, "request body exceeds %d bytes", limit)
	}
	return data, nil
}

// clientIP prefers the first X-Forwarded-For hop set by the fronting proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
