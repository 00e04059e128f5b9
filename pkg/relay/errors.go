package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/siterelay/pkg/domain"
)

// clientMessages are the only texts shown to clients outside debug mode.
var clientMessages = map[domain.ErrorKind]string{
	domain.KindAccessDenied:            "access denied",
	domain.KindNoCredentialsAvailable:  "no accounts available",
	domain.KindInvalidCredentialFormat: "invalid account configuration",
	domain.KindUpstreamUnavailable:     "upstream service unavailable",
	domain.KindSiteNotFound:            "site not found",
	domain.KindInternal:                "internal error",
}

// quotaError carries the limit the limit page displays.
func quotaError(site string, limit int) error {
	return &domain.RelayError{
		Err:     domain.ErrQuotaExceeded,
		Kind:    domain.KindQuotaExceeded,
		Message: "daily download limit reached",
		Details: map[string]any{"limit": limit, "site": site},
	}
}

// outcomeOf names the result of a request for logs and metrics.
func outcomeOf(r *http.Request, err error) string {
	if err == nil {
		return "ok"
	}
	if r.Context().Err() != nil {
		return "canceled"
	}
	return strings.ToLower(string(domain.Classify(err)))
}

// writeFailure converts err into the client response. It is the single place
// collaborator and upstream failures become HTTP.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, site *domain.SiteProfile, err error) {
	if r.Context().Err() != nil {
		// The client left; nobody reads the answer.
		return
	}
	kind := domain.Classify(err)

	switch kind {
	case domain.KindSessionExpired:
		http.Redirect(w, r, h.expiredPath, http.StatusFound)
		return
	case domain.KindQuotaExceeded:
		http.Redirect(w, r, limitLocation(site, quotaLimit(err)), http.StatusFound)
		return
	}

	status := kind.StatusCode()
	message := clientMessages[kind]
	if message == "" {
		message = clientMessages[domain.KindInternal]
	}
	if h.debugErrors {
		message += ": " + err.Error()
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Relay request failed", "site", siteName(site), "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		h.logger.Info("Relay request refused", "site", siteName(site), "path", r.URL.Path, "kind", kind, "error", err)
	}

	if wantsJSON(r, site) {
		writeJSONError(r.Context(), w, status, string(kind), message)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func writeJSONError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Code: code, Message: message, TraceID: traceID})
}

func wantsJSON(r *http.Request, site *domain.SiteProfile) bool {
	if site != nil {
		if name, rest := splitFirst(r.URL.Path); name == site.Name && site.IsAuxiliaryJSON(rest) {
			return true
		}
	}
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

func quotaLimit(err error) int {
	var relayErr *domain.RelayError
	if errors.As(err, &relayErr) {
		if limit, ok := relayErr.Details["limit"].(int); ok {
			return limit
		}
	}
	return 0
}

func limitLocation(site *domain.SiteProfile, limit int) string {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if site == nil {
		return "/limit-reached?" + q.Encode()
	}
	return site.LocalPrefix() + "/limit-reached?" + q.Encode()
}

func siteName(site *domain.SiteProfile) string {
	if site == nil {
		return ""
	}
	return site.Name
}
