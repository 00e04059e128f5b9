package relay

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"time"
)

var expiredPage = template.Must(template.New("expired").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Session expired</title></head>
<body>
<h1>Your session has expired</h1>
<p>Open the tool again from your dashboard to start a new session.</p>
</body>
</html>
`))

var limitPage = template.Must(template.New("limit").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Daily limit reached</title></head>
<body>
<h1>Daily download limit reached</h1>
{{if gt .Limit 0}}<p>Your plan allows {{.Limit}} downloads per day{{if .Site}} on {{.Site}}{{end}}.</p>{{end}}
<p>The counter resets at midnight.</p>
</body>
</html>
`))

// transparentGIF is a 1x1 transparent GIF answered for analytics beacons.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

func (h *Handler) serveExpired(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := expiredPage.Execute(w, nil); err != nil {
		h.logger.Warn("Rendering expired page failed", "error", err)
	}
}

func (h *Handler) serveLimitReached(w http.ResponseWriter, r *http.Request, site string) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		limit = 0
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	data := struct {
		Limit int
		Site  string
	}{Limit: limit, Site: site}
	if err := limitPage.Execute(w, data); err != nil {
		h.logger.Warn("Rendering limit page failed", "error", err)
	}
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(transparentGIF)))
	_, _ = w.Write(transparentGIF)
}

func (h *Handler) serveHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

type sessionStatus struct {
	Valid     bool       `json:"valid"`
	Site      string     `json:"site,omitempty"`
	Email     string     `json:"email,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// serveCheckSession reports whether the caller's cookies carry a usable
// session. It always answers 200.
func (h *Handler) serveCheckSession(w http.ResponseWriter, r *http.Request) {
	status := sessionStatus{}
	if s, err := h.sessions.Resolve(r); err == nil && h.validator.Validate(r.Context(), s) {
		expires := s.ExpiresAt(h.sessions.Expiration()).UTC()
		status = sessionStatus{Valid: true, Site: s.Site, Email: s.UserEmail, ExpiresAt: &expires}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(status)
}
