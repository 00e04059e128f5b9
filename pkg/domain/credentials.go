package domain

import "strings"

// Cookie is a single name/value pair injected upstream.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CredentialBundle is one premium account: its cookies and, optionally, the
// outbound proxy its traffic must use.
type CredentialBundle struct {
	Cookies       []Cookie
	OutboundProxy string
}

// CookieHeader renders the bundle as a single Cookie header value.
func (b CredentialBundle) CookieHeader() string {
	parts := make([]string, 0, len(b.Cookies))
	for _, c := range b.Cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
