package credentials

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/polisai/siterelay/pkg/domain"
)

// accountsPayload is the account API response. Each account is either a
// cookie array, a JSON string holding a cookie array, or an object with a
// cookies field.
type accountsPayload struct {
	Accounts        []json.RawMessage `json:"accounts"`
	Proxies         []string          `json:"proxies"`
	OutboundProxies []string          `json:"outbound_proxies"`
}

type wireCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParseAccounts normalizes an account API body into credential bundles.
// Bundle i gets the i-th outbound proxy when one is listed.
func ParseAccounts(body []byte) ([]domain.CredentialBundle, error) {
	var payload accountsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.Errorf(domain.ErrInvalidCredentialFormat, "decode account payload: %v", err)
	}

	proxies := payload.OutboundProxies
	if len(proxies) == 0 {
		proxies = payload.Proxies
	}

	bundles := make([]domain.CredentialBundle, 0, len(payload.Accounts))
	for i, raw := range payload.Accounts {
		cookies, err := parseCookies(raw)
		if err != nil {
			// Never echo the raw payload, it carries live session values.
			return nil, domain.Errorf(domain.ErrInvalidCredentialFormat, "account %d: %v", i, err)
		}
		bundle := domain.CredentialBundle{Cookies: cookies}
		if i < len(proxies) {
			proxy, err := NormalizeProxy(proxies[i])
			if err != nil {
				return nil, domain.Errorf(domain.ErrInvalidCredentialFormat, "account %d proxy: %v", i, err)
			}
			bundle.OutboundProxy = proxy
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

func parseCookies(raw json.RawMessage) ([]domain.Cookie, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty account")
	}

	switch trimmed[0] {
	case '"':
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, fmt.Errorf("cookie string: %w", err)
		}
		inner := bytes.TrimSpace([]byte(encoded))
		if len(inner) == 0 || inner[0] == '"' {
			return nil, fmt.Errorf("cookie string does not hold a cookie list")
		}
		return parseCookies(inner)
	case '[':
		var wire []wireCookie
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return nil, fmt.Errorf("cookie list: %w", err)
		}
		return toCookies(wire)
	case '{':
		var obj struct {
			Cookies json.RawMessage `json:"cookies"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("account object: %w", err)
		}
		if len(obj.Cookies) == 0 {
			return nil, fmt.Errorf("account object has no cookies")
		}
		return parseCookies(obj.Cookies)
	default:
		return nil, fmt.Errorf("unsupported account shape")
	}
}

func toCookies(wire []wireCookie) ([]domain.Cookie, error) {
	cookies := make([]domain.Cookie, 0, len(wire))
	for i, c := range wire {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("cookie %d has no name", i)
		}
		cookies = append(cookies, domain.Cookie{Name: name, Value: c.Value})
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("no cookies")
	}
	return cookies, nil
}

// NormalizeProxy turns "host:port", "host:port:user:pass" or a proxy URL into
// a proxy URL string.
func NormalizeProxy(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("malformed proxy url")
		}
		return u.String(), nil
	}

	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("malformed proxy address")
		}
		return "http://" + net.JoinHostPort(parts[0], parts[1]), nil
	case 4:
		u := &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(parts[0], parts[1]),
			User:   url.UserPassword(parts[2], parts[3]),
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("malformed proxy address")
	}
}
