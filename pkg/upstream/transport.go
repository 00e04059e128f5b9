package upstream

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const directKey = "direct"

// transportPool keeps one connection pool per outbound proxy.
type transportPool struct {
	dialTimeout time.Duration
	transports  *xsync.Map[string, http.RoundTripper]
	base        http.RoundTripper
}

func newTransportPool(dialTimeout time.Duration, base http.RoundTripper) *transportPool {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &transportPool{
		dialTimeout: dialTimeout,
		transports:  xsync.NewMap[string, http.RoundTripper](),
		base:        base,
	}
}

// get returns the round tripper for outboundProxy; empty means direct.
func (p *transportPool) get(outboundProxy string) (http.RoundTripper, error) {
	if p.base != nil && outboundProxy == "" {
		return p.base, nil
	}
	key := outboundProxy
	if key == "" {
		key = directKey
	}
	if rt, ok := p.transports.Load(key); ok {
		return rt, nil
	}

	var proxyURL *url.URL
	if outboundProxy != "" {
		u, err := url.Parse(outboundProxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid outbound proxy")
		}
		proxyURL = u
	}

	rt, _ := p.transports.LoadOrCompute(key, func() (http.RoundTripper, bool) {
		return otelhttp.NewTransport(p.newTransport(proxyURL)), false
	})
	return rt, nil
}

func (p *transportPool) newTransport(proxyURL *url.URL) *http.Transport {
	dialer := &net.Dialer{Timeout: p.dialTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   p.dialTimeout,
		ExpectContinueTimeout: time.Second,
		// Bodies are captured still encoded and decoded only when rewritten.
		DisableCompression: true,
	}
	if proxyURL != nil {
		t.Proxy = http.ProxyURL(proxyURL)
	}
	return t
}

func (p *transportPool) closeIdle() {
	p.transports.Range(func(_ string, rt http.RoundTripper) bool {
		if closer, ok := rt.(interface{ CloseIdleConnections() }); ok {
			closer.CloseIdleConnections()
		}
		return true
	})
}
