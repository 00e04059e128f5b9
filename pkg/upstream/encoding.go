package upstream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// DecodeBody undoes a Content-Encoding so the body can be rewritten as text.
// Unknown encodings are reported as errors; identity returns body unchanged.
func DecodeBody(body []byte, contentEncoding string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))
	if encoding == "" || encoding == "identity" || len(body) == 0 {
		return body, nil
	}

	var reader io.Reader
	switch encoding {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer func() { _ = zr.Close() }()
			reader = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer func() { _ = fr.Close() }()
			reader = fr
		}
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", encoding, err)
	}
	return decoded, nil
}
