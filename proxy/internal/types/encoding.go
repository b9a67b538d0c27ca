package types

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// IsTextContentType reports whether the response's Content-Type header
// names a textual media type whose body is worth decoding for inspection
// or rewriting (text/*, plus the common structured text formats served as
// application/*).
func (resp *Response) IsTextContentType() bool {
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	if strings.HasPrefix(mediaType, "text/") {
		return true
	}

	switch mediaType {
	case "application/json", "application/javascript", "application/xml",
		"application/xhtml+xml", "application/x-www-form-urlencoded":
		return true
	}
	return strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml")
}

// DecodedBody returns the request body decoded according to its
// Content-Encoding header. An empty or "identity" encoding returns the
// body unchanged. An unrecognized encoding is an error.
func (r *Request) DecodedBody() ([]byte, error) {
	return decodeBody(r.Header.Get("Content-Encoding"), r.Body)
}

// DecodedBody returns the response body decoded according to its
// Content-Encoding header, as Request.DecodedBody does for requests.
func (resp *Response) DecodedBody() ([]byte, error) {
	return decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
}

// ReplaceToDecodedBody decodes the response body in place and strips the
// Content-Encoding/Transfer-Encoding headers so a client or addon reading
// resp.Body afterward sees plain content. Content-Length is recomputed to
// match. If decoding fails, the response is left untouched so the original
// (still-encoded) bytes keep flowing to the client.
func (resp *Response) ReplaceToDecodedBody() {
	decoded, err := resp.DecodedBody()
	if err != nil {
		return
	}
	resp.Body = decoded
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(decoded)))
}

func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported content-encoding: %q", encoding)
	}
}
