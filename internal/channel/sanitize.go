package channel

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	errs "trailkeep/internal/infrastructure/errors"
)

// resolveURL turns raw into an absolute https URL, resolving relative paths against base
func resolveURL(op, base, raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errs.NewValidationError(op, "url", raw, "url is required")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, errs.NewValidationError(op, "url", raw, "malformed url")
	}
	if !ref.IsAbs() {
		if base == "" {
			return nil, errs.NewValidationError(op, "url", raw, "relative url without a base url")
		}
		baseURL, err := url.Parse(base)
		if err != nil {
			return nil, errs.NewValidationError(op, "base_url", base, "malformed base url")
		}
		ref = baseURL.ResolveReference(ref)
	}
	if ref.Scheme != "https" {
		return nil, errs.NewValidationError(op, "url", redactURL(ref), "only https is allowed")
	}
	if ref.Host == "" {
		return nil, errs.NewValidationError(op, "url", raw, "url has no host")
	}
	return ref, nil
}

// redactURL drops query and credentials; presigned URLs carry their signature in the query
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.RawQuery = ""
	clean.ForceQuery = false
	clean.Fragment = ""
	clean.User = nil
	return clean.String()
}

// isTokenChar reports whether c may appear in an RFC 7230 token
func isTokenChar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

// validHeaderValue allows visible ASCII, space and tab
func validHeaderValue(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\t' || (c >= 0x20 && c <= 0x7e) {
			continue
		}
		return false
	}
	return true
}

// sanitizeHeaders validates caller headers and returns them canonicalized
func sanitizeHeaders(op string, headers map[string]string, config Config) (http.Header, error) {
	out := make(http.Header, len(headers)+3)
	for name, value := range headers {
		if len(name) > config.MaxHeaderNameBytes {
			return nil, errs.NewValidationError(op, "header", name, fmt.Sprintf("header name exceeds %d bytes", config.MaxHeaderNameBytes))
		}
		if !validToken(name) {
			return nil, errs.NewValidationError(op, "header", name, "header name has invalid characters")
		}
		if len(value) > config.MaxHeaderValueBytes {
			return nil, errs.NewValidationError(op, "header", name, fmt.Sprintf("header value exceeds %d bytes", config.MaxHeaderValueBytes))
		}
		if !validHeaderValue(value) {
			return nil, errs.NewValidationError(op, "header", name, "header value has invalid characters")
		}
		out.Set(name, value)
	}
	return out, nil
}

// encodeBody serializes a request body. []byte is sent as is, strings as text,
// everything else must survive json.Marshal.
func encodeBody(op string, body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "application/octet-stream", nil
	case string:
		return []byte(b), "text/plain; charset=utf-8", nil
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, "", errs.NewValidationError(op, "body", "", "raw json body is not valid json")
		}
		return b, "application/json", nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", errs.NewValidationError(op, "body", fmt.Sprintf("%T", body), "body is not JSON-serializable: "+err.Error())
	}
	return data, "application/json", nil
}

// bodyKind classifies a response content type
type bodyKind int

const (
	kindBinary bodyKind = iota
	kindJSON
	kindText
)

func classifyContentType(contentType string) bodyKind {
	if contentType == "" {
		return kindBinary
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return kindBinary
	}
	switch {
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return kindJSON
	case strings.HasPrefix(mediaType, "text/"):
		return kindText
	}
	return kindBinary
}

// parseBody decodes a response body by content type. strict controls whether
// malformed JSON is an error or falls back to text.
func parseBody(contentType string, raw []byte, strict bool) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch classifyContentType(contentType) {
	case kindJSON:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			if strict {
				return nil, fmt.Errorf("decode json response: %w", err)
			}
			return string(raw), nil
		}
		return v, nil
	case kindText:
		return string(raw), nil
	}
	return raw, nil
}
