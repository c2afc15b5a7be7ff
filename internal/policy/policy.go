// Package policy decides whether an observed network response is worth capturing.
package policy

import (
	"mime"
	"strconv"
	"strings"

	"github.com/bookget/capture/internal/utils"
)

// Verdict is the outcome of evaluating one response.
type Verdict struct {
	Accept bool
	Reason string
}

func accept(reason string) Verdict { return Verdict{Accept: true, Reason: reason} }
func reject(reason string) Verdict { return Verdict{Reason: reason} }

var defaultContentTypes = []string{
	"image/",
	"application/pdf",
	"application/octet-stream",
}

// Policy holds the allow-list, size window and force-capture site patterns.
// It is immutable after construction and safe for concurrent use.
type Policy struct {
	contentTypes []string
	minLength    int64
	maxLength    int64
	sitePatterns []string
}

type Option func(*Policy)

func WithSitePatterns(patterns []string) Option {
	return func(p *Policy) { p.sitePatterns = append([]string(nil), patterns...) }
}

func WithContentTypes(types []string) Option {
	return func(p *Policy) { p.contentTypes = append([]string(nil), types...) }
}

func WithLengthRange(min, max int64) Option {
	return func(p *Policy) { p.minLength, p.maxLength = min, max }
}

func New(opts ...Option) *Policy {
	p := &Policy{
		contentTypes: defaultContentTypes,
		minLength:    utils.MinCaptureBytes,
		maxLength:    utils.MaxCaptureBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate decides on a response given the request method, URL and response headers.
func (p *Policy) Evaluate(method, rawURL string, headers []utils.Header) Verdict {
	if strings.EqualFold(strings.TrimSpace(method), "OPTIONS") {
		return reject("preflight request")
	}
	if utils.IsLocalURI(rawURL) {
		return reject("local uri")
	}

	contentType, hasType := utils.HeaderValue(headers, "Content-Type")
	hasType = hasType && strings.TrimSpace(contentType) != ""
	if te, ok := utils.HeaderValue(headers, "Transfer-Encoding"); ok && hasType && isChunked(te) {
		return accept("chunked body")
	}

	if hasType && p.allowedType(contentType) {
		if length, ok := contentLength(headers); ok && length >= p.minLength && length <= p.maxLength {
			return accept("content type and length")
		}
	}

	for _, pattern := range p.sitePatterns {
		if utils.MatchURLPattern(pattern, rawURL) {
			return accept("site pattern " + pattern)
		}
	}
	return reject("not a capture candidate")
}

// WantsRequest is the request-side pre-filter: it skips preflights and API calls
// before a response body is ever requested.
func (p *Policy) WantsRequest(method, acceptHeader string) bool {
	if strings.EqualFold(method, "OPTIONS") {
		return false
	}
	wanted := strings.ToLower(acceptHeader)
	if strings.Contains(wanted, "application/json") {
		return false
	}
	return true
}

func (p *Policy) allowedType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	mediaType = strings.ToLower(mediaType)
	for _, allowed := range p.contentTypes {
		if strings.HasSuffix(allowed, "/") {
			if strings.HasPrefix(mediaType, allowed) {
				return true
			}
			continue
		}
		if mediaType == allowed {
			return true
		}
	}
	return false
}

func isChunked(transferEncoding string) bool {
	for _, coding := range strings.Split(transferEncoding, ",") {
		if strings.EqualFold(strings.TrimSpace(coding), "chunked") {
			return true
		}
	}
	return false
}

func contentLength(headers []utils.Header) (int64, bool) {
	raw, ok := utils.HeaderValue(headers, "Content-Length")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
