// Package surface provides host browsing surfaces for the coordinator: a headless
// surface that navigates with the raw retriever, and a Chrome surface driven over
// the DevTools protocol.
package surface

import (
	"context"
	"sort"
	"strings"

	"github.com/bookget/capture/internal/policy"
	"github.com/bookget/capture/internal/utils"
)

// Observer receives what a surface sees. The coordinator implements it.
type Observer interface {
	OnResponseObserved(ctx context.Context, obs utils.Observation) policy.Verdict
	OnNavigationFinished(url string, captured bool, err error)
}

func sortedHeaders(m map[string]string) []utils.Header {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	headers := make([]utils.Header, 0, len(names))
	for _, name := range names {
		headers = append(headers, utils.Header{Name: name, Value: m[name]})
	}
	return headers
}

// cookieHeader folds Set-Cookie headers into a Cookie request header value.
func cookieHeader(headers []utils.Header) string {
	var pairs []string
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "Set-Cookie") {
			continue
		}
		pair, _, _ := strings.Cut(h.Value, ";")
		if pair = strings.TrimSpace(pair); pair != "" {
			pairs = append(pairs, pair)
		}
	}
	return strings.Join(pairs, "; ")
}
