package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// ParseHeaderArgs turns "Name: Value" flag values into ordered headers.
func ParseHeaderArgs(headers []string) []Header {
	var result []Header
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			result = append(result, Header{Name: key, Value: strings.TrimSpace(parts[1])})
		}
	}
	return result
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

var patternCache sync.Map // pattern -> *regexp.Regexp

// WildcardToRegexp converts a site pattern into an anchored, case-insensitive expression.
// '*' matches any run of characters and '?' a single one; everything else is literal.
func WildcardToRegexp(pattern string) *regexp.Regexp {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re := regexp.MustCompile(b.String())
	patternCache.Store(pattern, re)
	return re
}

func MatchURLPattern(pattern, rawURL string) bool {
	if pattern == "" {
		return false
	}
	return WildcardToRegexp(pattern).MatchString(rawURL)
}

var localPrefixes = []string{
	"file://",
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
	"http://[::1]",
	"https://[::1]",
}

// IsLocalURI reports whether rawURL points at the local machine.
func IsLocalURI(rawURL string) bool {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	for _, prefix := range localPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// URLExtension returns the trailing extension of the URL path (dot included),
// or "" when there is none or it is longer than 5 characters.
func URLExtension(rawURL string) string {
	p := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		p = parsed.Path
	}
	ext := path.Ext(p)
	if ext == "." || len(ext) > 5 {
		return ""
	}
	return ext
}

// NormalizeExt makes sure a configured extension starts with a dot.
func NormalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

// CleanPartials removes leftover temp files of interrupted retrievals in dir.
func CleanPartials(dir string) (int, error) {
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), TempSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, file.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
