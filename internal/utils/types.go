package utils

import (
	"io"
	"strings"
	"time"
)

// Header is a single HTTP header line. Order of a []Header is preserved on the wire.
type Header struct {
	Name  string
	Value string
}

// HeaderValue returns the first value for name, matched case-insensitively.
func HeaderValue(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// DownloadMode selects how the next download target is chosen.
type DownloadMode int

const (
	ListDriven DownloadMode = iota
	AutoIntercept
	SharedMemoryDriven
)

func (m DownloadMode) String() string {
	switch m {
	case ListDriven:
		return "list"
	case AutoIntercept:
		return "auto"
	case SharedMemoryDriven:
		return "shared"
	default:
		return "unknown"
	}
}

func (m DownloadMode) Valid() bool {
	return m >= ListDriven && m <= SharedMemoryDriven
}

// Observation is what a host surface reports for a single network response.
// Body is nil when the surface only saw headers.
type Observation struct {
	Method          string
	URL             string
	RequestHeaders  []Header
	ResponseHeaders []Header
	Body            io.Reader
}

// DownloadRequest is created once a response is accepted and consumed once by the writer.
type DownloadRequest struct {
	URL                string
	ResponseHeaders    []Header
	RequestHeaders     []Header
	SequenceNumber     int
	SuggestedExtension string
	Body               []byte
	HasBody            bool
	CreatedAt          time.Time
}

// RetrieverConfig configures the raw socket HTTP client.
type RetrieverConfig struct {
	Timeout            time.Duration
	UserAgent          string
	Headers            []Header
	InsecureSkipVerify bool
	DecodeChunked      bool
	TuneSocket         bool
}
