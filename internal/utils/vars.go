package utils

import (
	"errors"
	"time"
)

const DefaultBufferSize = 1024 * 256
const TempSuffix = ".part"
const LogFile = ".bookget-capture.log"

const (
	MinCaptureBytes = 10 * 1024
	MaxCaptureBytes = 20 * 1024 * 1024
	// bodies of chunked responses have no declared size, cap what a surface may hand over
	MaxBufferedBody = 64 * 1024 * 1024
)

const (
	ChannelLockTimeout = 5 * time.Second
	ChannelPollTick    = 200 * time.Millisecond
	DefaultWarmup      = 3 * time.Second
)

var (
	ErrQuotaExceeded   = errors.New("download quota exceeded")
	ErrChannelTimeout  = errors.New("timed out acquiring shared channel mutex")
	ErrChannelClosed   = errors.New("shared channel is closed")
	ErrAlreadyRunning  = errors.New("coordinator is already running")
	ErrNoImagePath     = errors.New("shared record carries no image path")
	ErrUnsupported     = errors.New("operation not supported by this surface")
	ErrBodyTooLarge    = errors.New("response body exceeds capture limit")
	ErrInvalidURL      = errors.New("invalid URL")
	ErrUnexpectedState = errors.New("unexpected coordinator state")
)

// Local-only User-Agent list
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36 Edg/132.0.0.0",
}
