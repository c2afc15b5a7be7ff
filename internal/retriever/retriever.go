// Package retriever is a minimal HTTP/1.1 client written directly over TCP and TLS
// sockets. It sends a single GET per connection, never follows redirects and never
// retries.
package retriever

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bookget/capture/internal/utils"
	"github.com/rs/zerolog"
)

const maxHeaderBytes = 1 << 20

// Response is an open response whose body is still on the wire. Close must be called.
type Response struct {
	Proto      string
	StatusCode int
	Status     string
	Headers    []utils.Header
	Body       io.Reader

	conn net.Conn
	stop func() bool
}

func (r *Response) Close() error {
	if r.stop != nil {
		r.stop()
	}
	return r.conn.Close()
}

type Retriever struct {
	cfg  utils.RetrieverConfig
	dial DialFunc
	log  zerolog.Logger
}

// DialFunc opens the TCP connection to addr ("host:port").
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Option func(*Retriever)

// WithDial replaces the socket dialer, for instance to pin a host name to a
// fixed address. The Host header and TLS server name still follow the URL.
func WithDial(dial DialFunc) Option {
	return func(r *Retriever) { r.dial = dial }
}

func New(cfg utils.RetrieverConfig, opts ...Option) *Retriever {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.TuneSocket {
		dialer.Control = utils.SocketControl
	}
	r := &Retriever{
		cfg:  cfg,
		dial: dialer.DialContext,
		log:  utils.GetLogger("retriever"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type target struct {
	secure bool
	host   string // value of the Host header
	server string
	port   string
	path   string
}

func parseTarget(rawURL string) (target, error) {
	var t target
	schemeEnd := strings.Index(rawURL, "://")
	if schemeEnd <= 0 {
		return t, fmt.Errorf("%w: missing scheme in %q", utils.ErrInvalidURL, rawURL)
	}
	switch strings.ToLower(rawURL[:schemeEnd]) {
	case "https":
		t.secure = true
	case "http":
	default:
		return t, fmt.Errorf("%w: unsupported scheme %q", utils.ErrInvalidURL, rawURL[:schemeEnd])
	}
	rest := rawURL[schemeEnd+3:]
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	hostEnd := strings.IndexAny(rest, "/?")
	if hostEnd < 0 {
		t.host, t.path = rest, "/"
	} else {
		t.host, t.path = rest[:hostEnd], rest[hostEnd:]
		if strings.HasPrefix(t.path, "?") {
			t.path = "/" + t.path
		}
	}
	if at := strings.LastIndexByte(t.host, '@'); at >= 0 {
		t.host = t.host[at+1:]
	}
	if t.host == "" {
		return t, fmt.Errorf("%w: missing host in %q", utils.ErrInvalidURL, rawURL)
	}
	if server, port, err := net.SplitHostPort(t.host); err == nil {
		t.server, t.port = server, port
	} else {
		t.server = strings.Trim(t.host, "[]")
		t.port = "80"
		if t.secure {
			t.port = "443"
		}
	}
	return t, nil
}

func (r *Retriever) buildRequest(t target, headers []utils.Header) string {
	var b strings.Builder
	b.WriteString("GET " + t.path + " HTTP/1.1\r\n")
	b.WriteString("Host: " + t.host + "\r\n")
	all := make([]utils.Header, 0, len(r.cfg.Headers)+len(headers)+1)
	if _, ok := utils.HeaderValue(headers, "User-Agent"); !ok && r.cfg.UserAgent != "" {
		all = append(all, utils.Header{Name: "User-Agent", Value: r.cfg.UserAgent})
	}
	all = append(all, r.cfg.Headers...)
	all = append(all, headers...)
	for _, h := range all {
		if strings.EqualFold(h.Name, "Host") || strings.EqualFold(h.Name, "Connection") {
			r.log.Debug().Str("op", "retriever/request").Str("header", h.Name).Str("value", h.Value).Msg("Header owned by the client, dropped")
			continue
		}
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	b.WriteString("Connection: close\r\n\r\n")
	return b.String()
}

// Open connects, sends the request and reads the status line and header block.
// Any status other than 200 is a failure.
//
// Caller headers go out verbatim and in order after the configured ones, except
// Host and Connection: the client always sends the URL's host and
// "Connection: close". The configured User-Agent is added only when the caller
// sends none.
func (r *Retriever) Open(ctx context.Context, rawURL string, headers []utils.Header) (*Response, error) {
	t, err := parseTarget(rawURL)
	if err != nil {
		return nil, protocolErr("parse url", err)
	}
	conn, err := r.dial(ctx, "tcp", net.JoinHostPort(t.server, t.port))
	if err != nil {
		return nil, transportErr("dial "+t.host, err)
	}
	// an expired deadline unblocks any pending read or write once ctx is done
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	fail := func(err error) (*Response, error) {
		stop()
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, transportErr("cancelled", ctxErr)
		}
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(r.cfg.Timeout))

	if t.secure {
		// verification is only ever disabled by explicit configuration
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         t.server,
			InsecureSkipVerify: r.cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fail(transportErr("tls handshake", err))
		}
		conn = tlsConn
	}

	request := r.buildRequest(t, headers)
	if _, err := io.WriteString(conn, request); err != nil {
		return fail(transportErr("write request", err))
	}
	r.log.Debug().Str("op", "retriever/open").Str("host", t.host).Str("path", t.path).Msg("Request sent")

	br := bufio.NewReaderSize(conn, 32*1024)
	resp := &Response{conn: conn, stop: stop}
	if err := readHead(br, resp); err != nil {
		return fail(err)
	}
	if resp.StatusCode != 200 {
		return fail(protocolErr("status", &StatusError{Code: resp.StatusCode, Status: resp.Status}))
	}
	resp.Body = r.bodyReader(br, conn, resp.Headers)
	return resp, nil
}

func readHead(br *bufio.Reader, resp *Response) error {
	line, err := br.ReadString('\n')
	if err != nil {
		return transportErr("read status line", err)
	}
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return protocolErr("parse status line", fmt.Errorf("%w: %q", errMalformedStatus, line))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return protocolErr("parse status line", fmt.Errorf("%w: %q", errMalformedStatus, line))
	}
	resp.Proto, resp.StatusCode = parts[0], code
	if len(parts) == 3 {
		resp.Status = parts[2]
	}

	total := len(line)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return transportErr("read headers", err)
		}
		total += len(line)
		if total > maxHeaderBytes {
			return protocolErr("read headers", errHeaderTooLarge)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return nil
		}
		if (line[0] == ' ' || line[0] == '\t') && len(resp.Headers) > 0 {
			last := &resp.Headers[len(resp.Headers)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return protocolErr("parse headers", fmt.Errorf("%w: %q", errMalformedHeader, line))
		}
		resp.Headers = append(resp.Headers, utils.Header{
			Name:  strings.TrimSpace(line[:colon]),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}
}

func (r *Retriever) bodyReader(br *bufio.Reader, conn net.Conn, headers []utils.Header) io.Reader {
	var body io.Reader = &idleReader{r: br, conn: conn, idle: r.cfg.Timeout}
	if te, ok := utils.HeaderValue(headers, "Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		if r.cfg.DecodeChunked {
			return httputil.NewChunkedReader(body)
		}
		return body
	}
	if cl, ok := utils.HeaderValue(headers, "Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			return &exactReader{r: io.LimitReader(body, n), remaining: n}
		}
	}
	return body
}

// idleReader pushes the read deadline forward on every read so that only a stalled
// peer times out, not a long transfer.
type idleReader struct {
	r    io.Reader
	conn net.Conn
	idle time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	ir.conn.SetReadDeadline(time.Now().Add(ir.idle))
	return ir.r.Read(p)
}

type exactReader struct {
	r         io.Reader
	remaining int64
}

func (er *exactReader) Read(p []byte) (int, error) {
	n, err := er.r.Read(p)
	er.remaining -= int64(n)
	if err == io.EOF && er.remaining > 0 {
		return n, errShortBody
	}
	return n, err
}

// Fetch retrieves rawURL and streams the body into sink. Headers are sent as
// described on Open.
func (r *Retriever) Fetch(ctx context.Context, rawURL string, headers []utils.Header, sink io.Writer) (int64, error) {
	resp, err := r.Open(ctx, rawURL, headers)
	if err != nil {
		return 0, err
	}
	defer resp.Close()

	var written int64
	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := sink.Write(buffer[:n]); writeErr != nil {
				return written, ioErr("write sink", writeErr)
			}
			written += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			if ctx.Err() != nil {
				return written, transportErr("cancelled", ctx.Err())
			}
			if errors.Is(readErr, errShortBody) {
				return written, protocolErr("read body", readErr)
			}
			return written, transportErr("read body", readErr)
		}
	}
}

// FetchToFile retrieves rawURL into path through a temp file. Nothing is left
// behind at path or at the temp path when the retrieval fails.
func (r *Retriever) FetchToFile(ctx context.Context, rawURL string, headers []utils.Header, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, ioErr("create directory", err)
	}
	tempPath := path + utils.TempSuffix
	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, ioErr("create temp file", err)
	}
	n, err := r.Fetch(ctx, rawURL, headers, out)
	if err == nil {
		if syncErr := out.Sync(); syncErr != nil {
			err = ioErr("sync temp file", syncErr)
		}
	}
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = ioErr("close temp file", closeErr)
	}
	if err != nil {
		os.Remove(tempPath)
		r.log.Error().Str("op", "retriever/fetch").Err(err).Str("url", rawURL).Msg("Retrieval failed")
		return 0, err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return 0, ioErr("finalize output file", err)
	}
	r.log.Info().Str("op", "retriever/fetch").Str("path", path).Str("size", utils.FormatBytes(uint64(n))).Msg("Retrieval complete")
	return n, nil
}
