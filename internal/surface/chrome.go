package surface

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bookget/capture/internal/policy"
	"github.com/bookget/capture/internal/utils"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

type ChromeOptions struct {
	Headless     bool
	UserAgent    string
	CaptureDelay time.Duration
}

// Chrome drives a real browser tab. Responses are pre-filtered with the policy so
// that only candidate bodies are pulled over the DevTools connection.
type Chrome struct {
	opts     ChromeOptions
	observer Observer
	policy   *policy.Policy
	log      zerolog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	mu       sync.Mutex
	requests map[network.RequestID]utils.Observation
	pending  map[network.RequestID]utils.Observation
	bodies   sync.WaitGroup
	captured atomic.Int32
}

func NewChrome(parent context.Context, opts ChromeOptions, observer Observer, p *policy.Policy) (*Chrome, error) {
	if opts.CaptureDelay <= 0 {
		opts.CaptureDelay = 1500 * time.Millisecond
	}
	execOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	execOpts = append(execOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, execOpts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	c := &Chrome{
		opts:        opts,
		observer:    observer,
		policy:      p,
		log:         utils.GetLogger("surface"),
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		requests:    make(map[network.RequestID]utils.Observation),
		pending:     make(map[network.RequestID]utils.Observation),
	}
	chromedp.ListenTarget(ctx, c.onEvent)
	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		c.Close()
		return nil, fmt.Errorf("error starting browser: %w", err)
	}
	return c, nil
}

func (c *Chrome) Close() {
	c.cancel()
	c.allocCancel()
}

func (c *Chrome) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		c.mu.Lock()
		c.requests[ev.RequestID] = utils.Observation{
			Method:         ev.Request.Method,
			URL:            ev.Request.URL,
			RequestHeaders: convertHeaders(ev.Request.Headers),
		}
		c.mu.Unlock()
	case *network.EventResponseReceived:
		c.mu.Lock()
		obs, ok := c.requests[ev.RequestID]
		delete(c.requests, ev.RequestID)
		c.mu.Unlock()
		if !ok {
			obs = utils.Observation{Method: "GET", URL: ev.Response.URL}
		}
		accept, _ := utils.HeaderValue(obs.RequestHeaders, "Accept")
		if !c.policy.WantsRequest(obs.Method, accept) {
			return
		}
		obs.ResponseHeaders = convertHeaders(ev.Response.Headers)
		if !c.policy.Evaluate(obs.Method, obs.URL, obs.ResponseHeaders).Accept {
			return
		}
		c.mu.Lock()
		c.pending[ev.RequestID] = obs
		c.mu.Unlock()
	case *network.EventLoadingFinished:
		c.mu.Lock()
		obs, ok := c.pending[ev.RequestID]
		delete(c.pending, ev.RequestID)
		c.mu.Unlock()
		if !ok {
			return
		}
		// listeners must not block the event loop
		c.bodies.Add(1)
		go c.deliver(ev.RequestID, obs)
	case *network.EventLoadingFailed:
		c.mu.Lock()
		delete(c.pending, ev.RequestID)
		delete(c.requests, ev.RequestID)
		c.mu.Unlock()
	}
}

func (c *Chrome) deliver(id network.RequestID, obs utils.Observation) {
	defer c.bodies.Done()
	var body []byte
	err := chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil {
		// headers alone still allow an out-of-band retrieval
		c.log.Debug().Str("op", "surface/chrome").Err(err).Str("url", obs.URL).Msg("Body unavailable")
	} else {
		obs.Body = bytes.NewReader(body)
	}
	if c.observer.OnResponseObserved(c.ctx, obs).Accept {
		c.captured.Add(1)
	}
}

// run executes actions on the tab and aborts them when ctx is done.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	c.captured.Store(0)
	err := c.run(ctx, chromedp.Navigate(url), chromedp.Sleep(c.opts.CaptureDelay))
	c.bodies.Wait()
	c.observer.OnNavigationFinished(url, c.captured.Load() > 0, err)
	return err
}

func (c *Chrome) ExecuteScript(ctx context.Context, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading script: %w", err)
	}
	if err := c.run(ctx, chromedp.Evaluate(string(script), nil)); err != nil {
		return fmt.Errorf("error running script %s: %w", path, err)
	}
	c.log.Debug().Str("op", "surface/chrome").Str("script", path).Msg("Script executed")
	return nil
}

func (c *Chrome) PageContent(ctx context.Context) (string, string, error) {
	var html string
	var cookies []*network.Cookie
	err := c.run(ctx,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", "", err
	}
	pairs := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		pairs = append(pairs, cookie.Name+"="+cookie.Value)
	}
	return html, strings.Join(pairs, "; "), nil
}

func convertHeaders(h network.Headers) []utils.Header {
	m := make(map[string]string, len(h))
	for name, value := range h {
		m[name] = fmt.Sprint(value)
	}
	return sortedHeaders(m)
}
