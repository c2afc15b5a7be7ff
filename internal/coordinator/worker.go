package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bookget/capture/internal/utils"
)

type jobKind int

const (
	jobDownload jobKind = iota
	jobNavigate
	jobNext
)

// job is an owned message for the worker. Nothing in it is shared with the sender.
type job struct {
	kind   jobKind
	req    utils.DownloadRequest
	path   string
	url    string
	seq    int
	mode   utils.DownloadMode
	shared bool
}

// mailbox is the worker's private queue. push never blocks, so surfaces may report
// captures from inside a navigation the worker itself is running.
type mailbox struct {
	mu    sync.Mutex
	items []job
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(j job) {
	m.mu.Lock()
	m.items = append(m.items, j)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return job{}, false
	}
	j := m.items[0]
	m.items[0] = job{}
	m.items = m.items[1:]
	return j, true
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (c *Coordinator) work(ctx context.Context, box *mailbox) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		j, ok := box.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-box.ready:
			}
			continue
		}
		switch j.kind {
		case jobDownload:
			c.download(ctx, j)
		case jobNavigate:
			c.navigate(ctx, j.url, j.shared)
		case jobNext:
			c.navigateNext(ctx)
		}
	}
}

// advanceLocked queues the next list navigation, at most once per navigation.
func (c *Coordinator) advanceLocked(seq int) {
	if c.mode != utils.ListDriven || seq != c.navSeq || c.advancedFor == seq {
		return
	}
	c.advancedFor = seq
	c.jobs.push(job{kind: jobNext})
}

func (c *Coordinator) navigateNext(ctx context.Context) {
	c.mu.Lock()
	if c.mode != utils.ListDriven {
		c.mu.Unlock()
		return
	}
	if c.counter >= c.quota || c.cursor >= len(c.queue) {
		c.log.Info().Str("op", "coordinator/next").Int("downloads", c.counter).Int("visited", c.cursor).Int("queued", len(c.queue)).Msg("Url list finished")
		c.finishLocked()
		c.mu.Unlock()
		return
	}
	url := c.queue[c.cursor]
	c.cursor++
	c.mu.Unlock()
	c.navigate(ctx, url, false)
}

func (c *Coordinator) navigate(ctx context.Context, url string, shared bool) {
	c.mu.Lock()
	c.navSeq++
	seq := c.navSeq
	c.navCaptures = 0
	c.navReported = false
	surface := c.surface
	c.mu.Unlock()

	c.log.Info().Str("op", "coordinator/navigate").Int("nav", seq).Str("url", url).Msg("Navigating")
	err := surface.Navigate(ctx, url)
	c.env.Metrics.ObserveNavigation(err)
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	reported := c.navReported && c.navSeq == seq
	c.mu.Unlock()
	if !reported {
		c.OnNavigationFinished(url, false, err)
	}
	if shared && err == nil {
		c.publishContent(ctx, surface)
	}
}

// publishContent answers a sibling's URL hand-off with the loaded page.
func (c *Coordinator) publishContent(ctx context.Context, surface Surface) {
	source, ok := surface.(ContentSource)
	if !ok || c.channel == nil {
		return
	}
	html, cookies, err := source.PageContent(ctx)
	if err != nil {
		c.log.Warn().Str("op", "coordinator/publish").Err(err).Msg("Cannot read page content")
		return
	}
	if err := c.channel.WriteHTML(html); err != nil {
		c.log.Error().Str("op", "coordinator/publish").Err(err).Msg("Failed to publish html")
	}
	if err := c.channel.WriteCookies(cookies); err != nil {
		c.log.Error().Str("op", "coordinator/publish").Err(err).Msg("Failed to publish cookies")
	}
}

func (c *Coordinator) download(ctx context.Context, j job) {
	req := j.req
	if c.reporter != nil {
		c.reporter.Captured(req.SequenceNumber, req.URL, j.path)
	}
	start := time.Now()
	var (
		size   int64
		err    error
		source = "refetch"
	)
	if req.HasBody {
		source = "body"
		size, err = writeCapture(j.path, req.Body)
	} else {
		size, err = c.fetcher.FetchToFile(ctx, req.URL, req.RequestHeaders, j.path)
	}
	c.env.Metrics.ObserveDownload(source, size, time.Since(start), err)
	if c.reporter != nil {
		c.reporter.Finished(req.SequenceNumber, j.path, size, err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// the counter keeps its value, the file is not retried
		c.log.Error().Str("op", "coordinator/download").Err(err).Str("url", req.URL).Str("path", j.path).Msg("Download failed")
		c.mu.Lock()
		c.advanceLocked(j.seq)
		c.mu.Unlock()
		return
	}
	c.log.Info().Str("op", "coordinator/download").Str("path", j.path).Str("size", utils.FormatBytes(uint64(size))).Msg("Download complete")

	if c.mirror != nil {
		if err := c.mirror.Upload(ctx, j.path); err != nil {
			c.log.Warn().Str("op", "coordinator/mirror").Err(err).Msg("Mirror upload failed")
		}
	}
	if !c.throttle(ctx) {
		return
	}
	c.postAction(ctx, j)
}

func (c *Coordinator) throttle(ctx context.Context) bool {
	pause := c.settings.SleepDuration()
	if pause <= 0 {
		return true
	}
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// postAction fires exactly one follow-up for a completed download, selected by the
// mode the capture was accepted under.
func (c *Coordinator) postAction(ctx context.Context, j job) {
	switch j.mode {
	case utils.ListDriven:
		c.mu.Lock()
		c.advanceLocked(j.seq)
		c.mu.Unlock()
	case utils.AutoIntercept:
		c.mu.Lock()
		if c.counter >= c.quota {
			c.finishLocked()
		}
		surface := c.surface
		c.mu.Unlock()
		script := c.settings.ScriptFor(j.req.URL)
		if script == "" {
			return
		}
		if err := surface.ExecuteScript(ctx, script); err != nil {
			c.log.Warn().Str("op", "coordinator/script").Err(err).Str("script", script).Msg("Post-download script failed")
		}
	case utils.SharedMemoryDriven:
		if err := c.channel.WriteImagePath(j.path); err != nil {
			c.log.Error().Str("op", "coordinator/publish").Err(err).Str("path", j.path).Msg("Failed to publish image path")
		}
	}
}

// writeCapture stores a body handed over by the surface through a temp file.
func writeCapture(path string, body []byte) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("error creating download directory: %w", err)
	}
	tempPath := path + utils.TempSuffix
	if err := os.WriteFile(tempPath, body, 0644); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("error writing capture: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("error finalizing capture: %w", err)
	}
	return int64(len(body)), nil
}
