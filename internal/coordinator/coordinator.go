// Package coordinator sequences captures: it owns the download mode, the per-run
// counter and quota, the worker that writes captures to disk, and the action that
// follows every completed download.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bookget/capture/internal/channel"
	"github.com/bookget/capture/internal/config"
	"github.com/bookget/capture/internal/metrics"
	"github.com/bookget/capture/internal/policy"
	"github.com/bookget/capture/internal/retriever"
	"github.com/bookget/capture/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Env carries the per-process collaborators built once at startup.
type Env struct {
	Settings *config.Settings
	Log      zerolog.Logger
	PID      uint32
	Metrics  *metrics.Metrics
}

func NewEnv(settings *config.Settings, m *metrics.Metrics) Env {
	return Env{
		Settings: settings,
		Log:      utils.GetLogger("coordinator"),
		PID:      uint32(os.Getpid()),
		Metrics:  m,
	}
}

type State int

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Surface is the host browsing surface the coordinator drives.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	ExecuteScript(ctx context.Context, path string) error
}

// ContentSource is implemented by surfaces that can hand back the loaded page.
type ContentSource interface {
	PageContent(ctx context.Context) (html string, cookies string, err error)
}

// Fetcher performs out-of-band retrievals when a surface reported headers only.
type Fetcher interface {
	FetchToFile(ctx context.Context, url string, headers []utils.Header, path string) (int64, error)
}

type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Reporter receives per-download progress, typically for terminal output.
type Reporter interface {
	Captured(seq int, url, path string)
	Finished(seq int, path string, size int64, err error)
}

type Option func(*Coordinator)

func WithPolicy(p *policy.Policy) Option     { return func(c *Coordinator) { c.policy = p } }
func WithFetcher(f Fetcher) Option           { return func(c *Coordinator) { c.fetcher = f } }
func WithChannel(ch *channel.Channel) Option { return func(c *Coordinator) { c.channel = ch } }
func WithMirror(u Uploader) Option           { return func(c *Coordinator) { c.mirror = u } }
func WithReporter(r Reporter) Option         { return func(c *Coordinator) { c.reporter = r } }

type Coordinator struct {
	env      Env
	settings *config.Settings
	log      zerolog.Logger
	policy   *policy.Policy
	fetcher  Fetcher
	channel  *channel.Channel
	mirror   Uploader
	reporter Reporter

	mu           sync.Mutex
	state        State
	surface      Surface
	mode         utils.DownloadMode
	counter      int
	quota        int
	queue        []string
	cursor       int
	navSeq       int
	navCaptures  int
	navReported  bool
	advancedFor  int
	// sharedPath is the image path of the last claimed hand-off, until a capture
	// takes it. sharedServed is the path most recently handed to a capture.
	sharedPath   string
	sharedServed string
	runID        string
	cancel       context.CancelFunc
	jobs         *mailbox
	done         chan struct{}
	doneOnce     *sync.Once
	wg           sync.WaitGroup
}

func New(env Env, opts ...Option) *Coordinator {
	c := &Coordinator{
		env:      env,
		settings: env.Settings,
		log:      env.Log,
		state:    Idle,
		mode:     env.Settings.Mode(),
		quota:    env.Settings.Global.MaxDownloads,
		done:     make(chan struct{}),
		doneOnce: &sync.Once{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy == nil {
		c.policy = policy.New(policy.WithSitePatterns(env.Settings.InterceptPatterns()))
	}
	if c.fetcher == nil {
		c.fetcher = retriever.New(env.Settings.RetrieverConfig())
	}
	return c
}

// Attach sets the surface driven by the next Start.
func (c *Coordinator) Attach(s Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.surface = s
}

// Start begins a run. It is not reentrant: a running or draining coordinator
// returns ErrAlreadyRunning. A stopped coordinator may be started again.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running || c.state == Draining {
		return utils.ErrAlreadyRunning
	}
	if c.surface == nil {
		return fmt.Errorf("no surface attached to coordinator")
	}
	mode := c.settings.Mode()
	if mode == utils.SharedMemoryDriven && c.channel == nil {
		return fmt.Errorf("shared mode needs a shared channel")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mode = mode
	c.counter = 0
	c.quota = c.settings.Global.MaxDownloads
	c.queue, c.cursor = nil, 0
	c.navSeq, c.navCaptures, c.advancedFor = 0, 0, 0
	c.navReported = false
	c.sharedPath, c.sharedServed = "", ""
	c.runID = uuid.NewString()
	c.jobs = newMailbox()
	c.done = make(chan struct{})
	c.doneOnce = &sync.Once{}
	c.state = Running
	c.env.Metrics.SetQuotaRemaining(c.quota)

	c.wg.Add(2)
	go c.work(runCtx, c.jobs)
	go c.bootstrap(runCtx, mode)
	if c.channel != nil {
		c.wg.Add(1)
		go c.listen(runCtx)
	}
	c.log.Info().Str("op", "coordinator/start").Str("run", c.runID).Str("mode", mode.String()).Int("quota", c.quota).Msg("Run started")
	return nil
}

// Stop cancels the run, aborts any in-flight retrieval, waits for the worker and
// lands in Stopped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return
	}
	c.state = Draining
	cancel := c.cancel
	pending := c.jobs.len()
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.state = Stopped
	c.finishLocked()
	counter := c.counter
	c.mu.Unlock()
	c.log.Info().Str("op", "coordinator/stop").Str("run", c.runID).Int("downloads", counter).Int("dropped", pending).Msg("Run stopped")
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Mode() utils.DownloadMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Coordinator) Counter() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Done is closed once a list run is exhausted, the quota is reached, or the run
// is stopped.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Coordinator) finishLocked() {
	done := c.done
	c.doneOnce.Do(func() { close(done) })
}

func (c *Coordinator) bootstrap(ctx context.Context, mode utils.DownloadMode) {
	defer c.wg.Done()
	if warmup := c.settings.Global.Warmup; warmup > 0 {
		timer := time.NewTimer(warmup)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	switch mode {
	case utils.ListDriven:
		listPath := c.settings.ResolvePath(c.settings.Global.URLList)
		urls, err := config.LoadURLList(listPath)
		if err != nil {
			c.log.Error().Str("op", "coordinator/bootstrap").Err(err).Msg("Cannot load url list")
			c.mu.Lock()
			c.finishLocked()
			c.mu.Unlock()
			return
		}
		c.log.Info().Str("op", "coordinator/bootstrap").Int("urls", len(urls)).Str("path", listPath).Msg("Url list loaded")
		c.mu.Lock()
		c.queue = urls
		c.jobs.push(job{kind: jobNext})
		c.mu.Unlock()
	case utils.AutoIntercept:
		if start := c.settings.Global.StartURL; start != "" {
			c.jobs.push(job{kind: jobNavigate, url: start})
		}
	case utils.SharedMemoryDriven:
		c.log.Info().Str("op", "coordinator/bootstrap").Msg("Waiting for shared channel hand-offs")
	}
}
