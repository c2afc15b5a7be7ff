package coordinator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bookget/capture/internal/channel"
	"github.com/bookget/capture/internal/policy"
	"github.com/bookget/capture/internal/utils"
)

// OnResponseObserved is called by the surface for every response it sees. An
// accepted response is turned into a download job; the verdict is returned to the
// surface.
func (c *Coordinator) OnResponseObserved(ctx context.Context, obs utils.Observation) policy.Verdict {
	if c.State() != Running {
		return policy.Verdict{Reason: "coordinator not running"}
	}
	verdict := c.policy.Evaluate(obs.Method, obs.URL, obs.ResponseHeaders)
	c.env.Metrics.ObserveVerdict(verdict.Accept)
	if !verdict.Accept {
		c.log.Debug().Str("op", "coordinator/observe").Str("url", obs.URL).Str("reason", verdict.Reason).Msg("Response rejected")
		return verdict
	}

	req := utils.DownloadRequest{
		URL:                obs.URL,
		ResponseHeaders:    obs.ResponseHeaders,
		RequestHeaders:     obs.RequestHeaders,
		SuggestedExtension: c.settings.ExtensionFor(obs.URL),
		CreatedAt:          time.Now(),
	}
	if obs.Body != nil && ctx.Err() == nil {
		body, err := io.ReadAll(io.LimitReader(obs.Body, utils.MaxBufferedBody+1))
		switch {
		case err != nil:
			c.log.Warn().Str("op", "coordinator/observe").Err(err).Str("url", obs.URL).Msg("Body unreadable, retrieving out of band")
		case len(body) > utils.MaxBufferedBody:
			c.log.Warn().Str("op", "coordinator/observe").Err(utils.ErrBodyTooLarge).Str("url", obs.URL).Msg("Retrieving out of band")
		default:
			req.Body, req.HasBody = body, true
		}
	}

	if err := c.enqueue(req); err != nil {
		c.log.Info().Str("op", "coordinator/observe").Err(err).Str("url", obs.URL).Msg("Capture skipped")
		return policy.Verdict{Reason: err.Error()}
	}
	return verdict
}

// RequestDownload queues an out-of-band retrieval of url.
func (c *Coordinator) RequestDownload(url string, headers []utils.Header) error {
	return c.enqueue(utils.DownloadRequest{
		URL:                url,
		RequestHeaders:     headers,
		SuggestedExtension: c.settings.ExtensionFor(url),
		CreatedAt:          time.Now(),
	})
}

func (c *Coordinator) enqueue(req utils.DownloadRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return utils.ErrUnexpectedState
	}
	path, seq, err := c.reserveLocked(req.URL)
	if err != nil {
		if errors.Is(err, utils.ErrQuotaExceeded) {
			c.finishLocked()
		}
		return err
	}
	req.SequenceNumber = seq
	c.navCaptures++
	c.jobs.push(job{kind: jobDownload, req: req, path: path, seq: c.navSeq, mode: c.mode})
	return nil
}

// OnNavigationFinished is called by the surface once a navigation settled. A list
// run moves on when the navigation produced no capture.
func (c *Coordinator) OnNavigationFinished(url string, captured bool, err error) {
	if err != nil {
		c.log.Warn().Str("op", "coordinator/navigate").Err(err).Str("url", url).Msg("Navigation failed")
	} else {
		c.log.Debug().Str("op", "coordinator/navigate").Str("url", url).Bool("captured", captured).Msg("Navigation finished")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return
	}
	c.navReported = true
	if c.mode == utils.ListDriven && c.navCaptures == 0 {
		c.advanceLocked(c.navSeq)
	}
}

// HandleNotification applies a hand-off published by a sibling process.
func (c *Coordinator) HandleNotification(snap channel.Snapshot) {
	if snap.Owner == c.env.PID || c.channel == nil {
		return
	}
	claimed, ok, err := c.channel.ClaimURL()
	if err != nil {
		c.log.Debug().Str("op", "coordinator/notify").Err(err).Msg("Cannot claim hand-off")
		return
	}
	if !ok {
		return
	}
	c.env.Metrics.ObserveNotification()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return
	}
	if claimed.ImageReady && claimed.ImagePath != "" {
		c.mode = utils.SharedMemoryDriven
		c.sharedPath, c.sharedServed = claimed.ImagePath, ""
	} else {
		// a URL-only hand-off asks for the page, not for an image
		c.sharedPath = ""
	}
	c.log.Info().Str("op", "coordinator/notify").Uint32("from", claimed.Owner).Str("url", claimed.URL).Str("mode", c.mode.String()).Msg("Hand-off claimed")
	c.jobs.push(job{kind: jobNavigate, url: claimed.URL, shared: true})
}

func (c *Coordinator) listen(ctx context.Context) {
	defer c.wg.Done()
	for snap := range c.channel.Poll(ctx, utils.ChannelPollTick) {
		c.HandleNotification(snap)
	}
}
