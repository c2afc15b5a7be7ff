package channel

import (
	"context"
	"errors"
	"time"

	"github.com/bookget/capture/internal/utils"
)

// Poll starts the background poller. Every interval it reads a snapshot and forwards
// it when urlReady is set by another process. The returned channel is closed when
// ctx is done.
func (c *Channel) Poll(ctx context.Context, interval time.Duration) <-chan Snapshot {
	if interval <= 0 {
		interval = utils.ChannelPollTick
	}
	out := make(chan Snapshot)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last Snapshot
		forwarded := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			snap, err := c.ReadSnapshot()
			if err != nil {
				if errors.Is(err, utils.ErrChannelClosed) {
					return
				}
				c.log.Debug().Str("op", "channel/poll").Err(err).Msg("Skipping poll tick")
				continue
			}
			if !snap.URLReady || snap.Owner == c.pid {
				forwarded = false
				continue
			}
			// the consumer has not claimed the previous one yet
			if forwarded && snap == last {
				continue
			}
			select {
			case out <- snap:
				last, forwarded = snap, true
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
