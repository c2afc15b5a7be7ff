package coordinator

import (
	"fmt"
	"path/filepath"

	"github.com/bookget/capture/internal/utils"
)

// NextPath reserves the destination of the next capture of url. In list and auto
// modes it fails with ErrQuotaExceeded once the counter reached the quota and
// otherwise yields {download_dir}/{counter:04d}{ext}. In shared mode it returns
// the image path handed over by a sibling process, once per hand-off, and fails
// with ErrNoImagePath when no unserved request from a sibling is pending.
func (c *Coordinator) NextPath(url string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path, _, err := c.reserveLocked(url)
	return path, err
}

func (c *Coordinator) reserveLocked(url string) (string, int, error) {
	if c.mode == utils.SharedMemoryDriven {
		// every image hand-off yields at most one capture
		if path := c.sharedPath; path != "" {
			c.sharedPath, c.sharedServed = "", path
			return path, 0, nil
		}
		if c.channel != nil {
			snap, err := c.channel.ReadSnapshot()
			if err != nil {
				return "", 0, err
			}
			// a record this process wrote last is its own answer, never a request
			if snap.ImageReady && snap.Owner != c.env.PID && snap.ImagePath != "" && snap.ImagePath != c.sharedServed {
				c.sharedServed = snap.ImagePath
				return snap.ImagePath, 0, nil
			}
		}
		return "", 0, utils.ErrNoImagePath
	}

	if c.counter >= c.quota {
		return "", 0, utils.ErrQuotaExceeded
	}
	c.counter++
	c.env.Metrics.SetQuotaRemaining(c.quota - c.counter)
	name := fmt.Sprintf("%04d%s", c.counter, c.settings.ExtensionFor(url))
	return filepath.Join(c.settings.ResolvePath(c.settings.Global.DownloadDir), name), c.counter, nil
}
