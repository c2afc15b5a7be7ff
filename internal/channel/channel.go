// Package channel implements the cross-process hand-off record shared by cooperating
// capture processes. The record lives in a named shared segment guarded by a named
// mutex; every access holds the mutex for the shortest possible time.
package channel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/bookget/capture/internal/utils"
	"github.com/rs/zerolog"
)

const waitInterval = 100 * time.Millisecond

type Options struct {
	Name string
	// Dir holds the segment files on platforms without named kernel mappings.
	Dir string
	// PID overrides the owner id stamped on writes. Zero means os.Getpid().
	PID         uint32
	LockTimeout time.Duration
}

type Channel struct {
	seg     segment
	pid     uint32
	timeout time.Duration
	closed  atomic.Bool
	log     zerolog.Logger
}

// Open creates or attaches the named segment. A freshly created record is zeroed
// and stamped with the caller's id.
func Open(opts Options) (*Channel, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("channel name must not be empty")
	}
	if opts.PID == 0 {
		opts.PID = uint32(os.Getpid())
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = utils.ChannelLockTimeout
	}
	seg, created, err := openSegment(opts.Name, opts.Dir, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		seg:     seg,
		pid:     opts.PID,
		timeout: opts.LockTimeout,
		log:     utils.GetLogger("channel"),
	}
	if created {
		rec := c.record()
		rec.Reset()
		rec.SetOwner(c.pid)
	}
	seg.unlock()
	c.log.Debug().Str("op", "channel/open").Str("name", opts.Name).Bool("created", created).Uint32("pid", c.pid).Msg("Channel attached")
	return c, nil
}

func (c *Channel) PID() uint32 { return c.pid }

func (c *Channel) record() *Record { return &Record{buf: c.seg.bytes()} }

// Acquire takes the mutex and returns the record view. A successful Acquire must be
// paired with Release on the same goroutine.
func (c *Channel) Acquire(timeout time.Duration) (*Record, error) {
	if c.closed.Load() {
		return nil, utils.ErrChannelClosed
	}
	if err := c.seg.lock(timeout); err != nil {
		return nil, err
	}
	return c.record(), nil
}

func (c *Channel) Release() {
	if err := c.seg.unlock(); err != nil {
		c.log.Warn().Str("op", "channel/release").Err(err).Msg("Failed to release channel mutex")
	}
}

// With runs fn while holding the mutex.
func (c *Channel) With(fn func(*Record) error) error {
	rec, err := c.Acquire(c.timeout)
	if err != nil {
		return err
	}
	defer c.Release()
	return fn(rec)
}

func (c *Channel) write(field Field, value string, extra func(*Record)) error {
	return c.With(func(rec *Record) error {
		if rec.SetText(field, value) {
			c.log.Warn().Str("op", "channel/write").Str("field", field.String()).Msg("Value truncated to field capacity")
		}
		rec.SetFlag(fields[field].ready, true)
		if extra != nil {
			extra(rec)
		}
		rec.SetOwner(c.pid)
		return nil
	})
}

func (c *Channel) WriteURL(url string) error {
	return c.write(URL, url, nil)
}

// WriteImagePath publishes a written file. It clears urlReady so the URL that led to
// it is not consumed again.
func (c *Channel) WriteImagePath(path string) error {
	return c.write(ImagePath, path, func(rec *Record) { rec.SetFlag(URLReady, false) })
}

func (c *Channel) WriteHTML(html string) error {
	return c.write(HTML, html, nil)
}

func (c *Channel) WriteCookies(cookies string) error {
	return c.write(Cookies, cookies, nil)
}

// ReadSnapshot copies everything except cookies and HTML.
func (c *Channel) ReadSnapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.With(func(rec *Record) error {
		snap = rec.Snapshot()
		return nil
	})
	return snap, err
}

// RequestURL hands url to a sibling for navigation and invalidates any previous
// response fields.
func (c *Channel) RequestURL(url string) error {
	return c.With(func(rec *Record) error {
		rec.SetText(URL, url)
		rec.SetFlag(URLReady, true)
		rec.SetFlag(HTMLReady, false)
		rec.SetFlag(CookiesReady, false)
		rec.SetFlag(ImageReady, false)
		rec.SetOwner(c.pid)
		return nil
	})
}

// RequestImage hands url to a sibling running in shared mode, asking it to store the
// capture at path.
func (c *Channel) RequestImage(url, path string) error {
	return c.With(func(rec *Record) error {
		rec.SetText(URL, url)
		rec.SetText(ImagePath, path)
		rec.SetFlag(URLReady, true)
		rec.SetFlag(ImageReady, true)
		rec.SetFlag(HTMLReady, false)
		rec.SetFlag(CookiesReady, false)
		rec.SetOwner(c.pid)
		return nil
	})
}

// ClaimURL consumes a pending request written by another process.
func (c *Channel) ClaimURL() (Snapshot, bool, error) {
	var (
		snap    Snapshot
		claimed bool
	)
	err := c.With(func(rec *Record) error {
		if !rec.Flag(URLReady) || rec.Owner() == c.pid {
			return nil
		}
		snap = rec.Snapshot()
		rec.SetFlag(URLReady, false)
		claimed = true
		return nil
	})
	return snap, claimed, err
}

// Reset zeroes the record and stamps it with the caller's id.
func (c *Channel) Reset() error {
	return c.With(func(rec *Record) error {
		rec.Reset()
		rec.SetOwner(c.pid)
		return nil
	})
}

// waitFor re-checks cond under the mutex until it holds or ctx is done. A mutex
// timeout only skips the tick.
func (c *Channel) waitFor(ctx context.Context, cond func(*Record) bool) error {
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()
	for {
		var done bool
		err := c.With(func(rec *Record) error {
			done = cond(rec)
			return nil
		})
		if err != nil && !errors.Is(err, utils.ErrChannelTimeout) {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitHTML blocks until a sibling publishes page HTML.
func (c *Channel) WaitHTML(ctx context.Context) (string, error) {
	var html string
	err := c.waitFor(ctx, func(rec *Record) bool {
		if !rec.Flag(HTMLReady) || rec.Owner() == c.pid {
			return false
		}
		html = rec.Text(HTML)
		return true
	})
	return html, err
}

func (c *Channel) WaitCookies(ctx context.Context) (string, error) {
	var cookies string
	err := c.waitFor(ctx, func(rec *Record) bool {
		if !rec.Flag(CookiesReady) || rec.Owner() == c.pid {
			return false
		}
		cookies = rec.Text(Cookies)
		return true
	})
	return cookies, err
}

// WaitImage blocks until a sibling reports that the capture requested with
// RequestImage was written to path.
func (c *Channel) WaitImage(ctx context.Context, path string) error {
	return c.waitFor(ctx, func(rec *Record) bool {
		return rec.Owner() != c.pid && !rec.Flag(URLReady) && rec.Flag(ImageReady) && rec.Text(ImagePath) == path
	})
}

// Close detaches from the segment. The last attached process zeroes and removes it.
func (c *Channel) Close() error {
	return c.detach(false)
}

// Detach closes the channel but leaves the record in place even when no other
// process is attached, so a request survives until a sibling opens the channel.
// On Windows the mapping still goes away with its last handle.
func (c *Channel) Detach() error {
	return c.detach(true)
}

func (c *Channel) detach(keep bool) error {
	if c.closed.Swap(true) {
		return nil
	}
	last, err := c.seg.close(c.timeout, keep)
	c.log.Debug().Str("op", "channel/close").Bool("last", last).Bool("keep", keep).Msg("Channel detached")
	return err
}
