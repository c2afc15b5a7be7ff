//go:build !windows

package channel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bookget/capture/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testName = "capture-test"

// openPair attaches two simulated processes to one segment.
func openPair(t *testing.T) (*Channel, *Channel, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := Open(Options{Name: testName, Dir: dir, PID: 100, LockTimeout: time.Second})
	require.NoError(t, err)
	b, err := Open(Options{Name: testName, Dir: dir, PID: 200, LockTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, dir
}

func TestRecordLayout(t *testing.T) {
	assert.Equal(t, 20+2048+2048+8192+16*1024*1024, RecordSize)

	rec := &Record{buf: make([]byte, RecordSize)}
	rec.SetFlag(ImageReady, true)
	rec.SetOwner(0xdeadbeef)
	assert.Equal(t, []byte{1, 0, 0, 0}, rec.buf[12:16])
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, rec.buf[16:20])

	rec.SetText(URL, "ab")
	assert.Equal(t, []byte{'a', 0, 'b', 0, 0, 0}, rec.buf[offURL:offURL+6])
}

func TestRecordTruncation(t *testing.T) {
	rec := &Record{buf: make([]byte, RecordSize)}

	assert.True(t, rec.SetText(URL, strings.Repeat("x", 2000)))
	assert.Len(t, rec.Text(URL), URLCapacity-1)
	assert.Equal(t, []byte{0, 0}, rec.buf[offImagePath-2:offImagePath])

	assert.False(t, rec.SetText(Cookies, "a=1"))
	assert.Equal(t, "a=1", rec.Text(Cookies))

	// shorter writes zero the previous tail
	rec.SetText(URL, "short")
	assert.Equal(t, "short", rec.Text(URL))

	// a surrogate pair straddling the limit is dropped whole
	value := strings.Repeat("x", URLCapacity-2) + "😀"
	assert.True(t, rec.SetText(URL, value))
	assert.Equal(t, strings.Repeat("x", URLCapacity-2), rec.Text(URL))

	rec.SetText(ImagePath, "C:\\下载\\0001.jpg")
	assert.Equal(t, "C:\\下载\\0001.jpg", rec.Text(ImagePath))
}

func TestOpenStampsCreator(t *testing.T) {
	a, b, _ := openPair(t)

	snap, err := b.ReadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), snap.Owner)
	assert.False(t, snap.URLReady)
	assert.Equal(t, uint32(100), a.PID())
}

func TestWritesAreVisibleAcrossProcesses(t *testing.T) {
	a, b, _ := openPair(t)

	require.NoError(t, a.WriteURL("https://example.org/book/1"))
	snap, err := b.ReadSnapshot()
	require.NoError(t, err)
	assert.True(t, snap.URLReady)
	assert.Equal(t, uint32(100), snap.Owner)
	assert.Equal(t, "https://example.org/book/1", snap.URL)

	require.NoError(t, b.WriteHTML("<html>page</html>"))
	snap, err = a.ReadSnapshot()
	require.NoError(t, err)
	assert.True(t, snap.HTMLReady)
	assert.Equal(t, uint32(200), snap.Owner)
	// unrelated fields survive
	assert.True(t, snap.URLReady)
	assert.Equal(t, "https://example.org/book/1", snap.URL)

	require.NoError(t, b.WriteImagePath("/tmp/0001.jpg"))
	snap, err = a.ReadSnapshot()
	require.NoError(t, err)
	assert.False(t, snap.URLReady)
	assert.True(t, snap.ImageReady)
	assert.Equal(t, "/tmp/0001.jpg", snap.ImagePath)
}

func TestAcquireTimeout(t *testing.T) {
	a, b, _ := openPair(t)

	_, err := a.Acquire(time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Acquire(50 * time.Millisecond)
	assert.ErrorIs(t, err, utils.ErrChannelTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	a.Release()
	rec, err := b.Acquire(time.Second)
	require.NoError(t, err)
	assert.NotNil(t, rec)
	b.Release()
}

func TestPollerIgnoresOwnWrites(t *testing.T) {
	a, b, _ := openPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fromA := a.Poll(ctx, 10*time.Millisecond)
	fromB := b.Poll(ctx, 10*time.Millisecond)

	require.NoError(t, a.WriteURL("https://example.org/next"))

	select {
	case snap := <-fromB:
		assert.Equal(t, "https://example.org/next", snap.URL)
		assert.Equal(t, uint32(100), snap.Owner)
	case <-time.After(2 * time.Second):
		t.Fatal("sibling poller did not observe the write")
	}

	select {
	case snap := <-fromA:
		t.Fatalf("writer observed its own record: %+v", snap)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPollerStopsWithContext(t *testing.T) {
	a, _, _ := openPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	notifications := a.Poll(ctx, 10*time.Millisecond)
	cancel()
	select {
	case _, ok := <-notifications:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestClaimURL(t *testing.T) {
	a, b, _ := openPair(t)
	require.NoError(t, a.RequestURL("https://example.org/p"))

	_, claimed, err := a.ClaimURL()
	require.NoError(t, err)
	assert.False(t, claimed)

	snap, claimed, err := b.ClaimURL()
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, "https://example.org/p", snap.URL)

	_, claimed, err = b.ClaimURL()
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestImageHandOff(t *testing.T) {
	a, b, _ := openPair(t)
	target := "/data/0007.jpg"
	require.NoError(t, a.RequestImage("https://example.org/img", target))

	go func() {
		for {
			snap, claimed, err := b.ClaimURL()
			if err != nil {
				return
			}
			if claimed {
				assert.True(t, snap.ImageReady)
				b.WriteImagePath(snap.ImagePath)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, a.WaitImage(ctx, target))
}

func TestWaitHTMLAndCookies(t *testing.T) {
	a, b, _ := openPair(t)
	require.NoError(t, a.RequestURL("https://example.org/p"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.WriteHTML("<html>ok</html>")
		b.WriteCookies("sid=42")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	html, err := a.WaitHTML(ctx)
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", html)
	cookies, err := a.WaitCookies(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sid=42", cookies)

	short, cancelShort := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancelShort()
	require.NoError(t, a.RequestURL("https://example.org/q"))
	_, err = a.WaitHTML(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLastProcessTearsDown(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(Options{Name: testName, Dir: dir, PID: 1})
	require.NoError(t, err)
	b, err := Open(Options{Name: testName, Dir: dir, PID: 2})
	require.NoError(t, err)
	require.NoError(t, a.WriteURL("https://example.org/left-over"))

	path := filepath.Join(dir, testName)
	require.NoError(t, a.Close())
	assert.FileExists(t, path)

	require.NoError(t, b.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	c, err := Open(Options{Name: testName, Dir: dir, PID: 3})
	require.NoError(t, err)
	defer c.Close()
	snap, err := c.ReadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), snap.Owner)
	assert.Empty(t, snap.URL)

	_, err = a.ReadSnapshot()
	assert.ErrorIs(t, err, utils.ErrChannelClosed)
}

func TestDetachKeepsPendingRequest(t *testing.T) {
	dir := t.TempDir()
	sender, err := Open(Options{Name: testName, Dir: dir, PID: 1})
	require.NoError(t, err)
	require.NoError(t, sender.RequestURL("https://example.org/queued"))
	require.NoError(t, sender.Detach())
	assert.FileExists(t, filepath.Join(dir, testName))

	receiver, err := Open(Options{Name: testName, Dir: dir, PID: 2})
	require.NoError(t, err)
	snap, claimed, err := receiver.ClaimURL()
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, "https://example.org/queued", snap.URL)
	assert.Equal(t, uint32(1), snap.Owner)

	require.NoError(t, receiver.Close())
	_, err = os.Stat(filepath.Join(dir, testName))
	assert.True(t, os.IsNotExist(err))
}
