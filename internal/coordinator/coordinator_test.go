package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bookget/capture/internal/config"
	"github.com/bookget/capture/internal/retriever"
	"github.com/bookget/capture/internal/surface"
	"github.com/bookget/capture/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const imageSize = 12 * 1024

func testSettings(t *testing.T, mode utils.DownloadMode, quota int) *config.Settings {
	t.Helper()
	s := config.Default()
	s.Global.DownloaderMode = int(mode)
	s.Global.MaxDownloads = quota
	s.Global.DownloadDir = filepath.Join(t.TempDir(), "downloads")
	s.Global.Warmup = 0
	s.Global.SleepTime = 0
	return s
}

func testEnv(settings *config.Settings, pid uint32) Env {
	return Env{Settings: settings, Log: zerolog.Nop(), PID: pid}
}

type fakeSurface struct {
	mu          sync.Mutex
	navigations []string
	scripts     []string
	onNavigate  func(ctx context.Context, url string) error
}

func (f *fakeSurface) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	f.navigations = append(f.navigations, url)
	hook := f.onNavigate
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, url)
	}
	return nil
}

func (f *fakeSurface) ExecuteScript(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, path)
	return nil
}

func (f *fakeSurface) Scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scripts...)
}

func imageObservation(url string) utils.Observation {
	return utils.Observation{
		Method: "GET",
		URL:    url,
		ResponseHeaders: []utils.Header{
			{Name: "Content-Type", Value: "image/jpeg"},
			{Name: "Content-Length", Value: fmt.Sprint(imageSize)},
		},
		Body: bytes.NewReader(bytes.Repeat([]byte{0xd8}, imageSize)),
	}
}

// imageServer serves image/jpeg bodies and records every requested path.
type imageServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits []string
}

func newImageServer(t *testing.T) *imageServer {
	t.Helper()
	s := &imageServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		s.hits = append(s.hits, req.URL.Path)
		s.mu.Unlock()
		switch {
		case strings.HasPrefix(req.URL.Path, "/missing"):
			http.NotFound(w, req)
		case strings.HasPrefix(req.URL.Path, "/page"):
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Content-Length", fmt.Sprint(imageSize))
			w.Write(bytes.Repeat([]byte(req.URL.Path[1:2]), imageSize))
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// Retriever sends every request to the server whatever the URL host, so runs can
// use public host names that the policy does not treat as local.
func (s *imageServer) Retriever() *retriever.Retriever {
	addr := s.Listener.Addr().String()
	return retriever.New(utils.RetrieverConfig{Timeout: 5 * time.Second, DecodeChunked: true},
		retriever.WithDial(func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}))
}

func (s *imageServer) Hits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hits...)
}

func writeURLList(t *testing.T, urls ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(urls, "\n\n")+"\n"), 0644))
	return path
}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestNextPathQuotaAndExtension(t *testing.T) {
	settings := testSettings(t, utils.AutoIntercept, 3)
	settings.Sites = []config.SiteConfig{{URL: "https://pdf.example/*", Ext: ".pdf"}}
	c := New(testEnv(settings, 1))
	dir := settings.Global.DownloadDir

	path, err := c.NextPath("https://pdf.example/book/1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "0001.pdf"), path)

	path, err = c.NextPath("https://img.example/a/b.png?x=1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "0002.png"), path)

	path, err = c.NextPath("https://img.example/archive.backup")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "0003.jpg"), path)

	for i := 0; i < 3; i++ {
		_, err = c.NextPath("https://img.example/c.png")
		assert.ErrorIs(t, err, utils.ErrQuotaExceeded)
	}
	assert.Equal(t, 3, c.Counter())
}

func TestNextPathConcurrent(t *testing.T) {
	const quota = 50
	c := New(testEnv(testSettings(t, utils.AutoIntercept, quota), 1))

	var (
		mu       sync.Mutex
		paths    = map[string]bool{}
		failures int
		wg       sync.WaitGroup
	)
	for i := 0; i < 2*quota; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := c.NextPath("https://img.example/x")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, utils.ErrQuotaExceeded)
				failures++
				return
			}
			assert.False(t, paths[path], "duplicate path %s", path)
			paths[path] = true
		}()
	}
	wg.Wait()
	assert.Len(t, paths, quota)
	assert.Equal(t, quota, failures)
	assert.Equal(t, quota, c.Counter())
}

func TestStartIsNotReentrant(t *testing.T) {
	c := New(testEnv(testSettings(t, utils.AutoIntercept, 10), 1))
	assert.Error(t, c.Start(context.Background()))

	c.Attach(&fakeSurface{})
	assert.Equal(t, Idle, c.State())
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, Running, c.State())
	first := c.RunID()
	assert.ErrorIs(t, c.Start(context.Background()), utils.ErrAlreadyRunning)

	c.Stop()
	assert.Equal(t, Stopped, c.State())
	waitDone(t, c)

	require.NoError(t, c.Start(context.Background()))
	assert.NotEqual(t, first, c.RunID())
	c.Stop()
	c.Stop()
	assert.Equal(t, Stopped, c.State())
}

func TestSharedModeNeedsChannel(t *testing.T) {
	c := New(testEnv(testSettings(t, utils.SharedMemoryDriven, 10), 1))
	c.Attach(&fakeSurface{})
	assert.Error(t, c.Start(context.Background()))
}

func TestObservationRejectedWhenIdle(t *testing.T) {
	c := New(testEnv(testSettings(t, utils.AutoIntercept, 10), 1))
	verdict := c.OnResponseObserved(context.Background(), imageObservation("https://img.example/1.jpg"))
	assert.False(t, verdict.Accept)
	assert.Equal(t, 0, c.Counter())
}

func TestListDrivenStopsAtQuota(t *testing.T) {
	server := newImageServer(t)
	settings := testSettings(t, utils.ListDriven, 2)
	settings.Global.URLList = writeURLList(t, "http://books.example/1", "http://books.example/2", "http://books.example/3")

	c := New(testEnv(settings, 1))
	c.Attach(surface.NewFetch(server.Retriever(), c, nil))
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)
	c.Stop()

	dir := settings.Global.DownloadDir
	first, err := os.ReadFile(filepath.Join(dir, "0001.jpg"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("1"), imageSize), first)
	second, err := os.ReadFile(filepath.Join(dir, "0002.jpg"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("2"), imageSize), second)
	assert.NoFileExists(t, filepath.Join(dir, "0003.jpg"))

	assert.Equal(t, []string{"/1", "/2"}, server.Hits())
	assert.Equal(t, 2, c.Counter())
}

func TestListDrivenAdvancesPastFailures(t *testing.T) {
	server := newImageServer(t)
	settings := testSettings(t, utils.ListDriven, 5)
	settings.Global.URLList = writeURLList(t, "http://books.example/missing", "http://books.example/page", "http://books.example/7")

	c := New(testEnv(settings, 1))
	c.Attach(surface.NewFetch(server.Retriever(), c, nil))
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)
	c.Stop()

	assert.Equal(t, []string{"/missing", "/page", "/7"}, server.Hits())
	assert.FileExists(t, filepath.Join(settings.Global.DownloadDir, "0001.jpg"))
	assert.Equal(t, 1, c.Counter())
}

func TestFailedRetrievalKeepsCounter(t *testing.T) {
	server := newImageServer(t)
	settings := testSettings(t, utils.AutoIntercept, 5)
	c := New(testEnv(settings, 1))
	c.Attach(&fakeSurface{})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.NoError(t, c.RequestDownload(server.URL+"/missing/a.jpg", nil))
	require.NoError(t, c.RequestDownload(server.URL+"/5/b.jpg", nil))

	second := filepath.Join(settings.Global.DownloadDir, "0002.jpg")
	require.Eventually(t, func() bool {
		_, err := os.Stat(second)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	first := filepath.Join(settings.Global.DownloadDir, "0001.jpg")
	assert.NoFileExists(t, first)
	assert.NoFileExists(t, first+utils.TempSuffix)
	assert.Equal(t, 2, c.Counter())
}

func TestAutoInterceptRunsSiteScript(t *testing.T) {
	settings := testSettings(t, utils.AutoIntercept, 1)
	script := filepath.Join(t.TempDir(), "next.js")
	settings.Sites = []config.SiteConfig{{URL: "https://books.example/*", Script: script, Ext: ".jpg"}}

	fake := &fakeSurface{}
	c := New(testEnv(settings, 1))
	c.Attach(fake)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	verdict := c.OnResponseObserved(context.Background(), imageObservation("https://books.example/vol1/p1"))
	require.True(t, verdict.Accept)

	require.Eventually(t, func() bool { return len(fake.Scripts()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{script}, fake.Scripts())
	assert.FileExists(t, filepath.Join(settings.Global.DownloadDir, "0001.jpg"))

	// the quota is reached: further captures are refused and the run reports done
	verdict = c.OnResponseObserved(context.Background(), imageObservation("https://books.example/vol1/p2"))
	assert.False(t, verdict.Accept)
	waitDone(t, c)
}

func TestStopAbortsRetrieval(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-req.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	settings := testSettings(t, utils.AutoIntercept, 5)
	c := New(testEnv(settings, 1))
	c.Attach(&fakeSurface{})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.RequestDownload(server.URL+"/slow.jpg", nil))
	time.Sleep(100 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("stop waited for the in-flight retrieval")
	}
	assert.Equal(t, Stopped, c.State())
	assert.NoFileExists(t, filepath.Join(settings.Global.DownloadDir, "0001.jpg"))
}
