package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bookget/capture/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
global_settings:
  download_dir: out
  max_downloads: 25
  sleep_time: 1
  downloader_mode: 0
  ext: png
  warmup: 500ms
sites:
  - url: "https://read.example.org/book/*"
    script: scripts/next.js
    intercept: 1
    ext: .jp2
    description: example reader
  - url: "*.pdf"
    intercept: 0
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "out", s.Global.DownloadDir)
	assert.Equal(t, 25, s.Global.MaxDownloads)
	assert.Equal(t, time.Second, s.SleepDuration())
	assert.Equal(t, utils.ListDriven, s.Mode())
	assert.Equal(t, ".png", s.Global.Ext)
	assert.Equal(t, 500*time.Millisecond, s.Global.Warmup)
	require.Len(t, s.Sites, 2)
	assert.Equal(t, ".jp2", s.Sites[0].Ext)
	assert.Equal(t, ".png", s.Sites[1].Ext, "site without ext inherits the global one")
	assert.Equal(t, []string{"https://read.example.org/book/*"}, s.InterceptPatterns())
	assert.True(t, *s.Global.DecodeChunked)
}

func TestLoadRejectsBadMode(t *testing.T) {
	_, err := Load(writeConfig(t, "global_settings:\n  downloader_mode: 5\n"))
	assert.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	s, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1000, s.Global.MaxDownloads)
	assert.Equal(t, 3, s.Global.SleepTime)
	assert.Equal(t, utils.AutoIntercept, s.Mode())
	assert.Equal(t, ".jpg", s.Global.Ext)
}

func TestExtensionFor(t *testing.T) {
	s, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ".jp2", s.ExtensionFor("https://read.example.org/book/1/page.jpg"))
	assert.Equal(t, ".png", s.ExtensionFor("https://files.example.org/a.pdf"), "matching site without own ext uses inherited global ext")
	assert.Equal(t, ".tif", s.ExtensionFor("https://other.org/scan.tif"))
	assert.Equal(t, ".png", s.ExtensionFor("https://other.org/image?id=3"))
}

func TestScriptFor(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "scripts", "next.js"), s.ScriptFor("https://read.example.org/book/9"))
	assert.Empty(t, s.ScriptFor("https://nowhere.org/x"))
}

func TestLoadURLList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://a.org/1.jpg\n\n  https://a.org/2.jpg  \r\n\nhttps://a.org/3.jpg"), 0644))
	urls, err := LoadURLList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.org/1.jpg", "https://a.org/2.jpg", "https://a.org/3.jpg"}, urls)

	_, err = LoadURLList(filepath.Join(t.TempDir(), "none.txt"))
	assert.Error(t, err)
}
