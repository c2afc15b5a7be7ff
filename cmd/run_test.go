package cmd

import (
	"path/filepath"
	"testing"

	"github.com/bookget/capture/internal/config"
	"github.com/bookget/capture/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for input, want := range map[string]utils.DownloadMode{
		"list":   utils.ListDriven,
		"0":      utils.ListDriven,
		"auto":   utils.AutoIntercept,
		"1":      utils.AutoIntercept,
		"shared": utils.SharedMemoryDriven,
		"2":      utils.SharedMemoryDriven,
	} {
		got, err := parseMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := parseMode("3")
	assert.Error(t, err)
}

func TestRunFlagsOverrideSettings(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--mode", "list", "--max", "5", "--dir", "pages"}))

	opts := runOptions{mode: "list", maxDownloads: 5, downloadDir: "pages"}
	settings := config.Default()
	require.NoError(t, opts.apply(cmd, settings))
	assert.Equal(t, utils.ListDriven, settings.Mode())
	assert.Equal(t, 5, settings.Global.MaxDownloads)
	assert.Equal(t, "pages", settings.Global.DownloadDir)
	// untouched flags keep the file values
	assert.Equal(t, "urls.txt", settings.Global.URLList)
}

func TestDefaultOutputPath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "p1.jpg"), defaultOutputPath(dir, "https://books.example/scans/p1.jpg?w=800", ".jpg"))
	assert.Equal(t, filepath.Join(dir, "download.png"), defaultOutputPath(dir, "https://books.example/", ".png"))
	assert.Equal(t, filepath.Join(dir, "download.jpg"), defaultOutputPath(dir, "https://books.example", ".jpg"))
}
