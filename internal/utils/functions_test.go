package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchURLPattern(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"https://example.com/*", "https://example.com/a/b.jpg", true},
		{"https://example.com/*", "https://other.com/a/b.jpg", false},
		{"*.pdf", "https://host.org/docs/book.pdf", true},
		{"*.pdf", "https://host.org/docs/book.pdf?x=1", false},
		{"*.PDF", "https://host.org/docs/book.pdf", true},
		{"https://img?.example.com/*", "https://img1.example.com/p.png", true},
		{"https://img?.example.com/*", "https://img12.example.com/p.png", false},
		{"https://a.com/(x)+[y]", "https://a.com/(x)+[y]", true},
		{"https://a.com/(x)+[y]", "https://a.com/xx[y]", false},
		{"https://a.b/c", "https://aXb/c", false},
		{"", "https://a.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchURLPattern(tt.pattern, tt.url))
		})
	}
}

func TestIsLocalURI(t *testing.T) {
	local := []string{
		"file:///C:/books/a.jpg",
		"http://localhost:8080/x",
		"HTTPS://LocalHost/x",
		"http://127.0.0.1/img.png",
		"https://[::1]:9000/",
		"HTTP://[::1]/a",
	}
	for _, u := range local {
		assert.True(t, IsLocalURI(u), u)
	}
	remote := []string{"https://example.com/a.jpg", "http://10.0.0.2/x", "data:image/png;base64,AAAA"}
	for _, u := range remote {
		assert.False(t, IsLocalURI(u), u)
	}
}

func TestURLExtension(t *testing.T) {
	assert.Equal(t, ".jpg", URLExtension("https://a.com/p/0001.jpg"))
	assert.Equal(t, ".jpeg", URLExtension("https://a.com/p/0001.jpeg?sig=abc"))
	assert.Equal(t, "", URLExtension("https://a.com/p/image.download"))
	assert.Equal(t, "", URLExtension("https://a.com/p/page"))
	assert.Equal(t, "", URLExtension("https://a.com/"))
}

func TestNormalizeExt(t *testing.T) {
	assert.Equal(t, ".jpg", NormalizeExt("jpg"))
	assert.Equal(t, ".png", NormalizeExt(" .png "))
	assert.Equal(t, "", NormalizeExt(""))
}

func TestParseHeaderArgs(t *testing.T) {
	headers := ParseHeaderArgs([]string{"Referer: https://a.com/", "Cookie: a=1; b=2", "broken", ": empty"})
	require.Len(t, headers, 2)
	assert.Equal(t, Header{Name: "Referer", Value: "https://a.com/"}, headers[0])
	assert.Equal(t, Header{Name: "Cookie", Value: "a=1; b=2"}, headers[1])

	v, ok := HeaderValue(headers, "cookie")
	assert.True(t, ok)
	assert.Equal(t, "a=1; b=2", v)
	_, ok = HeaderValue(headers, "Accept")
	assert.False(t, ok)
}

func TestCleanPartials(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001.jpg"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0002.jpg.part"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0003.pdf.part"), []byte("x"), 0644))

	removed, err := CleanPartials(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.FileExists(t, filepath.Join(dir, "0001.jpg"))
	assert.NoFileExists(t, filepath.Join(dir, "0002.jpg.part"))

	removed, err = CleanPartials(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDownloadModeString(t *testing.T) {
	assert.Equal(t, "list", ListDriven.String())
	assert.Equal(t, "shared", SharedMemoryDriven.String())
	assert.False(t, DownloadMode(7).Valid())
}
