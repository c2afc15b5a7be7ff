package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bookget/capture/internal/utils"
	"gopkg.in/yaml.v3"
)

// Settings is the parsed config.yaml consumed by the capture core.
type Settings struct {
	Global GlobalSettings `yaml:"global_settings"`
	Sites  []SiteConfig   `yaml:"sites"`

	baseDir string
}

type GlobalSettings struct {
	DownloadDir    string        `yaml:"download_dir"`
	MaxDownloads   int           `yaml:"max_downloads"`
	SleepTime      int           `yaml:"sleep_time"`
	DownloaderMode int           `yaml:"downloader_mode"`
	Ext            string        `yaml:"ext"`
	URLList        string        `yaml:"url_list"`
	StartURL       string        `yaml:"start_url"`
	Warmup         time.Duration `yaml:"warmup"`
	UserAgent      string        `yaml:"user_agent"`
	Timeout        time.Duration `yaml:"timeout"`
	InsecureTLS    bool          `yaml:"insecure_tls"`
	DecodeChunked  *bool         `yaml:"decode_chunked"`
	ChannelName    string        `yaml:"channel_name"`
	ChannelDir     string        `yaml:"channel_dir"`
	Mirror         MirrorConfig  `yaml:"mirror"`
}

type SiteConfig struct {
	URL         string `yaml:"url"`
	Script      string `yaml:"script"`
	Intercept   int    `yaml:"intercept"`
	Ext         string `yaml:"ext"`
	Description string `yaml:"description"`
}

type MirrorConfig struct {
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

func (s SiteConfig) Intercepts() bool { return s.Intercept != 0 }

// Default returns the settings used when no config file is present.
func Default() *Settings {
	decode := true
	return &Settings{
		Global: GlobalSettings{
			DownloadDir:    "downloads",
			MaxDownloads:   1000,
			SleepTime:      3,
			DownloaderMode: int(utils.AutoIntercept),
			Ext:            ".jpg",
			URLList:        "urls.txt",
			Warmup:         utils.DefaultWarmup,
			Timeout:        3 * time.Minute,
			DecodeChunked:  &decode,
			ChannelName:    "WebView2SharedMemory",
		},
		baseDir: ".",
	}
}

// Load reads a YAML settings file on top of the defaults.
func Load(path string) (*Settings, error) {
	log := utils.GetLogger("config")
	settings := Default()
	settings.baseDir = filepath.Dir(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := settings.normalize(); err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Int("sites", len(settings.Sites)).Msg("Settings loaded")
	return settings, nil
}

// LoadOrDefault behaves like Load but falls back to defaults when path does not exist.
func LoadOrDefault(path string) (*Settings, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		s := Default()
		s.baseDir = filepath.Dir(path)
		return s, s.normalize()
	}
	return Load(path)
}

func (s *Settings) normalize() error {
	g := &s.Global
	g.Ext = utils.NormalizeExt(g.Ext)
	if g.Ext == "" {
		g.Ext = ".jpg"
	}
	if g.MaxDownloads < 0 {
		return fmt.Errorf("max_downloads must not be negative: %d", g.MaxDownloads)
	}
	if g.SleepTime < 0 {
		return fmt.Errorf("sleep_time must not be negative: %d", g.SleepTime)
	}
	if !utils.DownloadMode(g.DownloaderMode).Valid() {
		return fmt.Errorf("downloader_mode must be 0, 1 or 2: %d", g.DownloaderMode)
	}
	if g.Warmup < 0 {
		g.Warmup = 0
	}
	if g.DecodeChunked == nil {
		decode := true
		g.DecodeChunked = &decode
	}
	for i := range s.Sites {
		site := &s.Sites[i]
		site.Ext = utils.NormalizeExt(site.Ext)
		if site.Ext == "" {
			site.Ext = g.Ext
		}
	}
	return nil
}

func (s *Settings) Mode() utils.DownloadMode { return utils.DownloadMode(s.Global.DownloaderMode) }

func (s *Settings) SleepDuration() time.Duration {
	return time.Duration(s.Global.SleepTime) * time.Second
}

// ResolvePath makes p relative to the directory of the config file.
func (s *Settings) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.baseDir, p)
}

// SiteFor returns the first site whose pattern matches rawURL.
func (s *Settings) SiteFor(rawURL string) (SiteConfig, bool) {
	for _, site := range s.Sites {
		if utils.MatchURLPattern(site.URL, rawURL) {
			return site, true
		}
	}
	return SiteConfig{}, false
}

// ExtensionFor resolves the file extension for a download of rawURL.
func (s *Settings) ExtensionFor(rawURL string) string {
	if site, ok := s.SiteFor(rawURL); ok && site.Ext != "" {
		return site.Ext
	}
	if ext := utils.URLExtension(rawURL); ext != "" {
		return ext
	}
	return s.Global.Ext
}

// ScriptFor returns the resolved post-download script for rawURL, or "".
func (s *Settings) ScriptFor(rawURL string) string {
	site, ok := s.SiteFor(rawURL)
	if !ok || site.Script == "" {
		return ""
	}
	return s.ResolvePath(site.Script)
}

// InterceptPatterns lists patterns of sites flagged for forced capture.
func (s *Settings) InterceptPatterns() []string {
	var patterns []string
	for _, site := range s.Sites {
		if site.Intercepts() && site.URL != "" {
			patterns = append(patterns, site.URL)
		}
	}
	return patterns
}

func (s *Settings) RetrieverConfig() utils.RetrieverConfig {
	ua := s.Global.UserAgent
	if ua == "randomize" {
		ua = utils.GetRandomUserAgent()
	}
	return utils.RetrieverConfig{
		Timeout:            s.Global.Timeout,
		UserAgent:          ua,
		InsecureSkipVerify: s.Global.InsecureTLS,
		DecodeChunked:      *s.Global.DecodeChunked,
		TuneSocket:         true,
	}
}

// LoadURLList reads one URL per line, skipping blank lines.
func LoadURLList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening url list: %w", err)
	}
	defer f.Close()
	var urls []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading url list: %w", err)
	}
	return urls, nil
}
