package surface

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"sync"

	"github.com/bookget/capture/internal/retriever"
	"github.com/bookget/capture/internal/utils"
	"github.com/rs/zerolog"
)

const maxPageBytes = 16 * 1024 * 1024

// Fetch is a headless surface: a navigation is a single GET whose response is
// reported to the observer. It cannot run scripts.
type Fetch struct {
	retriever *retriever.Retriever
	observer  Observer
	headers   []utils.Header
	log       zerolog.Logger

	mu      sync.Mutex
	page    string
	cookies string
}

func NewFetch(r *retriever.Retriever, observer Observer, headers []utils.Header) *Fetch {
	return &Fetch{
		retriever: r,
		observer:  observer,
		headers:   headers,
		log:       utils.GetLogger("surface"),
	}
}

func (f *Fetch) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	headers := append([]utils.Header(nil), f.headers...)
	if f.cookies != "" {
		headers = append(headers, utils.Header{Name: "Cookie", Value: f.cookies})
	}
	f.mu.Unlock()

	resp, err := f.retriever.Open(ctx, url, headers)
	if err != nil {
		f.observer.OnNavigationFinished(url, false, err)
		return err
	}
	defer resp.Close()

	obs := utils.Observation{
		Method:          "GET",
		URL:             url,
		RequestHeaders:  headers,
		ResponseHeaders: resp.Headers,
		Body:            resp.Body,
	}
	contentType, _ := utils.HeaderValue(resp.Headers, "Content-Type")
	if isDocument(contentType) {
		page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
		if err != nil {
			err = fmt.Errorf("error reading page: %w", err)
			f.observer.OnNavigationFinished(url, false, err)
			return err
		}
		obs.Body = bytes.NewReader(page)
		f.mu.Lock()
		f.page = string(page)
		f.mu.Unlock()
	}
	if jar := cookieHeader(resp.Headers); jar != "" {
		f.mu.Lock()
		f.cookies = jar
		f.mu.Unlock()
	}

	verdict := f.observer.OnResponseObserved(ctx, obs)
	f.log.Debug().Str("op", "surface/fetch").Str("url", url).Bool("accept", verdict.Accept).Str("reason", verdict.Reason).Msg("Navigation observed")
	f.observer.OnNavigationFinished(url, verdict.Accept, nil)
	return nil
}

func (f *Fetch) ExecuteScript(ctx context.Context, path string) error {
	f.log.Debug().Str("op", "surface/fetch").Str("script", path).Msg("Scripts need a browser surface")
	return utils.ErrUnsupported
}

// PageContent returns the last HTML document and the cookies collected so far.
func (f *Fetch) PageContent(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page, f.cookies, nil
}

func isDocument(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
