// Package koeri fetches the Kandilli Observatory (KOERI) earthquake list.
//
// Three upstream shapes are understood, tried in this order:
//
//  1. A community JSON API mirroring the list (only when an API base URL is
//     configured). Paths /last, /earthquakes and /depremler are probed.
//  2. The legacy lst6.asp page as an HTML table, first over HTTPS and then
//     over a plain-HTTP fallback URL.
//  3. The same page's <pre> block of fixed-width text, when no table rows
//     could be parsed.
package koeri

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/charmap"

	"github.com/couchcryptid/quake-alert-service/internal/adapter/htmltable"
	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/source"
)

// ErrNoRecords is returned when a page or API response holds no parseable
// earthquake.
var ErrNoRecords = errors.New("koeri: no earthquakes in response")

var (
	// DefaultRetry is the schedule for the primary HTTPS page.
	DefaultRetry = source.RetryPolicy{MaxAttempts: 5, Backoff: 800 * time.Millisecond, AttemptTimeout: 25 * time.Second}
	// FallbackRetry is the schedule for the plain-HTTP fallback page.
	FallbackRetry = source.RetryPolicy{MaxAttempts: 2, Backoff: 800 * time.Millisecond, AttemptTimeout: 25 * time.Second}
)

// apiPaths are probed in order under the API base URL.
var apiPaths = []string{"/last", "/earthquakes", "/depremler"}

// Config locates the KOERI upstreams. APIBase is optional.
type Config struct {
	URL         string
	FallbackURL string
	APIBase     string
}

// Client implements domain.Source for KOERI.
type Client struct {
	cfg           Config
	httpClient    *http.Client
	retry         source.RetryPolicy
	fallbackRetry source.RetryPolicy
	apiTimeout    time.Duration
	logger        *slog.Logger
}

// NewClient creates a KOERI client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:           cfg,
		httpClient:    &http.Client{},
		retry:         DefaultRetry,
		fallbackRetry: FallbackRetry,
		apiTimeout:    15 * time.Second,
		logger:        logger.With("source", string(domain.SourceKOERI)),
	}
}

// Fetch returns the latest KOERI earthquakes. API failures fall back to the
// scraper; scraper failures are returned.
func (c *Client) Fetch(ctx context.Context) ([]domain.Earthquake, error) {
	if c.cfg.APIBase != "" {
		list, err := c.fetchAPI(ctx)
		if err == nil {
			return list, nil
		}
		c.logger.Warn("koeri api failed, falling back to scraper", "error", err)
	}
	return c.scrape(ctx)
}

func (c *Client) scrape(ctx context.Context) ([]domain.Earthquake, error) {
	list, err := c.scrapeURL(ctx, c.cfg.URL, c.retry)
	if err == nil {
		return list, nil
	}
	if c.cfg.FallbackURL == "" || c.cfg.FallbackURL == c.cfg.URL || ctx.Err() != nil {
		return nil, fmt.Errorf("koeri scrape: %w", err)
	}

	c.logger.Warn("koeri primary url failed, trying fallback", "error", err, "fallback", c.cfg.FallbackURL)
	list, fbErr := c.scrapeURL(ctx, c.cfg.FallbackURL, c.fallbackRetry)
	if fbErr != nil {
		return nil, fmt.Errorf("koeri scrape: %w", errors.Join(err, fbErr))
	}
	return list, nil
}

func (c *Client) scrapeURL(ctx context.Context, pageURL string, retry source.RetryPolicy) ([]domain.Earthquake, error) {
	var out []domain.Earthquake
	err := retry.Do(ctx, func(ctx context.Context) error {
		body, err := source.FetchBody(ctx, c.httpClient, pageURL)
		if err != nil {
			return err
		}
		out, err = c.parsePage(decode(body), pageURL)
		return err
	})
	return out, err
}

// decode converts a windows-1254 body to UTF-8. Bodies that are already
// valid UTF-8 are returned unchanged.
func decode(body []byte) []byte {
	if utf8.Valid(body) {
		return body
	}
	decoded, err := charmap.Windows1254.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

func (c *Client) parsePage(body []byte, pageURL string) ([]domain.Earthquake, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	if rows, found := htmltable.Parse(doc, base); found {
		if list := c.convert(rows, pageURL); len(list) > 0 {
			return list, nil
		}
	}

	text := doc.Find("pre").Text()
	if text == "" {
		text = doc.Find("body").Text()
	}
	if list := c.convert(parseText(text), pageURL); len(list) > 0 {
		return list, nil
	}
	return nil, ErrNoRecords
}

func (c *Client) convert(rows []domain.RawQuake, providerURL string) []domain.Earthquake {
	out := make([]domain.Earthquake, 0, len(rows))
	skipped := 0
	for _, raw := range rows {
		if raw.ProviderURL == "" {
			raw.ProviderURL = providerURL
		}
		eq, err := domain.ParseRawQuake(domain.SourceKOERI, raw)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, eq)
	}
	if skipped > 0 {
		c.logger.Debug("skipped malformed rows", "skipped", skipped, "parsed", len(out))
	}
	return out
}
