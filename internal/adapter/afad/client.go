// Package afad scrapes the AFAD latest-earthquakes HTML page.
package afad

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/couchcryptid/quake-alert-service/internal/adapter/htmltable"
	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/source"
)

// ErrNoTable is returned when the page has no recognisable earthquake table.
var ErrNoTable = errors.New("afad: no earthquake table in page")

// DefaultRetry is the retry schedule for the AFAD page.
var DefaultRetry = source.RetryPolicy{
	MaxAttempts:    3,
	Backoff:        600 * time.Millisecond,
	AttemptTimeout: 12 * time.Second,
}

// Client implements domain.Source for AFAD.
type Client struct {
	url        string
	httpClient *http.Client
	retry      source.RetryPolicy
	logger     *slog.Logger
}

// NewClient creates an AFAD scraper for pageURL.
func NewClient(pageURL string, logger *slog.Logger) *Client {
	return &Client{
		url:        pageURL,
		httpClient: &http.Client{},
		retry:      DefaultRetry,
		logger:     logger.With("source", string(domain.SourceAFAD)),
	}
}

// Fetch downloads and parses the page, retrying transport and parse failures.
func (c *Client) Fetch(ctx context.Context) ([]domain.Earthquake, error) {
	var out []domain.Earthquake
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		body, err := source.FetchBody(ctx, c.httpClient, c.url)
		if err != nil {
			return err
		}
		out, err = c.parse(body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("afad fetch: %w", err)
	}
	return out, nil
}

func (c *Client) parse(body []byte) ([]domain.Earthquake, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(c.url)
	rows, found := htmltable.Parse(doc, base)
	if !found {
		return nil, ErrNoTable
	}

	out := make([]domain.Earthquake, 0, len(rows))
	skipped := 0
	for _, raw := range rows {
		if raw.ProviderURL == "" {
			raw.ProviderURL = c.url
		}
		eq, err := domain.ParseRawQuake(domain.SourceAFAD, raw)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, eq)
	}
	if skipped > 0 {
		c.logger.Debug("skipped malformed rows", "skipped", skipped, "parsed", len(out))
	}
	return out, nil
}
