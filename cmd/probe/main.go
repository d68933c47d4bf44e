// Command probe fetches one upstream catalogue directly, bypassing the cache
// and breaker, and prints the parsed records as JSON.
//
// Usage:
//
//	go run ./cmd/probe -source koeri -timeout 30s
//
// Upstream URLs come from the same environment variables the service reads.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/couchcryptid/quake-alert-service/internal/adapter/afad"
	"github.com/couchcryptid/quake-alert-service/internal/adapter/koeri"
	"github.com/couchcryptid/quake-alert-service/internal/config"
	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
	"github.com/couchcryptid/quake-alert-service/internal/source"
)

type output struct {
	Source    domain.SourceID     `json:"source"`
	LatencyMs int64               `json:"latencyMs"`
	Count     int                 `json:"count"`
	Error     string              `json:"error,omitempty"`
	Records   []domain.Earthquake `json:"records,omitempty"`
}

func main() {
	name := flag.String("source", "afad", "source to probe: afad or koeri (aliases accepted)")
	timeout := flag.Duration("timeout", 60*time.Second, "overall fetch budget")
	summary := flag.Bool("summary", false, "omit records and print counts only")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := observability.NewLogger(cfg.LogLevel, "text")

	id, ok := domain.ParseSourceID(*name)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown source %q\n", *name)
		os.Exit(2)
	}

	var inner domain.Source
	switch id {
	case domain.SourceAFAD:
		inner = afad.NewClient(cfg.AFADURL, logger)
	case domain.SourceKOERI:
		inner = koeri.NewClient(koeri.Config{
			URL:         cfg.KOERIURL,
			FallbackURL: cfg.KOERIFallbackURL,
			APIBase:     cfg.KOERIAPIBase,
		}, logger)
	}
	cached := source.NewCached(id, inner, source.DefaultOptions(), logger, observability.NewMetrics())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res := cached.Probe(ctx)

	out := output{
		Source:    res.Source,
		LatencyMs: res.Latency.Milliseconds(),
		Count:     len(res.Records),
	}
	if !*summary {
		out.Records = res.Records
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
	if res.Err != nil {
		os.Exit(1)
	}
}
