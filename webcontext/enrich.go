package webcontext

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Options configures issue-body enrichment.
type Options struct {
	Enabled      bool          `yaml:"enabled"`
	MaxLinks     int           `yaml:"max_links"`
	MaxContentKB int           `yaml:"max_content_kb"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DefaultOptions returns the enrichment defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:      true,
		MaxLinks:     3,
		MaxContentKB: 256,
		Timeout:      20 * time.Second,
	}
}

// Enricher appends the readable content of linked pages to an issue body.
// Fetch failures degrade to the original text; a broken link never blocks
// planning.
type Enricher struct {
	opts      Options
	fetcher   PageFetcher
	converter *Converter
	logger    *slog.Logger
}

// NewEnricher wires an enricher. A nil fetcher gets the default SSRF-guarded
// implementation.
func NewEnricher(opts Options, fetcher PageFetcher, logger *slog.Logger) *Enricher {
	if fetcher == nil {
		fetcher = NewFetcher(opts.Timeout, int64(opts.MaxContentKB)*1024)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		opts:      opts,
		fetcher:   fetcher,
		converter: NewConverter(),
		logger:    logger,
	}
}

// Enrich returns body extended with a "Linked context" section holding the
// markdown-rendered content of up to MaxLinks pages referenced in it.
func (e *Enricher) Enrich(ctx context.Context, body string) string {
	if !e.opts.Enabled {
		return body
	}
	links := ExtractLinks(body, e.opts.MaxLinks)
	if len(links) == 0 {
		return body
	}

	var sections []string
	for _, link := range links {
		fetchCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
		page, _, err := e.fetcher.Fetch(fetchCtx, link)
		cancel()
		if err != nil {
			e.logger.Warn("link enrichment skipped",
				"url", link,
				"error", err)
			continue
		}

		title, markdown, err := e.converter.Convert(link, page)
		if err != nil || markdown == "" {
			e.logger.Warn("link conversion skipped",
				"url", link,
				"error", err)
			continue
		}
		if title == "" {
			title = link
		}
		sections = append(sections, fmt.Sprintf("### %s\nSource: %s\n\n%s", title, link, markdown))
	}

	if len(sections) == 0 {
		return body
	}
	return body + "\n\n---\n\n## Linked context\n\n" + strings.Join(sections, "\n\n")
}
