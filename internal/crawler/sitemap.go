package crawler

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jmylchreest/distil/internal/fetch"
)

// maxSitemapURLs caps how many seed URLs a sitemap may contribute.
const maxSitemapURLs = 500

type sitemapURL struct {
	Loc string `xml:"loc"`
}

type sitemapFile struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []sitemapURL `xml:"sitemap"`
}

// discoverSitemap fetches {origin}/sitemap.xml (or the explicit override)
// and returns its URL locations. A <sitemapindex> is followed one level
// deep. Failures are soft: the crawl proceeds without sitemap seeds.
func discoverSitemap(ctx context.Context, client *fetch.Client, startURL, override string, logger *slog.Logger) []string {
	sitemapLoc := override
	if sitemapLoc == "" {
		parsed, err := url.Parse(startURL)
		if err != nil {
			return nil
		}
		sitemapLoc = fmt.Sprintf("%s://%s/sitemap.xml", parsed.Scheme, parsed.Host)
	}

	urls := fetchSitemap(ctx, client, sitemapLoc, true, logger)
	if len(urls) > maxSitemapURLs {
		urls = urls[:maxSitemapURLs]
	}
	if len(urls) > 0 {
		logger.Info("discovered sitemap seeds", "sitemap", sitemapLoc, "url_count", len(urls))
	}
	return urls
}

// fetchSitemap parses one sitemap document. recurse permits following a
// sitemap index exactly one level.
func fetchSitemap(ctx context.Context, client *fetch.Client, sitemapLoc string, recurse bool, logger *slog.Logger) []string {
	resp, err := client.Get(ctx, sitemapLoc)
	if err != nil || resp == nil {
		logger.Debug("sitemap fetch failed", "url", sitemapLoc, "error", err)
		return nil
	}

	var index sitemapIndex
	if err := xml.Unmarshal(resp.Body, &index); err == nil && len(index.Sitemaps) > 0 {
		if !recurse {
			return nil
		}
		var urls []string
		for _, entry := range index.Sitemaps {
			if entry.Loc == "" {
				continue
			}
			urls = append(urls, fetchSitemap(ctx, client, entry.Loc, false, logger)...)
			if len(urls) >= maxSitemapURLs {
				break
			}
		}
		return urls
	}

	var file sitemapFile
	if err := xml.Unmarshal(resp.Body, &file); err != nil {
		logger.Debug("sitemap parse failed", "url", sitemapLoc, "error", err)
		return nil
	}
	urls := make([]string, 0, len(file.URLs))
	for _, u := range file.URLs {
		if u.Loc != "" {
			urls = append(urls, u.Loc)
		}
	}
	return urls
}
