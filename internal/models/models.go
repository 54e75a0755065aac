// Package models defines the domain models for the extraction core: distilled
// documents, cache entries, crawl records, jobs and the tagged events emitted
// by the fetch pipeline. No persistence is assumed; everything here lives in
// process-wide state owned by the collaborators constructed at startup.
package models

import (
	"time"
)

// FetchMode selects how a page body is obtained.
type FetchMode string

const (
	FetchModeHTTP     FetchMode = "http"
	FetchModeRendered FetchMode = "rendered"
)

// ExtractionMethod identifies which extractor produced a candidate.
type ExtractionMethod string

const (
	MethodReadability     ExtractionMethod = "readability"
	MethodDOMHeuristic    ExtractionMethod = "dom-heuristic"
	MethodLLM             ExtractionMethod = "llm"
	MethodExternalLibrary ExtractionMethod = "external-library"
	MethodDomainAdapter   ExtractionMethod = "domain-adapter"
	MethodFallback        ExtractionMethod = "fallback"
)

// NodeType distinguishes document node kinds.
type NodeType string

const (
	NodeParagraph NodeType = "paragraph"
	NodeHeading   NodeType = "heading"
)

// SourceSpan locates a piece of extracted text in the original byte stream.
// ByteStart < ByteEnd when the location is known, else both are zero.
type SourceSpan struct {
	URL         string    `json:"url"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"content_hash"`
	ByteStart   int       `json:"byte_start"`
	ByteEnd     int       `json:"byte_end"`
	Selector    string    `json:"selector,omitempty"`
}

// Node is one ordered unit of distilled content. Order is dense from 0;
// ID is unique within the document.
type Node struct {
	ID          string       `json:"id"`
	Order       int          `json:"order"`
	Type        NodeType     `json:"type"`
	Text        string       `json:"text"`
	SourceSpans []SourceSpan `json:"source_spans,omitempty"`
}

// ConfidenceBreakdown reports the five scoring components plus their
// log-odds combination. All values are in [0,1].
type ConfidenceBreakdown struct {
	Extraction        float64 `json:"extraction"`
	ContentQuality    float64 `json:"content_quality"`
	Metadata          float64 `json:"metadata"`
	SourceCredibility float64 `json:"source_credibility"`
	Consensus         float64 `json:"consensus"`
	Overall           float64 `json:"overall"`
}

// DistilledDocument is the structured output of the distillation pipeline.
type DistilledDocument struct {
	Title                string              `json:"title"`
	Byline               string              `json:"byline,omitempty"`
	Excerpt              string              `json:"excerpt,omitempty"`
	Lang                 string              `json:"lang,omitempty"`
	SiteName             string              `json:"site_name,omitempty"`
	ContentText          string              `json:"content_text"`
	ContentHash          string              `json:"content_hash"`
	Nodes                []Node              `json:"nodes"`
	ExtractionMethod     ExtractionMethod    `json:"extraction_method"`
	ExtractionConfidence float64             `json:"extraction_confidence"`
	ConfidenceBreakdown  ConfidenceBreakdown `json:"confidence_breakdown"`
	FallbackUsed         bool                `json:"fallback_used"`
}

// Candidate is one extractor's proposal for a page's main content.
type Candidate struct {
	Method         ExtractionMethod  `json:"method"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	ParagraphCount int               `json:"paragraph_count"`
	Confidence     float64           `json:"confidence"`
	Metadata       CandidateMetadata `json:"metadata"`

	// Paragraphs carries the extractor's own segmentation when it has one
	// (dom-heuristic produces selector-addressed paragraphs). Optional.
	Paragraphs []CandidateParagraph `json:"paragraphs,omitempty"`
}

// CandidateMetadata holds optional article metadata found by an extractor.
type CandidateMetadata struct {
	Author      string `json:"author,omitempty"`
	PublishDate string `json:"publish_date,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
	Lang        string `json:"lang,omitempty"`
}

// CandidateParagraph is one segmented unit with an optional CSS selector span.
type CandidateParagraph struct {
	Text     string `json:"text"`
	Tag      string `json:"tag"` // p, h1..h6
	Selector string `json:"selector,omitempty"`
}

// CacheEntry is the value stored per (mode, normalized URL) cache key.
type CacheEntry struct {
	Body         []byte            `json:"body"`
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers"`
	FinalURL     string            `json:"final_url"`
	Protocol     string            `json:"protocol"`
	FetchedAt    time.Time         `json:"fetched_at"`
	ETag         string            `json:"etag,omitempty"`
	LastModified string            `json:"last_modified,omitempty"`
}

// PageStatus is the terminal state of one crawled URL.
type PageStatus string

const (
	PageSuccess       PageStatus = "success"
	PageError         PageStatus = "error"
	PageSkipped       PageStatus = "skipped"
	PageRobotsBlocked PageStatus = "robots_blocked"
)

// CrawlPage records one processed URL within a crawl.
type CrawlPage struct {
	URL           string        `json:"url"`
	Depth         int           `json:"depth"`
	Status        PageStatus    `json:"status"`
	HTTPStatus    int           `json:"http_status,omitempty"`
	Title         string        `json:"title,omitempty"`
	Content       string        `json:"content,omitempty"`
	Links         []string      `json:"links"`
	TokenCount    int           `json:"token_count,omitempty"`
	RawTokenCount int           `json:"raw_token_count,omitempty"`
	Error         string        `json:"error,omitempty"`
	FetchDuration time.Duration `json:"fetch_duration"`
}

// CrawlStatus is the terminal (or running) state of a crawl.
type CrawlStatus string

const (
	CrawlRunning   CrawlStatus = "running"
	CrawlCompleted CrawlStatus = "completed"
	CrawlCancelled CrawlStatus = "cancelled"
	CrawlError     CrawlStatus = "error"
)

// CrawlStrategy selects frontier ordering.
type CrawlStrategy string

const (
	StrategyBFS CrawlStrategy = "bfs"
	StrategyDFS CrawlStrategy = "dfs"
)

// CrawlOptions configures a crawl.
type CrawlOptions struct {
	MaxDepth        int           `json:"max_depth"`
	MaxPages        int           `json:"max_pages"`
	PathPrefix      string        `json:"path_prefix,omitempty"`
	IncludePatterns []string      `json:"include_patterns,omitempty"`
	ExcludePatterns []string      `json:"exclude_patterns,omitempty"`
	RespectRobots   bool          `json:"respect_robots"`
	RenderJS        bool          `json:"render_js"`
	ExtractContent  bool          `json:"extract_content"`
	Concurrency     int           `json:"concurrency"`
	Strategy        CrawlStrategy `json:"strategy,omitempty"`
	SitemapURL      string        `json:"sitemap_url,omitempty"`
}

// CrawlStats aggregates a finished (or cancelled) crawl.
type CrawlStats struct {
	TotalPages          int           `json:"total_pages"`
	SuccessPages        int           `json:"success_pages"`
	ErrorPages          int           `json:"error_pages"`
	SkippedPages        int           `json:"skipped_pages"`
	TotalTokens         int           `json:"total_tokens"`
	TotalRawTokens      int           `json:"total_raw_tokens"`
	TokenSavingsPercent int           `json:"token_savings_percent"`
	TotalDuration       time.Duration `json:"total_duration"`
	UniqueDomains       int           `json:"unique_domains"`
}

// CrawlResult is the aggregate output of Crawler.Crawl.
type CrawlResult struct {
	StartURL string       `json:"start_url"`
	Options  CrawlOptions `json:"options"`
	Status   CrawlStatus  `json:"status"`
	Pages    []CrawlPage  `json:"pages"`
	Stats    CrawlStats   `json:"stats"`
}

// JobStatus represents the status of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobOptions configures scheduling, retries and delivery for one job.
type JobOptions struct {
	Priority   int               `json:"priority"` // 1 (lowest) .. 10 (highest)
	Retries    int               `json:"retries"`
	Timeout    time.Duration     `json:"timeout"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Status        JobStatus  `json:"status"`
	Payload       any        `json:"payload"`
	Options       JobOptions `json:"options"`
	Progress      float64    `json:"progress"` // 0..100
	StatusMessage string     `json:"status_message,omitempty"`
	Result        any        `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Attempts      int        `json:"attempts"`
}

// WebhookPayload is the JSON body POSTed on job completion or failure.
type WebhookPayload struct {
	JobID    string `json:"jobId"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration,omitempty"` // milliseconds
}
