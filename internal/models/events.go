package models

import "time"

// EventKind discriminates pipeline events. For any single-URL run the
// sequence matches: metadata alert? (confidence extraction node* provenance)? done.
type EventKind string

const (
	EventMetadata   EventKind = "metadata"
	EventAlert      EventKind = "alert"
	EventConfidence EventKind = "confidence"
	EventExtraction EventKind = "extraction"
	EventNode       EventKind = "node"
	EventProvenance EventKind = "provenance"
	EventDone       EventKind = "done"
)

// AlertKind discriminates alert events.
type AlertKind string

const (
	AlertEmptyBody AlertKind = "empty_body"
	AlertChallenge AlertKind = "challenge_detected"
)

// Event is one tagged pipeline event. Exactly one payload field matching
// Kind is non-nil.
type Event struct {
	Kind       EventKind        `json:"kind"`
	Metadata   *MetadataEvent   `json:"metadata,omitempty"`
	Alert      *AlertEvent      `json:"alert,omitempty"`
	Confidence *ConfidenceEvent `json:"confidence,omitempty"`
	Extraction *ExtractionEvent `json:"extraction,omitempty"`
	Node       *NodeEvent       `json:"node,omitempty"`
	Provenance *ProvenanceEvent `json:"provenance,omitempty"`
	Done       *DoneEvent       `json:"done,omitempty"`
}

// MetadataEvent is always first in a stream.
type MetadataEvent struct {
	URL               string    `json:"url"`
	FinalURL          string    `json:"finalUrl"`
	Status            int       `json:"status"`
	ContentType       string    `json:"contentType"`
	FetchTimestamp    time.Time `json:"fetchTimestamp"`
	DurationMs        int64     `json:"durationMs"`
	FromCache         bool      `json:"fromCache"`
	Rendered          bool      `json:"rendered"`
	RenderDiagnostics string    `json:"renderDiagnostics,omitempty"`
}

// AlertEvent reports an empty body or an anti-bot challenge. Extraction
// still proceeds after a challenge alert.
type AlertEvent struct {
	Kind    AlertKind `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	Pattern string    `json:"pattern,omitempty"`
}

// ConfidenceEvent reports the overall confidence and the local heuristics
// that adjusted it.
type ConfidenceEvent struct {
	OverallConfidence float64              `json:"overallConfidence"`
	Heuristics        ConfidenceHeuristics `json:"heuristics"`
}

// ConfidenceHeuristics are the pipeline-local boost inputs.
type ConfidenceHeuristics struct {
	FallbackUsed  bool `json:"fallbackUsed"`
	NodeCount     int  `json:"nodeCount"`
	ContentLength int  `json:"contentLength"`
	HasByline     bool `json:"hasByline"`
}

// ExtractionEvent reports which extractor won and its document metadata.
type ExtractionEvent struct {
	Method       ExtractionMethod `json:"method"`
	Confidence   float64          `json:"confidence"`
	FallbackUsed bool             `json:"fallbackUsed"`
	Title        string           `json:"title,omitempty"`
	Byline       string           `json:"byline,omitempty"`
	SiteName     string           `json:"siteName,omitempty"`
	Lang         string           `json:"lang,omitempty"`
}

// NodeEvent carries one content node, in strictly ascending Order.
type NodeEvent struct {
	ID         string   `json:"id"`
	Hash       string   `json:"hash"`
	Order      int      `json:"order"`
	Kind       NodeType `json:"kind"`
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
}

// ProvenanceEvent precedes done and follows all node events.
type ProvenanceEvent struct {
	Extractor ExtractionMethod `json:"extractor"`
	Checksum  string           `json:"checksum"`
	NodeCount int              `json:"nodeCount"`
}

// DoneEvent is always last in a stream.
type DoneEvent struct {
	Nodes     int    `json:"nodes"`
	Truncated bool   `json:"truncated"`
	Reason    string `json:"reason,omitempty"`
	Title     string `json:"title,omitempty"`
	Byline    string `json:"byline,omitempty"`
	SiteName  string `json:"siteName,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
}

// CrawlEventKind discriminates crawler listener events.
type CrawlEventKind string

const (
	CrawlPageFetched   CrawlEventKind = "page:fetched"
	CrawlPageExtracted CrawlEventKind = "page:extracted"
	CrawlPageError     CrawlEventKind = "page:error"
	CrawlComplete      CrawlEventKind = "crawl:complete"
)

// CrawlEvent is delivered to crawl listeners. Page is nil for crawl:complete.
type CrawlEvent struct {
	Kind CrawlEventKind `json:"kind"`
	Page *CrawlPage     `json:"page,omitempty"`
}

// JobEventKind discriminates job progress-stream events.
type JobEventKind string

const (
	JobEventStatus   JobEventKind = "status"
	JobEventProgress JobEventKind = "progress"
	JobEventComplete JobEventKind = "complete"
	JobEventError    JobEventKind = "error"
)

// JobEvent is one job progress-stream event.
type JobEvent struct {
	Kind     JobEventKind `json:"kind"`
	JobID    string       `json:"job_id"`
	Status   JobStatus    `json:"status"`
	Progress float64      `json:"progress"`
	Message  string       `json:"message,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Terminal reports whether the event ends a progress stream.
func (e JobEvent) Terminal() bool {
	return e.Kind == JobEventComplete || e.Kind == JobEventError ||
		(e.Kind == JobEventStatus && e.Status.Terminal())
}
