package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/distil/internal/cache"
	"github.com/jmylchreest/distil/internal/contenthash"
	"github.com/jmylchreest/distil/internal/distiller"
	"github.com/jmylchreest/distil/internal/extractor"
	"github.com/jmylchreest/distil/internal/fetch"
	"github.com/jmylchreest/distil/internal/kinds"
	"github.com/jmylchreest/distil/internal/models"
	"github.com/jmylchreest/distil/internal/protection"
	"github.com/jmylchreest/distil/internal/ratelimit"
	"github.com/jmylchreest/distil/internal/ssrf"
)

const articlePage = `<html><head><title>Test Article</title></head><body>
<article>
<h1>Test Article</h1>
<p>The first paragraph of the test article with a comfortable amount of words inside it.</p>
<p>The second paragraph of the test article, also carrying plenty of words for extraction.</p>
<p>The third paragraph rounds out the body so the completeness guard is satisfied here.</p>
</article>
</body></html>`

func testClient() *fetch.Client {
	return fetch.NewClient(fetch.Config{RetryAttempts: 1, RetryBaseDelay: time.Millisecond},
		ssrf.NewValidator(nil, ssrf.WithAllowedHosts("127.0.0.1")), nil)
}

func testDistiller() *distiller.Distiller {
	reg := extractor.NewRegistry(5*time.Second, nil, extractor.NewDOMHeuristic())
	return distiller.New(nil, nil, reg, distiller.DefaultGuardConfig(), nil)
}

func newTestPipeline(cfg Config, contentCache *cache.ContentCache) *Pipeline {
	return New(cfg, testClient(), nil, contentCache, protection.NewDetector(), testDistiller(), nil, nil)
}

func collect(t *testing.T, events <-chan models.Event) []models.Event {
	t.Helper()
	var out []models.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream never closed")
		}
	}
}

func kindsOf(events []models.Event) []models.EventKind {
	out := make([]models.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestRunEventGrammar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	p := newTestPipeline(Config{}, nil)
	events, err := p.Run(context.Background(), srv.URL+"/article", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	if got[0].Kind != models.EventMetadata {
		t.Fatalf("first event = %s, want metadata", got[0].Kind)
	}
	if got[len(got)-1].Kind != models.EventDone {
		t.Fatalf("last event = %s, want done", got[len(got)-1].Kind)
	}

	// metadata, confidence, extraction, node*, provenance, done with no
	// alert for a clean page.
	var sawConfidence, sawExtraction, sawProvenance bool
	nodeCount := 0
	for i, ev := range got {
		switch ev.Kind {
		case models.EventAlert:
			t.Error("unexpected alert for a clean page")
		case models.EventConfidence:
			sawConfidence = true
			if sawExtraction {
				t.Error("confidence after extraction")
			}
		case models.EventExtraction:
			sawExtraction = true
		case models.EventNode:
			if !sawExtraction {
				t.Errorf("node event %d before extraction", i)
			}
			if sawProvenance {
				t.Errorf("node event %d after provenance", i)
			}
			nodeCount++
		case models.EventProvenance:
			sawProvenance = true
		}
	}
	if !sawConfidence || !sawExtraction || !sawProvenance {
		t.Fatalf("missing stream stages: %v", kindsOf(got))
	}

	done := got[len(got)-1].Done
	if done.Nodes != nodeCount {
		t.Errorf("done.Nodes = %d, emitted %d", done.Nodes, nodeCount)
	}
	if done.Truncated {
		t.Error("done.Truncated for a small page")
	}
	if done.Title != "Test Article" {
		t.Errorf("done.Title = %q", done.Title)
	}

	meta := got[0].Metadata
	if meta.Status != 200 || meta.FromCache {
		t.Errorf("metadata = status %d fromCache %v", meta.Status, meta.FromCache)
	}
}

func TestRunEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPipeline(Config{}, nil)
	events, err := p.Run(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	want := []models.EventKind{models.EventMetadata, models.EventAlert, models.EventDone}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", kindsOf(got), want)
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Fatalf("event %d = %s, want %s", i, got[i].Kind, k)
		}
	}
	if got[1].Alert.Kind != models.AlertEmptyBody {
		t.Errorf("alert kind = %s", got[1].Alert.Kind)
	}
	if got[2].Done.Nodes != 0 || got[2].Done.Reason != "empty_body" {
		t.Errorf("done = %+v", got[2].Done)
	}
}

func TestRunChallengeAlert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html><body><div class="g-recaptcha">Please complete the CAPTCHA to continue.</div>
<p>This security check confirms you are not a bot before viewing the page content.</p></body></html>`))
	}))
	defer srv.Close()

	p := newTestPipeline(Config{}, nil)
	events, err := p.Run(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Run: %v, challenge bodies must stream", err)
	}
	got := collect(t, events)

	if got[0].Kind != models.EventMetadata || got[0].Metadata.Status != 403 {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[1].Kind != models.EventAlert {
		t.Fatalf("second event = %s, want challenge alert", got[1].Kind)
	}
	alert := got[1].Alert
	if alert.Kind != models.AlertChallenge || alert.Reason != "captcha" {
		t.Errorf("alert = %+v, want captcha challenge", alert)
	}
	if got[len(got)-1].Kind != models.EventDone {
		t.Error("stream did not run to done after the alert")
	}
}

func TestRunSSRFRefusalNoStream(t *testing.T) {
	p := New(Config{}, fetch.NewClient(fetch.Config{RetryAttempts: 1, RetryBaseDelay: time.Millisecond},
		ssrf.NewValidator(nil), nil), nil, nil, protection.NewDetector(), testDistiller(), nil, nil)

	events, err := p.Run(context.Background(), "http://169.254.169.254/latest/meta-data/", Options{})
	if events != nil {
		t.Error("got a stream for a refused URL")
	}
	if kinds.KindOf(err) != kinds.KindSSRFBlocked {
		t.Fatalf("kind = %v, want %v", kinds.KindOf(err), kinds.KindSSRFBlocked)
	}
}

func TestRunRefusedURLConsumesNoRateLimitToken(t *testing.T) {
	// Capacity 1 with a near-zero refill: whoever takes the token keeps it.
	limiter := ratelimit.New(ratelimit.Config{
		Enabled:    true,
		Capacity:   1,
		RefillRate: 0.001,
		Tick:       10 * time.Millisecond,
	}, nil)
	p := New(Config{}, fetch.NewClient(fetch.Config{RetryAttempts: 1, RetryBaseDelay: time.Millisecond},
		ssrf.NewValidator(nil), nil), limiter, nil, protection.NewDetector(), testDistiller(), nil, nil)

	target := "http://169.254.169.254/latest/meta-data/"
	if _, err := p.Run(context.Background(), target, Options{}); kinds.KindOf(err) != kinds.KindSSRFBlocked {
		t.Fatalf("kind = %v, want %v", kinds.KindOf(err), kinds.KindSSRFBlocked)
	}

	// The host's single token must still be available.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := limiter.CheckLimit(ctx, target); err != nil {
		t.Errorf("token was consumed by a refused URL: %v", err)
	}
}

func TestRunNodeCapTruncates(t *testing.T) {
	var blocks []string
	for i := 0; i < 20; i++ {
		blocks = append(blocks, fmt.Sprintf("<p>Numbered paragraph %02d with sufficient words to be kept by the extractor.</p>", i))
	}
	page := "<html><body><article><h1>Big Page</h1>" + strings.Join(blocks, "\n") + "</article></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	p := newTestPipeline(Config{MaxNodes: 5}, nil)
	events, err := p.Run(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	nodes := 0
	for _, ev := range got {
		if ev.Kind == models.EventNode {
			nodes++
		}
	}
	if nodes != 5 {
		t.Errorf("emitted %d nodes, want cap of 5", nodes)
	}
	done := got[len(got)-1].Done
	if !done.Truncated || done.Nodes != 5 {
		t.Errorf("done = %+v, want truncated with 5 nodes", done)
	}
}

func TestRunNodeHashesStable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	p := newTestPipeline(Config{}, nil)
	hashes := func() []string {
		events, err := p.Run(context.Background(), srv.URL, Options{SkipCache: true})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		var out []string
		for _, ev := range collect(t, events) {
			if ev.Kind == models.EventNode {
				if !contenthash.Valid(ev.Node.Hash) {
					t.Errorf("node hash %q has wrong shape", ev.Node.Hash)
				}
				out = append(out, ev.Node.Hash)
			}
		}
		return out
	}

	first := hashes()
	second := hashes()
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("node counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("node %d hash changed between identical runs", i)
		}
	}
}

func TestRunServesFromCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	contentCache := cache.New(cache.Config{TTL: time.Minute, LRUSize: 8}, nil, nil)
	p := newTestPipeline(Config{}, contentCache)

	for i := 0; i < 2; i++ {
		events, err := p.Run(context.Background(), srv.URL+"/cached", Options{})
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		got := collect(t, events)
		wantFromCache := i == 1
		if got[0].Metadata.FromCache != wantFromCache {
			t.Errorf("run %d FromCache = %v, want %v", i, got[0].Metadata.FromCache, wantFromCache)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("origin fetched %d times, want 1", n)
	}
}

func TestRunRevalidates304(t *testing.T) {
	var conditional int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&conditional, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	// A nanosecond TTL makes every cached entry immediately stale, forcing
	// the conditional revalidation path on the second run.
	shortCache := cache.New(cache.Config{TTL: time.Nanosecond, LRUSize: 8}, nil, nil)
	p := newTestPipeline(Config{}, shortCache)

	events, err := p.Run(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, events)

	events, err = p.Run(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)
	if atomic.LoadInt32(&conditional) == 0 {
		t.Error("stale entry never revalidated with If-None-Match")
	}
	if !got[0].Metadata.FromCache {
		t.Error("304 revalidation should serve the cached body")
	}
}

func TestBoostedConfidenceClamps(t *testing.T) {
	doc := models.DistilledDocument{
		ContentText:         strings.Repeat("x", 5000),
		Byline:              "someone",
		Nodes:               make([]models.Node, 10),
		ConfidenceBreakdown: models.ConfidenceBreakdown{Overall: 0.9},
	}
	overall, h := boostedConfidence(doc)
	if overall != 0.95 {
		t.Errorf("overall = %v, want clamp at 0.95", overall)
	}
	if !h.HasByline || h.NodeCount != 10 {
		t.Errorf("heuristics = %+v", h)
	}

	low := models.DistilledDocument{ContentText: "tiny", ConfidenceBreakdown: models.ConfidenceBreakdown{Overall: 0.1}}
	overall, _ = boostedConfidence(low)
	if overall != 0.2 {
		t.Errorf("overall = %v, want floor at 0.2", overall)
	}
}

func TestNodeConfidence(t *testing.T) {
	longText := strings.Repeat("w", 250)
	tests := []struct {
		name string
		node models.Node
		want float64
	}{
		{"heading bonus", models.Node{Type: models.NodeHeading, Text: strings.Repeat("h", 50)}, 0.62},
		{"long paragraph bonus", models.Node{Type: models.NodeParagraph, Text: longText}, 0.64},
		{"short text penalty", models.Node{Type: models.NodeParagraph, Text: "short"}, 0.52},
	}
	for _, tt := range tests {
		if got := nodeConfidence(0.6, tt.node); got != tt.want {
			t.Errorf("%s: nodeConfidence = %v, want %v", tt.name, got, tt.want)
		}
	}
}
