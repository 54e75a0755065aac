// Package protection detects anti-bot challenge pages in fetched bodies.
// Detection is advisory: the pipeline emits an alert and extraction still
// proceeds, since challenge pages occasionally wrap real content.
package protection

import (
	"net/http"
	"regexp"
	"strings"
)

// Challenge is one detected anti-bot signal.
type Challenge struct {
	// Reason names the challenge family (captcha, access-denied, ...).
	Reason string
	// Pattern is the matched expression, reported for diagnostics.
	Pattern string
	// Rendered reports whether browser rendering would likely get past it.
	Rendered bool
}

// challengeRule pairs a reason with its body regex. Rules are evaluated in
// order and the first hit wins, so more specific signals sit first.
type challengeRule struct {
	reason   string
	re       *regexp.Regexp
	rendered bool
}

var challengeRules = []challengeRule{
	{
		reason:   "captcha",
		re:       regexp.MustCompile(`(?i)(g-recaptcha|grecaptcha|h-captcha|hcaptcha|cf-turnstile|data-sitekey|captcha)`),
		rendered: true,
	},
	{
		reason:   "human-verification",
		re:       regexp.MustCompile(`(?i)(verify (that )?you are (a )?human|checking your browser|just a moment|please wait while we verify)`),
		rendered: true,
	},
	{
		reason:   "robot-check",
		re:       regexp.MustCompile(`(?i)(are you a robot|prove you'?re not a robot|robot check|bot detected|automated access)`),
		rendered: true,
	},
	{
		reason:   "access-denied",
		re:       regexp.MustCompile(`(?i)(access denied|access to this page has been denied|you don'?t have permission|request blocked)`),
		rendered: true,
	},
	{
		reason:   "perimeterx",
		re:       regexp.MustCompile(`(?i)(perimeterx|_pxhd|px-captcha)`),
		rendered: true,
	},
	{
		reason:   "javascript-required",
		re:       regexp.MustCompile(`(?i)(please enable javascript|javascript is required|requires javascript|enable javascript to continue)`),
		rendered: true,
	},
	{
		reason:   "unusual-traffic",
		re:       regexp.MustCompile(`(?i)(unusual traffic|suspicious activity|too many requests from your network)`),
		rendered: false,
	},
}

// Detector scans bodies, status codes and headers for challenge signals.
type Detector struct{}

// NewDetector creates a detector.
func NewDetector() *Detector {
	return &Detector{}
}

// DetectBody scans the body against the ordered rule table. Returns nil
// when nothing matches.
func (d *Detector) DetectBody(body []byte) *Challenge {
	if len(body) == 0 {
		return nil
	}
	content := string(body)
	for _, rule := range challengeRules {
		if m := rule.re.FindString(content); m != "" {
			return &Challenge{
				Reason:   rule.reason,
				Pattern:  m,
				Rendered: rule.rendered,
			}
		}
	}
	return nil
}

// Detect scans status, headers and body together. Status and header
// signals supplement the body table: a 403 or 429 without any body match
// still reports a challenge.
func (d *Detector) Detect(status int, headers http.Header, body []byte) *Challenge {
	if c := d.DetectBody(body); c != nil {
		return c
	}
	if headers != nil && headers.Get("cf-mitigated") == "challenge" {
		return &Challenge{Reason: "human-verification", Pattern: "cf-mitigated: challenge", Rendered: true}
	}
	switch status {
	case http.StatusForbidden:
		return &Challenge{Reason: "access-denied", Pattern: "HTTP 403", Rendered: true}
	case http.StatusTooManyRequests:
		return &Challenge{Reason: "unusual-traffic", Pattern: "HTTP 429", Rendered: false}
	}
	return nil
}

// SuggestRendered reports whether the challenge family is typically
// bypassed by browser rendering.
func (c *Challenge) SuggestRendered() bool {
	return c != nil && c.Rendered
}

// String returns a short human-readable description.
func (c *Challenge) String() string {
	if c == nil {
		return ""
	}
	return c.Reason + " (" + strings.TrimSpace(c.Pattern) + ")"
}
