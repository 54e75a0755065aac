package protection

import (
	"net/http"
	"testing"
)

func TestDetectBody(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantReason string
	}{
		{
			name:       "recaptcha widget",
			body:       `<html><body><div class="g-recaptcha" data-sitekey="abc"></div></body></html>`,
			wantReason: "captcha",
		},
		{
			name:       "cloudflare interstitial",
			body:       `<html><title>Just a moment...</title><body>Checking your browser</body></html>`,
			wantReason: "human-verification",
		},
		{
			name:       "robot check",
			body:       `<html><body>Are you a robot? Complete the check below.</body></html>`,
			wantReason: "robot-check",
		},
		{
			name:       "access denied page",
			body:       `<html><body><h1>Access Denied</h1>You don't have permission to access this resource.</body></html>`,
			wantReason: "access-denied",
		},
		{
			name:       "perimeterx block",
			body:       `<html><body><div id="px-captcha-wrapper">PerimeterX</div></body></html>`,
			wantReason: "captcha", // px-captcha matches the captcha rule first
		},
		{
			name:       "javascript wall",
			body:       `<html><body>Please enable JavaScript to view this site.</body></html>`,
			wantReason: "javascript-required",
		},
		{
			name:       "unusual traffic",
			body:       `<html><body>We detected unusual traffic from your network.</body></html>`,
			wantReason: "unusual-traffic",
		},
		{
			name:       "ordinary article",
			body:       `<html><body><article><p>Plain editorial content about nothing suspicious.</p></article></body></html>`,
			wantReason: "",
		},
	}

	d := NewDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.DetectBody([]byte(tt.body))
			if tt.wantReason == "" {
				if got != nil {
					t.Fatalf("expected no challenge, got %v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected challenge %q, got none", tt.wantReason)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if got.Pattern == "" {
				t.Error("expected matched pattern to be reported")
			}
		})
	}
}

func TestDetectBodyFirstRuleWins(t *testing.T) {
	// Body contains both a captcha marker and an access-denied message;
	// the captcha rule sits earlier in the table and must win.
	body := `<html><body>Access Denied. Solve the captcha below.</body></html>`
	got := NewDetector().DetectBody([]byte(body))
	if got == nil || got.Reason != "captcha" {
		t.Fatalf("expected captcha to win ordering, got %v", got)
	}
}

func TestDetectStatusAndHeaders(t *testing.T) {
	d := NewDetector()

	if got := d.Detect(http.StatusForbidden, nil, []byte("<html><body>nothing here</body></html>")); got == nil || got.Reason != "access-denied" {
		t.Errorf("403 without body signal: got %v, want access-denied", got)
	}
	if got := d.Detect(http.StatusTooManyRequests, nil, nil); got == nil || got.Reason != "unusual-traffic" {
		t.Errorf("429: got %v, want unusual-traffic", got)
	}

	h := http.Header{}
	h.Set("cf-mitigated", "challenge")
	if got := d.Detect(http.StatusOK, h, []byte("<html><body>ok</body></html>")); got == nil || got.Reason != "human-verification" {
		t.Errorf("cf-mitigated header: got %v, want human-verification", got)
	}

	if got := d.Detect(http.StatusOK, nil, []byte("<html><body>fine</body></html>")); got != nil {
		t.Errorf("clean 200: got %v, want nil", got)
	}

	// Body signal outranks the status fallback.
	if got := d.Detect(http.StatusForbidden, nil, []byte("complete the captcha to continue")); got == nil || got.Reason != "captcha" {
		t.Errorf("403 with captcha body: got %v, want captcha", got)
	}
}

func TestSuggestRendered(t *testing.T) {
	d := NewDetector()
	if c := d.DetectBody([]byte("please enable javascript")); !c.SuggestRendered() {
		t.Error("javascript-required should suggest rendering")
	}
	if c := d.DetectBody([]byte("unusual traffic detected")); c.SuggestRendered() {
		t.Error("unusual-traffic should not suggest rendering")
	}
	var nilChallenge *Challenge
	if nilChallenge.SuggestRendered() {
		t.Error("nil challenge must not suggest rendering")
	}
}
