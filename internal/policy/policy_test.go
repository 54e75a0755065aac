package policy

import (
	"strings"
	"testing"
)

const samplePage = `<html><head><title>Sample</title></head><body>
<nav>site nav</nav>
<article class="post">
  <h1 id="headline">The Headline</h1>
  <p>First paragraph of the article body.</p>
  <p>Second paragraph of the article body.</p>
  <p>Subscribe to our newsletter!</p>
</article>
<div class="advertisement">buy things</div>
<footer>footer text</footer>
</body></html>`

func TestApplyDropSelectors(t *testing.T) {
	e := NewEngine([]Policy{{
		Name:   "default",
		Domain: "*",
		Drop: []Rule{
			{Selector: "nav"},
			{Selector: "footer"},
			{Selector: ".advertisement"},
			{Selector: ".missing-class"},
		},
	}}, nil)

	res := e.Apply(samplePage, "https://example.com/post", "")
	if res.PolicyApplied != "default" {
		t.Fatalf("PolicyApplied = %q", res.PolicyApplied)
	}
	if res.RulesMatched != 3 {
		t.Errorf("RulesMatched = %d, want 3", res.RulesMatched)
	}
	for _, gone := range []string{"site nav", "footer text", "buy things"} {
		if strings.Contains(res.TransformedHTML, gone) {
			t.Errorf("dropped content %q still present", gone)
		}
	}
	if !strings.Contains(res.TransformedHTML, "First paragraph") {
		t.Error("article content was removed")
	}
}

func TestApplyDropRegex(t *testing.T) {
	e := NewEngine([]Policy{{
		Name:   "default",
		Domain: "*",
		Drop:   []Rule{{Regex: `(?i)subscribe to our newsletter`}},
	}}, nil)

	res := e.Apply(samplePage, "https://example.com/post", "")
	if strings.Contains(res.TransformedHTML, "Subscribe to our newsletter") {
		t.Error("regex-matched text still present")
	}
	if !strings.Contains(res.TransformedHTML, "Second paragraph") {
		t.Error("non-matching text nodes were lost")
	}
}

func TestApplyKeep(t *testing.T) {
	e := NewEngine([]Policy{{
		Name:   "default",
		Domain: "*",
		Keep:   []Rule{{Selector: "article"}},
	}}, nil)

	res := e.Apply(samplePage, "https://example.com/post", "")
	if strings.Contains(res.TransformedHTML, "site nav") {
		t.Error("content outside the kept region survived")
	}
	if !strings.Contains(res.TransformedHTML, "The Headline") {
		t.Error("kept region missing")
	}
}

func TestApplyTransform(t *testing.T) {
	page := `<html><body><div class="wrapper"><p style="color:red" data-x="1">text</p></div></body></html>`
	e := NewEngine([]Policy{{
		Name:   "default",
		Domain: "*",
		Transform: []Rule{
			{Selector: "div.wrapper", Action: ActionUnwrap},
			{Selector: "p", Action: ActionStripAttrs},
		},
	}}, nil)

	res := e.Apply(page, "https://example.com/", "")
	if strings.Contains(res.TransformedHTML, "wrapper") {
		t.Error("unwrapped element still present")
	}
	if strings.Contains(res.TransformedHTML, "style=") || strings.Contains(res.TransformedHTML, "data-x") {
		t.Error("attributes not stripped")
	}
	if !strings.Contains(res.TransformedHTML, "text") {
		t.Error("content lost during transform")
	}
}

func TestPolicySelection(t *testing.T) {
	policies := []Policy{
		{Name: "default", Domain: "*", Drop: []Rule{{Selector: "nav"}}},
		{Name: "news", Domain: "*.news.example.com", Drop: []Rule{{Selector: "footer"}}},
		{Name: "special", Domain: "never.example.org"},
	}
	e := NewEngine(policies, nil)

	tests := []struct {
		name string
		url  string
		hint string
		want string
	}{
		{"hint wins", "https://example.com/", "special", "special"},
		{"domain glob match", "https://www.news.example.com/story", "", "news"},
		{"glob spans multiple labels", "https://a.b.news.example.com/story", "", "news"},
		{"fallback to default", "https://other.example.org/", "", "default"},
		{"unknown hint falls through", "https://www.news.example.com/x", "nope", "news"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Apply(samplePage, tt.url, tt.hint)
			if res.PolicyApplied != tt.want {
				t.Errorf("PolicyApplied = %q, want %q", res.PolicyApplied, tt.want)
			}
		})
	}
}

func TestApplyNoPolicyPassesThrough(t *testing.T) {
	e := NewEngine(nil, nil)
	res := e.Apply(samplePage, "https://example.com/", "")
	if res.PolicyApplied != "" {
		t.Errorf("PolicyApplied = %q, want none", res.PolicyApplied)
	}
	if res.TransformedHTML != samplePage {
		t.Error("pass-through modified the HTML")
	}
}

func TestValidateFields(t *testing.T) {
	e := NewEngine([]Policy{{
		Name:   "default",
		Domain: "*",
		Fields: Fields{
			Title: "#headline",
			Main:  "article",
			// Author selector matches nothing.
			Author: ".byline",
		},
	}}, nil)

	res := e.Apply(samplePage, "https://example.com/", "")
	if len(res.FieldsValidated) != 2 {
		t.Errorf("FieldsValidated = %v, want title and main", res.FieldsValidated)
	}
	if len(res.ValidationErrors) != 1 || !strings.Contains(res.ValidationErrors[0], "author") {
		t.Errorf("ValidationErrors = %v, want one author error", res.ValidationErrors)
	}
}

func TestRegisterReplaces(t *testing.T) {
	e := NewEngine([]Policy{{Name: "default", Domain: "*", Drop: []Rule{{Selector: "nav"}}}}, nil)
	e.Register(Policy{Name: "default", Domain: "*", Drop: []Rule{{Selector: "footer"}}})

	res := e.Apply(samplePage, "https://example.com/", "")
	if strings.Contains(res.TransformedHTML, "footer text") {
		t.Error("replacement policy not applied")
	}
	if !strings.Contains(res.TransformedHTML, "site nav") {
		t.Error("old policy rules still applied")
	}
}

func TestInvalidDomainGlobIgnored(t *testing.T) {
	e := NewEngine([]Policy{
		{Name: "broken", Domain: "[invalid"},
		{Name: "default", Domain: "*"},
	}, nil)
	res := e.Apply(samplePage, "https://example.com/", "")
	if res.PolicyApplied != "default" {
		t.Errorf("PolicyApplied = %q, broken glob should never match", res.PolicyApplied)
	}
}
