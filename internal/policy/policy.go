// Package policy applies per-domain preprocessing rules to fetched HTML
// before extraction. Policies drop boilerplate, optionally keep only the
// article region, and validate field selectors. Application never fails the
// pipeline: any error logs and passes the HTML through unchanged.
package policy

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/gobwas/glob"
	"golang.org/x/net/html"

	"github.com/jmylchreest/distil/internal/urlutil"
)

// RuleAction names what a transform rule does to matched elements.
type RuleAction string

const (
	// ActionUnwrap replaces matched elements with their children.
	ActionUnwrap RuleAction = "unwrap"
	// ActionStripAttrs removes all attributes from matched elements.
	ActionStripAttrs RuleAction = "strip-attrs"
)

// Rule matches elements by CSS selector or text nodes by regex. Exactly one
// of Selector and Regex should be set.
type Rule struct {
	Selector string     `json:"selector,omitempty"`
	Regex    string     `json:"regex,omitempty"`
	Action   RuleAction `json:"action,omitempty"`
}

// Fields maps document field names to selectors expected to match in the
// transformed HTML.
type Fields struct {
	Title   string `json:"title,omitempty"`
	Author  string `json:"author,omitempty"`
	Main    string `json:"main,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Policy is one named ruleset bound to a domain pattern.
type Policy struct {
	Name      string `json:"name"`
	Domain    string `json:"domain"` // glob; "*" matches any label sequence
	Preset    string `json:"preset,omitempty"`
	Keep      []Rule `json:"keep,omitempty"`
	Drop      []Rule `json:"drop,omitempty"`
	Transform []Rule `json:"transform,omitempty"`
	Fields    Fields `json:"fields,omitempty"`
}

// Result is the outcome of applying a policy.
type Result struct {
	TransformedHTML  string
	PolicyApplied    string
	RulesMatched     int
	FieldsValidated  []string
	ValidationErrors []string
}

// Engine selects and applies policies.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
	globs    map[string]glob.Glob
	logger   *slog.Logger
}

// NewEngine creates an engine with the given policies. Unparseable domain
// globs are logged and their policies never selected by domain.
func NewEngine(policies []Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		globs:  make(map[string]glob.Glob),
		logger: logger.With("component", "policy"),
	}
	for _, p := range policies {
		e.add(p)
	}
	return e
}

// Register adds or replaces a policy by name.
func (e *Engine) Register(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.policies {
		if e.policies[i].Name == p.Name {
			e.policies[i] = p
			e.compileGlob(p)
			return
		}
	}
	e.add(p)
}

func (e *Engine) add(p Policy) {
	e.policies = append(e.policies, p)
	e.compileGlob(p)
}

func (e *Engine) compileGlob(p Policy) {
	if p.Domain == "" {
		return
	}
	// No separator: a * must span label boundaries so *.example.com
	// covers a.b.example.com as well as www.example.com.
	g, err := glob.Compile(strings.ToLower(p.Domain))
	if err != nil {
		e.logger.Warn("invalid policy domain glob", "policy", p.Name, "domain", p.Domain, "error", err)
		return
	}
	e.globs[p.Name] = g
}

// Apply transforms markup for url. Selection order: exact hint name, then
// domain glob match, then the policy named "default", then pass-through.
func (e *Engine) Apply(markup, rawURL, hint string) Result {
	p, ok := e.selectPolicy(rawURL, hint)
	if !ok {
		return Result{TransformedHTML: markup}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		e.logger.Warn("policy parse failed, passing HTML through", "policy", p.Name, "error", err)
		return Result{TransformedHTML: markup, PolicyApplied: p.Name}
	}

	matched := 0
	matched += e.applyDrop(doc, p.Drop)
	matched += e.applyKeep(doc, p.Keep)
	matched += e.applyTransform(doc, p.Transform)

	validated, errs := validateFields(doc, p.Fields)

	out, err := doc.Html()
	if err != nil {
		e.logger.Warn("policy serialize failed, passing HTML through", "policy", p.Name, "error", err)
		return Result{TransformedHTML: markup, PolicyApplied: p.Name, RulesMatched: matched}
	}

	return Result{
		TransformedHTML:  out,
		PolicyApplied:    p.Name,
		RulesMatched:     matched,
		FieldsValidated:  validated,
		ValidationErrors: errs,
	}
}

// selectPolicy picks the policy for a URL and optional hint.
func (e *Engine) selectPolicy(rawURL, hint string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if hint != "" {
		for _, p := range e.policies {
			if p.Name == hint {
				return p, true
			}
		}
	}

	if host, err := urlutil.Host(rawURL); err == nil {
		for _, p := range e.policies {
			if p.Name == "default" {
				continue
			}
			if g, ok := e.globs[p.Name]; ok && g.Match(host) {
				return p, true
			}
		}
	}

	for _, p := range e.policies {
		if p.Name == "default" {
			return p, true
		}
	}
	return Policy{}, false
}

// applyDrop removes elements matched by selector rules and text nodes whose
// text matches regex rules.
func (e *Engine) applyDrop(doc *goquery.Document, rules []Rule) int {
	matched := 0
	for _, r := range rules {
		switch {
		case r.Selector != "":
			sel := doc.Find(r.Selector)
			if sel.Length() > 0 {
				matched++
				sel.Remove()
			}
		case r.Regex != "":
			re, err := regexp.Compile(r.Regex)
			if err != nil {
				e.logger.Warn("invalid drop regex, rule skipped", "regex", r.Regex, "error", err)
				continue
			}
			if dropTextNodes(doc, re) {
				matched++
			}
		}
	}
	return matched
}

// applyKeep replaces the body with the concatenation of matched subtrees
// when any keep rule matches.
func (e *Engine) applyKeep(doc *goquery.Document, rules []Rule) int {
	if len(rules) == 0 {
		return 0
	}
	var kept []string
	matched := 0
	for _, r := range rules {
		if r.Selector == "" {
			continue
		}
		sel := doc.Find(r.Selector)
		if sel.Length() == 0 {
			continue
		}
		matched++
		sel.Each(func(_ int, s *goquery.Selection) {
			if h, err := goquery.OuterHtml(s); err == nil {
				kept = append(kept, h)
			}
		})
	}
	if matched > 0 {
		doc.Find("body").SetHtml(strings.Join(kept, "\n"))
	}
	return matched
}

func (e *Engine) applyTransform(doc *goquery.Document, rules []Rule) int {
	matched := 0
	for _, r := range rules {
		if r.Selector == "" {
			continue
		}
		sel := doc.Find(r.Selector)
		if sel.Length() == 0 {
			continue
		}
		matched++
		switch r.Action {
		case ActionUnwrap:
			sel.Each(func(_ int, s *goquery.Selection) {
				if inner, err := s.Html(); err == nil {
					s.ReplaceWithHtml(inner)
				}
			})
		case ActionStripAttrs:
			sel.Each(func(_ int, s *goquery.Selection) {
				for _, n := range s.Nodes {
					n.Attr = nil
				}
			})
		default:
			matched-- // unknown action, rule has no effect
		}
	}
	return matched
}

// dropTextNodes blanks text nodes whose content matches re. Reports whether
// anything was removed.
func dropTextNodes(doc *goquery.Document, re *regexp.Regexp) bool {
	removed := false
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode && re.MatchString(c.Data) {
					c.Data = ""
					removed = true
				}
			}
		}
	})
	return removed
}

// validateFields checks which field selectors match in the transformed
// document.
func validateFields(doc *goquery.Document, f Fields) (validated, errs []string) {
	check := func(name, selector string) {
		if selector == "" {
			return
		}
		if doc.Find(selector).Length() > 0 {
			validated = append(validated, name)
		} else {
			errs = append(errs, name+": selector "+selector+" matched nothing")
		}
	}
	check("title", f.Title)
	check("author", f.Author)
	check("main", f.Main)
	check("excerpt", f.Excerpt)
	return validated, errs
}
