package scraper

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/GriffinCanCode/enclave/internal/callback"
)

const (
	// MaxHTMLSize caps the document passed to any html.* callback.
	MaxHTMLSize = 5 * 1024 * 1024
	// MaxMatches caps the elements returned by a single query.
	MaxMatches = 1000
)

// Provider parses and queries HTML documents handed over by guest code,
// typically the body of a fetch response.
type Provider struct {
	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewProvider creates an HTML provider.
func NewProvider() *Provider {
	return &Provider{
		ugc:    bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
	}
}

// DocumentArgs carries a document and nothing else.
type DocumentArgs struct {
	HTML string `json:"html" jsonschema:"required"`
}

// SelectArgs queries a document with a CSS selector.
type SelectArgs struct {
	HTML     string `json:"html" jsonschema:"required"`
	Selector string `json:"selector" jsonschema:"required" jsonschema_description:"CSS selector"`
}

// XPathArgs queries a document with an XPath expression.
type XPathArgs struct {
	HTML  string `json:"html" jsonschema:"required"`
	XPath string `json:"xpath" jsonschema:"required"`
}

// SanitizeArgs selects the sanitizer policy. Strict removes all markup.
type SanitizeArgs struct {
	HTML   string `json:"html" jsonschema:"required"`
	Strict bool   `json:"strict,omitempty"`
}

// Element is one query match.
type Element struct {
	Text  string            `json:"text"`
	HTML  string            `json:"html"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Link is an anchor with its resolved text.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// Callbacks returns html.text, html.select, html.xpath, html.links and
// html.sanitize.
func (p *Provider) Callbacks() []callback.Callback {
	return []callback.Callback{
		callback.Func("html.text", "Extract the visible text of a document", p.text),
		callback.Func("html.select", "Query a document with a CSS selector", p.selectCSS),
		callback.Func("html.xpath", "Query a document with an XPath expression", p.xpath),
		callback.Func("html.links", "List the anchors of a document", p.links),
		callback.Func("html.sanitize", "Strip unsafe markup from a document", p.sanitize),
	}
}

func checkSize(doc string) error {
	if len(doc) > MaxHTMLSize {
		return callback.InvalidArguments("html too large: %d bytes (max %d)", len(doc), MaxHTMLSize)
	}
	return nil
}

func parse(doc string) (*goquery.Document, error) {
	if err := checkSize(doc); err != nil {
		return nil, err
	}
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return nil, callback.InvalidArguments("cannot parse html: %v", err)
	}
	return d, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (p *Provider) text(_ context.Context, args DocumentArgs) (any, error) {
	d, err := parse(args.HTML)
	if err != nil {
		return nil, err
	}
	d.Find("script, style, noscript").Remove()
	return normalize(d.Text()), nil
}

func (p *Provider) selectCSS(_ context.Context, args SelectArgs) (any, error) {
	if strings.TrimSpace(args.Selector) == "" {
		return nil, callback.InvalidArguments("selector is required")
	}
	d, err := parse(args.HTML)
	if err != nil {
		return nil, err
	}

	// goquery panics on an invalid selector; compile it first.
	matcher, err := compileSelector(args.Selector)
	if err != nil {
		return nil, callback.InvalidArguments("invalid selector %q: %v", args.Selector, err)
	}

	out := make([]Element, 0)
	d.FindMatcher(matcher).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		inner, _ := s.Html()
		el := Element{Text: normalize(s.Text()), HTML: strings.TrimSpace(inner)}
		if n := s.Get(0); n != nil && len(n.Attr) > 0 {
			el.Attrs = make(map[string]string, len(n.Attr))
			for _, a := range n.Attr {
				el.Attrs[a.Key] = a.Val
			}
		}
		out = append(out, el)
		return len(out) < MaxMatches
	})
	return out, nil
}

func (p *Provider) xpath(_ context.Context, args XPathArgs) (any, error) {
	if err := checkSize(args.HTML); err != nil {
		return nil, err
	}
	doc, err := htmlquery.Parse(strings.NewReader(args.HTML))
	if err != nil {
		return nil, callback.InvalidArguments("cannot parse html: %v", err)
	}
	nodes, err := htmlquery.QueryAll(doc, args.XPath)
	if err != nil {
		return nil, callback.InvalidArguments("invalid xpath %q: %v", args.XPath, err)
	}

	out := make([]Element, 0, min(len(nodes), MaxMatches))
	for _, n := range nodes {
		if len(out) == MaxMatches {
			break
		}
		el := Element{
			Text: normalize(htmlquery.InnerText(n)),
			HTML: strings.TrimSpace(htmlquery.OutputHTML(n, false)),
		}
		if len(n.Attr) > 0 {
			el.Attrs = make(map[string]string, len(n.Attr))
			for _, a := range n.Attr {
				el.Attrs[a.Key] = a.Val
			}
		}
		out = append(out, el)
	}
	return out, nil
}

func (p *Provider) links(_ context.Context, args DocumentArgs) (any, error) {
	d, err := parse(args.HTML)
	if err != nil {
		return nil, err
	}
	out := make([]Link, 0)
	d.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		out = append(out, Link{Href: href, Text: normalize(s.Text())})
		return len(out) < MaxMatches
	})
	return out, nil
}

func (p *Provider) sanitize(_ context.Context, args SanitizeArgs) (any, error) {
	if err := checkSize(args.HTML); err != nil {
		return nil, err
	}
	policy := p.ugc
	if args.Strict {
		policy = p.strict
	}
	var buf bytes.Buffer
	if err := policy.SanitizeReaderToWriter(strings.NewReader(args.HTML), &buf); err != nil {
		return nil, callback.Failed("sanitize: %v", err)
	}
	return buf.String(), nil
}

func compileSelector(sel string) (goquery.Matcher, error) {
	m, err := cascadia.Compile(sel)
	if err != nil {
		return nil, err
	}
	return m, nil
}
