package processors

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/athapong/kgraph/pkg/graph"
	"github.com/pkg/errors"
)

// HTMLProcessor loads transcripts published as HTML pages
type HTMLProcessor struct{}

// NewHTMLProcessor creates a new instance of HTMLProcessor.
func NewHTMLProcessor() *HTMLProcessor {
	return &HTMLProcessor{}
}

// Process keeps the visible text of the page body, one line per block element, and
// takes the document title from <title> unless metadata names one.
func (p *HTMLProcessor) Process(ctx context.Context, content []byte, metadata map[string]interface{}) (*graph.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create document from HTML content")
	}
	doc.Find("script, style, noscript, nav, footer").Remove()

	lines := make([]string, 0)
	doc.Find("body").Find("h1, h2, h3, h4, p, li, blockquote, pre, td").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p, li").Length() > 0 {
			return
		}
		if text := collapseSpaces(s.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		if text := collapseSpaces(doc.Find("body").Text()); text != "" {
			lines = append(lines, text)
		}
	}

	out := newDocument(strings.Join(lines, "\n"), metadata)
	if _, named := metadata["title"]; !named {
		if title := collapseSpaces(doc.Find("title").First().Text()); title != "" {
			out.Title = title
		}
	}
	return out, nil
}

// SupportedTypes returns the MIME types supported by the HTMLProcessor.
func (p *HTMLProcessor) SupportedTypes() []string {
	return []string{"text/html"}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
