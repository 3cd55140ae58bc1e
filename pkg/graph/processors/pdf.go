package processors

import (
	"bytes"
	"context"
	"strings"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/ledongthuc/pdf"
	"github.com/pkg/errors"
)

type PDFProcessor struct{}

func NewPDFProcessor() *PDFProcessor {
	return &PDFProcessor{}
}

// Process extracts the plain text of every page. Pages that fail to decode are skipped.
func (p *PDFProcessor) Process(ctx context.Context, content []byte, metadata map[string]interface{}) (*graph.Document, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open PDF")
	}

	var text strings.Builder
	for pageIndex := 1; pageIndex <= r.NumPage(); pageIndex++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString(pageText)
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, errors.New("PDF contains no extractable text")
	}
	return newDocument(text.String(), metadata), nil
}

func (p *PDFProcessor) SupportedTypes() []string {
	return []string{"application/pdf"}
}
