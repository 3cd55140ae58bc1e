// Package processors turns source files into documents and documents into candidate
// facts: document loaders (text, HTML, PDF) plus the Extractor and SchemaInferencer
// implementations backed by an LLM or by offline NLP.
package processors

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DocumentProcessor converts raw content into a document
type DocumentProcessor interface {
	Process(ctx context.Context, content []byte, metadata map[string]interface{}) (*graph.Document, error)
	SupportedTypes() []string
}

// TextProcessor passes plain text and markdown through unchanged
type TextProcessor struct{}

func NewTextProcessor() *TextProcessor {
	return &TextProcessor{}
}

func (p *TextProcessor) Process(ctx context.Context, content []byte, metadata map[string]interface{}) (*graph.Document, error) {
	return newDocument(string(content), metadata), nil
}

func (p *TextProcessor) SupportedTypes() []string {
	return []string{"text/plain", "text/markdown"}
}

var extensionTypes = map[string]string{
	".txt":      "text/plain",
	".text":     "text/plain",
	".vtt":      "text/plain",
	".srt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".html":     "text/html",
	".htm":      "text/html",
	".pdf":      "application/pdf",
}

// Registry picks a processor by MIME type or file extension
type Registry struct {
	processors map[string]DocumentProcessor
	logger     *logrus.Logger
}

// NewRegistry registers the text, HTML and PDF processors
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	r := &Registry{processors: make(map[string]DocumentProcessor), logger: logger}
	r.Register(NewTextProcessor())
	r.Register(NewHTMLProcessor())
	r.Register(NewPDFProcessor())
	return r
}

// Register makes p the processor of every type it supports
func (r *Registry) Register(p DocumentProcessor) {
	for _, t := range p.SupportedTypes() {
		r.processors[t] = p
	}
}

// Supports reports whether a file with this name can be loaded
func (r *Registry) Supports(path string) bool {
	_, ok := r.processors[extensionTypes[strings.ToLower(filepath.Ext(path))]]
	return ok
}

// Process converts content of the given MIME type
func (r *Registry) Process(ctx context.Context, mimeType string, content []byte, metadata map[string]interface{}) (*graph.Document, error) {
	p, ok := r.processors[mimeType]
	if !ok {
		return nil, errors.Errorf("unsupported content type: %s", mimeType)
	}
	doc, err := p.Process(ctx, content, metadata)
	if err != nil {
		metrics.DocumentProcessingErrors.WithLabelValues(mimeType, "process").Inc()
		return nil, err
	}
	return doc, nil
}

// LoadFile reads a file into a document whose ID is the file's base name, so that
// loading the same file again yields the same document
func (r *Registry) LoadFile(ctx context.Context, path string) (*graph.Document, error) {
	mimeType, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, errors.Errorf("unsupported file extension: %s", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		metrics.DocumentProcessingErrors.WithLabelValues(mimeType, "read").Inc()
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	doc, err := r.Process(ctx, mimeType, content, map[string]interface{}{
		"id":       filepath.Base(path),
		"filename": filepath.Base(path),
		"filepath": path,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to process %s", path)
	}
	r.logger.WithFields(logrus.Fields{
		"path":           path,
		"content_type":   mimeType,
		"content_length": len(doc.Content),
	}).Debug("Loaded document")
	return doc, nil
}

// ListFiles returns the loadable files under dir, sorted by path
func (r *Registry) ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && r.Supports(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// newDocument builds a document, taking its ID and title from metadata when present
func newDocument(content string, metadata map[string]interface{}) *graph.Document {
	doc := &graph.Document{Content: content, Metadata: metadata}
	if id, ok := metadata["id"].(string); ok {
		doc.ID = id
	}
	if title, ok := metadata["title"].(string); ok {
		doc.Title = title
	} else if name, ok := metadata["filename"].(string); ok {
		doc.Title = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return doc
}
