package tools

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/processors"
	"github.com/pkg/errors"
)

// maxFetchBytes caps the size of a fetched transcript
var maxFetchBytes = 20 << 20

var fetchClient = &http.Client{Timeout: 60 * time.Second}

// fetchDocument downloads a transcript over HTTP/HTTPS. The URL is the document ID, so
// fetching the same page again is idempotent.
func fetchDocument(ctx context.Context, client *http.Client, registry *processors.Registry, url string) (*graph.Document, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, errors.Errorf("url must start with http:// or https://: %s", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch URL")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch URL: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxFetchBytes)+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	if len(body) > maxFetchBytes {
		return nil, errors.Errorf("document at %s exceeds %d bytes", url, maxFetchBytes)
	}

	return registry.Process(ctx, contentType(resp.Header.Get("Content-Type"), url), body, map[string]interface{}{
		"id":       url,
		"filename": path.Base(req.URL.Path),
		"source":   url,
	})
}

// contentType reads the response's media type, falling back to the URL's extension
func contentType(header, url string) string {
	if mediaType, _, err := mime.ParseMediaType(header); err == nil && mediaType != "application/octet-stream" {
		return mediaType
	}
	switch strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0])) {
	case ".pdf":
		return "application/pdf"
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", ".vtt", ".srt":
		return "text/plain"
	default:
		return "text/html"
	}
}
