package processors

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
)

const (
	DefaultChunkTokens  = 3000
	DefaultChunkOverlap = 200
	chunkEncoding       = "cl100k_base"
)

// Chunker splits long documents into token windows that fit a model's context.
// Consecutive chunks share overlap tokens so a sentence cut at a boundary is seen whole once.
type Chunker struct {
	maxTokens int
	overlap   int

	once   sync.Once
	enc    *tiktoken.Tiktoken
	encErr error
}

// NewChunker creates a chunker; non-positive sizes fall back to the defaults
func NewChunker(maxTokens, overlap int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultChunkTokens
	}
	if overlap < 0 || overlap >= maxTokens {
		overlap = min(DefaultChunkOverlap, maxTokens/4)
	}
	return &Chunker{maxTokens: maxTokens, overlap: overlap}
}

func (c *Chunker) encoding() (*tiktoken.Tiktoken, error) {
	c.once.Do(func() {
		c.enc, c.encErr = tiktoken.GetEncoding(chunkEncoding)
	})
	return c.enc, errors.Wrap(c.encErr, "failed to get encoding")
}

// Split returns the chunks of text in order
func (c *Chunker) Split(text string) ([]string, error) {
	// every token covers at least one byte
	if len(text) <= c.maxTokens {
		return []string{text}, nil
	}
	enc, err := c.encoding()
	if err != nil {
		return nil, err
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= c.maxTokens {
		return []string{text}, nil
	}

	step := c.maxTokens - c.overlap
	chunks := make([]string, 0, len(tokens)/step+1)
	for start := 0; start < len(tokens); start += step {
		end := min(start+c.maxTokens, len(tokens))
		chunks = append(chunks, enc.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return chunks, nil
}
