package processors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/metrics"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultModel       = openai.GPT4oMini
	DefaultParallelism = 4
	defaultConfidence  = 0.5
)

// ChatCompleter is the part of the OpenAI client the LLM processors need
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMOptions configures the LLM extractor and inferencer
type LLMOptions struct {
	Model        string
	Temperature  float32
	ChunkTokens  int
	ChunkOverlap int
	Parallelism  int
	Logger       *logrus.Logger
}

type llmClient struct {
	client  ChatCompleter
	opts    LLMOptions
	chunker *Chunker
	logger  *logrus.Logger
}

func newLLMClient(client ChatCompleter, opts LLMOptions) llmClient {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return llmClient{
		client:  client,
		opts:    opts,
		chunker: NewChunker(opts.ChunkTokens, opts.ChunkOverlap),
		logger:  logger,
	}
}

// completeJSON sends one chat request and parses the reply as a JSON object
func (l *llmClient) completeJSON(ctx context.Context, purpose, system, user string) (gjson.Result, error) {
	start := time.Now()
	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature:    l.opts.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		metrics.LLMRequests.WithLabelValues(purpose, "error").Inc()
		l.logger.WithError(err).WithField("purpose", purpose).Warn("Chat completion failed")
		return gjson.Result{}, classifyLLMError(err)
	}
	if len(resp.Choices) == 0 {
		metrics.LLMRequests.WithLabelValues(purpose, "empty").Inc()
		return gjson.Result{}, &graph.ExtractionError{Cause: errors.New("model returned no choices")}
	}

	body := jsonBody(resp.Choices[0].Message.Content)
	if !gjson.Valid(body) {
		metrics.LLMRequests.WithLabelValues(purpose, "invalid_json").Inc()
		return gjson.Result{}, &graph.ExtractionError{Cause: errors.Errorf("model returned invalid JSON for %s", purpose)}
	}
	metrics.LLMRequests.WithLabelValues(purpose, "ok").Inc()
	l.logger.WithFields(logrus.Fields{
		"purpose":  purpose,
		"model":    l.opts.Model,
		"tokens":   resp.Usage.TotalTokens,
		"duration": time.Since(start).String(),
	}).Debug("Chat completion succeeded")
	return gjson.Parse(body), nil
}

// classifyLLMError marks rate limits, server errors and network failures as transient.
// Context errors pass through unchanged.
func classifyLLMError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return &graph.ExtractionError{Cause: err, Transient: true}
	}
	transient := status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	return &graph.ExtractionError{Cause: err, Transient: transient}
}

// jsonBody strips prose and code fences around the outermost JSON object
func jsonBody(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(content)
	}
	return content[start : end+1]
}

func confidenceOf(r gjson.Result) float64 {
	if !r.Exists() {
		return defaultConfidence
	}
	return min(max(r.Float(), 0), 1)
}

// LLMExtractor is a graph.Extractor backed by an OpenAI-compatible chat model.
// Long documents are split into token windows extracted in parallel.
type LLMExtractor struct {
	llmClient
}

// NewLLMExtractor creates an extractor using client
func NewLLMExtractor(client ChatCompleter, opts LLMOptions) *LLMExtractor {
	return &LLMExtractor{llmClient: newLLMClient(client, opts)}
}

// Extract implements graph.Extractor
func (x *LLMExtractor) Extract(ctx context.Context, doc graph.Document, profile *graph.DomainProfile) (*graph.Extraction, error) {
	if profile == nil {
		return nil, errors.New("domain profile is required")
	}
	chunks, err := x.chunker.Split(doc.Content)
	if err != nil {
		return nil, &graph.ExtractionError{Cause: err}
	}
	system := extractionPrompt(profile)

	results := make([]*graph.Extraction, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Parallelism)
	for i, chunk := range chunks {
		g.Go(func() error {
			user := fmt.Sprintf("Document %q, part %d of %d:\n\n%s", doc.Title, i+1, len(chunks), chunk)
			res, err := x.completeJSON(gctx, "extract", system, user)
			if err != nil {
				return err
			}
			results[i] = parseExtraction(res, doc.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeExtractions(results)
	metrics.CandidatesProposed.WithLabelValues("llm", "node").Add(float64(len(merged.Nodes)))
	metrics.CandidatesProposed.WithLabelValues("llm", "edge").Add(float64(len(merged.Edges)))
	x.logger.WithFields(logrus.Fields{
		"doc_id": doc.ID,
		"chunks": len(chunks),
		"nodes":  len(merged.Nodes),
		"edges":  len(merged.Edges),
	}).Info("LLM extraction completed")
	return merged, nil
}

func parseExtraction(res gjson.Result, docID string) *graph.Extraction {
	evidence := func(r gjson.Result) []graph.Evidence {
		quote := strings.TrimSpace(r.Get("quote").String())
		if quote == "" {
			return nil
		}
		return []graph.Evidence{{DocumentID: docID, Quote: quote, Timestamp: r.Get("timestamp").String()}}
	}

	out := &graph.Extraction{Nodes: make([]graph.NodeCandidate, 0), Edges: make([]graph.EdgeCandidate, 0)}
	res.Get("nodes").ForEach(func(_, n gjson.Result) bool {
		label := strings.TrimSpace(n.Get("label").String())
		if label == "" {
			return true
		}
		out.Nodes = append(out.Nodes, graph.NodeCandidate{
			Label:      label,
			Type:       strings.TrimSpace(n.Get("type").String()),
			Confidence: confidenceOf(n.Get("confidence")),
			Evidence:   evidence(n),
		})
		return true
	})
	res.Get("edges").ForEach(func(_, e gjson.Result) bool {
		source := strings.TrimSpace(e.Get("source").String())
		target := strings.TrimSpace(e.Get("target").String())
		if source == "" || target == "" {
			return true
		}
		out.Edges = append(out.Edges, graph.EdgeCandidate{
			SourceLabel: source,
			SourceType:  strings.TrimSpace(e.Get("source_type").String()),
			TargetLabel: target,
			TargetType:  strings.TrimSpace(e.Get("target_type").String()),
			Type:        strings.TrimSpace(e.Get("type").String()),
			Confidence:  confidenceOf(e.Get("confidence")),
			Evidence:    evidence(e),
		})
		return true
	})
	return out
}

// mergeExtractions joins per-chunk results in chunk order. Candidates repeated across
// chunks keep the first label, the highest confidence and every distinct evidence span.
func mergeExtractions(parts []*graph.Extraction) *graph.Extraction {
	merged := &graph.Extraction{Nodes: make([]graph.NodeCandidate, 0), Edges: make([]graph.EdgeCandidate, 0)}
	nodeIndex := make(map[string]int)
	edgeIndex := make(map[string]int)
	for _, part := range parts {
		if part == nil {
			continue
		}
		for _, n := range part.Nodes {
			key := graph.NormalizeLabel(n.Label) + "|" + strings.ToLower(n.Type)
			if at, ok := nodeIndex[key]; ok {
				merged.Nodes[at].Confidence = max(merged.Nodes[at].Confidence, n.Confidence)
				for _, e := range n.Evidence {
					merged.Nodes[at].Evidence = appendUnique(merged.Nodes[at].Evidence, e)
				}
				continue
			}
			nodeIndex[key] = len(merged.Nodes)
			merged.Nodes = append(merged.Nodes, n)
		}
		for _, e := range part.Edges {
			key := graph.NormalizeLabel(e.SourceLabel) + "|" + strings.ToLower(e.Type) + "|" + graph.NormalizeLabel(e.TargetLabel)
			if at, ok := edgeIndex[key]; ok {
				merged.Edges[at].Confidence = max(merged.Edges[at].Confidence, e.Confidence)
				for _, ev := range e.Evidence {
					merged.Edges[at].Evidence = appendUnique(merged.Edges[at].Evidence, ev)
				}
				continue
			}
			edgeIndex[key] = len(merged.Edges)
			merged.Edges = append(merged.Edges, e)
		}
	}
	return merged
}

// LLMInferencer is a graph.SchemaInferencer backed by an OpenAI-compatible chat model.
// Each stage sees the first chunk of the seed document.
type LLMInferencer struct {
	llmClient
}

// NewLLMInferencer creates a schema inferencer using client
func NewLLMInferencer(client ChatCompleter, opts LLMOptions) *LLMInferencer {
	return &LLMInferencer{llmClient: newLLMClient(client, opts)}
}

func (l *LLMInferencer) ask(ctx context.Context, purpose, instructions string, doc graph.Document) (gjson.Result, error) {
	chunks, err := l.chunker.Split(doc.Content)
	if err != nil {
		return gjson.Result{}, err
	}
	return l.completeJSON(ctx, purpose, schemaSystemPrompt, instructions+"\n\nDocument:\n"+chunks[0])
}

// AnalyzeDomain implements graph.SchemaInferencer
func (l *LLMInferencer) AnalyzeDomain(ctx context.Context, doc graph.Document) (*graph.DomainAnalysis, error) {
	res, err := l.ask(ctx, "analyze_domain", analyzeDomainPrompt, doc)
	if err != nil {
		return nil, err
	}
	return &graph.DomainAnalysis{
		Name:        res.Get("name").String(),
		Description: res.Get("description").String(),
		Confidence:  confidenceOf(res.Get("confidence")),
	}, nil
}

// IdentifyThingTypes implements graph.SchemaInferencer
func (l *LLMInferencer) IdentifyThingTypes(ctx context.Context, doc graph.Document, domain graph.DomainAnalysis) (*graph.ThingTypeProposal, error) {
	res, err := l.ask(ctx, "thing_types", fmt.Sprintf(thingTypesPrompt, domain.Name, domain.Description), doc)
	if err != nil {
		return nil, err
	}
	types := make([]graph.ThingType, 0)
	res.Get("types").ForEach(func(_, t gjson.Result) bool {
		types = append(types, graph.ThingType{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			Examples:    stringsOf(t.Get("examples")),
			Icon:        t.Get("icon").String(),
			Priority:    int(t.Get("priority").Int()),
		})
		return true
	})
	return &graph.ThingTypeProposal{Types: types, Confidence: confidenceOf(res.Get("confidence"))}, nil
}

// IdentifyConnectionTypes implements graph.SchemaInferencer
func (l *LLMInferencer) IdentifyConnectionTypes(ctx context.Context, doc graph.Document, domain graph.DomainAnalysis, things []graph.ThingType) (*graph.ConnectionTypeProposal, error) {
	res, err := l.ask(ctx, "connection_types", fmt.Sprintf(connectionTypesPrompt, domain.Name, thingTypeNames(things)), doc)
	if err != nil {
		return nil, err
	}
	types := make([]graph.ConnectionType, 0)
	res.Get("types").ForEach(func(_, c gjson.Result) bool {
		types = append(types, graph.ConnectionType{
			Name:        c.Get("name").String(),
			Description: c.Get("description").String(),
			Examples:    stringsOf(c.Get("examples")),
			Priority:    int(c.Get("priority").Int()),
		})
		return true
	})
	return &graph.ConnectionTypeProposal{Types: types, Confidence: confidenceOf(res.Get("confidence"))}, nil
}

// IdentifySeedEntities implements graph.SchemaInferencer
func (l *LLMInferencer) IdentifySeedEntities(ctx context.Context, doc graph.Document, things []graph.ThingType) (*graph.SeedProposal, error) {
	res, err := l.ask(ctx, "seed_entities", fmt.Sprintf(seedEntitiesPrompt, thingTypeNames(things)), doc)
	if err != nil {
		return nil, err
	}
	seeds := make([]graph.SeedEntity, 0)
	res.Get("seeds").ForEach(func(_, s gjson.Result) bool {
		seeds = append(seeds, graph.SeedEntity{
			Label:       s.Get("label").String(),
			Type:        s.Get("type").String(),
			Aliases:     stringsOf(s.Get("aliases")),
			Description: s.Get("description").String(),
		})
		return true
	})
	return &graph.SeedProposal{Seeds: seeds, Confidence: confidenceOf(res.Get("confidence"))}, nil
}

// GenerateExtractionContext implements graph.SchemaInferencer
func (l *LLMInferencer) GenerateExtractionContext(ctx context.Context, doc graph.Document, draft graph.DomainProfile) (*graph.ContextProposal, error) {
	res, err := l.ask(ctx, "extraction_context", fmt.Sprintf(extractionContextPrompt, describeProfile(&draft)), doc)
	if err != nil {
		return nil, err
	}
	return &graph.ContextProposal{
		Context:    res.Get("context").String(),
		Confidence: confidenceOf(res.Get("confidence")),
	}, nil
}

func stringsOf(r gjson.Result) []string {
	out := make([]string, 0)
	r.ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

func thingTypeNames(things []graph.ThingType) string {
	names := make([]string, 0, len(things))
	for _, t := range things {
		names = append(names, t.Name)
	}
	return strings.Join(names, ", ")
}
