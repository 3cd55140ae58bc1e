package processors

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/athapong/kgraph/pkg/graph"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jdkato/prose/v2"
	"github.com/pkg/errors"
)

const (
	maxKeywords   = 10
	maxSeeds      = 10
	maxVerbTypes  = 6
	maxExamples   = 3
	fallbackType  = "Concept"
	fallbackLink  = "related_to"
	textRankIters = 50
)

var stopWords = mapset.NewThreadUnsafeSet[string](
	"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for", "of", "with", "by",
	"thing", "things", "way", "lot", "time", "times", "something", "anything",
)

var auxiliaryVerbs = mapset.NewThreadUnsafeSet[string](
	"is", "was", "are", "were", "be", "been", "being", "am", "has", "have", "had",
	"do", "does", "did", "said", "says", "say", "get", "got", "'s", "'re", "'ve",
)

type keyword struct {
	Text  string
	Score float64
}

type counted struct {
	text  string
	count int
}

// analysis is what the heuristic stages know about one seed document
type analysis struct {
	keywords []keyword
	entities map[string][]counted // NER label -> entity texts, most frequent first
	verbs    []counted
}

// ProseInferencer is an offline graph.SchemaInferencer. It proposes thing types from the
// named entity classes prose finds, connection types from frequent verbs, and a domain
// name from TextRank keywords.
type ProseInferencer struct {
	mu     sync.Mutex
	key    string
	cached *analysis
}

// NewProseInferencer creates the offline schema inferencer
func NewProseInferencer() *ProseInferencer {
	return &ProseInferencer{}
}

func (p *ProseInferencer) analyze(ctx context.Context, doc graph.Document) (*analysis, error) {
	key := fmt.Sprintf("%s/%d", doc.ID, len(doc.Content))
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && p.key == key {
		return p.cached, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed, err := prose.NewDocument(doc.Content)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse seed document")
	}
	a := &analysis{
		keywords: extractKeywords(parsed.Tokens(), maxKeywords),
		entities: make(map[string][]counted),
	}

	entityCounts := make(map[string]map[string]int)
	for _, e := range parsed.Entities() {
		if _, ok := entityTypeNames[e.Label]; !ok {
			continue
		}
		if entityCounts[e.Label] == nil {
			entityCounts[e.Label] = make(map[string]int)
		}
		entityCounts[e.Label][strings.TrimSpace(e.Text)]++
	}
	for label, counts := range entityCounts {
		a.entities[label] = byFrequency(counts)
	}

	verbCounts := make(map[string]int)
	for _, tok := range parsed.Tokens() {
		word := strings.ToLower(tok.Text)
		if strings.HasPrefix(tok.Tag, "VB") && len(word) > 2 && !auxiliaryVerbs.Contains(word) {
			verbCounts[word]++
		}
	}
	a.verbs = byFrequency(verbCounts)

	p.key, p.cached = key, a
	return a, nil
}

// AnalyzeDomain implements graph.SchemaInferencer
func (p *ProseInferencer) AnalyzeDomain(ctx context.Context, doc graph.Document) (*graph.DomainAnalysis, error) {
	a, err := p.analyze(ctx, doc)
	if err != nil {
		return nil, err
	}
	if len(a.keywords) == 0 {
		return &graph.DomainAnalysis{Name: "General narrative", Description: "Narrative text without dominant topics.", Confidence: 0.3}, nil
	}
	top := make([]string, 0, 5)
	for _, k := range a.keywords {
		if len(top) == cap(top) {
			break
		}
		top = append(top, k.Text)
	}
	names := top[:min(3, len(top))]
	return &graph.DomainAnalysis{
		Name:        titleCase(strings.Join(names, ", ")),
		Description: fmt.Sprintf("Narrative text centred on %s.", strings.Join(top, ", ")),
		Confidence:  0.4 + 0.1*float64(len(names)),
	}, nil
}

// IdentifyThingTypes implements graph.SchemaInferencer
func (p *ProseInferencer) IdentifyThingTypes(ctx context.Context, doc graph.Document, domain graph.DomainAnalysis) (*graph.ThingTypeProposal, error) {
	a, err := p.analyze(ctx, doc)
	if err != nil {
		return nil, err
	}
	labels := make([]counted, 0, len(a.entities))
	for label, entities := range a.entities {
		total := 0
		for _, e := range entities {
			total += e.count
		}
		labels = append(labels, counted{text: label, count: total})
	}
	sortCounted(labels)

	types := make([]graph.ThingType, 0, len(labels)+1)
	for rank, l := range labels {
		examples := make([]string, 0, maxExamples)
		for _, e := range a.entities[l.text][:min(maxExamples, len(a.entities[l.text]))] {
			examples = append(examples, e.text)
		}
		name := entityTypeNames[l.text]
		types = append(types, graph.ThingType{
			Name:        name,
			Description: fmt.Sprintf("A %s mentioned in the narrative", strings.ToLower(name)),
			Examples:    examples,
			Priority:    min(rank+1, graph.PriorityLowest),
		})
	}
	types = append(types, graph.ThingType{
		Name:        fallbackType,
		Description: "An idea, object or event that is not a person, place or organization",
		Priority:    graph.PriorityLowest,
	})
	return &graph.ThingTypeProposal{Types: types, Confidence: math.Min(0.5+0.1*float64(len(labels)), 0.8)}, nil
}

// IdentifyConnectionTypes implements graph.SchemaInferencer
func (p *ProseInferencer) IdentifyConnectionTypes(ctx context.Context, doc graph.Document, domain graph.DomainAnalysis, things []graph.ThingType) (*graph.ConnectionTypeProposal, error) {
	a, err := p.analyze(ctx, doc)
	if err != nil {
		return nil, err
	}
	verbs := a.verbs[:min(maxVerbTypes, len(a.verbs))]
	types := make([]graph.ConnectionType, 0, len(verbs)+1)
	for rank, v := range verbs {
		types = append(types, graph.ConnectionType{
			Name:        v.text,
			Description: fmt.Sprintf("Source %s target", v.text),
			Priority:    min(rank/2+1, graph.PriorityLowest),
		})
	}
	types = append(types, graph.ConnectionType{
		Name:        fallbackLink,
		Description: "Source is associated with target",
		Priority:    graph.PriorityLowest,
	})
	return &graph.ConnectionTypeProposal{Types: types, Confidence: math.Min(0.4+0.05*float64(len(verbs)), 0.7)}, nil
}

// IdentifySeedEntities implements graph.SchemaInferencer
func (p *ProseInferencer) IdentifySeedEntities(ctx context.Context, doc graph.Document, things []graph.ThingType) (*graph.SeedProposal, error) {
	a, err := p.analyze(ctx, doc)
	if err != nil {
		return nil, err
	}
	profile := &graph.DomainProfile{ThingTypes: things}
	type ranked struct {
		seed  graph.SeedEntity
		count int
	}
	candidates := make([]ranked, 0)
	for label, entities := range a.entities {
		t, ok := profile.ThingType(entityTypeNames[label])
		if !ok {
			continue
		}
		for _, e := range entities {
			candidates = append(candidates, ranked{seed: graph.SeedEntity{Label: e.text, Type: t.Name}, count: e.count})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].seed.Label < candidates[j].seed.Label
	})

	seeds := make([]graph.SeedEntity, 0, maxSeeds)
	for _, c := range candidates[:min(maxSeeds, len(candidates))] {
		seeds = append(seeds, c.seed)
	}
	confidence := 0.3
	if len(seeds) > 0 {
		confidence = 0.6
	}
	return &graph.SeedProposal{Seeds: seeds, Confidence: confidence}, nil
}

// GenerateExtractionContext implements graph.SchemaInferencer
func (p *ProseInferencer) GenerateExtractionContext(ctx context.Context, doc graph.Document, draft graph.DomainProfile) (*graph.ContextProposal, error) {
	things := make([]string, 0, len(draft.ThingTypes))
	for _, t := range draft.ThingTypes {
		things = append(things, t.Name)
	}
	links := make([]string, 0, len(draft.ConnectionTypes))
	for _, c := range draft.ConnectionTypes {
		links = append(links, c.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Extract %s from documents about %s.", strings.Join(things, ", "), draft.Name)
	fmt.Fprintf(&b, " Link them only with: %s.", strings.Join(links, ", "))
	if len(draft.SeedEntities) > 0 {
		known := make([]string, 0, len(draft.SeedEntities))
		for _, s := range draft.SeedEntities {
			known = append(known, s.Label)
		}
		fmt.Fprintf(&b, " Known entities: %s.", strings.Join(known, ", "))
	}
	return &graph.ContextProposal{Context: b.String(), Confidence: 0.7}, nil
}

// extractKeywords ranks nouns with TextRank over a co-occurrence window
func extractKeywords(tokens []prose.Token, limit int) []keyword {
	const (
		window  = 4
		damping = 0.85
		epsilon = 0.0001
	)

	words := make([]string, len(tokens))
	links := make(map[string]map[string]float64)
	for i, tok := range tokens {
		w := strings.ToLower(tok.Text)
		if strings.HasPrefix(tok.Tag, "NN") && len(w) > 2 && !stopWords.Contains(w) {
			words[i] = w
			if links[w] == nil {
				links[w] = make(map[string]float64)
			}
		}
	}
	for i, w := range words {
		if w == "" {
			continue
		}
		for j := i + 1; j < len(words) && j <= i+window; j++ {
			if other := words[j]; other != "" && other != w {
				links[w][other]++
				links[other][w]++
			}
		}
	}

	scores := make(map[string]float64, len(links))
	for w := range links {
		scores[w] = 1
	}
	for iter := 0; iter < textRankIters; iter++ {
		diff := 0.0
		next := make(map[string]float64, len(scores))
		for w, neighbours := range links {
			sum := 0.0
			for other, weight := range neighbours {
				sum += weight * scores[other] / edgeWeightSum(links[other])
			}
			next[w] = (1 - damping) + damping*sum
			diff += math.Abs(next[w] - scores[w])
		}
		scores = next
		if diff < epsilon {
			break
		}
	}

	keywords := make([]keyword, 0, len(scores))
	for w, s := range scores {
		keywords = append(keywords, keyword{Text: w, Score: s})
	}
	sort.Slice(keywords, func(i, j int) bool {
		if keywords[i].Score != keywords[j].Score {
			return keywords[i].Score > keywords[j].Score
		}
		return keywords[i].Text < keywords[j].Text
	})
	if len(keywords) > limit {
		keywords = keywords[:limit]
	}
	return keywords
}

func edgeWeightSum(edges map[string]float64) float64 {
	sum := 0.0
	for _, w := range edges {
		sum += w
	}
	if sum == 0 {
		return 1
	}
	return sum
}

func byFrequency(counts map[string]int) []counted {
	out := make([]counted, 0, len(counts))
	for text, n := range counts {
		out = append(out, counted{text: text, count: n})
	}
	sortCounted(out)
	return out
}

func sortCounted(c []counted) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].count != c[j].count {
			return c[i].count > c[j].count
		}
		return c[i].text < c[j].text
	})
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
