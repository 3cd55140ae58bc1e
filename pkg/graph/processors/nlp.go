package processors

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/metrics"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jdkato/prose/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	seedConfidence    = 0.9
	exampleConfidence = 0.8
	entityConfidence  = 0.7
	phraseConfidence  = 0.75
	verbConfidence    = 0.6

	// mentions further apart than this are not linked
	maxLinkWords = 8
)

// Words that commonly name the thing type matching a prose NER label
var entityTypeHints = map[string][]string{
	"PERSON": {"person", "people", "character", "individual", "figure", "speaker", "scientist"},
	"GPE":    {"place", "location", "city", "country", "region", "site"},
	"ORG":    {"organization", "organisation", "company", "institution", "society", "group", "team"},
}

var entityTypeNames = map[string]string{
	"PERSON": "Person",
	"GPE":    "Place",
	"ORG":    "Organization",
}

type mention struct {
	label      string
	typeName   string
	confidence float64
	start, end int
}

// ProseExtractor is an offline Extractor. Seed entities, type examples and named entities
// found by prose become node candidates; two consecutive mentions in a sentence are linked
// when the words between them name a connection type.
type ProseExtractor struct {
	logger *logrus.Logger
}

// NewProseExtractor creates the offline extractor
func NewProseExtractor(logger *logrus.Logger) *ProseExtractor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &ProseExtractor{logger: logger}
}

// Extract implements graph.Extractor
func (x *ProseExtractor) Extract(ctx context.Context, doc graph.Document, profile *graph.DomainProfile) (*graph.Extraction, error) {
	if profile == nil {
		return nil, errors.New("domain profile is required")
	}
	parsed, err := prose.NewDocument(doc.Content)
	if err != nil {
		metrics.DocumentProcessingErrors.WithLabelValues("prose", "parse").Inc()
		return nil, errors.Wrap(err, "failed to parse document")
	}
	verbs := verbSet(parsed.Tokens())
	entities := parsed.Entities()

	nodes := newCandidateSet()
	edges := make([]graph.EdgeCandidate, 0)
	edgeIndex := make(map[string]int)

	for _, sent := range parsed.Sentences() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(sent.Text)
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		evidence := graph.Evidence{DocumentID: doc.ID, Quote: text}

		mentions := findMentions(lower, profile, entities)
		for _, m := range mentions {
			nodes.add(m, evidence)
		}
		for i := 1; i < len(mentions); i++ {
			a, b := mentions[i-1], mentions[i]
			connType, confidence, ok := connectionBetween(lower[a.end:b.start], profile, verbs)
			if !ok {
				continue
			}
			key := graph.NormalizeLabel(a.label) + "|" + strings.ToLower(connType) + "|" + graph.NormalizeLabel(b.label)
			if at, seen := edgeIndex[key]; seen {
				edges[at].Evidence = appendUnique(edges[at].Evidence, evidence)
				edges[at].Confidence = max(edges[at].Confidence, confidence)
				continue
			}
			edgeIndex[key] = len(edges)
			edges = append(edges, graph.EdgeCandidate{
				SourceLabel: a.label,
				SourceType:  a.typeName,
				TargetLabel: b.label,
				TargetType:  b.typeName,
				Type:        connType,
				Confidence:  confidence,
				Evidence:    []graph.Evidence{evidence},
			})
		}
	}

	metrics.CandidatesProposed.WithLabelValues("prose", "node").Add(float64(len(nodes.items)))
	metrics.CandidatesProposed.WithLabelValues("prose", "edge").Add(float64(len(edges)))
	x.logger.WithFields(logrus.Fields{
		"doc_id": doc.ID,
		"nodes":  len(nodes.items),
		"edges":  len(edges),
	}).Info("Prose extraction completed")
	return &graph.Extraction{Nodes: nodes.items, Edges: edges}, nil
}

// findMentions locates seeds, type examples and named entities in a lowercased sentence.
// Earlier sources win where spans overlap. Mentions come back in sentence order.
func findMentions(lower string, profile *graph.DomainProfile, entities []prose.Entity) []mention {
	found := make([]mention, 0)
	claim := func(m mention) {
		for _, f := range found {
			if m.start < f.end && f.start < m.end {
				return
			}
		}
		found = append(found, m)
	}
	scan := func(surface, label, typeName string, confidence float64) {
		surface = strings.ToLower(strings.TrimSpace(surface))
		for _, at := range wordIndexes(lower, surface) {
			claim(mention{label: label, typeName: typeName, confidence: confidence, start: at, end: at + len(surface)})
		}
	}

	for _, seed := range profile.SeedEntities {
		scan(seed.Label, seed.Label, seed.Type, seedConfidence)
		for _, alias := range seed.Aliases {
			scan(alias, seed.Label, seed.Type, seedConfidence)
		}
	}
	for _, t := range profile.ThingTypes {
		for _, example := range t.Examples {
			scan(example, strings.TrimSpace(example), t.Name, exampleConfidence)
		}
	}
	for _, e := range entities {
		if typeName := typeForEntity(profile, e.Label); typeName != "" {
			scan(e.Text, strings.TrimSpace(e.Text), typeName, entityConfidence)
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].start < found[j].start })
	return found
}

// typeForEntity maps a NER label onto the profile's thing types. Without a match the
// conventional name is proposed, which the engine routes to confirmation.
func typeForEntity(profile *graph.DomainProfile, nerLabel string) string {
	hints, ok := entityTypeHints[nerLabel]
	if !ok {
		return ""
	}
	for _, t := range profile.ThingTypes {
		name := strings.ToLower(t.Name)
		for _, hint := range hints {
			if strings.Contains(name, hint) {
				return t.Name
			}
		}
	}
	return entityTypeNames[nerLabel]
}

// connectionBetween names the connection type the words between two mentions express:
// the type's phrase itself, or failing that a verb sharing the phrase's stem
func connectionBetween(between string, profile *graph.DomainProfile, verbs mapset.Set[string]) (string, float64, bool) {
	words := strings.FieldsFunc(between, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	if len(words) == 0 || len(words) > maxLinkWords {
		return "", 0, false
	}
	for _, c := range profile.ConnectionTypes {
		if phrase := connectionPhrase(c.Name); phrase != "" && len(wordIndexes(between, phrase)) > 0 {
			return c.Name, phraseConfidence, true
		}
	}
	for _, c := range profile.ConnectionTypes {
		head := strings.Fields(connectionPhrase(c.Name))
		if len(head) == 0 || len(head[0]) < 4 {
			continue
		}
		stem := head[0][:min(len(head[0]), 5)]
		for _, w := range words {
			if verbs.Contains(w) && strings.HasPrefix(w, stem) {
				return c.Name, verbConfidence, true
			}
		}
	}
	return "", 0, false
}

func connectionPhrase(name string) string {
	return strings.ToLower(strings.Join(strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || unicode.IsSpace(r)
	}), " "))
}

// wordIndexes returns every offset of sub in s that starts and ends on a word boundary
func wordIndexes(s, sub string) []int {
	if sub == "" {
		return nil
	}
	out := make([]int, 0)
	for from := 0; from <= len(s)-len(sub); {
		i := strings.Index(s[from:], sub)
		if i < 0 {
			break
		}
		at := from + i
		end := at + len(sub)
		if boundary(s, at-1) && boundary(s, end) {
			out = append(out, at)
		}
		from = at + 1
	}
	return out
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	r := rune(s[i])
	return r < 0x80 && !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// verbSet collects the lowercased verbs prose tagged in the document
func verbSet(tokens []prose.Token) mapset.Set[string] {
	verbs := mapset.NewThreadUnsafeSet[string]()
	for _, tok := range tokens {
		if strings.HasPrefix(tok.Tag, "VB") {
			verbs.Add(strings.ToLower(tok.Text))
		}
	}
	return verbs
}

// candidateSet merges node candidates naming the same thing
type candidateSet struct {
	items []graph.NodeCandidate
	index map[string]int
}

func newCandidateSet() *candidateSet {
	return &candidateSet{items: make([]graph.NodeCandidate, 0), index: make(map[string]int)}
}

func (c *candidateSet) add(m mention, evidence graph.Evidence) {
	key := graph.NormalizeLabel(m.label) + "|" + strings.ToLower(m.typeName)
	if at, ok := c.index[key]; ok {
		c.items[at].Evidence = appendUnique(c.items[at].Evidence, evidence)
		c.items[at].Confidence = max(c.items[at].Confidence, m.confidence)
		return
	}
	c.index[key] = len(c.items)
	c.items = append(c.items, graph.NodeCandidate{
		Label:      m.label,
		Type:       m.typeName,
		Confidence: m.confidence,
		Evidence:   []graph.Evidence{evidence},
	})
}

func appendUnique(evidence []graph.Evidence, e graph.Evidence) []graph.Evidence {
	for _, existing := range evidence {
		if existing == e {
			return evidence
		}
	}
	return append(evidence, e)
}
