package extraction

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultSimilarityThreshold is the minimum normalized-label similarity for a fuzzy match
const DefaultSimilarityThreshold = 0.85

// NodeView is the read side of a graph the resolver searches.
// Both *graph.Tx and *graph.Snapshot satisfy it.
type NodeView interface {
	NodesByLabel(label string) []graph.Node
	Nodes() []graph.Node
}

// Match is a resolved node and how well the surface form matched it
type Match struct {
	Node  graph.Node
	Score float64
	Exact bool
}

// Resolver maps surface forms onto existing nodes
type Resolver struct {
	threshold float64
	dmp       *diffmatchpatch.DiffMatchPatch
}

// NewResolver creates a resolver; threshold <= 0 selects DefaultSimilarityThreshold
func NewResolver(threshold float64) *Resolver {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // unbounded, so the distance never depends on timing
	return &Resolver{threshold: threshold, dmp: dmp}
}

// Threshold returns the minimum similarity accepted for a fuzzy match
func (r *Resolver) Threshold() float64 { return r.threshold }

// Resolve finds the node a label refers to. An exact, case-insensitive label or alias match
// wins regardless of type. Otherwise the most similar node of typeName is returned when its
// similarity reaches the threshold. An empty typeName disables fuzzy matching.
func (r *Resolver) Resolve(view NodeView, label, typeName string) (Match, bool) {
	if exact := view.NodesByLabel(label); len(exact) > 0 {
		sort.SliceStable(exact, func(i, j int) bool {
			return preferExact(exact[i], exact[j], label, typeName)
		})
		return Match{Node: exact[0], Score: 1, Exact: true}, true
	}
	if typeName == "" {
		return Match{}, false
	}

	want := graph.NormalizeLabel(label)
	if want == "" {
		return Match{}, false
	}
	var best Match
	found := false
	for _, n := range view.Nodes() {
		if !strings.EqualFold(n.Type, typeName) {
			continue
		}
		score := r.Similarity(want, graph.NormalizeLabel(n.Label))
		for _, alias := range n.Aliases {
			if s := r.Similarity(want, graph.NormalizeLabel(alias)); s > score {
				score = s
			}
		}
		if score < r.threshold {
			continue
		}
		if !found || score > best.Score || (score == best.Score && earlier(n, best.Node)) {
			best = Match{Node: n, Score: score}
			found = true
		}
	}
	return best, found
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)), measured in runes
func (r *Resolver) Similarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	diffs := r.dmp.DiffMain(a, b, false)
	distance := r.dmp.DiffLevenshtein(diffs)
	return 1 - float64(distance)/float64(longest)
}

// preferExact orders exact candidates: same type, then label over alias, then first seen
func preferExact(a, b graph.Node, label, typeName string) bool {
	if typeName != "" {
		at, bt := strings.EqualFold(a.Type, typeName), strings.EqualFold(b.Type, typeName)
		if at != bt {
			return at
		}
	}
	al, bl := strings.EqualFold(strings.TrimSpace(a.Label), strings.TrimSpace(label)), strings.EqualFold(strings.TrimSpace(b.Label), strings.TrimSpace(label))
	if al != bl {
		return al
	}
	return earlier(a, b)
}

func earlier(a, b graph.Node) bool {
	if a.FirstSeenSeq != b.FirstSeenSeq {
		return a.FirstSeenSeq < b.FirstSeenSeq
	}
	return a.ID < b.ID
}
