// Package extraction turns extractor output into committed graph facts and queued discoveries.
package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/metrics"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Defaults for Options
const (
	DefaultMinConfidence         = 0.6
	DefaultTimeout               = 2 * time.Minute
	DefaultStabilityAlpha        = 0.3
	DefaultStabilityThreshold    = 0.8
	DefaultStabilityMinDocuments = 3
)

// Store is the transactional graph storage the engine writes through
type Store interface {
	Snapshot(projectID string) (*graph.Snapshot, error)
	Update(ctx context.Context, projectID string, fn func(tx *graph.Tx) error) (*graph.Snapshot, error)
}

// Options tunes extraction gating and stability tracking. Zero values select the defaults.
type Options struct {
	MinConfidence         float64
	SimilarityThreshold   float64
	Timeout               time.Duration
	StabilityAlpha        float64
	StabilityThreshold    float64
	StabilityMinDocuments int
}

func (o Options) withDefaults() Options {
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.StabilityAlpha <= 0 || o.StabilityAlpha > 1 {
		o.StabilityAlpha = DefaultStabilityAlpha
	}
	if o.StabilityThreshold <= 0 {
		o.StabilityThreshold = DefaultStabilityThreshold
	}
	if o.StabilityMinDocuments <= 0 {
		o.StabilityMinDocuments = DefaultStabilityMinDocuments
	}
	return o
}

// Result summarizes one document's extraction
type Result struct {
	DocumentID        string             `json:"document_id"`
	NodesAdded        int                `json:"nodes_added"`
	NodesMerged       int                `json:"nodes_merged"`
	EdgesAdded        int                `json:"edges_added"`
	EdgesMerged       int                `json:"edges_merged"`
	DiscoveriesQueued int                `json:"discoveries_queued"`
	Confidence        float64            `json:"confidence"`
	State             graph.ProjectState `json:"state"`
	Version           uint64             `json:"version"`
}

// Engine runs extraction for documents of active projects
type Engine struct {
	store     Store
	extractor graph.Extractor
	resolver  *Resolver
	opts      Options
	logger    *logrus.Logger
}

// NewEngine creates an extraction engine
func NewEngine(store Store, extractor graph.Extractor, opts Options, logger *logrus.Logger) *Engine {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Engine{
		store:     store,
		extractor: extractor,
		resolver:  NewResolver(opts.SimilarityThreshold),
		opts:      opts,
		logger:    logger,
	}
}

// Resolver returns the identity resolver used by the engine
func (e *Engine) Resolver() *Resolver { return e.resolver }

// Extract runs the extractor on doc and commits everything it yields in one transaction.
// Nothing is committed when the extractor fails or ctx is cancelled first.
func (e *Engine) Extract(ctx context.Context, projectID string, doc graph.Document) (*Result, error) {
	timer := prometheus.NewTimer(metrics.ExtractionDuration.WithLabelValues("total"))
	defer timer.ObserveDuration()

	if strings.TrimSpace(doc.ID) == "" {
		return nil, errors.New("document id is required")
	}
	snap, err := e.store.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	if !snap.State().AcceptsExtraction() {
		return nil, &graph.StateError{ProjectID: projectID, State: snap.State(), Op: "extraction"}
	}

	log := e.logger.WithFields(logrus.Fields{"project_id": projectID, "doc_id": doc.ID})
	log.Info("Extracting document")

	ex, err := e.Candidates(ctx, doc, snap.Profile())
	if err != nil {
		log.WithError(err).Error("Extractor failed")
		return nil, err
	}

	var result *Result
	committed, err := e.store.Update(ctx, projectID, func(tx *graph.Tx) error {
		if !tx.State().AcceptsExtraction() {
			return &graph.StateError{ProjectID: projectID, State: tx.State(), Op: "extraction"}
		}
		var err error
		result, err = e.Apply(tx, doc, ex)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Extraction not committed")
		return nil, err
	}
	result.Version = committed.Version()

	log.WithFields(logrus.Fields{
		"nodes_added":  result.NodesAdded,
		"nodes_merged": result.NodesMerged,
		"edges_added":  result.EdgesAdded,
		"edges_merged": result.EdgesMerged,
		"discoveries":  result.DiscoveriesQueued,
		"state":        result.State,
	}).Info("Extraction committed")
	return result, nil
}

// Candidates asks the extractor for doc's candidates under the configured timeout and
// fills in evidence provenance. Failures come back as *graph.ExtractionError.
func (e *Engine) Candidates(ctx context.Context, doc graph.Document, profile *graph.DomainProfile) (*graph.Extraction, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.ExtractionDuration.WithLabelValues("extractor"))
	ex, err := e.extractor.Extract(callCtx, doc, profile)
	timer.ObserveDuration()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var extractionErr *graph.ExtractionError
		if errors.As(err, &extractionErr) {
			return nil, err
		}
		transient := errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil
		errorType := "permanent"
		if transient {
			errorType = "transient"
		}
		metrics.DocumentProcessingErrors.WithLabelValues("extractor", errorType).Inc()
		return nil, &graph.ExtractionError{Cause: err, Transient: transient}
	}
	if ex == nil {
		return nil, &graph.ExtractionError{Cause: errors.New("extractor returned no result")}
	}
	return withProvenance(doc, ex), nil
}

// Apply folds an extraction for doc into tx. It is used both for regular documents and
// for the seed document committed together with a new profile.
func (e *Engine) Apply(tx *graph.Tx, doc graph.Document, ex *graph.Extraction) (*Result, error) {
	project := tx.Project()
	profile := tx.Profile()
	if profile == nil {
		return nil, &graph.StateError{ProjectID: project.ID, State: project.State, Op: "extraction"}
	}

	_, seen := project.DocumentSeq[doc.ID]
	tx.UseDocument(doc.ID)

	res := &Result{DocumentID: doc.ID}
	labels := make(map[string]string)              // surface form -> node committed for this document
	routed := mapset.NewThreadUnsafeSet[string]() // surface forms sent to confirmation

	for _, c := range ex.Nodes {
		key := surfaceKey(c.Label)
		if key == "" {
			continue
		}
		thingType, ok := profile.ThingType(c.Type)
		if !ok {
			e.queue(tx, res, graph.Discovery{
				Kind: graph.DiscoveryNode, Node: copyNode(c), Reason: graph.ReasonUnknownType, DocumentID: doc.ID,
				Rationale: fmt.Sprintf("thing type %q is not in the domain profile", c.Type),
			})
			routed.Add(key)
			continue
		}

		match, found := e.resolver.Resolve(tx, c.Label, thingType.Name)
		if seed, ok := seedFor(profile, c.Label, thingType.Name); ok && !found {
			match, found = e.resolver.Resolve(tx, seed.Label, thingType.Name)
		}
		score := 1.0
		if found {
			score = match.Score
		}
		confidence := c.Confidence * score
		if confidence < e.opts.MinConfidence {
			e.queue(tx, res, graph.Discovery{
				Kind: graph.DiscoveryNode, Node: copyNode(c), Reason: graph.ReasonLowConfidence, DocumentID: doc.ID,
				Rationale: lowConfidenceRationale(confidence, e.opts.MinConfidence, match, found),
			})
			routed.Add(key)
			continue
		}

		upsert := newNode(profile, c.Label, thingType.Name, c.Evidence)
		if found {
			upsert = graph.NodeUpsert{ID: match.Node.ID, Label: c.Label, Evidence: c.Evidence}
		}
		id, created, err := tx.UpsertNode(upsert)
		if err != nil {
			return nil, errors.Wrapf(err, "commit node %q", c.Label)
		}
		if created {
			res.NodesAdded++
		} else {
			res.NodesMerged++
		}
		labels[key] = id
	}

	for _, c := range ex.Edges {
		connType, ok := profile.ConnectionType(c.Type)
		if !ok {
			e.queue(tx, res, graph.Discovery{
				Kind: graph.DiscoveryEdge, Edge: copyEdge(c), Reason: graph.ReasonUnknownType, DocumentID: doc.ID,
				Rationale: fmt.Sprintf("connection type %q is not in the domain profile", c.Type),
			})
			continue
		}

		source, okSource := e.endpoint(tx, labels, routed, c.SourceLabel, c.SourceType)
		target, okTarget := e.endpoint(tx, labels, routed, c.TargetLabel, c.TargetType)
		if !okSource || !okTarget {
			missing := c.SourceLabel
			if okSource {
				missing = c.TargetLabel
			}
			e.queue(tx, res, graph.Discovery{
				Kind: graph.DiscoveryEdge, Edge: copyEdge(c), Reason: graph.ReasonUnresolvedEndpoint, DocumentID: doc.ID,
				Rationale: fmt.Sprintf("endpoint %q does not resolve to a committed thing", missing),
			})
			continue
		}
		if c.Confidence < e.opts.MinConfidence {
			e.queue(tx, res, graph.Discovery{
				Kind: graph.DiscoveryEdge, Edge: copyEdge(c), Reason: graph.ReasonLowConfidence, DocumentID: doc.ID,
				Rationale: fmt.Sprintf("confidence %.2f is below %.2f", c.Confidence, e.opts.MinConfidence),
			})
			continue
		}

		sourceID, err := e.commitEndpoint(tx, res, labels, source, c.Evidence)
		if err != nil {
			return nil, err
		}
		targetID, err := e.commitEndpoint(tx, res, labels, target, c.Evidence)
		if err != nil {
			return nil, err
		}

		_, created, err := tx.UpsertEdge(graph.EdgeUpsert{
			SourceID:   sourceID,
			TargetID:   targetID,
			Type:       connType.Name,
			Confidence: c.Confidence,
			Evidence:   c.Evidence,
			DocumentID: doc.ID,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "commit edge %q -%s-> %q", c.SourceLabel, c.Type, c.TargetLabel)
		}
		if created {
			res.EdgesAdded++
		} else {
			res.EdgesMerged++
		}
	}

	mean, hasCandidates := ex.MeanConfidence()
	res.Confidence = mean
	if !seen {
		e.trackStability(tx, mean, hasCandidates)
	}
	res.State = tx.State()
	return res, nil
}

// endpointRef is an edge endpoint that either resolved to a node or names a node of a
// known type the edge creates once it commits
type endpointRef struct {
	key      string
	id       string
	label    string
	typeName string
}

// endpoint resolves an edge endpoint: labels committed for this document first, then the
// graph. It never writes to tx.
func (e *Engine) endpoint(tx *graph.Tx, labels map[string]string, routed mapset.Set[string], label, typeName string) (endpointRef, bool) {
	key := surfaceKey(label)
	if key == "" || routed.Contains(key) {
		return endpointRef{}, false
	}
	if id, ok := labels[key]; ok {
		return endpointRef{key: key, id: id}, true
	}

	thingType, known := tx.Profile().ThingType(typeName)
	if known {
		typeName = thingType.Name
	} else {
		typeName = ""
	}
	if match, ok := e.resolver.Resolve(tx, label, typeName); ok {
		return endpointRef{key: key, id: match.Node.ID}, true
	}
	if !known {
		return endpointRef{}, false
	}
	return endpointRef{key: key, label: label, typeName: typeName}, true
}

// commitEndpoint returns ref's node ID, creating the node when ref has none yet
func (e *Engine) commitEndpoint(tx *graph.Tx, res *Result, labels map[string]string, ref endpointRef, evidence []graph.Evidence) (string, error) {
	if ref.id != "" {
		labels[ref.key] = ref.id
		return ref.id, nil
	}
	if id, ok := labels[ref.key]; ok {
		return id, nil
	}
	id, _, err := tx.UpsertNode(newNode(tx.Profile(), ref.label, ref.typeName, evidence))
	if err != nil {
		return "", errors.Wrapf(err, "create endpoint %q", ref.label)
	}
	res.NodesAdded++
	labels[ref.key] = id
	return id, nil
}

func (e *Engine) queue(tx *graph.Tx, res *Result, d graph.Discovery) {
	if _, queued := tx.AddDiscovery(d); queued {
		res.DiscoveriesQueued++
		metrics.DiscoveriesQueued.WithLabelValues(string(d.Reason)).Inc()
	}
}

// trackStability updates the rolling extraction confidence and promotes active projects
// to stable once it stays high over enough documents. The flag is advisory.
func (e *Engine) trackStability(tx *graph.Tx, mean float64, ok bool) {
	project := tx.Project()
	project.DocumentCount++
	if !ok {
		return
	}
	if project.DocumentCount == 1 || project.RollingConfidence == 0 {
		project.RollingConfidence = mean
	} else {
		project.RollingConfidence = e.opts.StabilityAlpha*mean + (1-e.opts.StabilityAlpha)*project.RollingConfidence
	}
	if project.State == graph.StateActive &&
		project.RollingConfidence >= e.opts.StabilityThreshold &&
		project.DocumentCount >= e.opts.StabilityMinDocuments {
		tx.SetState(graph.StateStable)
		e.logger.WithFields(logrus.Fields{
			"project_id": project.ID,
			"confidence": project.RollingConfidence,
			"documents":  project.DocumentCount,
		}).Info("Project schema is stable")
	}
}

// withProvenance returns a copy of ex whose evidence all names doc and carries a transcript
// timestamp when one precedes the quote. Candidates without evidence get a quoteless record
// of the document they came from.
func withProvenance(doc graph.Document, ex *graph.Extraction) *graph.Extraction {
	out := &graph.Extraction{
		Nodes: make([]graph.NodeCandidate, 0, len(ex.Nodes)),
		Edges: make([]graph.EdgeCandidate, 0, len(ex.Edges)),
	}
	for _, c := range ex.Nodes {
		c.Label = strings.TrimSpace(c.Label)
		c.Confidence = clamp01(c.Confidence)
		c.Evidence = fillEvidence(doc, c.Evidence)
		out.Nodes = append(out.Nodes, c)
	}
	for _, c := range ex.Edges {
		c.SourceLabel = strings.TrimSpace(c.SourceLabel)
		c.TargetLabel = strings.TrimSpace(c.TargetLabel)
		c.Confidence = clamp01(c.Confidence)
		c.Evidence = fillEvidence(doc, c.Evidence)
		out.Edges = append(out.Edges, c)
	}
	return out
}

func fillEvidence(doc graph.Document, evidence []graph.Evidence) []graph.Evidence {
	if len(evidence) == 0 {
		return []graph.Evidence{{DocumentID: doc.ID}}
	}
	filled := make([]graph.Evidence, 0, len(evidence))
	for _, ev := range evidence {
		ev.Quote = strings.TrimSpace(ev.Quote)
		if ev.DocumentID == "" {
			ev.DocumentID = doc.ID
		}
		if ev.Timestamp == "" && ev.DocumentID == doc.ID {
			ev.Timestamp = TimestampFor(doc.Content, ev.Quote)
		}
		filled = append(filled, ev)
	}
	return filled
}

func lowConfidenceRationale(confidence, floor float64, match Match, found bool) string {
	if found && !match.Exact {
		return fmt.Sprintf("confidence %.2f is below %.2f after a %.2f similarity match with %q", confidence, floor, match.Score, match.Node.Label)
	}
	return fmt.Sprintf("confidence %.2f is below %.2f", confidence, floor)
}

// seedFor finds the seed entity of typeName whose label or alias is label
func seedFor(profile *graph.DomainProfile, label, typeName string) (graph.SeedEntity, bool) {
	if profile == nil {
		return graph.SeedEntity{}, false
	}
	key := surfaceKey(label)
	for _, seed := range profile.SeedEntities {
		if !strings.EqualFold(seed.Type, typeName) {
			continue
		}
		if surfaceKey(seed.Label) == key {
			return seed, true
		}
		for _, alias := range seed.Aliases {
			if surfaceKey(alias) == key {
				return seed, true
			}
		}
	}
	return graph.SeedEntity{}, false
}

// newNode builds the upsert creating a node, named after a matching seed entity when there is one
func newNode(profile *graph.DomainProfile, label, typeName string, evidence []graph.Evidence) graph.NodeUpsert {
	upsert := graph.NodeUpsert{Label: label, Type: typeName, Evidence: evidence}
	if seed, ok := seedFor(profile, label, typeName); ok {
		upsert.Label = seed.Label
		upsert.Aliases = append(append([]string(nil), seed.Aliases...), label)
	}
	return upsert
}

func surfaceKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func copyNode(c graph.NodeCandidate) *graph.NodeCandidate {
	c.Evidence = append([]graph.Evidence(nil), c.Evidence...)
	return &c
}

func copyEdge(c graph.EdgeCandidate) *graph.EdgeCandidate {
	c.Evidence = append([]graph.Evidence(nil), c.Evidence...)
	return &c
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
