// Package engine is the caller-facing surface of the knowledge graph: every operation takes
// an explicit project ID, mutations run on the project's job queue and queries read the
// latest committed snapshot.
package engine

import (
	"context"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/bootstrap"
	"github.com/athapong/kgraph/pkg/graph/confirmation"
	"github.com/athapong/kgraph/pkg/graph/extraction"
	"github.com/athapong/kgraph/pkg/graph/jobs"
	"github.com/athapong/kgraph/pkg/graph/query"
	"github.com/athapong/kgraph/pkg/graph/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options configures the engine
type Options struct {
	QueueSize  int
	Extraction extraction.Options
	Logger     *logrus.Logger
}

// Engine wires the store, the job queue and the graph components together
type Engine struct {
	store        *storage.Store
	queue        *jobs.Queue
	bootstrapper *bootstrap.Bootstrapper
	extraction   *extraction.Engine
	workflow     *confirmation.Workflow
	query        *query.Engine
	logger       *logrus.Logger
}

// New creates an engine over store. The store stays owned by the caller.
func New(store *storage.Store, extractor graph.Extractor, inferencer graph.SchemaInferencer, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if extractor == nil || inferencer == nil {
		return nil, errors.New("extractor and schema inferencer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	extractionEngine := extraction.NewEngine(store, extractor, opts.Extraction, logger)
	return &Engine{
		store:        store,
		queue:        jobs.NewQueue(opts.QueueSize, logger),
		bootstrapper: bootstrap.NewBootstrapper(store, bootstrap.NewPipeline(inferencer, logger), extractionEngine, logger),
		extraction:   extractionEngine,
		workflow:     confirmation.NewWorkflow(store, extractionEngine.Resolver(), logger),
		query:        query.NewEngine(store, logger),
		logger:       logger,
	}, nil
}

// Close waits for queued jobs to finish and stops the workers
func (e *Engine) Close() {
	e.queue.Close()
}

// CreateProject creates an empty project in the created state
func (e *Engine) CreateProject(ctx context.Context, name string) (*graph.Project, error) {
	return e.store.CreateProject(ctx, name)
}

// ListProjects returns every project
func (e *Engine) ListProjects() []*graph.Project {
	return e.store.ListProjects()
}

// GetProject returns one project
func (e *Engine) GetProject(projectID string) (*graph.Project, error) {
	return e.store.GetProject(projectID)
}

// Bootstrap infers the project's profile from a seed document and extracts it
func (e *Engine) Bootstrap(ctx context.Context, projectID string, doc graph.Document) (*bootstrap.Result, error) {
	if _, err := e.store.GetProject(projectID); err != nil {
		return nil, err
	}
	var result *bootstrap.Result
	err := e.queue.Submit(ctx, projectID, func(ctx context.Context) error {
		var err error
		result, err = e.bootstrapper.Bootstrap(ctx, projectID, doc)
		return err
	})
	return result, err
}

// Extract adds a document's facts to an active or stable project
func (e *Engine) Extract(ctx context.Context, projectID string, doc graph.Document) (*extraction.Result, error) {
	if _, err := e.store.GetProject(projectID); err != nil {
		return nil, err
	}
	var result *extraction.Result
	err := e.queue.Submit(ctx, projectID, func(ctx context.Context) error {
		var err error
		result, err = e.extraction.Extract(ctx, projectID, doc)
		return err
	})
	return result, err
}

// ListPending returns the project's pending discoveries, oldest first
func (e *Engine) ListPending(projectID string) ([]graph.Discovery, error) {
	return e.workflow.ListPending(projectID)
}

// Decide confirms or rejects a discovery on the queue of the project that owns it
func (e *Engine) Decide(ctx context.Context, discoveryID string, confirmed bool, actor string) (*graph.Discovery, error) {
	projectID, err := e.workflow.ProjectOf(discoveryID)
	if err != nil {
		return nil, err
	}
	var decided *graph.Discovery
	err = e.queue.Submit(ctx, projectID, func(ctx context.Context) error {
		var err error
		decided, err = e.workflow.Decide(ctx, discoveryID, confirmed, actor)
		return err
	})
	return decided, err
}

func (e *Engine) RankKeyPlayers(ctx context.Context, projectID string, limit int) ([]query.KeyPlayer, error) {
	return e.query.RankKeyPlayers(ctx, projectID, limit)
}

func (e *Engine) FindPaths(ctx context.Context, projectID, sourceLabel, targetLabel string, maxLength int) ([]query.Path, error) {
	return e.query.FindPaths(ctx, projectID, sourceLabel, targetLabel, maxLength)
}

func (e *Engine) FindClusters(ctx context.Context, projectID string) (*query.Clustering, error) {
	return e.query.FindClusters(ctx, projectID)
}

func (e *Engine) GetEvidence(ctx context.Context, projectID, id string) ([]graph.Evidence, error) {
	return e.query.GetEvidence(ctx, projectID, id)
}

func (e *Engine) Neighbors(ctx context.Context, projectID, nodeID string, depth int) ([]graph.Node, error) {
	return e.query.Neighbors(ctx, projectID, nodeID, depth)
}

// Export returns the project's latest committed graph
func (e *Engine) Export(projectID string) (*graph.Dump, error) {
	return e.store.Export(projectID)
}

// AuditTrail returns the project's decision records in the order they were written
func (e *Engine) AuditTrail(ctx context.Context, projectID string) ([]storage.AuditRecord, error) {
	audit, err := e.store.Audit(projectID)
	if err != nil {
		return nil, err
	}
	return audit.Records(ctx)
}
