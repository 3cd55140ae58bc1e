package bootstrap

import (
	"context"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/extraction"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Result reports a completed bootstrap
type Result struct {
	Project    *graph.Project     `json:"project"`
	Extraction *extraction.Result `json:"extraction"`
}

// Bootstrapper takes a created project to active: it infers the profile from a seed
// document and commits that profile together with the seed document's extraction.
type Bootstrapper struct {
	store    extraction.Store
	pipeline *Pipeline
	engine   *extraction.Engine
	logger   *logrus.Logger
}

// NewBootstrapper creates a bootstrapper
func NewBootstrapper(store extraction.Store, pipeline *Pipeline, engine *extraction.Engine, logger *logrus.Logger) *Bootstrapper {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Bootstrapper{store: store, pipeline: pipeline, engine: engine, logger: logger}
}

// Bootstrap runs once per project. On any failure, cancellation included, the project goes
// back to created with the error recorded and no profile, nodes or edges.
func (b *Bootstrapper) Bootstrap(ctx context.Context, projectID string, doc graph.Document) (*Result, error) {
	log := b.logger.WithFields(logrus.Fields{"project_id": projectID, "doc_id": doc.ID})

	_, err := b.store.Update(ctx, projectID, func(tx *graph.Tx) error {
		if tx.State() != graph.StateCreated {
			return &graph.StateError{ProjectID: projectID, State: tx.State(), Op: "bootstrap"}
		}
		tx.SetState(graph.StateBootstrapping)
		tx.SetLastError("")
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("Bootstrapping project")

	result, err := b.run(ctx, projectID, doc)
	if err != nil {
		log.WithError(err).Error("Bootstrap failed, returning project to created")
		if revertErr := b.revert(ctx, projectID, err); revertErr != nil {
			log.WithError(revertErr).Error("Failed to revert project after bootstrap failure")
		}
		return nil, err
	}
	log.WithField("nodes_added", result.Extraction.NodesAdded).Info("Project bootstrapped")
	return result, nil
}

func (b *Bootstrapper) run(ctx context.Context, projectID string, doc graph.Document) (*Result, error) {
	profile, err := b.pipeline.Run(ctx, doc)
	if err != nil {
		return nil, err
	}

	candidates, err := b.engine.Candidates(ctx, doc, profile)
	if err != nil {
		return nil, errors.Wrap(err, "extract seed document")
	}

	var extracted *extraction.Result
	snap, err := b.store.Update(ctx, projectID, func(tx *graph.Tx) error {
		if tx.State() != graph.StateBootstrapping {
			return &graph.StateError{ProjectID: projectID, State: tx.State(), Op: "finalize bootstrap"}
		}
		tx.SetProfile(profile)
		tx.SetState(graph.StateActive)
		var err error
		extracted, err = b.engine.Apply(tx, doc, candidates)
		return err
	})
	if err != nil {
		return nil, err
	}
	extracted.Version = snap.Version()
	return &Result{Project: snap.Project(), Extraction: extracted}, nil
}

func (b *Bootstrapper) revert(ctx context.Context, projectID string, cause error) error {
	_, err := b.store.Update(context.WithoutCancel(ctx), projectID, func(tx *graph.Tx) error {
		if tx.State() != graph.StateBootstrapping {
			return nil
		}
		tx.SetState(graph.StateCreated)
		tx.SetLastError(cause.Error())
		return nil
	})
	return err
}
